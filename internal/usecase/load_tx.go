package usecase

import (
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/google/uuid"
)

const nobody = -1

// loadTransaction scopes the one-shot metadata request to a single Load call,
// so an answer meant for an earlier load can never complete a later one.
type loadTransaction struct {
	id         uuid.UUID
	generation uint64
	filename   string
	asked      int
	metadata   *entity.SourceMetadata
	startedAt  time.Time
}

func newLoadTransaction(generation uint64, filename string) *loadTransaction {
	return &loadTransaction{
		id:         uuid.New(),
		generation: generation,
		filename:   filename,
		asked:      nobody,
		startedAt:  time.Now(),
	}
}

func (tx *loadTransaction) awaitingMetadata() bool { return tx.metadata == nil }

func (tx *loadTransaction) shouldAsk() bool {
	return tx.awaitingMetadata() && tx.asked == nobody
}

func (tx *loadTransaction) ask(workerID int) { tx.asked = workerID }

// complete accepts the first report for this transaction's generation.
func (tx *loadTransaction) complete(generation uint64, md entity.SourceMetadata) bool {
	if generation != tx.generation || !tx.awaitingMetadata() {
		return false
	}
	tx.metadata = &md
	return true
}

// rearm lets another worker answer when the asked worker died first.
func (tx *loadTransaction) rearm(workerID int) bool {
	if tx.asked != workerID || !tx.awaitingMetadata() {
		return false
	}
	tx.asked = nobody
	return true
}
