package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"go.uber.org/zap"
)

type jobStore interface {
	Create(ctx context.Context, job *entity.Job) error
	Update(ctx context.Context, job *entity.Job) error
}

type ledgerOp struct {
	job      entity.Job
	finished bool
}

// Ledger implements port.JobLedger without blocking the caller: records are
// copied into a bounded buffer and written by one goroutine. When the buffer
// is full the record is dropped with a warning.
type Ledger struct {
	store   jobStore
	ops     chan ledgerOp
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewLedger(store jobStore, buffer int, logger *zap.Logger) *Ledger {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Ledger{
		store:   store,
		ops:     make(chan ledgerOp, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Ledger) RecordAssigned(_ context.Context, job *entity.Job) error {
	l.enqueue(ledgerOp{job: *job})
	return nil
}

func (l *Ledger) RecordFinished(_ context.Context, job *entity.Job) error {
	l.enqueue(ledgerOp{job: *job, finished: true})
	return nil
}

func (l *Ledger) enqueue(op ledgerOp) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ops <- op:
	default:
		l.logger.Warn("job ledger buffer full, dropping record",
			zap.String("job_id", op.job.ID.String()), zap.String("status", string(op.job.Status)))
	}
}

func (l *Ledger) run() {
	defer close(l.done)
	for op := range l.ops {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		var err error
		if op.finished {
			err = l.store.Update(ctx, &op.job)
		} else {
			err = l.store.Create(ctx, &op.job)
		}
		cancel()
		if err != nil {
			l.logger.Warn("job ledger write failed", zap.String("job_id", op.job.ID.String()), zap.Error(err))
		}
	}
}

// Close flushes what is buffered and stops the writer.
func (l *Ledger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ops)
	}
	l.mu.Unlock()
	<-l.done
}
