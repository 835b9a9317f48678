package usecase

import "github.com/fiapx/fiapx-framecache/internal/domain/entity"

// extractionQueue holds requests that arrived while too few workers were
// idle. When full, the oldest request makes room for the newest.
type extractionQueue struct {
	items    []entity.ExtractionRequest
	capacity int
}

func newExtractionQueue(capacity int) *extractionQueue {
	return &extractionQueue{capacity: max(capacity, 0)}
}

// push appends req. accepted is false when the queue is disabled; dropped
// is set when an older request was pushed out.
func (q *extractionQueue) push(req entity.ExtractionRequest) (accepted bool, dropped *entity.ExtractionRequest) {
	if q.capacity == 0 {
		return false, nil
	}
	if len(q.items) == q.capacity {
		oldest := q.items[0]
		q.items = q.items[1:]
		dropped = &oldest
	}
	q.items = append(q.items, req)
	return true, dropped
}

func (q *extractionQueue) pop() (entity.ExtractionRequest, bool) {
	if len(q.items) == 0 {
		return entity.ExtractionRequest{}, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

func (q *extractionQueue) clear() { q.items = nil }

func (q *extractionQueue) len() int { return len(q.items) }
