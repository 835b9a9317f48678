// Package mailbox is an unbounded FIFO with a blocking receive, used as the
// per-worker message channel. Unlike a buffered channel, Put never blocks
// the coordinator loop, and nothing is ever overwritten or dropped.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put appends v and wakes the receiver. It reports false once the mailbox
// is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.cond.Signal()
	return true
}

// Take blocks until an item is available or the mailbox is closed. Items
// queued before Close are still handed out; ok is false only once the
// mailbox is closed and empty.
func (m *Mailbox[T]) Take() (v T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		return v, false
	}
	v = m.items[0]
	var zero T
	m.items[0] = zero
	m.items = m.items[1:]
	return v, true
}

// Close wakes a blocked Take. Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
