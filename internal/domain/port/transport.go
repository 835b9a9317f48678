package port

import (
	"context"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// WorkerConn is the pool's end of one worker's message channel.
// Send enqueues and returns without waiting for delivery; a delivery
// failure comes back through the deliver callback as an error message.
type WorkerConn interface {
	Send(msg entity.Message) error
	Close() error
}

// WorkerTransport starts decode workers. deliver is called with the
// worker's outbound messages in the order the worker sent them, from a
// single goroutine per worker.
type WorkerTransport interface {
	Spawn(ctx context.Context, id int, deliver func(entity.Message)) (WorkerConn, error)
}

// EventPublisher fans session events out to UI subscribers.
type EventPublisher interface {
	Publish(evt entity.Event)
}
