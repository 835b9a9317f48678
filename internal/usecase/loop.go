package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrLoopStopped = errors.New("coordinator loop stopped")

// Executor runs callbacks on the coordinator goroutine.
type Executor interface {
	Post(fn func())
}

// Loop is the coordinator goroutine. Every callback that touches the pool,
// the cache or the playback view runs here, one at a time, in post order.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger *zap.Logger
}

func NewLoop(buffer int, logger *zap.Logger) *Loop {
	return &Loop{
		queue:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("coordinator callback panicked", zap.Any("panic", r), zap.StackSkip("stack", 2))
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop has stopped. Never call Post from inside a loop callback.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return fmt.Errorf("post to loop: %w", ctx.Err())
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return fmt.Errorf("wait for loop: %w", ctx.Err())
	}
}

// Ping reports whether the loop answers within ctx.
func (l *Loop) Ping(ctx context.Context) error {
	return l.Do(ctx, func() {})
}
