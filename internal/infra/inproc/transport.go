// Package inproc runs decode workers as goroutines inside the coordinator
// process.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/decodeworker"
	"github.com/fiapx/fiapx-framecache/internal/infra/mailbox"
	"go.uber.org/zap"
)

var ErrWorkerClosed = errors.New("worker closed")

type Transport struct {
	codecs port.CodecFactory
	logger *zap.Logger
}

func NewTransport(codecs port.CodecFactory, logger *zap.Logger) *Transport {
	return &Transport{codecs: codecs, logger: logger}
}

type conn struct {
	inbox  *mailbox.Mailbox[entity.Message]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *Transport) Spawn(ctx context.Context, id int, deliver func(entity.Message)) (port.WorkerConn, error) {
	codec, err := t.codecs()
	if err != nil {
		return nil, fmt.Errorf("create codec for worker %d: %w", id, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		inbox:  mailbox.New[entity.Message](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log := t.logger.With(zap.Int("worker_id", id))
	rt := decodeworker.NewRuntime(codec, func(msg entity.Message) error {
		deliver(msg)
		return nil
	}, log)

	go func() {
		defer close(c.done)
		if err := rt.Run(ctx, c.inbox); err != nil {
			log.Debug("worker goroutine exited", zap.Error(err))
		}
	}()
	return c, nil
}

func (c *conn) Send(msg entity.Message) error {
	if !c.inbox.Put(msg) {
		return ErrWorkerClosed
	}
	return nil
}

// Close stops the worker and waits for its goroutine.
func (c *conn) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.inbox.Close()
	})
	<-c.done
	return nil
}
