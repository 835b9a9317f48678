package rabbitmq

import (
	"context"
	"fmt"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/decodeworker"
	"github.com/fiapx/fiapx-framecache/internal/infra/mailbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type workerSession struct {
	inbox  *mailbox.Mailbox[entity.Message]
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *workerSession) stop() {
	s.cancel()
	s.inbox.Close()
	<-s.done
}

// ServeWorker runs decode worker id against the broker until ctx ends. A
// hello from a coordinator discards the current session and starts a fresh
// one with a new codec, which announces itself with ready.
func ServeWorker(ctx context.Context, conn *amqp.Connection, prefix string, id int, codecs port.CodecFactory, logger *zap.Logger) error {
	if err := DeclareQueues(conn, prefix, id); err != nil {
		return err
	}
	in, out := QueueNames(prefix, id)

	pub, err := NewPublisher(conn)
	if err != nil {
		return err
	}
	defer pub.Close()

	logger = logger.With(zap.Int("worker_id", id))
	start := func() (*workerSession, error) {
		codec, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("create codec: %w", err)
		}
		sctx, cancel := context.WithCancel(ctx)
		s := &workerSession{inbox: mailbox.New[entity.Message](), cancel: cancel, done: make(chan struct{})}
		rt := decodeworker.NewRuntime(codec, func(msg entity.Message) error {
			return pub.Publish(sctx, out, msg)
		}, logger)
		go func() {
			defer close(s.done)
			if err := rt.Run(sctx, s.inbox); err != nil {
				logger.Warn("session ended with error, waiting for a new coordinator", zap.Error(err))
			}
		}()
		return s, nil
	}

	current, err := start()
	if err != nil {
		return err
	}
	defer func() { current.stop() }()

	consumer, err := NewConsumer(conn, in, 1, func(_ context.Context, d amqp.Delivery) error {
		if isHello(d) {
			logger.Info("coordinator attached, starting a new session")
			current.stop()
			next, err := start()
			if err != nil {
				return err
			}
			current = next
			return nil
		}
		msg, err := decode(d)
		if err != nil {
			return err
		}
		current.inbox.Put(msg)
		return nil
	}, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	logger.Info("decode worker listening", zap.String("queue", in))
	return consumer.Start(ctx)
}
