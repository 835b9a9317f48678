// Package rabbitmq carries the decode protocol over a broker so workers can
// run on other hosts. Each worker owns two queues: "<prefix>.worker.<id>.in"
// for commands and "<prefix>.worker.<id>.out" for its replies.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/mailbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const replyPrefetch = 16

func QueueNames(prefix string, id int) (in, out string) {
	base := fmt.Sprintf("%s.worker.%d", prefix, id)
	return base + ".in", base + ".out"
}

// DeclareQueues makes sure both queues of worker id exist. Queues are not
// durable: a cache session does not survive a broker restart.
func DeclareQueues(conn *amqp.Connection, prefix string, id int) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	in, out := QueueNames(prefix, id)
	for _, q := range []string{in, out} {
		if _, err := ch.QueueDeclare(q, false, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// Transport is the coordinator side. The worker processes are started
// elsewhere (see ServeWorker); Spawn only attaches to their queues and asks
// them to start over.
type Transport struct {
	conn      *amqp.Connection
	prefix    string
	publisher *Publisher
	logger    *zap.Logger
}

func NewTransport(conn *amqp.Connection, prefix string, logger *zap.Logger) (*Transport, error) {
	pub, err := NewPublisher(conn)
	if err != nil {
		return nil, err
	}
	return &Transport{conn: conn, prefix: prefix, publisher: pub, logger: logger}, nil
}

type remote struct {
	id      int
	inQueue string
	outbox  *mailbox.Mailbox[entity.Message]
	replies *mailbox.Mailbox[entity.Message]
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.Mutex
	closing bool

	wg   sync.WaitGroup
	once sync.Once
}

func (t *Transport) Spawn(ctx context.Context, id int, deliver func(entity.Message)) (port.WorkerConn, error) {
	if err := DeclareQueues(t.conn, t.prefix, id); err != nil {
		return nil, err
	}
	in, out := QueueNames(t.prefix, id)
	if err := t.purge(in, out); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &remote{
		id:      id,
		inQueue: in,
		outbox:  mailbox.New[entity.Message](),
		replies: mailbox.New[entity.Message](),
		cancel:  cancel,
		logger:  t.logger.With(zap.Int("worker_id", id), zap.String("queue", in)),
	}

	consumer, err := NewConsumer(t.conn, out, replyPrefetch, func(_ context.Context, d amqp.Delivery) error {
		msg, err := decode(d)
		if err != nil {
			return err
		}
		r.replies.Put(msg)
		return nil
	}, r.logger)
	if err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(3)
	go r.consume(ctx, consumer)
	go r.writeLoop(ctx, t.publisher)
	go r.deliverLoop(deliver)

	if err := t.publisher.hello(ctx, in); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("greet worker %d: %w", id, err)
	}
	r.logger.Info("attached to remote worker")
	return r, nil
}

// purge drops whatever an earlier coordinator left behind.
func (t *Transport) purge(queues ...string) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	for _, q := range queues {
		if _, err := ch.QueuePurge(q, false); err != nil {
			return fmt.Errorf("purge %s: %w", q, err)
		}
	}
	return nil
}

func (t *Transport) Close() error {
	return t.publisher.Close()
}

func (r *remote) Send(msg entity.Message) error {
	if !r.outbox.Put(msg) {
		return fmt.Errorf("worker %d: connection closed", r.id)
	}
	return nil
}

func (r *remote) consume(ctx context.Context, c *Consumer) {
	defer r.wg.Done()
	defer c.Close()
	err := c.Start(ctx)
	if err == nil {
		err = errors.New("reply consumer stopped")
	}
	r.fail(fmt.Errorf("worker %d replies: %w", r.id, err))
}

func (r *remote) writeLoop(ctx context.Context, pub *Publisher) {
	defer r.wg.Done()
	for {
		msg, ok := r.outbox.Take()
		if !ok {
			return
		}
		if err := pub.Publish(ctx, r.inQueue, msg); err != nil {
			r.outbox.Close()
			r.fail(fmt.Errorf("send %s: %w", msg.Type, err))
			return
		}
	}
}

// deliverLoop is the only goroutine that calls deliver.
func (r *remote) deliverLoop(deliver func(entity.Message)) {
	defer r.wg.Done()
	for {
		msg, ok := r.replies.Take()
		if !ok {
			return
		}
		deliver(msg)
	}
}

// fail queues a synthetic error unless the connection is being closed.
func (r *remote) fail(err error) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return
	}
	r.logger.Error("remote worker lost", zap.Error(err))
	r.replies.Put(entity.ErrorMessage(err))
}

func (r *remote) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		r.cancel()
		r.outbox.Close()
		r.replies.Close()
	})
	r.wg.Wait()
	return nil
}
