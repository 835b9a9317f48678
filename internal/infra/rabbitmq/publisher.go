package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentType = "application/msgpack"

	typeHeader    = "x-message-type"
	controlHeader = "x-framecache-control"
	controlHello  = "hello"
)

// Publisher sends protocol messages straight to a worker queue through the
// default exchange.
type Publisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, queue string, msg entity.Message) error {
	body, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return p.publish(ctx, queue, amqp.Publishing{
		ContentType: ContentType,
		Body:        body,
		Timestamp:   time.Now().UTC(),
		Headers:     amqp.Table{typeHeader: string(msg.Type)},
	})
}

// hello tells the worker on queue to start a fresh session and announce
// itself again.
func (p *Publisher) hello(ctx context.Context, queue string) error {
	return p.publish(ctx, queue, amqp.Publishing{
		Timestamp: time.Now().UTC(),
		Headers:   amqp.Table{controlHeader: controlHello},
	})
}

func (p *Publisher) publish(ctx context.Context, queue string, pub amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}

func decode(d amqp.Delivery) (entity.Message, error) {
	var msg entity.Message
	if err := msgpack.Unmarshal(d.Body, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal %v message: %w", d.Headers[typeHeader], err)
	}
	return msg, nil
}

func isHello(d amqp.Delivery) bool {
	v, ok := d.Headers[controlHeader].(string)
	return ok && v == controlHello
}
