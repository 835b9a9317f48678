package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type DeliveryHandler func(ctx context.Context, d amqp.Delivery) error

// Consumer reads one queue on a single goroutine so that handler sees the
// messages in publish order.
type Consumer struct {
	channel *amqp.Channel
	queue   string
	handler DeliveryHandler
	logger  *zap.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, prefetch int, handler DeliveryHandler, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{channel: ch, queue: queue, handler: handler, logger: logger}, nil
}

// Start blocks until ctx is cancelled or the broker closes the delivery
// channel.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		true,  // exclusive: one coordinator per worker queue
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queue)
			}
			c.processDelivery(ctx, d)
		}
	}
}

// processDelivery never requeues: a protocol message replayed out of order
// is worse than one that is lost.
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery) {
	if err := c.handler(ctx, d); err != nil {
		c.logger.Warn("message processing failed, dropping",
			zap.String("queue", c.queue),
			zap.Error(err),
			zap.Uint64("delivery_tag", d.DeliveryTag),
		)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}
