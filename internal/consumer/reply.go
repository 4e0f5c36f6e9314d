package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/logging"
)

// ReplyHandler processes one reply delivery on the RPC Dispatcher's own
// exclusive queue.
type ReplyHandler func(ctx context.Context, msg amqp.Delivery)

// ReplyConsumer is the RPC Dispatcher's own reply-queue listener
// (spec.md §4.7): unlike RPCConsumer and EventConsumer it never retries
// or dead-letters — a reply that can't be correlated to a pending call
// is simply dropped (the caller's own timeout is what handles that
// case), so it always acknowledges after invoking its handler.
type ReplyConsumer struct {
	*baseConsumer
}

// NewReplyConsumer builds a reply consumer bound to conn.
func NewReplyConsumer(conn *amqpconn.Manager, log logging.Logger) *ReplyConsumer {
	return &ReplyConsumer{baseConsumer: newBaseConsumer(conn, log)}
}

// Start declares queueName as an exclusive, auto-delete queue bound to
// exchange under routingKey, and begins invoking handler for every
// delivery. Returns the channel it opened, so the caller (the RPC
// Dispatcher) can publish outbound requests on the same channel.
func (c *ReplyConsumer) Start(ctx context.Context, exchange string, prefetch int, handler ReplyHandler) (queueName string, ch *amqp.Channel, err error) {
	ch, err = c.conn.Channel()
	if err != nil {
		return "", nil, fmt.Errorf("reply consumer: opening channel: %w", err)
	}
	if err := c.conn.DeclareDirectExchange(ch, exchange); err != nil {
		return "", nil, fmt.Errorf("reply consumer: declaring exchange: %w", err)
	}

	q, err := c.conn.DeclareQueue(ch, "", amqpconn.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return "", nil, fmt.Errorf("reply consumer: declaring reply queue: %w", err)
	}
	if err := c.conn.BindQueue(ch, q.Name, q.Name, exchange); err != nil {
		return "", nil, fmt.Errorf("reply consumer: binding reply queue: %w", err)
	}

	deliveries, err := c.conn.Consume(ch, q.Name, prefetch, "reply-consumer")
	if err != nil {
		return "", nil, fmt.Errorf("reply consumer: consuming: %w", err)
	}

	c.ch = ch
	go func() {
		for msg := range deliveries {
			handler(ctx, msg)
			_ = msg.Ack(false)
		}
	}()

	return q.Name, ch, nil
}
