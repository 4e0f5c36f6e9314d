package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/topicrouter"
)

// EventHandler receives a decoded event payload for a topic it was
// registered against.
type EventHandler func(ctx context.Context, topic string, payload codec.Record) error

// EventConsumer is the subscriber side of durable topic-routed events
// (spec.md §4.6/§4.10): it binds one durable queue to the events
// exchange per distinct topic pattern registered, decodes each
// EventContainer exactly once, and fans it out to every locally
// registered handler whose pattern matches via internal/topicrouter, at
// most once per handler even if multiple patterns match.
type EventConsumer struct {
	*baseConsumer
	codec *codec.Codec
	cfg   *config.Config
	queue string

	router *topicrouter.Router
	bound  map[string]bool
}

// NewEventConsumer builds a consumer bound to conn and codec, listening
// on queueName (typically unique per service instance so each service
// gets its own copy of every event it subscribes to).
func NewEventConsumer(conn *amqpconn.Manager, cdc *codec.Codec, cfg *config.Config, queueName string, log logging.Logger) *EventConsumer {
	return &EventConsumer{
		baseConsumer: newBaseConsumer(conn, log),
		codec:        cdc,
		cfg:          cfg,
		queue:        queueName,
		router:       topicrouter.New(),
		bound:        make(map[string]bool),
	}
}

// Subscribe registers handler against pattern (AMQP topic wildcard
// syntax: "*" for one word, "#" for zero or more). Binding the queue to
// the new pattern happens the next time Start runs.
func (c *EventConsumer) Subscribe(pattern string, handler EventHandler) {
	c.router.Insert(pattern, func(topic string, payload any) error {
		evt, ok := payload.(*codec.DecodedEvent)
		if !ok {
			return nil
		}
		if err := handler(context.Background(), topic, evt.Payload); err != nil {
			c.log.Error("event consumer: handler failed", "topic", topic, "err", err)
			return err
		}
		return nil
	})
	c.bound[pattern] = false
}

// Start declares the consumer's queue with its retry/DLQ chain, binds it
// to every pattern registered via Subscribe, and begins consuming.
func (c *EventConsumer) Start(ctx context.Context, prefetch int, retry RetryOptions) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("event consumer: opening channel: %w", err)
	}
	if err := c.conn.DeclareTopicExchange(ch, c.cfg.EventsExchangeName); err != nil {
		return fmt.Errorf("event consumer: declaring events exchange: %w", err)
	}
	c.ch = ch

	dlqName := c.queue + ".dlq"
	if _, err := c.conn.DeclareQueue(ch, dlqName, amqpconn.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("event consumer: declaring dlq: %w", err)
	}
	retryQueueName := c.queue + ".retry"
	if _, err := c.conn.DeclareQueue(ch, retryQueueName, amqpconn.QueueOptions{
		Durable:            true,
		DeadLetterExchange: c.cfg.EventsExchangeName,
		MessageTTLMs:       retry.MessageTTLMs,
	}); err != nil {
		return fmt.Errorf("event consumer: declaring retry queue: %w", err)
	}

	queue, err := c.conn.DeclareQueue(ch, c.queue, amqpconn.QueueOptions{Durable: true})
	if err != nil {
		return fmt.Errorf("event consumer: declaring queue: %w", err)
	}

	for pattern := range c.bound {
		if err := c.conn.BindQueue(ch, queue.Name, pattern, c.cfg.EventsExchangeName); err != nil {
			return fmt.Errorf("event consumer: binding pattern %q: %w", pattern, err)
		}
		c.bound[pattern] = true
	}

	topo := retryTopology{
		exchange:   c.cfg.EventsExchangeName,
		queueName:  queue.Name,
		retryQueue: retryQueueName,
		dlqName:    dlqName,
	}

	deliveries, err := c.conn.Consume(ch, queue.Name, prefetch, c.queue)
	if err != nil {
		return fmt.Errorf("event consumer: consuming %q: %w", queue.Name, err)
	}
	go c.run(ctx, deliveries, topo, prefetch, retry, c.handleDelivery)
	return nil
}

// handleDelivery decodes the EventContainer exactly once (spec.md §9's
// resolved single-decode Open Question) and fans the decoded event out
// to every matching handler through the topic router; handlers never
// see or decode the wire bytes themselves. A decode failure is a
// permanent invalid-message condition (spec.md §4.9); a handler failure
// propagates so the base consumer retries the delivery per §4.5.
func (c *EventConsumer) handleDelivery(_ context.Context, msg amqp.Delivery) error {
	evt, err := c.codec.DecodeEvent(msg.Body)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("event consumer: decoding event: %w", err)}
	}
	if err := c.router.Dispatch(evt.Topic, evt); err != nil {
		return fmt.Errorf("event consumer: handler failed for topic %q: %w", evt.Topic, err)
	}
	return nil
}
