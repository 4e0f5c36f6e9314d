package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/tracing"
)

// EventDispatcher is the publish side of durable topic-routed events
// (spec.md §4.8): it encodes an EventContainer and publishes it to the
// events exchange under a dot-separated topic routing key. Publishing
// never waits for a subscriber; delivery guarantees live entirely in the
// exchange/queue durability configuration set up by the Event Consumer.
type EventDispatcher struct {
	conn  *amqpconn.Manager
	codec *codec.Codec
	cfg   *config.Config
	log   logging.Logger

	ch     *amqp.Channel
	tracer tracing.Tracer

	lifecycle *amqpconn.Subscription
}

// NewEventDispatcher builds a dispatcher bound to conn and codec. Start
// must be called before Publish.
func NewEventDispatcher(conn *amqpconn.Manager, cdc *codec.Codec, cfg *config.Config, log logging.Logger) *EventDispatcher {
	if log == nil {
		log = logging.Noop{}
	}
	return &EventDispatcher{conn: conn, codec: cdc, cfg: cfg, log: log, tracer: tracing.Noop()}
}

// SetTracer replaces the dispatcher's tracer, opening a client span
// around every Publish once set (SPEC_FULL.md §4.18).
func (d *EventDispatcher) SetTracer(t tracing.Tracer) {
	d.tracer = t
}

// Start opens the dispatcher's channel and declares the events exchange,
// then subscribes to the connection's lifecycle hub so a later broker
// reconnect re-opens the channel and re-declares the exchange instead of
// leaving Publish writing to a channel amqp091-go already tore down
// along with the old connection (spec.md §8 scenario S6).
func (d *EventDispatcher) Start() error {
	if err := d.declare(); err != nil {
		return err
	}
	d.lifecycle = d.conn.OnEvent(4)
	go d.watchLifecycle()
	return nil
}

func (d *EventDispatcher) declare() error {
	ch, err := d.conn.Channel()
	if err != nil {
		return fmt.Errorf("dispatcher: opening channel: %w", err)
	}
	if err := d.conn.DeclareTopicExchange(ch, d.cfg.EventsExchangeName); err != nil {
		return fmt.Errorf("dispatcher: declaring events exchange: %w", err)
	}
	d.ch = ch
	return nil
}

func (d *EventDispatcher) watchLifecycle() {
	defer d.lifecycle.Unsubscribe()
	for evt := range d.lifecycle.Events() {
		if evt.Kind == amqpconn.EventConnected {
			if err := d.declare(); err != nil {
				d.log.Error("dispatcher: restarting event dispatcher after reconnect", "err", err)
			}
		}
	}
}

// Publish encodes payload as eventType and publishes it under topic.
func (d *EventDispatcher) Publish(ctx context.Context, eventType, topic string, payload codec.Record) (err error) {
	wire, err := d.codec.EncodeEvent(eventType, topic, payload)
	if err != nil {
		return fmt.Errorf("dispatcher: encoding event: %w", err)
	}

	messageID := uuid.NewString()
	ctx, endSpan := d.tracer.StartClientSpan(ctx, topic, messageID)
	defer func() { endSpan(err) }()

	return d.ch.PublishWithContext(ctx, d.cfg.EventsExchangeName, topic, false, false, amqp.Publishing{
		ContentType: "application/x-protobuf",
		Body:        wire,
		Timestamp:   time.Now(),
		MessageId:   messageID,
		Headers:     amqp.Table{"type": eventType},
	})
}

// Close unsubscribes from the connection's lifecycle hub and closes the
// dispatcher's channel.
func (d *EventDispatcher) Close() error {
	if d.lifecycle != nil {
		d.lifecycle.Unsubscribe()
	}
	if d.ch == nil {
		return nil
	}
	return d.ch.Close()
}
