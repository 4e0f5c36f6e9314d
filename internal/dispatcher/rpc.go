package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/buserr"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/consumer"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/tracing"
)

// RPCDispatcher is the caller side of typed RPC (spec.md §4.7): it
// publishes a RequestContainer to the topic bus exchange under
// "REQUEST.<method>", and correlates the eventual ResponseContainer
// delivered on its own exclusive reply queue (run by a
// consumer.ReplyConsumer) back to the original caller via PendingTable.
type RPCDispatcher struct {
	conn    *amqpconn.Manager
	codec   *codec.Codec
	cfg     *config.Config
	log     logging.Logger
	timeout time.Duration

	replies    *consumer.ReplyConsumer
	ch         *amqp.Channel
	replyQueue string
	pending    *PendingTable
	tracer     tracing.Tracer

	lifecycle *amqpconn.Subscription
}

// SetTracer replaces the dispatcher's tracer, opening a client span
// around every Call once set (SPEC_FULL.md §4.18). NewRPCDispatcher
// installs tracing.Noop(), which traces nothing.
func (d *RPCDispatcher) SetTracer(t tracing.Tracer) {
	d.tracer = t
}

// NewRPCDispatcher builds a dispatcher bound to conn and codec. Start
// must be called before Call.
func NewRPCDispatcher(conn *amqpconn.Manager, cdc *codec.Codec, cfg *config.Config, log logging.Logger) *RPCDispatcher {
	if log == nil {
		log = logging.Noop{}
	}
	return &RPCDispatcher{
		conn:    conn,
		codec:   cdc,
		cfg:     cfg,
		log:     log,
		timeout: time.Duration(cfg.MessageProcessingTimeout) * time.Millisecond,
		replies: consumer.NewReplyConsumer(conn, log),
		pending: NewPendingTable(),
		tracer:  tracing.Noop(),
	}
}

// Start declares the bus exchange as topic — so a dispatcher-only host
// with no locally-registered RPC methods still guarantees it exists
// before Call ever publishes to it — then declares and binds the
// dispatcher's exclusive reply queue via a ReplyConsumer and begins
// correlating replies against PendingTable. It also subscribes to the
// connection's lifecycle hub for the life of ctx, so a later broker
// reconnect re-declares this same topology on the fresh channel
// amqp091-go hands back instead of leaving Call publishing onto a
// channel that died with the old connection, and so a call already
// in flight when the connection drops fails immediately with a
// *buserr.BusError{Kind: KindDisconnected} rather than blocking out
// the full MessageProcessingTimeout (spec.md §7, §8 scenario S6).
func (d *RPCDispatcher) Start(ctx context.Context) error {
	if err := d.declareAndConsume(ctx); err != nil {
		return err
	}
	d.lifecycle = d.conn.OnEvent(4)
	go d.watchLifecycle(ctx)
	return nil
}

func (d *RPCDispatcher) declareAndConsume(ctx context.Context) error {
	queueName, ch, err := d.replies.Start(ctx, d.cfg.CallbacksExchangeName, 0, d.handleReply)
	if err != nil {
		return fmt.Errorf("dispatcher: starting reply consumer: %w", err)
	}
	if err := d.conn.DeclareTopicExchange(ch, d.cfg.BusExchangeName); err != nil {
		return fmt.Errorf("dispatcher: declaring bus exchange: %w", err)
	}
	d.replyQueue = queueName
	d.ch = ch
	return nil
}

// watchLifecycle re-runs declareAndConsume on every EventConnected after
// the first (a genuine reconnect, since Start only subscribes once the
// initial connect has already happened) and fails every pending call on
// EventDisconnected instead of leaving it to time out.
func (d *RPCDispatcher) watchLifecycle(ctx context.Context) {
	defer d.lifecycle.Unsubscribe()
	for {
		select {
		case evt, ok := <-d.lifecycle.Events():
			if !ok {
				return
			}
			d.onLifecycleEvent(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

// onLifecycleEvent applies a single lifecycle transition. Split out from
// watchLifecycle so a test can drive it directly without a live broker
// connection behind d.lifecycle.
func (d *RPCDispatcher) onLifecycleEvent(ctx context.Context, evt amqpconn.LifecycleEvent) {
	switch evt.Kind {
	case amqpconn.EventConnected:
		if err := d.declareAndConsume(ctx); err != nil {
			d.log.Error("dispatcher: restarting rpc dispatcher after reconnect", "err", err)
		}
	case amqpconn.EventDisconnected:
		d.pending.CancelAll(buserr.New(buserr.KindDisconnected, fmt.Errorf("dispatcher: connection lost while call was pending")))
	}
}

func (d *RPCDispatcher) handleReply(_ context.Context, msg amqp.Delivery) {
	method, _ := msg.Headers["method"].(string)
	resp, err := d.codec.DecodeResponse(method, msg.Body)
	if err != nil {
		d.log.Error("dispatcher: decoding reply failed", "correlation_id", msg.CorrelationId, "err", err)
		return
	}
	if !d.pending.Complete(msg.CorrelationId, resp) {
		d.log.Debug("dispatcher: reply for unknown or expired call", "correlation_id", msg.CorrelationId)
	}
}

// Call performs a synchronous typed RPC: encode, publish, wait for the
// correlated reply or the configured message-processing timeout,
// decode. It is the client half of scenario S1 from spec.md §8.
func (d *RPCDispatcher) Call(ctx context.Context, method, actor string, payload codec.Record) (result codec.Record, err error) {
	wire, err := d.codec.EncodeRequest(method, actor, payload)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encoding request: %w", err)
	}

	correlationID := uuid.NewString()
	call := d.pending.Register(correlationID)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	callCtx, endSpan := d.tracer.StartClientSpan(callCtx, method, correlationID)
	defer func() { endSpan(err) }()

	err = d.ch.PublishWithContext(callCtx, d.cfg.BusExchangeName, "REQUEST."+method, false, false, amqp.Publishing{
		ContentType:   "application/x-protobuf",
		Body:          wire,
		CorrelationId: correlationID,
		ReplyTo:       d.replyQueue,
		Headers:       amqp.Table{"method": method},
		Timestamp:     time.Now(),
	})
	if err != nil {
		d.pending.Cancel(correlationID)
		return nil, fmt.Errorf("dispatcher: publishing request: %w", err)
	}

	resp, err := call.Wait(callCtx)
	if err != nil {
		d.pending.Cancel(correlationID)
		if busErr, ok := err.(*buserr.BusError); ok {
			return nil, fmt.Errorf("dispatcher: call to %q: %w", method, busErr)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("dispatcher: call to %q: %w", method, buserr.New(buserr.KindTimeout, err))
		}
		return nil, fmt.Errorf("dispatcher: call to %q: %w", method, err)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// Close stops consuming replies, unsubscribes from the connection's
// lifecycle hub, and closes the dispatcher's channel.
func (d *RPCDispatcher) Close() error {
	if d.lifecycle != nil {
		d.lifecycle.Unsubscribe()
	}
	if d.ch == nil {
		return nil
	}
	return d.ch.Close()
}
