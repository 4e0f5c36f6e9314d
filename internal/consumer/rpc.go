package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/logging"
)

// MethodHandler is a service's implementation of one RPC method: it
// receives the decoded request payload and returns the response payload
// or an error. Returning a *codec.HandledError marks the failure as a
// business-level outcome (spec.md §4.9); any other error is reported as
// an unhandled internal failure.
type MethodHandler func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error)

// RPCConsumer is the server side of typed RPC (spec.md §4.4/§4.9): it
// binds one durable queue per service to the topic bus exchange under
// "REQUEST.<ServiceName>.*", decodes each RequestContainer exactly
// once, dispatches to the matching MethodHandler, and publishes the
// ResponseContainer back to the caller's reply queue.
type RPCConsumer struct {
	*baseConsumer
	codec *codec.Codec
	cfg   *config.Config

	methods map[string]MethodHandler
}

// NewRPCConsumer builds a consumer bound to conn and codec, with no
// methods registered yet.
func NewRPCConsumer(conn *amqpconn.Manager, cdc *codec.Codec, cfg *config.Config, log logging.Logger) *RPCConsumer {
	return &RPCConsumer{
		baseConsumer: newBaseConsumer(conn, log),
		codec:        cdc,
		cfg:          cfg,
		methods:      make(map[string]MethodHandler),
	}
}

// Register binds methodName (a fully-qualified "<Package.Service>.<Method>"
// identifier resolvable by the codec's schema) to handler.
func (c *RPCConsumer) Register(methodName string, handler MethodHandler) {
	c.methods[methodName] = handler
}

// MethodNames returns every method currently registered, letting a host
// decide whether it's worth starting the consumer at all.
func (c *RPCConsumer) MethodNames() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	return names
}

// Start declares the bus exchange as topic and, for every distinct
// service among the registered methods, one durable queue named exactly
// the service name, bound to "REQUEST.<ServiceName>.*" — a
// competing-consumers queue every process hosting that service shares,
// per spec.md §6's queue layout. Each queue gets its own retry/DLQ
// chain, and one goroutine consumes it.
func (c *RPCConsumer) Start(ctx context.Context, prefetch int, retry RetryOptions) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rpc consumer: opening channel: %w", err)
	}
	if err := c.conn.DeclareTopicExchange(ch, c.cfg.BusExchangeName); err != nil {
		return fmt.Errorf("rpc consumer: declaring bus exchange: %w", err)
	}
	if err := c.conn.DeclareDirectExchange(ch, c.cfg.CallbacksExchangeName); err != nil {
		return fmt.Errorf("rpc consumer: declaring callbacks exchange: %w", err)
	}
	c.ch = ch

	for _, service := range c.serviceNames() {
		bindingKey := "REQUEST." + service + ".*"
		queue, topo, err := c.declareRetryTopology(ch, c.cfg.BusExchangeName, service, bindingKey, retry)
		if err != nil {
			return err
		}
		deliveries, err := c.conn.Consume(ch, queue.Name, prefetch, service)
		if err != nil {
			return fmt.Errorf("rpc consumer: consuming %q: %w", queue.Name, err)
		}
		go c.run(ctx, deliveries, topo, prefetch, retry, c.handleDelivery)
	}
	return nil
}

// serviceNames returns the distinct service name (the fully-qualified
// method identifier with its trailing ".<Method>" segment stripped) for
// every registered method, so Start declares one queue per service
// rather than one per method.
func (c *RPCConsumer) serviceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for method := range c.methods {
		svc := serviceOf(method)
		if !seen[svc] {
			seen[svc] = true
			names = append(names, svc)
		}
	}
	return names
}

// serviceOf strips a method's trailing ".<Method>" segment, e.g.
// "demo.math.Calculator.Add" becomes "demo.math.Calculator".
func serviceOf(method string) string {
	idx := strings.LastIndex(method, ".")
	if idx < 0 {
		return method
	}
	return method[:idx]
}

func (c *RPCConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) error {
	req, err := c.codec.DecodeRequest(msg.Body)
	if err != nil {
		c.log.Error("rpc consumer: decoding request failed", "err", err)
		return c.reply(ctx, msg, codec.CodeInvalidMessage, err.Error(), false)
	}

	handler, ok := c.methods[req.Method]
	if !ok {
		return c.reply(ctx, msg, codec.CodeUnknownMethod, fmt.Sprintf("no handler registered for %q", req.Method), false)
	}

	result, err := handler(ctx, req.Actor, req.Payload)
	if err != nil {
		if handled, ok := err.(*codec.HandledError); ok {
			// Handled errors are a business outcome, not a runtime
			// failure: the caller sees it immediately and the message
			// is never retried (spec.md §4.9, scenario S2).
			return c.reply(ctx, msg, handled.Code, handled.Message, true)
		}
		// Unhandled errors are reported to the caller here too, but the
		// error also propagates so the base consumer's retry/DLQ
		// machinery re-invokes the handler (spec.md §4.5, scenarios
		// S3/S4); a later successful retry's reply simply supersedes
		// this one for a caller still waiting on the correlation id.
		c.log.Error("rpc consumer: handler returned error", "method", req.Method, "err", err)
		if replyErr := c.reply(ctx, msg, codec.CodeInternal, err.Error(), false); replyErr != nil {
			c.log.Error("rpc consumer: replying with error failed", "method", req.Method, "err", replyErr)
		}
		return err
	}

	return c.replyResult(ctx, msg, req.Method, result)
}

func (c *RPCConsumer) replyResult(ctx context.Context, msg amqp.Delivery, method string, result codec.Record) error {
	wire, err := c.codec.EncodeResponse(method, result)
	if err != nil {
		return fmt.Errorf("rpc consumer: encoding response: %w", err)
	}
	return c.publishReply(ctx, msg, wire)
}

func (c *RPCConsumer) reply(ctx context.Context, msg amqp.Delivery, code, message string, handled bool) error {
	wire, err := c.codec.EncodeError(code, message, handled)
	if err != nil {
		return fmt.Errorf("rpc consumer: encoding error response: %w", err)
	}
	return c.publishReply(ctx, msg, wire)
}

func (c *RPCConsumer) publishReply(ctx context.Context, msg amqp.Delivery, wire []byte) error {
	if msg.ReplyTo == "" {
		return nil
	}
	method, _ := msg.Headers["method"].(string)
	return c.ch.PublishWithContext(ctx, c.cfg.CallbacksExchangeName, msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/x-protobuf",
		Body:          wire,
		CorrelationId: msg.CorrelationId,
		Headers:       amqp.Table{"method": method},
		Timestamp:     time.Now(),
	})
}
