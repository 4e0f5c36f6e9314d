// Package consumer implements the server (callee) side of every message
// shape the bus carries: the RPC Consumer runs a service's registered
// methods, the Event Consumer fans inbound events out through
// internal/topicrouter, and the Reply Consumer is the RPC Dispatcher's
// own reply-queue listener. The RPC and Event Consumers share the
// retry/ack/DLQ consume loop implemented here (baseConsumer.run and
// dispatch); the Reply Consumer embeds baseConsumer for its channel but
// runs its own always-ack loop. The shared loop is grounded on the
// delivery-channel range loop retrieved in
// other_examples/jhaveripatric-agent-gateway__consumer.go and generalized
// per spec.md §4.5/§4.6 to bounded concurrency, retry counting, and
// dead-lettering rather than best-effort auto-ack.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/tracing"
)

// RetryOptions is a service or event handler's local retry/DLQ policy
// (spec.md §4.6). It is distinct from config.RetryOptions in name only;
// consumers depend on this narrower shape so they don't need the whole
// config package.
type RetryOptions struct {
	MaxRetries   int
	MessageTTLMs int
}

// DefaultRetryOptions matches spec.md §6's stated defaults for a
// service that doesn't override its retry policy.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxRetries: 3, MessageTTLMs: 30000}
}

// Handle is the per-message callback a base consumer invokes. Returning
// a non-nil error causes the message to be retried (via requeue-through-
// TTL-queue) up to RetryOptions.MaxRetries, then dead-lettered, unless
// the error is a *PermanentError.
type Handle func(ctx context.Context, msg amqp.Delivery) error

// PermanentError marks a failure that would recur on every retry — a
// malformed body, an unrecognized method — so dispatch sends it straight
// to the DLQ instead of spending the retry budget on it (spec.md §4.9's
// "invalid message" case).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// amqpChannel is the slice of *amqp.Channel that baseConsumer needs:
// publishing retry/DLQ hops and closing the channel on shutdown. Naming
// it lets tests substitute a fake in place of a live broker connection.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// baseConsumer is embedded by RPCConsumer, EventConsumer, and
// ReplyConsumer. It owns the channel, queue topology (including the
// per-queue retry/DLQ chain), and the bounded-concurrency dispatch loop.
type baseConsumer struct {
	conn *amqpconn.Manager
	log  logging.Logger

	mu     sync.Mutex
	ch     amqpChannel
	stop   chan struct{}
	tracer tracing.Tracer
}

func newBaseConsumer(conn *amqpconn.Manager, log logging.Logger) *baseConsumer {
	if log == nil {
		log = logging.Noop{}
	}
	return &baseConsumer{conn: conn, log: log, stop: make(chan struct{}), tracer: tracing.Noop()}
}

// SetTracer replaces the consumer's tracer, opening a server span
// around every delivery once set (SPEC_FULL.md §4.18).
func (b *baseConsumer) SetTracer(t tracing.Tracer) {
	b.tracer = t
}

// retryTopology names the auxiliary queues declareRetryTopology set up
// for one main queue, so dispatch can publish a failed delivery onward
// by name instead of relying on the broker to route it there.
type retryTopology struct {
	exchange   string
	queueName  string
	retryQueue string
	dlqName    string
}

// declareRetryTopology declares queueName plus the two auxiliary queues
// that implement retry-then-DLQ per spec.md §4.5/§4.6: a "<queue>.retry"
// queue whose messages expire after opts.MessageTTLMs and dead-letter
// back onto exchange under their original routing key, landing back on
// the main queue, and a terminal "<queue>.dlq" queue that a failed
// delivery is published into directly once its retry budget is spent.
// Unlike a Reject-driven DLX chain, the retry queue itself is never
// bound to anything: dispatch is the only writer, via scheduleRetry.
func (b *baseConsumer) declareRetryTopology(ch *amqp.Channel, exchange, queueName, routingKey string, opts RetryOptions) (amqp.Queue, retryTopology, error) {
	dlqName := queueName + ".dlq"
	if _, err := b.conn.DeclareQueue(ch, dlqName, amqpconn.QueueOptions{Durable: true}); err != nil {
		return amqp.Queue{}, retryTopology{}, fmt.Errorf("consumer: declaring dlq: %w", err)
	}

	retryQueueName := queueName + ".retry"
	if _, err := b.conn.DeclareQueue(ch, retryQueueName, amqpconn.QueueOptions{
		Durable:            true,
		DeadLetterExchange: exchange,
		MessageTTLMs:       opts.MessageTTLMs,
	}); err != nil {
		return amqp.Queue{}, retryTopology{}, fmt.Errorf("consumer: declaring retry queue: %w", err)
	}

	mainQueue, err := b.conn.DeclareQueue(ch, queueName, amqpconn.QueueOptions{Durable: true})
	if err != nil {
		return amqp.Queue{}, retryTopology{}, fmt.Errorf("consumer: declaring queue: %w", err)
	}
	if err := b.conn.BindQueue(ch, mainQueue.Name, routingKey, exchange); err != nil {
		return amqp.Queue{}, retryTopology{}, fmt.Errorf("consumer: binding queue: %w", err)
	}

	return mainQueue, retryTopology{
		exchange:   exchange,
		queueName:  mainQueue.Name,
		retryQueue: retryQueueName,
		dlqName:    dlqName,
	}, nil
}

// run starts a bounded-concurrency dispatch loop over deliveries: each
// message runs handle in its own goroutine, gated by a weighted
// semaphore sized to prefetch (spec.md §5's concurrency model). A
// handler error routes the message toward retry or DLQ per opts; a nil
// error acks it.
func (b *baseConsumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, topo retryTopology, prefetch int, opts RetryOptions, handle Handle) {
	if prefetch <= 0 {
		prefetch = 1
	}
	sem := semaphore.NewWeighted(int64(prefetch))

	var wg sync.WaitGroup
	for {
		select {
		case msg, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(msg amqp.Delivery) {
				defer wg.Done()
				defer sem.Release(1)
				b.dispatch(ctx, msg, topo, opts, handle)
			}(msg)

		case <-b.stop:
			wg.Wait()
			return
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
}

// dispatch runs handle once and, on failure, either republishes msg to
// topo.retryQueue with an incremented x-retry-count (spec.md §4.5's
// late-ack retry branch) or, once retries are exhausted, republishes it
// to topo.dlqName with x-original-queue/x-dlq-time set (spec.md §4.6),
// acking the original delivery either way so it leaves the main queue.
func (b *baseConsumer) dispatch(ctx context.Context, msg amqp.Delivery, topo retryTopology, opts RetryOptions, handle Handle) {
	ctx, endSpan := b.tracer.StartServerSpan(ctx, msg.RoutingKey, msg.CorrelationId)
	err := safeHandle(ctx, msg, handle)
	endSpan(err)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			b.log.Error("consumer: ack failed", "err", ackErr)
		}
		return
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		b.deadLetter(ctx, msg, topo, err)
		return
	}

	if opts.MaxRetries <= 0 || topo.retryQueue == "" {
		if rejErr := msg.Reject(false); rejErr != nil {
			b.log.Error("consumer: reject failed", "err", rejErr)
		}
		return
	}

	retries := retryCount(msg)
	b.log.Warn("consumer: handler failed", "retries", retries, "max_retries", opts.MaxRetries, "err", err)

	if retries >= opts.MaxRetries {
		b.deadLetter(ctx, msg, topo, err)
		return
	}
	b.scheduleRetry(ctx, msg, topo, retries, err)
}

// scheduleRetry publishes msg onto topo.retryQueue directly (by name, on
// the default exchange) with x-retry-count incremented and
// x-original-routing-key/x-first-failure-time preserved from any prior
// attempt, then acks the original delivery. The retry queue's own TTL
// and dead-letter-exchange carry the message back onto topo.exchange
// under its original routing key once it expires.
func (b *baseConsumer) scheduleRetry(ctx context.Context, msg amqp.Delivery, topo retryTopology, retries int, cause error) {
	headers := retryHeaders(msg, topo)
	headers["x-retry-count"] = int64(retries + 1)
	headers["x-last-error"] = cause.Error()

	if err := b.publishTo(ctx, topo.retryQueue, msg, headers); err != nil {
		b.log.Error("consumer: publishing to retry queue failed", "err", err)
		if rejErr := msg.Reject(false); rejErr != nil {
			b.log.Error("consumer: reject fallback failed", "err", rejErr)
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		b.log.Error("consumer: ack after retry publish failed", "err", ackErr)
	}
}

// deadLetter publishes msg onto topo.dlqName directly, stamped with
// x-original-queue and x-dlq-time per spec.md §4.6, then acks the
// original delivery so it isn't redelivered.
func (b *baseConsumer) deadLetter(ctx context.Context, msg amqp.Delivery, topo retryTopology, cause error) {
	headers := retryHeaders(msg, topo)
	headers["x-original-queue"] = topo.queueName
	headers["x-dlq-time"] = time.Now().UnixMilli()
	headers["x-last-error"] = cause.Error()

	if err := b.publishTo(ctx, topo.dlqName, msg, headers); err != nil {
		b.log.Error("consumer: publishing to dlq failed", "err", err)
		if rejErr := msg.Reject(false); rejErr != nil {
			b.log.Error("consumer: reject fallback failed", "err", rejErr)
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		b.log.Error("consumer: ack after dlq publish failed", "err", ackErr)
	}
}

func (b *baseConsumer) publishTo(ctx context.Context, queueName string, msg amqp.Delivery, headers amqp.Table) error {
	return b.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          msg.Body,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		Headers:       headers,
	})
}

// retryHeaders copies msg's existing headers and fills in
// x-original-routing-key/x-first-failure-time the first time a delivery
// fails, per spec.md §4.5's "preserved or set now" rule.
func retryHeaders(msg amqp.Delivery, topo retryTopology) amqp.Table {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if _, ok := headers["x-original-routing-key"]; !ok {
		headers["x-original-routing-key"] = msg.RoutingKey
	}
	if _, ok := headers["x-first-failure-time"]; !ok {
		headers["x-first-failure-time"] = time.Now().UnixMilli()
	}
	return headers
}

// safeHandle recovers a panicking handler and turns it into an error, so
// one bad message can't take down the consume loop (spec.md §7).
func safeHandle(ctx context.Context, msg amqp.Delivery, handle Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: handler panicked: %v", r)
		}
	}()
	return handle(ctx, msg)
}

// retryCount reads the x-retry-count header scheduleRetry stamps on
// redelivery (spec.md §4.6), defaulting to 0 for a delivery's first
// attempt.
func retryCount(msg amqp.Delivery) int {
	switch v := msg.Headers["x-retry-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Close stops the consume loop.
func (b *baseConsumer) Close() error {
	close(b.stop)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return nil
	}
	return b.ch.Close()
}
