// Package amqpconn is the Connection Manager of spec.md §4.1: it owns
// the single long-lived AMQP connection and its channels, reconnects
// with exponential backoff and jitter on drop, declares the exchanges
// and queues every other component needs, and broadcasts lifecycle
// transitions (connected/disconnected/reconnecting) to subscribers —
// modeled on the teacher's hub broadcast loop (internal/hub/hub.go),
// generalized from "browser subscribers" to "components that care about
// broker connectivity". Publish/consume/declare calls are grounded on
// github.com/rabbitmq/amqp091-go usage in the retrieved
// oguz-yilmaz-amqp-wrapper and jhaveripatric-agent-gateway examples.
package amqpconn

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nfrund/protobus/internal/buserr"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/logging"
)

// errNotConnected is the sentinel wrapped by Channel's buserr.BusError
// when no connection has ever succeeded or the last one dropped and
// hasn't been replaced yet.
var errNotConnected = fmt.Errorf("amqpconn: not connected")

// Manager owns the AMQP connection lifecycle for a process. Every
// consumer, dispatcher, and event publisher in the runtime shares one
// Manager rather than dialing its own connection.
type Manager struct {
	url       string
	reconnect config.ReconnectOptions
	log       logging.Logger

	mu              sync.Mutex
	conn            *amqp.Connection
	confirmsEnabled bool

	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan LifecycleEvent
	closed     chan struct{}
	closeOnce  sync.Once
	hubOnce    sync.Once
}

// New builds a Manager bound to cfg's broker URL and reconnect policy.
// Run must be called before Channel/Publish/Consume are usable.
func New(cfg *config.Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop{}
	}
	return &Manager{
		url:        cfg.AMQPUrl,
		reconnect:  cfg.Reconnect,
		log:        log,
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan LifecycleEvent, 16),
		closed:     make(chan struct{}),
	}
}

// EnablePublisherConfirms turns on publisher confirms for channels
// opened after this call (spec.md §9's resolved Open Question: confirms
// are opt-in, not the default Publish path).
func (m *Manager) EnablePublisherConfirms(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmsEnabled = enabled
}

// Run dials the broker, starts the lifecycle event hub, and blocks
// reconnecting on drop until ctx is canceled or Close is called. Run
// should be launched in its own goroutine by the host bootstrap.
func (m *Manager) Run(ctx context.Context) error {
	go m.hubLoop()

	attempt := 0
	for {
		conn, err := amqp.DialConfig(m.url, amqp.Config{
			Properties: amqp.Table{"connection_name": "protobus"},
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
		})
		if err != nil {
			attempt++
			if m.reconnect.MaxRetries > 0 && attempt >= m.reconnect.MaxRetries {
				m.emit(LifecycleEvent{Kind: EventReconnectFailed, Attempt: attempt, Err: err})
				return buserr.New(buserr.KindReconnectionExhausted, fmt.Errorf("amqpconn: giving up after %d attempts: %w", attempt, err))
			}
			m.emit(LifecycleEvent{Kind: EventReconnecting, Attempt: attempt, Err: err})
			if !m.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.emit(LifecycleEvent{Kind: EventConnected})
		m.log.Info("amqpconn: connected", "url", redactURL(m.url))

		closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			_ = conn.Close()
			m.Close()
			return ctx.Err()
		case amqpErr := <-closeNotify:
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			var err error
			if amqpErr != nil {
				err = amqpErr
			}
			m.emit(LifecycleEvent{Kind: EventDisconnected, Err: err})
			m.log.Warn("amqpconn: connection lost, reconnecting", "err", err)
		}
	}
}

// backoffDelay computes attempt's base exponential delay and its jitter
// window (spec.md line 66: jitter drawn from [0, 0.3*delay)), split out
// from sleepBackoff so a test can pin both without waiting out a real
// sleep.
func (m *Manager) backoffDelay(attempt int) (delay time.Duration, jitterWindow time.Duration) {
	delay = time.Duration(m.reconnect.InitialDelayMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * m.reconnect.BackoffMultiplier)
		maxDelay := time.Duration(m.reconnect.MaxDelayMs) * time.Millisecond
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	jitterWindow = time.Duration(float64(delay) * 0.3)
	return delay, jitterWindow
}

// sleepBackoff waits according to the exponential-backoff-with-jitter
// schedule from config.ReconnectOptions, returning false if ctx was
// canceled first.
func (m *Manager) sleepBackoff(ctx context.Context, attempt int) bool {
	delay, jitterWindow := m.backoffDelay(attempt)
	var jitter time.Duration
	if jitterWindow > 0 {
		jitter = time.Duration(rand.Int63n(int64(jitterWindow)))
	}
	select {
	case <-time.After(delay + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

// Close tears down the hub and, if connected, the underlying AMQP
// connection. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Channel opens a fresh AMQP channel on the shared connection. Channels
// are cheap and not safe for concurrent use by multiple goroutines, so
// each consumer/publisher should call Channel for its own.
func (m *Manager) Channel() (*amqp.Channel, error) {
	m.mu.Lock()
	conn := m.conn
	confirms := m.confirmsEnabled
	m.mu.Unlock()

	if conn == nil {
		return nil, buserr.New(buserr.KindNotConnected, errNotConnected)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpconn: opening channel: %w", err)
	}
	if confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("amqpconn: enabling confirms: %w", err)
		}
	}
	return ch, nil
}

// DeclareTopicExchange declares a durable topic exchange, the routing
// model spec.md §4.3 requires for event fan-out.
func (m *Manager) DeclareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// DeclareDirectExchange declares a durable direct exchange, used for
// point-to-point RPC request/reply routing (spec.md §4.1).
func (m *Manager) DeclareDirectExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "direct", true, false, false, false, nil)
}

// QueueOptions configures DeclareQueue's dead-lettering and TTL
// behavior (spec.md §4.6's retry/DLQ policy).
type QueueOptions struct {
	Durable           bool
	Exclusive         bool
	AutoDelete        bool
	DeadLetterExchange string
	MessageTTLMs      int
}

// DeclareQueue declares a queue with optional dead-lettering wired
// through x-dead-letter-exchange/x-message-ttl arguments.
func (m *Manager) DeclareQueue(ch *amqp.Channel, name string, opts QueueOptions) (amqp.Queue, error) {
	args := amqp.Table{}
	if opts.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = opts.DeadLetterExchange
	}
	if opts.MessageTTLMs > 0 {
		args["x-message-ttl"] = int32(opts.MessageTTLMs)
	}
	return ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, args)
}

// BindQueue binds queue to exchange under routingKey.
func (m *Manager) BindQueue(ch *amqp.Channel, queue, routingKey, exchange string) error {
	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// Publish publishes body to exchange under routingKey. If publisher
// confirms are enabled on ch, callers should await ch.NotifyPublish
// themselves; Publish itself only performs the basic.publish call.
func (m *Manager) Publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, body []byte, headers amqp.Table) error {
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/x-protobuf",
		Body:        body,
		Headers:     headers,
		Timestamp:   time.Now(),
	})
}

// Consume starts consuming queue with the given prefetch (QoS) bound and
// manual acknowledgement, returning the raw delivery channel. Consumers
// (internal/consumer) wrap this with retry/DLQ and bounded-concurrency
// handling.
func (m *Manager) Consume(ch *amqp.Channel, queue string, prefetch int, consumerTag string) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("amqpconn: setting QoS: %w", err)
		}
	}
	return ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

func redactURL(url string) string {
	at := -1
	for i, c := range url {
		if c == '@' {
			at = i
		}
	}
	if at < 0 {
		return url
	}
	scheme := ""
	for i, c := range url {
		if c == ':' {
			scheme = url[:i+3]
			break
		}
	}
	return scheme + "***@" + url[at+1:]
}
