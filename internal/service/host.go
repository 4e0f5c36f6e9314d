// Package service is the Service Host and Service Proxy of spec.md
// §4.9/§4.11: Host owns one process's wiring (connection, codec, RPC and
// event consumers/dispatchers) and drives every registered Service
// through a Register/Boot/Shutdown lifecycle, generalized from the
// teacher's internal/module/module.go Module interface — the same
// three-phase shape, but registering RPC methods and event
// subscriptions against a bus instead of HTTP routes against an Echo
// router.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/consumer"
	"github.com/nfrund/protobus/internal/dispatcher"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/pubsub"
	"github.com/nfrund/protobus/internal/tracing"
)

// Service is the contract every business-logic component implements.
// BaseService (below) gives a zero-effort default for the phases a
// simple service doesn't need to override.
type Service interface {
	// Name identifies the service for logging and queue naming.
	Name() string
	// Register binds RPC methods and event subscriptions on host. It
	// runs before any consumer starts, so it's safe to register from
	// here without messages already flowing.
	Register(host *Host) error
	// Boot runs after every registered service's Register phase and
	// after consumers have started; this is where a service kicks off
	// background work or makes its first outbound calls.
	Boot(ctx context.Context, host *Host) error
	// Shutdown runs during graceful host shutdown.
	Shutdown(ctx context.Context) error
}

// BaseService provides no-op defaults; embed it to skip phases a
// service doesn't need.
type BaseService struct{}

func (BaseService) Register(*Host) error             { return nil }
func (BaseService) Boot(context.Context, *Host) error { return nil }
func (BaseService) Shutdown(context.Context) error    { return nil }

// Host wires one process's connection, codec, and message-loop
// components, and drives every registered Service through its
// lifecycle.
type Host struct {
	Conn  *amqpconn.Manager
	Codec *codec.Codec
	Cfg   *config.Config
	Log   logging.Logger

	rpc    *consumer.RPCConsumer
	events map[string]*consumer.EventConsumer

	rpcOut   *dispatcher.RPCDispatcher
	eventOut *dispatcher.EventDispatcher

	services []Service
}

// New builds a Host wired to conn, cdc, and cfg. RPC queue names are
// derived from each registered method's own fully-qualified service
// prefix (spec.md §6), so two hosts running the same service code share
// the same durable queue rather than colliding on distinct names.
func New(conn *amqpconn.Manager, cdc *codec.Codec, cfg *config.Config, log logging.Logger) *Host {
	if log == nil {
		log = logging.Noop{}
	}
	return &Host{
		Conn:     conn,
		Codec:    cdc,
		Cfg:      cfg,
		Log:      log,
		rpc:      consumer.NewRPCConsumer(conn, cdc, cfg, log),
		events:   make(map[string]*consumer.EventConsumer),
		rpcOut:   dispatcher.NewRPCDispatcher(conn, cdc, cfg, log),
		eventOut: dispatcher.NewEventDispatcher(conn, cdc, cfg, log),
	}
}

// RegisterMethod binds a method handler for this host's RPC Consumer.
// Services call this from their Register phase.
func (h *Host) RegisterMethod(methodName string, handler consumer.MethodHandler) {
	h.rpc.Register(methodName, handler)
}

// Subscribe registers an event handler against pattern, delivered on
// queueName (typically the service's own durable queue so it gets its
// own copy of matching events). Services call this from their Register
// phase.
func (h *Host) Subscribe(queueName, pattern string, handler consumer.EventHandler) {
	ec, ok := h.events[queueName]
	if !ok {
		ec = consumer.NewEventConsumer(h.Conn, h.Codec, h.Cfg, queueName, h.Log)
		h.events[queueName] = ec
	}
	ec.Subscribe(pattern, handler)
}

// Proxy returns a Service Proxy bound to actor, for making outbound
// calls and publishing events as that actor.
func (h *Host) Proxy(actor string) *Proxy {
	return &Proxy{host: h, actor: actor}
}

// Use adds svc to the host, to be driven through Register/Boot/Shutdown
// by Run.
func (h *Host) Use(svc Service) {
	h.services = append(h.services, svc)
}

// EnableTracing wires an OpenTelemetry tracer (SPEC_FULL.md §4.18) into
// every RPC and event component this host owns. Run calls it itself,
// after every service's Register phase and before the consumers start,
// with the configuration from pubsub.LoadTracingConfigFromEnv; a tracer
// set by an earlier call is replaced then. The returned cleanup should
// run during process shutdown.
func (h *Host) EnableTracing(ctx context.Context, cfg pubsub.TracingConfig) (func(), error) {
	tracer, cleanup, err := tracing.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("service host: enabling tracing: %w", err)
	}
	h.rpc.SetTracer(tracer)
	h.rpcOut.SetTracer(tracer)
	h.eventOut.SetTracer(tracer)
	for _, ec := range h.events {
		ec.SetTracer(tracer)
	}
	return cleanup, nil
}

// Run drives the full host lifecycle: connect, run every service's
// Register phase, start the RPC/event consumers and dispatchers, then
// run every service's Boot phase. It blocks until ctx is canceled, at
// which point it runs every service's Shutdown phase in reverse
// registration order and tears down the connection.
func (h *Host) Run(ctx context.Context, prefetch int, retry consumer.RetryOptions) error {
	connErrCh := make(chan error, 1)
	go func() { connErrCh <- h.Conn.Run(ctx) }()

	if err := h.awaitConnected(ctx); err != nil {
		return fmt.Errorf("service host: %w", err)
	}

	// Subscribed after the initial connect, so every EventConnected this
	// sees is a genuine reconnect (spec.md §8 scenario S6): the consumers
	// re-run their declare-then-bind-then-consume sequence on a fresh
	// channel, since amqp091-go tears down channels and their delivery
	// chans along with the connection that owned them.
	reconnects := h.Conn.OnEvent(4)
	go h.watchReconnects(ctx, reconnects, prefetch, retry)

	for _, svc := range h.services {
		if err := svc.Register(h); err != nil {
			return fmt.Errorf("service host: %s: register: %w", svc.Name(), err)
		}
	}

	tracingCleanup, err := h.EnableTracing(ctx, pubsub.LoadTracingConfigFromEnv())
	if err != nil {
		return fmt.Errorf("service host: %w", err)
	}
	defer tracingCleanup()

	if len(h.rpc.MethodNames()) > 0 {
		if err := h.rpc.Start(ctx, prefetch, retry); err != nil {
			return fmt.Errorf("service host: starting rpc consumer: %w", err)
		}
	}
	for name, ec := range h.events {
		if err := ec.Start(ctx, prefetch, retry); err != nil {
			return fmt.Errorf("service host: starting event consumer %q: %w", name, err)
		}
	}
	if err := h.rpcOut.Start(ctx); err != nil {
		return fmt.Errorf("service host: starting rpc dispatcher: %w", err)
	}
	if err := h.eventOut.Start(); err != nil {
		return fmt.Errorf("service host: starting event dispatcher: %w", err)
	}

	for _, svc := range h.services {
		if err := svc.Boot(ctx, h); err != nil {
			return fmt.Errorf("service host: %s: boot: %w", svc.Name(), err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-connErrCh:
		if err != nil {
			h.Log.Error("service host: connection manager exited", "err", err)
		}
	}

	return h.shutdown()
}

// watchReconnects re-declares and re-starts every consumer this host
// owns each time the connection manager reports a fresh EventConnected,
// so a service keeps handling requests after a broker restart instead
// of leaking a consumer bound to a dead channel.
func (h *Host) watchReconnects(ctx context.Context, sub *amqpconn.Subscription, prefetch int, retry consumer.RetryOptions) {
	defer sub.Unsubscribe()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Kind != amqpconn.EventConnected {
				continue
			}
			h.restartConsumers(ctx, prefetch, retry)
		case <-ctx.Done():
			return
		}
	}
}

// restartConsumers only re-runs the inbound RPC/event consumers. The
// outbound rpcOut/eventOut dispatchers don't need a call here: each
// subscribes to the connection's lifecycle hub itself in its own Start
// and re-declares its own channel on EventConnected, since they're
// shared by every service on this host rather than owned by any one
// registration loop the way consumers are.
func (h *Host) restartConsumers(ctx context.Context, prefetch int, retry consumer.RetryOptions) {
	h.Log.Info("service host: broker reconnected, restarting consumers")
	if len(h.rpc.MethodNames()) > 0 {
		if err := h.rpc.Start(ctx, prefetch, retry); err != nil {
			h.Log.Error("service host: restarting rpc consumer after reconnect", "err", err)
		}
	}
	for name, ec := range h.events {
		if err := ec.Start(ctx, prefetch, retry); err != nil {
			h.Log.Error("service host: restarting event consumer after reconnect", "name", name, "err", err)
		}
	}
}

func (h *Host) awaitConnected(ctx context.Context) error {
	sub := h.Conn.OnEvent(4)
	defer sub.Unsubscribe()

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("connecting: subscription closed before connect")
			}
			if evt.Kind == amqpconn.EventConnected {
				return nil
			}
		case <-timeoutCtx.Done():
			return fmt.Errorf("connecting: timed out waiting for broker connection")
		}
	}
}

func (h *Host) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := len(h.services) - 1; i >= 0; i-- {
		if err := h.services[i].Shutdown(shutdownCtx); err != nil {
			h.Log.Error("service host: shutdown error", "service", h.services[i].Name(), "err", err)
		}
	}

	_ = h.rpc.Close()
	for _, ec := range h.events {
		_ = ec.Close()
	}
	_ = h.rpcOut.Close()
	_ = h.eventOut.Close()
	h.Conn.Close()
	return nil
}
