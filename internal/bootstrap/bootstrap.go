// Package bootstrap is the Host Bootstrap of spec.md §4.11: it wires
// the process-wide dependency graph — configuration, logging, the
// schema registry, the codec, and the connection manager — behind a
// samber/do injector, then drives a service.Host through startup and
// signal-triggered graceful shutdown. It generalizes the teacher's
// internal/server/server.go (constructor wiring every dependency by
// hand into a Server struct) into declarative lazy-singleton providers,
// and its Run replaces the teacher's start.go/shutdown.go manual
// signal.Notify-and-block pattern with signal.NotifyContext, since
// service.Host.Run already takes a context to cancel rather than a bare
// channel to wait on.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/protobus/internal/amqpconn"
	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/consumer"
	"github.com/nfrund/protobus/internal/logging"
	"github.com/nfrund/protobus/internal/service"
)

// ShutdownTimeout bounds how long a Host's Shutdown phase is allowed to
// run once a termination signal arrives, mirroring the 10-second budget
// in the teacher's server.Start.
const ShutdownTimeout = 10 * time.Second

// New builds a dependency-injection graph for one host process.
// schemaDirs are walked for .proto files at startup. Nothing is
// constructed eagerly — every provider runs lazily the first time its
// type is requested via do.MustInvoke.
func New(schemaDirs ...string) do.Injector {
	injector := do.New()

	do.Provide(injector, func(i do.Injector) (*config.Config, error) {
		return config.New()
	})

	do.Provide(injector, func(i do.Injector) (logging.Logger, error) {
		return logging.NewDefault(), nil
	})

	do.Provide(injector, func(i do.Injector) (*codec.SchemaRegistry, error) {
		log := do.MustInvoke[logging.Logger](i)
		schema, err := codec.NewSchemaRegistry(log)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: building schema registry: %w", err)
		}
		if len(schemaDirs) > 0 {
			if err := schema.Init(afero.NewOsFs(), schemaDirs...); err != nil {
				return nil, fmt.Errorf("bootstrap: loading schemas: %w", err)
			}
		}
		return schema, nil
	})

	do.Provide(injector, func(i do.Injector) (*codec.Codec, error) {
		schema := do.MustInvoke[*codec.SchemaRegistry](i)
		log := do.MustInvoke[logging.Logger](i)
		return codec.New(schema, log), nil
	})

	do.Provide(injector, func(i do.Injector) (*amqpconn.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[logging.Logger](i)
		return amqpconn.New(cfg, log), nil
	})

	do.Provide(injector, func(i do.Injector) (*service.Host, error) {
		conn := do.MustInvoke[*amqpconn.Manager](i)
		cdc := do.MustInvoke[*codec.Codec](i)
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[logging.Logger](i)
		return service.New(conn, cdc, cfg, log), nil
	})

	return injector
}

// Run resolves the Service Host, registers svcs against it, and drives
// it until a SIGINT/SIGTERM arrives or parent is canceled, then gives
// the host's shutdown phase up to ShutdownTimeout to finish before
// shutting the injector itself down, walking every do.Provide'd
// dependency in reverse dependency order. The consume-side retry/DLQ
// policy comes from the injector's own *config.Config (spec.md §4.13),
// not a caller-supplied override, so every host built from the same
// environment gets the same policy without cmd/host wiring it by hand.
func Run(parent context.Context, injector do.Injector, prefetch int, svcs ...service.Service) error {
	host := do.MustInvoke[*service.Host](injector)
	for _, svc := range svcs {
		host.Use(svc)
	}
	cfg := do.MustInvoke[*config.Config](injector)
	retry := consumer.RetryOptions{MaxRetries: cfg.Retry.MaxRetries, MessageTTLMs: cfg.Retry.MessageTTLMs}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- host.Run(ctx, prefetch, retry) }()

	runErr := waitForHost(ctx, errCh)

	if err := injector.Shutdown(); err != nil {
		if runErr != nil {
			return fmt.Errorf("bootstrap: host: %w; injector shutdown: %v", runErr, err)
		}
		return fmt.Errorf("bootstrap: injector shutdown: %w", err)
	}
	return runErr
}

func waitForHost(ctx context.Context, errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(ShutdownTimeout):
		return fmt.Errorf("bootstrap: host did not shut down within %s", ShutdownTimeout)
	}
}
