package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nfrund/protobus/internal/pubsub"
)

func TestNoopTracerNeverPanics(t *testing.T) {
	tr := Noop()
	ctx, end := tr.StartClientSpan(context.Background(), "demo.math.Calculator.Add", "corr-1")
	assert.NotNil(t, ctx)
	end(nil)

	ctx, end = tr.StartServerSpan(context.Background(), "orders.created", "corr-2")
	assert.NotNil(t, ctx)
	end(errors.New("boom"))
}

func TestNewWithDisabledConfigReturnsNoopTracer(t *testing.T) {
	tr, cleanup, err := New(context.Background(), pubsub.DefaultTracingConfig())
	assert.NoError(t, err)
	assert.NotNil(t, cleanup)
	ctx, end := tr.StartClientSpan(context.Background(), "demo.method", "corr-3")
	assert.NotNil(t, ctx)
	end(nil)
	cleanup()
}
