package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/codec"
)

func TestPendingTableCompleteResolvesWaiter(t *testing.T) {
	table := NewPendingTable()
	call := table.Register("corr-1")

	go func() {
		table.Complete("corr-1", &codec.DecodedResponse{Result: codec.Record{"ok": true}})
	}()

	resp, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, resp.Result["ok"])
	assert.Equal(t, 0, table.Len())
}

func TestPendingTableCompleteAfterCancelIsIgnored(t *testing.T) {
	table := NewPendingTable()
	call := table.Register("corr-2")

	table.Cancel("corr-2")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	assert.Error(t, err)

	ok := table.Complete("corr-2", &codec.DecodedResponse{})
	assert.False(t, ok, "a late reply for a canceled call should not find a waiter")
}

func TestPendingTableWaitTimesOut(t *testing.T) {
	table := NewPendingTable()
	call := table.Register("corr-3")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingTableUnknownCorrelationIDIsNoop(t *testing.T) {
	table := NewPendingTable()
	ok := table.Complete("does-not-exist", &codec.DecodedResponse{})
	assert.False(t, ok)
}
