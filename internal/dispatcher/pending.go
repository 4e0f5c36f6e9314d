// Package dispatcher is the client (caller) side of the framework:
// the RPC Dispatcher publishes typed calls and correlates their replies,
// the Event Dispatcher publishes topic-routed events. The pending-call
// table is modeled on the correlation-id-keyed map pattern retrieved
// from other_examples/jhaveripatric-agent-gateway__client.go
// (map[string]chan *Response guarded by sync.RWMutex), narrowed by the
// teacher's internal/registry/registry.go generic Set/Get/MustGet shape
// into a one-shot completion handle rather than a general service
// locator.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/nfrund/protobus/internal/codec"
)

// pendingResult is what a PendingCall's done channel carries: exactly
// one of resp or err is ever set, by whichever of Complete/Cancel/
// CancelAll resolves the call first.
type pendingResult struct {
	resp *codec.DecodedResponse
	err  error
}

// PendingCall is a one-shot completion handle: exactly one Complete or
// Cancel call ever resolves it.
type PendingCall struct {
	done chan pendingResult
}

// Wait blocks until the call completes or ctx is done, whichever first.
func (p *PendingCall) Wait(ctx context.Context) (*codec.DecodedResponse, error) {
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingTable is the RPC Dispatcher's correlation-id -> in-flight-call
// map (spec.md §4.7).
type PendingTable struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[string]*PendingCall)}
}

// Register creates and stores a PendingCall under correlationID. It is
// an error to register the same id twice concurrently — correlation ids
// are expected to be UUIDs generated fresh per call.
func (t *PendingTable) Register(correlationID string) *PendingCall {
	call := &PendingCall{done: make(chan pendingResult, 1)}
	t.mu.Lock()
	t.calls[correlationID] = call
	t.mu.Unlock()
	return call
}

// Complete resolves the pending call for correlationID with resp,
// reporting whether a call was actually waiting (false means the reply
// arrived after the caller gave up and Cancel already ran).
func (t *PendingTable) Complete(correlationID string, resp *codec.DecodedResponse) bool {
	t.mu.Lock()
	call, ok := t.calls[correlationID]
	if ok {
		delete(t.calls, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.done <- pendingResult{resp: resp}
	return true
}

// Cancel removes correlationID's pending call, if any, unblocking its
// Wait with a generic cancellation error. Used on dispatcher-side
// timeout, where the caller's own ctx.Err() already explains why.
func (t *PendingTable) Cancel(correlationID string) {
	t.mu.Lock()
	call, ok := t.calls[correlationID]
	if ok {
		delete(t.calls, correlationID)
	}
	t.mu.Unlock()
	if ok {
		call.done <- pendingResult{err: fmt.Errorf("dispatcher: call canceled")}
	}
}

// CancelAll fails every currently pending call with err and empties the
// table. The RPC Dispatcher calls this with a *buserr.BusError{Kind:
// KindDisconnected} the moment the connection lifecycle hub reports a
// drop (spec.md §7: "a pending RPC was aborted because the underlying
// connection was lost after the request was published"), instead of
// leaving each caller to block out the full MessageProcessingTimeout.
func (t *PendingTable) CancelAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*PendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.done <- pendingResult{err: err}
	}
}

// Len reports the number of in-flight calls, mainly for tests and
// diagnostics.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
