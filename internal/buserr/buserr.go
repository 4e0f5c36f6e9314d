// Package buserr classifies the connection-level failures a caller sees
// crossing the RPC Dispatcher boundary (spec.md §7): NotConnected,
// Disconnected, Timeout, and ReconnectionExhausted. Message-level
// outcomes (invalid payload, handled/unhandled service errors) already
// travel as *codec.HandledError and the ResponseContainer's own error
// code; BusError only covers failures that happen before or instead of
// a service ever seeing the request.
package buserr

import "fmt"

// Kind identifies why the bus itself, rather than the service being
// called, failed a request.
type Kind int

const (
	// KindUnknown is the zero value; New never produces it.
	KindUnknown Kind = iota
	// KindNotConnected means no channel could be opened because the
	// Connection Manager has never completed a connect.
	KindNotConnected
	// KindDisconnected means a call was in flight when the connection
	// dropped out from under it.
	KindDisconnected
	// KindTimeout means the call's context deadline elapsed waiting for
	// a reply.
	KindTimeout
	// KindReconnectionExhausted means the Connection Manager gave up
	// after its configured MaxRetries with no successful reconnect.
	KindReconnectionExhausted
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindDisconnected:
		return "disconnected"
	case KindTimeout:
		return "timeout"
	case KindReconnectionExhausted:
		return "reconnection_exhausted"
	default:
		return "unknown"
	}
}

// BusError wraps a connection-level failure with its Kind, so a caller
// can distinguish "the broker was never reachable" from "the call was
// dropped mid-flight" from "the reply never arrived in time" without
// string-matching an error message.
type BusError struct {
	Kind Kind
	Err  error
}

// New wraps err with kind. err may be nil, in which case Error returns
// just the kind's name.
func New(kind Kind, err error) *BusError {
	return &BusError{Kind: kind, Err: err}
}

func (e *BusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("buserr: %s", e.Kind)
	}
	return fmt.Sprintf("buserr: %s: %v", e.Kind, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }
