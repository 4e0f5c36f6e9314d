package codec

import "fmt"

// Error codes populated into ResponseContainer.Error.code (spec.md §7).
// A handler that returns a plain error gets CodeInternal; a handler that
// returns a *HandledError controls its own code and marks Handled true so
// callers can distinguish "the service told me no" from "the transport
// or codec broke".
const (
	CodeInternal       = "INTERNAL"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownMethod  = "UNKNOWN_METHOD"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeTimeout        = "TIMEOUT"
)

// InvalidMessageError reports that a wire payload could not be decoded
// against its declared schema: truncated bytes, an unresolvable type
// name, or a field that doesn't match its descriptor's Go conversion
// rules. It is never handled=true — invalid framing is always a bug in a
// caller or a schema mismatch, never a service-level business outcome.
type InvalidMessageError struct {
	TypeName string
	Reason   string
	Err      error
}

func (e *InvalidMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: invalid message of type %q: %s: %v", e.TypeName, e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: invalid message of type %q: %s", e.TypeName, e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

// UnknownTypeError reports that a fully-qualified type or method name has
// no resolvable schema entry.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("codec: unknown type %q", e.Name)
}

// HandledError is returned by a service method to signal an expected,
// business-level failure (spec.md §4.9's "Handled" distinction): it is
// serialized into ResponseContainer.Error with Handled=true, so a caller
// can differentiate "the call reached the service and it said no" from
// "the call never reached the service" or "the service panicked".
type HandledError struct {
	Code    string
	Message string
}

func (e *HandledError) Error() string { return e.Message }

// NewHandledError builds a HandledError with the given code and message.
func NewHandledError(code, message string) *HandledError {
	return &HandledError{Code: code, Message: message}
}
