package codec

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"

	"github.com/nfrund/protobus/internal/logging"
)

// Codec is the Message Factory of spec.md §4.2: it turns a service
// method's typed request/response/event payloads into the wire-exact
// framing envelopes (RequestContainer, ResponseContainer, EventContainer)
// and back, decoding each inbound frame exactly once regardless of how
// many local handlers subsequently consume it (spec.md §9, resolved
// Open Question: single-decode).
type Codec struct {
	schema *SchemaRegistry
	log    logging.Logger
}

// New builds a Codec bound to a SchemaRegistry that already has the
// framing envelopes (and any user schema) loaded.
func New(schema *SchemaRegistry, log logging.Logger) *Codec {
	if log == nil {
		log = logging.Noop{}
	}
	return &Codec{schema: schema, log: log}
}

// Schema exposes the underlying registry, e.g. so a caller can register
// additional scalars or parse additional schema files after startup.
func (c *Codec) Schema() *SchemaRegistry { return c.schema }

// field looks up a field descriptor by name on msg's message type,
// panicking if absent — every name used here comes from framing.proto
// and is therefore always present once the schema registry has loaded.
func field(msg *dynamic.Message, name string) *desc.FieldDescriptor {
	fd := msg.GetMessageDescriptor().FindFieldByName(name)
	if fd == nil {
		panic(fmt.Sprintf("codec: %s has no field %q", msg.GetMessageDescriptor().GetFullyQualifiedName(), name))
	}
	return fd
}

func (c *Codec) newFramingMessage(fqName string) *dynamic.Message {
	md, ok := c.schema.LookupMessage(fqName)
	if !ok {
		panic("codec: framing schema not loaded: " + fqName + " missing")
	}
	return dynamic.NewMessage(md)
}

// DecodedRequest is the result of a single RequestContainer decode: the
// method identifier, the calling actor, and the payload already resolved
// against the method's declared input type.
type DecodedRequest struct {
	Method  string
	Actor   string
	Payload Record
}

// EncodeRequest builds a RequestContainer for methodName's call, encoding
// payload against the method's declared input type.
func (c *Codec) EncodeRequest(methodName, actor string, payload Record) ([]byte, error) {
	method, err := c.schema.LookupMethod(methodName)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: methodName, Reason: "unresolvable method", Err: err}
	}
	body, err := c.schema.fromRecord(method.GetInputType(), payload)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetInputType().GetFullyQualifiedName(), Reason: "encoding payload", Err: err}
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetInputType().GetFullyQualifiedName(), Reason: "marshaling payload", Err: err}
	}

	req := c.newFramingMessage("protobus.wire.RequestContainer")
	if err := req.TrySetField(field(req, "method"), methodName); err != nil {
		return nil, err
	}
	if err := req.TrySetField(field(req, "actor"), actor); err != nil {
		return nil, err
	}
	if err := req.TrySetField(field(req, "payload"), bodyBytes); err != nil {
		return nil, err
	}
	return req.Marshal()
}

// DecodeRequest decodes a RequestContainer exactly once: the envelope is
// unmarshaled, then its inner payload is resolved against the method's
// declared input type using the same schema lookup EncodeRequest used to
// produce it.
func (c *Codec) DecodeRequest(wire []byte) (*DecodedRequest, error) {
	req := c.newFramingMessage("protobus.wire.RequestContainer")
	if err := req.Unmarshal(wire); err != nil {
		return nil, &InvalidMessageError{TypeName: "protobus.wire.RequestContainer", Reason: "unmarshal envelope", Err: err}
	}

	methodName, _ := req.GetFieldByName("method").(string)
	actor, _ := req.GetFieldByName("actor").(string)
	payloadBytes, _ := req.GetFieldByName("payload").([]byte)

	method, err := c.schema.LookupMethod(methodName)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: methodName, Reason: "unresolvable method", Err: err}
	}

	body := dynamic.NewMessage(method.GetInputType())
	if err := body.Unmarshal(payloadBytes); err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetInputType().GetFullyQualifiedName(), Reason: "unmarshal payload", Err: err}
	}
	rec, err := c.schema.toRecord(body)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetInputType().GetFullyQualifiedName(), Reason: "decoding payload", Err: err}
	}

	return &DecodedRequest{Method: methodName, Actor: actor, Payload: rec}, nil
}

// EncodeResponse builds a successful ResponseContainer, encoding result
// against the method's declared output type.
func (c *Codec) EncodeResponse(methodName string, result Record) ([]byte, error) {
	method, err := c.schema.LookupMethod(methodName)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: methodName, Reason: "unresolvable method", Err: err}
	}
	body, err := c.schema.fromRecord(method.GetOutputType(), result)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetOutputType().GetFullyQualifiedName(), Reason: "encoding result", Err: err}
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	resp := c.newFramingMessage("protobus.wire.ResponseContainer")
	resultFd := field(resp, "result")
	resultMsg := dynamic.NewMessage(resultFd.GetMessageType())
	if err := resultMsg.TrySetField(field(resultMsg, "payload"), bodyBytes); err != nil {
		return nil, err
	}
	if err := resp.TrySetField(resultFd, resultMsg); err != nil {
		return nil, err
	}
	return resp.Marshal()
}

// EncodeError builds a failed ResponseContainer. handled marks whether
// the failure originated from the service's own business logic
// (HandledError) as opposed to a transport, codec, or unexpected panic
// failure (spec.md §4.9).
func (c *Codec) EncodeError(code, message string, handled bool) ([]byte, error) {
	resp := c.newFramingMessage("protobus.wire.ResponseContainer")
	errFd := field(resp, "error")
	errMsg := dynamic.NewMessage(errFd.GetMessageType())
	_ = errMsg.TrySetField(field(errMsg, "message"), message)
	_ = errMsg.TrySetField(field(errMsg, "code"), code)
	_ = errMsg.TrySetField(field(errMsg, "handled"), handled)
	if err := resp.TrySetField(errFd, errMsg); err != nil {
		return nil, err
	}
	return resp.Marshal()
}

// DecodedResponse is the result of decoding a ResponseContainer against a
// known method's output type. Exactly one of Result or Err is non-nil.
type DecodedResponse struct {
	Result  Record
	Err     error
	Code    string
	Handled bool
}

// DecodeResponse decodes a ResponseContainer for a call to methodName.
func (c *Codec) DecodeResponse(methodName string, wire []byte) (*DecodedResponse, error) {
	method, err := c.schema.LookupMethod(methodName)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: methodName, Reason: "unresolvable method", Err: err}
	}

	resp := c.newFramingMessage("protobus.wire.ResponseContainer")
	if err := resp.Unmarshal(wire); err != nil {
		return nil, &InvalidMessageError{TypeName: "protobus.wire.ResponseContainer", Reason: "unmarshal envelope", Err: err}
	}

	errFd := field(resp, "error")
	if resp.HasField(errFd) {
		if errMsg, ok := resp.GetField(errFd).(*dynamic.Message); ok && errMsg != nil {
			msg, _ := errMsg.GetFieldByName("message").(string)
			code, _ := errMsg.GetFieldByName("code").(string)
			handled, _ := errMsg.GetFieldByName("handled").(bool)
			return &DecodedResponse{Err: fmt.Errorf("%s", msg), Code: code, Handled: handled}, nil
		}
	}

	resultFd := field(resp, "result")
	resultMsg, ok := resp.GetField(resultFd).(*dynamic.Message)
	if !ok || resultMsg == nil {
		return nil, &InvalidMessageError{TypeName: "protobus.wire.ResponseContainer", Reason: "response has neither result nor error set"}
	}

	payloadBytes, _ := resultMsg.GetFieldByName("payload").([]byte)
	body := dynamic.NewMessage(method.GetOutputType())
	if err := body.Unmarshal(payloadBytes); err != nil {
		return nil, &InvalidMessageError{TypeName: method.GetOutputType().GetFullyQualifiedName(), Reason: "unmarshal result", Err: err}
	}
	rec, err := c.schema.toRecord(body)
	if err != nil {
		return nil, err
	}
	return &DecodedResponse{Result: rec}, nil
}

// EncodeEvent builds an EventContainer, encoding payload against
// eventType's declared schema.
func (c *Codec) EncodeEvent(eventType, topic string, payload Record) ([]byte, error) {
	md, ok := c.schema.LookupMessage(eventType)
	if !ok {
		return nil, &UnknownTypeError{Name: eventType}
	}
	body, err := c.schema.fromRecord(md, payload)
	if err != nil {
		return nil, &InvalidMessageError{TypeName: eventType, Reason: "encoding event payload", Err: err}
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	evt := c.newFramingMessage("protobus.wire.EventContainer")
	if err := evt.TrySetField(field(evt, "type"), eventType); err != nil {
		return nil, err
	}
	if err := evt.TrySetField(field(evt, "topic"), topic); err != nil {
		return nil, err
	}
	if err := evt.TrySetField(field(evt, "payload"), bodyBytes); err != nil {
		return nil, err
	}
	return evt.Marshal()
}

// DecodedEvent is the result of decoding an EventContainer.
type DecodedEvent struct {
	Type    string
	Topic   string
	Payload Record
}

// DecodeEvent decodes an EventContainer exactly once, resolving its
// payload against the declared type named inside the envelope.
func (c *Codec) DecodeEvent(wire []byte) (*DecodedEvent, error) {
	evt := c.newFramingMessage("protobus.wire.EventContainer")
	if err := evt.Unmarshal(wire); err != nil {
		return nil, &InvalidMessageError{TypeName: "protobus.wire.EventContainer", Reason: "unmarshal envelope", Err: err}
	}

	eventType, _ := evt.GetFieldByName("type").(string)
	topic, _ := evt.GetFieldByName("topic").(string)
	payloadBytes, _ := evt.GetFieldByName("payload").([]byte)

	md, ok := c.schema.LookupMessage(eventType)
	if !ok {
		return nil, &UnknownTypeError{Name: eventType}
	}
	body := dynamic.NewMessage(md)
	if err := body.Unmarshal(payloadBytes); err != nil {
		return nil, &InvalidMessageError{TypeName: eventType, Reason: "unmarshal event payload", Err: err}
	}
	rec, err := c.schema.toRecord(body)
	if err != nil {
		return nil, err
	}
	return &DecodedEvent{Type: eventType, Topic: topic, Payload: rec}, nil
}
