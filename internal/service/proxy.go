package service

import (
	"context"

	"github.com/nfrund/protobus/internal/codec"
)

// Proxy is the Service Proxy of spec.md §4.11: a thin, actor-bound
// front over the host's shared RPC and event dispatchers, so a service
// calling another service (or publishing an event) doesn't reach past
// the host for the actor identity to stamp on every outbound message.
type Proxy struct {
	host  *Host
	actor string
}

// Call performs a synchronous typed RPC to method as this proxy's
// actor, waiting up to the host's configured message-processing
// timeout for a reply.
func (p *Proxy) Call(ctx context.Context, method string, payload codec.Record) (codec.Record, error) {
	return p.host.rpcOut.Call(ctx, method, p.actor, payload)
}

// Publish emits an event of eventType under topic. Publishing never
// blocks on a subscriber acknowledging it.
func (p *Proxy) Publish(ctx context.Context, eventType, topic string, payload codec.Record) error {
	return p.host.eventOut.Publish(ctx, eventType, topic, payload)
}

// Actor returns the identity this proxy stamps on outbound requests.
func (p *Proxy) Actor() string { return p.actor }
