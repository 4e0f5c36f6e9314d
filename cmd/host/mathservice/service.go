// Package mathservice is the example Service used by cmd/host: a
// single RPC method (demo.math.Calculator.Add) that also publishes a
// ComputationLogged event for every call it handles, exercising both
// the typed RPC path and the topic-routed event path from one handler.
package mathservice

import (
	"context"
	"fmt"

	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/service"
)

const (
	MethodAdd  = "demo.math.Calculator.Add"
	EventType  = "demo.math.ComputationLogged"
	EventTopic = "math.results.computed"
)

// Service implements service.Service for the math example.
type Service struct {
	service.BaseService

	proxy *service.Proxy
}

func New() *Service {
	return &Service{}
}

func (s *Service) Name() string { return "mathservice" }

func (s *Service) Register(host *service.Host) error {
	s.proxy = host.Proxy("mathservice")
	host.RegisterMethod(MethodAdd, s.handleAdd)
	return nil
}

func (s *Service) handleAdd(ctx context.Context, actor string, payload codec.Record) (codec.Record, error) {
	sum, err := sumPayload(payload)
	if err != nil {
		return nil, err
	}

	if err := s.proxy.Publish(ctx, EventType, EventTopic, codec.Record{
		"actor": actor,
		"sum":   sum,
	}); err != nil {
		return nil, fmt.Errorf("mathservice: logging computation: %w", err)
	}

	return codec.Record{"sum": sum}, nil
}

// sumPayload validates and adds an AddRequest's fields. Split out from
// handleAdd so it can be unit tested without a connected Proxy.
func sumPayload(payload codec.Record) (int32, error) {
	a, ok := payload["a"].(int32)
	if !ok {
		return 0, &codec.HandledError{Code: codec.CodeInvalidMessage, Message: "field \"a\" must be int32"}
	}
	b, ok := payload["b"].(int32)
	if !ok {
		return 0, &codec.HandledError{Code: codec.CodeInvalidMessage, Message: "field \"b\" must be int32"}
	}
	return a + b, nil
}
