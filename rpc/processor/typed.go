package processor

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/serializer"
	"github.com/ValentinKolb/dNet/rpc/wire"
)

// Envelope is the reply of a typed processor. Exactly one of Result and Error is set.
type Envelope[T any] struct {
	Result T      `json:"result"`
	Error  string `json:"error,omitempty"`
}

// TypedFunc handles a decoded request and returns the response
type TypedFunc[Req, Resp any] func(c *connect.Connect, req Req) (Resp, error)

// typed is a Processor for one slot decoding requests and encoding replies with a serializer
type typed[Req, Resp any] struct {
	slot       string
	serializer serializer.IRPCSerializer
	fn         TypedFunc[Req, Resp]
}

// Typed adapts a request/response function to a Processor. An empty payload
// decodes to the zero request. Replies are only sent for requests expecting one.
func Typed[Req, Resp any](slot string, s serializer.IRPCSerializer, fn TypedFunc[Req, Resp]) Processor {
	return &typed[Req, Resp]{slot: slot, serializer: s, fn: fn}
}

func (t *typed[Req, Resp]) AvailableSlots() []string {
	return []string{t.slot}
}

func (t *typed[Req, Resp]) HandlePackage(c *connect.Connect, p *wire.Package) {
	var env Envelope[Resp]

	var req Req
	if err := decode(t.serializer, p.Payload(), &req); err != nil {
		env.Error = fmt.Sprintf("invalid request: %v", err)
	} else if resp, err := t.fn(c, req); err != nil {
		env.Error = err.Error()
	} else {
		env.Result = resp
	}

	if p.CorrelationID() == 0 {
		if env.Error != "" {
			Logger.Warningf("slot %q: %s", t.slot, env.Error)
		}
		return
	}

	data, err := t.serializer.Serialize(env)
	if err != nil {
		Logger.Errorf("slot %q: failed to serialize reply: %v", t.slot, err)
		return
	}
	if err := c.Reply(p, data); err != nil {
		Logger.Warningf("slot %q: failed to reply: %v", t.slot, err)
	}
}

// CallTyped sends a typed request and decodes the reply of a typed processor
func CallTyped[Req, Resp any](ctx context.Context, c *connect.Connect, slot string, s serializer.IRPCSerializer, req Req) (Resp, error) {
	var zero Resp

	data, err := s.Serialize(req)
	if err != nil {
		return zero, fmt.Errorf("failed to serialize request: %w", err)
	}

	reply, err := c.Call(ctx, slot, data)
	if err != nil {
		return zero, err
	}

	var env Envelope[Resp]
	if err := s.Deserialize(reply.Payload(), &env); err != nil {
		return zero, fmt.Errorf("failed to deserialize reply: %w", err)
	}
	if env.Error != "" {
		return zero, errors.New(env.Error)
	}
	return env.Result, nil
}

func decode(s serializer.IRPCSerializer, payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return s.Deserialize(payload, v)
}
