// Package worker implements the Handler Worker (C5) and Handler Supervisor
// (C6): the per-request state machine, its TTL enforcement, and the
// bounded in-memory execution history.
package worker

import (
	"context"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/model"
)

// UpdateSink receives sequence-numbered streaming updates from a handler's
// ExecuteStreaming path.
type UpdateSink func(data model.Payload)

// Handler is the capability set every request handler implements, plus the
// two optional capabilities a handler may additionally satisfy via the
// StreamingHandler / ChannelAware interfaces below (§4.5).
type Handler interface {
	Construct(config map[string]any) error
	Execute(ctx context.Context, req *model.Request) (model.Payload, error)
	Stop()
	Cleanup()
}

// StreamingHandler is the optional streaming capability. ErrNoOneShotExecute
// is returned by Execute when a handler only implements this path (Open
// Question 2: a streaming-only handler must not silently collapse into a
// fabricated one-shot response).
type StreamingHandler interface {
	Handler
	ExecuteStreaming(ctx context.Context, req *model.Request, sink UpdateSink) (model.Payload, error)
}

// ChannelAware handlers accept a borrowed ChannelAccessor reference so they
// can publish/subscribe without owning a broker connection themselves. The
// worker and dispatcher do not call SetChannelAccessor; the built-in RELAY
// handler receives its accessor through NewRelayFactory instead.
type ChannelAware interface {
	SetChannelAccessor(accessor *channelaccessor.Accessor)
}

// ErrNoOneShotExecute is the error a streaming-only handler's Execute
// returns when invoked on the one-shot path.
var ErrNoOneShotExecute = &noOneShotError{}

type noOneShotError struct{}

func (*noOneShotError) Error() string {
	return "handler supports only streaming execution; no one-shot Execute path"
}

// Factory constructs a fresh Handler instance for one request. Handler
// instances are never reused across requests (§4.5: the worker holds its
// handler instance exclusively).
type Factory func() Handler
