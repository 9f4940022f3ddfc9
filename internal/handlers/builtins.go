// Package handlers implements the facade's built-in request handlers
// (ECHO, ARITHMETIC, DELAYED, WEATHER, RELAY) and the chain-engine adapter
// that lets a configured chain register as an ordinary handler.
package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/dgfacade/gateway/internal/chain"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/worker"
)

// Echo returns the request payload unchanged; useful for wiring smoke
// tests and chain scaffolding.
type Echo struct{}

func NewEcho() worker.Handler { return &Echo{} }

func (*Echo) Construct(map[string]any) error { return nil }
func (*Echo) Stop()                          {}
func (*Echo) Cleanup()                       {}

func (*Echo) Execute(_ context.Context, req *model.Request) (model.Payload, error) {
	out := make(model.Payload, len(req.Payload))
	for k, v := range req.Payload {
		out[k] = v
	}
	return out, nil
}

// Arithmetic evaluates a two-operand operation from the payload:
// {"operation": "ADD"|"SUBTRACT"|"MULTIPLY"|"DIVIDE", "operandA": <number>, "operandB": <number>}.
// "a"/"b" are also accepted as shorthand aliases for operandA/operandB.
type Arithmetic struct{}

func NewArithmetic() worker.Handler { return &Arithmetic{} }

func (*Arithmetic) Construct(map[string]any) error { return nil }
func (*Arithmetic) Stop()                          {}
func (*Arithmetic) Cleanup()                       {}

func (*Arithmetic) Execute(_ context.Context, req *model.Request) (model.Payload, error) {
	op, _ := req.Payload["operation"].(string)
	a, aok := toFloat(req.Payload["operandA"])
	if !aok {
		a, aok = toFloat(req.Payload["a"])
	}
	b, bok := toFloat(req.Payload["operandB"])
	if !bok {
		b, bok = toFloat(req.Payload["b"])
	}
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic: both \"operandA\" and \"operandB\" must be numbers")
	}

	var result float64
	switch op {
	case "ADD":
		result = a + b
	case "SUBTRACT":
		result = a - b
	case "MULTIPLY":
		result = a * b
	case "DIVIDE":
		if b == 0 {
			return nil, fmt.Errorf("arithmetic: division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("arithmetic: unsupported operation %q", op)
	}

	return model.Payload{"result": result}, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// Delayed is a streaming handler that emits a configurable number of
// progress updates spaced by an interval, useful for exercising the
// streaming session path end-to-end. payload: {"steps": N, "interval_ms": M}.
type Delayed struct {
	stopped chan struct{}
}

func NewDelayed() worker.Handler { return &Delayed{stopped: make(chan struct{})} }

func (*Delayed) Construct(map[string]any) error { return nil }
func (d *Delayed) Stop()                        { close(d.stopped) }
func (*Delayed) Cleanup()                       {}

func (d *Delayed) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	return d.ExecuteStreaming(ctx, req, nil)
}

func (d *Delayed) ExecuteStreaming(ctx context.Context, req *model.Request, sink worker.UpdateSink) (model.Payload, error) {
	steps := 3
	if v, ok := toFloat(req.Payload["steps"]); ok {
		steps = int(v)
	}
	intervalMS := 200.0
	if v, ok := toFloat(req.Payload["interval_ms"]); ok {
		intervalMS = v
	}
	interval := time.Duration(intervalMS) * time.Millisecond

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.stopped:
			return nil, fmt.Errorf("delayed: stopped")
		case <-time.After(interval):
		}
		if sink != nil {
			sink(model.Payload{"step": i, "of": steps})
		}
	}
	return model.Payload{"completed_steps": steps}, nil
}

// Weather returns a synthetic reading for a requested location; this
// stands in for an external weather API integration point. payload:
// {"location": "..."}.
type Weather struct{}

func NewWeather() worker.Handler { return &Weather{} }

func (*Weather) Construct(map[string]any) error { return nil }
func (*Weather) Stop()                          {}
func (*Weather) Cleanup()                       {}

var weatherConditions = []string{"sunny", "cloudy", "rainy", "windy", "snowy"}

func (*Weather) Execute(_ context.Context, req *model.Request) (model.Payload, error) {
	location, _ := req.Payload["location"].(string)
	if location == "" {
		return nil, fmt.Errorf("weather: \"location\" is required")
	}
	return model.Payload{
		"location":       location,
		"condition":      weatherConditions[rand.Intn(len(weatherConditions))],
		"temperature_c":  float64(rand.Intn(35) - 5),
		"observed_at_ms": time.Now().UnixMilli(),
	}, nil
}

// ChainAdapter wraps chain.Handler behind a Factory so the dispatcher's
// handler resolution treats a configured chain exactly like any other
// built-in (§4.9 "itself a handler that re-enters the Dispatcher").
func ChainAdapter(submitter chain.Submitter, cfg model.ChainConfig) worker.Factory {
	return func() worker.Handler {
		return &chainHandlerShim{submitter: submitter, cfg: cfg}
	}
}

type chainHandlerShim struct {
	submitter chain.Submitter
	cfg       model.ChainConfig
	inner     *chain.Handler
}

func (s *chainHandlerShim) Construct(map[string]any) error {
	if len(s.cfg.Steps) == 0 {
		return fmt.Errorf("chain handler: no steps configured")
	}
	return nil
}

func (s *chainHandlerShim) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	s.inner = chain.New(s.submitter, req)
	if err := s.inner.Construct(map[string]any{"__chain_config": s.cfg}); err != nil {
		return nil, err
	}
	return s.inner.Execute(ctx, req)
}

func (s *chainHandlerShim) Stop() {
	if s.inner != nil {
		s.inner.Stop()
	}
}

func (s *chainHandlerShim) Cleanup() {
	if s.inner != nil {
		s.inner.Cleanup()
	}
}
