// Package chain implements the Chain Engine (C10): the declarative
// sequential / conditional / parallel step interpreter, its variable
// resolver, merge/join/error strategies, and the `when` condition grammar.
package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dgfacade/gateway/internal/model"
)

// state is the chain's execution state threaded through every step (§4.9):
// the original payload, outputs keyed by alias, the previous step's
// output, and an append-only trace.
type state struct {
	requestID string
	original  model.Payload
	stepOutputs map[string]model.Payload
	previous    model.Payload
	trace       []TraceEntry
	currentStep int
}

// TraceEntry records one step's outcome for the chain's final trace.
type TraceEntry struct {
	Step    int
	Alias   string
	Outcome string // COMPLETED | SKIPPED | FAILED | FALLBACK
	Error   string
}

func newState(requestID string, original model.Payload) *state {
	return &state{
		requestID:   requestID,
		original:    original,
		stepOutputs: make(map[string]model.Payload),
		previous:    original,
	}
}

// resolveContext is what ${path} expressions are evaluated against.
func (s *state) resolveContext() map[string]any {
	steps := make(map[string]any, len(s.stepOutputs))
	for alias, out := range s.stepOutputs {
		steps[alias] = map[string]any(out)
	}
	return map[string]any{
		"payload": map[string]any(s.original),
		"prev":    map[string]any(s.previous),
		"steps":   steps,
		"chain": map[string]any{
			"request_id": s.requestID,
			"step":       s.currentStep,
		},
	}
}

// resolveExpr implements §4.9.1: type-preserving substitution when the
// whole value is a single ${expr}, and string interpolation otherwise.
func resolveExpr(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = resolveExpr(vv, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = resolveExpr(vv, ctx)
		}
		return out
	default:
		return v
	}
}

// resolveString handles one string value: whole-value substitution
// preserves the resolved type; embedded substitution stringifies.
func resolveString(s string, ctx map[string]any) any {
	if isWholeExpr(s) {
		path := s[2 : len(s)-1]
		return lookupPath(path, ctx)
	}
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		path := rest[start+2 : end]
		b.WriteString(stringify(lookupPath(path, ctx)))
		rest = rest[end+1:]
	}
	return b.String()
}

func isWholeExpr(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1
}

// lookupPath resolves a dotted path against ctx; an unresolved path is
// null (nil), per §4.9.1.
func lookupPath(path string, ctx map[string]any) any {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// resolvePayloadMapping builds a step's sub-request payload from its
// declared mapping, or falls back to the previous output when no mapping
// is declared (§4.9 "Resolve the step's payload_mapping").
func resolvePayloadMapping(mapping map[string]any, s *state) model.Payload {
	if mapping == nil {
		return s.previous
	}
	ctx := s.resolveContext()
	resolved := resolveExpr(map[string]any(mapping), ctx)
	return model.Payload(resolved.(map[string]any))
}
