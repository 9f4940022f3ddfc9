package chain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgfacade/gateway/internal/model"
)

// Submitter is the dispatcher's re-entry point: the chain engine is itself
// a handler that submits one sub-request per step back through dispatch,
// so a chain step can invoke any other registered handler (§4.9 "The Chain
// Engine is itself a handler that re-enters the Dispatcher for its steps").
type Submitter interface {
	Submit(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Handler implements worker.Handler by interpreting a ChainConfig. One
// Handler instance is constructed (and its config parsed) per invocation,
// matching every other built-in handler's Construct/Execute lifecycle.
type Handler struct {
	submitter Submitter
	parent    *model.Request
	cfg       model.ChainConfig
}

func New(submitter Submitter, parent *model.Request) *Handler {
	return &Handler{submitter: submitter, parent: parent}
}

// Construct parses the raw handler config into a ChainConfig. Steps are
// supplied pre-decoded by the registry/factory wiring (see internal/handlers
// chain adapter), so Construct only wires the dependency.
func (h *Handler) Construct(config map[string]any) error {
	cfg, ok := config["__chain_config"].(model.ChainConfig)
	if !ok {
		return fmt.Errorf("chain: handler config missing parsed chain definition")
	}
	h.cfg = cfg
	return nil
}

func (h *Handler) Stop()    {}
func (h *Handler) Cleanup() {}

// Execute runs every step in order, threading state between them per
// §4.9: resolve payload_mapping, evaluate when, submit, apply the merge
// strategy, and on error apply the step's (or chain's) error strategy.
func (h *Handler) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	s := newState(req.RequestID, req.Payload)

	for _, step := range h.cfg.Steps {
		s.currentStep = step.Step
		if err := h.runStep(ctx, step, s); err != nil {
			return nil, err
		}
	}

	return s.previous, nil
}

// runStep executes one step (sequential or parallel group), updating s in
// place, and returns a non-nil error only when the chain must abort.
func (h *Handler) runStep(ctx context.Context, step model.ChainStep, s *state) error {
	if len(step.Parallel) > 0 {
		return h.runParallel(ctx, step, s)
	}

	if !evalWhen(step.When, s.resolveContext()) {
		s.trace = append(s.trace, TraceEntry{Step: step.Step, Alias: step.Alias, Outcome: "SKIPPED"})
		return nil
	}

	out, err := h.invoke(ctx, step, s)
	if err != nil {
		return h.handleStepError(step, s, err)
	}

	h.applyMerge(step, s, out)
	s.trace = append(s.trace, TraceEntry{Step: step.Step, Alias: step.Alias, Outcome: "COMPLETED"})
	return nil
}

// invoke resolves the step's payload mapping and submits a synthetic
// sub-request for its handler, carrying the parent's identity.
func (h *Handler) invoke(ctx context.Context, step model.ChainStep, s *state) (model.Payload, error) {
	payload := resolvePayloadMapping(step.PayloadMapping, s)

	subReq := &model.Request{
		RequestID:   fmt.Sprintf("%s.%d", s.requestID, step.Step),
		RequestType: step.Handler,
		APIKey:      h.parent.APIKey,
		Payload:     payload,
		TTLMinutes:  h.cfg.TTLMinutes,
	}

	resp, err := h.submitter.Submit(ctx, subReq)
	if err != nil {
		return nil, err
	}
	if resp.Status != model.StatusSuccess {
		if resp.ErrorMessage != "" {
			return nil, fmt.Errorf("chain: step %d (%s) failed: %s", step.Step, step.Handler, resp.ErrorMessage)
		}
		return nil, fmt.Errorf("chain: step %d (%s) returned status %s", step.Step, step.Handler, resp.Status)
	}
	return resp.Data, nil
}

// handleStepError applies a step's ErrorStrategy, falling back to the
// chain's default when the step leaves it unset (§4.9.2).
func (h *Handler) handleStepError(step model.ChainStep, s *state, cause error) error {
	strategy := step.ErrorStrategy
	if strategy == "" {
		strategy = h.cfg.ErrorStrategy
	}
	if strategy == "" {
		strategy = model.ErrorAbort
	}

	switch strategy {
	case model.ErrorSkip:
		s.trace = append(s.trace, TraceEntry{Step: step.Step, Alias: step.Alias, Outcome: "SKIPPED", Error: cause.Error()})
		return nil
	case model.ErrorFallback:
		h.applyMerge(step, s, step.FallbackValue)
		s.trace = append(s.trace, TraceEntry{Step: step.Step, Alias: step.Alias, Outcome: "FALLBACK", Error: cause.Error()})
		return nil
	default:
		s.trace = append(s.trace, TraceEntry{Step: step.Step, Alias: step.Alias, Outcome: "FAILED", Error: cause.Error()})
		return cause
	}
}

// applyMerge folds a step's output into state per its MergeStrategy
// (§4.9.2). REPLACE and the zero value both discard prior state; APPEND
// accumulates under the step's alias; MERGE_PREV shallow-merges keys into
// the previous output; PASSTHROUGH leaves previous untouched.
func (h *Handler) applyMerge(step model.ChainStep, s *state, out model.Payload) {
	if step.Alias != "" {
		s.stepOutputs[step.Alias] = out
	}

	switch step.MergeStrategy {
	case model.MergeMergePrev:
		merged := make(model.Payload, len(s.previous)+len(out))
		for k, v := range s.previous {
			merged[k] = v
		}
		for k, v := range out {
			merged[k] = v
		}
		s.previous = merged
	case model.MergeAppend:
		key := step.Alias
		if key == "" {
			key = fmt.Sprintf("step_%d", step.Step)
		}
		var list []any
		if existing, ok := s.previous[key].([]any); ok {
			list = existing
		}
		list = append(list, map[string]any(out))
		merged := make(model.Payload, len(s.previous)+1)
		for k, v := range s.previous {
			merged[k] = v
		}
		merged[key] = list
		s.previous = merged
	case model.MergePassthrough:
		// previous left untouched.
	default: // model.MergeReplace, or unset
		s.previous = out
	}
}

// runParallel fans a step group out via errgroup, each branch bounded by
// the chain's BranchTimeout, then joins per the group's JoinStrategy
// (§4.9.4).
func (h *Handler) runParallel(ctx context.Context, group model.ChainStep, s *state) error {
	branchTimeout := h.cfg.BranchTimeout
	if branchTimeout <= 0 {
		branchTimeout = 60 * time.Second
	}

	type branchResult struct {
		alias string
		out   model.Payload
		err   error
	}

	results := make([]branchResult, len(group.Parallel))
	eg, egCtx := errgroup.WithContext(ctx)

	for i, branch := range group.Parallel {
		i, branch := i, branch
		eg.Go(func() error {
			bctx, cancel := context.WithTimeout(egCtx, branchTimeout)
			defer cancel()

			if !evalWhen(branch.When, s.resolveContext()) {
				results[i] = branchResult{alias: branch.Alias}
				return nil
			}
			out, err := h.invoke(bctx, branch, s)
			results[i] = branchResult{alias: branch.Alias, out: out, err: err}
			if group.JoinStrategy != model.JoinFirstSuccess && err != nil {
				return err
			}
			return nil
		})
	}

	joinErr := eg.Wait()

	switch group.JoinStrategy {
	case model.JoinKeyed:
		merged := make(model.Payload, len(results))
		for _, r := range results {
			if r.err != nil || r.alias == "" {
				continue
			}
			merged[r.alias] = map[string]any(r.out)
		}
		s.previous = merged
	case model.JoinFirstSuccess:
		for _, r := range results {
			if r.err == nil && r.out != nil {
				s.previous = r.out
				joinErr = nil
				break
			}
		}
	default: // model.JoinMergeAll
		if joinErr != nil {
			break
		}
		merged := model.Payload{}
		for _, r := range results {
			for k, v := range r.out {
				merged[k] = v
			}
		}
		s.previous = merged
	}

	for _, r := range results {
		if r.alias != "" {
			s.stepOutputs[r.alias] = r.out
		}
	}

	if joinErr != nil {
		return h.handleStepError(group, s, joinErr)
	}
	s.trace = append(s.trace, TraceEntry{Step: group.Step, Alias: group.Alias, Outcome: "COMPLETED"})
	return nil
}
