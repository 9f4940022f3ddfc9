package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/model"
)

// fakeSubmitter answers Submit by request_type, recording every request it
// saw for assertions.
type fakeSubmitter struct {
	byType map[string]func(*model.Request) *model.Response
	seen   []*model.Request
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{byType: make(map[string]func(*model.Request) *model.Response)}
}

func (f *fakeSubmitter) on(requestType string, fn func(*model.Request) *model.Response) {
	f.byType[requestType] = fn
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	f.seen = append(f.seen, req)
	if fn, ok := f.byType[req.RequestType]; ok {
		return fn(req), nil
	}
	return &model.Response{RequestID: req.RequestID, Status: model.StatusHandlerNotFound}, nil
}

func newHandler(t *testing.T, sub Submitter, cfg model.ChainConfig) *Handler {
	t.Helper()
	h := New(sub, &model.Request{RequestID: "root-1", APIKey: "key-1"})
	require.NoError(t, h.Construct(map[string]any{"__chain_config": cfg}))
	return h
}

func TestSequentialStepsThreadPreviousOutput(t *testing.T) {
	sub := newFakeSubmitter()
	sub.on("STEP_A", func(req *model.Request) *model.Response {
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"value": 10.0}}
	})
	sub.on("STEP_B", func(req *model.Request) *model.Response {
		assert.Equal(t, 10.0, req.Payload["value"])
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"doubled": 20.0}}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{Step: 1, Handler: "STEP_A", MergeStrategy: model.MergeReplace},
			{Step: 2, Handler: "STEP_B", PayloadMapping: map[string]any{"value": "${prev.value}"}, MergeStrategy: model.MergeReplace},
		},
	}
	h := newHandler(t, sub, cfg)

	out, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{}})
	require.NoError(t, err)
	assert.Equal(t, 20.0, out["doubled"])
}

func TestWhenSkipsStepWithoutInvoking(t *testing.T) {
	sub := newFakeSubmitter()
	invoked := false
	sub.on("MAYBE", func(req *model.Request) *model.Response {
		invoked = true
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{Step: 1, Handler: "MAYBE", When: "${payload.flag} == true"},
		},
	}
	h := newHandler(t, sub, cfg)

	_, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{"flag": false}})
	require.NoError(t, err)
	assert.False(t, invoked)
}

func TestErrorStrategyFallbackSuppliesValue(t *testing.T) {
	sub := newFakeSubmitter()
	sub.on("FLAKY", func(req *model.Request) *model.Response {
		return &model.Response{RequestID: req.RequestID, Status: model.StatusError, ErrorMessage: "boom"}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{Step: 1, Handler: "FLAKY", ErrorStrategy: model.ErrorFallback, FallbackValue: model.Payload{"fallback": true}},
		},
	}
	h := newHandler(t, sub, cfg)

	out, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{}})
	require.NoError(t, err)
	assert.Equal(t, true, out["fallback"])
}

func TestErrorStrategyAbortPropagates(t *testing.T) {
	sub := newFakeSubmitter()
	sub.on("FAILS", func(req *model.Request) *model.Response {
		return &model.Response{RequestID: req.RequestID, Status: model.StatusError, ErrorMessage: "fatal"}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{Step: 1, Handler: "FAILS", ErrorStrategy: model.ErrorAbort},
			{Step: 2, Handler: "UNREACHED"},
		},
	}
	h := newHandler(t, sub, cfg)

	_, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{}})
	assert.Error(t, err)
	assert.Len(t, sub.seen, 1)
}

func TestParallelGroupKeyedJoin(t *testing.T) {
	sub := newFakeSubmitter()
	sub.on("BRANCH_A", func(req *model.Request) *model.Response {
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"a": 1.0}}
	})
	sub.on("BRANCH_B", func(req *model.Request) *model.Response {
		time.Sleep(5 * time.Millisecond)
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"b": 2.0}}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{
				Step:         1,
				JoinStrategy: model.JoinKeyed,
				Parallel: []model.ChainStep{
					{Step: 1, Alias: "branchA", Handler: "BRANCH_A"},
					{Step: 1, Alias: "branchB", Handler: "BRANCH_B"},
				},
			},
		},
	}
	h := newHandler(t, sub, cfg)

	out, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{}})
	require.NoError(t, err)
	branchA := out["branchA"].(map[string]any)
	assert.Equal(t, 1.0, branchA["a"])
	branchB := out["branchB"].(map[string]any)
	assert.Equal(t, 2.0, branchB["b"])
}

func TestParallelGroupFirstSuccessJoin(t *testing.T) {
	sub := newFakeSubmitter()
	sub.on("SLOW", func(req *model.Request) *model.Response {
		time.Sleep(30 * time.Millisecond)
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"from": "slow"}}
	})
	sub.on("FAST", func(req *model.Request) *model.Response {
		return &model.Response{RequestID: req.RequestID, Status: model.StatusSuccess, Data: model.Payload{"from": "fast"}}
	})

	cfg := model.ChainConfig{
		Steps: []model.ChainStep{
			{
				Step:         1,
				JoinStrategy: model.JoinFirstSuccess,
				Parallel: []model.ChainStep{
					{Step: 1, Alias: "slow", Handler: "SLOW"},
					{Step: 1, Alias: "fast", Handler: "FAST"},
				},
			},
		},
	}
	h := newHandler(t, sub, cfg)

	out, err := h.Execute(context.Background(), &model.Request{RequestID: "root-1", Payload: model.Payload{}})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestVariableResolutionPreservesType(t *testing.T) {
	ctx := map[string]any{
		"prev": map[string]any{"count": 5.0},
	}
	resolved := resolveString("${prev.count}", ctx)
	assert.Equal(t, 5.0, resolved)

	interpolated := resolveString("count is ${prev.count}", ctx)
	assert.Equal(t, "count is 5", interpolated)
}

func TestEvalWhenOperators(t *testing.T) {
	ctx := map[string]any{"payload": map[string]any{"status": "ok", "score": 42.0}}

	assert.True(t, evalWhen(`${payload.status} == "ok"`, ctx))
	assert.False(t, evalWhen(`${payload.status} == "bad"`, ctx))
	assert.True(t, evalWhen("exists(${payload.score})", ctx))
	assert.False(t, evalWhen("exists(${payload.missing})", ctx))
	assert.True(t, evalWhen(`${payload.status} == "ok" && exists(${payload.score})`, ctx))
}

// TestEvalWhenComparisonOperators covers the §4.9.3 operators beyond ==/!=/
// exists() — the S3 scenario's "${prev.result} > 10" must evaluate on the
// actual comparison, not fall through to an always-false default.
func TestEvalWhenComparisonOperators(t *testing.T) {
	above := map[string]any{"prev": map[string]any{"result": 12.0}}
	below := map[string]any{"prev": map[string]any{"result": 3.0}}

	assert.True(t, evalWhen("${prev.result} > 10", above))
	assert.False(t, evalWhen("${prev.result} > 10", below))

	assert.True(t, evalWhen("${prev.result} < 10", below))
	assert.False(t, evalWhen("${prev.result} < 10", above))

	assert.True(t, evalWhen("${prev.result} >= 12", above))
	assert.True(t, evalWhen("${prev.result} <= 3", below))
	assert.False(t, evalWhen("${prev.result} >= 12", below))

	names := map[string]any{"payload": map[string]any{"tags": "urgent,billing"}}
	assert.True(t, evalWhen(`${payload.tags} contains "billing"`, names))
	assert.False(t, evalWhen(`${payload.tags} contains "shipping"`, names))
}
