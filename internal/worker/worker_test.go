package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/model"
)

// fakeHandler is a minimal Handler used across worker tests; each phase
// method records that it ran so ordering can be asserted.
type fakeHandler struct {
	constructErr error
	executeDelay time.Duration
	executeErr   error
	executeData  model.Payload

	constructed atomic.Bool
	executed    atomic.Bool
	stopped     atomic.Bool
	cleanedUp   atomic.Bool
}

func (f *fakeHandler) Construct(map[string]any) error {
	f.constructed.Store(true)
	return f.constructErr
}

func (f *fakeHandler) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	f.executed.Store(true)
	if f.executeDelay > 0 {
		select {
		case <-time.After(f.executeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.executeData, f.executeErr
}

func (f *fakeHandler) Stop()    { f.stopped.Store(true) }
func (f *fakeHandler) Cleanup() { f.cleanedUp.Store(true) }

func newTestRequest() *model.Request {
	return &model.Request{RequestID: "req-1", RequestType: "ECHO", TTLMinutes: 1}
}

// TestWorkerZeroTTLTimesOutImmediately covers §8's boundary behaviour:
// TTL = 0 → immediate TIMED_OUT without executing.
func TestWorkerZeroTTLTimesOutImmediately(t *testing.T) {
	h := &fakeHandler{}
	w := NewWorker("h1", newTestRequest(), h, nil, zerolog.Nop())

	w.Run(context.Background(), 0)

	assert.Equal(t, model.PhaseTimedOut, w.Phase())
	assert.False(t, h.constructed.Load())
	assert.False(t, h.executed.Load())
}

// TestWorkerHappyPathOrdering verifies construct-before-execute-before-cleanup
// and a COMPLETED terminal phase on success.
func TestWorkerHappyPathOrdering(t *testing.T) {
	h := &fakeHandler{executeData: model.Payload{"message": "hi"}}
	w := NewWorker("h2", newTestRequest(), h, nil, zerolog.Nop())

	w.Run(context.Background(), time.Second)

	assert.Equal(t, model.PhaseCompleted, w.Phase())
	assert.True(t, h.constructed.Load())
	assert.True(t, h.executed.Load())
	assert.True(t, h.cleanedUp.Load())

	snap := w.Snapshot()
	assert.True(t, snap.Success)
	assert.Equal(t, "hi", snap.ResponseData["message"])
}

// TestWorkerConstructErrorFails verifies a construct error short-circuits
// to FAILED without ever calling Execute.
func TestWorkerConstructErrorFails(t *testing.T) {
	h := &fakeHandler{constructErr: errors.New("boom")}
	w := NewWorker("h3", newTestRequest(), h, nil, zerolog.Nop())

	w.Run(context.Background(), time.Second)

	assert.Equal(t, model.PhaseFailed, w.Phase())
	assert.False(t, h.executed.Load())
	assert.True(t, h.cleanedUp.Load())
}

// TestWorkerTTLExpiryDuringExecute reproduces scenario S2: TTL fires while
// Execute is still running, transitioning to TIMED_OUT with Stop called
// exactly once and Cleanup observed.
func TestWorkerTTLExpiryDuringExecute(t *testing.T) {
	h := &fakeHandler{executeDelay: time.Second}
	w := NewWorker("h4", newTestRequest(), h, nil, zerolog.Nop())

	start := time.Now()
	w.Run(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, model.PhaseTimedOut, w.Phase())
	assert.True(t, h.stopped.Load())
	assert.True(t, h.cleanedUp.Load())
	assert.Less(t, elapsed, 500*time.Millisecond)
}

// TestWorkerDurationRecordedOnFailure verifies the spec's first Open
// Question decision: duration is present on every terminal snapshot, even
// on a failure path.
func TestWorkerDurationRecordedOnFailure(t *testing.T) {
	h := &fakeHandler{constructErr: errors.New("boom")}
	w := NewWorker("h5", newTestRequest(), h, nil, zerolog.Nop())
	w.Run(context.Background(), time.Second)

	snap := w.Snapshot()
	assert.False(t, snap.Success)
	assert.GreaterOrEqual(t, snap.DurationMS, int64(0))
}

// TestSupervisorHistoryEvictsBySize verifies the ring bound: inserting
// past maxHistory evicts the oldest entry.
func TestSupervisorHistoryEvictsBySize(t *testing.T) {
	sup := NewSupervisor(2, time.Hour, zerolog.Nop())

	for i := 0; i < 3; i++ {
		h := &fakeHandler{}
		w := sup.Spawn(context.Background(), newTestRequest(), h, nil, time.Second)
		<-w.Done()
	}

	require.Eventually(t, func() bool {
		return len(sup.History()) == 2
	}, time.Second, 10*time.Millisecond)
}
