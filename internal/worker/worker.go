package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/model"
)

// Worker is the supervised execution context around one handler instance
// for one request (§4.5). It owns the handler exclusively and runs its own
// TTL timer; the Supervisor only ever touches the Worker through this
// type's exported methods.
type Worker struct {
	id      string
	req     *model.Request
	handler Handler
	config  map[string]any
	logger  zerolog.Logger

	phase     atomic.Value // model.WorkerPhase
	cancelled atomic.Bool
	done      chan struct{}

	mu          sync.Mutex
	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time
	response    model.Payload
	errMsg      string
	success     bool

	stopOnce sync.Once
}

// NewWorker constructs a worker in phase QUEUED. Run must be called exactly
// once to drive it through the state machine.
func NewWorker(id string, req *model.Request, handler Handler, config map[string]any, logger zerolog.Logger) *Worker {
	w := &Worker{
		id:       id,
		req:      req,
		handler:  handler,
		config:   config,
		logger:   logger.With().Str("handler_id", id).Str("request_id", req.RequestID).Logger(),
		done:     make(chan struct{}),
		queuedAt: time.Now(),
	}
	w.phase.Store(model.PhaseQueued)
	return w
}

func (w *Worker) Phase() model.WorkerPhase { return w.phase.Load().(model.WorkerPhase) }

func (w *Worker) setPhase(p model.WorkerPhase) {
	w.phase.Store(p)
}

// Run drives the worker through CONSTRUCTING → EXECUTING → a terminal
// phase. It must run in its own goroutine; Run returns once a terminal
// phase is reached and cleanup has completed. ttl <= 0 causes an
// immediate TIMED_OUT without ever calling Construct/Execute (§8 boundary
// behaviour: "TTL = 0 → immediate TIMED_OUT without executing").
func (w *Worker) Run(parent context.Context, ttl time.Duration) {
	defer close(w.done)
	defer metrics.WorkersActive.Dec()
	metrics.WorkersActive.Inc()
	metrics.WorkersSpawned.Inc()

	if ttl <= 0 {
		w.finish(model.PhaseTimedOut, false, "ttl expired before start", nil)
		return
	}

	ctx, cancel := context.WithTimeout(parent, ttl)
	defer cancel()

	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()

	w.setPhase(model.PhaseConstructing)
	if err := w.safeConstruct(); err != nil {
		w.finish(model.PhaseFailed, false, err.Error(), nil)
		return
	}

	w.setPhase(model.PhaseExecuting)
	resultC := make(chan executeResult, 1)
	go w.safeExecute(ctx, resultC)

	select {
	case res := <-resultC:
		if ctx.Err() != nil {
			// TTL fired concurrently with a result arriving; TTL wins
			// per §4.5 "ttl fires anywhere".
			w.finishTimeout()
			return
		}
		if res.err != nil {
			w.finish(model.PhaseFailed, false, res.err.Error(), nil)
			return
		}
		w.finish(model.PhaseCompleted, true, "", res.data)
	case <-ctx.Done():
		w.finishTimeout()
	}
}

// finishTimeout implements "TTL fires anywhere → stop() then cleanup()
// then TIMED_OUT even if execute() is still running" (§4.5).
func (w *Worker) finishTimeout() {
	w.requestStop()
	w.finish(model.PhaseTimedOut, false, "ttl expired", nil)
}

type executeResult struct {
	data model.Payload
	err  error
}

func (w *Worker) safeConstruct() (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker: construct panicked")
			err = &panicError{value: r}
		}
	}()
	return w.handler.Construct(w.config)
}

func (w *Worker) safeExecute(ctx context.Context, resultC chan<- executeResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker: execute panicked")
			resultC <- executeResult{err: &panicError{value: r}}
		}
	}()
	data, err := w.handler.Execute(ctx, w.req)
	resultC <- executeResult{data: data, err: err}
}

// ExecuteStreaming is the streaming-handler entry point, invoked directly
// by the Dispatcher's streaming path rather than through Run — the worker
// still owns TTL and phase tracking around it.
func (w *Worker) ExecuteStreaming(parent context.Context, ttl time.Duration, sink UpdateSink) (model.Payload, error) {
	streaming, ok := w.handler.(StreamingHandler)
	if !ok {
		return nil, errors.New("worker: handler does not implement ExecuteStreaming")
	}

	defer close(w.done)
	defer metrics.WorkersActive.Dec()
	metrics.WorkersActive.Inc()
	metrics.WorkersSpawned.Inc()

	if ttl <= 0 {
		w.finish(model.PhaseTimedOut, false, "ttl expired before start", nil)
		return nil, context.DeadlineExceeded
	}

	ctx, cancel := context.WithTimeout(parent, ttl)
	defer cancel()

	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()

	w.setPhase(model.PhaseConstructing)
	if err := w.safeConstruct(); err != nil {
		w.finish(model.PhaseFailed, false, err.Error(), nil)
		return nil, err
	}

	w.setPhase(model.PhaseExecuting)
	resultC := make(chan executeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultC <- executeResult{err: &panicError{value: r}}
			}
		}()
		data, err := streaming.ExecuteStreaming(ctx, w.req, sink)
		resultC <- executeResult{data: data, err: err}
	}()

	select {
	case res := <-resultC:
		if ctx.Err() != nil {
			w.finishTimeout()
			return nil, context.DeadlineExceeded
		}
		if res.err != nil {
			w.finish(model.PhaseFailed, false, res.err.Error(), nil)
			return nil, res.err
		}
		w.finish(model.PhaseCompleted, true, "", res.data)
		return res.data, nil
	case <-ctx.Done():
		w.finishTimeout()
		return nil, context.DeadlineExceeded
	}
}

// Stop requests cooperative cancellation (§4.5: "stop() sets a cancelled
// flag the handler polls"). It may race with Execute but never with
// Construct or Cleanup — since it only flips a flag and calls the
// handler's Stop exactly once, it is safe at any point after construction.
func (w *Worker) Stop() {
	if w.Phase().Terminal() {
		return
	}
	w.requestStop()
	w.finish(model.PhaseStopped, false, "stopped by supervisor", nil)
}

func (w *Worker) requestStop() {
	w.stopOnce.Do(func() {
		w.cancelled.Store(true)
		w.handler.Stop()
	})
}

// Cancelled reports whether Stop has been requested; handlers may poll
// this directly if given a reference, though the normal path is ctx.Done().
func (w *Worker) Cancelled() bool { return w.cancelled.Load() }

// finish transitions to a terminal phase and runs Cleanup exactly once.
func (w *Worker) finish(phase model.WorkerPhase, success bool, errMsg string, data model.Payload) {
	w.mu.Lock()
	if w.Phase().Terminal() {
		w.mu.Unlock()
		return
	}
	w.completedAt = time.Now()
	w.response = data
	w.errMsg = errMsg
	w.success = success
	w.mu.Unlock()

	w.setPhase(phase)

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().Interface("panic", r).Msg("worker: cleanup panicked")
			}
		}()
		w.handler.Cleanup()
	}()

	metrics.WorkerPhaseTotal.WithLabelValues(string(phase)).Inc()
	w.mu.Lock()
	duration := w.completedAt.Sub(w.queuedAt)
	w.mu.Unlock()
	metrics.WorkerDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// Done is closed once the worker reaches a terminal phase and cleanup has
// run; callers (e.g. the dispatcher's one-shot wait) select on it.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Snapshot produces the HandlerState the Supervisor records in its
// history ring. Duration is recorded on every terminal snapshot, success
// or fail, per the spec's first Open Question decision.
func (w *Worker) Snapshot() model.HandlerState {
	w.mu.Lock()
	defer w.mu.Unlock()

	var durationMS int64
	if !w.completedAt.IsZero() {
		durationMS = w.completedAt.Sub(w.queuedAt).Milliseconds()
	}

	return model.HandlerState{
		HandlerID:      w.id,
		RequestID:      w.req.RequestID,
		RequestType:    w.req.RequestType,
		Phase:          w.Phase(),
		QueuedAt:       w.queuedAt,
		StartedAt:      w.startedAt,
		CompletedAt:    w.completedAt,
		DurationMS:     durationMS,
		Success:        w.success,
		ErrorMessage:   w.errMsg,
		RequestPayload: w.req.Payload,
		ResponseData:   w.response,
	}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return "handler panicked: " + toString(p.value)
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}
