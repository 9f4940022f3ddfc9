package worker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
)

// Supervisor is the Handler Supervisor (C6): spawns and tracks per-request
// workers and maintains the bounded execution history ring.
type Supervisor struct {
	logger    zerolog.Logger
	maxHistory int
	maxAge     time.Duration

	mu      sync.Mutex
	live    map[string]*Worker
	history *list.List // front = newest, back = oldest, element type model.HandlerState
}

func NewSupervisor(maxHistory int, maxAge time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:     logger,
		maxHistory: maxHistory,
		maxAge:     maxAge,
		live:       make(map[string]*Worker),
		history:    list.New(),
	}
}

// Spawn creates a worker for req using handler/config, starts it running in
// its own goroutine bounded by ttl, and returns its handle. The worker
// auto-deregisters from the live set on termination, recording its final
// HandlerState into the history ring.
func (s *Supervisor) Spawn(ctx context.Context, req *model.Request, handler Handler, config map[string]any, ttl time.Duration) *Worker {
	id := uuid.NewString()
	w := NewWorker(id, req, handler, config, s.logger)

	s.mu.Lock()
	s.live[id] = w
	s.mu.Unlock()

	go func() {
		w.Run(ctx, ttl)
		s.retire(w)
	}()

	return w
}

// SpawnStreaming is Spawn's counterpart for the streaming dispatch path:
// the caller drives ExecuteStreaming directly and this only handles
// retirement bookkeeping once it returns.
func (s *Supervisor) SpawnStreaming(req *model.Request, handler Handler, config map[string]any) *Worker {
	id := uuid.NewString()
	w := NewWorker(id, req, handler, config, s.logger)
	s.mu.Lock()
	s.live[id] = w
	s.mu.Unlock()
	return w
}

// RetireStreaming is called by the caller of SpawnStreaming once
// ExecuteStreaming has returned, mirroring the Spawn path's auto-retire.
func (s *Supervisor) RetireStreaming(w *Worker) {
	s.retire(w)
}

func (s *Supervisor) retire(w *Worker) {
	s.mu.Lock()
	delete(s.live, w.id)
	s.history.PushFront(w.Snapshot())
	s.evict()
	s.mu.Unlock()
}

// evict enforces the bounded ring: size <= maxHistory and age <= maxAge,
// preferring age-based eviction first, then size (§4.6). Must be called
// with s.mu held.
func (s *Supervisor) evict() {
	now := time.Now()
	for e := s.history.Back(); e != nil; {
		prev := e.Prev()
		state := e.Value.(model.HandlerState)
		if now.Sub(state.CompletedAt) > s.maxAge {
			s.history.Remove(e)
		}
		e = prev
	}
	for s.history.Len() > s.maxHistory {
		s.history.Remove(s.history.Back())
	}
}

// Stop requests cooperative cancellation of a live worker by handle.
func (s *Supervisor) Stop(w *Worker) {
	w.Stop()
}

// QueryState returns the live phase/snapshot for a worker, or the last
// recorded history snapshot if it has already retired.
func (s *Supervisor) QueryState(handlerID string) (model.HandlerState, error) {
	s.mu.Lock()
	if w, ok := s.live[handlerID]; ok {
		s.mu.Unlock()
		return w.Snapshot(), nil
	}
	defer s.mu.Unlock()
	for e := s.history.Front(); e != nil; e = e.Next() {
		state := e.Value.(model.HandlerState)
		if state.HandlerID == handlerID {
			return state, nil
		}
	}
	return model.HandlerState{}, fmt.Errorf("worker supervisor: handler_id %q not found", handlerID)
}

// History returns a snapshot of the bounded ring, newest first.
func (s *Supervisor) History() []model.HandlerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HandlerState, 0, s.history.Len())
	for e := s.history.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(model.HandlerState))
	}
	return out
}

// LiveCount reports the number of currently active workers.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
