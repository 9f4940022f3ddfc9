package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnState is the transport's observable connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "DISCONNECTED"
	}
}

// Reconnector runs a single sequential retry loop per transport: on
// failure it enters RECONNECTING and retries after ReconnectInterval until
// reconnectFn succeeds or Close cancels it (§4.1 "Reconnection").
type Reconnector struct {
	ReconnectInterval time.Duration
	Logger            zerolog.Logger
	BrokerID          string

	state  atomic.Int32
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewReconnector(interval time.Duration, logger zerolog.Logger, brokerID string) *Reconnector {
	r := &Reconnector{ReconnectInterval: interval, Logger: logger, BrokerID: brokerID}
	r.state.Store(int32(StateDisconnected))
	return r
}

func (r *Reconnector) State() ConnState { return ConnState(r.state.Load()) }

func (r *Reconnector) SetConnected() { r.state.Store(int32(StateConnected)) }

// TriggerReconnect schedules a sequential retry loop. It is safe to call
// repeatedly; a reconnect already in flight is not duplicated.
func (r *Reconnector) TriggerReconnect(ctx context.Context, reconnectFn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateReconnecting || r.State() == StateClosed {
		return
	}
	r.state.Store(int32(StateReconnecting))

	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		ticker := time.NewTicker(r.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if err := reconnectFn(rctx); err != nil {
					r.Logger.Warn().Str("broker_id", r.BrokerID).Err(err).Msg("reconnect attempt failed")
					continue
				}
				r.SetConnected()
				return
			}
		}
	}()
}

// Close cancels any in-flight reconnect loop permanently.
func (r *Reconnector) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(int32(StateClosed))
	if r.cancel != nil {
		r.cancel()
	}
}

// BackpressureQueue is the bounded Envelope queue every subscriber
// maintains (§4.1 "Backpressure"). Occupancy crossing WarningPct logs a
// warning; crossing CriticalPct invokes OnCritical so the concrete
// transport can pause delivery (pause partitions, stop JMS delivery,
// lengthen polling). Occupancy must fall below DrainResumePct before
// OnResume fires.
type BackpressureQueue struct {
	ch            chan Envelope
	capacity      int
	warningPct    float64
	criticalPct   float64
	drainResumePct float64
	logger        zerolog.Logger
	brokerID      string

	backpressured atomic.Bool
	OnCritical    func()
	OnResume      func()
}

func NewBackpressureQueue(capacity int, warningPct, criticalPct, drainResumePct float64, logger zerolog.Logger, brokerID string) *BackpressureQueue {
	return &BackpressureQueue{
		ch:             make(chan Envelope, capacity),
		capacity:       capacity,
		warningPct:     warningPct,
		criticalPct:    criticalPct,
		drainResumePct: drainResumePct,
		logger:         logger,
		brokerID:       brokerID,
	}
}

// Enqueue adds an envelope and evaluates backpressure thresholds. It
// blocks only if the underlying channel is full (host process backs off
// naturally rather than dropping messages, per §4.1 "Failure semantics").
func (q *BackpressureQueue) Enqueue(ctx context.Context, env Envelope) bool {
	select {
	case q.ch <- env:
	case <-ctx.Done():
		return false
	}
	q.checkThresholds()
	return true
}

func (q *BackpressureQueue) checkThresholds() {
	depth := len(q.ch)
	occupancyPct := float64(depth) / float64(q.capacity) * 100

	if occupancyPct >= q.criticalPct {
		if q.backpressured.CompareAndSwap(false, true) {
			q.logger.Warn().Str("broker_id", q.brokerID).Int("depth", depth).Float64("occupancy_pct", occupancyPct).Msg("subscriber queue entered backpressure")
			if q.OnCritical != nil {
				q.OnCritical()
			}
		}
	} else if occupancyPct >= q.warningPct {
		q.logger.Warn().Str("broker_id", q.brokerID).Int("depth", depth).Float64("occupancy_pct", occupancyPct).Msg("subscriber queue above warning threshold")
	}
}

// Dequeue pulls the next envelope, resuming delivery once occupancy drops
// below DrainResumePct.
func (q *BackpressureQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	select {
	case env, ok := <-q.ch:
		if !ok {
			return Envelope{}, false
		}
		occupancyPct := float64(len(q.ch)) / float64(q.capacity) * 100
		if q.backpressured.Load() && occupancyPct < q.drainResumePct {
			if q.backpressured.CompareAndSwap(true, false) {
				q.logger.Info().Str("broker_id", q.brokerID).Float64("occupancy_pct", occupancyPct).Msg("subscriber queue drained below resume threshold")
				if q.OnResume != nil {
					q.OnResume()
				}
			}
		}
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

func (q *BackpressureQueue) Depth() int { return len(q.ch) }

func (q *BackpressureQueue) Close() { close(q.ch) }

// pendingRecord is one batched publish awaiting a flush.
type pendingRecord struct {
	topic   string
	env     Envelope
	resultC chan PublishResult
}

// Batcher accumulates publishes and flushes them together either when
// BatchSize is reached or every FlushInterval (§4.1 "Batch mode"). A flush
// either completes every pending record, or completes all of them with the
// same error.
type Batcher struct {
	BatchSize     int
	FlushInterval time.Duration
	FlushFn       func(ctx context.Context, topic string, envs []Envelope) error

	mu      sync.Mutex
	pending map[string][]pendingRecord
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBatcher(ctx context.Context, batchSize int, flushInterval time.Duration, flushFn func(context.Context, string, []Envelope) error) *Batcher {
	bctx, cancel := context.WithCancel(ctx)
	b := &Batcher{
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		FlushFn:       flushFn,
		pending:       make(map[string][]pendingRecord),
		ctx:           bctx,
		cancel:        cancel,
	}
	go b.periodicFlush()
	return b
}

func (b *Batcher) periodicFlush() {
	ticker := time.NewTicker(b.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.FlushAll()
		}
	}
}

// Add queues a record for the given topic, returning a future that
// resolves when the batch it lands in is flushed.
func (b *Batcher) Add(topic string, env Envelope) <-chan PublishResult {
	resultC := make(chan PublishResult, 1)
	b.mu.Lock()
	b.pending[topic] = append(b.pending[topic], pendingRecord{topic: topic, env: env, resultC: resultC})
	shouldFlush := len(b.pending[topic]) >= b.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.flushTopic(topic)
	}
	return resultC
}

func (b *Batcher) flushTopic(topic string) {
	b.mu.Lock()
	records := b.pending[topic]
	delete(b.pending, topic)
	b.mu.Unlock()

	if len(records) == 0 {
		return
	}
	envs := make([]Envelope, len(records))
	for i, r := range records {
		envs[i] = r.env
	}
	err := b.FlushFn(b.ctx, topic, envs)
	for _, r := range records {
		r.resultC <- PublishResult{Err: err}
		close(r.resultC)
	}
}

// FlushAll flushes every topic with pending records.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.pending))
	for t := range b.pending {
		topics = append(topics, t)
	}
	b.mu.Unlock()
	for _, t := range topics {
		b.flushTopic(t)
	}
}

// Close stops the periodic flush loop and flushes everything pending.
func (b *Batcher) Close() {
	b.cancel()
	b.FlushAll()
}
