// Package ingest implements Request Ingesters (C3): source-specific
// consumers that deserialize, validate, enrich, and submit inbound
// requests to the Dispatcher.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/logging"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

// Submitter is the Dispatcher's ingestion-facing contract; kept minimal so
// ingest does not import the dispatch package (dispatch imports ingest's
// sibling packages, not the other way around).
type Submitter interface {
	Submit(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Config is one ingester's fully resolved configuration: the deep-merge of
// broker, input-channel, and ingester overrides (§4.3 "Resolution chain").
type Config struct {
	IngesterID         string
	Type               string
	BrokerID           string
	Topic              string
	Overrides          map[string]any
	RateLimitPerSecond float64 // 0 disables admission-control throttling
}

// Resolve builds an ingester's resolved Config by deep-merging, in order,
// the broker entry, the input-channel entry, and the ingester's own
// overrides — conflicts favour later sources.
func Resolve(ingesterID string, ingesterDef map[string]any, brokerDef, inputChannelDef map[string]any) Config {
	merged := model.DeepMerge(model.Payload(brokerDef), model.Payload(inputChannelDef))
	if overrides, ok := ingesterDef["overrides"].(map[string]any); ok {
		merged = model.DeepMerge(merged, model.Payload(overrides))
	}

	cfg := Config{
		IngesterID: ingesterID,
		Overrides:  merged,
	}
	if v, ok := ingesterDef["type"].(string); ok {
		cfg.Type = v
	}
	if v, ok := merged["broker"].(string); ok {
		cfg.BrokerID = v
	}
	if v, ok := merged["topic"].(string); ok {
		cfg.Topic = v
	} else if v, ok := merged["queue"].(string); ok {
		cfg.Topic = v
	}
	if v, ok := merged["rate_limit_per_second"].(float64); ok && v > 0 {
		cfg.RateLimitPerSecond = v
	}
	return cfg
}

// Stats is the counter set exposed by every ingester (§4.3).
type Stats struct {
	Received       uint64
	Submitted      uint64
	Failed         uint64
	Rejected       uint64
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Ingester is one running request-consumer instance bound to a broker
// topic, submitting parsed requests to a Submitter (normally the
// Dispatcher).
type Ingester struct {
	cfg       Config
	accessor  *channelaccessor.Accessor
	submitter Submitter
	logger    zerolog.Logger

	received, submitted, failed, rejected atomic.Uint64
	startedAt                             atomic.Int64
	lastActivityAt                        atomic.Int64

	mu      sync.Mutex
	running bool
	seen    map[string]struct{} // request_id dedup, bounded below
	seenOrder []string

	limiter *rate.Limiter // nil when the ingester has no rate limit configured
}

const dedupWindow = 10000

func New(cfg Config, accessor *channelaccessor.Accessor, submitter Submitter, logger zerolog.Logger) *Ingester {
	ing := &Ingester{
		cfg:       cfg,
		accessor:  accessor,
		submitter: submitter,
		logger:    logger.With().Str("ingester_id", cfg.IngesterID).Logger(),
		seen:      make(map[string]struct{}),
	}
	if cfg.RateLimitPerSecond > 0 {
		burst := int(cfg.RateLimitPerSecond)
		if burst < 1 {
			burst = 1
		}
		ing.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}
	return ing
}

func (i *Ingester) GetType() string { return i.cfg.Type }

// Initialize is a no-op hook kept for parity with the base ingester
// contract; broker wiring happens at Start since the channel accessor must
// already hold the broker's subscriber by then.
func (i *Ingester) Initialize(ctx context.Context) error { return nil }

func (i *Ingester) Start(ctx context.Context) error {
	sub, ok := i.accessor.Subscriber(i.cfg.BrokerID)
	if !ok {
		return fmt.Errorf("ingest[%s]: broker %q not registered", i.cfg.IngesterID, i.cfg.BrokerID)
	}
	if err := sub.Subscribe(i.cfg.Topic, i.onEnvelope); err != nil {
		return fmt.Errorf("ingest[%s]: subscribe %s/%s: %w", i.cfg.IngesterID, i.cfg.BrokerID, i.cfg.Topic, err)
	}

	i.mu.Lock()
	i.running = true
	i.mu.Unlock()
	i.startedAt.Store(time.Now().UnixNano())
	return nil
}

func (i *Ingester) Stop() error {
	i.mu.Lock()
	i.running = false
	i.mu.Unlock()

	sub, ok := i.accessor.Subscriber(i.cfg.BrokerID)
	if !ok {
		return nil
	}
	return sub.Unsubscribe(i.cfg.Topic)
}

func (i *Ingester) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// onEnvelope is the per-message protocol of §4.3: parse, validate, enrich,
// dedup, submit.
func (i *Ingester) onEnvelope(env transport.Envelope) {
	defer logging.Recover(i.logger, "ingest", nil)
	i.received.Add(1)
	i.lastActivityAt.Store(time.Now().UnixNano())

	if i.limiter != nil && !i.limiter.Allow() {
		i.rejected.Add(1)
		i.logger.Warn().Msg("ingest: rejected, rate limit exceeded")
		return
	}

	req, err := i.parse(env.Value)
	if err != nil {
		i.rejected.Add(1)
		i.logger.Warn().Err(err).Msg("ingest: rejected, parse failure")
		return
	}

	if req.RequestType == "" || req.APIKey == "" {
		i.rejected.Add(1)
		i.logger.Warn().Str("request_id", req.RequestID).Msg("ingest: rejected, missing request_type or api_key")
		return
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else if i.isDuplicate(req.RequestID) {
		i.rejected.Add(1)
		i.logger.Warn().Str("request_id", req.RequestID).Msg("ingest: rejected, duplicate request_id")
		return
	}
	i.remember(req.RequestID)

	req.SourceChannel = i.cfg.Type
	req.ReceivedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), req.TTL())
	defer cancel()

	if _, err := i.submitter.Submit(ctx, req); err != nil {
		i.failed.Add(1)
		i.logger.Error().Str("request_id", req.RequestID).Err(err).Msg("ingest: submit failed")
		return
	}
	i.submitted.Add(1)
}

func (i *Ingester) parse(raw []byte) (*model.Request, error) {
	var wire struct {
		RequestID           string          `json:"request_id"`
		RequestType         string          `json:"request_type"`
		APIKey              string          `json:"api_key"`
		Payload             model.Payload   `json:"payload"`
		DeliveryDestination string          `json:"delivery_destination"`
		TTLMinutes          float64         `json:"ttl_minutes"`
		ResponseChannels    []string        `json:"response_channels"`
		ResponseTopic       string          `json:"response_topic"`
		IsStreaming         bool            `json:"is_streaming"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid request envelope: %w", err)
	}

	channels := make(map[model.ResponseChannel]struct{}, len(wire.ResponseChannels))
	for _, c := range wire.ResponseChannels {
		channels[model.ResponseChannel(c)] = struct{}{}
	}

	ttl := wire.TTLMinutes
	if ttl == 0 {
		ttl = 30
	}

	return &model.Request{
		RequestID:           wire.RequestID,
		RequestType:         wire.RequestType,
		APIKey:              wire.APIKey,
		Payload:             wire.Payload,
		DeliveryDestination: wire.DeliveryDestination,
		TTLMinutes:          ttl,
		ResponseChannels:    channels,
		ResponseTopic:       wire.ResponseTopic,
		IsStreaming:         wire.IsStreaming,
	}, nil
}

// isDuplicate / remember implement request_id uniqueness-in-time over a
// bounded dedup window (§3 "Invariant: request_id is unique in time").
func (i *Ingester) isDuplicate(requestID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[requestID]
	return ok
}

func (i *Ingester) remember(requestID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[requestID] = struct{}{}
	i.seenOrder = append(i.seenOrder, requestID)
	if len(i.seenOrder) > dedupWindow {
		oldest := i.seenOrder[0]
		i.seenOrder = i.seenOrder[1:]
		delete(i.seen, oldest)
	}
}

func (i *Ingester) GetStats() Stats {
	return Stats{
		Received:       i.received.Load(),
		Submitted:      i.submitted.Load(),
		Failed:         i.failed.Load(),
		Rejected:       i.rejected.Load(),
		StartedAt:      time.Unix(0, i.startedAt.Load()),
		LastActivityAt: time.Unix(0, i.lastActivityAt.Load()),
	}
}

// Manager supervises the set of ingesters its caller adds; it does not load
// or resolve ingester config itself (bootstrap.ResolveIngesters does that).
type Manager struct {
	logger     zerolog.Logger
	mu         sync.Mutex
	ingesters  map[string]*Ingester
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger, ingesters: make(map[string]*Ingester)}
}

func (m *Manager) Add(ing *Ingester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingesters[ing.cfg.IngesterID] = ing
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ing := range m.ingesters {
		if err := ing.Start(ctx); err != nil {
			return fmt.Errorf("ingest manager: start %q: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ing := range m.ingesters {
		if err := ing.Stop(); err != nil {
			m.logger.Warn().Str("ingester_id", id).Err(err).Msg("ingest manager: stop failed")
		}
	}
}

func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.ingesters))
	for id, ing := range m.ingesters {
		out[id] = ing.GetStats()
	}
	return out
}
