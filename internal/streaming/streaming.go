// Package streaming implements the Streaming Session Manager (C8) and the
// Multi-Channel Response Publisher (C9).
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
	"github.com/dgfacade/gateway/internal/worker"
)

// WebSocketSink pushes a serialized Response to every open socket
// subscribed to a session id; implemented by the gateway's WebSocket
// surface (kept out of this package to avoid importing net/http concerns
// into the streaming core).
type WebSocketSink interface {
	PushToSession(sessionID string, resp *model.Response)
}

// RESTSink buffers the terminal response only, for callers polling a
// one-shot-shaped endpoint for a streaming session's final result.
type RESTSink interface {
	BufferTerminal(sessionID string, resp *model.Response)
}

// Config bounds session admission (§4.8 "Session admission") and tells the
// publisher which broker_id backs each broker-shaped ResponseChannel.
type Config struct {
	Enabled               bool
	MaxConcurrentSessions int
	SystemMaxTTL          time.Duration
	SystemDefaultChannels map[model.ResponseChannel]struct{}
	ChannelBrokerIDs      map[model.ResponseChannel]string
}

type session struct {
	model.StreamingSession
	seq atomic.Int64
	mu  sync.Mutex // serializes per-session publishes for ordering
}

// Manager tracks live streaming sessions and fans their updates across
// channels via the channel accessor's owned publishers.
type Manager struct {
	cfg      Config
	accessor *channelaccessor.Accessor
	ws       WebSocketSink
	rest     RESTSink
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, accessor *channelaccessor.Accessor, ws WebSocketSink, rest RESTSink, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		accessor: accessor,
		ws:       ws,
		rest:     rest,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Admit creates a session for req if under the concurrency cap and
// streaming is enabled, computing the effective TTL and channel set
// (§4.8 "Session admission").
func (m *Manager) Admit(req *model.Request, handlerCfg model.HandlerConfig) (*model.StreamingSession, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("streaming: disabled")
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("streaming: max concurrent sessions reached")
	}
	m.mu.Unlock()

	ttl := minDuration(req.TTL(), handlerCfg.TTL(), m.cfg.SystemMaxTTL)

	channels := req.ResponseChannels
	if len(channels) == 0 {
		channels = handlerCfg.DefaultChannels
	}
	if len(channels) == 0 {
		channels = m.cfg.SystemDefaultChannels
	}

	s := &session{
		StreamingSession: model.StreamingSession{
			SessionID:     uuid.NewString(),
			RequestID:     req.RequestID,
			HandlerType:   req.RequestType,
			Channels:      channels,
			ResponseTopic: req.ResponseTopic,
			TTLMinutes:    ttl.Minutes(),
			CreatedAt:     time.Now(),
			APIKey:        req.APIKey,
		},
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()
	metrics.StreamingSessionsActive.Inc()

	return &s.StreamingSession, nil
}

func minDuration(ds ...time.Duration) time.Duration {
	min := time.Duration(0)
	for _, d := range ds {
		if d <= 0 {
			continue
		}
		if min == 0 || d < min {
			min = d
		}
	}
	return min
}

// SinkFor returns an UpdateSink bound to a session, sequence-numbering
// every call (monotonic, starting at 1) and publishing a STREAMING_UPDATE
// Response through every channel in the session's set.
func (m *Manager) SinkFor(sessionID string) worker.UpdateSink {
	return func(data model.Payload) {
		m.mu.Lock()
		s, ok := m.sessions[sessionID]
		m.mu.Unlock()
		if !ok {
			m.logger.Warn().Str("session_id", sessionID).Msg("streaming: update for unknown session dropped")
			return
		}

		seq := s.seq.Add(1)
		resp := &model.Response{
			RequestID:         s.RequestID,
			Status:            model.StatusStreamingUpdate,
			Data:              data,
			Timestamp:         time.Now(),
			IsStreamingUpdate: true,
			SequenceNumber:    seq,
		}
		m.publish(s, resp)
	}
}

// Publish delivers a final (non-update) Response for a session, e.g. the
// STREAMING_COMPLETE or an ERROR terminal message.
func (m *Manager) Publish(sessionID string, resp *model.Response) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.publish(s, resp)
}

// publish fans resp to every channel in the session's set, serialized per
// session so sequence numbers arrive in order (§4.8 "Publications to
// different channels are independent... publisher serializes per-session").
func (m *Manager) publish(s *session, resp *model.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.Channels {
		switch ch {
		case model.ChannelKafka, model.ChannelActiveMQ:
			m.publishToBroker(s, ch, resp)
		case model.ChannelWebSocket:
			if m.ws != nil {
				m.ws.PushToSession(s.SessionID, resp)
			}
		case model.ChannelREST:
			if resp.Status != model.StatusStreamingUpdate && m.rest != nil {
				m.rest.BufferTerminal(s.SessionID, resp)
			}
		}
	}
}

func (m *Manager) publishToBroker(s *session, channel model.ResponseChannel, resp *model.Response) {
	brokerID, ok := m.cfg.ChannelBrokerIDs[channel]
	if !ok {
		m.logger.Warn().Str("channel", string(channel)).Msg("streaming: no broker configured for channel")
		return
	}
	pub, ok := m.accessor.Publisher(brokerID)
	if !ok {
		m.logger.Warn().Str("broker_id", brokerID).Msg("streaming: publisher not registered")
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		m.logger.Error().Err(err).Msg("streaming: response serialize failed")
		return
	}
	result := <-pub.Publish(context.Background(), s.ResponseTopic, transport.Envelope{
		Topic: s.ResponseTopic,
		Value: body,
	})
	if result.Err != nil {
		m.logger.Warn().Str("session_id", s.SessionID).Err(result.Err).Msg("streaming: publish failed")
	}
}

// Release ends a session: decrements the active gauge and forgets it. Any
// late updates after Release are dropped with a warning (see SinkFor).
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		metrics.StreamingSessionsActive.Dec()
	}
}

// ActiveCount reports the number of live streaming sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
