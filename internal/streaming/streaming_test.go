package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/model"
)

type fakeWS struct {
	mu    sync.Mutex
	pushed []*model.Response
}

func (f *fakeWS) PushToSession(sessionID string, resp *model.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, resp)
}

type fakeREST struct {
	mu        sync.Mutex
	terminals map[string]*model.Response
}

func (f *fakeREST) BufferTerminal(sessionID string, resp *model.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminals == nil {
		f.terminals = make(map[string]*model.Response)
	}
	f.terminals[sessionID] = resp
}

func newTestManager(cfg Config) (*Manager, *fakeWS, *fakeREST) {
	ws := &fakeWS{}
	rest := &fakeREST{}
	accessor := channelaccessor.New(zerolog.Nop())
	return New(cfg, accessor, ws, rest, zerolog.Nop()), ws, rest
}

func defaultConfig() Config {
	return Config{
		Enabled:               true,
		MaxConcurrentSessions: 2,
		SystemMaxTTL:          time.Hour,
		SystemDefaultChannels: map[model.ResponseChannel]struct{}{model.ChannelWebSocket: {}},
	}
}

// TestAdmitRejectsWhenDisabled covers the streaming-off configuration.
func TestAdmitRejectsWhenDisabled(t *testing.T) {
	m, _, _ := newTestManager(Config{Enabled: false})
	_, err := m.Admit(&model.Request{RequestID: "r1", TTLMinutes: 1}, model.HandlerConfig{})
	assert.Error(t, err)
}

// TestAdmitRejectsOverCapacity covers §4.8's concurrency cap.
func TestAdmitRejectsOverCapacity(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrentSessions = 1
	m, _, _ := newTestManager(cfg)

	_, err := m.Admit(&model.Request{RequestID: "r1", TTLMinutes: 1}, model.HandlerConfig{})
	require.NoError(t, err)

	_, err = m.Admit(&model.Request{RequestID: "r2", TTLMinutes: 1}, model.HandlerConfig{})
	assert.Error(t, err)
}

// TestAdmitFallsBackToSystemDefaultChannels covers the channel-selection
// waterfall: request channels, then handler defaults, then system default.
func TestAdmitFallsBackToSystemDefaultChannels(t *testing.T) {
	m, _, _ := newTestManager(defaultConfig())

	s, err := m.Admit(&model.Request{RequestID: "r1", TTLMinutes: 1}, model.HandlerConfig{})
	require.NoError(t, err)

	assert.Contains(t, s.Channels, model.ChannelWebSocket)
}

// TestSinkForDeliversSequencedUpdatesToWebSocket covers the sequence-number
// monotonicity and WebSocket fan-out path.
func TestSinkForDeliversSequencedUpdatesToWebSocket(t *testing.T) {
	m, ws, _ := newTestManager(defaultConfig())
	s, err := m.Admit(&model.Request{RequestID: "r1", TTLMinutes: 1}, model.HandlerConfig{})
	require.NoError(t, err)

	sink := m.SinkFor(s.SessionID)
	sink(model.Payload{"n": 1})
	sink(model.Payload{"n": 2})

	require.Len(t, ws.pushed, 2)
	assert.Equal(t, int64(1), ws.pushed[0].SequenceNumber)
	assert.Equal(t, int64(2), ws.pushed[1].SequenceNumber)
	assert.True(t, ws.pushed[0].IsStreamingUpdate)
}

// TestPublishTerminalBuffersForRESTAndReleaseForgetsSession covers the
// REST sink path and the post-Release drop of late updates.
func TestPublishTerminalBuffersForRESTAndReleaseForgetsSession(t *testing.T) {
	cfg := defaultConfig()
	cfg.SystemDefaultChannels = map[model.ResponseChannel]struct{}{model.ChannelREST: {}}
	m, _, rest := newTestManager(cfg)

	s, err := m.Admit(&model.Request{RequestID: "r1", TTLMinutes: 1}, model.HandlerConfig{})
	require.NoError(t, err)

	m.Publish(s.SessionID, &model.Response{RequestID: "r1", Status: model.StatusStreamingComplete})
	require.Contains(t, rest.terminals, s.SessionID)

	assert.Equal(t, 1, m.ActiveCount())
	m.Release(s.SessionID)
	assert.Equal(t, 0, m.ActiveCount())

	// A late update after Release must not resurrect the session.
	sink := m.SinkFor(s.SessionID)
	sink(model.Payload{"n": 1})
}
