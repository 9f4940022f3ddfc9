package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/composite"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

func newRelayTestEnv(t *testing.T) (*channelaccessor.Accessor, *composite.Subscriber) {
	t.Helper()
	logger := zerolog.Nop()
	accessor := channelaccessor.New(logger)
	ctx := context.Background()
	require.NoError(t, accessor.Register(ctx, model.BrokerConfig{
		BrokerID:      "fs-1",
		BrokerType:    model.BrokerFilesystem,
		ConnectionURI: t.TempDir(),
		Enabled:       true,
	}))
	return accessor, composite.New(accessor, logger)
}

// TestRelayPublishesAndAwaitsCorrelatedReply exercises the §2 "used both by
// user handlers" publish-deliver-consume pattern: Execute publishes, a
// simulated responder answers on the reply topic, and only the envelope
// whose embedded request_id matches unblocks the waiting handler.
func TestRelayPublishesAndAwaitsCorrelatedReply(t *testing.T) {
	accessor, comp := newRelayTestEnv(t)
	factory := NewRelayFactory(comp, accessor)
	h := factory()
	require.NoError(t, h.Construct(map[string]any{
		"publish_broker": "fs-1",
		"publish_topic":  "requests",
		"reply_topic":    "replies",
		"timeout_ms":     2000.0,
	}))

	sub, ok := accessor.Subscriber("fs-1")
	require.True(t, ok)
	pub, ok := accessor.Publisher("fs-1")
	require.True(t, ok)

	require.NoError(t, sub.Subscribe("requests", func(env transport.Envelope) {
		var wire map[string]any
		_ = json.Unmarshal(env.Value, &wire)
		reply := map[string]any{"request_id": wire["request_id"], "echoed": wire["message"]}
		body, _ := json.Marshal(reply)
		<-pub.Publish(context.Background(), "replies", transport.Envelope{Topic: "replies", Value: body})
	}))

	req := &model.Request{RequestID: "req-1", Payload: model.Payload{"message": "hello"}}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["echoed"])
	assert.NotContains(t, out, "request_id")
}

// TestRelayTimesOutWithoutReply covers the no-responder path.
func TestRelayTimesOutWithoutReply(t *testing.T) {
	accessor, comp := newRelayTestEnv(t)
	factory := NewRelayFactory(comp, accessor)
	h := factory()
	require.NoError(t, h.Construct(map[string]any{
		"publish_broker": "fs-1",
		"publish_topic":  "requests",
		"reply_topic":    "replies-unanswered",
		"timeout_ms":     50.0,
	}))

	req := &model.Request{RequestID: "req-2", Payload: model.Payload{}}
	start := time.Now()
	_, err := h.Execute(context.Background(), req)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRelayConstructRequiresTopics(t *testing.T) {
	factory := NewRelayFactory(nil, nil)
	h := factory()
	assert.Error(t, h.Construct(map[string]any{"publish_broker": "fs-1"}))
}
