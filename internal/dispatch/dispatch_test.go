package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
)

type fakeACL struct {
	allow  bool
	userID string
}

func (a *fakeACL) Authorize(apiKey, requestType string) bool { return a.allow }
func (a *fakeACL) ResolveUserID(apiKey string) (string, bool) {
	if a.userID == "" {
		return "", false
	}
	return a.userID, true
}

type fakeFactories struct {
	factories map[string]worker.Factory
}

func (f *fakeFactories) Resolve(handlerIdentifier string) (worker.Factory, bool) {
	fn, ok := f.factories[handlerIdentifier]
	return fn, ok
}

type fakeCluster struct {
	enabled   bool
	hasLocal  bool
	peerURL   string
	peerFound bool
}

func (c *fakeCluster) Enabled() bool                      { return c.enabled }
func (c *fakeCluster) HasLocalHandler(requestType string) bool { return c.hasLocal }
func (c *fakeCluster) PickPeerFor(requestType string) (string, bool) {
	return c.peerURL, c.peerFound
}

type echoHandler struct{}

func (echoHandler) Construct(map[string]any) error { return nil }
func (echoHandler) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	return model.Payload{"echo": req.Payload["message"]}, nil
}
func (echoHandler) Stop()    {}
func (echoHandler) Cleanup() {}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	handlersDir := filepath.Join(root, "handlers")
	require.NoError(t, os.MkdirAll(handlersDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(handlersDir, "echo.json"), []byte(`{"ECHO": {
		"request_type": "ECHO",
		"handler_identifier": "echo",
		"ttl_minutes": 1,
		"enabled": true
	}}`), 0o644))

	store, err := config.NewFileStore(root)
	require.NoError(t, err)
	reg := registry.New(store, "handlers", zerolog.Nop())
	require.NoError(t, reg.Reload())
	return reg
}

func newTestDispatcher(t *testing.T, acl *fakeACL, cluster *fakeCluster) *Dispatcher {
	t.Helper()
	reg := newTestRegistry(t)
	factories := &fakeFactories{factories: map[string]worker.Factory{
		"echo": func() worker.Handler { return echoHandler{} },
	}}
	sup := worker.NewSupervisor(16, time.Hour, zerolog.Nop())
	sessions := streaming.New(streaming.Config{Enabled: false}, nil, nil, nil, zerolog.Nop())
	return New(reg, factories, acl, sup, sessions, cluster, zerolog.Nop())
}

func TestSubmitUnauthorizedShortCircuits(t *testing.T) {
	d := newTestDispatcher(t, &fakeACL{allow: false}, &fakeCluster{})
	resp, err := d.Submit(context.Background(), &model.Request{RequestID: "r1", RequestType: "ECHO", TTLMinutes: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnauthorized, resp.Status)
}

// TestSubmitHappyPathResolvesUserIDAndExecutes covers the Open Question
// decision: ResolvedUserID is populated before the handler runs.
func TestSubmitHappyPathResolvesUserIDAndExecutes(t *testing.T) {
	d := newTestDispatcher(t, &fakeACL{allow: true, userID: "user-42"}, &fakeCluster{})
	req := &model.Request{RequestID: "r2", RequestType: "ECHO", TTLMinutes: 1, Payload: model.Payload{"message": "hi"}}

	resp, err := d.Submit(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, resp.Status)
	assert.Equal(t, "hi", resp.Data["echo"])
	assert.Equal(t, "user-42", req.ResolvedUserID)
}

// TestSubmitUnknownHandlerWithoutClusterReturnsNotFound covers the
// no-cluster-fallback path.
func TestSubmitUnknownHandlerWithoutClusterReturnsNotFound(t *testing.T) {
	d := newTestDispatcher(t, &fakeACL{allow: true}, &fakeCluster{enabled: false})
	resp, err := d.Submit(context.Background(), &model.Request{RequestID: "r3", RequestType: "UNKNOWN", TTLMinutes: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusHandlerNotFound, resp.Status)
}

// TestSubmitUnknownHandlerWithClusterButNoPeerReturnsError covers a
// cluster-enabled node with no peer available for forwarding.
func TestSubmitUnknownHandlerWithClusterButNoPeerReturnsError(t *testing.T) {
	d := newTestDispatcher(t, &fakeACL{allow: true}, &fakeCluster{enabled: true, hasLocal: false, peerFound: false})
	resp, err := d.Submit(context.Background(), &model.Request{RequestID: "r4", RequestType: "UNKNOWN", TTLMinutes: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, resp.Status)
}
