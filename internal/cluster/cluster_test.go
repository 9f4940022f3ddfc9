package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/model"
)

type fakeLocalHandlers struct{ has map[string]bool }

func (f fakeLocalHandlers) HasLocal(requestType string) bool { return f.has[requestType] }

type fakeLoadSource struct{}

func (fakeLoadSource) ActiveHandlers() int64 { return 0 }
func (fakeLoadSource) CPULoad() float64      { return 0 }
func (fakeLoadSource) HeapUsedMB() float64   { return 0 }
func (fakeLoadSource) HeapMaxMB() float64    { return 0 }

func newTestService() *Service {
	return New(Config{Enabled: true, NodeID: "node-1"}, fakeLocalHandlers{has: map[string]bool{"ECHO": true}}, fakeLoadSource{}, zerolog.Nop())
}

func TestHasLocalHandlerDelegates(t *testing.T) {
	s := newTestService()
	assert.True(t, s.HasLocalHandler("ECHO"))
	assert.False(t, s.HasLocalHandler("UNKNOWN"))
}

func TestPickPeerForReturnsFalseWithNoPeers(t *testing.T) {
	s := newTestService()
	_, ok := s.PickPeerFor("ECHO")
	assert.False(t, ok)
}

func TestPickPeerForPrefersLowestLoad(t *testing.T) {
	s := newTestService()
	s.peers["node-2"] = &model.ClusterNode{NodeID: "node-2", Host: "10.0.0.2", Port: 8080, Status: model.NodeUp, Role: model.RoleBoth, ActiveHandlers: 5, CPULoad: 0.9}
	s.peers["node-3"] = &model.ClusterNode{NodeID: "node-3", Host: "10.0.0.3", Port: 8080, Status: model.NodeUp, Role: model.RoleExecutor, ActiveHandlers: 1, CPULoad: 0.2}
	s.peers["node-4"] = &model.ClusterNode{NodeID: "node-4", Host: "10.0.0.4", Port: 8080, Status: model.NodeDown, Role: model.RoleBoth, ActiveHandlers: 0, CPULoad: 0.0}

	baseURL, ok := s.PickPeerFor("ECHO")
	assert.True(t, ok)
	assert.Equal(t, "http://10.0.0.3:8080", baseURL)
}

// TestPickPeerForExcludesGatewayOnlyRole covers §4.7 step 5: a GATEWAY-only
// peer must never be selected as a forwarding target even if it is UP and
// under the least load.
func TestPickPeerForExcludesGatewayOnlyRole(t *testing.T) {
	s := newTestService()
	s.peers["node-2"] = &model.ClusterNode{NodeID: "node-2", Host: "10.0.0.2", Port: 8080, Status: model.NodeUp, Role: model.RoleGateway, ActiveHandlers: 0, CPULoad: 0.0}
	s.peers["node-3"] = &model.ClusterNode{NodeID: "node-3", Host: "10.0.0.3", Port: 8080, Status: model.NodeUp, Role: model.RoleExecutor, ActiveHandlers: 5, CPULoad: 0.9}

	baseURL, ok := s.PickPeerFor("ECHO")
	assert.True(t, ok)
	assert.Equal(t, "http://10.0.0.3:8080", baseURL)
}

func TestOnHeartbeatIgnoresSelf(t *testing.T) {
	s := newTestService()
	self := model.ClusterNode{NodeID: "node-1", Status: model.NodeUp}
	body, err := json.Marshal(self)
	require.NoError(t, err)
	s.onHeartbeat(&nats.Msg{Subject: heartbeatSubject, Data: body})
	assert.Empty(t, s.peers)
}

func TestOnHeartbeatStoresPeerAsUp(t *testing.T) {
	s := newTestService()
	peer := model.ClusterNode{NodeID: "node-2", Host: "10.0.0.2", Port: 8080, Status: model.NodeDown}
	body, err := json.Marshal(peer)
	require.NoError(t, err)
	s.onHeartbeat(&nats.Msg{Subject: heartbeatSubject, Data: body})
	require.Contains(t, s.peers, "node-2")
	assert.Equal(t, model.NodeUp, s.peers["node-2"].Status)
}

func TestOnHeartbeatLeavingRemovesPeer(t *testing.T) {
	s := newTestService()
	s.peers["node-2"] = &model.ClusterNode{NodeID: "node-2", Status: model.NodeUp}
	leaving := model.ClusterNode{NodeID: "node-2", Status: model.NodeLeaving}
	body, err := json.Marshal(leaving)
	require.NoError(t, err)
	s.onHeartbeat(&nats.Msg{Subject: heartbeatSubject, Data: body})
	assert.NotContains(t, s.peers, "node-2")
}

func TestSweepMarksStalePeerDown(t *testing.T) {
	s := newTestService()
	s.cfg.SuspectAfter = time.Millisecond
	s.cfg.DownAfter = 2 * time.Millisecond
	s.peers["node-2"] = &model.ClusterNode{NodeID: "node-2", Status: model.NodeUp, LastHeartbeat: time.Now().Add(-10 * time.Millisecond)}

	s.sweep(time.Now(), s.cfg.SuspectAfter, s.cfg.DownAfter)

	assert.Equal(t, model.NodeDown, s.peers["node-2"].Status)
}
