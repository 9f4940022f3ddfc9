// Package cluster implements the Cluster Service (C11): node registry,
// heartbeat gossip over NATS, UP/SUSPECT/DOWN/LEAVING liveness tracking,
// and lowest-load forwarding for the dispatcher's cluster-bypass path.
package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/model"
)

const heartbeatSubject = "gateway.cluster.heartbeat"

// LocalHandlers reports whether a request_type is served by a handler
// registered on this node (the registry's Lookup, narrowed to a bool).
type LocalHandlers interface {
	HasLocal(requestType string) bool
}

// LoadSource supplies the local node's point-in-time load for heartbeats.
type LoadSource interface {
	ActiveHandlers() int64
	CPULoad() float64
	HeapUsedMB() float64
	HeapMaxMB() float64
}

// Config configures one node's participation in the cluster (§4.10).
type Config struct {
	Enabled           bool
	NodeID            string
	Host              string
	Port              int
	Role              model.NodeRole
	Version           string
	NATSUrl           string
	HeartbeatInterval time.Duration
	SuspectAfter      time.Duration
	DownAfter         time.Duration
}

// Service tracks cluster membership and picks a forwarding peer for
// requests the local node can't serve, per §4.10's forwarding policy. The
// pick is by role and load only: heartbeats carry no handler list, so the
// chosen peer is not checked for a handler for the request_type.
type Service struct {
	cfg     Config
	conn    *nats.Conn
	sub     *nats.Subscription
	local   LocalHandlers
	load    LoadSource
	logger  zerolog.Logger
	startAt time.Time

	mu    sync.RWMutex
	peers map[string]*model.ClusterNode

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, local LocalHandlers, load LoadSource, logger zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		local:   local,
		load:    load,
		logger:  logger,
		startAt: time.Now(),
		peers:   make(map[string]*model.ClusterNode),
		stopCh:  make(chan struct{}),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start connects to NATS, subscribes to the heartbeat subject, and kicks
// off the periodic publish + liveness sweep loops.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	conn, err := nats.Connect(s.cfg.NATSUrl, nats.Name(fmt.Sprintf("gateway-%s", s.cfg.NodeID)), nats.ReconnectWait(2*time.Second), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("cluster: nats connect: %w", err)
	}
	s.conn = conn

	sub, err := conn.Subscribe(heartbeatSubject, s.onHeartbeat)
	if err != nil {
		conn.Close()
		return fmt.Errorf("cluster: nats subscribe: %w", err)
	}
	s.sub = sub

	go s.publishLoop()
	go s.sweepLoop()

	s.logger.Info().Str("node_id", s.cfg.NodeID).Str("nats_url", s.cfg.NATSUrl).Msg("cluster: service started")
	return nil
}

// Stop announces LEAVING, unsubscribes, and closes the NATS connection.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			s.publish(model.NodeLeaving)
			s.sub.Unsubscribe()
			s.conn.Close()
		}
	})
}

func (s *Service) publishLoop() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.publish(model.NodeUp)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.publish(model.NodeUp)
		}
	}
}

func (s *Service) publish(status model.NodeStatus) {
	node := model.ClusterNode{
		NodeID:                 s.cfg.NodeID,
		Host:                   s.cfg.Host,
		Port:                   s.cfg.Port,
		Role:                   s.cfg.Role,
		Status:                 status,
		Version:                s.cfg.Version,
		StartedAt:              s.startAt,
		LastHeartbeat:          time.Now(),
		ActiveHandlers:         s.load.ActiveHandlers(),
		TotalRequestsProcessed: 0,
		CPULoad:                s.load.CPULoad(),
		HeapUsedMB:             s.load.HeapUsedMB(),
		HeapMaxMB:              s.load.HeapMaxMB(),
	}
	body, err := json.Marshal(node)
	if err != nil {
		s.logger.Error().Err(err).Msg("cluster: heartbeat marshal failed")
		return
	}
	if err := s.conn.Publish(heartbeatSubject, body); err != nil {
		s.logger.Warn().Err(err).Msg("cluster: heartbeat publish failed")
	}
}

func (s *Service) onHeartbeat(msg *nats.Msg) {
	var node model.ClusterNode
	if err := json.Unmarshal(msg.Data, &node); err != nil {
		s.logger.Warn().Err(err).Msg("cluster: malformed heartbeat dropped")
		return
	}
	s.IngestHeartbeat(node)
}

// IngestHeartbeat records a peer's self-reported state, regardless of
// whether it arrived over the NATS gossip subject or the REST fallback
// endpoint (§6 POST /api/v1/cluster/heartbeat).
func (s *Service) IngestHeartbeat(node model.ClusterNode) {
	if node.NodeID == s.cfg.NodeID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if node.Status == model.NodeLeaving {
		delete(s.peers, node.NodeID)
		return
	}
	node.Status = model.NodeUp
	s.peers[node.NodeID] = &node
}

// sweepLoop demotes peers whose heartbeats have gone stale: UP -> SUSPECT
// after SuspectAfter, SUSPECT -> DOWN after DownAfter (§4.10).
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	suspectAfter := s.cfg.SuspectAfter
	if suspectAfter <= 0 {
		suspectAfter = 15 * time.Second
	}
	downAfter := s.cfg.DownAfter
	if downAfter <= 0 {
		downAfter = 45 * time.Second
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now(), suspectAfter, downAfter)
		}
	}
}

// sweep applies one liveness pass at time now and refreshes the per-status
// peer gauges.
func (s *Service) sweep(now time.Time, suspectAfter, downAfter time.Duration) {
	s.mu.Lock()
	counts := map[model.NodeStatus]float64{}
	for id, node := range s.peers {
		age := now.Sub(node.LastHeartbeat)
		switch {
		case age > downAfter:
			if node.Status != model.NodeDown {
				node.Status = model.NodeDown
				s.logger.Warn().Str("peer", id).Dur("age", age).Msg("cluster: peer marked DOWN")
			}
		case age > suspectAfter:
			if node.Status == model.NodeUp {
				node.Status = model.NodeSuspect
				s.logger.Warn().Str("peer", id).Dur("age", age).Msg("cluster: peer marked SUSPECT")
			}
		}
		counts[node.Status]++
	}
	s.mu.Unlock()

	for _, status := range []model.NodeStatus{model.NodeUp, model.NodeSuspect, model.NodeDown} {
		metrics.ClusterPeersByStatus.WithLabelValues(string(status)).Set(counts[status])
	}
}

// HasLocalHandler reports whether the local node serves request_type,
// satisfying dispatch.ClusterForwarder.
func (s *Service) HasLocalHandler(requestType string) bool {
	return s.local.HasLocal(requestType)
}

// PickPeerFor selects the lowest-load UP peer with a role willing to
// execute (EXECUTOR or BOTH) to forward to; a GATEWAY-only peer only
// accepts and routes requests, it never runs handlers itself, so it is
// never a forwarding candidate (§4.7 step 5, §1 "role-aware forwarding").
// Load (active handlers, then CPU) breaks ties among the rest (§4.10).
func (s *Service) PickPeerFor(requestType string) (string, bool) {
	s.mu.RLock()
	candidates := make([]*model.ClusterNode, 0, len(s.peers))
	for _, n := range s.peers {
		if n.Status != model.NodeUp {
			continue
		}
		if n.Role != model.RoleExecutor && n.Role != model.RoleBoth {
			continue
		}
		candidates = append(candidates, n)
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveHandlers != candidates[j].ActiveHandlers {
			return candidates[i].ActiveHandlers < candidates[j].ActiveHandlers
		}
		return candidates[i].CPULoad < candidates[j].CPULoad
	})

	best := candidates[0]
	return fmt.Sprintf("http://%s:%d", best.Host, best.Port), true
}

// Nodes returns a snapshot of every known peer, for the §6 cluster
// status/nodes endpoints.
func (s *Service) Nodes() []model.ClusterNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ClusterNode, 0, len(s.peers))
	for _, n := range s.peers {
		out = append(out, *n)
	}
	return out
}
