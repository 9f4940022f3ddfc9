// Package gateway is the thin HTTP/WebSocket surface the dispatcher is
// exposed through (§6). It owns no business logic: every request is
// decoded into a model.Request and handed to the Dispatcher, and every
// outbound update is serialized straight off model.Response.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/cluster"
	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/worker"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Dispatcher is the subset of dispatch.Dispatcher the gateway calls.
type Dispatcher interface {
	Submit(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Config configures the gateway's listen address and admission limits.
type Config struct {
	Addr           string
	MaxConnections int
}

// Server is the facade's external collaborator: it terminates REST and
// WebSocket traffic and relays everything else to the core (§6).
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	registry   *registry.Registry
	supervisor *worker.Supervisor
	cluster    *cluster.Service
	logger     zerolog.Logger

	httpServer *http.Server
	connSem    chan struct{}

	mu       sync.RWMutex
	sessions map[string][]*wsConn       // session_id -> subscribed sockets
	terminal map[string]*model.Response // session_id -> final response, for REST polling of a streaming session

	startedAt time.Time
}

type wsConn struct {
	conn      net.Conn
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// SetDispatcher binds the Dispatcher after construction, for the one
// caller that must build the gateway (a streaming.WebSocketSink/RESTSink)
// before the dispatcher that depends on the streaming manager exists. Call
// once, before Start.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func New(cfg Config, dispatcher Dispatcher, reg *registry.Registry, supervisor *worker.Supervisor, clusterSvc *cluster.Service, logger zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   reg,
		supervisor: supervisor,
		cluster:    clusterSvc,
		logger:     logger,
		connSem:    make(chan struct{}, cfg.MaxConnections),
		sessions:   make(map[string][]*wsConn),
		terminal:   make(map[string]*model.Response),
		startedAt:  time.Now(),
	}
}

// Start builds the mux and begins serving; it blocks until Shutdown closes
// the listener (mirrors the teacher's http.Server lifecycle).
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/request", s.handleRequest)
	mux.HandleFunc("/api/v1/handlers", s.handleHandlers)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/reload", s.handleReload)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/cluster/heartbeat", s.handleClusterHeartbeat)
	mux.HandleFunc("/api/v1/cluster/nodes", s.handleClusterNodes)
	mux.HandleFunc("/api/v1/cluster/status", s.handleClusterStatus)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("gateway: listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight connections and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// PushToSession satisfies streaming.WebSocketSink: fan a Response out to
// every socket subscribed to session_id.
func (s *Server) PushToSession(sessionID string, resp *model.Response) {
	s.mu.RLock()
	conns := append([]*wsConn(nil), s.sessions[sessionID]...)
	s.mu.RUnlock()

	wire := wireFromResponse(resp)
	for _, c := range conns {
		s.writeJSON(c, wire)
	}
}

// BufferTerminal satisfies streaming.RESTSink: remember a streaming
// session's final Response for REST callers polling /api/v1/status.
func (s *Server) BufferTerminal(sessionID string, resp *model.Response) {
	s.mu.Lock()
	s.terminal[sessionID] = resp
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Server) subscribeSession(sessionID string, c *wsConn) {
	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], c)
	s.mu.Unlock()
}

func (s *Server) unsubscribeConn(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, conns := range s.sessions {
		filtered := conns[:0]
		for _, existing := range conns {
			if existing != c {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == 0 {
			delete(s.sessions, sessionID)
		} else {
			s.sessions[sessionID] = filtered
		}
	}
}
