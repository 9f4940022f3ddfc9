package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/model"
)

// handleRequest is the §6 synchronous submission endpoint: POST
// /api/v1/request. The envelope carries its own status even on handler
// errors; only a malformed body gets a non-200 transport-level response.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wire wireRequestBody
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := wire.toModel()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.SourceChannel = "REST"
	req.ReceivedAt = time.Now()

	resp, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSONResponse(w, http.StatusOK, wireFromResponse(resp))
}

// handleHandlers lists registered request_types (§6 GET /api/v1/handlers).
func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"handlers": s.registry.List()})
}

// handleStatus returns the supervisor's bounded worker history (§6 GET
// /api/v1/status), or a single streaming session's buffered terminal
// response when ?session_id= is given.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		s.mu.RLock()
		resp, ok := s.terminal[sessionID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "session not found or still in progress", http.StatusNotFound)
			return
		}
		writeJSONResponse(w, http.StatusOK, wireFromResponse(resp))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"history":      s.supervisor.History(),
		"live_workers": s.supervisor.LiveCount(),
	})
}

// handleReload triggers a handler registry reload from disk (§6 POST
// /api/v1/reload).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.registry.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"reloaded": true})
}

// handleHealth reports liveness plus a point-in-time summary of load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"uptime_sec":   time.Since(s.startedAt).Seconds(),
		"live_workers": s.supervisor.LiveCount(),
	})
}

// handleClusterHeartbeat accepts a peer heartbeat pushed over REST, for
// deployments that can't reach the NATS heartbeat subject directly.
func (s *Server) handleClusterHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var node model.ClusterNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		http.Error(w, "invalid heartbeat body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.cluster.IngestHeartbeat(node)
	writeJSONResponse(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"nodes": s.cluster.Nodes()})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"enabled": s.cluster.Enabled(),
		"nodes":   s.cluster.Nodes(),
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
