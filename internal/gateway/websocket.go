package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/model"
)

// wsClientMessage is the envelope a socket sends us: subscribe to a
// streaming session, or submit a request directly over the socket.
type wsClientMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Request   wireRequestBody `json:"request,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.connSem <- struct{}{}:
	default:
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		s.logger.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	c := &wsConn{conn: conn}
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *wsConn) {
	defer func() {
		s.unsubscribeConn(c)
		c.closeOnce.Do(func() { c.conn.Close() })
		<-s.connSem
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleClientMessage(c, data)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) handleClientMessage(c *wsConn, raw []byte) {
	var msg wsClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.writeError(c, "invalid message: "+err.Error())
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.SessionID == "" {
			s.writeError(c, "subscribe requires session_id")
			return
		}
		s.subscribeSession(msg.SessionID, c)

	case "request":
		req := msg.Request.toModel()
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		req.SourceChannel = "WebSocket"
		if len(req.ResponseChannels) == 0 {
			req.ResponseChannels = map[model.ResponseChannel]struct{}{model.ChannelWebSocket: {}}
		}

		resp, err := s.dispatcher.Submit(context.Background(), req)
		if err != nil {
			s.writeError(c, err.Error())
			return
		}
		if resp.Data != nil && resp.Data["session_id"] != nil {
			if sessionID, ok := resp.Data["session_id"].(string); ok {
				s.subscribeSession(sessionID, c)
			}
		}
		s.writeJSON(c, wireFromResponse(resp))

	default:
		s.writeError(c, "unknown message type")
	}
}

func (s *Server) writeJSON(c *wsConn, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(c.conn, ws.OpText, body)
}

func (s *Server) writeError(c *wsConn, msg string) {
	s.writeJSON(c, map[string]string{"type": "error", "message": msg})
}
