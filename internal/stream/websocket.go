package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/webpilot/internal/identity"
	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
)

// Inbound receives protocol messages read from attached connections.
type Inbound interface {
	// Open ensures the session exists before a connection attaches.
	Open(sessionID string) error
	Handle(ctx context.Context, msg protocol.Message) error
}

type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) Send(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(ctx, s.conn, env.Msg)
}

func (s *wsSink) Close(reason string) {
	_ = s.conn.Close(websocket.StatusNormalClosure, reason)
}

// WebSocketHandler serves GET /ws/sessions/{id}?role=executor|observer.
type WebSocketHandler struct {
	hub     *Hub
	inbound Inbound
	origins []string
	logger  *slog.Logger
}

// NewWebSocketHandler creates a websocket handler. An empty origins list
// accepts any origin.
func NewWebSocketHandler(hub *Hub, inbound Inbound, origins []string, logger *slog.Logger) *WebSocketHandler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, inbound: inbound, origins: origins, logger: logger}
}

// ServeHTTP upgrades the request and pumps frames until either side closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromRequest(r)
	if err := identity.CheckSessionID(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	role := ParseRole(r.URL.Query().Get("role"))
	if err := h.inbound.Open(sessionID); err != nil {
		h.logger.Error("Failed to open session for connection", "error", err, "session_id", sessionID)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("WebSocket accept failed", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(4 << 20)

	sub := h.hub.Attach(sessionID, role, &wsSink{conn: ws})
	defer h.hub.Detach(sub)

	// Closing the subscriber closes ws, which ends the read loop below.
	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "session_id", sessionID, "role", role)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed frame", "error", err, "session_id", sessionID)
			continue
		}
		h.dispatch(ctx, sub, sessionID, msg)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, sub *Subscriber, sessionID string, msg protocol.Message) {
	metrics.RecordMessage("in", string(msg.Type))
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.SessionID != sessionID {
		h.logger.Warn("Ignoring frame for another session",
			"session_id", sessionID, "frame_session_id", msg.SessionID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		sub.Enqueue(Envelope{Msg: protocol.NewPong(sessionID)})
		return
	case protocol.TypePong:
		return
	}

	if err := h.inbound.Handle(ctx, msg); err != nil {
		if errors.Is(err, shared.ErrProtocol) || errors.Is(err, shared.ErrSessionNotFound) {
			h.logger.Warn("Ignoring protocol message", "error", err, "session_id", sessionID, "type", msg.Type)
			return
		}
		h.logger.Error("Failed to handle message", "error", err, "session_id", sessionID, "type", msg.Type)
	}
}
