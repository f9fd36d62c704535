package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/webpilot/internal/identity"
)

const (
	defaultSSERetry     = 5 * time.Second
	defaultSSEKeepalive = 15 * time.Second
)

type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Send(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env.Msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSEWithID(s.w, env.ID, string(env.Msg.Type), string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSE(s.w, "ping", `{"status":"alive"}`); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close(string) {}

// SSEHandler serves GET /api/sessions/{id}/stream, a read-only observer
// stream with Last-Event-ID replay.
type SSEHandler struct {
	hub       *Hub
	inbound   Inbound
	retry     time.Duration
	keepalive time.Duration
}

// NewSSEHandler creates an SSE handler. Zero durations use the defaults.
func NewSSEHandler(hub *Hub, inbound Inbound, retry, keepalive time.Duration) *SSEHandler {
	if retry <= 0 {
		retry = defaultSSERetry
	}
	if keepalive <= 0 {
		keepalive = defaultSSEKeepalive
	}
	return &SSEHandler{hub: hub, inbound: inbound, retry: retry, keepalive: keepalive}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromRequest(r)
	if err := identity.CheckSessionID(sessionID); err != nil {
		http.Error(w, `{"error": "invalid session id"}`, http.StatusBadRequest)
		return
	}
	if err := h.inbound.Open(sessionID); err != nil {
		http.Error(w, `{"error": "session unavailable"}`, http.StatusInternalServerError)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"session_id", sessionID,
				"last_event_id", lastEventID,
			)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retry.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	sub := h.hub.AttachAfter(sessionID, RoleObserver, sink, lastEventID)
	defer h.hub.Detach(sub)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "session_id", sessionID)
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
