// Package stream fans session messages out to attached observer and
// executor connections over websockets and server-sent events.
package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
)

// PresenceFunc is told when a connection attaches to or leaves a session.
type PresenceFunc func(sessionID string, role Role, attached bool)

// Hub tracks the connections attached to each session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscriber
	nextID int64
	nextEv int64

	replay    *replayBuffer
	queueSize int
	dedup     *protocol.Deduper
	presence  PresenceFunc
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDeduper suppresses repeated proposals to observers.
func WithDeduper(d *protocol.Deduper) HubOption {
	return func(h *Hub) { h.dedup = d }
}

// WithQueueSize sets the per-subscriber queue length.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) { h.queueSize = n }
}

// WithReplaySize sets how many observer messages are kept per session.
func WithReplaySize(n int) HubOption {
	return func(h *Hub) { h.replay = newReplayBuffer(n) }
}

// WithPresence registers a presence callback.
func WithPresence(fn PresenceFunc) HubOption {
	return func(h *Hub) { h.presence = fn }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:      make(map[string]map[int64]*Subscriber),
		replay:    newReplayBuffer(100),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetPresence replaces the presence callback.
func (h *Hub) SetPresence(fn PresenceFunc) {
	h.mu.Lock()
	h.presence = fn
	h.mu.Unlock()
}

// Attach registers sink for sessionID under role.
func (h *Hub) Attach(sessionID string, role Role, sink Sink) *Subscriber {
	return h.AttachAfter(sessionID, role, sink, 0)
}

// AttachAfter registers sink like Attach and first queues the buffered
// observer messages with an id after afterID. Nothing published while it
// runs is missed or repeated. An afterID of zero replays nothing.
func (h *Hub) AttachAfter(sessionID string, role Role, sink Sink, afterID int64) *Subscriber {
	h.mu.Lock()
	var backlog []Envelope
	if afterID > 0 {
		backlog = h.replay.since(sessionID, afterID)
	}
	h.nextID++
	sub := newSubscriber(h.nextID, sessionID, role, sink, h.queueSize+len(backlog))
	for _, env := range backlog {
		sub.Enqueue(env)
	}
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[int64]*Subscriber)
	}
	h.subs[sessionID][sub.ID] = sub
	presence := h.presence
	h.mu.Unlock()

	slog.Info("Stream connection attached", "session_id", sessionID, "role", role, "conn_id", sub.ID)
	metrics.ConnectionChanged(string(role), true)
	if presence != nil {
		presence(sessionID, role, true)
	}
	return sub
}

// Detach removes sub and closes it.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	conns, ok := h.subs[sub.SessionID]
	_, present := conns[sub.ID]
	if ok && present {
		delete(conns, sub.ID)
		if len(conns) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
	presence := h.presence
	h.mu.Unlock()

	sub.close("detached")
	if present {
		slog.Info("Stream connection detached", "session_id", sub.SessionID, "role", sub.Role, "conn_id", sub.ID)
		metrics.ConnectionChanged(string(sub.Role), false)
		if presence != nil {
			presence(sub.SessionID, sub.Role, false)
		}
	}
}

// publish assigns the next event id and queues msg for role under the hub
// lock, so every connection receives ids in increasing order.
func (h *Hub) publish(msg protocol.Message, role Role) (attached, delivered int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextEv++
	env := Envelope{ID: h.nextEv, Msg: msg}
	if role == RoleObserver {
		h.replay.add(msg.SessionID, env)
	}
	for _, s := range h.subs[msg.SessionID] {
		if s.Role != role {
			continue
		}
		attached++
		if s.Enqueue(env) {
			delivered++
		}
	}
	return attached, delivered
}

// Broadcast delivers msg to every observer of its session. Identical
// proposals inside the de-duplication window are suppressed.
func (h *Hub) Broadcast(msg protocol.Message) {
	if h.dedup != nil && !h.dedup.Allow(msg) {
		slog.Debug("Suppressed duplicate proposal", "session_id", msg.SessionID, "step_id", msg.StepID)
		return
	}
	h.publish(msg, RoleObserver)
}

// Dispatch delivers msg to the executors of its session. It returns
// shared.ErrConnection when no executor is attached.
func (h *Hub) Dispatch(msg protocol.Message) error {
	attached, delivered := h.publish(msg, RoleExecutor)
	if attached == 0 {
		return fmt.Errorf("%w: no executor attached to session %s", shared.ErrConnection, msg.SessionID)
	}
	if delivered == 0 {
		return fmt.Errorf("%w: executor queue full for session %s", shared.ErrConnection, msg.SessionID)
	}
	return nil
}

// Replay returns buffered observer messages after afterID.
func (h *Hub) Replay(sessionID string, afterID int64) []Envelope {
	return h.replay.since(sessionID, afterID)
}

// Count returns the number of connections attached to sessionID in role.
func (h *Hub) Count(sessionID string, role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs[sessionID] {
		if s.Role == role {
			n++
		}
	}
	return n
}

// CloseSession closes every connection attached to sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	for _, s := range conns {
		s.close("session ended")
		metrics.ConnectionChanged(string(s.Role), false)
	}
	h.replay.drop(sessionID)
	if h.dedup != nil {
		h.dedup.Forget(sessionID)
	}
}

// Close closes every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.CloseSession(id)
	}
}
