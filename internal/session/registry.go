package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/webpilot/internal/shared"
)

// DefaultDecisionInterval is the minimum spacing between decisions that
// new observations may trigger for one session.
const DefaultDecisionInterval = 1200 * time.Millisecond

// RemoveCallback is called after a session leaves the registry.
type RemoveCallback func(id string)

// Registry maps session ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	interval time.Duration
	now      func() time.Time
	onRemove RemoveCallback
}

// Option configures a Registry.
type Option func(*Registry)

// WithDecisionInterval sets the minimum interval between decisions.
func WithDecisionInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRemoveCallback registers fn to run after each removal.
func WithRemoveCallback(fn RemoveCallback) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		interval: DefaultDecisionInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create returns the session for id, creating it if needed. An empty id is
// replaced by a new random one. The boolean reports whether a session was
// created.
func (r *Registry) Create(id string) (*Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, r.interval, r.now)
	r.sessions[id] = s
	slog.Debug("Session created", "session_id", id)
	return s, true
}

// Get returns the session for id or shared.ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove tears down and forgets the session. It reports whether the
// session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	if r.onRemove != nil {
		r.onRemove(id)
	}
	slog.Debug("Session removed", "session_id", id)
	return true
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns all session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ReadyToDecide reports whether enough time has passed since the last
// decision that s's newest observation may trigger another one.
func (r *Registry) ReadyToDecide(s *Session) bool {
	return s.limiter.AllowN(r.now(), 1)
}

// DecisionInterval returns the minimum spacing between decisions.
func (r *Registry) DecisionInterval() time.Duration { return r.interval }

// IdleSince returns the ids of sessions with no activity since cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close removes every session.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Remove(id)
	}
}
