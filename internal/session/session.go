// Package session owns per-session agent state and the guards that keep
// decisions and executions for one session from overlapping.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Session is one agent session. All mutable state lives behind mu and is
// reached only through Update and View.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu    sync.Mutex
	state State

	deciding   atomic.Bool
	lastActive atomic.Int64
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool

	limiter *rate.Limiter
	queue   *ExecQueue
}

func newSession(id string, interval time.Duration, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CreatedAt: now(),
		state:     newState(),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[*time.Timer]struct{}),
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		queue:     NewExecQueue(ctx),
	}
	s.touch()
	return s
}

// Update runs fn with exclusive access to the session state.
func (s *Session) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.touch()
}

// View returns a snapshot of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	v := s.state.view()
	s.mu.Unlock()
	v.ID = s.ID
	v.CreatedAt = s.CreatedAt
	v.LastActive = s.LastActive()
	return v
}

// BeginDecide marks a decision as in flight. It returns false when one is
// already running.
func (s *Session) BeginDecide() bool {
	return s.deciding.CompareAndSwap(false, true)
}

// EndDecide clears the in-flight decision flag.
func (s *Session) EndDecide() {
	s.deciding.Store(false)
}

// Deciding reports whether a decision is in flight.
func (s *Session) Deciding() bool {
	return s.deciding.Load()
}

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Queue returns the session's execution queue.
func (s *Session) Queue() *ExecQueue {
	return s.queue
}

// LastActive returns the time of the last state update.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

// AfterFunc schedules f on a timer owned by the session. Pending timers are
// stopped on Close, and f is skipped if the session closed in the meantime.
func (s *Session) AfterFunc(d time.Duration, f func()) bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.closed {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timersMu.Lock()
		delete(s.timers, t)
		s.timersMu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		f()
	})
	s.timers[t] = struct{}{}
	return true
}

// PendingTimers returns the number of scheduled timers.
func (s *Session) PendingTimers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

// Close cancels the session context, stops every timer and shuts down the
// execution queue. It is safe to call more than once.
func (s *Session) Close() {
	s.timersMu.Lock()
	if s.closed {
		s.timersMu.Unlock()
		return
	}
	s.closed = true
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
	s.timersMu.Unlock()

	s.cancel()
	s.queue.Close()
}
