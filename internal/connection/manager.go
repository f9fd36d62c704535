// Package connection maintains one persistent channel per session from the
// executing side to the deciding side, reconnecting with backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
)

// State is the transport state of one session channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
)

// Handler receives inbound frames other than ping and pong. It runs on the
// connection's read goroutine and must not block.
type Handler func(ctx context.Context, msg protocol.Message)

// StateFunc observes state changes.
type StateFunc func(sessionID string, st State)

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// DefaultKeepalive is the interval between ping probes while open.
const DefaultKeepalive = 15 * time.Second

// Manager owns the session channels.
type Manager struct {
	dialer      Dialer
	handler     Handler
	onState     StateFunc
	after       AfterFunc
	keepalive   time.Duration
	dialTimeout time.Duration
	initial     time.Duration
	max         time.Duration
	logger      *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

type link struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	conn    Conn
	gen     uint64
	backoff *Backoff
	timer   Timer
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateFunc registers a state observer.
func WithStateFunc(fn StateFunc) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithKeepalive sets the ping interval. Zero disables keepalive.
func WithKeepalive(d time.Duration) Option {
	return func(m *Manager) { m.keepalive = d }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		m.initial = initial
		m.max = max
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) { m.after = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager that dials with dialer and delivers inbound
// frames to handler.
func NewManager(dialer Dialer, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		handler:     handler,
		keepalive:   DefaultKeepalive,
		dialTimeout: 10 * time.Second,
		initial:     DefaultInitialBackoff,
		max:         DefaultMaxBackoff,
		logger:      slog.Default(),
		links:       make(map[string]*link),
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the channel for sessionID. Concurrent callers share one
// in-flight attempt. A failed attempt schedules a reconnect and returns a
// wrapped shared.ErrConnection.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	l, err := m.link(sessionID)
	if err != nil {
		return err
	}
	if m.State(sessionID) == StateOpen {
		return nil
	}
	ch := m.group.DoChan(sessionID, func() (any, error) {
		return nil, m.dial(l)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg on the session's open channel.
func (m *Manager) Send(ctx context.Context, sessionID string, msg protocol.Message) error {
	m.mu.Lock()
	l := m.links[sessionID]
	m.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: session %s has no channel", shared.ErrConnection, sessionID)
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: session %s is not connected", shared.ErrConnection, sessionID)
	}

	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if err := conn.Write(ctx, msg); err != nil {
		return fmt.Errorf("%w: write %s: %v", shared.ErrConnection, msg.Type, err)
	}
	metrics.RecordMessage("out", string(msg.Type))
	return nil
}

// State returns the channel state for sessionID.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	l := m.links[sessionID]
	m.mu.Unlock()
	if l == nil {
		return StateDisconnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close tears down the session channel and disables reconnects for it.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	l := m.links[sessionID]
	delete(m.links, sessionID)
	m.mu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	conn := l.conn
	l.conn = nil
	changed := l.state != StateDisconnected
	l.state = StateDisconnected
	l.mu.Unlock()

	if conn != nil {
		if err := conn.Close("session closed"); err != nil {
			m.logger.Debug("Channel close failed", "session_id", sessionID, "error", err)
		}
	}
	l.cancel()
	if changed {
		m.notify(sessionID, StateDisconnected)
	}
	m.logger.Info("Session channel closed", "session_id", sessionID)
}

// Shutdown closes every channel and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
	m.wg.Wait()
}

func (m *Manager) link(sessionID string) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: manager shut down", shared.ErrConnection)
	}
	if l, ok := m.links[sessionID]; ok {
		return l, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		backoff: NewBackoff(m.initial, m.max),
	}
	m.links[sessionID] = l
	return l, nil
}

func (m *Manager) dial(l *link) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: session %s closed", shared.ErrConnection, l.id)
	}
	if l.state == StateOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()
	m.notify(l.id, StateConnecting)

	ctx, cancel := context.WithTimeout(l.ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(ctx, l.id)
	cancel()
	if err != nil {
		l.mu.Lock()
		l.state = StateDisconnected
		l.mu.Unlock()
		m.notify(l.id, StateDisconnected)
		m.logger.Warn("Session channel dial failed", "session_id", l.id, "error", err)
		m.scheduleReconnect(l)
		return fmt.Errorf("%w: %v", shared.ErrConnection, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close("session closed")
		return fmt.Errorf("%w: session %s closed", shared.ErrConnection, l.id)
	}
	l.conn = conn
	l.state = StateOpen
	l.gen++
	gen := l.gen
	l.backoff.Reset()
	l.mu.Unlock()

	m.notify(l.id, StateOpen)
	m.logger.Info("Session channel open", "session_id", l.id)

	done := make(chan struct{})
	m.wg.Add(1)
	go m.readLoop(l, conn, gen, done)
	if m.keepalive > 0 {
		m.wg.Add(1)
		go m.keepaliveLoop(l, conn, done)
	}
	return nil
}

func (m *Manager) scheduleReconnect(l *link) {
	l.mu.Lock()
	if l.closed || l.timer != nil {
		l.mu.Unlock()
		return
	}
	delay := l.backoff.Next()
	l.timer = m.after(delay, func() {
		l.mu.Lock()
		l.timer = nil
		l.mu.Unlock()
		_, _, _ = m.group.Do(l.id, func() (any, error) {
			return nil, m.dial(l)
		})
	})
	l.mu.Unlock()

	metrics.RecordReconnect()
	m.logger.Info("Reconnect scheduled", "session_id", l.id, "delay_ms", delay.Milliseconds())
}

func (m *Manager) readLoop(l *link, conn Conn, gen uint64, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	var err error
	for {
		var msg protocol.Message
		msg, err = conn.Read(l.ctx)
		if err != nil {
			if errors.Is(err, shared.ErrProtocol) {
				m.logger.Warn("Dropping inbound frame", "session_id", l.id, "error", err)
				continue
			}
			break
		}
		metrics.RecordMessage("in", string(msg.Type))

		switch msg.Type {
		case protocol.TypePing:
			if werr := conn.Write(l.ctx, protocol.NewPong(l.id)); werr != nil {
				m.logger.Debug("Pong failed", "session_id", l.id, "error", werr)
			}
		case protocol.TypePong:
		default:
			if m.handler != nil {
				m.handler(l.ctx, msg)
			}
		}
	}
	m.lost(l, conn, gen, err)
}

func (m *Manager) lost(l *link, conn Conn, gen uint64, cause error) {
	l.mu.Lock()
	if l.gen != gen || l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateDisconnected
	closed := l.closed
	l.mu.Unlock()

	_ = conn.Close("connection lost")
	if closed {
		return
	}
	m.notify(l.id, StateDisconnected)
	m.logger.Warn("Session channel lost", "session_id", l.id, "error", cause)
	m.scheduleReconnect(l)
}

func (m *Manager) keepaliveLoop(l *link, conn Conn, done <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, 5*time.Second)
			err := conn.Write(ctx, protocol.NewPing(l.id))
			cancel()
			if err != nil {
				m.logger.Debug("Keepalive ping failed", "session_id", l.id, "error", err)
			}
		}
	}
}

func (m *Manager) notify(sessionID string, st State) {
	if m.onState != nil {
		m.onState(sessionID, st)
	}
}
