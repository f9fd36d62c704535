// Package bridge runs proposed and approved actions on the executing side
// and reports their results back to the deciding side.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/connection"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/session"
	"github.com/ashureev/webpilot/internal/shared"
)

// Executor performs validated actions against a page.
type Executor interface {
	Execute(ctx context.Context, sessionID string, a action.Action) (*action.ResultData, error)
	Observe(ctx context.Context, sessionID string) (domain.Observation, error)
}

// Sender delivers messages to the deciding side.
type Sender interface {
	Send(ctx context.Context, sessionID string, msg protocol.Message) error
}

// Config tunes the bridge.
type Config struct {
	ActionTimeout  time.Duration
	ObserveTimeout time.Duration
	SendTimeout    time.Duration
	// OutboxSize bounds messages held while the channel is down.
	OutboxSize int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ActionTimeout:  30 * time.Second,
		ObserveTimeout: 10 * time.Second,
		SendTimeout:    5 * time.Second,
		OutboxSize:     32,
	}
}

// Bridge owns per-session execution state on the executing side.
type Bridge struct {
	exec   Executor
	sender Sender
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*runtime
}

type runtime struct {
	id    string
	queue *session.ExecQueue

	mu      sync.Mutex
	pending map[string]action.Action
	outbox  []protocol.Message
}

// New creates a bridge. A nil logger uses slog.Default().
func New(exec Executor, sender Sender, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.ObserveTimeout <= 0 {
		cfg.ObserveTimeout = def.ObserveTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	return &Bridge{
		exec:     exec,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*runtime),
	}
}

// SetSender replaces the sender. It exists because the connection manager
// needs the bridge's Handle before it can be constructed.
func (b *Bridge) SetSender(s Sender) {
	b.mu.Lock()
	b.sender = s
	b.mu.Unlock()
}

func (b *Bridge) runtime(sessionID string) *runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	rt, ok := b.sessions[sessionID]
	if !ok {
		rt = &runtime{
			id:      sessionID,
			queue:   session.NewExecQueue(context.Background()),
			pending: make(map[string]action.Action),
		}
		b.sessions[sessionID] = rt
	}
	return rt
}

// Handle consumes one inbound message. It never blocks on execution.
func (b *Bridge) Handle(_ context.Context, msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		b.logger.Warn("Ignoring invalid message", "session_id", msg.SessionID, "type", msg.Type, "error", err)
		return
	}
	rt := b.runtime(msg.SessionID)

	switch msg.Type {
	case protocol.TypeProposeAction:
		a := *msg.Action
		if msg.RequiresApproval || action.RequiresApproval(a.Type) {
			rt.mu.Lock()
			rt.pending[msg.StepID] = a
			rt.mu.Unlock()
			b.logger.Info("Action awaiting approval", "session_id", rt.id, "step_id", msg.StepID, "action", a.Type)
			return
		}
		b.submit(rt, msg.StepID, a)

	case protocol.TypeApprove:
		rt.mu.Lock()
		a, ok := rt.pending[msg.StepID]
		delete(rt.pending, msg.StepID)
		rt.mu.Unlock()
		if msg.Action != nil {
			a, ok = *msg.Action, true
		}
		if !ok {
			b.logger.Warn("Approval for unknown step", "session_id", rt.id, "step_id", msg.StepID,
				"error", shared.ErrProtocol)
			return
		}
		b.submit(rt, msg.StepID, a)

	case protocol.TypeDone:
		b.logger.Info("Goal complete", "session_id", rt.id, "message", msg.Message)

	case protocol.TypeAgentEvent:
		b.logger.Debug("Agent status", "session_id", rt.id, "status", msg.Status, "message", msg.Message)

	default:
		b.logger.Debug("Unhandled message", "session_id", rt.id, "type", msg.Type)
	}
}

func (b *Bridge) submit(rt *runtime, stepID string, a action.Action) {
	err := rt.queue.Submit(func(ctx context.Context) {
		b.run(ctx, rt, stepID, a)
	})
	if err != nil {
		b.logger.Warn("Execution queue closed", "session_id", rt.id, "step_id", stepID, "error", err)
	}
}

func (b *Bridge) run(ctx context.Context, rt *runtime, stepID string, a action.Action) {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, b.cfg.ActionTimeout)
	data, err := b.exec.Execute(actx, rt.id, a)
	cancel()
	if err != nil && !errors.Is(err, shared.ErrExecution) {
		err = fmt.Errorf("%w: %s: %v", shared.ErrExecution, a.Type, err)
	}
	metrics.RecordExecution(string(a.Type), err == nil)

	if err != nil {
		b.logger.Warn("Action failed", "session_id", rt.id, "step_id", stepID, "action", a.Type, "error", err)
		b.send(ctx, rt, protocol.NewResult(rt.id, stepID, false, err.Error(), nil))
	} else {
		b.logger.Info("Action executed", "session_id", rt.id, "step_id", stepID, "action", a.Type,
			"duration_ms", time.Since(start).Milliseconds())
		b.send(ctx, rt, protocol.NewResult(rt.id, stepID, true, "", data))
	}

	b.observe(ctx, rt)
}

func (b *Bridge) observe(ctx context.Context, rt *runtime) {
	octx, cancel := context.WithTimeout(ctx, b.cfg.ObserveTimeout)
	obs, err := b.exec.Observe(octx, rt.id)
	cancel()
	if err != nil {
		b.logger.Warn("Observe failed", "session_id", rt.id, "error", err)
		return
	}
	b.send(ctx, rt, protocol.NewObserve(rt.id, obs))
}

// send delivers msg or holds it in the outbox until the channel reopens.
// Keepalive and observe frames are not held; a fresh observation is sent
// on reopen instead.
func (b *Bridge) send(ctx context.Context, rt *runtime, msg protocol.Message) {
	b.mu.Lock()
	sender := b.sender
	b.mu.Unlock()

	var err error
	if sender == nil {
		err = fmt.Errorf("%w: no sender", shared.ErrConnection)
	} else {
		sctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		err = sender.Send(sctx, rt.id, msg)
		cancel()
	}
	if err == nil {
		return
	}
	if msg.Type == protocol.TypeObserve {
		b.logger.Debug("Observation not sent", "session_id", rt.id, "error", err)
		return
	}

	rt.mu.Lock()
	rt.outbox = append(rt.outbox, msg)
	if over := len(rt.outbox) - b.cfg.OutboxSize; over > 0 {
		rt.outbox = append([]protocol.Message(nil), rt.outbox[over:]...)
	}
	rt.mu.Unlock()
	b.logger.Warn("Message held until reconnect", "session_id", rt.id, "type", msg.Type, "error", err)
}

// OnState is a connection.StateFunc. When a channel opens it flushes held
// messages and sends a fresh observation through the session queue.
func (b *Bridge) OnState(sessionID string, st connection.State) {
	if st != connection.StateOpen {
		return
	}
	rt := b.runtime(sessionID)
	err := rt.queue.Submit(func(ctx context.Context) {
		rt.mu.Lock()
		held := rt.outbox
		rt.outbox = nil
		rt.mu.Unlock()
		for _, msg := range held {
			b.send(ctx, rt, msg)
		}
		b.observe(ctx, rt)
	})
	if err != nil {
		b.logger.Warn("Execution queue closed", "session_id", sessionID, "error", err)
	}
}

// Navigate opens url for the session and reports the first observation.
func (b *Bridge) Navigate(ctx context.Context, sessionID, url string) error {
	rt := b.runtime(sessionID)
	done := make(chan error, 1)
	err := rt.queue.Submit(func(qctx context.Context) {
		actx, cancel := context.WithTimeout(qctx, b.cfg.ActionTimeout)
		_, err := b.exec.Execute(actx, sessionID, action.Action{Type: action.KindGoto, URL: url})
		cancel()
		if err != nil {
			done <- fmt.Errorf("%w: goto %s: %v", shared.ErrExecution, url, err)
			return
		}
		b.observe(qctx, rt)
		done <- nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the step ids awaiting approval, sorted.
func (b *Bridge) Pending(sessionID string) []string {
	b.mu.Lock()
	rt, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]string, 0, len(rt.pending))
	for id := range rt.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Held returns the number of messages waiting for a reconnect.
func (b *Bridge) Held(sessionID string) int {
	b.mu.Lock()
	rt, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.outbox)
}

// Teardown stops the session's queue and forgets its state.
func (b *Bridge) Teardown(sessionID string) {
	b.mu.Lock()
	rt, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if ok {
		rt.queue.Close()
	}
}

// Close tears down every session.
func (b *Bridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Teardown(id)
	}
}
