package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/engine"
	"github.com/ashureev/webpilot/internal/identity"
	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/session"
	"github.com/ashureev/webpilot/internal/shared"
	"github.com/ashureev/webpilot/internal/store"
)

// Service is the single entry point for inbound protocol messages, whether
// they arrive over HTTP or a websocket.
type Service struct {
	reg     *session.Registry
	engine  *engine.Engine
	pub     Publisher
	repo    store.Repository
	journal *journal
	logger  *slog.Logger
	now     func() time.Time

	// deferred holds sessions with a throttled decision already scheduled.
	deferred sync.Map
	// stale holds sessions that observed while a decision was in flight.
	stale sync.Map
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// WithConfig sets service tunables.
func WithConfig(cfg Config) Option {
	return func(o *serviceOptions) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// NewService creates the orchestration service. A nil repo disables the
// journal.
func NewService(reg *session.Registry, eng *engine.Engine, pub Publisher, repo store.Repository, opts ...Option) *Service {
	o := serviceOptions{cfg: DefaultConfig(), logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if repo == nil {
		repo = store.Nop()
	}
	return &Service{
		reg:     reg,
		engine:  eng,
		pub:     pub,
		repo:    repo,
		journal: newJournal(100, o.cfg.JournalTimeout, o.logger),
		logger:  o.logger,
		now:     o.now,
	}
}

// Close waits for queued journal writes. Sessions are owned by the registry.
func (s *Service) Close() {
	s.journal.close()
}

// Open makes sure a session exists for sessionID.
func (s *Service) Open(sessionID string) error {
	if err := identity.CheckSessionID(sessionID); err != nil {
		return err
	}
	s.ensure(sessionID)
	return nil
}

// Start creates a session and, when goal is non-empty, gives it its first
// instruction. An empty sessionID gets a fresh identifier.
func (s *Service) Start(ctx context.Context, sessionID, goal string) (string, error) {
	if sessionID != "" {
		if err := identity.CheckSessionID(sessionID); err != nil {
			return "", err
		}
	}
	sess := s.ensure(sessionID)
	if strings.TrimSpace(goal) != "" {
		if err := s.Handle(ctx, protocol.NewInstruction(sess.ID, goal)); err != nil {
			return "", err
		}
	}
	return sess.ID, nil
}

// Status returns a snapshot of the session.
func (s *Service) Status(sessionID string) (Status, error) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return Status{}, err
	}
	v := sess.View()
	var cooldown int64
	if rem := v.CooldownUntil.Sub(s.now()); rem > 0 {
		cooldown = rem.Milliseconds()
	}
	return Status{
		SessionID:        v.ID,
		Goal:             v.Goal,
		Status:           string(v.Status),
		PendingApprovals: v.PendingApprovals,
		Dispatched:       v.Dispatched,
		Decisions:        v.Decisions,
		BadOutputCount:   v.BadOutputCount,
		LLMFailStreak:    v.LLMFailStreak,
		ReadMode:         v.Read.Active,
		CooldownMs:       cooldown,
		LastMessage:      v.LastMessage,
		CreatedAt:        v.CreatedAt.UnixMilli(),
		LastActive:       v.LastActive.UnixMilli(),
	}, nil
}

// Steps returns the newest journaled steps of a session.
func (s *Service) Steps(ctx context.Context, sessionID string, limit int) ([]store.StepRecord, error) {
	if _, err := s.reg.Get(sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, sessionID, limit)
}

// Teardown removes the session, cancelling its timers, queued work and
// connections.
func (s *Service) Teardown(sessionID string) error {
	if !s.reg.Remove(sessionID) {
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
	}
	s.logger.Info("Session torn down", "session_id", sessionID)
	s.release(sessionID)
	return nil
}

// Expire releases what the registry sweeper left behind for sessionID.
func (s *Service) Expire(sessionID string) {
	s.logger.Info("Session expired", "session_id", sessionID)
	s.release(sessionID)
}

func (s *Service) release(sessionID string) {
	s.deferred.Delete(sessionID)
	s.stale.Delete(sessionID)
	s.pub.CloseSession(sessionID)
	metrics.SetActiveSessions(s.reg.Len())
	s.journal.submit("delete session", sessionID, func(ctx context.Context) error {
		return s.repo.DeleteSession(ctx, sessionID)
	})
}

func (s *Service) ensure(sessionID string) *session.Session {
	sess, created := s.reg.Create(sessionID)
	if created {
		metrics.SetActiveSessions(s.reg.Len())
		s.logger.Info("Session started", "session_id", sess.ID)
		s.saveSession(sess)
	}
	return sess
}

// Handle applies one inbound message. Protocol errors wrap
// shared.ErrProtocol; unknown sessions wrap shared.ErrSessionNotFound.
func (s *Service) Handle(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypeInstruction:
		return s.instruction(msg)
	case protocol.TypePing, protocol.TypePong:
		return nil
	}

	sess, err := s.reg.Get(msg.SessionID)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypeObserve:
		return s.observe(sess, msg)
	case protocol.TypeCorrection:
		return s.correction(sess, msg)
	case protocol.TypeApprove:
		return s.approve(sess, msg)
	case protocol.TypeActionResult:
		return s.result(sess, msg)
	default:
		return fmt.Errorf("%w: %s is not accepted from clients", shared.ErrProtocol, msg.Type)
	}
}

func (s *Service) instruction(msg protocol.Message) error {
	if err := identity.CheckSessionID(msg.SessionID); err != nil {
		return err
	}
	sess := s.ensure(msg.SessionID)
	goal := strings.TrimSpace(msg.Text)
	sess.Update(func(st *session.State) {
		st.Goal = goal
		st.Reset()
		st.PendingApprovals = make(map[string]session.Step)
		st.LastMessage = ""
		st.Transition(domain.EventInstruction)
	})
	s.logger.Info("Instruction received", "session_id", sess.ID, "goal", goal)
	s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusRunning, goal))
	s.saveSession(sess)
	s.kick(sess)
	return nil
}

func (s *Service) observe(sess *session.Session, msg protocol.Message) error {
	obs := msg.Observation()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.now()
	}
	sess.Update(func(st *session.State) {
		st.Observation = &obs
	})
	s.kick(sess)
	return nil
}

func (s *Service) correction(sess *session.Session, msg protocol.Message) error {
	mode := msg.Mode
	if mode == "" {
		mode = session.ModeUser
	}
	now := s.now()
	var resumed bool
	sess.Update(func(st *session.State) {
		st.AddCorrection(msg.Text, mode, now)
		resumed = st.Transition(domain.EventCorrection)
	})
	if resumed {
		s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusRunning, "correction received"))
		s.saveSession(sess)
	}
	s.kick(sess)
	return nil
}

func (s *Service) approve(sess *session.Session, msg protocol.Message) error {
	var (
		step  session.Step
		found bool
	)
	sess.Update(func(st *session.State) {
		step, found = st.PendingApprovals[msg.StepID]
		if !found {
			return
		}
		delete(st.PendingApprovals, step.ID)
		st.Dispatched[step.ID] = step
		st.Transition(domain.EventApproval)
	})
	if !found {
		return fmt.Errorf("%w: no pending approval %q", shared.ErrProtocol, msg.StepID)
	}

	approved := step.Action
	if err := s.pub.Dispatch(protocol.NewApprove(sess.ID, step.ID, &approved)); err != nil {
		sess.Update(func(st *session.State) {
			delete(st.Dispatched, step.ID)
			st.PendingApprovals[step.ID] = step
			st.Transition(domain.EventNeedsInput)
		})
		s.logger.Warn("Approved step not dispatched", "session_id", sess.ID, "step_id", step.ID, "error", err)
		return err
	}

	s.logger.Info("Step approved", "session_id", sess.ID, "step_id", step.ID, "action", step.Action.Type)
	s.pub.Broadcast(protocol.NewApprove(sess.ID, step.ID, &approved))
	s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusRunning, "approved"))
	s.saveSession(sess)
	return nil
}

func (s *Service) result(sess *session.Session, msg protocol.Message) error {
	ok := msg.Succeeded()
	if err := s.engine.NoteResult(sess, msg.StepID, ok, msg.Error, msg.Data); err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("Action failed", "session_id", sess.ID, "step_id", msg.StepID, "error", msg.Error)
	}
	s.pub.Broadcast(msg)
	if !ok {
		s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusError, msg.Error))
	}
	s.journal.submit("complete step", sess.ID, func(ctx context.Context) error {
		return s.repo.CompleteStep(ctx, sess.ID, msg.StepID, ok, msg.Error)
	})
	return nil
}

// ExecutorPresence reports an executor channel attaching or detaching.
// Observers see a lost executor as an error event; the session itself is
// left untouched so work resumes on reconnect.
func (s *Service) ExecutorPresence(sessionID string, attached bool) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	if !attached {
		s.logger.Warn("Executor disconnected", "session_id", sessionID)
		s.pub.Broadcast(protocol.NewEvent(sessionID, domain.StatusError, "executor disconnected"))
		return
	}
	s.logger.Info("Executor connected", "session_id", sessionID)
	v := sess.View()
	s.pub.Broadcast(protocol.NewEvent(sessionID, v.Status, "executor connected"))
}

// kick queues a decision cycle when the session can use one. Observations
// inside the minimum decision interval schedule a single deferred cycle.
// An observation that lands during a decision is remembered and re-kicks
// once that decision leaves nothing running on the executor.
func (s *Service) kick(sess *session.Session) {
	v := sess.View()
	if v.Status != domain.StatusRunning || v.Observation == nil {
		return
	}
	if sess.Deciding() {
		s.stale.Store(sess.ID, struct{}{})
		if sess.Deciding() {
			return
		}
		s.stale.Delete(sess.ID)
	}
	if !s.reg.ReadyToDecide(sess) {
		s.deferKick(sess, s.reg.DecisionInterval())
		return
	}
	if err := sess.Queue().Submit(func(ctx context.Context) { s.decide(ctx, sess) }); err != nil {
		s.logger.Debug("Decision not queued", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) deferKick(sess *session.Session, delay time.Duration) {
	if _, loaded := s.deferred.LoadOrStore(sess.ID, struct{}{}); loaded {
		return
	}
	ok := sess.AfterFunc(delay, func() {
		s.deferred.Delete(sess.ID)
		s.kick(sess)
	})
	if !ok {
		s.deferred.Delete(sess.ID)
	}
}

func (s *Service) decide(ctx context.Context, sess *session.Session) {
	d := s.engine.Decide(ctx, sess)
	dispatched := s.apply(sess, d)
	if _, ok := s.stale.LoadAndDelete(sess.ID); ok && !dispatched {
		s.kick(sess)
	}
}

// apply publishes a decision: completions end the goal, approval-gated
// actions wait for the user, and everything else goes to the executor.
// It reports whether an action was handed to the executor.
func (s *Service) apply(sess *session.Session, d engine.Decision) bool {
	switch {
	case d.Done:
		s.logger.Info("Goal completed", "session_id", sess.ID, "message", d.Message)
		s.pub.Broadcast(protocol.NewDone(sess.ID, d.Message))
		s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusIdle, d.Message))
		s.saveSession(sess)
		return false
	case d.Source == engine.SourceGuard:
		// Nothing reaches the executor, so no observation will follow.
		if sess.View().Status == domain.StatusRunning {
			s.deferKick(sess, time.Duration(d.Action.Ms)*time.Millisecond)
		}
		return false
	case d.Source == engine.SourceCooldown:
		if !sess.AfterFunc(time.Duration(d.Action.Ms)*time.Millisecond, func() { s.kick(sess) }) {
			s.logger.Debug("Cooldown retry not scheduled", "session_id", sess.ID)
		}
		return false
	}

	step := session.Step{
		ID:               uuid.NewString(),
		Action:           d.Action,
		RequiresApproval: d.RequiresApproval,
		Explanation:      d.Explanation,
		CreatedAt:        s.now(),
	}
	proposal := protocol.NewProposal(sess.ID, step.ID, step.Action, step.RequiresApproval, step.Explanation)

	switch {
	case step.RequiresApproval:
		sess.Update(func(st *session.State) {
			st.PendingApprovals[step.ID] = step
			st.Transition(domain.EventNeedsInput)
		})
		s.logger.Info("Step needs approval", "session_id", sess.ID, "step_id", step.ID, "action", step.Action.Type)
		s.pub.Broadcast(proposal)
		s.pub.Broadcast(protocol.NewNeedsApproval(sess.ID, step.ID))
		s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusWaitingUser, "approval required"))
		s.saveSession(sess)

	case step.Action.Type == action.KindAskUser:
		s.pub.Broadcast(proposal)
		s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusWaitingUser, step.Action.Question))
		s.saveSession(sess)

	default:
		sess.Update(func(st *session.State) {
			st.Dispatched[step.ID] = step
		})
		if err := s.pub.Dispatch(proposal); err != nil {
			sess.Update(func(st *session.State) {
				st.Undispatch(step.ID)
			})
			s.logger.Warn("Executor unavailable, step not dispatched", "session_id", sess.ID, "step_id", step.ID, "error", err)
			s.pub.Broadcast(protocol.NewEvent(sess.ID, domain.StatusError, "executor unavailable"))
			return false
		}
		s.logger.Debug("Step dispatched", "session_id", sess.ID, "step_id", step.ID, "action", step.Action.Type, "source", d.Source)
		s.pub.Broadcast(proposal)
		s.recordStep(sess.ID, step, d.Source)
		return true
	}
	s.recordStep(sess.ID, step, d.Source)
	return false
}

func (s *Service) saveSession(sess *session.Session) {
	v := sess.View()
	rec := &store.SessionRecord{
		ID:        v.ID,
		Goal:      v.Goal,
		Status:    v.Status,
		CreatedAt: v.CreatedAt,
		UpdatedAt: s.now(),
	}
	s.journal.submit("upsert session", v.ID, func(ctx context.Context) error {
		return s.repo.UpsertSession(ctx, rec)
	})
}

func (s *Service) recordStep(sessionID string, step session.Step, source engine.Source) {
	raw, err := json.Marshal(step.Action)
	if err != nil {
		s.logger.Warn("Failed to encode step", "session_id", sessionID, "step_id", step.ID, "error", err)
		return
	}
	rec := &store.StepRecord{
		SessionID:        sessionID,
		StepID:           step.ID,
		Kind:             string(step.Action.Type),
		ActionJSON:       string(raw),
		RequiresApproval: step.RequiresApproval,
		Explanation:      step.Explanation,
		Source:           string(source),
		Status:           store.StepProposed,
		CreatedAt:        step.CreatedAt,
	}
	s.journal.submit("record step", sessionID, func(ctx context.Context) error {
		return s.repo.RecordStep(ctx, rec)
	})
}
