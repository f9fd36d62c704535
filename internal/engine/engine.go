// Package engine decides the next browser action for a session: it builds
// the prompt, calls the model, reduces the reply to a validated action and
// applies the recovery heuristics that keep a session moving.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/command"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/llm"
	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/session"
)

// Engine is safe for concurrent use across sessions.
type Engine struct {
	llm       llm.Client
	cfg       Config
	policy    *NavigationPolicy
	uncertain UncertaintyFunc
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy restricts goto targets.
func WithPolicy(p *NavigationPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithUncertainty replaces the hedging detector.
func WithUncertainty(fn UncertaintyFunc) Option {
	return func(e *Engine) { e.uncertain = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(client llm.Client, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		llm:       client,
		cfg:       cfg,
		uncertain: DefaultUncertainty,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Decide runs one decision cycle for s. It never fails: every error path
// resolves to a valid Decision. A call made while another decision for the
// same session is in flight returns a short wait.
func (e *Engine) Decide(ctx context.Context, s *session.Session) Decision {
	if !s.BeginDecide() {
		return e.record(waitDecision(e.guardMs(), "a decision is already in flight", SourceGuard))
	}
	defer s.EndDecide()

	now := e.now()
	var (
		d     Decision
		ready bool
	)
	s.Update(func(st *session.State) {
		d, ready = e.precheck(st, now)
	})
	if !ready {
		return e.record(d)
	}

	view := s.View()
	raw, err := e.complete(ctx, view)

	now = e.now()
	s.Update(func(st *session.State) {
		if st.Status != domain.StatusRunning || st.Goal != view.Goal {
			d = waitDecision(e.guardMs(), "session changed while the model was thinking", SourceGuard)
			return
		}
		if err != nil {
			d = e.cooldown(st, now, err)
			return
		}
		st.LLMFailStreak = 0
		st.CooldownUntil = time.Time{}
		d = e.finalize(st, e.interpret(st, raw, now))
		st.Decisions++
	})
	return e.record(d)
}

// precheck covers the cases that never reach the model. It returns ready
// when the model should be called. A page without interactive elements is
// read once before the model sees it.
func (e *Engine) precheck(st *session.State, now time.Time) (Decision, bool) {
	switch {
	case st.Status == domain.StatusWaitingUser:
		return waitDecision(e.guardMs(), "waiting for the user", SourceGuard), false
	case st.Observation == nil:
		return waitDecision(e.guardMs(), "no observation yet", SourceGuard), false
	case st.Status != domain.StatusRunning:
		return waitDecision(e.guardMs(), "session is not running", SourceGuard), false
	case now.Before(st.CooldownUntil):
		ms := int(st.CooldownUntil.Sub(now) / time.Millisecond)
		return waitDecision(max(ms, 1), "cooling down after model failures", SourceCooldown), false
	}
	if obs := st.Observation; len(obs.Elements) == 0 && !(st.Read.EmptyPageRead && st.Read.EmptyPageURL == obs.URL) {
		if d, ok := e.readMode(st, now, "the page lists no interactive elements"); ok {
			st.Read.EmptyPageRead = true
			st.Read.EmptyPageURL = obs.URL
			return e.finalize(st, d), false
		}
	}
	return Decision{}, true
}

func (e *Engine) complete(ctx context.Context, view session.View) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	start := e.now()
	raw, err := e.llm.Complete(ctx, llm.Request{
		System:      SystemPrompt,
		Prompt:      BuildPrompt(view, e.cfg),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
	}
	metrics.RecordLLMCall(e.llm.Name(), status, e.now().Sub(start).Seconds())
	return raw, err
}

func (e *Engine) cooldown(st *session.State, now time.Time, err error) Decision {
	wait := e.cfg.CooldownFor(st.LLMFailStreak)
	st.LLMFailStreak++
	st.CooldownUntil = now.Add(wait)
	slog.Warn("Model call failed, cooling down",
		"error", err,
		"streak", st.LLMFailStreak,
		"wait", wait)
	return waitDecision(int(wait/time.Millisecond), "the model is unavailable, backing off", SourceCooldown)
}

// interpret turns raw model output into a decision.
func (e *Engine) interpret(st *session.State, raw string, now time.Time) Decision {
	res, ok := command.ParseLine(raw)
	if !ok {
		metrics.RecordBadOutput("parse")
		return e.badOutput(st, now, "no command found in your reply")
	}
	if res.Done {
		st.Transition(domain.EventDone)
		st.Goal = ""
		st.LastMessage = res.Message
		st.Reset()
		return Decision{Done: true, Message: res.Message, Source: SourceDone}
	}

	a, err := action.Normalize(res.Action, e.actionContext(st))
	if err != nil {
		metrics.RecordBadOutput("schema")
		return e.badOutput(st, now, err.Error())
	}
	if a.Type == action.KindGoto && !e.policy.Allowed(a.URL) {
		metrics.RecordBadOutput("policy")
		return e.badOutput(st, now, "navigation to "+a.URL+" is not allowed, stay on permitted sites")
	}
	st.BadOutputCount = 0

	explanation := explain(raw, res.Line, a)

	if a.Type == action.KindAskUser {
		return e.ask(st, a, explanation, now)
	}

	if e.uncertain != nil && e.uncertain(raw) && !action.IsExtraction(a.Type) {
		if d, ok := e.readMode(st, now, "you sounded unsure, read the page first"); ok {
			return d
		}
	}

	if a.Type != action.KindWait {
		fp := action.Fingerprint(a)
		if isLoop(st.Fingerprints.Items(), fp, e.cfg.LoopRepeat, e.cfg.LoopAlternation) {
			return e.breakLoop(st, a, now)
		}
		st.Fingerprints.Push(fp)
	}

	if action.IsExtraction(a.Type) {
		e.markRead(st, a, now)
	} else {
		st.Read.Active = false
		st.Read.Streak = 0
	}
	return Decision{Action: a, Explanation: explanation, Source: SourceLLM}
}

func (e *Engine) ask(st *session.State, a action.Action, explanation string, now time.Time) Decision {
	if a.Question == st.LastAsk && now.Sub(st.LastAskAt) < e.cfg.AskRepeatWindow {
		st.AddCorrection("You already asked the user \""+a.Question+"\". Do not repeat it; make progress on the page instead.", session.ModeSystem, now)
		if d, ok := e.readMode(st, now, "the same question was just asked"); ok {
			return d
		}
		return waitDecision(e.guardMs(), "suppressed a repeated question", SourceGuard)
	}
	st.LastAsk = a.Question
	st.LastAskAt = now
	st.Transition(domain.EventAskUser)
	return Decision{Action: a, Explanation: explanation, Source: SourceLLM}
}

// badOutput records corrective feedback and escalates through read mode,
// deterministic fallback and finally a question to the user.
func (e *Engine) badOutput(st *session.State, now time.Time, reason string) Decision {
	st.BadOutputCount++
	st.AddCorrection("Your last reply was not usable ("+reason+"). Reply with exactly one command line such as CLICK 3 or EXTRACT \"main\".", session.ModeSystem, now)

	if st.BadOutputCount >= e.cfg.BadOutputLimit && st.Read.Tried {
		return e.escalate(st, now)
	}
	if d, ok := e.readMode(st, now, reason); ok {
		return d
	}
	return e.fallback(st)
}

func (e *Engine) escalate(st *session.State, now time.Time) Decision {
	q := escalationQuestion
	if st.Goal != "" {
		q = "I am stuck working on \"" + action.Truncate(st.Goal, 200) + "\". What should I do next on this page?"
	}
	a := action.Action{Type: action.KindAskUser, Question: q}
	st.BadOutputCount = 0
	st.Read.Tried = false
	st.LastAsk = q
	st.LastAskAt = now
	st.Transition(domain.EventAskUser)
	slog.Info("Escalating to the user after repeated unusable replies")
	return Decision{Action: a, Explanation: "repeated unusable model replies", Source: SourceEscalation}
}

// finalize re-normalizes the action and re-applies the approval policy.
func (e *Engine) finalize(st *session.State, d Decision) Decision {
	if d.Done {
		return d
	}
	a, err := action.Normalize(d.Action, e.actionContext(st))
	if err != nil {
		slog.Warn("Finalized action failed validation, scrolling instead", "error", err, "type", d.Action.Type)
		a = action.Action{Type: action.KindScroll, DY: fallbackScroll}
		d.Source = SourceFallback
	}
	d.Action = a
	d.RequiresApproval = action.RequiresApproval(a.Type)
	if d.Explanation == "" {
		d.Explanation = command.Render(a)
	}
	return d
}

func (e *Engine) actionContext(st *session.State) action.Context {
	c := action.Context{Limits: e.cfg.Limits}
	if st.Observation != nil {
		c.Viewport = st.Observation.Viewport
		c.Elements = st.Observation.Elements
	}
	return c
}

func (e *Engine) record(d Decision) Decision {
	metrics.RecordDecision(string(d.Source))
	return d
}

func (e *Engine) guardMs() int {
	return int(e.cfg.GuardWait / time.Millisecond)
}

const escalationQuestion = "I am stuck on this page. What should I do next?"

// explain returns the model's prose around the command line, or empty.
func explain(raw, line string, a action.Action) string {
	var parts []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.Contains(l, line) {
			continue
		}
		parts = append(parts, l)
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return command.Render(a)
	}
	return action.Truncate(text, 300)
}
