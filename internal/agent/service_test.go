package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/engine"
	"github.com/ashureev/webpilot/internal/llm"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/session"
	"github.com/ashureev/webpilot/internal/shared"
	"github.com/ashureev/webpilot/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePublisher struct {
	mu          sync.Mutex
	broadcasts  []protocol.Message
	dispatched  []protocol.Message
	closed      []string
	dispatchErr error
}

func (p *fakePublisher) Broadcast(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, msg)
}

func (p *fakePublisher) Dispatch(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatchErr != nil {
		return p.dispatchErr
	}
	p.dispatched = append(p.dispatched, msg)
	return nil
}

func (p *fakePublisher) CloseSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
}

func (p *fakePublisher) setDispatchErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchErr = err
}

func (p *fakePublisher) sent() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.dispatched...)
}

func (p *fakePublisher) ofType(t protocol.Type) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, m := range p.broadcasts {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type countingLLM struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (c *countingLLM) complete(_ context.Context, _ llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, nil
}

func (c *countingLLM) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	svc *Service
	reg *session.Registry
	pub *fakePublisher
	llm *countingLLM
}

func newFixture(t *testing.T, reply string, repo store.Repository, interval time.Duration) *fixture {
	t.Helper()
	reg := session.NewRegistry(session.WithDecisionInterval(interval))
	model := &countingLLM{reply: reply}
	eng := engine.New(llm.Func(model.complete), engine.DefaultConfig())
	pub := &fakePublisher{}
	svc := NewService(reg, eng, pub, repo)
	t.Cleanup(func() {
		reg.Close()
		svc.Close()
	})
	return &fixture{svc: svc, reg: reg, pub: pub, llm: model}
}

var page = domain.Observation{
	URL:      "https://shop.test/",
	Viewport: domain.Viewport{Width: 800, Height: 600},
	Elements: []domain.Element{
		{Tag: "button", Label: "Buy now", Box: domain.Box{X: 10, Y: 10, W: 20, H: 10}},
		{Tag: "a", Label: "Sign in", Box: domain.Box{X: 100, Y: 70, W: 40, H: 20}},
	},
}

func (f *fixture) status(t *testing.T, id string) Status {
	t.Helper()
	st, err := f.svc.Status(id)
	require.NoError(t, err)
	return st
}

func TestObservationDispatchesAction(t *testing.T) {
	f := newFixture(t, "CLICK 1", nil, time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "buy the shirt")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, "running", f.status(t, id).Status)
	require.Len(t, f.pub.ofType(protocol.TypeAgentEvent), 1)
	assert.Equal(t, 0, f.llm.Calls(), "no decision without an observation")

	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.Eventually(t, func() bool { return len(f.pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	sent := f.pub.sent()[0]
	assert.Equal(t, protocol.TypeProposeAction, sent.Type)
	require.NotNil(t, sent.Action)
	assert.Equal(t, action.KindClick, sent.Action.Type)
	assert.Equal(t, 20, sent.Action.X)
	assert.Equal(t, 15, sent.Action.Y)
	assert.False(t, sent.RequiresApproval)
	assert.NotEmpty(t, sent.StepID)
	require.Len(t, f.pub.ofType(protocol.TypeProposeAction), 1)
	assert.Equal(t, 1, f.status(t, id).Dispatched)

	result := protocol.NewResult(id, sent.StepID, true, "", nil)
	require.NoError(t, f.svc.Handle(ctx, result))
	assert.Equal(t, 0, f.status(t, id).Dispatched)
	assert.Len(t, f.pub.ofType(protocol.TypeActionResult), 1)

	err = f.svc.Handle(ctx, result)
	assert.True(t, errors.Is(err, shared.ErrProtocol), "second result for the same step is unknown")
}

func TestScreenshotWaitsForApproval(t *testing.T) {
	f := newFixture(t, "SCREENSHOT 0 0 100 100", nil, time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "capture the header")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))

	require.Eventually(t, func() bool { return len(f.pub.ofType(protocol.TypeNeedsApproval)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.pub.sent(), "approval-gated steps are not dispatched")

	st := f.status(t, id)
	assert.Equal(t, "waiting_user", st.Status)
	require.Len(t, st.PendingApprovals, 1)
	stepID := st.PendingApprovals[0]

	err = f.svc.Handle(ctx, protocol.NewApprove(id, "nope", nil))
	assert.True(t, errors.Is(err, shared.ErrProtocol))

	f.pub.setDispatchErr(shared.ErrConnection)
	err = f.svc.Handle(ctx, protocol.NewApprove(id, stepID, nil))
	assert.True(t, errors.Is(err, shared.ErrConnection))
	st = f.status(t, id)
	assert.Equal(t, []string{stepID}, st.PendingApprovals, "approval survives a failed dispatch")
	assert.Equal(t, "waiting_user", st.Status)

	f.pub.setDispatchErr(nil)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewApprove(id, stepID, nil)))
	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeApprove, sent[0].Type)
	require.NotNil(t, sent[0].Action)
	assert.Equal(t, action.KindScreenshotRegion, sent[0].Action.Type)

	st = f.status(t, id)
	assert.Equal(t, "running", st.Status)
	assert.Empty(t, st.PendingApprovals)
	assert.Equal(t, 1, st.Dispatched)

	data := &action.ResultData{Mime: "image/png", Image: "aGVsbG8="}
	require.NoError(t, f.svc.Handle(ctx, protocol.NewResult(id, stepID, true, "", data)))
	assert.Equal(t, 0, f.status(t, id).Dispatched)
}

func TestDoneReturnsToIdle(t *testing.T) {
	f := newFixture(t, "DONE all set", nil, time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "", "say hi")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))

	require.Eventually(t, func() bool { return len(f.pub.ofType(protocol.TypeDone)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "all set", f.pub.ofType(protocol.TypeDone)[0].Message)
	st := f.status(t, id)
	assert.Equal(t, "idle", st.Status)
	assert.Equal(t, "all set", st.LastMessage)
	assert.Empty(t, f.pub.sent())
}

func TestDispatchFailureSurfacesEvent(t *testing.T) {
	f := newFixture(t, "CLICK 2", nil, time.Millisecond)
	f.pub.setDispatchErr(shared.ErrConnection)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "sign in")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))

	require.Eventually(t, func() bool {
		for _, m := range f.pub.ofType(protocol.TypeAgentEvent) {
			if m.Status == domain.StatusError {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.status(t, id).Dispatched)
	assert.Empty(t, f.pub.ofType(protocol.TypeProposeAction))
}

func TestFailedExtractionDispatchFreesReadMode(t *testing.T) {
	f := newFixture(t, `EXTRACT "main"`, nil, time.Millisecond)
	f.pub.setDispatchErr(shared.ErrConnection)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "read the page")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.Eventually(t, func() bool { return len(f.pub.ofType(protocol.TypeAgentEvent)) >= 2 }, 2*time.Second, 5*time.Millisecond)

	sess, err := f.reg.Get(id)
	require.NoError(t, err)
	v := sess.View()
	assert.Zero(t, v.Dispatched)
	assert.False(t, v.Read.Pending, "a read that never ran is not pending")
}

// scriptedService builds a service whose model calls run fn.
func scriptedService(t *testing.T, pub *fakePublisher, fn llm.Func) (*Service, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.WithDecisionInterval(time.Millisecond))
	cfg := engine.DefaultConfig()
	cfg.GuardWait = 20 * time.Millisecond
	svc := NewService(reg, engine.New(fn, cfg), pub, nil)
	t.Cleanup(func() {
		reg.Close()
		svc.Close()
	})
	return svc, reg
}

func TestGuardWaitRetriesDecision(t *testing.T) {
	pub := &fakePublisher{}
	var (
		mu    sync.Mutex
		calls int
		svc   *Service
		reg   *session.Registry
	)
	svc, reg = scriptedService(t, pub, func(context.Context, llm.Request) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			sess, err := reg.Get("s1")
			if err == nil {
				sess.Update(func(st *session.State) { st.Goal = "a refined goal" })
			}
		}
		return "CLICK 1", nil
	})
	ctx := context.Background()

	_, err := svc.Start(ctx, "s1", "sign in")
	require.NoError(t, err)
	require.NoError(t, svc.Handle(ctx, protocol.NewObserve("s1", page)))

	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls, "the discarded reply is retried without a new observation")
	mu.Unlock()
}

func TestObservationDuringDecisionIsNotLost(t *testing.T) {
	pub := &fakePublisher{}
	pub.setDispatchErr(shared.ErrConnection)
	var (
		mu    sync.Mutex
		calls int
		svc   *Service
	)
	svc, _ = scriptedService(t, pub, func(ctx context.Context, _ llm.Request) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			_ = svc.Handle(ctx, protocol.NewObserve("s1", page))
		}
		return "CLICK 1", nil
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	ctx := context.Background()

	_, err := svc.Start(ctx, "s1", "sign in")
	require.NoError(t, err)
	require.NoError(t, svc.Handle(ctx, protocol.NewObserve("s1", page)))

	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return count() > 2 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCorrectionResumesWaitingSession(t *testing.T) {
	f := newFixture(t, "ASK Which size do you want?", nil, time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "buy a shirt")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.Eventually(t, func() bool { return f.status(t, id).Status == "waiting_user" }, 2*time.Second, 5*time.Millisecond)

	proposals := f.pub.ofType(protocol.TypeProposeAction)
	require.Len(t, proposals, 1)
	assert.Equal(t, action.KindAskUser, proposals[0].Action.Type)
	assert.Empty(t, f.pub.sent())

	require.NoError(t, f.svc.Handle(ctx, protocol.NewCorrection(id, "medium", "")))
	assert.Equal(t, "running", f.status(t, id).Status)
}

func TestThrottledObservationIsDeferred(t *testing.T) {
	f := newFixture(t, "WAIT 1s", nil, time.Hour)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "wait around")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.Eventually(t, func() bool { return len(f.pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	sess, err := f.reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	assert.Equal(t, 1, f.llm.Calls())
	assert.Equal(t, 1, sess.PendingTimers(), "one deferred decision for a burst")

	require.NoError(t, f.svc.Teardown(id))
	assert.Equal(t, 0, sess.PendingTimers())
}

func TestHandleErrors(t *testing.T) {
	f := newFixture(t, "WAIT 1s", nil, time.Millisecond)
	ctx := context.Background()

	err := f.svc.Handle(ctx, protocol.NewObserve("ghost", page))
	assert.True(t, errors.Is(err, shared.ErrSessionNotFound))

	err = f.svc.Handle(ctx, protocol.NewInstruction("bad id", "x"))
	assert.True(t, errors.Is(err, shared.ErrProtocol))

	err = f.svc.Handle(ctx, protocol.Message{Type: protocol.TypeObserve})
	assert.True(t, errors.Is(err, shared.ErrProtocol))

	require.NoError(t, f.svc.Open("s1"))
	err = f.svc.Handle(ctx, protocol.NewDone("s1", "x"))
	assert.True(t, errors.Is(err, shared.ErrProtocol))

	err = f.svc.Handle(ctx, protocol.NewResult("s1", "missing", true, "", nil))
	assert.True(t, errors.Is(err, shared.ErrProtocol))

	require.NoError(t, f.svc.Handle(ctx, protocol.NewPing("s1")))
}

func TestTeardown(t *testing.T) {
	f := newFixture(t, "WAIT 1s", nil, time.Millisecond)

	require.NoError(t, f.svc.Open("s1"))
	require.NoError(t, f.svc.Teardown("s1"))
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, []string{"s1"}, f.pub.closed)

	err := f.svc.Teardown("s1")
	assert.True(t, errors.Is(err, shared.ErrSessionNotFound))
	_, err = f.svc.Status("s1")
	assert.True(t, errors.Is(err, shared.ErrSessionNotFound))
}

func TestExecutorPresence(t *testing.T) {
	f := newFixture(t, "WAIT 1s", nil, time.Millisecond)
	require.NoError(t, f.svc.Open("s1"))

	f.svc.ExecutorPresence("s1", false)
	f.svc.ExecutorPresence("s1", true)
	f.svc.ExecutorPresence("ghost", false)

	events := f.pub.ofType(protocol.TypeAgentEvent)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StatusError, events[0].Status)
	assert.Equal(t, "executor disconnected", events[0].Message)
	assert.Equal(t, domain.StatusIdle, events[1].Status)
	assert.Equal(t, "executor connected", events[1].Message)
}

func TestJournalRecordsSteps(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := newFixture(t, "CLICK 1", repo, time.Millisecond)
	ctx := context.Background()

	id, err := f.svc.Start(ctx, "s1", "buy the shirt")
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, protocol.NewObserve(id, page)))
	require.Eventually(t, func() bool { return len(f.pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stepID := f.pub.sent()[0].StepID
	require.NoError(t, f.svc.Handle(ctx, protocol.NewResult(id, stepID, false, "element detached", nil)))

	require.Eventually(t, func() bool {
		steps, err := f.svc.Steps(ctx, id, 10)
		return err == nil && len(steps) == 1 && steps[0].Status == store.StepFailed
	}, 2*time.Second, 10*time.Millisecond)

	steps, err := f.svc.Steps(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, "click", steps[0].Kind)
	assert.Equal(t, "llm", steps[0].Source)
	assert.Equal(t, "element detached", steps[0].Error)

	rec, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "buy the shirt", rec.Goal)
}
