package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/connection"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExecutor struct {
	mu      sync.Mutex
	ran     []action.Action
	fail    map[action.Kind]error
	data    map[action.Kind]*action.ResultData
	observe int
}

func (e *fakeExecutor) Execute(_ context.Context, _ string, a action.Action) (*action.ResultData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ran = append(e.ran, a)
	if err := e.fail[a.Type]; err != nil {
		return nil, err
	}
	return e.data[a.Type], nil
}

func (e *fakeExecutor) Observe(context.Context, string) (domain.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observe++
	return domain.Observation{
		URL:      "https://example.com",
		Viewport: domain.Viewport{Width: 1280, Height: 720},
	}, nil
}

func (e *fakeExecutor) kinds() []action.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]action.Kind, 0, len(e.ran))
	for _, a := range e.ran {
		out = append(out, a.Type)
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	down bool
	msgs []protocol.Message
}

func (s *fakeSender) Send(_ context.Context, _ string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("%w: not connected", shared.ErrConnection)
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *fakeSender) sent() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func (s *fakeSender) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sent()) >= n }, time.Second, 5*time.Millisecond)
	return s.sent()
}

func propose(stepID string, a action.Action, approval bool) protocol.Message {
	return protocol.NewProposal("s1", stepID, a, approval, "")
}

func TestAutonomousProposalRuns(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	b.Handle(context.Background(), propose("step-1", action.Action{Type: action.KindClick, X: 10, Y: 20, Button: "left"}, false))

	msgs := snd.waitFor(t, 2)
	assert.Equal(t, protocol.TypeActionResult, msgs[0].Type)
	assert.Equal(t, "step-1", msgs[0].StepID)
	assert.True(t, msgs[0].Succeeded())
	assert.Equal(t, protocol.TypeObserve, msgs[1].Type)
	assert.Equal(t, "https://example.com", msgs[1].URL)
}

func TestExecutionOrder(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	b.Handle(context.Background(), propose("a", action.Action{Type: action.KindScroll, DY: 300}, false))
	b.Handle(context.Background(), propose("b", action.Action{Type: action.KindWait, Ms: 1}, false))
	b.Handle(context.Background(), propose("c", action.Action{Type: action.KindPressKey, Key: "Enter"}, false))

	msgs := snd.waitFor(t, 6)
	var steps []string
	for _, m := range msgs {
		if m.Type == protocol.TypeActionResult {
			steps = append(steps, m.StepID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, steps)
	assert.Equal(t, []action.Kind{action.KindScroll, action.KindWait, action.KindPressKey}, exec.kinds())
}

func TestApprovalFlow(t *testing.T) {
	exec := &fakeExecutor{data: map[action.Kind]*action.ResultData{
		action.KindScreenshotRegion: {Mime: "image/png", Image: "iVBORw0KGgo="},
	}}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	shot := action.Action{Type: action.KindScreenshotRegion, X: 0, Y: 0, Width: 100, Height: 100}
	b.Handle(context.Background(), propose("shot-1", shot, true))
	// Screenshots are held even when the flag is missing.
	b.Handle(context.Background(), propose("shot-2", shot, false))

	assert.Equal(t, []string{"shot-1", "shot-2"}, b.Pending("s1"))
	assert.Empty(t, exec.kinds())

	b.Handle(context.Background(), protocol.NewApprove("s1", "shot-1", nil))
	msgs := snd.waitFor(t, 2)
	assert.Equal(t, "shot-1", msgs[0].StepID)
	require.NotNil(t, msgs[0].Data)
	assert.Equal(t, "image/png", msgs[0].Data.Mime)
	assert.Equal(t, []string{"shot-2"}, b.Pending("s1"))

	b.Handle(context.Background(), protocol.NewApprove("s1", "unknown", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, exec.kinds(), 1)
}

func TestApproveCarriesAction(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	a := action.Action{Type: action.KindScreenshotRegion, Width: 10, Height: 10}
	b.Handle(context.Background(), protocol.NewApprove("s1", "step-9", &a))

	msgs := snd.waitFor(t, 1)
	assert.Equal(t, "step-9", msgs[0].StepID)
	assert.Equal(t, []action.Kind{action.KindScreenshotRegion}, exec.kinds())
}

func TestExecutionFailureReported(t *testing.T) {
	exec := &fakeExecutor{fail: map[action.Kind]error{
		action.KindClickSelector: errors.New("no node matches #missing"),
	}}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	b.Handle(context.Background(), propose("step-1", action.Action{Type: action.KindClickSelector, Selector: "#missing"}, false))

	msgs := snd.waitFor(t, 2)
	assert.False(t, msgs[0].Succeeded())
	assert.Contains(t, msgs[0].Error, "execution error")
	assert.Contains(t, msgs[0].Error, "no node matches #missing")
	assert.Equal(t, protocol.TypeObserve, msgs[1].Type)
}

func TestPendingSurvivesReconnect(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	shot := action.Action{Type: action.KindScreenshotRegion, Width: 50, Height: 50}
	b.Handle(context.Background(), propose("shot-1", shot, true))

	snd.setDown(true)
	b.Handle(context.Background(), propose("step-2", action.Action{Type: action.KindScroll, DY: 200}, false))
	require.Eventually(t, func() bool { return b.Held("s1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, snd.sent())

	b.OnState("s1", connection.StateConnecting)
	snd.setDown(false)
	b.OnState("s1", connection.StateOpen)

	msgs := snd.waitFor(t, 2)
	assert.Equal(t, protocol.TypeActionResult, msgs[0].Type)
	assert.Equal(t, "step-2", msgs[0].StepID)
	assert.Equal(t, protocol.TypeObserve, msgs[1].Type)
	assert.Zero(t, b.Held("s1"))
	assert.Equal(t, []string{"shot-1"}, b.Pending("s1"))
}

func TestOutboxBounded(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{down: true}
	cfg := DefaultConfig()
	cfg.OutboxSize = 2
	b := New(exec, snd, cfg, nil)
	defer b.Close()

	for i := 0; i < 4; i++ {
		b.Handle(context.Background(), propose(fmt.Sprintf("s-%d", i), action.Action{Type: action.KindWait, Ms: 1}, false))
	}
	require.Eventually(t, func() bool { return len(exec.kinds()) == 4 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Held("s1") == 2 }, time.Second, 5*time.Millisecond)

	snd.setDown(false)
	b.OnState("s1", connection.StateOpen)
	msgs := snd.waitFor(t, 3)
	assert.Equal(t, "s-2", msgs[0].StepID)
	assert.Equal(t, "s-3", msgs[1].StepID)
}

func TestNavigate(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)
	defer b.Close()

	require.NoError(t, b.Navigate(context.Background(), "s1", "https://example.com"))
	assert.Equal(t, []action.Kind{action.KindGoto}, exec.kinds())
	msgs := snd.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeObserve, msgs[0].Type)

	exec.fail = map[action.Kind]error{action.KindGoto: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	err := b.Navigate(context.Background(), "s1", "https://nope.invalid")
	assert.ErrorIs(t, err, shared.ErrExecution)
}

func TestInvalidAndTeardown(t *testing.T) {
	exec := &fakeExecutor{}
	snd := &fakeSender{}
	b := New(exec, snd, DefaultConfig(), nil)

	b.Handle(context.Background(), protocol.Message{Type: protocol.TypeProposeAction, SessionID: "s1"})
	b.Handle(context.Background(), protocol.NewDone("s1", "finished"))
	b.Handle(context.Background(), protocol.NewEvent("s1", domain.StatusIdle, ""))
	assert.Empty(t, exec.kinds())

	b.Handle(context.Background(), propose("shot", action.Action{Type: action.KindScreenshotRegion, Width: 1, Height: 1}, true))
	require.Len(t, b.Pending("s1"), 1)
	b.Teardown("s1")
	assert.Nil(t, b.Pending("s1"))
	b.Close()
}
