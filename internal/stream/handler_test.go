package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/protocol"
)

type fakeInbound struct {
	mu     sync.Mutex
	opened []string
	got    []protocol.Message
}

func (f *fakeInbound) Open(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	return nil
}

func (f *fakeInbound) Handle(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeInbound) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.got...)
}

func newTestServer(t *testing.T, hub *Hub, in Inbound) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Handle("/ws/sessions/{id}", NewWebSocketHandler(hub, in, nil, nil))
	r.Handle("/api/sessions/{id}/stream", NewSSEHandler(hub, in, time.Second, 20*time.Millisecond))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func TestWebSocketExecutorRoundTrip(t *testing.T) {
	hub := NewHub()
	in := &fakeInbound{}
	srv := newTestServer(t, hub, in)

	c := dialWS(t, srv, "/ws/sessions/s1?role=executor")
	defer c.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Count("s1", RoleExecutor) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, c, protocol.NewPing("")))
	var pong protocol.Message
	require.NoError(t, wsjson.Read(ctx, c, &pong))
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "s1", pong.SessionID)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	require.NoError(t, wsjson.Write(ctx, c, protocol.Message{Type: protocol.TypeInstruction, Text: "find a pizza place"}))
	require.NoError(t, wsjson.Write(ctx, c, protocol.NewInstruction("other", "ignored")))
	require.Eventually(t, func() bool { return len(in.messages()) == 1 }, time.Second, 5*time.Millisecond)
	got := in.messages()[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "find a pizza place", got.Text)

	require.NoError(t, hub.Dispatch(protocol.NewProposal("s1", "step-1", action.Wait(500), false, "waiting")))
	var prop protocol.Message
	require.NoError(t, wsjson.Read(ctx, c, &prop))
	assert.Equal(t, protocol.TypeProposeAction, prop.Type)
	assert.Equal(t, "step-1", prop.StepID)

	hub.CloseSession("s1")
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return hub.Count("s1", RoleExecutor) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketRejectsBadSessionID(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub, &fakeInbound{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/sessions/bad%20id", nil)
	require.NoError(t, err)
	req.Close = true
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func readSSE(t *testing.T, sc *bufio.Scanner, event string) (string, string) {
	t.Helper()
	var id string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			continue
		case line == "event: "+event:
			require.True(t, sc.Scan())
			return id, strings.TrimPrefix(sc.Text(), "data: ")
		}
	}
	t.Fatalf("stream ended before %s event", event)
	return "", ""
}

func TestSSEStreamAndReplay(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub, &fakeInbound{})

	hub.Broadcast(protocol.NewEvent("s1", domain.StatusRunning, "first"))
	hub.Broadcast(protocol.NewEvent("s1", domain.StatusWaitingUser, "second"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/s1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	id, data := readSSE(t, sc, string(protocol.TypeAgentEvent))
	assert.Equal(t, "2", id)
	var replayed protocol.Message
	require.NoError(t, json.Unmarshal([]byte(data), &replayed))
	assert.Equal(t, "second", replayed.Message)

	require.Eventually(t, func() bool { return hub.Count("s1", RoleObserver) == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast(protocol.NewDone("s1", "all done"))
	_, data = readSSE(t, sc, string(protocol.TypeDone))
	assert.Contains(t, data, "all done")

	_, data = readSSE(t, sc, "ping")
	assert.Equal(t, `{"status":"alive"}`, data)

	cancel()
	require.Eventually(t, func() bool { return hub.Count("s1", RoleObserver) == 0 }, time.Second, 5*time.Millisecond)
}
