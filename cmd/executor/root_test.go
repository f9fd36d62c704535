package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpilot/internal/connection"
)

func TestFlags(t *testing.T) {
	cmd := newRootCmd()
	f := cmd.Flags()

	server, err := f.GetString("server")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", server)

	headless, err := f.GetBool("headless")
	require.NoError(t, err)
	assert.True(t, headless)

	keepalive, err := f.GetDuration("keepalive")
	require.NoError(t, err)
	assert.Equal(t, connection.DefaultKeepalive, keepalive)

	for _, name := range []string{"session", "goal", "start-url"} {
		assert.NotNil(t, f.Lookup(name), name)
	}
}

func TestRejectsBadSessionID(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--session", "not a valid id"})
	cmd.SetOut(&discard{})
	cmd.SetErr(&discard{})
	err := cmd.Execute()
	assert.Error(t, err)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "find the pricing page", body["goal"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sessionId":"abc-123"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := createSession(ctx, srv.Client(), srv.URL+"/", "find the pricing page")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestCreateSessionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := createSession(context.Background(), srv.Client(), srv.URL, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
