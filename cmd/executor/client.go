package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// createSession starts a session on the server and returns its id.
func createSession(ctx context.Context, client *http.Client, server, goal string) (string, error) {
	body, err := json.Marshal(map[string]string{"goal": goal})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	endpoint := strings.TrimRight(server, "/") + "/api/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("create session: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return out.SessionID, nil
}
