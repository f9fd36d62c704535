// Package agent orchestrates the deciding side: it applies inbound protocol
// messages to sessions, runs decision cycles, and publishes the results.
package agent

import (
	"time"

	"github.com/ashureev/webpilot/internal/protocol"
)

// Publisher delivers outbound messages to attached connections.
type Publisher interface {
	// Broadcast sends msg to every observer of its session.
	Broadcast(msg protocol.Message)
	// Dispatch sends msg to the executor of its session.
	Dispatch(msg protocol.Message) error
	// CloseSession drops every connection of a session.
	CloseSession(sessionID string)
}

// Config holds service tunables.
type Config struct {
	// JournalTimeout bounds each best-effort journal write.
	JournalTimeout time.Duration
}

// DefaultConfig returns default service configuration.
func DefaultConfig() Config {
	return Config{JournalTimeout: 5 * time.Second}
}

// Status is the snapshot returned for a session.
type Status struct {
	SessionID        string   `json:"sessionId"`
	Goal             string   `json:"goal"`
	Status           string   `json:"status"`
	PendingApprovals []string `json:"pendingApprovals"`
	Dispatched       int      `json:"dispatched"`
	Decisions        int      `json:"decisions"`
	BadOutputCount   int      `json:"badOutputCount"`
	LLMFailStreak    int      `json:"llmFailStreak"`
	ReadMode         bool     `json:"readMode"`
	CooldownMs       int64    `json:"cooldownMs"`
	LastMessage      string   `json:"lastMessage,omitempty"`
	CreatedAt        int64    `json:"createdAt"`
	LastActive       int64    `json:"lastActive"`
}
