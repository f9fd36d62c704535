package session

import (
	"sort"
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
)

const (
	// MaxCorrections is the number of corrections a session keeps.
	MaxCorrections = 30
	// MaxCorrectionLen caps each correction, in characters.
	MaxCorrectionLen = 8000
	// FingerprintWindow is the loop-detection history length.
	FingerprintWindow = 10
)

// Correction modes.
const (
	ModeUser       = "user"
	ModeSystem     = "system"
	ModeExtraction = "extraction"
	ModeError      = "error"
)

// Correction is feedback carried into the next decision.
type Correction struct {
	Text string    `json:"text"`
	Mode string    `json:"mode"`
	At   time.Time `json:"at"`
}

// Step is an action that has been assigned a step id.
type Step struct {
	ID               string        `json:"stepId"`
	Action           action.Action `json:"action"`
	RequiresApproval bool          `json:"requiresApproval"`
	Explanation      string        `json:"explanation,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// ReadMode tracks page-reading recovery.
type ReadMode struct {
	Active       bool        `json:"active"`
	Streak       int         `json:"streak"`
	LastSelector string      `json:"lastSelector,omitempty"`
	LastKind     action.Kind `json:"lastKind,omitempty"`
	LastAt       time.Time   `json:"lastAt"`
	Tried        bool        `json:"tried"`
	Pending      bool        `json:"pending"`
	PendingSince time.Time   `json:"pendingSince"`
	// EmptyPageRead is set once the page at EmptyPageURL has been read
	// because it listed no interactive elements.
	EmptyPageRead bool   `json:"emptyPageRead,omitempty"`
	EmptyPageURL  string `json:"emptyPageUrl,omitempty"`
}

// State is the mutable part of a session. It is only touched through
// Session.Update, which holds the session lock.
type State struct {
	Goal             string
	Status           domain.Status
	Observation      *domain.Observation
	Corrections      *Ring[Correction]
	PendingApprovals map[string]Step
	Dispatched       map[string]Step
	BadOutputCount   int
	LLMFailStreak    int
	Fingerprints     *Ring[string]
	Read             ReadMode
	LastAsk          string
	LastAskAt        time.Time
	CooldownUntil    time.Time
	Decisions        int
	LastMessage      string
}

func newState() State {
	return State{
		Status:           domain.StatusIdle,
		Corrections:      NewRing[Correction](MaxCorrections),
		PendingApprovals: make(map[string]Step),
		Dispatched:       make(map[string]Step),
		Fingerprints:     NewRing[string](FingerprintWindow),
	}
}

// Transition applies ev to the status. It reports whether the status
// machine defines the transition; undefined events leave Status unchanged.
func (st *State) Transition(ev domain.Event) bool {
	next, ok := st.Status.Next(ev)
	if ok {
		st.Status = next
	}
	return ok
}

// AddCorrection appends a correction, truncated to MaxCorrectionLen.
func (st *State) AddCorrection(text, mode string, now time.Time) {
	if text == "" {
		return
	}
	st.Corrections.Push(Correction{
		Text: action.Truncate(text, MaxCorrectionLen),
		Mode: mode,
		At:   now,
	})
}

// Undispatch forgets a dispatched step that never reached the executor.
// A read it started is no longer pending.
func (st *State) Undispatch(stepID string) {
	step, ok := st.Dispatched[stepID]
	if !ok {
		return
	}
	delete(st.Dispatched, stepID)
	if action.IsExtraction(step.Action.Type) {
		st.Read.Pending = false
	}
}

// Reset clears per-goal progress while keeping the session itself.
func (st *State) Reset() {
	st.Corrections.Reset()
	st.Fingerprints.Reset()
	st.BadOutputCount = 0
	st.LLMFailStreak = 0
	st.Read = ReadMode{}
	st.LastAsk = ""
	st.LastAskAt = time.Time{}
	st.CooldownUntil = time.Time{}
}

// View is an immutable snapshot of a session used for prompts and status
// queries.
type View struct {
	ID               string              `json:"sessionId"`
	Goal             string              `json:"goal"`
	Status           domain.Status       `json:"status"`
	Observation      *domain.Observation `json:"observation,omitempty"`
	Corrections      []Correction        `json:"corrections"`
	PendingApprovals []string            `json:"pendingApprovals"`
	Dispatched       int                 `json:"dispatched"`
	BadOutputCount   int                 `json:"badOutputCount"`
	LLMFailStreak    int                 `json:"llmFailStreak"`
	Read             ReadMode            `json:"readMode"`
	CooldownUntil    time.Time           `json:"cooldownUntil"`
	Decisions        int                 `json:"decisions"`
	LastMessage      string              `json:"lastMessage,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	LastActive       time.Time           `json:"lastActive"`
}

func (st *State) view() View {
	pending := make([]string, 0, len(st.PendingApprovals))
	for id := range st.PendingApprovals {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	return View{
		Goal:             st.Goal,
		Status:           st.Status,
		Observation:      st.Observation.Clone(),
		Corrections:      st.Corrections.Items(),
		PendingApprovals: pending,
		Dispatched:       len(st.Dispatched),
		BadOutputCount:   st.BadOutputCount,
		LLMFailStreak:    st.LLMFailStreak,
		Read:             st.Read,
		CooldownUntil:    st.CooldownUntil,
		Decisions:        st.Decisions,
		LastMessage:      st.LastMessage,
	}
}
