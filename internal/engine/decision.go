package engine

import "github.com/ashureev/webpilot/internal/action"

// Source records which path produced a decision.
type Source string

const (
	SourceLLM        Source = "llm"
	SourceFallback   Source = "fallback"
	SourceReadMode   Source = "read_mode"
	SourceLoopBreak  Source = "loop_break"
	SourceCooldown   Source = "cooldown"
	SourceGuard      Source = "guard"
	SourceEscalation Source = "escalation"
	SourceDone       Source = "done"
)

// Decision is the outcome of one decision cycle: either a done signal or
// an action to execute or propose.
type Decision struct {
	Done             bool          `json:"done"`
	Message          string        `json:"message,omitempty"`
	Action           action.Action `json:"action"`
	RequiresApproval bool          `json:"requiresApproval"`
	Explanation      string        `json:"explanation,omitempty"`
	Source           Source        `json:"source"`
}

// IsWait reports whether the decision only asks the caller to wait.
func (d Decision) IsWait() bool {
	return !d.Done && d.Action.Type == action.KindWait
}

func waitDecision(ms int, why string, src Source) Decision {
	return Decision{Action: action.Wait(ms), Explanation: why, Source: src}
}
