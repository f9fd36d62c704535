package domain

// Status is the lifecycle state of an agent session.
type Status string

const (
	// StatusIdle means the session has no goal.
	StatusIdle Status = "idle"
	// StatusRunning means the session is deciding and executing.
	StatusRunning Status = "running"
	// StatusWaitingUser means the session waits for a correction or approval.
	StatusWaitingUser Status = "waiting_user"
	// StatusDone is reported to observers when a goal completes.
	StatusDone Status = "done"
	// StatusError is an event-only status for surfaced failures.
	StatusError Status = "error"
)

// Event drives session status transitions.
type Event string

const (
	EventInstruction Event = "instruction"
	EventDone        Event = "done"
	EventAskUser     Event = "ask_user"
	EventNeedsInput  Event = "needs_approval"
	EventCorrection  Event = "correction"
	EventApproval    Event = "approval"
)

// Next returns the status reached from s on ev, and whether the transition
// is defined. Undefined transitions leave the status unchanged.
func (s Status) Next(ev Event) (Status, bool) {
	switch ev {
	case EventInstruction:
		return StatusRunning, true
	case EventDone:
		if s == StatusRunning || s == StatusWaitingUser {
			return StatusIdle, true
		}
	case EventAskUser, EventNeedsInput:
		if s == StatusRunning {
			return StatusWaitingUser, true
		}
	case EventCorrection, EventApproval:
		if s == StatusWaitingUser {
			return StatusRunning, true
		}
	}
	return s, false
}
