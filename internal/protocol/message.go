// Package protocol defines the session-scoped messages exchanged between
// the executing side and the deciding side.
package protocol

import (
	"fmt"
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/shared"
)

// Type identifies a message kind.
type Type string

const (
	TypeObserve       Type = "observe"
	TypeInstruction   Type = "instruction"
	TypeCorrection    Type = "correction"
	TypeProposeAction Type = "propose_action"
	TypeNeedsApproval Type = "agent_action_needs_approval"
	TypeApprove       Type = "approve"
	TypeActionResult  Type = "action_result"
	TypeAgentEvent    Type = "agent_event"
	TypeDone          Type = "done"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
)

// Message is the flat wire form of every message kind. Which fields are
// set depends on Type; Validate checks the required ones.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`

	Text string `json:"text,omitempty"`
	Mode string `json:"mode,omitempty"`

	URL      string           `json:"url,omitempty"`
	Viewport *domain.Viewport `json:"viewport,omitempty"`
	Elements []domain.Element `json:"elements,omitempty"`

	StepID           string         `json:"stepId,omitempty"`
	Action           *action.Action `json:"action,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`
	Explanation      string         `json:"explanation,omitempty"`

	OK    *bool              `json:"ok,omitempty"`
	Error string             `json:"error,omitempty"`
	Data  *action.ResultData `json:"data,omitempty"`

	Status  domain.Status `json:"status,omitempty"`
	Message string        `json:"message,omitempty"`

	TS int64 `json:"ts,omitempty"`
}

// Validate reports missing required fields as shared.ErrProtocol.
func (m Message) Validate() error {
	if m.Type == TypePing || m.Type == TypePong {
		return nil
	}
	if m.SessionID == "" {
		return protoErr(m.Type, "sessionId is required")
	}
	switch m.Type {
	case TypeInstruction:
		if m.Text == "" {
			return protoErr(m.Type, "text is required")
		}
	case TypeObserve:
		if m.URL == "" {
			return protoErr(m.Type, "url is required")
		}
	case TypeCorrection:
		if m.Text == "" {
			return protoErr(m.Type, "text is required")
		}
	case TypeProposeAction:
		if m.StepID == "" || m.Action == nil {
			return protoErr(m.Type, "stepId and action are required")
		}
	case TypeNeedsApproval, TypeApprove:
		if m.StepID == "" {
			return protoErr(m.Type, "stepId is required")
		}
	case TypeActionResult:
		if m.StepID == "" || m.OK == nil {
			return protoErr(m.Type, "stepId and ok are required")
		}
	case TypeAgentEvent:
		if m.Status == "" {
			return protoErr(m.Type, "status is required")
		}
	case TypeDone:
	default:
		return protoErr(m.Type, "unknown message type")
	}
	return nil
}

func protoErr(t Type, msg string) error {
	return fmt.Errorf("%w: %s: %s", shared.ErrProtocol, t, msg)
}

// Observation returns the page snapshot carried by an observe message.
func (m Message) Observation() domain.Observation {
	obs := domain.Observation{
		URL:      m.URL,
		Elements: append([]domain.Element(nil), m.Elements...),
	}
	if m.Viewport != nil {
		obs.Viewport = *m.Viewport
	}
	if m.TS > 0 {
		obs.Timestamp = time.UnixMilli(m.TS)
	} else {
		obs.Timestamp = time.Now()
	}
	return obs
}

// Succeeded reports the ok flag of an action_result.
func (m Message) Succeeded() bool {
	return m.OK != nil && *m.OK
}

func stamp() int64 { return time.Now().UnixMilli() }

// NewObserve wraps an observation.
func NewObserve(sessionID string, obs domain.Observation) Message {
	vp := obs.Viewport
	return Message{
		Type:      TypeObserve,
		SessionID: sessionID,
		URL:       obs.URL,
		Viewport:  &vp,
		Elements:  obs.Elements,
		TS:        stamp(),
	}
}

// NewInstruction sets a new goal.
func NewInstruction(sessionID, text string) Message {
	return Message{Type: TypeInstruction, SessionID: sessionID, Text: text, TS: stamp()}
}

// NewCorrection carries guidance for the next decision.
func NewCorrection(sessionID, text, mode string) Message {
	return Message{Type: TypeCorrection, SessionID: sessionID, Text: text, Mode: mode, TS: stamp()}
}

// NewProposal announces a decided action.
func NewProposal(sessionID, stepID string, a action.Action, requiresApproval bool, explanation string) Message {
	return Message{
		Type:             TypeProposeAction,
		SessionID:        sessionID,
		StepID:           stepID,
		Action:           &a,
		RequiresApproval: requiresApproval,
		Explanation:      explanation,
		TS:               stamp(),
	}
}

// NewNeedsApproval notifies observers that stepID waits for approval.
func NewNeedsApproval(sessionID, stepID string) Message {
	return Message{Type: TypeNeedsApproval, SessionID: sessionID, StepID: stepID, TS: stamp()}
}

// NewApprove approves stepID. When forwarded to the executor it carries
// the approved action.
func NewApprove(sessionID, stepID string, a *action.Action) Message {
	return Message{Type: TypeApprove, SessionID: sessionID, StepID: stepID, Action: a, TS: stamp()}
}

// NewResult reports the outcome of executing stepID.
func NewResult(sessionID, stepID string, ok bool, errText string, data *action.ResultData) Message {
	return Message{
		Type:      TypeActionResult,
		SessionID: sessionID,
		StepID:    stepID,
		OK:        &ok,
		Error:     errText,
		Data:      data,
		TS:        stamp(),
	}
}

// NewEvent reports a status change.
func NewEvent(sessionID string, status domain.Status, message string) Message {
	return Message{Type: TypeAgentEvent, SessionID: sessionID, Status: status, Message: message, TS: stamp()}
}

// NewDone reports goal completion.
func NewDone(sessionID, message string) Message {
	return Message{Type: TypeDone, SessionID: sessionID, Message: message, TS: stamp()}
}

// NewPing is a keepalive probe.
func NewPing(sessionID string) Message {
	return Message{Type: TypePing, SessionID: sessionID, TS: stamp()}
}

// NewPong answers a ping.
func NewPong(sessionID string) Message {
	return Message{Type: TypePong, SessionID: sessionID, TS: stamp()}
}
