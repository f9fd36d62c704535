package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/agent"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/identity"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
	"github.com/ashureev/webpilot/internal/store"
)

// Sessions is the session service the handlers drive.
type Sessions interface {
	Start(ctx context.Context, sessionID, goal string) (string, error)
	Handle(ctx context.Context, msg protocol.Message) error
	Status(sessionID string) (agent.Status, error)
	Steps(ctx context.Context, sessionID string, limit int) ([]store.StepRecord, error)
	Teardown(sessionID string) error
}

// StartRequest is the body of POST /api/sessions.
type StartRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,max=128"`
	Goal      string `json:"goal" validate:"max=4000"`
}

// InstructionRequest is the body of POST /api/sessions/{id}/instruction.
type InstructionRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

// ObserveRequest is the body of POST /api/sessions/{id}/observe.
type ObserveRequest struct {
	URL      string           `json:"url" validate:"required,max=2048"`
	Viewport *domain.Viewport `json:"viewport"`
	Elements []domain.Element `json:"elements" validate:"max=500"`
	TS       int64            `json:"ts" validate:"gte=0"`
}

// CorrectionRequest is the body of POST /api/sessions/{id}/correction.
type CorrectionRequest struct {
	Text string `json:"text" validate:"required,max=8000"`
	Mode string `json:"mode" validate:"omitempty,oneof=user system extraction error"`
}

// ActionResultRequest is the body of POST /api/sessions/{id}/action-result.
type ActionResultRequest struct {
	StepID string             `json:"stepId" validate:"required,max=128"`
	OK     *bool              `json:"ok" validate:"required"`
	Error  string             `json:"error" validate:"max=8000"`
	Data   *action.ResultData `json:"data"`
	TS     int64              `json:"ts" validate:"gte=0"`
}

// ApproveRequest is the body of POST /api/sessions/{id}/approve.
type ApproveRequest struct {
	StepID string `json:"stepId" validate:"required,max=128"`
}

// SessionHandler handles the session control endpoints.
type SessionHandler struct {
	svc     Sessions
	maxBody int64
}

// NewSessionHandler creates a session handler. maxBody <= 0 uses
// DefaultMaxBodyBytes.
func NewSessionHandler(svc Sessions, maxBody int64) *SessionHandler {
	return &SessionHandler{svc: svc, maxBody: maxBody}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(identity.Middleware)
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Get("/steps", h.Steps)
			r.Post("/instruction", h.Instruction)
			r.Post("/observe", h.Observe)
			r.Post("/correction", h.Correction)
			r.Post("/action-result", h.ActionResult)
			r.Post("/approve", h.Approve)
		})
	})
}

func ack(w http.ResponseWriter) {
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Start creates a session, optionally with a first goal.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, h.maxBody, &req); err != nil {
			Fail(w, err)
			return
		}
	}
	id, err := h.svc.Start(r.Context(), req.SessionID, req.Goal)
	if err != nil {
		slog.Warn("Failed to start session", "error", err, "session_id", req.SessionID)
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// Get returns the session status snapshot.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(identity.SessionIDFromContext(r.Context()))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Delete tears the session down.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Teardown(identity.SessionIDFromContext(r.Context())); err != nil {
		Fail(w, err)
		return
	}
	ack(w)
}

// Steps returns the journaled steps of the session.
func (h *SessionHandler) Steps(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	steps, err := h.svc.Steps(r.Context(), identity.SessionIDFromContext(r.Context()), limit)
	if err != nil {
		Fail(w, err)
		return
	}
	if steps == nil {
		steps = []store.StepRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// Instruction sets a new goal.
func (h *SessionHandler) Instruction(w http.ResponseWriter, r *http.Request) {
	var req InstructionRequest
	if err := decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	h.handle(w, r, protocol.NewInstruction(identity.SessionIDFromContext(r.Context()), req.Text))
}

// Observe submits a page observation.
func (h *SessionHandler) Observe(w http.ResponseWriter, r *http.Request) {
	var req ObserveRequest
	if err := decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	msg := protocol.Message{
		Type:      protocol.TypeObserve,
		SessionID: identity.SessionIDFromContext(r.Context()),
		URL:       req.URL,
		Viewport:  req.Viewport,
		Elements:  req.Elements,
		TS:        req.TS,
	}
	h.handle(w, r, msg)
}

// Correction submits user guidance.
func (h *SessionHandler) Correction(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	h.handle(w, r, protocol.NewCorrection(identity.SessionIDFromContext(r.Context()), req.Text, req.Mode))
}

// ActionResult submits an executor result. A result for an unknown step is
// acknowledged and ignored.
func (h *SessionHandler) ActionResult(w http.ResponseWriter, r *http.Request) {
	var req ActionResultRequest
	if err := decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	sid := identity.SessionIDFromContext(r.Context())
	msg := protocol.NewResult(sid, req.StepID, *req.OK, req.Error, req.Data)
	if req.TS > 0 {
		msg.TS = req.TS
	}
	err := h.svc.Handle(r.Context(), msg)
	if errors.Is(err, shared.ErrProtocol) {
		slog.Info("Ignoring action result", "session_id", sid, "step_id", req.StepID, "error", err)
		JSON(w, http.StatusAccepted, map[string]bool{"ok": true, "ignored": true})
		return
	}
	if err != nil {
		Fail(w, err)
		return
	}
	ack(w)
}

// Approve approves a pending step.
func (h *SessionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	h.handle(w, r, protocol.NewApprove(identity.SessionIDFromContext(r.Context()), req.StepID, nil))
}

func (h *SessionHandler) handle(w http.ResponseWriter, r *http.Request, msg protocol.Message) {
	if err := h.svc.Handle(r.Context(), msg); err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			slog.Error("Failed to handle message", "error", err, "session_id", msg.SessionID, "type", msg.Type)
		}
		Fail(w, err)
		return
	}
	ack(w)
}
