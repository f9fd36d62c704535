// Package store provides the durable session journal.
package store

import (
	"context"
	"time"

	"github.com/ashureev/webpilot/internal/domain"
)

// SessionRecord is the persisted summary of a session.
type SessionRecord struct {
	ID        string
	Goal      string
	Status    domain.Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepStatus is the lifecycle of a journaled step.
type StepStatus string

const (
	StepProposed  StepStatus = "proposed"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is one proposed action and its outcome.
type StepRecord struct {
	SessionID        string
	StepID           string
	Kind             string
	ActionJSON       string
	RequiresApproval bool
	Explanation      string
	Source           string
	Status           StepStatus
	Error            string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Repository defines the interface for persisting the session journal.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session by ID. A missing session returns nil, nil.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// DeleteSession removes a session and its steps.
	DeleteSession(ctx context.Context, id string) error

	// RecordStep stores a newly proposed step.
	RecordStep(ctx context.Context, step *StepRecord) error

	// CompleteStep stores the outcome of a step.
	CompleteStep(ctx context.Context, sessionID, stepID string, ok bool, errText string) error

	// ListSteps returns the newest steps of a session, newest last.
	ListSteps(ctx context.Context, sessionID string, limit int) ([]StepRecord, error)

	// CleanupExpired removes sessions not updated within ttl.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Nop returns a Repository that stores nothing.
func Nop() Repository { return nopRepository{} }

type nopRepository struct{}

func (nopRepository) UpsertSession(context.Context, *SessionRecord) error { return nil }
func (nopRepository) GetSession(context.Context, string) (*SessionRecord, error) {
	return nil, nil
}
func (nopRepository) DeleteSession(context.Context, string) error  { return nil }
func (nopRepository) RecordStep(context.Context, *StepRecord) error { return nil }
func (nopRepository) CompleteStep(context.Context, string, string, bool, string) error {
	return nil
}
func (nopRepository) ListSteps(context.Context, string, int) ([]StepRecord, error) {
	return nil, nil
}
func (nopRepository) CleanupExpired(context.Context, time.Duration) (int64, error) { return 0, nil }
func (nopRepository) Ping(context.Context) error                                  { return nil }
func (nopRepository) Close() error                                                { return nil }
