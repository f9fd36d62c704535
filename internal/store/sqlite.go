package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/shared"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		goal TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS steps (
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		step_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action_json TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		explanation TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		PRIMARY KEY (session_id, step_id)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_created ON steps(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func(context.Context) error) error {
	return shared.RetryOnConflict(ctx, op, retryAttempts, retryBase, func(ctx context.Context) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn(ctx)
	})
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, goal, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		goal = excluded.goal,
		status = excluded.status,
		updated_at = excluded.updated_at`

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return s.write(ctx, "upsert session", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.Goal, string(rec.Status), created.UnixMilli(), updated.UnixMilli())
		return err
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT session_id, goal, status, created_at, updated_at FROM sessions WHERE session_id = ?`

	var rec SessionRecord
	var status string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Goal, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	rec.Status = domain.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// DeleteSession removes a session and its steps.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.write(ctx, "delete session", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE session_id = ?`, id); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
		return err
	})
}

// RecordStep stores a newly proposed step. The owning session row is
// created if it does not exist yet.
func (s *SQLiteStore) RecordStep(ctx context.Context, step *StepRecord) error {
	created := step.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := step.Status
	if status == "" {
		status = StepProposed
	}
	return s.write(ctx, "record step", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, goal, status, created_at, updated_at)
			VALUES (?, '', ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
			step.SessionID, string(domain.StatusRunning), created.UnixMilli(), created.UnixMilli()); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO steps (session_id, step_id, kind, action_json, requires_approval,
				explanation, source, status, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, step_id) DO NOTHING`,
			step.SessionID, step.StepID, step.Kind, step.ActionJSON, step.RequiresApproval,
			step.Explanation, step.Source, string(status), step.Error, created.UnixMilli())
		return err
	})
}

// CompleteStep stores the outcome of a step.
func (s *SQLiteStore) CompleteStep(ctx context.Context, sessionID, stepID string, ok bool, errText string) error {
	status := StepSucceeded
	if !ok {
		status = StepFailed
	}
	now := time.Now().UnixMilli()
	return s.write(ctx, "complete step", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE steps SET status = ?, error = ?, completed_at = ? WHERE session_id = ? AND step_id = ?`,
			string(status), errText, now, sessionID, stepID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("CompleteStep affected 0 rows", "session_id", sessionID, "step_id", stepID)
		}
		return nil
	})
}

// ListSteps returns up to limit of the newest steps, oldest first.
func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string, limit int) ([]StepRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT session_id, step_id, kind, action_json, requires_approval, explanation,
		       source, status, error, created_at, completed_at
		FROM (
			SELECT steps.*, steps.rowid AS rid FROM steps WHERE session_id = ?
			ORDER BY created_at DESC, rid DESC LIMIT ?
		) ORDER BY created_at ASC, rid ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close steps rows", "error", closeErr)
		}
	}()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var status string
		var createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(
			&step.SessionID, &step.StepID, &step.Kind, &step.ActionJSON, &step.RequiresApproval,
			&step.Explanation, &step.Source, &status, &step.Error, &createdAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		step.Status = StepStatus(status)
		step.CreatedAt = time.UnixMilli(createdAt)
		if completedAt.Valid {
			ts := time.UnixMilli(completedAt.Int64)
			step.CompletedAt = &ts
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// CleanupExpired removes sessions, and their steps, not updated within ttl.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var removed int64
	err := s.write(ctx, "cleanup expired sessions", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM steps WHERE session_id IN (SELECT session_id FROM sessions WHERE updated_at < ?)`,
			threshold); err != nil {
			return err
		}
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
