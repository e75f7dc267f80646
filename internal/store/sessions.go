package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// SessionStatus is the closed set of session lifecycle states.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionRunning       SessionStatus = "running"
	SessionPaused        SessionStatus = "paused"
	SessionSynthesizing  SessionStatus = "synthesizing"
	SessionComplete      SessionStatus = "complete"
	SessionCancelled     SessionStatus = "cancelled"
	SessionFailed        SessionStatus = "failed"
)

// terminalStatuses are statuses a session can never leave.
var terminalStatuses = map[SessionStatus]bool{
	SessionComplete:  true,
	SessionCancelled: true,
	SessionFailed:    true,
}

// IsTerminal reports whether s is one of the terminal session statuses.
func (s SessionStatus) IsTerminal() bool { return terminalStatuses[s] }

// Session is the top-level run record.
type Session struct {
	ID           string
	WorkflowType string
	Goal         string
	Status       SessionStatus
	Config       map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSession inserts a new session in status SessionInitializing.
func (d *DB) CreateSession(ctx context.Context, workflowType, goal string, config map[string]any) (*Session, error) {
	if config == nil {
		config = map[string]any{}
	}
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.InvalidArgs, "store", "marshaling session config", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		WorkflowType: workflowType,
		Goal:         goal,
		Status:       SessionInitializing,
		Config:       config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_type, goal, status, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowType, sess.Goal, string(sess.Status), string(cfgJSON),
		isoTime(sess.CreatedAt), isoTime(sess.UpdatedAt),
	)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting session", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var status, cfgJSON, createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.WorkflowType, &s.Goal, &status, &cfgJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning session", err)
	}
	s.Status = SessionStatus(status)
	s.Config = parseJSONObject(cfgJSON)
	s.CreatedAt = mustParseTime(createdAt)
	s.UpdatedAt = mustParseTime(updatedAt)
	return &s, nil
}

// GetSession fetches a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT id, workflow_type, goal, status, config, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSessionStatus sets the session's status and bumps updated_at.
// Returns ErrNotFound if no row matched.
func (d *DB) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), isoTime(time.Now().UTC()), id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "updating session status", err)
	}
	return checkAffected(res)
}

// SessionFilter narrows ListSessions results; zero-value fields are
// unconstrained.
type SessionFilter struct {
	Status       SessionStatus
	WorkflowType string
}

// ListSessions returns sessions matching filter, newest first.
func (d *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	q := `SELECT id, workflow_type, goal, status, config, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		q += ` AND workflow_type = ?`
		args = append(args, filter.WorkflowType)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		var status, cfgJSON, createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &s.WorkflowType, &s.Goal, &status, &cfgJSON, &createdAt, &updatedAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning session row", err)
		}
		s.Status = SessionStatus(status)
		s.Config = parseJSONObject(cfgJSON)
		s.CreatedAt = mustParseTime(createdAt)
		s.UpdatedAt = mustParseTime(updatedAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via ON DELETE CASCADE, every child
// row (messages, findings, artifacts, decisions, tasks, checkpoints,
// agent_activity; error_log rows are detached instead of deleted).
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "deleting session", err)
	}
	return checkAffected(res)
}

// parseJSONObject defensively parses a JSON object column: a malformed
// value logs a warning and yields an empty map rather than raising.
func parseJSONObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		log.Warn(log.CatStore, "malformed JSON column, using empty default", "error", err.Error())
		return map[string]any{}
	}
	return m
}

// isoTime uses a fixed-width fraction so stored timestamps order
// correctly when compared as text.
func isoTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
