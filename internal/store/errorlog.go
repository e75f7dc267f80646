package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// ErrorLogEntry is one typed error record.
type ErrorLogEntry struct {
	ID          string
	SessionID   string // empty if not session-scoped
	Code        swarmerr.Code
	Category    swarmerr.Category
	Severity    swarmerr.Severity
	Recoverable bool
	Retryable   bool
	Recovered   bool
	Component   string
	Message     string
	Context     map[string]any
	CreatedAt   time.Time
}

// LogError records a SwarmError to the error log.
func (d *DB) LogError(ctx context.Context, sessionID string, se *swarmerr.SwarmError) (*ErrorLogEntry, error) {
	ctxJSON, _ := json.Marshal(se.Context)
	entry := &ErrorLogEntry{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Code:        se.Code,
		Category:    se.Category,
		Severity:    se.Severity,
		Recoverable: se.Recoverable,
		Retryable:   se.Retryable,
		Component:   se.Component,
		Message:     se.Message,
		Context:     se.Context,
		CreatedAt:   time.Now().UTC(),
	}

	var sessionArg any
	if sessionID != "" {
		sessionArg = sessionID
	}

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO error_log (id, session_id, code, category, severity, recoverable, retryable, recovered, component, message, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		entry.ID, sessionArg, string(entry.Code), string(entry.Category), string(entry.Severity),
		boolToInt(entry.Recoverable), boolToInt(entry.Retryable), entry.Component, entry.Message,
		string(ctxJSON), isoTime(entry.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting error log entry", err)
	}
	return entry, nil
}

// MarkErrorRecovered flips an error log entry's recovered flag to true.
func (d *DB) MarkErrorRecovered(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE error_log SET recovered = 1 WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "marking error recovered", err)
	}
	return checkAffected(res)
}

// GetSessionErrors returns every error log entry for a session, oldest first.
func (d *DB) GetSessionErrors(ctx context.Context, sessionID string) ([]*ErrorLogEntry, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, session_id, code, category, severity, recoverable, retryable, recovered, component, message, context, created_at
		 FROM error_log WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing session errors", err)
	}
	defer rows.Close()

	var out []*ErrorLogEntry
	for rows.Next() {
		e, err := scanErrorLogRow(rows)
		if err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning error log entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanErrorLogRow(rows *sql.Rows) (*ErrorLogEntry, error) {
	var e ErrorLogEntry
	var sessionID sql.NullString
	var code, category, severity, ctxJSON, createdAt string
	var recoverable, retryable, recovered int

	if err := rows.Scan(&e.ID, &sessionID, &code, &category, &severity,
		&recoverable, &retryable, &recovered, &e.Component, &e.Message, &ctxJSON, &createdAt); err != nil {
		return nil, err
	}
	e.SessionID = sessionID.String
	e.Code = swarmerr.Code(code)
	e.Category = swarmerr.Category(category)
	e.Severity = swarmerr.Severity(severity)
	e.Recoverable = recoverable != 0
	e.Retryable = retryable != 0
	e.Recovered = recovered != 0
	e.CreatedAt = mustParseTime(createdAt)
	_ = json.Unmarshal([]byte(ctxJSON), &e.Context)
	return &e, nil
}
