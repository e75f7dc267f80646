package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// Finding is a research claim produced by a worker.
type Finding struct {
	ID         string
	SessionID  string
	Claim      string
	Confidence float64
	Sources    []string
	Verified   bool
	CreatedAt  time.Time
}

// CreateFinding appends a finding to a session.
func (d *DB) CreateFinding(ctx context.Context, sessionID, claim string, confidence float64, sources []string) (*Finding, error) {
	sourcesJSON, _ := json.Marshal(sources)
	f := &Finding{ID: uuid.NewString(), SessionID: sessionID, Claim: claim, Confidence: confidence, Sources: sources, CreatedAt: time.Now().UTC()}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO findings (id, session_id, claim, confidence, sources, verified, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		f.ID, f.SessionID, f.Claim, f.Confidence, string(sourcesJSON), isoTime(f.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting finding", err)
	}
	return f, nil
}

// GetFinding fetches a finding by id.
func (d *DB) GetFinding(ctx context.Context, id string) (*Finding, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT id, session_id, claim, confidence, sources, verified, created_at FROM findings WHERE id = ?`, id)
	var f Finding
	var sourcesJSON, createdAt string
	var verified int
	if err := row.Scan(&f.ID, &f.SessionID, &f.Claim, &f.Confidence, &sourcesJSON, &verified, &createdAt); err != nil {
		return nil, scanErr(err)
	}
	f.Verified = verified != 0
	f.CreatedAt = mustParseTime(createdAt)
	if err := json.Unmarshal([]byte(sourcesJSON), &f.Sources); err != nil {
		log.Warn(log.CatStore, "malformed finding sources JSON", "finding_id", f.ID)
	}
	return &f, nil
}

// GetSessionFindings returns every finding for a session, oldest first.
func (d *DB) GetSessionFindings(ctx context.Context, sessionID string) ([]*Finding, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, session_id, claim, confidence, sources, verified, created_at FROM findings WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing findings", err)
	}
	defer rows.Close()
	var out []*Finding
	for rows.Next() {
		var f Finding
		var sourcesJSON, createdAt string
		var verified int
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Claim, &f.Confidence, &sourcesJSON, &verified, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning finding", err)
		}
		f.Verified = verified != 0
		f.CreatedAt = mustParseTime(createdAt)
		_ = json.Unmarshal([]byte(sourcesJSON), &f.Sources)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// Artifact is a produced file path with a review status.
type Artifact struct {
	ID           string
	SessionID    string
	Path         string
	Description  string
	ReviewStatus string
	CreatedAt    time.Time
}

// CreateArtifact appends an artifact record to a session.
func (d *DB) CreateArtifact(ctx context.Context, sessionID, path, description string) (*Artifact, error) {
	a := &Artifact{ID: uuid.NewString(), SessionID: sessionID, Path: path, Description: description, ReviewStatus: "pending", CreatedAt: time.Now().UTC()}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, path, description, review_status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Path, a.Description, a.ReviewStatus, isoTime(a.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting artifact", err)
	}
	return a, nil
}

// UpdateArtifactReviewStatus sets an artifact's review status.
func (d *DB) UpdateArtifactReviewStatus(ctx context.Context, id, status string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE artifacts SET review_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "updating artifact review status", err)
	}
	return checkAffected(res)
}

// GetSessionArtifacts returns every artifact for a session, oldest first.
func (d *DB) GetSessionArtifacts(ctx context.Context, sessionID string) ([]*Artifact, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, session_id, path, description, review_status, created_at FROM artifacts WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing artifacts", err)
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Path, &a.Description, &a.ReviewStatus, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning artifact", err)
		}
		a.CreatedAt = mustParseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Decision is an architectural decision record with rationale.
type Decision struct {
	ID           string
	SessionID    string
	Title        string
	Rationale    string
	Alternatives []string
	CreatedAt    time.Time
}

// CreateDecision appends a decision record to a session.
func (d *DB) CreateDecision(ctx context.Context, sessionID, title, rationale string, alternatives []string) (*Decision, error) {
	altJSON, _ := json.Marshal(alternatives)
	dec := &Decision{ID: uuid.NewString(), SessionID: sessionID, Title: title, Rationale: rationale, Alternatives: alternatives, CreatedAt: time.Now().UTC()}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO decisions (id, session_id, title, rationale, alternatives, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.SessionID, dec.Title, dec.Rationale, string(altJSON), isoTime(dec.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting decision", err)
	}
	return dec, nil
}

// GetSessionDecisions returns every decision for a session, oldest first.
func (d *DB) GetSessionDecisions(ctx context.Context, sessionID string) ([]*Decision, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, session_id, title, rationale, alternatives, created_at FROM decisions WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing decisions", err)
	}
	defer rows.Close()
	var out []*Decision
	for rows.Next() {
		var dec Decision
		var altJSON, createdAt string
		if err := rows.Scan(&dec.ID, &dec.SessionID, &dec.Title, &dec.Rationale, &altJSON, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning decision", err)
		}
		dec.CreatedAt = mustParseTime(createdAt)
		_ = json.Unmarshal([]byte(altJSON), &dec.Alternatives)
		out = append(out, &dec)
	}
	return out, rows.Err()
}

// Task is an assignable work item.
type Task struct {
	ID          string
	SessionID   string
	Title       string
	Description string
	Assignee    string
	Status      string
	CreatedAt   time.Time
}

// CreateTask appends a task to a session, in status "open".
func (d *DB) CreateTask(ctx context.Context, sessionID, title, description, assignee string) (*Task, error) {
	t := &Task{ID: uuid.NewString(), SessionID: sessionID, Title: title, Description: description, Assignee: assignee, Status: "open", CreatedAt: time.Now().UTC()}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, title, description, assignee, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Title, t.Description, t.Assignee, t.Status, isoTime(t.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting task", err)
	}
	return t, nil
}

// UpdateTaskStatus sets a task's status.
func (d *DB) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "updating task status", err)
	}
	return checkAffected(res)
}

// GetSessionTasks returns every task for a session, oldest first.
func (d *DB) GetSessionTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, session_id, title, description, assignee, status, created_at FROM tasks WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing tasks", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		var t Task
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Description, &t.Assignee, &t.Status, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning task", err)
		}
		t.CreatedAt = mustParseTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanErr(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "sql: no rows in result set" {
		return ErrNotFound
	}
	return swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning row", err)
}
