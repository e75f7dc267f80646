package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// WorkflowStateSnapshot is the workflow-state subset a checkpoint captures.
type WorkflowStateSnapshot struct {
	CurrentStep     string   `json:"currentStep"`
	Status          string   `json:"status"`
	CompletedSteps  []string `json:"completedSteps"`
	PendingSteps    []string `json:"pendingSteps"`
}

// AgentStateSnapshot captures one role's status at checkpoint time.
type AgentStateSnapshot struct {
	Status       string    `json:"status"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// RecoveryAttempt records one recovery action taken for an error.
type RecoveryAttempt struct {
	ErrorCode string    `json:"errorCode"`
	Strategy  string    `json:"strategy"`
	Succeeded bool      `json:"succeeded"`
	At        time.Time `json:"at"`
}

// Checkpoint is a recoverable snapshot of session state.
type Checkpoint struct {
	ID               string
	SessionID        string
	Stage            string
	WorkflowState    WorkflowStateSnapshot
	AgentState       map[string]AgentStateSnapshot
	QueueCounts      map[string]int
	Errors           []string
	RecoveryAttempts []RecoveryAttempt
	CreatedAt        time.Time
}

// CreateCheckpoint persists a new checkpoint snapshot.
func (d *DB) CreateCheckpoint(ctx context.Context, c Checkpoint) (*Checkpoint, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.AgentState == nil {
		c.AgentState = map[string]AgentStateSnapshot{}
	}
	if c.QueueCounts == nil {
		c.QueueCounts = map[string]int{}
	}

	wsJSON, _ := json.Marshal(c.WorkflowState)
	asJSON, _ := json.Marshal(c.AgentState)
	qcJSON, _ := json.Marshal(c.QueueCounts)
	errJSON, _ := json.Marshal(c.Errors)
	raJSON, _ := json.Marshal(c.RecoveryAttempts)

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, stage, workflow_state, agent_state, queue_counts, errors, recovery_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Stage, string(wsJSON), string(asJSON), string(qcJSON), string(errJSON), string(raJSON), isoTime(c.CreatedAt))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting checkpoint", err)
	}
	return &c, nil
}

func scanCheckpoint(scan func(...any) error) (*Checkpoint, error) {
	var c Checkpoint
	var wsJSON, asJSON, qcJSON, errJSON, raJSON, createdAt string
	err := scan(&c.ID, &c.SessionID, &c.Stage, &wsJSON, &asJSON, &qcJSON, &errJSON, &raJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(wsJSON), &c.WorkflowState)
	_ = json.Unmarshal([]byte(asJSON), &c.AgentState)
	_ = json.Unmarshal([]byte(qcJSON), &c.QueueCounts)
	_ = json.Unmarshal([]byte(errJSON), &c.Errors)
	_ = json.Unmarshal([]byte(raJSON), &c.RecoveryAttempts)
	c.CreatedAt = mustParseTime(createdAt)
	return &c, nil
}

const checkpointColumns = `id, session_id, stage, workflow_state, agent_state, queue_counts, errors, recovery_attempts, created_at`

// GetCheckpoint fetches a checkpoint by id.
func (d *DB) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row.Scan)
	if err != nil {
		return nil, scanErr(err)
	}
	return c, nil
}

// GetLatestCheckpoint returns the most recently created checkpoint for a
// session, or ErrNotFound if none exists.
func (d *DB) GetLatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	c, err := scanCheckpoint(row.Scan)
	if err != nil {
		return nil, scanErr(err)
	}
	return c, nil
}

// ListCheckpoints returns every checkpoint for a session, oldest first.
func (d *DB) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing checkpoints", err)
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning checkpoint", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the most recent keepN checkpoints for
// a session.
func (d *DB) PruneCheckpoints(ctx context.Context, sessionID string, keepN int) error {
	if keepN < 0 {
		keepN = 0
	}
	_, err := d.sql.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		)`, sessionID, sessionID, keepN)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "pruning checkpoints", err)
	}
	return nil
}
