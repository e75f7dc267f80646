package store

import (
	"context"
	"time"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// RecordAgentActivity appends a snapshot row of one role's activity,
// used by the orchestrator's monitor loop to persist health-check state
// that checkpoints later summarize.
func (d *DB) RecordAgentActivity(ctx context.Context, sessionID, role, status string, messageCount int, lastActivity time.Time) error {
	now := time.Now().UTC()
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO agent_activity (session_id, role, status, message_count, last_activity, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, role, status, messageCount, isoTime(lastActivity), isoTime(now))
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "recording agent activity", err)
	}
	return nil
}

// AgentActivitySnapshot is one row of agent_activity.
type AgentActivitySnapshot struct {
	Role         string
	Status       string
	MessageCount int
	LastActivity time.Time
	CreatedAt    time.Time
}

// GetSessionAgentActivity returns every recorded activity row for a
// session, oldest first.
func (d *DB) GetSessionAgentActivity(ctx context.Context, sessionID string) ([]*AgentActivitySnapshot, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT role, status, message_count, last_activity, created_at FROM agent_activity WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "listing agent activity", err)
	}
	defer rows.Close()

	var out []*AgentActivitySnapshot
	for rows.Next() {
		var a AgentActivitySnapshot
		var lastActivity, createdAt string
		if err := rows.Scan(&a.Role, &a.Status, &a.MessageCount, &lastActivity, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning agent activity", err)
		}
		a.LastActivity = mustParseTime(lastActivity)
		a.CreatedAt = mustParseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
