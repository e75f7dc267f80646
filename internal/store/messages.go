package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// CreateMessage persists an AgentMessage to the store, audit-trail style;
// the mailbox bus separately writes the transport copy.
func (d *DB) CreateMessage(ctx context.Context, sessionID string, m message.AgentMessage, routed bool) error {
	if err := m.Validate(); err != nil {
		return swarmerr.Wrap(swarmerr.InvalidArgs, "store", "validating message", err)
	}

	artifactsJSON, _ := json.Marshal(m.Content.Artifacts)
	metadataJSON, _ := json.Marshal(m.Content.Metadata)

	var deadline any
	if m.Deadline != nil {
		deadline = isoTime(*m.Deadline)
	}

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, thread_id, from_role, to_role, type, priority,
			subject, body, artifacts, metadata, requires_response, deadline, routed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, nullableString(m.ThreadID), string(m.From), string(m.To), string(m.Type), string(m.Priority),
		m.Content.Subject, m.Content.Body, string(artifactsJSON), string(metadataJSON),
		boolToInt(m.RequiresResponse), deadline, boolToInt(routed), isoTime(m.Timestamp),
	)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "inserting message", err)
	}
	return nil
}

func scanMessage(rows interface {
	Scan(...any) error
}) (message.AgentMessage, error) {
	var m message.AgentMessage
	var threadID sql.NullString
	var from, to, typ, priority, artifactsJSON, metadataJSON, createdAt string
	var requiresResponse, routed int
	var deadline sql.NullString

	err := rows.Scan(&m.ID, &threadID, &from, &to, &typ, &priority,
		&m.Content.Subject, &m.Content.Body, &artifactsJSON, &metadataJSON,
		&requiresResponse, &deadline, &routed, &createdAt)
	if err != nil {
		return message.AgentMessage{}, err
	}

	m.ThreadID = threadID.String
	m.From = message.Role(from)
	m.To = message.Role(to)
	m.Type = message.Type(typ)
	m.Priority = message.Priority(priority)
	m.RequiresResponse = requiresResponse != 0
	m.Timestamp = mustParseTime(createdAt)

	if err := json.Unmarshal([]byte(artifactsJSON), &m.Content.Artifacts); err != nil {
		log.Warn(log.CatStore, "malformed message artifacts JSON", "message_id", m.ID)
		m.Content.Artifacts = nil
	}
	if err := json.Unmarshal([]byte(metadataJSON), &m.Content.Metadata); err != nil {
		log.Warn(log.CatStore, "malformed message metadata JSON", "message_id", m.ID)
		m.Content.Metadata = nil
	}
	if deadline.Valid {
		t := mustParseTime(deadline.String)
		m.Deadline = &t
	}
	return m, nil
}

const messageColumns = `id, thread_id, from_role, to_role, type, priority, subject, body, artifacts, metadata, requires_response, deadline, routed, created_at`

// GetSessionMessages returns a session's messages ordered by creation time
// ascending, optionally filtered to strictly-after sinceTs.
func (d *DB) GetSessionMessages(ctx context.Context, sessionID string, sinceTs *time.Time) ([]message.AgentMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if sinceTs != nil {
		q += ` AND created_at > ?`
		args = append(args, isoTime(*sinceTs))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "querying session messages", err)
	}
	defer rows.Close()

	var out []message.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetThreadMessages returns every message in sessionID sharing threadID,
// ordered by creation time ascending.
func (d *DB) GetThreadMessages(ctx context.Context, sessionID, threadID string) ([]message.AgentMessage, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND thread_id = ? ORDER BY created_at ASC`,
		sessionID, threadID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "querying thread messages", err)
	}
	defer rows.Close()

	var out []message.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
