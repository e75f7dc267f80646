package store

import (
	"context"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// CountStat is a total paired with a breakdown by some dimension.
type CountStat struct {
	Total int
	ByKey map[string]int
}

// Stats aggregates a session's records for reporting, per spec.md's
// SessionStats shape.
type Stats struct {
	Findings CountStat // ByKey: {"verified": n}
	Artifacts CountStat
	Tasks     CountStat // ByKey by status
	Messages  CountStat // ByKey by type
	Errors    CountStat // ByKey by severity
}

// SessionStats computes aggregate counts across every child table of a
// session in a handful of queries.
func (d *DB) SessionStats(ctx context.Context, sessionID string) (*Stats, error) {
	s := &Stats{
		Findings:  CountStat{ByKey: map[string]int{}},
		Artifacts: CountStat{ByKey: map[string]int{}},
		Tasks:     CountStat{ByKey: map[string]int{}},
		Messages:  CountStat{ByKey: map[string]int{}},
		Errors:    CountStat{ByKey: map[string]int{}},
	}

	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE session_id = ?`, sessionID).Scan(&s.Findings.Total); err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "counting findings", err)
	}
	var verified int
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE session_id = ? AND verified = 1`, sessionID).Scan(&verified); err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "counting verified findings", err)
	}
	s.Findings.ByKey["verified"] = verified

	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE session_id = ?`, sessionID).Scan(&s.Artifacts.Total); err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "counting artifacts", err)
	}
	if err := scanGroupCounts(ctx, d, "SELECT status, COUNT(*) FROM tasks WHERE session_id = ? GROUP BY status", sessionID, &s.Tasks); err != nil {
		return nil, err
	}
	if err := scanGroupCounts(ctx, d, "SELECT type, COUNT(*) FROM messages WHERE session_id = ? GROUP BY type", sessionID, &s.Messages); err != nil {
		return nil, err
	}
	if err := scanGroupCounts(ctx, d, "SELECT severity, COUNT(*) FROM error_log WHERE session_id = ? GROUP BY severity", sessionID, &s.Errors); err != nil {
		return nil, err
	}
	return s, nil
}

func scanGroupCounts(ctx context.Context, d *DB, query, sessionID string, into *CountStat) error {
	rows, err := d.sql.QueryContext(ctx, query, sessionID)
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "aggregating group counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return swarmerr.Wrap(swarmerr.DatabaseError, "store", "scanning group count", err)
		}
		into.ByKey[key] = n
		into.Total += n
	}
	return rows.Err()
}
