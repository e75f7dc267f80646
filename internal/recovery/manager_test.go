package recovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/recovery"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess, err := db.CreateSession(ctx, "research", "goal", nil)
	require.NoError(t, err)

	mgr := recovery.NewManager(db, recovery.Hooks{}, nil, 3)

	attempts := 0
	se := swarmerr.New(swarmerr.AgentTimeout, "orchestrator", "agent stopped responding")
	outcome := mgr.Recover(ctx, sess.ID, se, recovery.Target{Role: message.RoleResearcher}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("still timing out")
		}
		return nil
	})

	assert.Equal(t, recovery.ActionRetry, outcome.Action)
	assert.True(t, outcome.Recovered)

	errs, err := db.GetSessionErrors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Recovered)
}

func TestManagerRestartsOnAgentCrashed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess, err := db.CreateSession(ctx, "research", "goal", nil)
	require.NoError(t, err)

	var restarted message.Role
	hooks := recovery.Hooks{
		RestartAgent: func(ctx context.Context, role message.Role) error {
			restarted = role
			return nil
		},
	}
	mgr := recovery.NewManager(db, hooks, nil, 3)

	se := swarmerr.New(swarmerr.AgentCrashed, "orchestrator", "agent process exited")
	outcome := mgr.Recover(ctx, sess.ID, se, recovery.Target{Role: message.RoleDeveloper}, nil)

	assert.Equal(t, recovery.ActionRestart, outcome.Action)
	assert.True(t, outcome.Recovered)
	assert.Equal(t, message.RoleDeveloper, restarted)
}

func TestManagerEscalatesToAbortAfterMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess, err := db.CreateSession(ctx, "research", "goal", nil)
	require.NoError(t, err)

	aborted := false
	hooks := recovery.Hooks{
		Abort: func(ctx context.Context, reason string) error {
			aborted = true
			return nil
		},
	}
	mgr := recovery.NewManager(db, hooks, nil, 1)

	se := swarmerr.New(swarmerr.DatabaseError, "store", "connection refused")
	alwaysFails := func(ctx context.Context) error { return errors.New("still down") }

	mgr.Recover(ctx, sess.ID, se, recovery.Target{}, alwaysFails)
	outcome := mgr.Recover(ctx, sess.ID, se, recovery.Target{}, alwaysFails)

	assert.Equal(t, recovery.ActionAbort, outcome.Action)
	assert.True(t, aborted)
}

func TestManagerAbortsDirectlyOnWorkflowTimeout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess, err := db.CreateSession(ctx, "research", "goal", nil)
	require.NoError(t, err)

	aborted := false
	hooks := recovery.Hooks{Abort: func(ctx context.Context, reason string) error {
		aborted = true
		return nil
	}}
	mgr := recovery.NewManager(db, hooks, nil, 3)

	se := swarmerr.New(swarmerr.WorkflowTimeout, "orchestrator", "session exceeded its maximum duration")
	outcome := mgr.Recover(ctx, sess.ID, se, recovery.Target{}, nil)

	assert.Equal(t, recovery.ActionAbort, outcome.Action)
	assert.True(t, aborted)
}
