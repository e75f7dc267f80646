package orchestrator_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/mailbox"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/orchestrator"
	"github.com/cbriice/agentswarm/internal/panegw"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/workflow"
)

// newTestRepo initializes a throwaway git repository with one commit on
// its default branch, returning its root directory.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("swarm\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

// writeRolePersonas creates roles/<role>/CLAUDE.md for each given role
// directly in the repo root, the layout CopyRoleConfig reads from when
// provisioning a worktree.
func writeRolePersonas(t *testing.T, repoRoot string, roles ...message.Role) {
	t.Helper()
	for _, role := range roles {
		dir := filepath.Join(repoRoot, "roles", string(role))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("persona for "+string(role)), 0o644))
	}
}

// readyMultiplexer wraps FakeMultiplexer so StartWorker immediately feeds
// a prompt-matching line, since the bare fake never produces one on its
// own and WaitForPrompt would otherwise always time out.
type readyMultiplexer struct {
	*panegw.FakeMultiplexer
}

func newReadyMultiplexer() *readyMultiplexer {
	return &readyMultiplexer{FakeMultiplexer: panegw.NewFakeMultiplexer()}
}

func (r *readyMultiplexer) StartWorker(paneID, cwd, prompt string) error {
	if err := r.FakeMultiplexer.StartWorker(paneID, cwd, prompt); err != nil {
		return err
	}
	r.Feed(paneID, "\n$ ")
	return nil
}

// minimalTemplateYAML is a three-step, two-role template small enough to
// drive deterministically from outside the orchestrator: a researcher
// step, a reviewer step, and a completion step that folds back into
// researcher, mirroring the shape of the built-in research template.
const minimalTemplateYAML = `
name: minimal
entryStep: gather
completionStep: synthesis
maxDuration: 1h
maxRevisions: 1
roles: [researcher, reviewer]
steps:
  - id: gather
    description: gather findings
    role: researcher
    type: task
    outputType: finding
    maxIterations: 1
    timeout: 10m
  - id: check
    description: review findings
    role: reviewer
    type: review
    outputType: review
    maxIterations: 1
    timeout: 10m
  - id: synthesis
    description: synthesize the result
    role: researcher
    type: synthesis
    outputType: artifact
    maxIterations: 1
    timeout: 10m
transitions:
  - from: gather
    to: check
    condition: complete
  - from: check
    to: synthesis
    condition: verdict
    verdict: APPROVED
  - from: check
    to: synthesis
    condition: complete
  - from: synthesis
    to: synthesis
    condition: complete
`

func newMinimalRegistry(t *testing.T) *workflow.Registry {
	t.Helper()
	fsys := fstest.MapFS{"templates/minimal.yaml": &fstest.MapFile{Data: []byte(minimalTemplateYAML)}}
	reg, err := workflow.LoadTemplatesFromFS(fsys, "templates")
	require.NoError(t, err)
	return reg
}

// testOrchestrator wires an Orchestrator around a fresh in-memory store, a
// readyMultiplexer, and a throwaway repo, with fast timeouts suited to
// polling from a test.
func testOrchestrator(t *testing.T) (*orchestrator.Orchestrator, orchestrator.Config, *readyMultiplexer, *store.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := newTestRepo(t)
	writeRolePersonas(t, repo, message.RoleResearcher, message.RoleReviewer)
	mux := newReadyMultiplexer()
	reg := newMinimalRegistry(t)

	cfg := orchestrator.Config{
		SwarmRoot:         filepath.Join(t.TempDir(), ".swarm"),
		RepoRoot:          repo,
		MonitorInterval:   10 * time.Millisecond,
		AgentTimeout:      time.Minute,
		AgentReadyTimeout: time.Second,
		WorkflowTimeout:   time.Minute,
		AutoCleanup:       false,
		BranchPrefix:      "swarm",
		RolesDir:          "roles",
	}

	return orchestrator.New(cfg, db, mux, reg), cfg, mux, db
}

// waitFor polls cond every few milliseconds until it returns true or the
// timeout elapses, failing the test in the latter case.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartWorkflowProvisionsSessionAndSpawnsAgents(t *testing.T) {
	o, _, mux, _ := testOrchestrator(t)
	ctx := context.Background()

	record, err := o.StartWorkflow(ctx, "minimal", "document the routing fix")
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, record.Status)

	sessions, err := mux.ListSessions()
	require.NoError(t, err)
	assert.Contains(t, sessions, "swarm-"+record.ID)
}

func TestStartWorkflowRejectsEmptyGoal(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	_, err := o.StartWorkflow(context.Background(), "minimal", "   ")
	require.Error(t, err)
}

func TestStartWorkflowRejectsUnknownWorkflowType(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	_, err := o.StartWorkflow(context.Background(), "does-not-exist", "goal")
	require.Error(t, err)
}

func TestStartWorkflowRejectsConcurrentSession(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, "minimal", "first goal")
	require.NoError(t, err)

	_, err = o.StartWorkflow(ctx, "minimal", "second goal")
	require.Error(t, err)
}

// TestRouteMessageDrivesWorkflowToCompletion simulates both agents'
// responses by writing directly into the shared mailbox outboxes (as the
// real worker processes would), and asserts the monitor loop routes the
// researcher's finding to the reviewer, then carries the reviewer's
// approval through to session completion.
func TestRouteMessageDrivesWorkflowToCompletion(t *testing.T) {
	o, cfg, _, db := testOrchestrator(t)
	ctx := context.Background()

	record, err := o.StartWorkflow(ctx, "minimal", "document the routing fix")
	require.NoError(t, err)

	agentBus := mailbox.New(filepath.Join(cfg.SwarmRoot, "messages"))

	// The researcher received the initial task in its inbox; confirm that
	// before simulating its response.
	waitFor(t, time.Second, "researcher inbox receives the initial task", func() bool {
		inbox, err := agentBus.ReadInbox(message.RoleResearcher, mailbox.Filter{})
		require.NoError(t, err)
		return len(inbox) == 1 && inbox[0].Type == message.TypeTask
	})

	_, err = agentBus.Send(message.AgentMessage{
		ID:        "finding-1",
		Timestamp: time.Now().UTC(),
		From:      message.RoleResearcher,
		To:        message.RoleOrchestrator,
		Type:      message.TypeFinding,
		Priority:  message.PriorityNormal,
		Content:   message.Content{Subject: "initial findings"},
	}, mailbox.SendOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "reviewer inbox receives the routed finding", func() bool {
		inbox, err := agentBus.ReadInbox(message.RoleReviewer, mailbox.Filter{})
		require.NoError(t, err)
		return len(inbox) == 1
	})

	_, err = agentBus.Send(message.AgentMessage{
		ID:        "review-1",
		Timestamp: time.Now().UTC(),
		From:      message.RoleReviewer,
		To:        message.RoleOrchestrator,
		Type:      message.TypeReview,
		Priority:  message.PriorityNormal,
		Content: message.Content{
			Subject:  "findings look complete",
			Metadata: map[string]any{"verdict": string(message.VerdictApproved)},
		},
	}, mailbox.SendOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "session reaches complete", func() bool {
		got, err := db.GetSession(ctx, record.ID)
		require.NoError(t, err)
		return got.Status == store.SessionComplete
	})
}

func TestStopEndsAnActiveSession(t *testing.T) {
	o, _, _, db := testOrchestrator(t)
	ctx := context.Background()

	record, err := o.StartWorkflow(ctx, "minimal", "a goal worth stopping")
	require.NoError(t, err)

	require.NoError(t, o.Stop(ctx))

	got, err := db.GetSession(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCancelled, got.Status)

	// A new workflow can start once the prior one reached a terminal status.
	_, err = o.StartWorkflow(ctx, "minimal", "a second goal")
	require.NoError(t, err)
}

func TestKillMarksSessionFailedAndCleansUp(t *testing.T) {
	o, _, mux, db := testOrchestrator(t)
	ctx := context.Background()

	record, err := o.StartWorkflow(ctx, "minimal", "a goal worth killing")
	require.NoError(t, err)

	require.NoError(t, o.Kill(ctx))

	got, err := db.GetSession(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, got.Status)

	sessions, err := mux.ListSessions()
	require.NoError(t, err)
	assert.NotContains(t, sessions, "swarm-"+record.ID)
}

func TestSubscribeReceivesSessionStartedEvent(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := o.Subscribe(ctx)
	_, err := o.StartWorkflow(ctx, "minimal", "observe the event stream")
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.NotEmpty(t, evt.Payload.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a session-started event")
	}
}
