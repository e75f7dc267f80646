package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/mailbox"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/panegw"
	"github.com/cbriice/agentswarm/internal/pubsub"
	"github.com/cbriice/agentswarm/internal/recovery"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/swarmerr"
	"github.com/cbriice/agentswarm/internal/workflow"
	"github.com/cbriice/agentswarm/internal/worktreegw"
)

// Orchestrator coordinates a single active session: it owns the store,
// mailbox bus, pane gateway, worktree gateway, recovery manager, and
// workflow registry, and drives the monitor loop that advances the
// workflow state machine as agents report progress.
type Orchestrator struct {
	cfg Config

	db       *store.DB
	bus      *mailbox.Bus
	mux      panegw.Multiplexer
	worktree *worktreegw.Gateway
	registry *workflow.Registry
	recovery *recovery.Manager
	events   *pubsub.Broker[OrchestratorEvent]

	mu      sync.Mutex
	session *Session
	muxName string
}

// New wires an Orchestrator around its dependencies. mux and registry are
// supplied rather than constructed internally so tests can substitute a
// panegw.FakeMultiplexer and a minimal template registry.
func New(cfg Config, db *store.DB, mux panegw.Multiplexer, registry *workflow.Registry) *Orchestrator {
	if cfg.SwarmRoot == "" {
		cfg.SwarmRoot = "./.swarm"
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 2 * time.Minute
	}
	if cfg.AgentReadyTimeout <= 0 {
		cfg.AgentReadyTimeout = 60 * time.Second
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 30 * time.Minute
	}

	wt := worktreegw.New(cfg.RepoRoot)
	bus := mailbox.New(cfg.SwarmRoot + "/messages")
	breakers := recovery.NewBreakerSet(recovery.DefaultBreakerConfig)

	o := &Orchestrator{
		cfg:      cfg,
		db:       db,
		bus:      bus,
		mux:      mux,
		worktree: wt,
		registry: registry,
		events:   pubsub.NewBroker[OrchestratorEvent](),
	}
	o.recovery = recovery.NewManager(db, recovery.Hooks{
		RestartAgent: o.restartAgent,
		SkipForward:  o.skipForward,
		Abort:        o.abort,
	}, breakers, 3)
	return o
}

// Subscribe returns a channel of OrchestratorEvents, closed when ctx is
// cancelled.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan pubsub.Event[OrchestratorEvent] {
	return o.events.Subscribe(ctx)
}

func (o *Orchestrator) publish(evt pubsub.EventType, payload OrchestratorEvent) {
	o.events.Publish(evt, payload)
}

// activeSession returns the current session or nil if none is active.
func (o *Orchestrator) activeSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// hasActiveSession reports whether a non-terminal session is running.
func (o *Orchestrator) hasActiveSession() bool {
	s := o.activeSession()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Record.Status.IsTerminal()
}

// StartWorkflow provisions a new session end-to-end: directories, store
// row, multiplexer session, worktrees, agents, and the initial task
// message, then starts the monitor. On any failure after the session row
// is written, it cleans up everything already created and marks the
// session failed.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowType, goal string) (*store.Session, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, swarmerr.New(swarmerr.InvalidArgs, "orchestrator", "goal must not be empty")
	}
	if o.hasActiveSession() {
		return nil, swarmerr.New(swarmerr.SessionExists, "orchestrator", "a non-terminal session is already active")
	}

	tmpl, ok := o.registry.Resolve(workflowType)
	if !ok {
		return nil, swarmerr.New(swarmerr.WorkflowNotFound, "orchestrator", fmt.Sprintf("no template resolves %q", workflowType))
	}

	if err := o.initializeResources(); err != nil {
		return nil, err
	}

	record, err := o.db.CreateSession(ctx, tmpl.Name, goal, nil)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Record:   record,
		Instance: workflow.NewInstance(tmpl, record.ID, goal, time.Now().UTC()),
		Template: tmpl,
		Agents:   make(map[message.Role]*ManagedAgent),
		started:  time.Now().UTC(),
	}

	if err := o.provisionSession(ctx, sess); err != nil {
		o.Cleanup(context.Background(), sess)
		_ = o.db.UpdateSessionStatus(context.Background(), record.ID, store.SessionFailed)
		return nil, err
	}

	if err := o.db.UpdateSessionStatus(ctx, record.ID, store.SessionRunning); err != nil {
		return nil, err
	}
	record.Status = store.SessionRunning

	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	o.startMonitor(sess)
	o.publish(pubsub.SessionStarted, OrchestratorEvent{SessionID: record.ID, Detail: "session started"})
	return record, nil
}

// provisionSession creates the multiplexer session, worktrees, agents,
// and the initial task message for a freshly-created session record.
func (o *Orchestrator) provisionSession(ctx context.Context, sess *Session) error {
	o.muxName = "swarm-" + sess.Record.ID
	if err := o.mux.CreateSession(o.muxName); err != nil {
		return swarmerr.Wrap(swarmerr.AgentSpawnFailed, "orchestrator", "creating multiplexer session", err)
	}

	roles := sess.Template.Roles
	paths, err := o.worktree.CreateWorktrees(roles, sess.Record.ID, worktreegw.CreateOpts{
		BranchPrefix: o.cfg.BranchPrefix,
		CopyConfig:   true,
		RolesDir:     o.cfg.RolesDir,
	})
	if err != nil {
		return err
	}

	for _, role := range roles {
		agent := &ManagedAgent{Role: role, WorktreePath: paths[role], Status: AgentSpawning}
		sess.Agents[role] = agent
		if err := o.spawnAgent(ctx, sess, agent); err != nil {
			return err
		}
	}

	initial, err := workflow.CreateInitialTaskMessage(sess.Template, sess.Instance, time.Now().UTC())
	if err != nil {
		return swarmerr.Wrap(swarmerr.SystemError, "orchestrator", "constructing initial task message", err)
	}
	started, err := workflow.StartStep(sess.Instance, sess.Template, sess.Instance.CurrentStep, time.Now().UTC())
	if err != nil {
		return err
	}
	sess.Instance = started

	if _, err := o.bus.Send(initial, mailbox.SendOptions{
		Persist: func(m message.AgentMessage) error { return o.db.CreateMessage(ctx, sess.Record.ID, m, true) },
	}); err != nil {
		return err
	}

	return nil
}

// spawnAgent retries agent spawn per recovery.AgentSpawnRetryConfig,
// tearing down partial pane state between attempts.
func (o *Orchestrator) spawnAgent(ctx context.Context, sess *Session, agent *ManagedAgent) error {
	_, err := recovery.Retry(ctx, recovery.AgentSpawnRetryConfig, func() (struct{}, error) {
		agent.Status = AgentSpawning
		paneID, err := o.mux.CreatePane(o.muxName, panegw.PaneOpts{WorkDir: agent.WorktreePath, Title: string(agent.Role)})
		if err != nil {
			return struct{}{}, swarmerr.Wrap(swarmerr.AgentSpawnFailed, "orchestrator", fmt.Sprintf("creating pane for role %s", agent.Role), err)
		}
		agent.PaneID = paneID
		agent.Status = AgentStarting

		if err := o.mux.StartWorker(paneID, agent.WorktreePath, ""); err != nil {
			_ = o.mux.KillPane(paneID)
			return struct{}{}, swarmerr.Wrap(swarmerr.AgentSpawnFailed, "orchestrator", fmt.Sprintf("starting worker for role %s", agent.Role), err)
		}

		ready, err := o.mux.WaitForPrompt(paneID, o.cfg.AgentReadyTimeout)
		if err != nil || !ready {
			_ = o.mux.KillPane(paneID)
			return struct{}{}, swarmerr.New(swarmerr.AgentSpawnFailed, "orchestrator", fmt.Sprintf("role %s did not become ready within %s", agent.Role, o.cfg.AgentReadyTimeout))
		}

		now := time.Now().UTC()
		agent.Status = AgentReady
		agent.LastActivityAt = now
		agent.OutboxWatermark = now
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	o.publish(pubsub.AgentSpawned, OrchestratorEvent{SessionID: sess.Record.ID, Role: agent.Role, Detail: "agent ready"})
	return nil
}

func (o *Orchestrator) initializeResources() error {
	return o.bus.Initialize()
}

// Stop gracefully ends the active session: stops the monitor, marks the
// session cancelled, and runs Cleanup when auto-cleanup is enabled. It
// does not synthesize or persist a result.
func (o *Orchestrator) Stop(ctx context.Context) error {
	sess := o.activeSession()
	if sess == nil {
		return nil
	}
	o.stopMonitor(sess)

	sess.mu.Lock()
	sess.Record.Status = store.SessionCancelled
	sess.mu.Unlock()
	if err := o.db.UpdateSessionStatus(ctx, sess.Record.ID, store.SessionCancelled); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session cancelled", err)
	}

	if o.cfg.AutoCleanup {
		o.Cleanup(ctx, sess)
	}
	o.publish(pubsub.SessionEnded, OrchestratorEvent{SessionID: sess.Record.ID, Detail: "stopped"})
	return nil
}

// Kill forcefully ends the active session and always runs Cleanup.
func (o *Orchestrator) Kill(ctx context.Context) error {
	sess := o.activeSession()
	if sess == nil {
		return nil
	}
	o.stopMonitor(sess)

	sess.mu.Lock()
	sess.Record.Status = store.SessionFailed
	sess.mu.Unlock()
	if err := o.db.UpdateSessionStatus(ctx, sess.Record.ID, store.SessionFailed); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session failed", err)
	}

	o.Cleanup(ctx, sess)
	o.publish(pubsub.SessionEnded, OrchestratorEvent{SessionID: sess.Record.ID, Detail: "killed"})
	return nil
}

func (o *Orchestrator) restartAgent(ctx context.Context, role message.Role) error {
	sess := o.activeSession()
	if sess == nil {
		return swarmerr.New(swarmerr.SystemError, "orchestrator", "no active session to restart an agent on")
	}
	sess.mu.Lock()
	agent, ok := sess.Agents[role]
	sess.mu.Unlock()
	if !ok {
		return swarmerr.New(swarmerr.AgentCrashed, "orchestrator", fmt.Sprintf("role %s has no managed agent", role))
	}
	if agent.PaneID != "" {
		_ = o.mux.KillPane(agent.PaneID)
	}
	return o.spawnAgent(ctx, sess, agent)
}

func (o *Orchestrator) skipForward(ctx context.Context, stepID string) error {
	sess := o.activeSession()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	next, err := workflow.Transition(sess.Instance, sess.Template, workflow.TransitionInput{})
	if err != nil {
		return err
	}
	sess.Instance = next
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, reason string) error {
	sess := o.activeSession()
	if sess == nil {
		return nil
	}
	log.Warn(log.CatOrchestrator, "recovery escalated to abort", "reason", reason)
	return o.Kill(ctx)
}
