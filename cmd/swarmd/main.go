// Command swarmd is the wiring entrypoint for the agent-swarm
// orchestrator: it reads its configuration from the environment,
// constructs the store, mailbox bus, pane gateway, worktree gateway, and
// workflow registry, starts one workflow, and supervises it until it
// reaches a terminal status or the process receives a shutdown signal.
// It has no flag parsing or help text; that surface belongs to an
// interactive frontend layered on top, not to this binary. Its log output
// uses colored levels unless SWARM_NO_COLOR is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbriice/agentswarm/internal/config"
	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/orchestrator"
	"github.com/cbriice/agentswarm/internal/panegw"
	"github.com/cbriice/agentswarm/internal/pubsub"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "swarmd:", err)
		os.Exit(1)
	}
}

func run() error {
	cleanup, err := log.Init()
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	workflowType := os.Getenv("SWARM_WORKFLOW_TYPE")
	if workflowType == "" {
		workflowType = "research"
	}
	goal := os.Getenv("SWARM_GOAL")
	if goal == "" {
		return fmt.Errorf("SWARM_GOAL must name the goal to pursue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, db, err := wire(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}
	defer func() { _ = db.Close() }()

	events := o.Subscribe(ctx)
	go logEvents(events)

	session, err := o.StartWorkflow(ctx, workflowType, goal)
	if err != nil {
		return fmt.Errorf("starting workflow: %w", err)
	}
	log.Info(log.CatOrchestrator, "workflow started", "session", session.ID, "type", workflowType)

	return supervise(ctx, o, db, session.ID)
}

// wire constructs every dependency the orchestrator needs: the durable
// store, the pane multiplexer, and the built-in workflow template
// registry. The mailbox bus and worktree gateway are constructed inside
// the orchestrator itself from cfg.
func wire(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, *store.DB, error) {
	if err := os.MkdirAll(cfg.SwarmRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating swarm root: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	mux, err := panegw.NewTmuxMultiplexer()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initializing multiplexer: %w", err)
	}

	registry, err := workflow.LoadBuiltinTemplates()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("loading workflow templates: %w", err)
	}

	o := orchestrator.New(cfg.OrchestratorConfig(), db, mux, registry)
	return o, db, nil
}

// logEvents drains the orchestrator's event stream to the structured
// logger until ctx is cancelled.
func logEvents(events <-chan pubsub.Event[orchestrator.OrchestratorEvent]) {
	for evt := range events {
		log.Debug(log.CatOrchestrator, "event",
			"session", evt.Payload.SessionID,
			"role", evt.Payload.Role,
			"step", evt.Payload.StepID,
			"detail", evt.Payload.Detail)
	}
}

// supervise blocks until the session reaches a terminal status or ctx is
// cancelled, in which case it asks the orchestrator to stop cleanly.
func supervise(ctx context.Context, o *orchestrator.Orchestrator, db *store.DB, sessionID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatOrchestrator, "shutdown signal received, stopping session", "session", sessionID)
			return o.Stop(context.Background())
		case <-ticker.C:
			sess, err := db.GetSession(context.Background(), sessionID)
			if err != nil {
				return fmt.Errorf("polling session status: %w", err)
			}
			if sess.Status.IsTerminal() {
				log.Info(log.CatOrchestrator, "session reached terminal status", "session", sessionID, "status", sess.Status)
				return nil
			}
		}
	}
}
