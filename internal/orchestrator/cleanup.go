package orchestrator

import (
	"context"
	"regexp"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/worktreegw"
)

var interruptPattern = regexp.MustCompile(`[$#>]\s*$`)

// Cleanup tears down every resource a session acquired: it terminates
// each agent gracefully (falling back to a kill), kills the multiplexer
// session, removes all worktrees, and clears the mailbox queues when
// auto-cleanup is enabled. Each step is independent so a failure on one
// agent never prevents cleanup of the rest.
func (o *Orchestrator) Cleanup(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	agents := make([]*ManagedAgent, 0, len(sess.Agents))
	for _, a := range sess.Agents {
		agents = append(agents, a)
	}
	sess.mu.Unlock()

	for _, agent := range agents {
		o.terminateAgent(agent)
	}

	if o.muxName != "" {
		if err := o.mux.KillSession(o.muxName); err != nil {
			log.Warn(log.CatOrchestrator, "failed to kill multiplexer session", "session", o.muxName, "error", err.Error())
		}
	}

	if err := o.worktree.RemoveAll(worktreegw.RemoveOpts{Force: true, DeleteBranches: true}); err != nil {
		log.Warn(log.CatOrchestrator, "failed to remove worktrees during cleanup", "error", err.Error())
	}

	if o.cfg.AutoCleanup {
		if err := o.bus.ClearAll(); err != nil {
			log.Warn(log.CatOrchestrator, "failed to clear mailbox queues during cleanup", "error", err.Error())
		}
	}
}

// terminateAgent sends an interrupt, waits briefly for a prompt to
// reappear, sends a second interrupt if the worker is still active, and
// finally kills the pane. A failure at any step is logged, never raised,
// so cleanup can proceed to the next agent.
func (o *Orchestrator) terminateAgent(agent *ManagedAgent) {
	if agent.PaneID == "" {
		return
	}

	if err := o.mux.SendKeys(agent.PaneID, "\x03", false); err != nil {
		log.Warn(log.CatOrchestrator, "failed to send interrupt", "role", agent.Role, "error", err.Error())
	}
	time.Sleep(time.Second)

	ready, err := o.mux.WaitForPattern(agent.PaneID, interruptPattern, 2*time.Second)
	if err != nil {
		log.Warn(log.CatOrchestrator, "failed waiting for prompt during termination", "role", agent.Role, "error", err.Error())
	}
	if !ready {
		if err := o.mux.SendKeys(agent.PaneID, "\x03", false); err != nil {
			log.Warn(log.CatOrchestrator, "failed to send second interrupt", "role", agent.Role, "error", err.Error())
		}
	}

	if err := o.mux.KillPane(agent.PaneID); err != nil {
		log.Warn(log.CatOrchestrator, "failed to kill pane during cleanup", "role", agent.Role, "error", err.Error())
	}
	agent.Status = AgentTerminated
}
