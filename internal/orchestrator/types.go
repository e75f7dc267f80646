// Package orchestrator ties the store, mailbox bus, pane gateway, worktree
// gateway, workflow engine, and recovery manager into one session
// coordinator: it spawns one agent per active role, runs the monitor loop
// that drains outboxes and drives the workflow state machine forward, and
// tears everything down on completion or failure. It merges the teacher's
// resource-allocation supervisor and its lifecycle coordinator into a
// single type, since this system has exactly one session active at a time.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/workflow"
)

// AgentStatus is the lifecycle status of one managed agent.
type AgentStatus string

const (
	AgentSpawning   AgentStatus = "spawning"
	AgentStarting   AgentStatus = "starting"
	AgentReady      AgentStatus = "ready"
	AgentWorking    AgentStatus = "working"
	AgentComplete   AgentStatus = "complete"
	AgentBlocked    AgentStatus = "blocked"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// terminalAgentStatuses are statuses an agent never leaves on its own.
var terminalAgentStatuses = map[AgentStatus]bool{
	AgentComplete:   true,
	AgentBlocked:    true,
	AgentError:      true,
	AgentTerminated: true,
}

// IsTerminal reports whether s is a terminal agent status.
func (s AgentStatus) IsTerminal() bool { return terminalAgentStatuses[s] }

// ManagedAgent is the orchestrator's in-process record for one role's
// worker: where it lives, what it's doing, and how far its outbox has
// been drained.
type ManagedAgent struct {
	Role            message.Role
	PaneID          string
	WorktreePath    string
	Status          AgentStatus
	LastActivityAt  time.Time
	MessageCount    int
	OutboxWatermark time.Time
}

// OrchestratorEvent is the payload delivered to every Subscribe handler.
type OrchestratorEvent struct {
	SessionID string
	Role      message.Role
	StepID    string
	Message   *message.AgentMessage
	Err       *store.ErrorLogEntry
	Detail    string
}

// Config bounds the orchestrator's timeouts and resource locations. New
// replaces zero values of SwarmRoot, RepoRoot and the four durations with
// their defaults; empty BranchPrefix and RolesDir fall back to "swarm" and
// "roles" inside worktreegw, and AutoCleanup is used as given.
type Config struct {
	SwarmRoot         string // defaults to "./.swarm"
	RepoRoot          string // defaults to "."
	MonitorInterval   time.Duration
	AgentTimeout      time.Duration
	AgentReadyTimeout time.Duration
	WorkflowTimeout   time.Duration
	AutoCleanup       bool
	BranchPrefix      string
	RolesDir          string
}

// DefaultConfig returns a Config with every field at its spec default.
func DefaultConfig() Config {
	return Config{
		SwarmRoot:         "./.swarm",
		RepoRoot:          ".",
		MonitorInterval:   5 * time.Second,
		AgentTimeout:      2 * time.Minute,
		AgentReadyTimeout: 60 * time.Second,
		WorkflowTimeout:   30 * time.Minute,
		AutoCleanup:       true,
		BranchPrefix:      "swarm",
		RolesDir:          "roles",
	}
}

// Session is the top-level in-memory run state, mirroring the persisted
// store.Session row plus everything the monitor needs that isn't
// durable: the running workflow instance, the agent table, and the
// cancellation plumbing for the monitor goroutine.
type Session struct {
	mu sync.Mutex

	Record   *store.Session
	Instance *workflow.WorkflowInstance
	Template *workflow.Template
	Agents   map[message.Role]*ManagedAgent

	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// snapshotAgents returns a defensive copy of the agent table for read-only use
// outside the monitor goroutine (event payloads, tests).
func (s *Session) snapshotAgents() map[message.Role]ManagedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[message.Role]ManagedAgent, len(s.Agents))
	for r, a := range s.Agents {
		out[r] = *a
	}
	return out
}
