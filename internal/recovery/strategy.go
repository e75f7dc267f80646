package recovery

import "github.com/cbriice/agentswarm/internal/swarmerr"

// Action is the recovery action selected for a given error code.
type Action string

const (
	// ActionRetry re-attempts the failed operation under the code's retry
	// config; escalates to ActionAbort if retries are exhausted.
	ActionRetry Action = "retry"
	// ActionRestart respawns the affected agent through the RestartAgent
	// hook, preserving its worktree; the orchestrator's hook kills the
	// agent's pane and spawns the agent in a new pane.
	ActionRestart Action = "restart"
	// ActionSkipForward lets the workflow engine's own iteration-cap
	// fallback transition carry the workflow past the exhausted step.
	ActionSkipForward Action = "skip_forward"
	// ActionWaitAndRetry waits for an open circuit breaker to reach
	// half-open, then retries once.
	ActionWaitAndRetry Action = "wait_and_retry"
	// ActionAbort cleans up and fails the session.
	ActionAbort Action = "abort"
	// ActionEscalate means recovery was attempted and exhausted; the
	// caller should fall back to that code's documented fallback action.
	ActionEscalate Action = "escalate"
)

// strategyTable implements spec.md §7's "Recovery strategies" list.
var strategyTable = map[swarmerr.Code]Action{
	swarmerr.AgentTimeout:           ActionRetry,
	swarmerr.RoutingFailed:          ActionRetry,
	swarmerr.RateLimited:            ActionRetry,
	swarmerr.DatabaseError:          ActionRetry,
	swarmerr.FilesystemError:        ActionRetry,
	swarmerr.AgentCrashed:           ActionRestart,
	swarmerr.MaxIterationsExceeded: ActionSkipForward,
	swarmerr.WorkflowTimeout:       ActionAbort,
	swarmerr.PermissionDenied:      ActionAbort,
	swarmerr.CircuitOpen:           ActionWaitAndRetry,
}

// fallbackTable is the action taken when the primary strategy's retries
// (or restart) are exhausted, per the "fallback:" clauses in spec.md §7.
var fallbackTable = map[swarmerr.Code]Action{
	swarmerr.AgentTimeout:    ActionAbort, // escalate
	swarmerr.RoutingFailed:   ActionAbort,
	swarmerr.RateLimited:     ActionAbort,
	swarmerr.DatabaseError:   ActionAbort,
	swarmerr.FilesystemError: ActionAbort,
	swarmerr.AgentCrashed:    ActionSkipForward, // skip if optional, else abort is the caller's call
}

// StrategyFor returns the primary recovery action for code, or
// ActionAbort if the code has no registered strategy (it is not
// recoverable by definition).
func StrategyFor(code swarmerr.Code) Action {
	if a, ok := strategyTable[code]; ok {
		return a
	}
	return ActionAbort
}

// FallbackFor returns the action to take once the primary strategy for
// code has been exhausted.
func FallbackFor(code swarmerr.Code) Action {
	if a, ok := fallbackTable[code]; ok {
		return a
	}
	return ActionAbort
}

// ShouldContinueRecovery implements spec.md §7's loop-protection rule: no
// further attempts once attemptsSoFar reaches maxAttempts, the error's
// severity is fatal, or it is marked non-recoverable.
func ShouldContinueRecovery(se *swarmerr.SwarmError, attemptsSoFar, maxAttempts int) bool {
	if se == nil {
		return false
	}
	if attemptsSoFar >= maxAttempts {
		return false
	}
	if se.Severity == swarmerr.SeverityFatal {
		return false
	}
	if !se.Recoverable {
		return false
	}
	return true
}
