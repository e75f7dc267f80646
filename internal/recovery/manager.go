package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// Target identifies what a recovery action applies to, when it applies
// to something narrower than the whole session.
type Target struct {
	Role   message.Role
	StepID string
}

// Hooks are the orchestrator-supplied side effects a Manager invokes when
// executing a non-retry strategy. Each hook is optional; a nil hook makes
// its action a no-op that still records the attempt.
type Hooks struct {
	RestartAgent func(ctx context.Context, role message.Role) error
	SkipForward  func(ctx context.Context, stepID string) error
	Abort        func(ctx context.Context, reason string) error
}

// Manager selects and executes recovery strategies, logs every error and
// attempt to the store, and enforces the loop-protection rule so a
// flapping dependency cannot retry forever.
type Manager struct {
	db          *store.DB
	hooks       Hooks
	breakers    *BreakerSet
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int // key: sessionID+":"+code
}

// NewManager builds a Manager. maxAttempts bounds how many times the same
// error code may be retried for a given session before recovery escalates
// to its fallback action.
func NewManager(db *store.DB, hooks Hooks, breakers *BreakerSet, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		db:          db,
		hooks:       hooks,
		breakers:    breakers,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
}

func attemptKey(sessionID string, code swarmerr.Code) string {
	return sessionID + ":" + string(code)
}

// AttemptsSoFar returns how many recovery attempts have been recorded for
// sessionID and code.
func (m *Manager) AttemptsSoFar(sessionID string, code swarmerr.Code) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[attemptKey(sessionID, code)]
}

// Outcome is the result of one call to Recover.
type Outcome struct {
	Action    Action
	Recovered bool
	Err       error
}

// Recover logs se to the store's error log, selects a recovery action per
// the closed strategy table, enforces loop protection, executes the
// action's side effect via Hooks, and records a RecoveryAttempt. retry is
// the underlying operation to re-attempt when the selected action is
// ActionRetry; it may be nil for actions that never retry.
func (m *Manager) Recover(ctx context.Context, sessionID string, se *swarmerr.SwarmError, target Target, retry func(ctx context.Context) error) Outcome {
	entry, logErr := m.db.LogError(ctx, sessionID, se)
	if logErr != nil {
		log.ErrorErr(log.CatRecovery, "failed to persist error log entry", logErr, "code", se.Code)
	}

	m.mu.Lock()
	key := attemptKey(sessionID, se.Code)
	attemptsSoFar := m.attempts[key]
	m.mu.Unlock()

	if !ShouldContinueRecovery(se, attemptsSoFar, m.maxAttempts) {
		action := FallbackFor(se.Code)
		outcome := m.execute(ctx, sessionID, se, target, action, nil)
		m.recordAttempt(ctx, entry, se, action, outcome.Recovered)
		return outcome
	}

	action := StrategyFor(se.Code)
	m.mu.Lock()
	m.attempts[key]++
	m.mu.Unlock()

	outcome := m.execute(ctx, sessionID, se, target, action, retry)
	m.recordAttempt(ctx, entry, se, action, outcome.Recovered)

	if outcome.Recovered && entry != nil {
		if err := m.db.MarkErrorRecovered(ctx, entry.ID); err != nil {
			log.ErrorErr(log.CatRecovery, "failed to mark error recovered", err, "errorId", entry.ID)
		}
	}

	return outcome
}

func (m *Manager) execute(ctx context.Context, sessionID string, se *swarmerr.SwarmError, target Target, action Action, retry func(ctx context.Context) error) Outcome {
	switch action {
	case ActionRetry:
		if retry == nil {
			return Outcome{Action: action, Recovered: false, Err: fmt.Errorf("no retry operation supplied for code %s", se.Code)}
		}
		_, err := Retry(ctx, RetryConfigForCode(se.Code), func() (struct{}, error) {
			return struct{}{}, retry(ctx)
		})
		return Outcome{Action: action, Recovered: err == nil, Err: err}

	case ActionRestart:
		if m.hooks.RestartAgent == nil {
			return Outcome{Action: action, Recovered: false}
		}
		err := m.hooks.RestartAgent(ctx, target.Role)
		return Outcome{Action: action, Recovered: err == nil, Err: err}

	case ActionSkipForward:
		if m.hooks.SkipForward == nil {
			return Outcome{Action: action, Recovered: true}
		}
		err := m.hooks.SkipForward(ctx, target.StepID)
		return Outcome{Action: action, Recovered: err == nil, Err: err}

	case ActionWaitAndRetry:
		if m.breakers != nil {
			m.breakers.Ready(IntegrationDatabase, DefaultBreakerConfig.Timeout)
		}
		if retry == nil {
			return Outcome{Action: action, Recovered: false}
		}
		_, err := Retry(ctx, RetryConfigFor("circuitRetry"), func() (struct{}, error) {
			return struct{}{}, retry(ctx)
		})
		return Outcome{Action: action, Recovered: err == nil, Err: err}

	case ActionAbort, ActionEscalate:
		var err error
		if m.hooks.Abort != nil {
			err = m.hooks.Abort(ctx, fmt.Sprintf("recovery escalated for %s", se.Code))
		}
		return Outcome{Action: ActionAbort, Recovered: false, Err: err}

	default:
		return Outcome{Action: action, Recovered: false}
	}
}

func (m *Manager) recordAttempt(ctx context.Context, entry *store.ErrorLogEntry, se *swarmerr.SwarmError, action Action, succeeded bool) {
	log.Info(log.CatRecovery, "recovery attempted",
		"code", se.Code, "action", action, "succeeded", succeeded)

	if entry == nil {
		return
	}
	latest, err := m.db.GetLatestCheckpoint(ctx, entry.SessionID)
	if err != nil || latest == nil {
		return
	}
	next := *latest
	next.ID = ""
	next.CreatedAt = time.Time{}
	next.RecoveryAttempts = append(append([]store.RecoveryAttempt{}, latest.RecoveryAttempts...), store.RecoveryAttempt{
		ErrorCode: string(se.Code),
		Strategy:  string(action),
		Succeeded: succeeded,
		At:        time.Now().UTC(),
	})
	if _, err := m.db.CreateCheckpoint(ctx, next); err != nil {
		log.ErrorErr(log.CatRecovery, "failed to append recovery attempt to checkpoint", err)
	}
}
