// Package workflow implements the step-level workflow state machine: a
// template declares steps, transitions, and iteration limits; the engine
// is a set of pure functions over a WorkflowInstance value that advance
// it, route messages, and synthesize a final result.
package workflow

import (
	"time"

	"github.com/cbriice/agentswarm/internal/message"
)

// Status is the lifecycle status of a WorkflowInstance.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
)

// StepStatus is the status of a single StepExecutionRecord.
type StepStatus string

const (
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepSkipped  StepStatus = "skipped"
	StepFailed   StepStatus = "failed"
)

// StepType classifies what kind of work a step performs.
type StepType string

const (
	StepTask      StepType = "task"
	StepWork      StepType = "work"
	StepReview    StepType = "review"
	StepSynthesis StepType = "synthesis"
	StepDecision  StepType = "decision"
)

// Condition classifies a transition's trigger.
type Condition string

const (
	ConditionComplete Condition = "complete"
	ConditionVerdict  Condition = "verdict"
	ConditionDefault  Condition = "default"
)

// StepOutput is the optional payload a step produces on completion.
type StepOutput struct {
	Type    string
	Verdict message.Verdict
	Summary string
}

// StepExecutionRecord is one attempt of a step. At most one record per
// step id is in StepRunning status at any time.
type StepExecutionRecord struct {
	StepID     string
	Started    time.Time
	Completed  time.Time
	Status     StepStatus
	Iteration  int
	Output     *StepOutput
	FailReason string
}

// WorkflowInstance is the runtime state of the step-level state machine.
// The current step always refers to an id present in the template.
// Invariant: iterationCounts[s] <= template.step(s).maxIterations + 1 (the
// +1 permits detecting a just-exceeded iteration before routing forward).
type WorkflowInstance struct {
	TemplateName    string
	SessionID       string
	Goal            string
	CurrentStep     string
	History         []StepExecutionRecord
	IterationCounts map[string]int
	Status          Status
	CreatedAt       time.Time
}

// runningRecordIndex returns the index of the single running record for
// stepID, or -1 if none exists.
func (w *WorkflowInstance) runningRecordIndex(stepID string) int {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].StepID == stepID && w.History[i].Status == StepRunning {
			return i
		}
	}
	return -1
}

// CompletedSteps returns the ids of every step with at least one complete
// record, in first-completion order.
func (w *WorkflowInstance) CompletedSteps() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range w.History {
		if rec.Status == StepComplete && !seen[rec.StepID] {
			seen[rec.StepID] = true
			out = append(out, rec.StepID)
		}
	}
	return out
}

// RoutingDecision is one outgoing message produced by RouteMessage, bound
// for a single next-step agent.
type RoutingDecision struct {
	ToRole   message.Role
	NextStep string
	Message  message.AgentMessage
}

// WorkflowResult is the synthesized outcome of a completed workflow.
type WorkflowResult struct {
	SessionID      string
	CompletedSteps int
	RevisionCount  int
	Findings       []StepOutput
	Reviews        []StepOutput
	Artifacts      []StepOutput
}

// TimeoutConfig overrides a template's maxDuration for CheckTimeout.
type TimeoutConfig struct {
	MaxDuration time.Duration
}

// TransitionInput carries the optional verdict driving Transition.
type TransitionInput struct {
	Verdict    message.Verdict
	HasVerdict bool
}
