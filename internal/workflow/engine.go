package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// StartStep appends a running record for stepID and increments its
// iteration counter. Refuses with MaxIterationsExceeded if the step is
// already at its cap.
func StartStep(instance *WorkflowInstance, tmpl *Template, stepID string, now time.Time) (*WorkflowInstance, error) {
	step, ok := tmpl.Step(stepID)
	if !ok {
		return instance, swarmerr.New(swarmerr.StepNotFound, "workflow", fmt.Sprintf("step %q not in template %q", stepID, tmpl.Name))
	}

	count := instance.IterationCounts[stepID]
	if count >= step.MaxIterations {
		return instance, swarmerr.New(swarmerr.MaxIterationsExceeded, "workflow", fmt.Sprintf("step %q reached its maximum of %d iterations", stepID, step.MaxIterations))
	}

	next := cloneInstance(instance)
	next.History = append(next.History, StepExecutionRecord{
		StepID:    stepID,
		Started:   now,
		Status:    StepRunning,
		Iteration: count + 1,
	})
	next.IterationCounts[stepID] = count + 1
	next.CurrentStep = stepID
	return next, nil
}

// CompleteStep marks the single running record for stepID complete.
// Fails with StepNotFound if no running record exists.
func CompleteStep(instance *WorkflowInstance, stepID string, output *StepOutput, now time.Time) (*WorkflowInstance, error) {
	next := cloneInstance(instance)
	idx := next.runningRecordIndex(stepID)
	if idx < 0 {
		return instance, swarmerr.New(swarmerr.StepNotFound, "workflow", fmt.Sprintf("no running record for step %q", stepID))
	}
	next.History[idx].Status = StepComplete
	next.History[idx].Completed = now
	next.History[idx].Output = output
	return next, nil
}

// FailStep marks the running record for stepID failed. If none exists, a
// synthetic failed record is appended instead of erroring.
func FailStep(instance *WorkflowInstance, stepID, reason string, now time.Time) *WorkflowInstance {
	next := cloneInstance(instance)
	idx := next.runningRecordIndex(stepID)
	if idx < 0 {
		next.History = append(next.History, StepExecutionRecord{
			StepID:     stepID,
			Started:    now,
			Completed:  now,
			Status:     StepFailed,
			FailReason: reason,
		})
		return next
	}
	next.History[idx].Status = StepFailed
	next.History[idx].Completed = now
	next.History[idx].FailReason = reason
	return next
}

// SkipStep marks stepID skipped. Only succeeds for steps declared optional.
func SkipStep(instance *WorkflowInstance, tmpl *Template, stepID string, now time.Time) (*WorkflowInstance, error) {
	step, ok := tmpl.Step(stepID)
	if !ok {
		return instance, swarmerr.New(swarmerr.StepNotFound, "workflow", fmt.Sprintf("step %q not in template %q", stepID, tmpl.Name))
	}
	if !step.Optional {
		return instance, swarmerr.New(swarmerr.InvalidTransition, "workflow", fmt.Sprintf("step %q is not optional and cannot be skipped", stepID))
	}

	next := cloneInstance(instance)
	next.History = append(next.History, StepExecutionRecord{
		StepID:    stepID,
		Started:   now,
		Completed: now,
		Status:    StepSkipped,
	})
	return next, nil
}

// Transition computes the next step from instance.CurrentStep per the
// template's transition table and the selection precedence: a matching
// verdict transition (unless its target is already at its iteration cap,
// in which case a complete/REJECTED fallback is preferred), then
// "complete", then "default", then the first defined transition. Arrival
// at the completion step sets the instance's status to complete.
func Transition(instance *WorkflowInstance, tmpl *Template, input TransitionInput) (*WorkflowInstance, error) {
	if instance.CurrentStep == tmpl.CompletionStep {
		next := cloneInstance(instance)
		next.Status = StatusComplete
		return next, nil
	}

	candidates := tmpl.TransitionsFrom(instance.CurrentStep)
	if len(candidates) == 0 {
		return instance, swarmerr.New(swarmerr.InvalidTransition, "workflow", fmt.Sprintf("no transitions defined from step %q", instance.CurrentStep))
	}

	chosen, err := selectTransition(instance, tmpl, candidates, input)
	if err != nil {
		return instance, err
	}

	next := cloneInstance(instance)
	next.CurrentStep = chosen.To
	if chosen.To == tmpl.CompletionStep {
		next.Status = StatusComplete
	}
	return next, nil
}

func selectTransition(instance *WorkflowInstance, tmpl *Template, candidates []Transition, input TransitionInput) (Transition, error) {
	if input.HasVerdict {
		for _, tr := range candidates {
			if tr.Condition == ConditionVerdict && tr.Verdict == input.Verdict {
				if atIterationCap(instance, tmpl, tr.To) {
					if fallback, ok := pickFallback(candidates, input.Verdict); ok {
						return fallback, nil
					}
				}
				return tr, nil
			}
		}
	}

	for _, tr := range candidates {
		if tr.Condition == ConditionComplete {
			return tr, nil
		}
	}
	for _, tr := range candidates {
		if tr.Condition == ConditionDefault {
			return tr, nil
		}
	}
	return candidates[0], nil
}

func atIterationCap(instance *WorkflowInstance, tmpl *Template, stepID string) bool {
	step, ok := tmpl.Step(stepID)
	if !ok {
		return false
	}
	return instance.IterationCounts[stepID] >= step.MaxIterations
}

// pickFallback prefers a "complete" transition, then one whose verdict is
// REJECTED, when the primary verdict target has exhausted its iterations.
func pickFallback(candidates []Transition, verdict message.Verdict) (Transition, bool) {
	for _, tr := range candidates {
		if tr.Condition == ConditionComplete {
			return tr, true
		}
	}
	for _, tr := range candidates {
		if tr.Condition == ConditionVerdict && tr.Verdict == message.VerdictRejected {
			return tr, true
		}
	}
	return Transition{}, false
}

// RouteMessage extracts a verdict from incoming.Content.Metadata["verdict"]
// if present, transitions the instance, and returns one routing decision
// per agent that owns the next step.
func RouteMessage(instance *WorkflowInstance, tmpl *Template, incoming message.AgentMessage, now time.Time) (*WorkflowInstance, []RoutingDecision, error) {
	input := TransitionInput{}
	if v, ok := incoming.Content.Verdict(); ok {
		input.Verdict = v
		input.HasVerdict = true
	}

	next, err := Transition(instance, tmpl, input)
	if err != nil {
		return instance, nil, err
	}

	if next.Status == StatusComplete {
		return next, nil, nil
	}

	step, ok := tmpl.Step(next.CurrentStep)
	if !ok {
		return next, nil, swarmerr.New(swarmerr.StepNotFound, "workflow", fmt.Sprintf("routed step %q not in template %q", next.CurrentStep, tmpl.Name))
	}

	routed := message.AgentMessage{
		ID:               uuid.NewString(),
		Timestamp:        now,
		From:             incoming.To,
		To:               step.Role,
		Type:             incoming.Type,
		Priority:         incoming.Priority,
		ThreadID:         incoming.ThreadID,
		RequiresResponse: true,
		Content: message.Content{
			Subject:   incoming.Content.Subject,
			Body:      incoming.Content.Body,
			Artifacts: incoming.Content.Artifacts,
			Metadata:  stampRouting(incoming.Content.Metadata, incoming.To, step.Role),
		},
	}

	return next, []RoutingDecision{{ToRole: step.Role, NextStep: step.ID, Message: routed}}, nil
}

func stampRouting(meta map[string]any, from, to message.Role) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["routedFrom"] = string(from)
	out["routedTo"] = string(to)
	return out
}

// SynthesizeResult refuses on incomplete workflows; otherwise counts
// completed steps, revision counts (steps executed more than once), and
// collects finding/review/artifact outputs.
func SynthesizeResult(instance *WorkflowInstance) (WorkflowResult, error) {
	if instance.Status != StatusComplete {
		return WorkflowResult{}, swarmerr.New(swarmerr.InvalidTransition, "workflow", "cannot synthesize result for an incomplete workflow")
	}

	result := WorkflowResult{SessionID: instance.SessionID}
	executions := make(map[string]int)

	for _, rec := range instance.History {
		if rec.Status != StepComplete {
			continue
		}
		executions[rec.StepID]++
		result.CompletedSteps++

		if rec.Output == nil {
			continue
		}
		switch rec.Output.Type {
		case "finding":
			result.Findings = append(result.Findings, *rec.Output)
		case "review":
			result.Reviews = append(result.Reviews, *rec.Output)
		case "artifact":
			result.Artifacts = append(result.Artifacts, *rec.Output)
		}
	}

	for _, n := range executions {
		if n > 1 {
			result.RevisionCount += n - 1
		}
	}

	return result, nil
}

// CheckTimeout reports whether the workflow has exceeded its maximum
// duration, preferring an explicit config override over the template's.
func CheckTimeout(instance *WorkflowInstance, tmpl *Template, config *TimeoutConfig, now time.Time) bool {
	maxDuration := tmpl.MaxDuration
	if config != nil && config.MaxDuration > 0 {
		maxDuration = config.MaxDuration
	}
	if maxDuration <= 0 {
		return false
	}
	return now.Sub(instance.CreatedAt) >= maxDuration
}

func cloneInstance(instance *WorkflowInstance) *WorkflowInstance {
	next := *instance
	next.History = append([]StepExecutionRecord(nil), instance.History...)
	next.IterationCounts = make(map[string]int, len(instance.IterationCounts))
	for k, v := range instance.IterationCounts {
		next.IterationCounts[k] = v
	}
	return &next
}
