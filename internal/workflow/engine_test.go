package workflow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/swarmerr"
	"github.com/cbriice/agentswarm/internal/workflow"
)

func loadTemplate(t *testing.T, name string) *workflow.Template {
	t.Helper()
	reg, err := workflow.LoadBuiltinTemplates()
	require.NoError(t, err)
	tmpl, ok := reg.Resolve(name)
	require.True(t, ok, "template %q should be registered", name)
	return tmpl
}

func TestLoadBuiltinTemplatesRegistersAliases(t *testing.T) {
	reg, err := workflow.LoadBuiltinTemplates()
	require.NoError(t, err)

	for _, name := range []string{"research", "implement", "development", "review", "full", "architecture"} {
		_, ok := reg.Resolve(name)
		assert.True(t, ok, "expected %q to resolve", name)
	}
}

func TestStartStepRefusesAtIterationCap(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "audit the diff", now)

	instance, err := workflow.StartStep(instance, tmpl, "code_analysis", now)
	require.NoError(t, err)

	_, err = workflow.StartStep(instance, tmpl, "code_analysis", now)
	require.Error(t, err)
	se, ok := swarmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, swarmerr.MaxIterationsExceeded, se.Code)
}

func TestCompleteStepRequiresRunningRecord(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)

	_, err := workflow.CompleteStep(instance, "code_analysis", nil, now)
	require.Error(t, err)
	se, ok := swarmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, swarmerr.StepNotFound, se.Code)
}

func TestStartCompleteStepRoundTrip(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)

	instance, err := workflow.StartStep(instance, tmpl, "code_analysis", now)
	require.NoError(t, err)

	instance, err = workflow.CompleteStep(instance, "code_analysis", &workflow.StepOutput{Type: "review"}, now.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, instance.History, 1)
	assert.Equal(t, workflow.StepComplete, instance.History[0].Status)
}

func TestSkipStepRejectsNonOptionalStep(t *testing.T) {
	tmpl := loadTemplate(t, "research")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)

	_, err := workflow.SkipStep(instance, tmpl, "initial_research", now)
	require.Error(t, err)
	se, ok := swarmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, swarmerr.InvalidTransition, se.Code)
}

func TestTransitionFollowsApprovedVerdict(t *testing.T) {
	tmpl := loadTemplate(t, "research")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)
	instance.CurrentStep = "verification"

	next, err := workflow.Transition(instance, tmpl, workflow.TransitionInput{Verdict: message.VerdictApproved, HasVerdict: true})
	require.NoError(t, err)
	assert.Equal(t, "synthesis", next.CurrentStep)
	assert.Equal(t, workflow.StatusComplete, next.Status)
}

func TestTransitionLoopsOnNeedsRevision(t *testing.T) {
	tmpl := loadTemplate(t, "research")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)
	instance.CurrentStep = "verification"

	next, err := workflow.Transition(instance, tmpl, workflow.TransitionInput{Verdict: message.VerdictNeedsRevision, HasVerdict: true})
	require.NoError(t, err)
	assert.Equal(t, "deep_dive", next.CurrentStep)
	assert.Equal(t, workflow.StatusRunning, next.Status)
}

func TestTransitionFallsForwardWhenRevisionStepExhausted(t *testing.T) {
	tmpl := loadTemplate(t, "research")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)
	instance.CurrentStep = "verification"
	instance.IterationCounts["deep_dive"] = 3 // equals deep_dive's maxIterations

	next, err := workflow.Transition(instance, tmpl, workflow.TransitionInput{Verdict: message.VerdictNeedsRevision, HasVerdict: true})
	require.NoError(t, err)
	assert.Equal(t, "synthesis", next.CurrentStep, "exhausted revision target should fall forward to the completion step")
}

func TestTransitionWithNoTransitionsIsInvalid(t *testing.T) {
	tmpl := &workflow.Template{
		Name:           "bare",
		EntryStep:      "only",
		CompletionStep: "done",
		Steps: []workflow.Step{
			{ID: "only", MaxIterations: 1},
			{ID: "done", MaxIterations: 1},
		},
	}
	instance := workflow.NewInstance(tmpl, "sess1", "goal", time.Now())

	_, err := workflow.Transition(instance, tmpl, workflow.TransitionInput{})
	require.Error(t, err)
	se, ok := swarmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, swarmerr.InvalidTransition, se.Code)
}

func TestRouteMessageStampsRoutingMetadataAndThreadID(t *testing.T) {
	tmpl := loadTemplate(t, "research")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)
	instance.CurrentStep = "verification"

	incoming := message.New(message.RoleReviewer, message.RoleResearcher, message.TypeReview, message.PriorityNormal, message.Content{
		Subject:  "verified",
		Metadata: map[string]any{"verdict": "NEEDS_REVISION"},
	})
	incoming.ThreadID = "thread-1"

	next, decisions, err := workflow.RouteMessage(instance, tmpl, incoming, now)
	require.NoError(t, err)
	assert.Equal(t, "deep_dive", next.CurrentStep)
	require.Len(t, decisions, 1)
	assert.Equal(t, message.RoleResearcher, decisions[0].ToRole)
	assert.Equal(t, "thread-1", decisions[0].Message.ThreadID)
	assert.True(t, decisions[0].Message.RequiresResponse)
	assert.Equal(t, "researcher", decisions[0].Message.Content.Metadata["routedTo"])
}

func TestSynthesizeResultRefusesIncompleteWorkflow(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	instance := workflow.NewInstance(tmpl, "sess1", "goal", time.Now())

	_, err := workflow.SynthesizeResult(instance)
	require.Error(t, err)
}

func TestSynthesizeResultCountsRevisions(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", now)
	instance.Status = workflow.StatusComplete
	instance.History = []workflow.StepExecutionRecord{
		{StepID: "code_analysis", Status: workflow.StepComplete, Output: &workflow.StepOutput{Type: "review"}},
		{StepID: "code_analysis", Status: workflow.StepComplete, Output: &workflow.StepOutput{Type: "review"}},
		{StepID: "summary", Status: workflow.StepComplete, Output: &workflow.StepOutput{Type: "artifact"}},
	}

	result, err := workflow.SynthesizeResult(instance)
	require.NoError(t, err)
	assert.Equal(t, 3, result.CompletedSteps)
	assert.Equal(t, 1, result.RevisionCount)
	assert.Len(t, result.Reviews, 2)
	assert.Len(t, result.Artifacts, 1)
}

func TestCheckTimeoutComparesAgainstTemplateMaxDuration(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	start := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", start)

	assert.False(t, workflow.CheckTimeout(instance, tmpl, nil, start.Add(time.Minute)))
	assert.True(t, workflow.CheckTimeout(instance, tmpl, nil, start.Add(time.Hour)))
	assert.True(t, workflow.CheckTimeout(instance, tmpl, nil, start.Add(tmpl.MaxDuration)), "exactly at the boundary must count as timed out")
}

func TestCheckTimeoutHonorsConfigOverride(t *testing.T) {
	tmpl := loadTemplate(t, "review")
	start := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "goal", start)

	cfg := &workflow.TimeoutConfig{MaxDuration: 30 * time.Second}
	assert.True(t, workflow.CheckTimeout(instance, tmpl, cfg, start.Add(time.Minute)))
}

func TestCreateInitialTaskMessageAddressesEntryStepRole(t *testing.T) {
	tmpl := loadTemplate(t, "implement")
	now := time.Now()
	instance := workflow.NewInstance(tmpl, "sess1", "build the thing", now)

	msg, err := workflow.CreateInitialTaskMessage(tmpl, instance, now)
	require.NoError(t, err)
	assert.Equal(t, message.RoleArchitect, msg.To)
	assert.Equal(t, "build the thing", msg.Content.Body)
	require.NoError(t, msg.Validate())
}
