package workflow

import (
	"time"

	"github.com/cbriice/agentswarm/internal/message"
)

// Step is one node of a template's step graph.
type Step struct {
	ID            string        `yaml:"id"`
	Description   string        `yaml:"description"`
	Role          message.Role  `yaml:"role"`
	Type          StepType      `yaml:"type"`
	InputTypes    []string      `yaml:"inputTypes"`
	OutputType    string        `yaml:"outputType"`
	MaxIterations int           `yaml:"maxIterations"`
	Timeout       time.Duration `yaml:"timeout"`
	Optional      bool          `yaml:"optional"`
}

// Transition is one edge of a template's step graph.
type Transition struct {
	From      string          `yaml:"from"`
	To        string          `yaml:"to"`
	Condition Condition       `yaml:"condition"`
	Verdict   message.Verdict `yaml:"verdict"`
}

// Template is a registered declarative workflow shape: roles, steps,
// transitions, timeouts, and iteration caps.
type Template struct {
	Name           string        `yaml:"name"`
	Aliases        []string      `yaml:"aliases"`
	Roles          []message.Role `yaml:"roles"`
	Steps          []Step        `yaml:"steps"`
	Transitions    []Transition  `yaml:"transitions"`
	EntryStep      string        `yaml:"entryStep"`
	CompletionStep string        `yaml:"completionStep"`
	MaxDuration    time.Duration `yaml:"maxDuration"`
	MaxRevisions   int           `yaml:"maxRevisions"`
}

// Step looks up a step definition by id.
func (t *Template) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// TransitionsFrom returns every transition defined with From == stepID, in
// declaration order.
func (t *Template) TransitionsFrom(stepID string) []Transition {
	var out []Transition
	for _, tr := range t.Transitions {
		if tr.From == stepID {
			out = append(out, tr)
		}
	}
	return out
}

// NewInstance creates a fresh WorkflowInstance at the template's entry step.
func NewInstance(t *Template, sessionID, goal string, now time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		TemplateName:    t.Name,
		SessionID:       sessionID,
		Goal:            goal,
		CurrentStep:     t.EntryStep,
		IterationCounts: make(map[string]int),
		Status:          StatusRunning,
		CreatedAt:       now,
	}
}
