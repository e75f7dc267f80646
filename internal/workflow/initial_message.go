package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/agentswarm/internal/message"
)

// CreateInitialTaskMessage builds the first task message for a freshly
// started workflow instance, addressed to the entry step's role.
func CreateInitialTaskMessage(tmpl *Template, instance *WorkflowInstance, now time.Time) (message.AgentMessage, error) {
	step, ok := tmpl.Step(tmpl.EntryStep)
	if !ok {
		return message.AgentMessage{}, fmt.Errorf("entry step %q not defined in template %q", tmpl.EntryStep, tmpl.Name)
	}

	return message.AgentMessage{
		ID:               uuid.NewString(),
		Timestamp:        now,
		From:             message.RoleOrchestrator,
		To:               step.Role,
		Type:             message.TypeTask,
		Priority:         message.PriorityNormal,
		RequiresResponse: true,
		Content: message.Content{
			Subject: fmt.Sprintf("%s: %s", tmpl.Name, step.Description),
			Body:    instance.Goal,
		},
	}, nil
}
