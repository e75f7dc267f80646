// Package message defines the AgentMessage wire format shared by the
// mailbox bus, the store, and the workflow engine's routing logic.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies a participant. The set is closed; extending it requires
// changing Roles and the mailbox bus's registered set together.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleResearcher   Role = "researcher"
	RoleDeveloper    Role = "developer"
	RoleReviewer     Role = "reviewer"
	RoleArchitect    Role = "architect"
)

// Broadcast is the recipient marker meaning "every other agent".
const Broadcast Role = "*"

// Roles is the closed set of valid agent identifiers.
var Roles = map[Role]bool{
	RoleOrchestrator: true,
	RoleResearcher:   true,
	RoleDeveloper:    true,
	RoleReviewer:     true,
	RoleArchitect:    true,
}

// ValidRole reports whether r is a registered role (Broadcast is not a
// valid sender/recipient on its own terms; callers check that separately).
func ValidRole(r Role) bool { return Roles[r] }

// Type enumerates the kinds of message content.
type Type string

const (
	TypeTask     Type = "task"
	TypeFinding  Type = "finding"
	TypeDesign   Type = "design"
	TypeArtifact Type = "artifact"
	TypeReview   Type = "review"
	TypeResult   Type = "result"
	TypeStatus   Type = "status"
	TypeQuestion Type = "question"
	TypeAnswer   Type = "answer"
)

var validTypes = map[Type]bool{
	TypeTask: true, TypeFinding: true, TypeDesign: true, TypeArtifact: true,
	TypeReview: true, TypeResult: true, TypeStatus: true, TypeQuestion: true, TypeAnswer: true,
}

// Priority enumerates delivery priority, ordered low to critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityCritical: 3,
}

// Rank returns the numeric ordering of a priority, higher sorts first.
// Unknown priorities rank below PriorityLow so malformed input never wins
// a sort against a valid message.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

func (p Priority) valid() bool { _, ok := priorityRank[p]; return ok }

// Verdict is the discrete outcome of a review step.
type Verdict string

const (
	VerdictApproved      Verdict = "APPROVED"
	VerdictNeedsRevision Verdict = "NEEDS_REVISION"
	VerdictRejected      Verdict = "REJECTED"
)

// Content is the body of an AgentMessage.
type Content struct {
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Verdict extracts content.metadata.verdict, if present and well-formed.
func (c Content) Verdict() (Verdict, bool) {
	if c.Metadata == nil {
		return "", false
	}
	raw, ok := c.Metadata["verdict"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	switch Verdict(s) {
	case VerdictApproved, VerdictNeedsRevision, VerdictRejected:
		return Verdict(s), true
	default:
		return "", false
	}
}

// AgentMessage is the unit of inter-agent communication, transported via
// the mailbox bus and archived in the store.
type AgentMessage struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	From             Role      `json:"from"`
	To               Role      `json:"to"`
	Type             Type      `json:"type"`
	Priority         Priority  `json:"priority"`
	Content          Content   `json:"content"`
	ThreadID         string    `json:"threadId,omitempty"`
	RequiresResponse bool      `json:"requiresResponse"`
	Deadline         *time.Time `json:"deadline,omitempty"`
}

// New constructs a well-formed AgentMessage, stamping a fresh id and the
// current timestamp. Callers still run Validate before persisting or
// sending, since zero-value Content or bad roles are caller errors.
func New(from, to Role, typ Type, priority Priority, content Content) AgentMessage {
	return AgentMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      typ,
		Priority:  priority,
		Content:   content,
	}
}

// Validate checks every invariant spec.md §3/§6 places on an AgentMessage.
// It is the single gate both the mailbox bus (strict write) and the
// store run before accepting a message.
func (m AgentMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id must not be empty")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s: timestamp must not be zero", m.ID)
	}
	if !ValidRole(m.From) {
		return fmt.Errorf("message %s: unknown sender role %q", m.ID, m.From)
	}
	if m.To != Broadcast && !ValidRole(m.To) {
		return fmt.Errorf("message %s: unknown recipient role %q", m.ID, m.To)
	}
	if m.From == m.To && m.To != Broadcast {
		return fmt.Errorf("message %s: sender and recipient must differ unless broadcast", m.ID)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("message %s: unknown type %q", m.ID, m.Type)
	}
	if !m.Priority.valid() {
		return fmt.Errorf("message %s: unknown priority %q", m.ID, m.Priority)
	}
	if m.Content.Subject == "" {
		return fmt.Errorf("message %s: content.subject must not be empty", m.ID)
	}
	return nil
}

// SortKey orders messages by priority descending then timestamp ascending,
// the ordering ReadInbox must return per spec.md §4.2.
func SortKey(a, b AgentMessage) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.Timestamp.Before(b.Timestamp)
}
