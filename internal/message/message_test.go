package message_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/message"
)

func TestNewValidate(t *testing.T) {
	m := message.New(message.RoleResearcher, message.RoleReviewer, message.TypeFinding, message.PriorityNormal, message.Content{
		Subject: "atomic rename",
		Body:    "investigated the pattern",
	})
	require.NoError(t, m.Validate())
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	m := message.New("orchestrator", "../../../etc/passwd", message.TypeTask, message.PriorityNormal, message.Content{Subject: "x"})
	err := m.Validate()
	require.Error(t, err)
}

func TestValidateRejectsSenderEqualsRecipient(t *testing.T) {
	m := message.New(message.RoleDeveloper, message.RoleDeveloper, message.TypeStatus, message.PriorityLow, message.Content{Subject: "x"})
	require.Error(t, m.Validate())
}

func TestValidateAllowsBroadcastWithSameRole(t *testing.T) {
	m := message.New(message.RoleOrchestrator, message.Broadcast, message.TypeStatus, message.PriorityLow, message.Content{Subject: "x"})
	require.NoError(t, m.Validate())
}

func TestValidateRejectsEmptySubject(t *testing.T) {
	m := message.New(message.RoleArchitect, message.RoleDeveloper, message.TypeDesign, message.PriorityNormal, message.Content{Subject: ""})
	require.Error(t, m.Validate())
}

func TestValidateRejectsUnknownTypeAndPriority(t *testing.T) {
	m := message.New(message.RoleArchitect, message.RoleDeveloper, message.Type("bogus"), message.PriorityNormal, message.Content{Subject: "x"})
	require.Error(t, m.Validate())

	m2 := message.New(message.RoleArchitect, message.RoleDeveloper, message.TypeDesign, message.Priority("urgent"), message.Content{Subject: "x"})
	require.Error(t, m2.Validate())
}

func TestContentVerdictExtraction(t *testing.T) {
	c := message.Content{Subject: "review", Metadata: map[string]any{"verdict": "APPROVED"}}
	v, ok := c.Verdict()
	require.True(t, ok)
	assert.Equal(t, message.VerdictApproved, v)

	none := message.Content{Subject: "review"}
	_, ok = none.Verdict()
	assert.False(t, ok)

	bad := message.Content{Subject: "review", Metadata: map[string]any{"verdict": "MAYBE"}}
	_, ok = bad.Verdict()
	assert.False(t, ok)
}

func TestSortKeyPriorityThenTimestamp(t *testing.T) {
	now := time.Now()
	critical := message.AgentMessage{Priority: message.PriorityCritical, Timestamp: now.Add(1 * time.Hour)}
	normalEarlier := message.AgentMessage{Priority: message.PriorityNormal, Timestamp: now}
	normalLater := message.AgentMessage{Priority: message.PriorityNormal, Timestamp: now.Add(2 * time.Hour)}

	msgs := []message.AgentMessage{normalLater, critical, normalEarlier}
	sort.Slice(msgs, func(i, j int) bool { return message.SortKey(msgs[i], msgs[j]) })

	require.Len(t, msgs, 3)
	assert.Equal(t, message.PriorityCritical, msgs[0].Priority)
	assert.Equal(t, normalEarlier.Timestamp, msgs[1].Timestamp)
	assert.Equal(t, normalLater.Timestamp, msgs[2].Timestamp)
}
