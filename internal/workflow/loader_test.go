package workflow_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/workflow"
)

func TestLoadBuiltinTemplatesLoadsAllFour(t *testing.T) {
	reg, err := workflow.LoadBuiltinTemplates()
	require.NoError(t, err)

	names := reg.Names()
	assert.ElementsMatch(t, []string{"research", "implement", "review", "full"}, names)
}

func TestLoadBuiltinTemplatesResolvesDeclaredAliases(t *testing.T) {
	reg, err := workflow.LoadBuiltinTemplates()
	require.NoError(t, err)

	impl, ok := reg.Resolve("implement")
	require.True(t, ok)
	dev, ok := reg.Resolve("development")
	require.True(t, ok)
	assert.Same(t, impl, dev)

	full, ok := reg.Resolve("full")
	require.True(t, ok)
	arch, ok := reg.Resolve("architecture")
	require.True(t, ok)
	assert.Same(t, full, arch)
}

func TestLoadBuiltinTemplatesParsesDurations(t *testing.T) {
	reg, err := workflow.LoadBuiltinTemplates()
	require.NoError(t, err)

	research, ok := reg.Resolve("research")
	require.True(t, ok)
	assert.Equal(t, "20m0s", research.MaxDuration.String())

	step, ok := research.Step("initial_research")
	require.True(t, ok)
	assert.Equal(t, "10m0s", step.Timeout.String())
}

const validTemplateYAML = `
name: minimal
entryStep: start
completionStep: start
maxDuration: 5m
maxRevisions: 1
roles: [reviewer]
steps:
  - id: start
    description: only step
    role: reviewer
    type: task
    maxIterations: 1
    timeout: 1m
transitions:
  - from: start
    to: start
    condition: complete
`

func TestLoadTemplatesFromFSAcceptsWellFormedTemplate(t *testing.T) {
	fsys := fstest.MapFS{
		"templates/minimal.yaml": &fstest.MapFile{Data: []byte(validTemplateYAML)},
	}

	reg, err := workflow.LoadTemplatesFromFS(fsys, "templates")
	require.NoError(t, err)

	tmpl, ok := reg.Resolve("minimal")
	require.True(t, ok)
	assert.Equal(t, "start", tmpl.EntryStep)
}

func TestLoadTemplatesFromFSRejectsUnknownEntryStep(t *testing.T) {
	bad := `
name: broken
entryStep: nope
completionStep: start
maxDuration: 5m
steps:
  - id: start
    role: reviewer
    type: task
    maxIterations: 1
    timeout: 1m
transitions: []
`
	fsys := fstest.MapFS{
		"templates/broken.yaml": &fstest.MapFile{Data: []byte(bad)},
	}

	_, err := workflow.LoadTemplatesFromFS(fsys, "templates")
	require.Error(t, err)
}

func TestLoadTemplatesFromFSRejectsTransitionToUnknownStep(t *testing.T) {
	bad := `
name: broken
entryStep: start
completionStep: start
maxDuration: 5m
steps:
  - id: start
    role: reviewer
    type: task
    maxIterations: 1
    timeout: 1m
transitions:
  - from: start
    to: ghost
    condition: complete
`
	fsys := fstest.MapFS{
		"templates/broken.yaml": &fstest.MapFile{Data: []byte(bad)},
	}

	_, err := workflow.LoadTemplatesFromFS(fsys, "templates")
	require.Error(t, err)
}

func TestLoadTemplatesFromFSRejectsMalformedDuration(t *testing.T) {
	bad := `
name: broken
entryStep: start
completionStep: start
maxDuration: not-a-duration
steps:
  - id: start
    role: reviewer
    type: task
    maxIterations: 1
    timeout: 1m
transitions: []
`
	fsys := fstest.MapFS{
		"templates/broken.yaml": &fstest.MapFile{Data: []byte(bad)},
	}

	_, err := workflow.LoadTemplatesFromFS(fsys, "templates")
	require.Error(t, err)
}
