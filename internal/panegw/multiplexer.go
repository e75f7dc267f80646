// Package panegw is a thin adapter over the terminal multiplexer: pane
// and session CRUD, keystroke delivery, output capture, and readiness
// detection. Every external invocation passes arguments as a list and is
// bounded by a per-call timeout, following the subprocess discipline the
// teacher applies to its git executor.
package panegw

import (
	"regexp"
	"time"
)

// identifierPattern is the injection-safe pattern session and pane names
// must match before any subprocess is spawned.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIdentifier reports whether name is safe to pass as a tmux
// session/pane/window name.
func ValidIdentifier(name string) bool {
	return name != "" && identifierPattern.MatchString(name)
}

// PaneOpts configures CreatePane.
type PaneOpts struct {
	WorkDir string
	Title   string
}

// PaneInfo describes a live pane.
type PaneInfo struct {
	ID      string
	Session string
	Active  bool
}

// CaptureRange selects which lines of a pane's scrollback to capture.
type CaptureRange struct {
	Lines int // last N lines if > 0
	Start int // explicit range start (tmux -S), ignored if Lines > 0
	End   int // explicit range end (tmux -E)
}

// Multiplexer is the interface the orchestrator programs against; real
// deployments use TmuxMultiplexer, tests use FakeMultiplexer.
type Multiplexer interface {
	CreateSession(name string) error
	KillSession(name string) error
	ListSessions() ([]string, error)

	CreatePane(session string, opts PaneOpts) (string, error)
	KillPane(paneID string) error

	SendKeys(paneID, text string, pressEnter bool) error
	CapturePane(paneID string, r CaptureRange) (string, error)

	WaitForPattern(paneID string, pattern *regexp.Regexp, timeout time.Duration) (bool, error)
	WaitForPrompt(paneID string, timeout time.Duration) (bool, error)

	StartWorker(paneID, cwd string, prompt string) error
	IsWorkerActive(paneID string) (bool, error)

	KillAllSessionsWithPrefix(prefix string) error
	CleanupOrphans(olderThan time.Duration) error
}

// defaultPromptPattern matches a shell prompt line ending in one of the
// common prompt characters, per the teacher's worker-readiness heuristic:
// specify the exact pattern and fall back to a timeout-driven declaration.
var defaultPromptPattern = regexp.MustCompile(`[$#>]\s*$`)
