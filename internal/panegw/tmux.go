package panegw

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

const defaultCallTimeout = 10 * time.Second

// TmuxMultiplexer implements Multiplexer by shelling out to the tmux
// binary. Every call passes arguments as a list, never a shell string,
// and is bounded by callTimeout.
type TmuxMultiplexer struct {
	callTimeout time.Duration
}

var _ Multiplexer = (*TmuxMultiplexer)(nil)

// NewTmuxMultiplexer constructs a TmuxMultiplexer with the default
// per-call timeout. It fails fast if tmux is not on PATH rather than
// surfacing ENOENT from the first real call.
func NewTmuxMultiplexer() (*TmuxMultiplexer, error) {
	if !isTmuxAvailable() {
		return nil, swarmerr.New(swarmerr.SystemError, "pane", "tmux binary not found on PATH")
	}
	return &TmuxMultiplexer{callTimeout: defaultCallTimeout}, nil
}

func (t *TmuxMultiplexer) run(ctx context.Context, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	//nolint:gosec // G204: args are a fixed list, never a shell string
	cmd := exec.CommandContext(callCtx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", swarmerr.Wrap(swarmerr.AgentTimeout, "pane", "tmux "+strings.Join(args, " ")+" timed out", err)
		}
		return "", swarmerr.Wrap(swarmerr.SystemError, "pane", strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func validateIdentifier(name string) error {
	if !ValidIdentifier(name) {
		return swarmerr.New(swarmerr.InvalidArgs, "pane", fmt.Sprintf("invalid identifier %q, must match %s", name, identifierPattern.String()))
	}
	return nil
}

func validateWorkDir(dir string) error {
	if strings.ContainsAny(dir, ";&|`$(){}<>\n") {
		return swarmerr.New(swarmerr.InvalidArgs, "pane", "working directory contains shell metacharacters")
	}
	return nil
}

// CreateSession creates a new detached tmux session.
func (t *TmuxMultiplexer) CreateSession(name string) error {
	if err := validateIdentifier(name); err != nil {
		return err
	}
	_, err := t.run(context.Background(), "new-session", "-d", "-s", name)
	return err
}

// KillSession kills a tmux session. Idempotent: killing a session that no
// longer exists returns success.
func (t *TmuxMultiplexer) KillSession(name string) error {
	if err := validateIdentifier(name); err != nil {
		return err
	}
	_, err := t.run(context.Background(), "kill-session", "-t", name)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "session not found") || strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil
		}
	}
	return err
}

// ListSessions returns the names of all live tmux sessions.
func (t *TmuxMultiplexer) ListSessions() ([]string, error) {
	out, err := t.run(context.Background(), "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CreatePane creates a pane in session, returning its pane id.
func (t *TmuxMultiplexer) CreatePane(session string, opts PaneOpts) (string, error) {
	if err := validateIdentifier(session); err != nil {
		return "", err
	}
	if opts.WorkDir != "" {
		if err := validateWorkDir(opts.WorkDir); err != nil {
			return "", err
		}
	}

	args := []string{"split-window", "-t", session, "-P", "-F", "#{pane_id}"}
	if opts.WorkDir != "" {
		args = append(args, "-c", opts.WorkDir)
	}
	paneID, err := t.run(context.Background(), args...)
	if err != nil {
		return "", err
	}

	if opts.Title != "" {
		_, _ = t.run(context.Background(), "select-pane", "-t", paneID, "-T", opts.Title)
	}
	log.Debug(log.CatPane, "created pane", "session", session, "pane_id", paneID)
	return paneID, nil
}

// KillPane kills a single pane.
func (t *TmuxMultiplexer) KillPane(paneID string) error {
	_, err := t.run(context.Background(), "kill-pane", "-t", paneID)
	return err
}

// SendKeys sends text to a pane, optionally followed by Enter.
func (t *TmuxMultiplexer) SendKeys(paneID, text string, pressEnter bool) error {
	args := []string{"send-keys", "-t", paneID, text}
	if pressEnter {
		args = append(args, "Enter")
	}
	_, err := t.run(context.Background(), args...)
	return err
}

// CapturePane returns the requested range of a pane's scrollback.
func (t *TmuxMultiplexer) CapturePane(paneID string, r CaptureRange) (string, error) {
	args := []string{"capture-pane", "-t", paneID, "-p"}
	switch {
	case r.Lines > 0:
		args = append(args, "-S", "-"+strconv.Itoa(r.Lines))
	case r.Start != 0 || r.End != 0:
		args = append(args, "-S", strconv.Itoa(r.Start), "-E", strconv.Itoa(r.End))
	}
	return t.run(context.Background(), args...)
}

// WaitForPattern polls a pane's captured output until pattern matches or
// timeout elapses.
func (t *TmuxMultiplexer) WaitForPattern(paneID string, pattern *regexp.Regexp, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := t.CapturePane(paneID, CaptureRange{Lines: 200})
		if err != nil {
			return false, err
		}
		if pattern.MatchString(out) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// WaitForPrompt waits for a shell-prompt-shaped line, falling back to a
// timeout-driven "ready" declaration per the worker-readiness heuristic:
// this is inherently approximate, since no universal prompt marker exists.
func (t *TmuxMultiplexer) WaitForPrompt(paneID string, timeout time.Duration) (bool, error) {
	ok, err := t.WaitForPattern(paneID, defaultPromptPattern, timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warn(log.CatPane, "prompt pattern not observed before timeout, declaring ready anyway", "pane_id", paneID)
		return true, nil
	}
	return true, nil
}

// StartWorker sends the command that launches the worker process in a
// pane, with cwd and an optional initial prompt.
func (t *TmuxMultiplexer) StartWorker(paneID, cwd, prompt string) error {
	if cwd != "" {
		if err := t.SendKeys(paneID, "cd "+shellQuote(cwd), true); err != nil {
			return err
		}
	}
	cmd := workerCommand
	if prompt != "" {
		cmd = cmd + " " + shellQuote(prompt)
	}
	return t.SendKeys(paneID, cmd, true)
}

// workerCommand is the external worker binary this gateway launches;
// out of scope per spec.md §1, so this is the single literal seam.
const workerCommand = "agent-worker"

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsWorkerActive reports whether a worker still appears to be producing
// output (a non-empty, non-prompt capture).
func (t *TmuxMultiplexer) IsWorkerActive(paneID string) (bool, error) {
	out, err := t.CapturePane(paneID, CaptureRange{Lines: 5})
	if err != nil {
		return false, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return false, nil
	}
	return !defaultPromptPattern.MatchString(trimmed), nil
}

// KillAllSessionsWithPrefix kills every session whose name starts with
// prefix.
func (t *TmuxMultiplexer) KillAllSessionsWithPrefix(prefix string) error {
	sessions, err := t.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if strings.HasPrefix(s, prefix) {
			if err := t.KillSession(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanupOrphans kills sessions whose creation time (as reported by
// tmux) is older than olderThan and whose name matches the swarm prefix,
// recovering from a crashed orchestrator process.
func (t *TmuxMultiplexer) CleanupOrphans(olderThan time.Duration) error {
	out, err := t.run(context.Background(), "list-sessions", "-F", "#{session_name} #{session_created}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-olderThan)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		if !strings.HasPrefix(parts[0], "swarm-") {
			continue
		}
		created, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(created, 0).Before(cutoff) {
			if err := t.KillSession(parts[0]); err != nil {
				log.Warn(log.CatPane, "failed to clean up orphan session", "session", parts[0], "error", err.Error())
			}
		}
	}
	return nil
}

// isTmuxAvailable reports whether the tmux binary is on PATH; used by
// wiring code to fail fast with a clear error instead of per-call ENOENT.
func isTmuxAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}
