package panegw

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// fakePane is the in-memory state tracked for a single pane.
type fakePane struct {
	session string
	output  string
	active  bool
}

// FakeMultiplexer is an in-memory Multiplexer for tests: no subprocess is
// ever spawned. Output fed to a pane via Feed is what CapturePane and
// WaitForPattern observe.
type FakeMultiplexer struct {
	mu       sync.Mutex
	sessions map[string]bool
	panes    map[string]*fakePane
	nextID   int
}

var _ Multiplexer = (*FakeMultiplexer)(nil)

// NewFakeMultiplexer constructs an empty FakeMultiplexer.
func NewFakeMultiplexer() *FakeMultiplexer {
	return &FakeMultiplexer{
		sessions: make(map[string]bool),
		panes:    make(map[string]*fakePane),
	}
}

func (f *FakeMultiplexer) CreateSession(name string) error {
	if err := validateIdentifier(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *FakeMultiplexer) KillSession(name string) error {
	if err := validateIdentifier(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	for id, p := range f.panes {
		if p.session == name {
			delete(f.panes, id)
		}
	}
	return nil
}

func (f *FakeMultiplexer) ListSessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		out = append(out, name)
	}
	return out, nil
}

func (f *FakeMultiplexer) CreatePane(session string, opts PaneOpts) (string, error) {
	if err := validateIdentifier(session); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[session] {
		return "", swarmerr.New(swarmerr.InvalidArgs, "pane", fmt.Sprintf("no such session %q", session))
	}
	f.nextID++
	id := fmt.Sprintf("%%%d", f.nextID)
	f.panes[id] = &fakePane{session: session, active: true}
	return id, nil
}

func (f *FakeMultiplexer) KillPane(paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, paneID)
	return nil
}

func (f *FakeMultiplexer) SendKeys(paneID, text string, pressEnter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[paneID]
	if !ok {
		return swarmerr.New(swarmerr.InvalidArgs, "pane", fmt.Sprintf("no such pane %q", paneID))
	}
	p.output += text
	if pressEnter {
		p.output += "\n"
	}
	return nil
}

// Feed appends text directly to a pane's captured output, simulating
// output the worker process would produce, without going through SendKeys.
func (f *FakeMultiplexer) Feed(paneID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.output += text
	}
}

// SetActive overrides a pane's IsWorkerActive result for scripted tests.
func (f *FakeMultiplexer) SetActive(paneID string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.active = active
	}
}

func (f *FakeMultiplexer) CapturePane(paneID string, r CaptureRange) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[paneID]
	if !ok {
		return "", swarmerr.New(swarmerr.InvalidArgs, "pane", fmt.Sprintf("no such pane %q", paneID))
	}
	lines := strings.Split(p.output, "\n")
	if r.Lines > 0 && len(lines) > r.Lines {
		lines = lines[len(lines)-r.Lines:]
	}
	return strings.Join(lines, "\n"), nil
}

func (f *FakeMultiplexer) WaitForPattern(paneID string, pattern *regexp.Regexp, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := f.CapturePane(paneID, CaptureRange{})
		if err != nil {
			return false, err
		}
		if pattern.MatchString(out) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *FakeMultiplexer) WaitForPrompt(paneID string, timeout time.Duration) (bool, error) {
	return f.WaitForPattern(paneID, defaultPromptPattern, timeout)
}

func (f *FakeMultiplexer) StartWorker(paneID, cwd, prompt string) error {
	return f.SendKeys(paneID, workerCommand+" "+prompt, true)
}

func (f *FakeMultiplexer) IsWorkerActive(paneID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[paneID]
	if !ok {
		return false, swarmerr.New(swarmerr.InvalidArgs, "pane", fmt.Sprintf("no such pane %q", paneID))
	}
	return p.active, nil
}

func (f *FakeMultiplexer) KillAllSessionsWithPrefix(prefix string) error {
	f.mu.Lock()
	names := make([]string, 0)
	for name := range f.sessions {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	f.mu.Unlock()
	for _, name := range names {
		if err := f.KillSession(name); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeMultiplexer) CleanupOrphans(olderThan time.Duration) error {
	return nil
}
