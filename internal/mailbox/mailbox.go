// Package mailbox implements the per-agent inbox/outbox file bus: atomic
// writes, priority-sorted reads, watermarked polling, and path-traversal
// rejection for the closed role set in package message.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/swarmerr"
	"github.com/cbriice/agentswarm/internal/watcher"
)

// Bus manages the inbox/outbox file pair for every registered role under
// a root directory, serializing read-modify-write per file with an
// in-process lock keyed by absolute path.
type Bus struct {
	root string

	mu    sync.Mutex // guards locks map itself
	locks map[string]*sync.Mutex
}

// New constructs a Bus rooted at root (typically ./.swarm/messages).
func New(root string) *Bus {
	return &Bus{root: root, locks: make(map[string]*sync.Mutex)}
}

func (b *Bus) lockFor(path string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[path]
	if !ok {
		l = &sync.Mutex{}
		b.locks[path] = l
	}
	return l
}

func (b *Bus) inboxPath(role message.Role) (string, error) { return b.resolvePath("inbox", role) }
func (b *Bus) outboxPath(role message.Role) (string, error) { return b.resolvePath("outbox", role) }

// resolvePath validates role against the closed set before any path
// construction and checks the result resolves under the messages root,
// rejecting traversal before any filesystem access.
func (b *Bus) resolvePath(kind string, role message.Role) (string, error) {
	if !message.ValidRole(role) {
		return "", swarmerr.New(swarmerr.InvalidArgs, "mailbox", fmt.Sprintf("unknown role %q", role))
	}

	dir := filepath.Join(b.root, kind)
	path := filepath.Join(dir, string(role)+".json")

	absRoot, err := filepath.Abs(b.root)
	if err != nil {
		return "", swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "resolving root path", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "resolving mailbox path", err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		return "", swarmerr.New(swarmerr.InvalidArgs, "mailbox", "path resolves outside messages root")
	}
	return path, nil
}

// Initialize ensures the root directory and per-role mailbox files exist
// for every registered role, including the orchestrator.
func (b *Bus) Initialize() error {
	for _, dir := range []string{"inbox", "outbox"} {
		if err := os.MkdirAll(filepath.Join(b.root, dir), 0755); err != nil {
			return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "creating "+dir+" directory", err)
		}
	}
	for role := range message.Roles {
		for _, pather := range []func(message.Role) (string, error){b.inboxPath, b.outboxPath} {
			path, err := pather(role)
			if err != nil {
				return err
			}
			if err := ensureFile(path); err != nil {
				return err
			}
		}
	}
	log.Info(log.CatMailbox, "initialized mailbox bus", "root", b.root)
	return nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "stat mailbox file", err)
	}
	return writeAtomic(path, []message.AgentMessage{})
}

// writeAtomic serializes msgs and writes them to path via temp-sibling +
// rename, per spec.md §4.2 and §6.
func writeAtomic(path string, msgs []message.AgentMessage) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return swarmerr.Wrap(swarmerr.SystemError, "mailbox", "marshaling mailbox", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "creating mailbox directory", err)
	}

	temp, err := os.CreateTemp(dir, ".mailbox.tmp.*")
	if err != nil {
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "creating temp file", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "writing temp file", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "closing temp file", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "renaming temp file", err)
	}
	return nil
}

// readTolerant reads and parses a mailbox file, skipping malformed
// entries with a warning rather than failing the whole read. A missing
// file reads as empty.
func readTolerant(path string) ([]message.AgentMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "reading mailbox file", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, swarmerr.Wrap(swarmerr.FilesystemError, "mailbox", "parsing mailbox file as JSON array", err)
	}

	out := make([]message.AgentMessage, 0, len(raw))
	for _, r := range raw {
		var m message.AgentMessage
		if err := json.Unmarshal(r, &m); err != nil {
			log.Warn(log.CatMailbox, "skipping malformed mailbox entry", "path", path, "error", err.Error())
			continue
		}
		if err := m.Validate(); err != nil {
			log.Warn(log.CatMailbox, "skipping invalid mailbox entry", "path", path, "error", err.Error())
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SendOptions controls Send's side effects beyond the mailbox write.
type SendOptions struct {
	// Persist, when non-nil, is invoked with the constructed message so
	// the caller can also write it to the store. Errors are returned to
	// the caller of Send.
	Persist func(message.AgentMessage) error
}

// Send validates input, appends it unchanged to the sender's outbox, and
// delivers it to the recipient's inbox (or to every other role's inbox for
// broadcast).
func (b *Bus) Send(input message.AgentMessage, opts SendOptions) (message.AgentMessage, error) {
	if err := input.Validate(); err != nil {
		return message.AgentMessage{}, swarmerr.Wrap(swarmerr.InvalidArgs, "mailbox", "validating outgoing message", err)
	}

	outPath, err := b.outboxPath(input.From)
	if err != nil {
		return message.AgentMessage{}, err
	}
	if err := b.appendTo(outPath, input); err != nil {
		return message.AgentMessage{}, err
	}

	recipients := []message.Role{input.To}
	if input.To == message.Broadcast {
		recipients = recipients[:0]
		for role := range message.Roles {
			if role != input.From {
				recipients = append(recipients, role)
			}
		}
	}

	for _, role := range recipients {
		inPath, err := b.inboxPath(role)
		if err != nil {
			return message.AgentMessage{}, err
		}
		if err := b.appendTo(inPath, input); err != nil {
			return message.AgentMessage{}, err
		}
	}

	if opts.Persist != nil {
		if err := opts.Persist(input); err != nil {
			return message.AgentMessage{}, err
		}
	}

	log.Debug(log.CatMailbox, "sent message", "id", input.ID, "from", input.From, "to", input.To)
	return input, nil
}

func (b *Bus) appendTo(path string, m message.AgentMessage) error {
	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	existing, err := readRaw(path)
	if err != nil {
		return err
	}
	existing = append(existing, m)
	return writeAtomic(path, existing)
}

// readRaw reads a mailbox file for append purposes: it tolerates
// malformed entries (dropping them) without rewriting the file, since
// policy is tolerant read, strict write — the write path only ever
// serializes well-formed messages going forward.
func readRaw(path string) ([]message.AgentMessage, error) {
	return readTolerant(path)
}

// Filter narrows ReadInbox/ReadOutbox results.
type Filter struct {
	Type     message.Type
	Priority message.Priority
}

func (f Filter) matches(m message.AgentMessage) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	return true
}

// ReadInbox returns a role's inbox, priority-sorted descending then
// timestamp ascending.
func (b *Bus) ReadInbox(role message.Role, filter Filter) ([]message.AgentMessage, error) {
	path, err := b.inboxPath(role)
	if err != nil {
		return nil, err
	}
	return b.readSorted(path, filter)
}

// ReadOutbox returns a role's outbox, priority-sorted descending then
// timestamp ascending.
func (b *Bus) ReadOutbox(role message.Role, filter Filter) ([]message.AgentMessage, error) {
	path, err := b.outboxPath(role)
	if err != nil {
		return nil, err
	}
	return b.readSorted(path, filter)
}

func (b *Bus) readSorted(path string, filter Filter) ([]message.AgentMessage, error) {
	msgs, err := readTolerant(path)
	if err != nil {
		return nil, err
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if filter.matches(m) {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

func sortMessages(msgs []message.AgentMessage) {
	for i := 1; i < len(msgs); i++ {
		j := i
		for j > 0 && message.SortKey(msgs[j], msgs[j-1]) {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
			j--
		}
	}
}

// GetNewOutboxMessages returns outbox messages strictly newer than
// sinceTs, in priority order.
func (b *Bus) GetNewOutboxMessages(role message.Role, sinceTs time.Time) ([]message.AgentMessage, error) {
	all, err := b.ReadOutbox(role, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]message.AgentMessage, 0, len(all))
	for _, m := range all {
		if m.Timestamp.After(sinceTs) {
			out = append(out, m)
		}
	}
	return out, nil
}

// RemoveFromInbox deletes messageId from a role's inbox if present.
func (b *Bus) RemoveFromInbox(role message.Role, messageID string) (bool, error) {
	path, err := b.inboxPath(role)
	if err != nil {
		return false, err
	}

	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := readRaw(path)
	if err != nil {
		return false, err
	}

	removed := false
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID == messageID {
			removed = true
			continue
		}
		out = append(out, m)
	}
	if !removed {
		return false, nil
	}
	return true, writeAtomic(path, out)
}

// ClearInbox empties a role's inbox.
func (b *Bus) ClearInbox(role message.Role) error {
	path, err := b.inboxPath(role)
	if err != nil {
		return err
	}
	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()
	return writeAtomic(path, []message.AgentMessage{})
}

// ClearAll empties every registered role's inbox and outbox.
func (b *Bus) ClearAll() error {
	for role := range message.Roles {
		if err := b.ClearInbox(role); err != nil {
			return err
		}
		path, err := b.outboxPath(role)
		if err != nil {
			return err
		}
		lock := b.lockFor(path)
		lock.Lock()
		err = writeAtomic(path, []message.AgentMessage{})
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// PollOptions configures Poll.
type PollOptions struct {
	Timeout   time.Duration
	Interval  time.Duration
	Predicate func(message.AgentMessage) bool
}

// Poll awaits a matching inbox message for role, layering an fsnotify
// watch over the inbox file so a write wakes the caller immediately;
// Interval remains the fallback poll cadence when the watch is
// unavailable or its event is coalesced under load. Returns nil, nil on
// timeout (no match found).
func (b *Bus) Poll(ctx context.Context, role message.Role, opts PollOptions) (*message.AgentMessage, error) {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	predicate := opts.Predicate
	if predicate == nil {
		predicate = func(message.AgentMessage) bool { return true }
	}

	path, err := b.inboxPath(role)
	if err != nil {
		return nil, err
	}

	if m := b.firstMatch(path, predicate); m != nil {
		return m, nil
	}

	w, werr := watcher.New(watcher.DefaultConfig(path))
	var onChange <-chan struct{}
	if werr == nil {
		onChange, werr = w.Start()
	}
	if werr != nil {
		log.Warn(log.CatMailbox, "poll falling back to interval only, watcher unavailable", "error", werr.Error())
	} else {
		defer func() { _ = w.Stop() }()
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if m := b.firstMatch(path, predicate); m != nil {
			return m, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-onChange:
			continue
		case <-ticker.C:
			continue
		}
	}
}

func (b *Bus) firstMatch(path string, predicate func(message.AgentMessage) bool) *message.AgentMessage {
	msgs, err := readTolerant(path)
	if err != nil {
		return nil
	}
	sortMessages(msgs)
	for i := range msgs {
		if predicate(msgs[i]) {
			m := msgs[i]
			return &m
		}
	}
	return nil
}
