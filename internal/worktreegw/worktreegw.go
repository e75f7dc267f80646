// Package worktreegw is a thin adapter over the version-control workspace
// provisioner: atomic multi-role worktree creation with rollback, per-role
// branch naming, role-config file copy, and cleanup. It generalizes the
// teacher's single-worktree git executor into the multi-role shape this
// system needs.
package worktreegw

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cbriice/agentswarm/internal/git"
	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// worktreesDirName is the required subdirectory under repoRoot that every
// managed worktree path must live under.
const worktreesDirName = ".worktrees"

// CreateOpts configures a single worktree creation.
type CreateOpts struct {
	BaseBranch   string // starting point; empty means current HEAD
	BranchPrefix string // defaults to "swarm" if empty
	CopyConfig   bool   // copy ./roles/<role>/CLAUDE.md into the worktree root
	RolesDir     string // defaults to "roles" if empty
}

// RemoveOpts configures worktree removal.
type RemoveOpts struct {
	Force          bool
	DeleteBranch   bool
	DeleteBranches bool // used by RemoveAll
}

// Gateway provisions and tears down one git worktree per role for a
// session, rooted at repoRoot/.worktrees.
type Gateway struct {
	repoRoot string
	exec     *git.RealExecutor

	mu       sync.Mutex
	byRole   map[message.Role]string // role -> worktree path, this session
	branches map[message.Role]string // role -> branch name, this session
	locked   map[string]bool
}

// New constructs a Gateway rooted at repoRoot, operating through a
// RealExecutor scoped to that repository.
func New(repoRoot string) *Gateway {
	return &Gateway{
		repoRoot: repoRoot,
		exec:     git.NewRealExecutor(repoRoot),
		byRole:   make(map[message.Role]string),
		branches: make(map[message.Role]string),
		locked:   make(map[string]bool),
	}
}

// worktreePath computes the path for a role's worktree and verifies it
// resolves under repoRoot/.worktrees.
func (g *Gateway) worktreePath(role message.Role, sessionID string) (string, error) {
	base := filepath.Join(g.repoRoot, worktreesDirName)
	path := filepath.Join(base, string(role))

	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", swarmerr.New(swarmerr.InvalidArgs, "worktree", fmt.Sprintf("resolved path %q escapes %q", path, base))
	}
	return path, nil
}

func branchName(prefix string, role message.Role, sessionID string) string {
	if prefix == "" {
		prefix = "swarm"
	}
	return fmt.Sprintf("%s/%s-%s", prefix, role, sessionID)
}

// CreateWorktree provisions a single worktree for role, on a new branch
// named "<prefix>/<role>-<sessionId>".
func (g *Gateway) CreateWorktree(role message.Role, sessionID string, opts CreateOpts) (string, error) {
	path, err := g.worktreePath(role, sessionID)
	if err != nil {
		return "", err
	}
	branch := branchName(opts.BranchPrefix, role, sessionID)

	if err := g.exec.CreateWorktree(path, branch, opts.BaseBranch); err != nil {
		return "", swarmerr.Wrap(swarmerr.FilesystemError, "worktree", fmt.Sprintf("create worktree for role %s", role), err)
	}

	if opts.CopyConfig {
		if err := g.CopyRoleConfig(role, path, opts.RolesDir); err != nil {
			_ = g.exec.RemoveWorktree(path)
			return "", err
		}
	}

	g.mu.Lock()
	g.byRole[role] = path
	g.branches[role] = branch
	g.mu.Unlock()

	log.Info(log.CatWorktree, "worktree created", "role", string(role), "path", path, "branch", branch)
	return path, nil
}

// CreateWorktrees provisions a worktree for every role, sequentially. On
// any failure it force-removes every worktree already created in this
// call and returns the original error.
func (g *Gateway) CreateWorktrees(roles []message.Role, sessionID string, opts CreateOpts) (map[message.Role]string, error) {
	created := make(map[message.Role]string, len(roles))

	for _, role := range roles {
		path, err := g.CreateWorktree(role, sessionID, opts)
		if err != nil {
			for r, p := range created {
				if removeErr := g.exec.RemoveWorktree(p); removeErr != nil {
					log.Warn(log.CatWorktree, "rollback removal failed", "role", string(r), "path", p, "error", removeErr.Error())
				}
				g.mu.Lock()
				delete(g.byRole, r)
				delete(g.branches, r)
				g.mu.Unlock()
			}
			return nil, err
		}
		created[role] = path
	}

	return created, nil
}

// CopyRoleConfig copies roles/<role>/CLAUDE.md into the worktree root, the
// worker persona file the external worker process consumes.
func (g *Gateway) CopyRoleConfig(role message.Role, worktreePath, rolesDir string) error {
	if rolesDir == "" {
		rolesDir = "roles"
	}
	src := filepath.Join(g.repoRoot, rolesDir, string(role), "CLAUDE.md")
	dst := filepath.Join(worktreePath, "CLAUDE.md")

	in, err := os.Open(src) //nolint:gosec // G304: src built from fixed repoRoot/rolesDir/role
	if err != nil {
		return swarmerr.Wrap(swarmerr.FilesystemError, "worktree", fmt.Sprintf("open role config for %s", role), err)
	}
	defer in.Close()

	out, err := os.Create(dst) //nolint:gosec // G304: dst built from the worktree path we just created
	if err != nil {
		return swarmerr.Wrap(swarmerr.FilesystemError, "worktree", fmt.Sprintf("create role config destination for %s", role), err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return swarmerr.Wrap(swarmerr.FilesystemError, "worktree", fmt.Sprintf("copy role config for %s", role), err)
	}
	return nil
}

// RemoveWorktree removes the worktree for role.
func (g *Gateway) RemoveWorktree(role message.Role, opts RemoveOpts) error {
	g.mu.Lock()
	path, ok := g.byRole[role]
	branch := g.branches[role]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	if err := g.exec.RemoveWorktree(path); err != nil {
		if !opts.Force {
			return swarmerr.Wrap(swarmerr.FilesystemError, "worktree", fmt.Sprintf("remove worktree for role %s", role), err)
		}
		log.Warn(log.CatWorktree, "forced worktree removal after error", "role", string(role), "error", err.Error())
	}

	if opts.DeleteBranch && branch != "" {
		if err := g.exec.DeleteBranch(branch); err != nil {
			log.Warn(log.CatWorktree, "branch deletion failed", "branch", branch, "error", err.Error())
		}
	}

	g.mu.Lock()
	delete(g.byRole, role)
	delete(g.branches, role)
	delete(g.locked, path)
	g.mu.Unlock()
	return nil
}

// RemoveAll removes every worktree this gateway created this session,
// then prunes dangling worktree references.
func (g *Gateway) RemoveAll(opts RemoveOpts) error {
	g.mu.Lock()
	roles := make([]message.Role, 0, len(g.byRole))
	for r := range g.byRole {
		roles = append(roles, r)
	}
	g.mu.Unlock()

	removeOpts := RemoveOpts{Force: opts.Force, DeleteBranch: opts.DeleteBranches}
	for _, role := range roles {
		if err := g.RemoveWorktree(role, removeOpts); err != nil {
			return err
		}
	}
	return g.exec.PruneWorktrees()
}

// ListWorktrees returns git's own list of worktrees for the repository.
// The gateway's in-process role table is neither consulted nor updated.
func (g *Gateway) ListWorktrees() ([]git.WorktreeInfo, error) {
	return g.exec.ListWorktrees()
}

// LockWorktree marks a worktree path as locked against concurrent cleanup.
func (g *Gateway) LockWorktree(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked[path] = true
}

// UnlockWorktree clears a worktree's locked flag.
func (g *Gateway) UnlockWorktree(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locked, path)
}

// IsLocked reports whether path is currently locked.
func (g *Gateway) IsLocked(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked[path]
}

// CleanupOrphans removes worktrees under repoRoot/.worktrees whose
// modification time is older than olderThan and which are not locked,
// recovering disk space after a crashed orchestrator process.
func (g *Gateway) CleanupOrphans(olderThan time.Duration) error {
	base := filepath.Join(g.repoRoot, worktreesDirName)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return swarmerr.Wrap(swarmerr.FilesystemError, "worktree", "read worktrees directory", err)
	}

	cutoff := time.Now().Add(-olderThan)
	for _, entry := range entries {
		path := filepath.Join(base, entry.Name())
		if g.IsLocked(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := g.exec.RemoveWorktree(path); err != nil {
				log.Warn(log.CatWorktree, "failed to clean up orphan worktree", "path", path, "error", err.Error())
			}
		}
	}
	return g.exec.PruneWorktrees()
}
