package worktreegw_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/worktreegw"
)

// newTestRepo initializes a throwaway git repository with one commit on
// its default branch, returning its root directory.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("swarm\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func TestCreateWorktreeStaysUnderWorktreesDir(t *testing.T) {
	repo := newTestRepo(t)
	gw := worktreegw.New(repo)

	path, err := gw.CreateWorktree(message.RoleResearcher, "sess1", worktreegw.CreateOpts{})
	require.NoError(t, err)
	assert := require.New(t)
	assert.Contains(path, filepath.Join(repo, ".worktrees"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(info.IsDir())
}

func TestCreateWorktreesRollsBackOnFailure(t *testing.T) {
	repo := newTestRepo(t)
	gw := worktreegw.New(repo)

	// Pre-create the second role's target path as a plain file so the
	// underlying "git worktree add" for that role fails, forcing rollback.
	researcherPath := filepath.Join(repo, ".worktrees", string(message.RoleReviewer))
	require.NoError(t, os.MkdirAll(filepath.Dir(researcherPath), 0o755))
	require.NoError(t, os.WriteFile(researcherPath, []byte("blocker"), 0o644))

	_, err := gw.CreateWorktrees([]message.Role{message.RoleDeveloper, message.RoleReviewer}, "sess1", worktreegw.CreateOpts{})
	require.Error(t, err)

	developerPath := filepath.Join(repo, ".worktrees", string(message.RoleDeveloper))
	_, statErr := os.Stat(developerPath)
	require.True(t, os.IsNotExist(statErr), "the developer worktree created before the failure should have been rolled back")
}

func TestCopyRoleConfigCopiesPersonaFile(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "roles", "architect"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "roles", "architect", "CLAUDE.md"), []byte("persona"), 0o644))

	gw := worktreegw.New(repo)
	path, err := gw.CreateWorktree(message.RoleArchitect, "sess1", worktreegw.CreateOpts{CopyConfig: true})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(path, "CLAUDE.md"))
	require.NoError(t, err)
	require.Equal(t, "persona", string(content))
}

func TestRemoveAllDeletesEveryWorktree(t *testing.T) {
	repo := newTestRepo(t)
	gw := worktreegw.New(repo)

	_, err := gw.CreateWorktrees([]message.Role{message.RoleDeveloper, message.RoleReviewer}, "sess1", worktreegw.CreateOpts{})
	require.NoError(t, err)

	require.NoError(t, gw.RemoveAll(worktreegw.RemoveOpts{Force: true, DeleteBranches: true}))

	worktrees, err := gw.ListWorktrees()
	require.NoError(t, err)
	for _, w := range worktrees {
		require.NotContains(t, w.Path, ".worktrees")
	}
}

func TestLockWorktreePreventsOrphanCleanup(t *testing.T) {
	repo := newTestRepo(t)
	gw := worktreegw.New(repo)

	path, err := gw.CreateWorktree(message.RoleDeveloper, "sess1", worktreegw.CreateOpts{})
	require.NoError(t, err)
	gw.LockWorktree(path)

	require.NoError(t, gw.CleanupOrphans(-time.Hour))

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "locked worktree must survive CleanupOrphans")
}
