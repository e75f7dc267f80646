package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
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

func TestRealExecutor_NewRealExecutor(t *testing.T) {
	executor := NewRealExecutor("/some/path")
	require.NotNil(t, executor)
	require.Equal(t, "/some/path", executor.workDir)
}

func TestRealExecutor_CreateAndRemoveWorktree(t *testing.T) {
	repo := newTestRepo(t)
	executor := NewRealExecutor(repo)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, executor.CreateWorktree(worktreePath, "feature-a", ""))

	worktrees, err := executor.ListWorktrees()
	require.NoError(t, err)
	require.Len(t, worktrees, 2) // the main checkout plus the new worktree

	var found bool
	for _, wt := range worktrees {
		if wt.Path == worktreePath {
			found = true
			require.Equal(t, "feature-a", wt.Branch)
		}
	}
	require.True(t, found, "expected worktree %s to be listed", worktreePath)

	require.NoError(t, executor.RemoveWorktree(worktreePath))
	require.NoError(t, executor.DeleteBranch("feature-a"))
	require.NoError(t, executor.PruneWorktrees())

	worktrees, err = executor.ListWorktrees()
	require.NoError(t, err)
	require.Len(t, worktrees, 1)
}

func TestRealExecutor_CreateWorktreeFromBaseBranch(t *testing.T) {
	repo := newTestRepo(t)
	executor := NewRealExecutor(repo)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, executor.CreateWorktree(worktreePath, "feature-b", "main"))

	_, err := os.Stat(filepath.Join(worktreePath, "README.md"))
	require.NoError(t, err)
}

func TestRealExecutor_RemoveWorktreeFallsBackToForce(t *testing.T) {
	repo := newTestRepo(t)
	executor := NewRealExecutor(repo)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, executor.CreateWorktree(worktreePath, "feature-c", ""))

	// An uncommitted change makes the plain `git worktree remove` refuse,
	// exercising the --force fallback.
	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "dirty.txt"), []byte("x"), 0o644))

	require.NoError(t, executor.RemoveWorktree(worktreePath))
}

func TestRealExecutor_PruneWorktrees(t *testing.T) {
	repo := newTestRepo(t)
	executor := NewRealExecutor(repo)
	require.NoError(t, executor.PruneWorktrees())
}

func TestParseWorktreeList(t *testing.T) {
	output := "worktree /repo\n" +
		"HEAD abc123\n" +
		"branch refs/heads/main\n" +
		"\n" +
		"worktree /repo-wt\n" +
		"HEAD def456\n" +
		"branch refs/heads/feature\n"

	worktrees := parseWorktreeList(output)
	require.Len(t, worktrees, 2)
	require.Equal(t, WorktreeInfo{Path: "/repo", Branch: "main", HEAD: "abc123"}, worktrees[0])
	require.Equal(t, WorktreeInfo{Path: "/repo-wt", Branch: "feature", HEAD: "def456"}, worktrees[1])
}

func TestParseWorktreeList_NoTrailingBlankLine(t *testing.T) {
	output := "worktree /repo\nHEAD abc123\nbranch refs/heads/main"
	worktrees := parseWorktreeList(output)
	require.Len(t, worktrees, 1)
	require.Equal(t, "/repo", worktrees[0].Path)
}

func TestParseGitError(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		want   error
	}{
		{"already checked out", "fatal: 'feature' is already checked out at '/other'", ErrBranchAlreadyCheckedOut},
		{"already exists", "fatal: '/path' already exists", ErrPathAlreadyExists},
		{"locked", "fatal: '/path' is locked", ErrWorktreeLocked},
		{"not a git repo", "fatal: not a git repository (or any of the parent directories)", ErrNotGitRepo},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := parseGitError(tc.stderr, errors.New("exit status 128"))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseGitError_Unrecognized(t *testing.T) {
	original := errors.New("exit status 1")
	err := parseGitError("fatal: something else entirely", original)
	require.ErrorIs(t, err, original)
}

func TestInterfaceCompliance(t *testing.T) {
	var _ GitExecutor = (*RealExecutor)(nil)
}
