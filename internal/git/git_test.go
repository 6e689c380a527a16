package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo on branch main with one commit.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
		{"git", "-C", dir, "commit", "--allow-empty", "-m", "init"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/feature-x
HEAD def789abc012
branch refs/heads/feature/x

`
	worktrees := ParseWorktreeListPorcelain(input)
	assert.Len(t, worktrees, 2)

	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)

	assert.Equal(t, "/Users/joe/projects/myrepo.worktrees/feature-x", worktrees[1].Path)
	assert.Equal(t, "feature/x", worktrees[1].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	worktrees := ParseWorktreeListPorcelain("")
	assert.Nil(t, worktrees)
}

func TestParseStatusPorcelainV2(t *testing.T) {
	records := []string{
		"# branch.oid 1234567890abcdef",
		"# branch.head feature/x",
		"# branch.upstream origin/feature/x",
		"# branch.ab +3 -1",
		"1 .M N... 100644 100644 100644 aaa bbb src/main.go",
		"1 M. N... 100644 100644 100644 aaa bbb docs/read me.md",
		"1 MM N... 100644 100644 100644 aaa bbb both.go",
		"2 R. N... 100644 100644 100644 aaa bbb R100 new.go",
		"old.go",
		"u UU N... 100644 100644 100644 100644 aaa bbb ccc conflict.go",
		"? notes.txt",
		"",
	}
	input := ""
	for _, r := range records {
		input += r + "\x00"
	}

	st := ParseStatusPorcelainV2(input)
	assert.Equal(t, "feature/x", st.Branch)
	assert.Equal(t, "origin/feature/x", st.Upstream)
	assert.Equal(t, 3, st.Ahead)
	assert.Equal(t, 1, st.Behind)
	assert.Equal(t, 2, st.Modified)
	assert.Equal(t, 3, st.Staged)
	assert.Equal(t, 1, st.Conflicted)
	assert.Equal(t, 1, st.Untracked)
	assert.Equal(t, []string{"src/main.go", "docs/read me.md", "both.go", "new.go", "conflict.go", "notes.txt"}, st.Files)
}

func TestRealClient_WorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initTestRepo(t, repo)
	c := NewClient()

	ok, err := c.BranchExists(ctx, repo, "main")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.BranchExists(ctx, repo, "feature/x")
	require.NoError(t, err)
	assert.False(t, ok)

	wtPath := filepath.Join(t.TempDir(), "feature-x")
	require.NoError(t, c.WorktreeAdd(ctx, repo, wtPath, "feature/x", "main", true))

	list, err := c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "feature/x", list[1].Branch)

	branch, err := c.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", branch)

	// Adding the same branch twice fails: git refuses a second checkout.
	err = c.WorktreeAdd(ctx, repo, filepath.Join(t.TempDir(), "dup"), "feature/x", "", false)
	assert.Error(t, err)

	require.NoError(t, c.WorktreeRemove(ctx, repo, wtPath, true))
	list, err = c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRealClient_StatusAndCommits(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	initTestRepo(t, repo)
	c := NewClient()

	run(t, repo, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a\n"), 0644))
	run(t, repo, "add", "a.txt")
	run(t, repo, "commit", "-m", "add a")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("changed\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "b.txt"), []byte("b\n"), 0644))

	st, err := c.Status(ctx, repo, "main")
	require.NoError(t, err)
	assert.Equal(t, "feature", st.Branch)
	assert.Equal(t, 1, st.Ahead)
	assert.Equal(t, 0, st.Behind)
	assert.Equal(t, 1, st.Modified)
	assert.Equal(t, 1, st.Untracked)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, st.Files)

	n, err := c.CommitsAhead(ctx, repo, "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.CommitCount(ctx, repo, "feature")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.CommitsAhead(ctx, repo, "no-such-branch", "feature")
	assert.Error(t, err)
}
