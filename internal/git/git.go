package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/joescharf/crew/internal/errs"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Status is the parsed result of `git status --porcelain=v2 --branch`.
type Status struct {
	Branch     string
	Upstream   string
	Ahead      int
	Behind     int
	Modified   int
	Staged     int
	Untracked  int
	Conflicted int
	// Files lists every modified, staged, untracked or conflicted path,
	// relative to the worktree root, in git's output order.
	Files []string
}

// Client defines the git operations crew needs. Every method takes the path of
// the repository or worktree it acts on since crew manages many checkouts.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	BranchExists(ctx context.Context, repo, branch string) (bool, error)
	RefExists(ctx context.Context, repo, ref string) (bool, error)
	WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error)
	WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repo, path string, force bool) error
	Status(ctx context.Context, path, fallbackBase string) (*Status, error)
	CommitsAhead(ctx context.Context, path, base, ref string) (int, error)
	CommitCount(ctx context.Context, path, ref string) (int, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		op := "git " + strings.Join(args, " ")
		if ctx.Err() != nil {
			return "", errs.FromContext(ctx, op, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s: %s", op, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	return c.RefExists(ctx, repo, "refs/heads/"+branch)
}

// RefExists reports whether ref resolves to a commit.
func (c *RealClient) RefExists(ctx context.Context, repo, ref string) (bool, error) {
	_, err := gitCmd(ctx, repo, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, err
	}
	return false, nil
}

func (c *RealClient) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// WorktreeAdd checks out branch at path. With newBranch, branch is created
// from base.
func (c *RealClient) WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path, base)
	} else {
		args = append(args, path, branch)
	}
	_, err := gitCmd(ctx, repo, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := gitCmd(ctx, repo, args...); err != nil {
		return err
	}
	_, err := gitCmd(ctx, repo, "worktree", "prune")
	return err
}

// Status inspects the working tree at path. Ahead/behind come from the
// upstream when one is configured, otherwise from fallbackBase if it exists.
func (c *RealClient) Status(ctx context.Context, path, fallbackBase string) (*Status, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain=v2", "--branch", "--untracked-files=all", "-z")
	if err != nil {
		return nil, err
	}
	st := ParseStatusPorcelainV2(out)

	if st.Upstream == "" && fallbackBase != "" && fallbackBase != st.Branch {
		if ok, _ := c.RefExists(ctx, path, fallbackBase); ok {
			counts, err := gitCmd(ctx, path, "rev-list", "--left-right", "--count", fallbackBase+"...HEAD")
			if err != nil {
				return nil, err
			}
			fields := strings.Fields(counts)
			if len(fields) == 2 {
				st.Behind, _ = strconv.Atoi(fields[0])
				st.Ahead, _ = strconv.Atoi(fields[1])
			}
		}
	}
	return st, nil
}

// CommitsAhead counts commits reachable from ref but not from base.
func (c *RealClient) CommitsAhead(ctx context.Context, path, base, ref string) (int, error) {
	out, err := gitCmd(ctx, path, "rev-list", "--count", base+".."+ref)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

// CommitCount counts every commit reachable from ref.
func (c *RealClient) CommitCount(ctx context.Context, path, ref string) (int, error) {
	out, err := gitCmd(ctx, path, "rev-list", "--count", ref)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ParseStatusPorcelainV2 parses NUL-separated `git status --porcelain=v2 --branch -z` output.
func ParseStatusPorcelainV2(output string) *Status {
	st := &Status{}
	records := strings.Split(output, "\x00")

	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec == "" {
			continue
		}
		switch rec[0] {
		case '#':
			parseBranchHeader(st, rec)
		case '1':
			// 1 XY sub mH mI mW hH hI path
			fields := strings.SplitN(rec, " ", 9)
			if len(fields) == 9 {
				st.countXY(fields[1])
				st.Files = append(st.Files, fields[8])
			}
		case '2':
			// 2 XY sub mH mI mW hH hI Xscore path, followed by a record holding origPath
			fields := strings.SplitN(rec, " ", 10)
			if len(fields) == 10 {
				st.countXY(fields[1])
				st.Files = append(st.Files, fields[9])
			}
			i++
		case 'u':
			// u XY sub m1 m2 m3 mW h1 h2 h3 path
			fields := strings.SplitN(rec, " ", 11)
			if len(fields) == 11 {
				st.Conflicted++
				st.Files = append(st.Files, fields[10])
			}
		case '?':
			st.Untracked++
			st.Files = append(st.Files, strings.TrimPrefix(rec, "? "))
		}
	}
	return st
}

func (st *Status) countXY(xy string) {
	if len(xy) != 2 {
		return
	}
	if xy[0] != '.' {
		st.Staged++
	}
	if xy[1] != '.' {
		st.Modified++
	}
}

func parseBranchHeader(st *Status, rec string) {
	switch {
	case strings.HasPrefix(rec, "# branch.head "):
		st.Branch = strings.TrimPrefix(rec, "# branch.head ")
	case strings.HasPrefix(rec, "# branch.upstream "):
		st.Upstream = strings.TrimPrefix(rec, "# branch.upstream ")
	case strings.HasPrefix(rec, "# branch.ab "):
		// # branch.ab +<ahead> -<behind>
		fields := strings.Fields(strings.TrimPrefix(rec, "# branch.ab "))
		if len(fields) == 2 {
			st.Ahead, _ = strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
			st.Behind, _ = strconv.Atoi(strings.TrimPrefix(fields[1], "-"))
		}
	}
}
