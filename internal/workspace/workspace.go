// Package workspace owns the lifecycle of per-agent git worktrees. All
// workspace mutation goes through Manager.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/git"
	"github.com/joescharf/crew/internal/lock"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// ConflictDetector is consulted before a workspace is created. Its result is
// advisory and never blocks creation.
type ConflictDetector interface {
	Detect(ctx context.Context, projectID string) (*models.ConflictReport, error)
}

// Config tunes a Manager.
type Config struct {
	// OpTimeout bounds every single operation. Zero disables the bound.
	OpTimeout time.Duration
	// MainBranch is used for projects registered without one.
	MainBranch string
}

// CreateOptions controls Create.
type CreateOptions struct {
	NewBranch  bool
	BaseBranch string
	Mode       models.WorkspaceMode
}

// Manager creates, inspects, archives and deletes workspaces.
type Manager struct {
	store    store.Store
	git      git.Client
	activity activity.Recorder
	detector ConflictDetector
	cfg      Config
	logger   *slog.Logger

	locks  *lock.MutexMap
	status singleflight.Group
	now    func() time.Time
}

// NewManager creates a Manager. rec may be nil.
func NewManager(s store.Store, gc git.Client, rec activity.Recorder, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		git:      gc,
		activity: rec,
		cfg:      cfg,
		logger:   logger,
		locks:    lock.NewMutexMap(),
		now:      time.Now,
	}
}

// SetConflictDetector installs the detector consulted by Create.
func (m *Manager) SetConflictDetector(d ConflictDetector) {
	m.detector = d
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.OpTimeout)
}

// WorktreePath returns where the worktree for branch lives: a sibling
// "<repo>.worktrees" directory with slashes in the branch flattened.
func WorktreePath(repoPath, branch string) string {
	return filepath.Join(repoPath+".worktrees", strings.ReplaceAll(branch, "/", "-"))
}

func (m *Manager) record(ctx context.Context, w *models.Workspace, typ models.ActivityType, summary string, details map[string]any) {
	if m.activity == nil {
		return
	}
	e := &models.ActivityEntry{
		ProjectID:   w.ProjectID,
		WorkspaceID: w.ID,
		Type:        typ,
		Category:    models.CategoryWorktree,
		Summary:     summary,
		Details:     details,
	}
	if err := m.activity.Record(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Warn("record workspace activity", "workspace", w.ID, "error", err)
	}
}

// RegisterProject registers the repository at path and its main workspace.
func (m *Manager) RegisterProject(ctx context.Context, name, path, mainBranch string) (*models.Project, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	root, err := m.git.RepoRoot(ctx, abs)
	if err != nil {
		return nil, errs.FromContext(ctx, "register project",
			errs.InvalidInput("%s is not a git repository: %v", abs, err))
	}
	if name == "" {
		name = filepath.Base(root)
	}
	if mainBranch == "" {
		mainBranch = m.cfg.MainBranch
	}
	if ok, err := m.git.BranchExists(ctx, root, mainBranch); err != nil {
		return nil, errs.FromContext(ctx, "register project", err)
	} else if !ok {
		return nil, errs.NotFound("main branch %s not found in %s", mainBranch, root)
	}

	p := &models.Project{Name: name, Path: root, MainBranch: mainBranch}
	if err := m.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	if _, err := m.EnsureMain(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EnsureMain returns the project's main workspace, registering it if needed.
func (m *Manager) EnsureMain(ctx context.Context, p *models.Project) (*models.Workspace, error) {
	existing, err := m.store.ListWorkspaces(ctx, store.WorkspaceListFilter{ProjectID: p.ID})
	if err != nil {
		return nil, err
	}
	for _, w := range existing {
		if w.IsMain {
			return w, nil
		}
	}

	w := &models.Workspace{
		ProjectID: p.ID,
		Path:      p.Path,
		Branch:    p.MainBranch,
		IsMain:    true,
		Mode:      models.WorkspaceModeNormal,
	}
	if err := m.store.CreateWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("register main workspace: %w", err)
	}
	return w, nil
}

// Create checks out branch in a new workspace. Existing conflicts between
// live workspaces are reported in the activity log but do not stop creation.
func (m *Manager) Create(ctx context.Context, projectID, branch string, opts CreateOptions) (*models.Workspace, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, errs.InvalidInput("branch is required")
	}
	if opts.Mode == "" {
		opts.Mode = models.WorkspaceModeNormal
	}
	if !opts.Mode.Valid() {
		return nil, errs.InvalidInput("unknown workspace mode %q", opts.Mode)
	}

	unlock, err := m.locks.Lock(ctx, "project:"+projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if live, err := m.store.GetLiveWorkspaceByBranch(ctx, projectID, branch); err == nil {
		return nil, errs.Conflict("branch %s already has a live workspace: %s", branch, live.ID)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	conflictDetails := m.checkConflicts(ctx, projectID)

	exists, err := m.git.BranchExists(ctx, p.Path, branch)
	if err != nil {
		return nil, errs.FromContext(ctx, "create workspace", err)
	}
	base := ""
	if opts.NewBranch {
		if exists {
			return nil, errs.Conflict("branch %s already exists", branch)
		}
		base = opts.BaseBranch
		if base == "" {
			base = p.MainBranch
		}
		ok, err := m.git.RefExists(ctx, p.Path, base)
		if err != nil {
			return nil, errs.FromContext(ctx, "create workspace", err)
		}
		if !ok {
			return nil, errs.NotFound("base branch not found: %s", base)
		}
	} else {
		if !exists {
			return nil, errs.NotFound("branch not found: %s", branch)
		}
		if err := m.checkNotCheckedOut(ctx, p.Path, branch); err != nil {
			return nil, err
		}
	}

	w := &models.Workspace{
		ProjectID:  projectID,
		Path:       WorktreePath(p.Path, branch),
		Branch:     branch,
		BaseBranch: base,
		Mode:       opts.Mode,
	}

	attempt := &models.Workspace{ProjectID: projectID}
	m.record(ctx, attempt, models.ActivityAction, "workspace requested for "+branch, conflictDetails)

	if err := os.MkdirAll(filepath.Dir(w.Path), 0755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := m.git.WorktreeAdd(ctx, p.Path, w.Path, branch, base, opts.NewBranch); err != nil {
		return nil, errs.FromContext(ctx, "create workspace", fmt.Errorf("git worktree add: %w", err))
	}

	if err := m.store.CreateWorkspace(ctx, w); err != nil {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancelCleanup()
		if rmErr := m.git.WorktreeRemove(cleanupCtx, p.Path, w.Path, true); rmErr != nil {
			m.logger.Warn("remove orphaned worktree", "path", w.Path, "error", rmErr)
		}
		return nil, err
	}

	m.record(ctx, w, models.ActivityAction, "created workspace for "+branch, map[string]any{
		"path":      w.Path,
		"newBranch": opts.NewBranch,
		"base":      base,
		"mode":      string(w.Mode),
	})
	m.logger.Info("workspace created", "workspace", w.ID, "branch", branch, "path", w.Path)
	return w, nil
}

// checkConflicts runs the advisory conflict scan and summarizes it for the log.
func (m *Manager) checkConflicts(ctx context.Context, projectID string) map[string]any {
	details := map[string]any{}
	if m.detector == nil {
		return details
	}
	report, err := m.detector.Detect(ctx, projectID)
	if err != nil {
		details["conflictCheckError"] = err.Error()
		return details
	}
	paths := make([]string, 0, len(report.Conflicts))
	for _, c := range report.Conflicts {
		paths = append(paths, c.Path)
	}
	details["conflicts"] = len(report.Conflicts)
	details["conflictPaths"] = paths
	details["partial"] = report.Partial
	return details
}

func (m *Manager) checkNotCheckedOut(ctx context.Context, repo, branch string) error {
	trees, err := m.git.WorktreeList(ctx, repo)
	if err != nil {
		return errs.FromContext(ctx, "create workspace", err)
	}
	for _, t := range trees {
		if t.Branch == branch {
			return errs.Conflict("branch %s is already checked out at %s", branch, t.Path)
		}
	}
	return nil
}

// Get returns a workspace by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Workspace, error) {
	return m.store.GetWorkspace(ctx, id)
}

// GetByPath resolves a workspace from any path inside its worktree.
func (m *Manager) GetByPath(ctx context.Context, path string) (*models.Workspace, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if w, err := m.store.GetWorkspaceByPath(ctx, path); err == nil {
		return w, nil
	}
	root, err := m.git.RepoRoot(ctx, path)
	if err != nil {
		return nil, errs.NotFound("no workspace at %s", path)
	}
	return m.store.GetWorkspaceByPath(ctx, root)
}

// List returns a project's workspaces.
func (m *Manager) List(ctx context.Context, projectID string, includeArchived bool) ([]*models.Workspace, error) {
	return m.store.ListWorkspaces(ctx, store.WorkspaceListFilter{ProjectID: projectID, IncludeArchived: includeArchived})
}

// ListLive returns the non-archived, non-main workspaces of a project.
func (m *Manager) ListLive(ctx context.Context, projectID string) ([]*models.Workspace, error) {
	return m.store.ListWorkspaces(ctx, store.WorkspaceListFilter{ProjectID: projectID, ExcludeMain: true})
}

// Archive marks a workspace done. The worktree is kept on disk.
func (m *Manager) Archive(ctx context.Context, id string) (*models.Workspace, error) {
	return m.mutate(ctx, id, "archive workspace", func(w *models.Workspace) (bool, error) {
		if w.IsMain {
			return false, errs.InvalidState("main workspace cannot be archived")
		}
		if w.IsLocked {
			return false, errs.InvalidState("workspace %s is locked", w.ID)
		}
		if w.Archived {
			return false, nil
		}
		now := m.now().UTC()
		w.Archived = true
		w.ArchivedAt = &now
		return true, nil
	}, "archived workspace")
}

// SetLocked locks or unlocks a workspace against archive and delete.
func (m *Manager) SetLocked(ctx context.Context, id string, locked bool) (*models.Workspace, error) {
	summary := "unlocked workspace"
	if locked {
		summary = "locked workspace"
	}
	return m.mutate(ctx, id, "lock workspace", func(w *models.Workspace) (bool, error) {
		if w.IsLocked == locked {
			return false, nil
		}
		w.IsLocked = locked
		return true, nil
	}, summary)
}

// SetMode switches a workspace between normal and plan mode.
func (m *Manager) SetMode(ctx context.Context, id string, mode models.WorkspaceMode) (*models.Workspace, error) {
	if !mode.Valid() {
		return nil, errs.InvalidInput("unknown workspace mode %q", mode)
	}
	return m.mutate(ctx, id, "set workspace mode", func(w *models.Workspace) (bool, error) {
		if w.Archived {
			return false, errs.InvalidState("workspace %s is archived", w.ID)
		}
		if w.Mode == mode {
			return false, nil
		}
		w.Mode = mode
		return true, nil
	}, "workspace mode set to "+string(mode))
}

// MarkMerged records that the workspace's branch reached the main branch.
func (m *Manager) MarkMerged(ctx context.Context, id string) (*models.Workspace, error) {
	return m.mutate(ctx, id, "mark workspace merged", func(w *models.Workspace) (bool, error) {
		if w.Merged {
			return false, nil
		}
		w.Merged = true
		return true, nil
	}, "workspace merged")
}

// mutate runs fn under the workspace lock and persists the result when fn
// reports a change.
func (m *Manager) mutate(ctx context.Context, id, op string, fn func(*models.Workspace) (bool, error), summary string) (*models.Workspace, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.locks.Lock(ctx, "workspace:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, errs.FromContext(ctx, op, err)
	}
	changed, err := fn(w)
	if err != nil {
		return nil, err
	}
	if !changed {
		return w, nil
	}
	if err := m.store.UpdateWorkspace(ctx, w); err != nil {
		return nil, errs.FromContext(ctx, op, err)
	}
	m.record(ctx, w, models.ActivityAction, summary, map[string]any{"branch": w.Branch})
	return w, nil
}

// Delete removes the worktree and forgets the workspace. Without force it
// refuses when the workspace has uncommitted changes or commits that never
// reached the main branch.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	unlock, err := m.locks.Lock(ctx, "workspace:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return errs.FromContext(ctx, "delete workspace", err)
	}
	if w.IsMain {
		return errs.InvalidState("main workspace cannot be deleted")
	}
	if w.IsLocked {
		return errs.InvalidState("workspace %s is locked", w.ID)
	}
	p, err := m.store.GetProject(ctx, w.ProjectID)
	if err != nil {
		return err
	}

	onDisk := true
	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		onDisk = false
	}

	if onDisk && !force {
		if err := m.checkClean(ctx, p, w); err != nil {
			return err
		}
	}

	if onDisk {
		if err := m.git.WorktreeRemove(ctx, p.Path, w.Path, force); err != nil {
			return errs.FromContext(ctx, "delete workspace", fmt.Errorf("git worktree remove: %w", err))
		}
	}
	if err := m.store.DeleteWorkspace(ctx, w.ID); err != nil {
		return errs.FromContext(ctx, "delete workspace", err)
	}

	m.record(ctx, w, models.ActivityAction, "deleted workspace for "+w.Branch, map[string]any{
		"path":  w.Path,
		"force": force,
	})
	m.logger.Info("workspace deleted", "workspace", w.ID, "branch", w.Branch, "force", force)
	return nil
}

func (m *Manager) checkClean(ctx context.Context, p *models.Project, w *models.Workspace) error {
	st, err := m.inspect(ctx, w, p.MainBranch)
	if err != nil {
		return err
	}
	dirty := st.Modified + st.Staged + st.Untracked + st.Conflicted
	if dirty > 0 {
		return errs.DirtyState("workspace %s has %d uncommitted changes; use force to delete", w.Branch, dirty)
	}
	if w.Merged {
		return nil
	}
	ahead, err := m.git.CommitsAhead(ctx, p.Path, p.MainBranch, w.Branch)
	if err != nil {
		return errs.FromContext(ctx, "delete workspace", err)
	}
	if ahead > 0 {
		return errs.DirtyState("workspace %s has %d commits not on %s; use force to delete", w.Branch, ahead, p.MainBranch)
	}
	return nil
}
