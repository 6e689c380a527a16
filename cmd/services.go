package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/conflict"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/git"
	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/queue"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/workspace"
)

// services is the core object graph shared by the CLI commands and serve.
type services struct {
	store      store.Store
	git        git.Client
	activity   *activity.Log
	workspaces *workspace.Manager
	conflicts  *conflict.Detector
	queue      *queue.Queue
	intake     *intake.Intake
	logger     *slog.Logger
}

func newServices(logger *slog.Logger) (*services, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = newLogger(os.Stderr)
	}

	gc := git.NewClient()
	log := activity.NewLog(s, activity.NewBus(viper.GetInt("activity.bus_buffer")))
	mgr := workspace.NewManager(s, gc, log, workspace.Config{
		OpTimeout:  viper.GetDuration("workspace.op_timeout"),
		MainBranch: viper.GetString("workspace.main_branch"),
	}, logger)
	det := conflict.NewDetector(mgr, viper.GetInt("loop.max_parallel"))
	mgr.SetConflictDetector(det)
	q := queue.New(s, log, mgr)

	return &services{
		store:      s,
		git:        gc,
		activity:   log,
		workspaces: mgr,
		conflicts:  det,
		queue:      q,
		intake:     intake.New(mgr, s, gc, q, log, logger),
		logger:     logger,
	}, nil
}

// resolveProject finds a project by id, name, or any path inside its
// repository. An empty ref means the current directory.
func (sv *services) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	if ref != "" {
		if p, err := sv.store.GetProject(ctx, ref); err == nil {
			return p, nil
		}
		if p, err := sv.store.GetProjectByName(ctx, ref); err == nil {
			return p, nil
		}
	}

	path := ref
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = cwd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	// A path inside a worktree resolves through its workspace.
	if w, err := sv.workspaces.GetByPath(ctx, abs); err == nil {
		return sv.store.GetProject(ctx, w.ProjectID)
	}
	if root, err := sv.git.RepoRoot(ctx, abs); err == nil {
		if p, err := sv.store.GetProjectByPath(ctx, root); err == nil {
			return p, nil
		}
	}

	if ref == "" {
		return nil, fmt.Errorf("no tracked project found for current directory: %s\nSpecify a project or run from a tracked project directory", abs)
	}
	return nil, fmt.Errorf("project not found: %s", ref)
}

// resolveWorkspace finds a workspace by id, by branch within the project, or
// by a path inside it. An empty ref means the workspace containing the
// current directory.
func (sv *services) resolveWorkspace(ctx context.Context, projectRef, ref string) (*models.Workspace, error) {
	if ref != "" && !looksLikePath(ref) {
		if w, err := sv.workspaces.Get(ctx, ref); err == nil {
			return w, nil
		}
		p, err := sv.resolveProject(ctx, projectRef)
		if err != nil {
			return nil, err
		}
		list, err := sv.workspaces.List(ctx, p.ID, true)
		if err != nil {
			return nil, err
		}
		for _, w := range list {
			if w.Branch == ref {
				return w, nil
			}
		}
		return nil, errs.NotFound("workspace %s not found in %s", ref, p.Name)
	}

	path := ref
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = cwd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	return sv.workspaces.GetByPath(ctx, abs)
}

func looksLikePath(s string) bool {
	return s == "." || filepath.IsAbs(s) || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "..")
}
