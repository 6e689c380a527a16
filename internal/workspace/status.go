package workspace

import (
	"context"
	"errors"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/git"
	"github.com/joescharf/crew/internal/models"
)

// Status recomputes a workspace's structural status from its working tree
// and persists the snapshot. Concurrent calls for one workspace share a
// single git invocation.
func (m *Manager) Status(ctx context.Context, id string) (*models.StatusSnapshot, error) {
	snap, _, err := m.Refresh(ctx, id)
	return snap, err
}

// Refresh is Status that also returns the changed paths from the same git
// invocation.
func (m *Manager) Refresh(ctx context.Context, id string) (*models.StatusSnapshot, []string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	w, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, nil, errs.FromContext(ctx, "workspace status", err)
	}
	p, err := m.store.GetProject(ctx, w.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	st, err := m.inspect(ctx, w, p.MainBranch)
	if err != nil {
		return nil, nil, err
	}

	now := m.now().UTC()
	snap := models.StatusSnapshot{
		Ahead:      st.Ahead,
		Behind:     st.Behind,
		Modified:   st.Modified,
		Staged:     st.Staged,
		Untracked:  st.Untracked,
		Conflicted: st.Conflicted,
		Upstream:   st.Upstream,
		CheckedAt:  &now,
	}
	if err := m.store.UpdateWorkspaceStatus(ctx, w.ID, snap); err != nil {
		return nil, nil, errs.FromContext(ctx, "workspace status", err)
	}
	return &snap, append([]string(nil), st.Files...), nil
}

// ChangedFiles lists the modified, staged and untracked paths of a workspace.
func (m *Manager) ChangedFiles(ctx context.Context, w *models.Workspace) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	p, err := m.store.GetProject(ctx, w.ProjectID)
	if err != nil {
		return nil, err
	}
	st, err := m.inspect(ctx, w, p.MainBranch)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), st.Files...), nil
}

// inspect runs git status for w, coalescing concurrent callers. The shared
// git call is detached from every caller's cancellation and bounded by the
// operation timeout; a caller whose context ends stops waiting with a
// timeout error without failing the others.
func (m *Manager) inspect(ctx context.Context, w *models.Workspace, mainBranch string) (*git.Status, error) {
	ch := m.status.DoChan(w.ID, func() (any, error) {
		sctx, cancel := m.withTimeout(context.WithoutCancel(ctx))
		defer cancel()
		return m.git.Status(sctx, w.Path, mainBranch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) {
				return nil, errs.Timeout("workspace status %s: %v", w.Branch, res.Err)
			}
			return nil, errs.FromContext(ctx, "workspace status", res.Err)
		}
		return res.Val.(*git.Status), nil
	case <-ctx.Done():
		return nil, errs.FromContext(ctx, "workspace status "+w.Branch, ctx.Err())
	}
}
