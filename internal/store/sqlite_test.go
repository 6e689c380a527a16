package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func createTestProject(t *testing.T, s *SQLiteStore) *models.Project {
	t.Helper()
	p := &models.Project{Name: "crew-test", Path: "/tmp/crew-test"}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func createTestWorkspace(t *testing.T, s *SQLiteStore, projectID, branch string) *models.Workspace {
	t.Helper()
	w := &models.Workspace{ProjectID: projectID, Branch: branch, Path: "/tmp/crew-test.worktrees/" + branch}
	require.NoError(t, s.CreateWorkspace(context.Background(), w))
	return w
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// --- Projects ---

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "main", p.MainBranch)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "crew-test", got.Name)

	got, err = s.GetProjectByName(ctx, "crew-test")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	got, err = s.GetProjectByPath(ctx, "/tmp/crew-test")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateProject_Duplicate(t *testing.T) {
	s := newTestStore(t)
	createTestProject(t, s)

	err := s.CreateProject(context.Background(), &models.Project{Name: "crew-test", Path: "/elsewhere"})
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

// --- Workspaces ---

func TestWorkspaceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	w := createTestWorkspace(t, s, p.ID, "feature/x")
	assert.Equal(t, models.WorkspaceModeNormal, w.Mode)

	got, err := s.GetWorkspace(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", got.Branch)
	assert.False(t, got.Archived)
	assert.Nil(t, got.Status.CheckedAt)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateWorkspaceStatus(ctx, w.ID, models.StatusSnapshot{Ahead: 2, Modified: 1, Untracked: 3, CheckedAt: &now}))
	got.Mode = models.WorkspaceModePlan
	require.NoError(t, s.UpdateWorkspace(ctx, got))

	got, err = s.GetWorkspace(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Status.Ahead)
	assert.Equal(t, 3, got.Status.Untracked)
	assert.Equal(t, models.WorkspaceModePlan, got.Mode)
	require.NotNil(t, got.Status.CheckedAt)

	byBranch, err := s.GetLiveWorkspaceByBranch(ctx, p.ID, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byBranch.ID)

	byPath, err := s.GetWorkspaceByPath(ctx, w.Path)
	require.NoError(t, err)
	assert.Equal(t, w.ID, byPath.ID)

	require.NoError(t, s.DeleteWorkspace(ctx, w.ID))
	_, err = s.GetWorkspace(ctx, w.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteWorkspace(ctx, w.ID), errs.ErrNotFound))
}

func TestCreateWorkspace_LiveBranchUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	w := createTestWorkspace(t, s, p.ID, "feature/x")

	err := s.CreateWorkspace(ctx, &models.Workspace{ProjectID: p.ID, Branch: "feature/x", Path: "/other"})
	assert.True(t, errors.Is(err, errs.ErrConflict))

	// Archiving frees the branch for a new workspace.
	now := time.Now()
	w.Archived = true
	w.ArchivedAt = &now
	require.NoError(t, s.UpdateWorkspace(ctx, w))

	require.NoError(t, s.CreateWorkspace(ctx, &models.Workspace{ProjectID: p.ID, Branch: "feature/x", Path: "/other"}))
}

func TestListWorkspaces_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	main := &models.Workspace{ProjectID: p.ID, Branch: "main", Path: p.Path, IsMain: true}
	require.NoError(t, s.CreateWorkspace(ctx, main))
	a := createTestWorkspace(t, s, p.ID, "a")
	b := createTestWorkspace(t, s, p.ID, "b")
	b.Archived = true
	require.NoError(t, s.UpdateWorkspace(ctx, b))

	live, err := s.ListWorkspaces(ctx, WorkspaceListFilter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.True(t, live[0].IsMain, "main workspace sorts first")

	nonMain, err := s.ListWorkspaces(ctx, WorkspaceListFilter{ProjectID: p.ID, ExcludeMain: true})
	require.NoError(t, err)
	require.Len(t, nonMain, 1)
	assert.Equal(t, a.ID, nonMain[0].ID)

	all, err := s.ListWorkspaces(ctx, WorkspaceListFilter{ProjectID: p.ID, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteProject_CascadesWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)
	w := createTestWorkspace(t, s, p.ID, "a")

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err := s.GetWorkspace(ctx, w.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

// --- Merge queue ---

func TestQueue_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	base := time.Now().Add(-time.Hour)
	for i, ws := range []string{"w1", "w2", "w3"} {
		require.NoError(t, s.AppendQueueEntry(ctx, &models.QueueEntry{
			ProjectID: p.ID, WorkspaceID: ws, Branch: ws, HasCommits: true,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := s.CountPendingQueue(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	peek, err := s.PeekQueue(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", peek.WorkspaceID)

	for i, want := range []string{"w1", "w2", "w3"} {
		e, err := s.PopQueue(ctx, p.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, e.WorkspaceID)
		require.NotNil(t, e.PoppedAt)

		n, err := s.CountPendingQueue(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2-i, n)
	}

	_, err = s.PopQueue(ctx, p.ID, time.Now())
	assert.True(t, errors.Is(err, errs.ErrEmptyQueue))
	_, err = s.PeekQueue(ctx, p.ID)
	assert.True(t, errors.Is(err, errs.ErrEmptyQueue))

	all, err := s.ListQueue(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3, "popped entries stay listed")
}

func TestQueue_AppendSupersedesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	first := &models.QueueEntry{ProjectID: p.ID, WorkspaceID: "w1", Branch: "a", Summary: "first"}
	require.NoError(t, s.AppendQueueEntry(ctx, first))
	second := &models.QueueEntry{ProjectID: p.ID, WorkspaceID: "w1", Branch: "a", Summary: "second",
		CompletedAt: first.CompletedAt.Add(time.Second)}
	require.NoError(t, s.AppendQueueEntry(ctx, second))

	n, err := s.CountPendingQueue(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListQueue(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Superseded)
	assert.False(t, all[1].Superseded)

	e, err := s.PopQueue(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "second", e.Summary)
}

func TestQueue_MarkMergedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	require.NoError(t, s.AppendQueueEntry(ctx, &models.QueueEntry{ProjectID: p.ID, WorkspaceID: "w1", Branch: "a"}))

	first, err := s.MarkQueueMerged(ctx, p.ID, "w1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, first.MergedAt)

	second, err := s.MarkQueueMerged(ctx, p.ID, "w1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, second.MergedAt)
	assert.True(t, first.MergedAt.Equal(*second.MergedAt))

	_, err = s.MarkQueueMerged(ctx, p.ID, "missing", time.Now())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestQueue_Remove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	require.NoError(t, s.AppendQueueEntry(ctx, &models.QueueEntry{ProjectID: p.ID, WorkspaceID: "w1", Branch: "a"}))
	require.NoError(t, s.AppendQueueEntry(ctx, &models.QueueEntry{ProjectID: p.ID, WorkspaceID: "w2", Branch: "b"}))

	n, err := s.RemoveQueueEntries(ctx, p.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.RemoveQueueEntries(ctx, p.ID, "w2")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	all, err := s.ListQueue(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "w1", all[0].WorkspaceID)
}

// --- Activity ---

func TestActivity_QueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	base := time.Now().Add(-time.Hour).UTC()
	entries := []*models.ActivityEntry{
		{ProjectID: p.ID, Timestamp: base, Type: models.ActivityEvent, Category: models.CategoryAgent, Summary: "progress"},
		{ProjectID: p.ID, Timestamp: base.Add(time.Minute), Type: models.ActivityError, Category: models.CategoryAgent,
			Summary: "stuck", Details: map[string]any{models.DetailSeverity: "blocker"}, CorrelationID: "c1"},
		{ProjectID: p.ID, Timestamp: base.Add(2 * time.Minute), Type: models.ActivityTick, Category: models.CategoryOrchestrator, Summary: "tick"},
		{ProjectID: "other", Timestamp: base, Type: models.ActivityEvent, Category: models.CategoryAgent, Summary: "elsewhere"},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendActivity(ctx, e))
	}

	got, err := s.QueryActivity(ctx, ActivityFilter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "tick", got[0].Summary, "newest first")

	got, err = s.QueryActivity(ctx, ActivityFilter{ProjectID: p.ID, Types: []models.ActivityType{models.ActivityError}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "blocker", got[0].Details[models.DetailSeverity])

	got, err = s.QueryActivity(ctx, ActivityFilter{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.QueryActivity(ctx, ActivityFilter{ProjectID: p.ID, Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryActivity(ctx, ActivityFilter{ProjectID: p.ID, Categories: []models.ActivityCategory{models.CategoryAgent}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stuck", got[0].Summary)

	n, err := s.ClearActivity(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err = s.QueryActivity(ctx, ActivityFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
