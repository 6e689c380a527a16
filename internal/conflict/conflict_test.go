package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/models"
)

type fakeSource struct {
	workspaces []*models.Workspace
	files      map[string][]string
	failing    map[string]error
	listErr    error
}

func (f *fakeSource) ListLive(ctx context.Context, projectID string) ([]*models.Workspace, error) {
	return f.workspaces, f.listErr
}

func (f *fakeSource) ChangedFiles(ctx context.Context, w *models.Workspace) ([]string, error) {
	if err, ok := f.failing[w.ID]; ok {
		return nil, err
	}
	return f.files[w.ID], nil
}

func ws(id, branch string) *models.Workspace {
	return &models.Workspace{ID: id, ProjectID: "p1", Branch: branch}
}

func TestDetect_OverlappingPath(t *testing.T) {
	src := &fakeSource{
		workspaces: []*models.Workspace{ws("A", "feature/a"), ws("B", "feature/b")},
		files: map[string][]string{
			"A": {"x", "y"},
			"B": {"y", "z"},
		},
	}

	report, err := NewDetector(src, 2).Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, report.Partial)
	require.Len(t, report.Conflicts, 1)

	c := report.Conflicts[0]
	assert.Equal(t, "y", c.Path)
	assert.Equal(t, []models.ConflictParty{
		{WorkspaceID: "A", Branch: "feature/a"},
		{WorkspaceID: "B", Branch: "feature/b"},
	}, c.Workspaces)
}

func TestDetect_SkipsMainAndArchived(t *testing.T) {
	main := ws("M", "main")
	main.IsMain = true
	archived := ws("R", "old")
	archived.Archived = true

	src := &fakeSource{
		workspaces: []*models.Workspace{main, archived, ws("A", "a")},
		files: map[string][]string{
			"M": {"shared.go"},
			"R": {"shared.go"},
			"A": {"shared.go"},
		},
	}

	report, err := NewDetector(src, 0).Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)
}

func TestDetect_PartialOnFailure(t *testing.T) {
	src := &fakeSource{
		workspaces: []*models.Workspace{ws("A", "a"), ws("B", "b"), ws("C", "c")},
		files: map[string][]string{
			"A": {"f"},
			"C": {"f"},
		},
		failing: map[string]error{"B": errors.New("not a git repository")},
	}

	report, err := NewDetector(src, 3).Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, report.Partial)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "B", report.Skipped[0].WorkspaceID)
	assert.Contains(t, report.Skipped[0].Error, "not a git repository")
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "f", report.Conflicts[0].Path)
}

func TestDetect_ListFailureIsFatal(t *testing.T) {
	src := &fakeSource{listErr: errors.New("db closed")}
	_, err := NewDetector(src, 1).Detect(context.Background(), "p1")
	assert.Error(t, err)
}

func TestFromChanges_DeterministicAndDistinct(t *testing.T) {
	a, b, c := ws("A", "a"), ws("B", "b"), ws("C", "c")
	changes := map[*models.Workspace][]string{
		a: {"z", "m", "m"},
		b: {"m", "z"},
		c: {"m", "q"},
	}

	records := FromChanges(changes)
	require.Len(t, records, 2)
	assert.Equal(t, "m", records[0].Path)
	assert.Len(t, records[0].Workspaces, 3)
	assert.Equal(t, "z", records[1].Path)
	assert.Equal(t, "A", records[1].Workspaces[0].WorkspaceID)

	// A path repeated within one workspace is not a conflict.
	single := FromChanges(map[*models.Workspace][]string{a: {"dup", "dup"}})
	assert.Empty(t, single)
}
