package intake

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/git"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/queue"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/workspace"
)

type fakeWorkspaces map[string]*models.Workspace

func (f fakeWorkspaces) Get(_ context.Context, id string) (*models.Workspace, error) {
	w, ok := f[id]
	if !ok {
		return nil, errs.NotFound("workspace not found: %s", id)
	}
	return w, nil
}

type fakeProjects map[string]*models.Project

func (f fakeProjects) GetProject(_ context.Context, id string) (*models.Project, error) {
	p, ok := f[id]
	if !ok {
		return nil, errs.NotFound("project not found: %s", id)
	}
	return p, nil
}

type fakeGit struct {
	ahead    int
	aheadErr error
	count    int
}

func (g *fakeGit) CommitsAhead(context.Context, string, string, string) (int, error) {
	return g.ahead, g.aheadErr
}

func (g *fakeGit) CommitCount(context.Context, string, string) (int, error) {
	return g.count, nil
}

type fakeQueue struct {
	pushed []*models.QueueEntry
}

func (q *fakeQueue) Push(_ context.Context, projectID string, e *models.QueueEntry) error {
	e.ID = "q" + e.WorkspaceID
	e.ProjectID = projectID
	q.pushed = append(q.pushed, e)
	return nil
}

type memLog struct {
	mu      sync.Mutex
	entries []*models.ActivityEntry
}

func (l *memLog) Record(_ context.Context, e *models.ActivityEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = "a" + string(rune('0'+len(l.entries)))
	l.entries = append(l.entries, e)
	return nil
}

type fakeSessions struct {
	infos []models.SessionInfo
	input []string
}

func (f *fakeSessions) SessionsFor(string) []models.SessionInfo { return f.infos }

func (f *fakeSessions) Input(id, data string, sendEnter bool) error {
	if sendEnter {
		data += "\n"
	}
	f.input = append(f.input, id+":"+data)
	return nil
}

type unitFixture struct {
	in    *Intake
	git   *fakeGit
	queue *fakeQueue
	log   *memLog
}

func newUnit() *unitFixture {
	ws := fakeWorkspaces{"w1": {ID: "w1", ProjectID: "p1", Branch: "feature/x", Path: "/tmp/x"}}
	ps := fakeProjects{"p1": {ID: "p1", MainBranch: "main"}}
	f := &unitFixture{git: &fakeGit{}, queue: &fakeQueue{}, log: &memLog{}}
	f.in = New(ws, ps, f.git, f.queue, f.log, nil)
	return f
}

func TestCompletion_WithCommitsQueues(t *testing.T) {
	f := newUnit()
	f.git.ahead = 2

	res, err := f.in.Completion(context.Background(), Completion{WorkspaceID: "w1", Summary: "did it"})
	require.NoError(t, err)
	assert.True(t, res.HasCommits)
	require.NotNil(t, res.QueueEntry)
	require.Len(t, f.queue.pushed, 1)
	assert.Equal(t, "feature/x", f.queue.pushed[0].Branch)

	require.Len(t, f.log.entries, 2)
	assert.Equal(t, models.ActivityEvent, f.log.entries[0].Type)
	assert.Equal(t, models.ActivityAction, f.log.entries[1].Type)
	assert.Equal(t, "qw1", f.log.entries[1].Details[models.DetailEntryID])
	assert.Equal(t, f.log.entries[0].ID, f.log.entries[1].CorrelationID)
}

func TestCompletion_NoCommitsNeverQueues(t *testing.T) {
	f := newUnit()

	res, err := f.in.Completion(context.Background(), Completion{WorkspaceID: "w1", Summary: "nothing"})
	require.NoError(t, err)
	assert.False(t, res.HasCommits)
	assert.Nil(t, res.QueueEntry)
	assert.Empty(t, f.queue.pushed)
	assert.Len(t, f.log.entries, 1)
}

func TestCompletion_FallsBackToCommitCount(t *testing.T) {
	f := newUnit()
	f.git.aheadErr = errors.New("unknown revision main")
	f.git.count = 1

	res, err := f.in.Completion(context.Background(), Completion{WorkspaceID: "w1", Summary: "done"})
	require.NoError(t, err)
	assert.True(t, res.HasCommits)
	assert.Len(t, f.queue.pushed, 1)
}

func TestReports_Validation(t *testing.T) {
	f := newUnit()
	ctx := context.Background()

	_, err := f.in.Completion(ctx, Completion{WorkspaceID: "w1"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = f.in.Question(ctx, Question{WorkspaceID: "w1", Question: "  "})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = f.in.Progress(ctx, Progress{WorkspaceID: "missing", Status: "working"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.in.Error(ctx, ErrorReport{WorkspaceID: "w1", Error: "boom", Severity: "fatal"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	assert.Empty(t, f.log.entries)
}

func TestReports_OrphanWorkspace(t *testing.T) {
	ws := fakeWorkspaces{"w2": {ID: "w2", ProjectID: "gone"}}
	in := New(ws, fakeProjects{}, &fakeGit{}, &fakeQueue{}, &memLog{}, nil)

	_, err := in.Question(context.Background(), Question{WorkspaceID: "w2", Question: "?"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestQuestion_ReturnsCorrelationID(t *testing.T) {
	f := newUnit()

	res, err := f.in.Question(context.Background(), Question{
		WorkspaceID: "w1",
		Question:    "which db?",
		Options:     []string{"sqlite", "postgres"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.QuestionID)
	assert.Equal(t, res.QuestionID, res.Entry.CorrelationID)
	assert.Equal(t, []string{"sqlite", "postgres"}, res.Entry.Details["options"])

	other, err := f.in.Question(context.Background(), Question{WorkspaceID: "w1", Question: "again?"})
	require.NoError(t, err)
	assert.NotEqual(t, res.QuestionID, other.QuestionID)
}

func TestProgress_PercentIsOpaque(t *testing.T) {
	f := newUnit()
	pct := 150

	e, err := f.in.Progress(context.Background(), Progress{WorkspaceID: "w1", Status: "working", PercentComplete: &pct})
	require.NoError(t, err)
	assert.Equal(t, 150, e.Details[models.DetailPercent])
}

func TestError_Severity(t *testing.T) {
	f := newUnit()
	ctx := context.Background()

	e, err := f.in.Error(ctx, ErrorReport{WorkspaceID: "w1", Error: "tests fail"})
	require.NoError(t, err)
	assert.Equal(t, "error", e.Details[models.DetailSeverity])
	assert.Equal(t, models.ActivityError, e.Type)

	e, err = f.in.Error(ctx, ErrorReport{WorkspaceID: "w1", Error: "need creds", Severity: "blocker"})
	require.NoError(t, err)
	assert.Equal(t, "blocker", e.Details[models.DetailSeverity])
}

func TestAnswer_ForwardsToLiveSession(t *testing.T) {
	f := newUnit()
	sessions := &fakeSessions{infos: []models.SessionInfo{
		{ID: "dead", Alive: false},
		{ID: "s1", Alive: true},
	}}
	f.in.SetSessions(sessions)

	e, err := f.in.Answer(context.Background(), "w1", "q-123", "use sqlite")
	require.NoError(t, err)
	assert.Equal(t, "q-123", e.CorrelationID)
	assert.Equal(t, "s1", e.Details["sessionId"])
	assert.Equal(t, []string{"s1:use sqlite\n"}, sessions.input)

	_, err = f.in.Answer(context.Background(), "w1", "", "x")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestEndToEnd_CompletionThroughMerge(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()

	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0755))
	gitRun(t, repo, "init", "-b", "main")
	gitRun(t, repo, "config", "user.email", "test@test.com")
	gitRun(t, repo, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0644))
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "initial")

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	log := activity.NewLog(s, activity.NewBus(16))
	gc := git.NewClient()
	mgr := workspace.NewManager(s, gc, log, workspace.Config{OpTimeout: 30 * time.Second}, nil)
	q := queue.New(s, log, mgr)
	in := New(mgr, s, gc, q, log, nil)

	p, err := mgr.RegisterProject(ctx, "demo", repo, "main")
	require.NoError(t, err)
	w, err := mgr.Create(ctx, p.ID, "feature/x", workspace.CreateOptions{NewBranch: true})
	require.NoError(t, err)

	pct := 50
	_, err = in.Progress(ctx, Progress{WorkspaceID: w.ID, Status: "halfway", PercentComplete: &pct})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "feature.go"), []byte("package x\n"), 0644))
	gitRun(t, w.Path, "add", ".")
	gitRun(t, w.Path, "commit", "-m", "feature")

	res, err := in.Completion(ctx, Completion{WorkspaceID: w.ID, Summary: "feature done"})
	require.NoError(t, err)
	require.True(t, res.HasCommits)

	pending, err := q.Pending(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "feature/x", pending[0].Branch)

	popped, err := q.Pop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, popped.WorkspaceID)

	_, err = q.MarkMerged(ctx, p.ID, w.ID)
	require.NoError(t, err)

	list, err := q.List(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].MergedAt)

	merged, err := mgr.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, merged.Merged)

	entries, err := log.Query(ctx, store.ActivityFilter{ProjectID: p.ID, WorkspaceID: w.ID, Categories: []models.ActivityCategory{models.CategoryAgent}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
