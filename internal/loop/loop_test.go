package loop

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/advisor"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/transport"
)

type fakeWorkspaces struct {
	mu       sync.Mutex
	live     []*models.Workspace
	files    map[string][]string
	listErr  error
	block    chan struct{}
	hold     chan struct{} // blocks Refresh regardless of ctx
	archived []string
	lists    atomic.Int32
}

func (f *fakeWorkspaces) ListLive(_ context.Context, _ string) ([]*models.Workspace, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*models.Workspace, 0, len(f.live))
	for _, w := range f.live {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeWorkspaces) Refresh(ctx context.Context, id string) (*models.StatusSnapshot, []string, error) {
	f.mu.Lock()
	block, hold := f.block, f.hold
	files := f.files[id]
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return &models.StatusSnapshot{Modified: len(files)}, files, nil
}

func (f *fakeWorkspaces) Archive(_ context.Context, id string) (*models.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, id)
	return &models.Workspace{ID: id, Archived: true}, nil
}

func (f *fakeWorkspaces) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

type fakeSessions struct {
	mu       sync.Mutex
	infos    map[string][]models.SessionInfo
	restarts []string
}

func (f *fakeSessions) SessionsFor(id string) []models.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[id]
}

func (f *fakeSessions) Restart(_ context.Context, id string) (*transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return &transport.Session{ID: id + "-next"}, nil
}

type fakeQueue struct {
	pending []*models.QueueEntry
}

func (f *fakeQueue) Pending(context.Context, string) ([]*models.QueueEntry, error) {
	return f.pending, nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []*models.ActivityEntry
	n       int
}

func (f *fakeLog) Record(_ context.Context, e *models.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if e.ID == "" {
		e.ID = string(rune('A' + f.n))
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLog) Query(_ context.Context, filter store.ActivityFilter) ([]*models.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ActivityEntry
	for _, e := range f.entries {
		switch {
		case filter.AfterID != "":
			if e.Timestamp.Before(filter.Since) || (e.Timestamp.Equal(filter.Since) && e.ID <= filter.AfterID) {
				continue
			}
		case !filter.Since.IsZero() && e.Timestamp.Before(filter.Since):
			continue
		}
		if len(filter.Categories) > 0 {
			match := false
			for _, c := range filter.Categories {
				match = match || c == e.Category
			}
			if !match {
				continue
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp) == filter.Ascending
		}
		return (a.ID < b.ID) == filter.Ascending
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeLog) summaries(typ models.ActivityType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		if e.Type == typ {
			out = append(out, e.Summary)
		}
	}
	return out
}

type fakeAdvisor struct{}

func (fakeAdvisor) Advise(context.Context, string, *models.Assessment) (*advisor.Advice, error) {
	return &advisor.Advice{Summary: "archive it", Recommendations: []string{"archive w1"}}, nil
}

type fixture struct {
	loop     *Loop
	ws       *fakeWorkspaces
	sessions *fakeSessions
	queue    *fakeQueue
	log      *fakeLog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		ws: &fakeWorkspaces{
			live:  []*models.Workspace{{ID: "main", IsMain: true, Branch: "main"}},
			files: map[string][]string{},
		},
		sessions: &fakeSessions{infos: map[string][]models.SessionInfo{}},
		queue:    &fakeQueue{},
		log:      &fakeLog{},
	}
	p := &models.Project{ID: "p1", Name: "demo"}
	f.loop = New(p, cfg, Deps{Workspaces: f.ws, Sessions: f.sessions, Queue: f.queue, Activity: f.log})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.loop.Stop(ctx)
	})
	return f
}

// running puts the loop in RUNNING without starting its ticker.
func (f *fixture) running() *fixture {
	f.loop.mu.Lock()
	f.loop.status.State = models.LoopRunning
	f.loop.mu.Unlock()
	return f
}

func (f *fixture) addWorkspace(id string, updated time.Time, files ...string) {
	f.ws.mu.Lock()
	defer f.ws.mu.Unlock()
	f.ws.live = append(f.ws.live, &models.Workspace{ID: id, Branch: "b-" + id, UpdatedAt: updated})
	f.ws.files[id] = files
}

func TestTick_DegradesAndRecovers(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3}).running()
	ctx := context.Background()
	f.ws.setListErr(errors.New("git exploded"))

	f.loop.Tick(ctx)
	f.loop.Tick(ctx)
	assert.Equal(t, models.LoopRunning, f.loop.Status().State)

	f.loop.Tick(ctx)
	st := f.loop.Status()
	assert.Equal(t, models.LoopDegraded, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, int64(3), st.Ticks)
	assert.Contains(t, st.LastError, "git exploded")
	assert.Nil(t, st.Assessment)

	f.ws.setListErr(nil)
	f.loop.Tick(ctx)
	st = f.loop.Status()
	assert.Equal(t, models.LoopRunning, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Assessment)

	decisions := f.log.summaries(models.ActivityDecision)
	assert.Contains(t, decisions, "control loop degraded after 3 consecutive failures")
	assert.Contains(t, decisions, "control loop recovered")
	assert.Len(t, f.log.summaries(models.ActivityError), 3)
}

func TestTick_PausedDoesNothing(t *testing.T) {
	f := newFixture(t, Config{AutoArchive: true})
	f.addWorkspace("w1", time.Now().Add(-24*time.Hour))
	f.loop.mu.Lock()
	f.loop.status.State = models.LoopPaused
	f.loop.mu.Unlock()

	f.loop.Tick(context.Background())

	assert.Equal(t, int32(0), f.ws.lists.Load())
	assert.Empty(t, f.ws.archived)
	assert.Equal(t, int64(0), f.loop.Status().Ticks)
}

func TestTick_SuggestionsLoggedOnce(t *testing.T) {
	f := newFixture(t, Config{}).running()
	f.addWorkspace("w1", time.Now().Add(-time.Hour))
	ctx := context.Background()

	f.loop.Tick(ctx)
	f.loop.Tick(ctx)

	var suggestions []string
	for _, s := range f.log.summaries(models.ActivityDecision) {
		if strings.HasPrefix(s, "suggest ") {
			suggestions = append(suggestions, s)
		}
	}
	require.Len(t, suggestions, 1)
	assert.Contains(t, suggestions[0], "archive_idle")
	assert.Len(t, f.log.summaries(models.ActivityTick), 1)
	assert.Empty(t, f.ws.archived)
}

func TestTick_AutoArchive(t *testing.T) {
	f := newFixture(t, Config{AutoArchive: true}).running()
	f.addWorkspace("w1", time.Now().Add(-time.Hour))
	f.addWorkspace("w2", time.Now())

	f.loop.Tick(context.Background())
	assert.Equal(t, []string{"w1"}, f.ws.archived)
}

func TestTick_AutoRestart(t *testing.T) {
	f := newFixture(t, Config{AutoRestart: true}).running()
	f.addWorkspace("w1", time.Now())
	code := 1
	f.sessions.infos["w1"] = []models.SessionInfo{{ID: "s1", WorkspaceID: "w1", ExitCode: &code, CreatedAt: time.Now()}}

	f.loop.Tick(context.Background())

	assert.Equal(t, []string{"s1"}, f.sessions.restarts)
	assert.Contains(t, f.log.summaries(models.ActivityDecision), "auto-restarted session")
	assert.Equal(t, models.HealthCritical, f.loop.Status().Assessment.Level)
}

func TestTick_Conflicts(t *testing.T) {
	f := newFixture(t, Config{}).running()
	f.addWorkspace("a", time.Now(), "x", "y")
	f.addWorkspace("b", time.Now(), "y", "z")

	f.loop.Tick(context.Background())

	a := f.loop.Status().Assessment
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Conflicts)
	assert.Equal(t, 2, a.DirtyWorkspaces)
	require.Len(t, a.Actions, 1)
	assert.Equal(t, models.ActionFlagConflict, a.Actions[0].Kind)
	assert.Equal(t, "y", a.Actions[0].Path)
}

func TestTick_BlockerUntilResolved(t *testing.T) {
	f := newFixture(t, Config{}).running()
	f.addWorkspace("w1", time.Now())
	ctx := context.Background()

	require.NoError(t, f.log.Record(ctx, &models.ActivityEntry{
		ProjectID: "p1", WorkspaceID: "w1",
		Type: models.ActivityError, Category: models.CategoryAgent,
		Summary:   "blocker: need credentials",
		Details:   map[string]any{models.DetailSeverity: "blocker", models.DetailSignal: "error"},
		Timestamp: time.Now().Add(-time.Minute),
	}))

	f.loop.Tick(ctx)
	a := f.loop.Status().Assessment
	assert.Equal(t, 1, a.OpenBlockers)
	assert.Equal(t, models.ActionResolveBlocker, a.Actions[0].Kind)

	// Still open on the next tick even though no new entries arrived.
	f.loop.Tick(ctx)
	assert.Equal(t, 1, f.loop.Status().Assessment.OpenBlockers)

	require.NoError(t, f.log.Record(ctx, &models.ActivityEntry{
		ProjectID: "p1", WorkspaceID: "w1",
		Type: models.ActivityEvent, Category: models.CategoryAgent,
		Summary: "progress: unblocked",
		Details: map[string]any{models.DetailSignal: "progress"},
	}))
	f.loop.Tick(ctx)
	assert.Equal(t, 0, f.loop.Status().Assessment.OpenBlockers)
}

func TestTick_GatherTimeoutIsFailure(t *testing.T) {
	f := newFixture(t, Config{GatherTimeout: 20 * time.Millisecond}).running()
	f.addWorkspace("w1", time.Now())
	f.ws.block = make(chan struct{})

	f.loop.Tick(context.Background())

	st := f.loop.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "deadline exceeded")
}

// slowTracker walks until its context ends.
type slowTracker struct{ synced chan struct{} }

func (s *slowTracker) Sync(ctx context.Context, _ []*models.Workspace) error {
	<-ctx.Done()
	close(s.synced)
	return errs.FromContext(ctx, "sync watches", ctx.Err())
}

func (s *slowTracker) LastActivity(string) (time.Time, bool) { return time.Time{}, false }

func TestTick_TrackerSyncBoundedByGatherTimeout(t *testing.T) {
	f := newFixture(t, Config{GatherTimeout: 20 * time.Millisecond}).running()
	f.addWorkspace("w1", time.Now())
	tr := &slowTracker{synced: make(chan struct{})}
	f.loop.deps.Tracker = tr

	done := make(chan struct{})
	go func() {
		f.loop.Tick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return after the gather timeout")
	}
	<-tr.synced

	st := f.loop.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "deadline exceeded")
}

func TestTick_Advisor(t *testing.T) {
	f := newFixture(t, Config{}).running()
	f.loop.deps.Advisor = fakeAdvisor{}
	f.addWorkspace("w1", time.Now().Add(-time.Hour))

	f.loop.Tick(context.Background())

	require.Eventually(t, func() bool {
		a := f.loop.Status().Assessment
		return a != nil && strings.HasPrefix(a.Advice, "archive it")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, Config{Interval: 5 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.loop.Start(ctx))
	assert.Equal(t, models.LoopRunning, f.loop.Status().State)
	assert.True(t, errors.Is(f.loop.Start(ctx), errs.ErrInvalidState))

	require.Eventually(t, func() bool { return f.loop.Status().Ticks > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.loop.Pause(ctx))
	assert.Equal(t, models.LoopPaused, f.loop.Status().State)
	assert.True(t, errors.Is(f.loop.Pause(ctx), errs.ErrInvalidState))
	require.NoError(t, f.loop.Resume(ctx))

	require.NoError(t, f.loop.Stop(ctx))
	assert.Equal(t, models.LoopStopped, f.loop.Status().State)
	require.NoError(t, f.loop.Stop(ctx))
	assert.True(t, errors.Is(f.loop.Resume(ctx), errs.ErrInvalidState))

	require.NoError(t, f.loop.Start(ctx))
	require.NoError(t, f.loop.Stop(ctx))
}

func TestStop_TimeoutStillReachesStopped(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, GatherTimeout: time.Minute})
	f.addWorkspace("w1", time.Now())
	hold := make(chan struct{})
	f.ws.mu.Lock()
	f.ws.hold = hold
	f.ws.mu.Unlock()

	require.NoError(t, f.loop.Start(context.Background()))
	require.Eventually(t, f.loop.ticking.Load, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.loop.Stop(ctx)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.Equal(t, models.LoopStopping, f.loop.Status().State)
	assert.True(t, errors.Is(f.loop.Start(context.Background()), errs.ErrInvalidState))

	close(hold)
	require.Eventually(t, func() bool {
		return f.loop.Status().State == models.LoopStopped
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.loop.Stop(context.Background()))
	require.NoError(t, f.loop.Start(context.Background()))
	assert.Equal(t, []string{"control loop stopped"}, filter(f.log.summaries(models.ActivityDecision), "stopped"))
}

func filter(list []string, substr string) []string {
	var out []string
	for _, s := range list {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	f := newFixture(t, Config{Interval: 5 * time.Millisecond, GatherTimeout: time.Minute})
	f.addWorkspace("w1", time.Now())
	block := make(chan struct{})
	f.ws.block = block

	require.NoError(t, f.loop.Start(context.Background()))
	require.Eventually(t, func() bool { return f.loop.Status().SkippedTicks >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), f.loop.Status().Ticks)

	close(block)
	require.Eventually(t, func() bool { return f.loop.Status().Ticks >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	built := 0
	r := NewRegistry(func(p *models.Project) *Loop {
		built++
		return New(p, Config{Interval: time.Hour}, Deps{Workspaces: &fakeWorkspaces{}, Queue: &fakeQueue{}})
	})
	p := &models.Project{ID: "p1", Name: "demo"}

	l := r.Ensure(p)
	assert.Same(t, l, r.Ensure(p))
	assert.Equal(t, 1, built)

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Same(t, l, got)

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, l.Start(context.Background()))
	statuses := r.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, models.LoopRunning, statuses[0].State)

	require.NoError(t, r.StopAll(context.Background()))
	assert.Equal(t, models.LoopStopped, l.Status().State)

	require.NoError(t, r.Remove(context.Background(), "p1"))
	_, err = r.Get("p1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestBlockerScan_WatermarkSkipsSeen(t *testing.T) {
	tr := newBlockerTracker()
	log := &fakeLog{}
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, log.Record(ctx, &models.ActivityEntry{
		ProjectID: "p1", WorkspaceID: "w1", Timestamp: at,
		Type: models.ActivityError, Category: models.CategoryAgent, Summary: "blocker",
		Details: map[string]any{models.DetailSeverity: "blocker"},
	}))
	scan, err := tr.scan(ctx, log, "p1")
	require.NoError(t, err)
	tr.commit(scan)

	require.NoError(t, log.Record(ctx, &models.ActivityEntry{
		ProjectID: "p1", WorkspaceID: "w1", Timestamp: at,
		Type: models.ActivityEvent, Category: models.CategoryAgent, Summary: "progress",
		Details: map[string]any{models.DetailSignal: "progress"},
	}))
	scan, err = tr.scan(ctx, log, "p1")
	require.NoError(t, err)

	live := []*models.Workspace{{ID: "w1"}}
	assert.Empty(t, scan.openFor(live))
	assert.Equal(t, at, scan.watermark)
}
