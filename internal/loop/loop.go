// Package loop runs one supervising control loop per project.
//
// A loop ticks on a fixed interval while RUNNING or DEGRADED. Each tick
// gathers workspace, session, queue and blocker state under a deadline,
// classifies it, logs new suggestions, and optionally acts on them. A tick
// that is still running when the next one is due causes that one to be
// skipped. Consecutive gather failures move the loop to DEGRADED; the next
// successful tick moves it back.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/advisor"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/health"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/transport"
)

// Workspaces is the workspace manager as the loop sees it.
type Workspaces interface {
	ListLive(ctx context.Context, projectID string) ([]*models.Workspace, error)
	Refresh(ctx context.Context, id string) (*models.StatusSnapshot, []string, error)
	Archive(ctx context.Context, id string) (*models.Workspace, error)
}

// Sessions is the session transport as the loop sees it.
type Sessions interface {
	SessionsFor(workspaceID string) []models.SessionInfo
	Restart(ctx context.Context, sessionID string) (*transport.Session, error)
}

// Queue reads the merge queue.
type Queue interface {
	Pending(ctx context.Context, projectID string) ([]*models.QueueEntry, error)
}

// ActivityLog is read for blocker reports and written for loop decisions.
type ActivityLog interface {
	activity.Recorder
	Query(ctx context.Context, filter store.ActivityFilter) ([]*models.ActivityEntry, error)
}

// Tracker reports filesystem activity per workspace.
type Tracker interface {
	Sync(ctx context.Context, workspaces []*models.Workspace) error
	LastActivity(workspaceID string) (time.Time, bool)
}

// Config tunes a loop.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	GatherTimeout    time.Duration
	MaxParallel      int
	AutoArchive      bool
	AutoRestart      bool
	AdviceTimeout    time.Duration
	Health           health.Config
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 10 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.AdviceTimeout <= 0 {
		c.AdviceTimeout = 30 * time.Second
	}
}

// Deps are the services a loop drives. Tracker and Advisor are optional.
type Deps struct {
	Workspaces Workspaces
	Sessions   Sessions
	Queue      Queue
	Activity   ActivityLog
	Tracker    Tracker
	Advisor    advisor.Advisor
	Logger     *slog.Logger
}

// Loop supervises one project. Its status is mutated only by the loop.
type Loop struct {
	project *models.Project
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	health  *health.Classifier
	now     func() time.Time

	mu          sync.Mutex
	status      models.LoopStatus
	cancel      context.CancelFunc
	done        chan struct{}
	lastActions map[string]bool
	lastSummary string

	ticking  atomic.Bool
	advising atomic.Bool
	blockers *blockerTracker
	wg       sync.WaitGroup
}

// New creates a stopped loop for p.
func New(p *models.Project, cfg Config, deps Deps) *Loop {
	cfg.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		project:     p,
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("project", p.Name),
		health:      health.NewClassifier(cfg.Health),
		now:         time.Now,
		status:      models.LoopStatus{ProjectID: p.ID, State: models.LoopStopped},
		lastActions: make(map[string]bool),
		blockers:    newBlockerTracker(),
	}
}

// Status returns a copy of the loop status.
func (l *Loop) Status() models.LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.status
	if st.Assessment != nil {
		a := *st.Assessment
		st.Assessment = &a
	}
	return st
}

func (l *Loop) state() models.LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.State
}

// transition moves from one of the allowed states to next.
func (l *Loop) transition(next models.LoopState, from ...models.LoopState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.status.State == s {
			l.status.State = next
			return nil
		}
	}
	return errs.InvalidState("loop is %s, cannot move to %s", l.status.State, next)
}

// Start moves STOPPED -> STARTING -> RUNNING and begins ticking.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.transition(models.LoopStarting, models.LoopStopped); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.status.ConsecutiveFailures = 0
	l.status.LastError = ""
	l.mu.Unlock()

	_ = l.transition(models.LoopRunning, models.LoopStarting)
	l.decision(ctx, "", "control loop started", nil)
	l.logger.Info("control loop started", "interval", l.cfg.Interval)

	go l.run(runCtx, done)
	return nil
}

// Pause stops ticks from doing any work until Resume.
func (l *Loop) Pause(ctx context.Context) error {
	if err := l.transition(models.LoopPaused, models.LoopRunning, models.LoopDegraded); err != nil {
		return err
	}
	l.decision(ctx, "", "control loop paused", nil)
	return nil
}

// Resume returns a paused loop to RUNNING.
func (l *Loop) Resume(ctx context.Context) error {
	if err := l.transition(models.LoopRunning, models.LoopPaused); err != nil {
		return err
	}
	l.decision(ctx, "", "control loop resumed", nil)
	return nil
}

// Stop shuts the loop down and waits for an in-flight tick. Stopping a
// stopped loop is a no-op. When ctx ends first Stop returns a timeout error
// and the loop still reaches STOPPED once the tick finishes.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.status.State {
	case models.LoopStopped:
		l.mu.Unlock()
		return nil
	case models.LoopStopping:
	default:
		l.status.State = models.LoopStopping
		if l.cancel != nil {
			l.cancel()
		}
	}
	done := l.done
	l.mu.Unlock()

	if done == nil {
		l.finish(nil)
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.FromContext(ctx, "stop control loop", ctx.Err())
	}
}

// finish completes STOPPING to STOPPED for the run that owned done.
func (l *Loop) finish(done chan struct{}) {
	l.mu.Lock()
	if l.done != done || l.status.State != models.LoopStopping {
		l.mu.Unlock()
		return
	}
	l.status.State = models.LoopStopped
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	l.decision(context.Background(), "", "control loop stopped", nil)
	l.logger.Info("control loop stopped")
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.finish(done)
	defer l.wg.Wait()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.spawnTick(ctx)
		}
	}
}

// spawnTick starts a tick unless one is still running, in which case the
// tick is skipped and counted.
func (l *Loop) spawnTick(ctx context.Context) {
	if !l.ticking.CompareAndSwap(false, true) {
		l.mu.Lock()
		l.status.SkippedTicks++
		l.mu.Unlock()
		l.logger.Debug("tick skipped, previous tick still running")
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.ticking.Store(false)
		l.Tick(ctx)
	}()
}

func (l *Loop) record(ctx context.Context, e *models.ActivityEntry) {
	if l.deps.Activity == nil {
		return
	}
	e.ProjectID = l.project.ID
	if e.Category == "" {
		e.Category = models.CategoryOrchestrator
	}
	if err := l.deps.Activity.Record(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn("record loop activity", "error", err)
	}
}

func (l *Loop) decision(ctx context.Context, workspaceID, summary string, details map[string]any) {
	l.record(ctx, &models.ActivityEntry{
		WorkspaceID: workspaceID,
		Type:        models.ActivityDecision,
		Summary:     summary,
		Details:     details,
	})
}
