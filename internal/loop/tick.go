package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/crew/internal/conflict"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/health"
	"github.com/joescharf/crew/internal/models"
)

// Tick runs one cycle. It does nothing unless the loop is RUNNING or
// DEGRADED. The loop's own ticker calls it; it is exported for callers that
// want to force a cycle.
func (l *Loop) Tick(ctx context.Context) {
	switch l.state() {
	case models.LoopRunning, models.LoopDegraded:
	default:
		return
	}

	start := l.now()
	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatherTimeout)
	snap, scan, err := l.gather(gctx)
	if err != nil {
		err = errs.FromContext(gctx, "gather", err)
	}
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.fail(ctx, err, start)
		return
	}

	a := l.health.Assess(*snap)
	fresh := l.succeed(ctx, a)
	l.blockers.commit(scan)

	l.logTick(ctx, a, start)
	for _, act := range fresh {
		l.decision(ctx, act.WorkspaceID, fmt.Sprintf("suggest %s: %s", act.Kind, act.Reason), map[string]any{
			"action":   string(act.Kind),
			"priority": act.Priority,
			"path":     act.Path,
		})
	}
	l.act(ctx, a.Actions)
	if len(fresh) > 0 {
		l.advise(ctx, a)
	}
}

// fail counts a failed gather and degrades after the threshold.
func (l *Loop) fail(ctx context.Context, err error, start time.Time) {
	now := l.now()
	l.mu.Lock()
	l.status.Ticks++
	l.status.LastTickAt = &now
	l.status.ConsecutiveFailures++
	l.status.LastError = err.Error()
	failures := l.status.ConsecutiveFailures
	degrade := failures >= l.cfg.FailureThreshold && l.status.State == models.LoopRunning
	if degrade {
		l.status.State = models.LoopDegraded
	}
	l.mu.Unlock()

	l.logger.Warn("tick failed", "failures", failures, "error", err)
	dur := now.Sub(start).Milliseconds()
	l.record(ctx, &models.ActivityEntry{
		Type:       models.ActivityError,
		Summary:    "tick failed: " + err.Error(),
		Details:    map[string]any{"consecutiveFailures": failures, "kind": string(errs.KindOf(err))},
		DurationMS: &dur,
	})
	if degrade {
		l.decision(ctx, "", fmt.Sprintf("control loop degraded after %d consecutive failures", failures), nil)
	}
}

// succeed stores the assessment, resets the failure counter and returns the
// actions that were not suggested on the previous tick.
func (l *Loop) succeed(ctx context.Context, a *models.Assessment) []models.SuggestedAction {
	now := l.now()
	l.mu.Lock()
	recovered := l.status.State == models.LoopDegraded
	if recovered {
		l.status.State = models.LoopRunning
	}
	l.status.Ticks++
	l.status.LastTickAt = &now
	l.status.ConsecutiveFailures = 0
	l.status.LastError = ""
	l.status.Assessment = a

	var fresh []models.SuggestedAction
	keys := make(map[string]bool, len(a.Actions))
	for _, act := range a.Actions {
		keys[act.Key()] = true
		if !l.lastActions[act.Key()] {
			fresh = append(fresh, act)
		}
	}
	l.lastActions = keys
	l.mu.Unlock()

	if recovered {
		l.decision(ctx, "", "control loop recovered", nil)
	}
	return fresh
}

// logTick records a tick entry when the assessment differs from the last one.
func (l *Loop) logTick(ctx context.Context, a *models.Assessment, start time.Time) {
	summary := fmt.Sprintf("%s: %d workspaces, %d dirty, %d sessions, queue %d, %d blockers, %d conflicts",
		a.Level, a.LiveWorkspaces, a.DirtyWorkspaces, a.ActiveSessions, a.QueueDepth, a.OpenBlockers, a.Conflicts)

	l.mu.Lock()
	changed := summary != l.lastSummary
	l.lastSummary = summary
	l.mu.Unlock()
	if !changed {
		return
	}

	dur := l.now().Sub(start).Milliseconds()
	l.record(ctx, &models.ActivityEntry{
		Type:    models.ActivityTick,
		Summary: summary,
		Details: map[string]any{
			"level":   string(a.Level),
			"score":   a.Score,
			"actions": len(a.Actions),
		},
		DurationMS: &dur,
	})
}

// gather collects one snapshot. Any error fails the whole tick so no action
// is taken from partial data.
func (l *Loop) gather(ctx context.Context) (*health.Snapshot, *blockerScan, error) {
	live, err := l.deps.Workspaces.ListLive(ctx, l.project.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list workspaces: %w", err)
	}
	if l.deps.Tracker != nil {
		if err := l.deps.Tracker.Sync(ctx, live); err != nil {
			return nil, nil, fmt.Errorf("watch workspaces: %w", err)
		}
	}

	var (
		mu      sync.Mutex
		changes = make(map[*models.Workspace][]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxParallel)
	for _, w := range live {
		if w.IsMain {
			continue
		}
		g.Go(func() error {
			snap, files, err := l.deps.Workspaces.Refresh(gctx, w.ID)
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("status of %s: %w", w.Branch, err)
			}
			mu.Lock()
			w.Status = *snap
			changes[w] = files
			mu.Unlock()
			return nil
		})
	}

	var pending []*models.QueueEntry
	g.Go(func() error {
		var err error
		pending, err = l.deps.Queue.Pending(gctx, l.project.ID)
		if err != nil {
			return fmt.Errorf("read merge queue: %w", err)
		}
		return nil
	})

	var scan *blockerScan
	g.Go(func() error {
		var err error
		scan, err = l.blockers.scan(gctx, l.deps.Activity, l.project.ID)
		if err != nil {
			return fmt.Errorf("scan blockers: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	snap := &health.Snapshot{
		Queue:     pending,
		Conflicts: conflict.FromChanges(changes),
		Blockers:  scan.openFor(live),
		Now:       l.now(),
	}
	for _, w := range live {
		in := health.WorkspaceInput{Workspace: w}
		if l.deps.Sessions != nil {
			in.Sessions = l.deps.Sessions.SessionsFor(w.ID)
		}
		if l.deps.Tracker != nil {
			if at, ok := l.deps.Tracker.LastActivity(w.ID); ok {
				in.LastActivity = at
			}
		}
		snap.Workspaces = append(snap.Workspaces, in)
	}
	return snap, scan, nil
}

// act carries out the automatic actions that are enabled. It re-checks the
// state first so a pause that lands mid-tick is honored.
func (l *Loop) act(ctx context.Context, actions []models.SuggestedAction) {
	if !l.cfg.AutoArchive && !l.cfg.AutoRestart {
		return
	}
	for _, act := range actions {
		if s := l.state(); s != models.LoopRunning && s != models.LoopDegraded {
			return
		}
		switch {
		case act.Kind == models.ActionArchiveIdle && l.cfg.AutoArchive:
			if _, err := l.deps.Workspaces.Archive(ctx, act.WorkspaceID); err != nil {
				l.logger.Warn("auto-archive", "workspace", act.WorkspaceID, "error", err)
				continue
			}
			l.decision(ctx, act.WorkspaceID, "auto-archived idle workspace", map[string]any{"action": string(act.Kind)})
		case act.Kind == models.ActionRestartSession && l.cfg.AutoRestart && l.deps.Sessions != nil:
			s, err := l.deps.Sessions.Restart(ctx, act.SessionID)
			if err != nil {
				l.logger.Warn("auto-restart", "session", act.SessionID, "error", err)
				continue
			}
			l.decision(ctx, act.WorkspaceID, "auto-restarted session", map[string]any{
				"action":     string(act.Kind),
				"oldSession": act.SessionID,
				"newSession": s.ID,
			})
		}
	}
}

// advise asks the advisor in the background. At most one request is in
// flight; the result is attached to the assessment it was asked about.
func (l *Loop) advise(ctx context.Context, a *models.Assessment) {
	if l.deps.Advisor == nil || !l.advising.CompareAndSwap(false, true) {
		return
	}
	snapshot := *a
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.advising.Store(false)

		actx, cancel := context.WithTimeout(ctx, l.cfg.AdviceTimeout)
		defer cancel()
		adv, err := l.deps.Advisor.Advise(actx, l.project.Name, &snapshot)
		if err != nil {
			l.logger.Debug("advisor", "error", err)
			return
		}

		text := adv.String()
		l.mu.Lock()
		if l.status.Assessment == a {
			cp := *a
			cp.Advice = text
			l.status.Assessment = &cp
		}
		l.mu.Unlock()
		l.decision(ctx, "", "advisor: "+adv.Summary, map[string]any{"recommendations": adv.Recommendations})
	}()
}
