// Package health classifies a gathered project snapshot into a health level
// and an ordered list of corrective actions. Classification is a pure
// function of its input.
package health

import (
	"fmt"
	"sort"
	"time"

	"github.com/joescharf/crew/internal/models"
)

// Action priorities. Lower is more urgent.
const (
	PriorityBlocker   = 1
	PriorityRestart   = 2
	PriorityConflict  = 3
	PriorityReview    = 3
	PriorityRateLimit = 4
	PriorityArchive   = 5
)

// Config holds the classification windows.
type Config struct {
	// IdleWindow is how long a clean workspace without a session may sit
	// before it is suggested for archiving.
	IdleWindow time.Duration
	// ReviewWindow is how long a queue entry may wait before review is suggested.
	ReviewWindow time.Duration
	// StallWindow is how long a live session may go without output.
	StallWindow time.Duration
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		IdleWindow:   30 * time.Minute,
		ReviewWindow: time.Hour,
		StallWindow:  10 * time.Minute,
	}
}

// WorkspaceInput is one live workspace and what is known about it.
type WorkspaceInput struct {
	Workspace *models.Workspace
	Sessions  []models.SessionInfo
	// LastActivity is the most recent sign of life; zero means unknown.
	LastActivity time.Time
}

// Blocker is a blocker-severity error report without a later resolution.
type Blocker struct {
	EntryID     string
	WorkspaceID string
	Summary     string
	At          time.Time
}

// Snapshot is everything one tick gathered.
type Snapshot struct {
	Workspaces []WorkspaceInput
	Queue      []*models.QueueEntry
	Blockers   []Blocker
	Conflicts  []models.ConflictRecord
	Now        time.Time
}

// Classifier computes assessments.
type Classifier struct {
	cfg Config
}

// NewClassifier returns a Classifier. Zero windows take their defaults.
func NewClassifier(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = def.IdleWindow
	}
	if cfg.ReviewWindow <= 0 {
		cfg.ReviewWindow = def.ReviewWindow
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = def.StallWindow
	}
	return &Classifier{cfg: cfg}
}

// Assess classifies s. The same snapshot always yields the same actions in
// the same order.
func (c *Classifier) Assess(s Snapshot) *models.Assessment {
	a := &models.Assessment{
		QueueDepth:   len(s.Queue),
		OpenBlockers: len(s.Blockers),
		Conflicts:    len(s.Conflicts),
		AssessedAt:   s.Now,
	}

	queued := make(map[string]bool, len(s.Queue))
	for _, e := range s.Queue {
		queued[e.WorkspaceID] = true
	}

	for _, b := range s.Blockers {
		a.Actions = append(a.Actions, models.SuggestedAction{
			Kind:        models.ActionResolveBlocker,
			Priority:    PriorityBlocker,
			WorkspaceID: b.WorkspaceID,
			Reason:      b.Summary,
		})
	}

	for _, in := range s.Workspaces {
		w := in.Workspace
		if w.IsMain {
			continue
		}
		a.LiveWorkspaces++
		if w.Status.Dirty() {
			a.DirtyWorkspaces++
		}

		active := 0
		for _, si := range in.Sessions {
			if si.Alive {
				active++
			}
		}
		a.ActiveSessions += active

		a.Actions = append(a.Actions, c.sessionActions(w, in.Sessions, s.Now)...)

		if active == 0 && c.idle(in, s.Now) && !w.Status.Dirty() && !w.IsLocked && !queued[w.ID] {
			reason := fmt.Sprintf("no session and no changes for %s", c.cfg.IdleWindow)
			if w.Merged {
				reason = "merged and idle"
			}
			a.Actions = append(a.Actions, models.SuggestedAction{
				Kind:        models.ActionArchiveIdle,
				Priority:    PriorityArchive,
				WorkspaceID: w.ID,
				Reason:      reason,
			})
		}
	}

	for _, e := range s.Queue {
		if wait := s.Now.Sub(e.CompletedAt); wait > c.cfg.ReviewWindow {
			a.Actions = append(a.Actions, models.SuggestedAction{
				Kind:        models.ActionReviewMerge,
				Priority:    PriorityReview,
				WorkspaceID: e.WorkspaceID,
				Reason:      fmt.Sprintf("%s waiting in merge queue for %s", e.Branch, wait.Round(time.Minute)),
			})
		}
	}

	for _, rec := range s.Conflicts {
		ids := make([]string, 0, len(rec.Workspaces))
		for _, p := range rec.Workspaces {
			ids = append(ids, p.Branch)
		}
		a.Actions = append(a.Actions, models.SuggestedAction{
			Kind:     models.ActionFlagConflict,
			Priority: PriorityConflict,
			Path:     rec.Path,
			Reason:   fmt.Sprintf("modified in %v", ids),
		})
	}

	sort.SliceStable(a.Actions, func(i, j int) bool {
		if a.Actions[i].Priority != a.Actions[j].Priority {
			return a.Actions[i].Priority < a.Actions[j].Priority
		}
		return a.Actions[i].Key() < a.Actions[j].Key()
	})

	a.Score = score(a.Actions)
	a.Level = level(a.Actions)
	return a
}

// sessionActions looks at the newest session of a workspace only.
func (c *Classifier) sessionActions(w *models.Workspace, sessions []models.SessionInfo, now time.Time) []models.SuggestedAction {
	if len(sessions) == 0 {
		return nil
	}
	latest := sessions[0]
	for _, si := range sessions[1:] {
		if si.CreatedAt.After(latest.CreatedAt) {
			latest = si
		}
	}

	switch {
	case latest.RateLimited && latest.Alive:
		return []models.SuggestedAction{{
			Kind:        models.ActionWaitRateLimit,
			Priority:    PriorityRateLimit,
			WorkspaceID: w.ID,
			SessionID:   latest.ID,
			Reason:      "agent is rate limited",
		}}
	case !latest.Alive && latest.ExitCode != nil && *latest.ExitCode != 0:
		return []models.SuggestedAction{{
			Kind:        models.ActionRestartSession,
			Priority:    PriorityRestart,
			WorkspaceID: w.ID,
			SessionID:   latest.ID,
			Reason:      fmt.Sprintf("session exited with code %d", *latest.ExitCode),
		}}
	case latest.Alive:
		last := latest.CreatedAt
		if latest.LastOutputAt != nil {
			last = *latest.LastOutputAt
		}
		if quiet := now.Sub(last); quiet > c.cfg.StallWindow {
			return []models.SuggestedAction{{
				Kind:        models.ActionRestartSession,
				Priority:    PriorityRestart,
				WorkspaceID: w.ID,
				SessionID:   latest.ID,
				Reason:      fmt.Sprintf("no output for %s", quiet.Round(time.Second)),
			}}
		}
	}
	return nil
}

// idle reports whether the workspace has shown no activity for the idle
// window. Unknown activity falls back to the workspace's last update.
func (c *Classifier) idle(in WorkspaceInput, now time.Time) bool {
	last := in.LastActivity
	if last.IsZero() {
		last = in.Workspace.UpdatedAt
	}
	for _, si := range in.Sessions {
		if si.LastOutputAt != nil && si.LastOutputAt.After(last) {
			last = *si.LastOutputAt
		}
	}
	return now.Sub(last) > c.cfg.IdleWindow
}

// score converts actions to a 0-100 number; each action costs points by urgency.
func score(actions []models.SuggestedAction) int {
	total := 100
	for _, a := range actions {
		switch a.Priority {
		case PriorityBlocker:
			total -= 30
		case PriorityRestart:
			total -= 20
		case PriorityConflict:
			total -= 10
		case PriorityRateLimit:
			total -= 5
		default:
			total -= 2
		}
	}
	if total < 0 {
		return 0
	}
	return total
}

func level(actions []models.SuggestedAction) models.HealthLevel {
	if len(actions) == 0 {
		return models.HealthHealthy
	}
	if actions[0].Priority <= PriorityRestart {
		return models.HealthCritical
	}
	return models.HealthAttention
}
