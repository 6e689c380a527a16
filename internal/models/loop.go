package models

import "time"

// LoopState is the lifecycle state of a project's control loop.
type LoopState string

const (
	LoopStopped  LoopState = "STOPPED"
	LoopStarting LoopState = "STARTING"
	LoopRunning  LoopState = "RUNNING"
	LoopPaused   LoopState = "PAUSED"
	LoopDegraded LoopState = "DEGRADED"
	LoopStopping LoopState = "STOPPING"
)

// HealthLevel summarizes an assessment.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthAttention HealthLevel = "attention"
	HealthCritical  HealthLevel = "critical"
)

// ActionKind is a corrective action the control loop can suggest or take.
type ActionKind string

const (
	ActionResolveBlocker ActionKind = "resolve_blocker"
	ActionRestartSession ActionKind = "restart_session"
	ActionFlagConflict   ActionKind = "flag_conflict"
	ActionReviewMerge    ActionKind = "review_merge"
	ActionArchiveIdle    ActionKind = "archive_idle"
	ActionWaitRateLimit  ActionKind = "wait_rate_limit"
)

// SuggestedAction is one classified corrective action.
type SuggestedAction struct {
	Kind        ActionKind `json:"kind"`
	Priority    int        `json:"priority"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	Path        string     `json:"path,omitempty"`
	Reason      string     `json:"reason"`
}

// Key identifies an action for change detection between ticks.
func (a SuggestedAction) Key() string {
	return string(a.Kind) + "|" + a.WorkspaceID + "|" + a.SessionID + "|" + a.Path
}

// Assessment is the classified health of one project at one tick.
type Assessment struct {
	Level           HealthLevel       `json:"level"`
	Score           int               `json:"score"`
	LiveWorkspaces  int               `json:"liveWorkspaces"`
	DirtyWorkspaces int               `json:"dirtyWorkspaces"`
	ActiveSessions  int               `json:"activeSessions"`
	QueueDepth      int               `json:"queueDepth"`
	OpenBlockers    int               `json:"openBlockers"`
	Conflicts       int               `json:"conflicts"`
	Actions         []SuggestedAction `json:"actions"`
	Advice          string            `json:"advice,omitempty"`
	AssessedAt      time.Time         `json:"assessedAt"`
}

// LoopStatus is the observable state of a project's control loop.
type LoopStatus struct {
	ProjectID           string      `json:"projectId"`
	State               LoopState   `json:"state"`
	Ticks               int64       `json:"ticks"`
	SkippedTicks        int64       `json:"skippedTicks"`
	LastTickAt          *time.Time  `json:"lastTickAt,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastError           string      `json:"lastError,omitempty"`
	Assessment          *Assessment `json:"assessment,omitempty"`
}
