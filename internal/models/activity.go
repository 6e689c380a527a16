package models

import "time"

// ActivityType is the kind of an activity log entry.
type ActivityType string

const (
	ActivityAction   ActivityType = "action"
	ActivityEvent    ActivityType = "event"
	ActivityDecision ActivityType = "decision"
	ActivityError    ActivityType = "error"
	ActivityTick     ActivityType = "tick"
)

// ActivityCategory is the subsystem an activity entry concerns.
type ActivityCategory string

const (
	CategoryWorktree     ActivityCategory = "worktree"
	CategoryAgent        ActivityCategory = "agent"
	CategoryUser         ActivityCategory = "user"
	CategorySystem       ActivityCategory = "system"
	CategoryOrchestrator ActivityCategory = "orchestrator"
)

// Severity of an agent error report.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityBlocker Severity = "blocker"
)

// ParseSeverity maps s to a Severity, defaulting to SeverityError.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityWarning, SeverityError, SeverityBlocker:
		return Severity(s), true
	case "":
		return SeverityError, true
	}
	return SeverityError, false
}

// ActivityEntry is an immutable, append-only log record.
type ActivityEntry struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"projectId"`
	WorkspaceID   string           `json:"workspaceId,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	Type          ActivityType     `json:"type"`
	Category      ActivityCategory `json:"category"`
	Summary       string           `json:"summary"`
	Details       map[string]any   `json:"details,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	DurationMS    *int64           `json:"durationMs,omitempty"`
}

// Detail keys written by report intake and read by the control loop.
const (
	DetailSeverity = "severity"
	DetailSignal   = "signal"
	DetailPercent  = "percentComplete"
	DetailEntryID  = "queueEntryId"
)
