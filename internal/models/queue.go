package models

import "time"

// QueueEntry is a completed unit of work waiting to be merged.
type QueueEntry struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	WorkspaceID string     `json:"workspaceId"`
	Branch      string     `json:"branch"`
	Summary     string     `json:"summary"`
	HasCommits  bool       `json:"hasCommits"`
	CompletedAt time.Time  `json:"completedAt"`
	PoppedAt    *time.Time `json:"poppedAt,omitempty"`
	MergedAt    *time.Time `json:"mergedAt,omitempty"`
	Superseded  bool       `json:"superseded"`
}

// Pending reports whether the entry is still waiting in the queue.
func (e *QueueEntry) Pending() bool {
	return e.PoppedAt == nil && e.MergedAt == nil && !e.Superseded
}
