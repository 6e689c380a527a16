package models

import "time"

// SessionInfo is a point-in-time view of a transport session.
type SessionInfo struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspaceId"`
	CreatedAt    time.Time  `json:"createdAt"`
	Seq          int64      `json:"seq"`
	Alive        bool       `json:"alive"`
	Ready        bool       `json:"ready"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	RateLimited  bool       `json:"rateLimited"`
	LastOutputAt *time.Time `json:"lastOutputAt,omitempty"`
}
