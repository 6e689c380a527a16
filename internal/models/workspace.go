package models

import "time"

// WorkspaceMode controls how the agent in a workspace is expected to work.
type WorkspaceMode string

const (
	WorkspaceModeNormal WorkspaceMode = "normal"
	WorkspaceModePlan   WorkspaceMode = "plan"
)

// Valid reports whether m is a known mode.
func (m WorkspaceMode) Valid() bool {
	return m == WorkspaceModeNormal || m == WorkspaceModePlan
}

// Workspace is an isolated checkout of a project bound to one branch.
type Workspace struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Path       string         `json:"path"`
	Branch     string         `json:"branch"`
	BaseBranch string         `json:"baseBranch,omitempty"`
	IsMain     bool           `json:"isMain"`
	IsLocked   bool           `json:"isLocked"`
	Merged     bool           `json:"merged"`
	Mode       WorkspaceMode  `json:"mode"`
	Archived   bool           `json:"archived"`
	ArchivedAt *time.Time     `json:"archivedAt,omitempty"`
	Status     StatusSnapshot `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Live reports whether the workspace still participates in orchestration.
func (w *Workspace) Live() bool { return !w.Archived }

// StatusSnapshot is the structural state of a workspace's working tree.
type StatusSnapshot struct {
	Ahead      int        `json:"ahead"`
	Behind     int        `json:"behind"`
	Modified   int        `json:"modified"`
	Staged     int        `json:"staged"`
	Untracked  int        `json:"untracked"`
	Conflicted int        `json:"conflicted"`
	Upstream   string     `json:"upstream,omitempty"`
	CheckedAt  *time.Time `json:"checkedAt,omitempty"`
}

// Dirty reports whether the working tree has uncommitted changes.
func (s StatusSnapshot) Dirty() bool {
	return s.Modified+s.Staged+s.Untracked+s.Conflicted > 0
}

// ConflictParty is one workspace touching a conflicting path.
type ConflictParty struct {
	WorkspaceID string `json:"workspaceId"`
	Branch      string `json:"branch"`
}

// ConflictRecord is a path changed in two or more live workspaces at once.
type ConflictRecord struct {
	Path       string          `json:"path"`
	Workspaces []ConflictParty `json:"workspaces"`
}

// SkippedWorkspace is a workspace whose status could not be read during a scan.
type SkippedWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
	Branch      string `json:"branch"`
	Error       string `json:"error"`
}

// ConflictReport is the result of a conflict scan. Partial is set when at
// least one workspace was skipped, in which case Conflicts may be incomplete.
type ConflictReport struct {
	ProjectID string             `json:"projectId"`
	Conflicts []ConflictRecord   `json:"conflicts"`
	Skipped   []SkippedWorkspace `json:"skipped,omitempty"`
	Partial   bool               `json:"partial"`
	ScannedAt time.Time          `json:"scannedAt"`
}
