package store

import (
	"context"
	"time"

	"github.com/joescharf/crew/internal/models"
)

// WorkspaceListFilter specifies filters for listing workspaces.
type WorkspaceListFilter struct {
	ProjectID       string
	IncludeArchived bool
	ExcludeMain     bool
}

// ActivityFilter specifies filters for querying the activity log.
// Results are ordered by timestamp descending unless Ascending is set.
type ActivityFilter struct {
	ProjectID     string
	WorkspaceID   string
	Since         time.Time
	Until         time.Time
	Types         []models.ActivityType
	Categories    []models.ActivityCategory
	CorrelationID string
	Limit         int

	// Ascending orders oldest first. With AfterID it pages by keyset:
	// entries at exactly Since are returned only when their id sorts after
	// AfterID.
	Ascending bool
	AfterID   string
}

// Store defines the persistence interface for crew.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Workspaces
	CreateWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error)
	GetLiveWorkspaceByBranch(ctx context.Context, projectID, branch string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context, filter WorkspaceListFilter) ([]*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, w *models.Workspace) error
	UpdateWorkspaceStatus(ctx context.Context, id string, status models.StatusSnapshot) error
	DeleteWorkspace(ctx context.Context, id string) error

	// Merge queue
	AppendQueueEntry(ctx context.Context, e *models.QueueEntry) error
	PeekQueue(ctx context.Context, projectID string) (*models.QueueEntry, error)
	PopQueue(ctx context.Context, projectID string, at time.Time) (*models.QueueEntry, error)
	MarkQueueMerged(ctx context.Context, projectID, workspaceID string, at time.Time) (*models.QueueEntry, error)
	RemoveQueueEntries(ctx context.Context, projectID, workspaceID string) (int64, error)
	ListQueue(ctx context.Context, projectID string) ([]*models.QueueEntry, error)
	CountPendingQueue(ctx context.Context, projectID string) (int, error)

	// Activity log
	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
	QueryActivity(ctx context.Context, filter ActivityFilter) ([]*models.ActivityEntry, error)
	ClearActivity(ctx context.Context, projectID string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
