// Package queue implements the per-project merge queue.
//
// Entries are appended in completion order and popped oldest first. The
// workspace id is the dedup key: appending for a workspace that already has
// a pending entry supersedes the older entry, which stays in the history.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/lock"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// WorkspaceMarker flags a workspace as merged.
type WorkspaceMarker interface {
	MarkMerged(ctx context.Context, id string) (*models.Workspace, error)
}

// Queue serializes writers per project over the store.
type Queue struct {
	store    store.Store
	activity activity.Recorder
	marker   WorkspaceMarker
	locks    *lock.MutexMap
	now      func() time.Time
}

// New creates a Queue. rec and marker may be nil.
func New(s store.Store, rec activity.Recorder, marker WorkspaceMarker) *Queue {
	return &Queue{
		store:    s,
		activity: rec,
		marker:   marker,
		locks:    lock.NewMutexMap(),
		now:      time.Now,
	}
}

func (q *Queue) lockProject(ctx context.Context, projectID string) (func(), error) {
	if _, err := q.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return q.locks.Lock(ctx, "queue:"+projectID)
}

func (q *Queue) record(ctx context.Context, e *models.QueueEntry, summary string) {
	if q.activity == nil {
		return
	}
	_ = q.activity.Record(context.WithoutCancel(ctx), &models.ActivityEntry{
		ProjectID:   e.ProjectID,
		WorkspaceID: e.WorkspaceID,
		Type:        models.ActivityAction,
		Category:    models.CategoryUser,
		Summary:     summary,
		Details: map[string]any{
			models.DetailEntryID: e.ID,
			"branch":             e.Branch,
		},
	})
}

// Push appends e to the project's queue. It never deduplicates at write time;
// an older pending entry of the same workspace is superseded instead.
func (q *Queue) Push(ctx context.Context, projectID string, e *models.QueueEntry) error {
	unlock, err := q.lockProject(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	e.ProjectID = projectID
	if e.CompletedAt.IsZero() {
		e.CompletedAt = q.now()
	}
	return q.store.AppendQueueEntry(ctx, e)
}

// Peek returns the oldest pending entry without removing it.
func (q *Queue) Peek(ctx context.Context, projectID string) (*models.QueueEntry, error) {
	if _, err := q.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return q.store.PeekQueue(ctx, projectID)
}

// Pop removes and returns the oldest pending entry. It fails with an
// empty-queue error when nothing is pending.
func (q *Queue) Pop(ctx context.Context, projectID string) (*models.QueueEntry, error) {
	unlock, err := q.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := q.store.PopQueue(ctx, projectID, q.now())
	if err != nil {
		return nil, err
	}
	q.record(ctx, e, "popped "+e.Branch+" from merge queue")
	return e, nil
}

// MarkMerged stamps the workspace's entry as merged and flags the workspace.
// Repeating the call leaves the first merged timestamp in place.
func (q *Queue) MarkMerged(ctx context.Context, projectID, workspaceID string) (*models.QueueEntry, error) {
	unlock, err := q.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	at := q.now().UTC()
	e, err := q.store.MarkQueueMerged(ctx, projectID, workspaceID, at)
	if err != nil {
		return nil, err
	}
	if q.marker != nil {
		if _, err := q.marker.MarkMerged(ctx, workspaceID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}
	if e.MergedAt != nil && e.MergedAt.Equal(at) {
		q.record(ctx, e, "marked "+e.Branch+" merged")
	}
	return e, nil
}

// Remove deletes every entry of the workspace regardless of merge state.
func (q *Queue) Remove(ctx context.Context, projectID, workspaceID string) error {
	unlock, err := q.lockProject(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := q.store.RemoveQueueEntries(ctx, projectID, workspaceID); err != nil {
		return err
	}
	q.record(ctx, &models.QueueEntry{ProjectID: projectID, WorkspaceID: workspaceID}, "removed workspace from merge queue")
	return nil
}

// List returns every entry, including popped, merged and superseded ones,
// ordered by completion time.
func (q *Queue) List(ctx context.Context, projectID string) ([]*models.QueueEntry, error) {
	if _, err := q.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return q.store.ListQueue(ctx, projectID)
}

// Pending returns the entries still waiting, oldest first.
func (q *Queue) Pending(ctx context.Context, projectID string) ([]*models.QueueEntry, error) {
	all, err := q.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var pending []*models.QueueEntry
	for _, e := range all {
		if e.Pending() {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Depth returns the number of pending entries.
func (q *Queue) Depth(ctx context.Context, projectID string) (int, error) {
	return q.store.CountPendingQueue(ctx, projectID)
}
