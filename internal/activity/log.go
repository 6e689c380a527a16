// Package activity records the append-only activity log and streams new
// entries to live subscribers.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// DefaultQueryLimit caps Query results when the filter sets no limit.
const DefaultQueryLimit = 200

// Recorder is the write side of the activity log.
type Recorder interface {
	Record(ctx context.Context, e *models.ActivityEntry) error
}

// Log persists entries through the store and publishes them on a Bus.
type Log struct {
	store store.Store
	bus   *Bus
	now   func() time.Time
}

// NewLog creates a Log. bus may be nil when nothing streams entries.
func NewLog(s store.Store, bus *Bus) *Log {
	return &Log{store: s, bus: bus, now: time.Now}
}

// Record appends e. Entries are immutable once recorded.
func (l *Log) Record(ctx context.Context, e *models.ActivityEntry) error {
	if e.ProjectID == "" {
		return errs.InvalidInput("activity entry requires a project id")
	}
	if e.Summary == "" {
		return errs.InvalidInput("activity entry requires a summary")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if err := l.store.AppendActivity(ctx, e); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	if l.bus != nil {
		l.bus.Publish(e)
	}
	return nil
}

// Query returns entries matching filter, newest first.
func (l *Log) Query(ctx context.Context, filter store.ActivityFilter) ([]*models.ActivityEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}
	return l.store.QueryActivity(ctx, filter)
}

// Clear bulk-deletes a project's log. This is the only way entries are removed.
func (l *Log) Clear(ctx context.Context, projectID string) (int64, error) {
	if projectID == "" {
		return 0, errs.InvalidInput("clear requires a project id")
	}
	return l.store.ClearActivity(ctx, projectID)
}

// Bus returns the bus entries are published on, or nil.
func (l *Log) Bus() *Bus { return l.bus }
