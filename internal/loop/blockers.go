package loop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/crew/internal/health"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// blockerPageSize is how many entries one query of a scan reads. A scan
// keeps paging until it has read everything since the previous tick.
const blockerPageSize = 500

// blockerTracker follows blocker-severity error reports across ticks. A
// blocker stays open until the same workspace reports progress or
// completion, or an operator answers it.
type blockerTracker struct {
	mu        sync.Mutex
	watermark time.Time
	lastID    string
	blockers  map[string]health.Blocker
}

// blockerScan is the tracker state after reading new entries. It only
// becomes current when the tick that produced it succeeds.
type blockerScan struct {
	watermark time.Time
	lastID    string
	blockers  map[string]health.Blocker
}

func newBlockerTracker() *blockerTracker {
	return &blockerTracker{
		blockers: make(map[string]health.Blocker),
	}
}

func (t *blockerTracker) scan(ctx context.Context, log ActivityLog, projectID string) (*blockerScan, error) {
	t.mu.Lock()
	s := &blockerScan{
		watermark: t.watermark,
		lastID:    t.lastID,
		blockers:  make(map[string]health.Blocker, len(t.blockers)),
	}
	for k, v := range t.blockers {
		s.blockers[k] = v
	}
	t.mu.Unlock()

	if log == nil {
		return s, nil
	}

	for {
		page, err := log.Query(ctx, store.ActivityFilter{
			ProjectID:  projectID,
			Since:      s.watermark,
			AfterID:    s.lastID,
			Categories: []models.ActivityCategory{models.CategoryAgent, models.CategoryUser},
			Ascending:  true,
			Limit:      blockerPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			s.apply(e)
			s.watermark, s.lastID = e.Timestamp, e.ID
		}
		if len(page) < blockerPageSize {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (s *blockerScan) apply(e *models.ActivityEntry) {
	if e.Type == models.ActivityError && detail(e, models.DetailSeverity) == string(models.SeverityBlocker) {
		s.blockers[e.ID] = health.Blocker{
			EntryID:     e.ID,
			WorkspaceID: e.WorkspaceID,
			Summary:     e.Summary,
			At:          e.Timestamp,
		}
		return
	}
	if e.WorkspaceID == "" || !resolvesBlocker(e) {
		return
	}
	for id, b := range s.blockers {
		if b.WorkspaceID == e.WorkspaceID && !b.At.After(e.Timestamp) {
			delete(s.blockers, id)
		}
	}
}

func resolvesBlocker(e *models.ActivityEntry) bool {
	switch detail(e, models.DetailSignal) {
	case "progress", "completion":
		return e.Category == models.CategoryAgent
	case "answer":
		return e.Category == models.CategoryUser
	}
	return false
}

func detail(e *models.ActivityEntry, key string) string {
	v, _ := e.Details[key].(string)
	return v
}

// openFor returns open blockers of live workspaces, oldest first, and drops
// the rest.
func (s *blockerScan) openFor(live []*models.Workspace) []health.Blocker {
	ids := make(map[string]bool, len(live))
	for _, w := range live {
		ids[w.ID] = true
	}
	var out []health.Blocker
	for id, b := range s.blockers {
		if b.WorkspaceID != "" && !ids[b.WorkspaceID] {
			delete(s.blockers, id)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out
}

func (t *blockerTracker) commit(s *blockerScan) {
	if s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watermark = s.watermark
	t.lastID = s.lastID
	t.blockers = s.blockers
}
