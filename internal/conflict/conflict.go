// Package conflict finds files that are changed in more than one live
// workspace of a project at the same time.
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/crew/internal/models"
)

// DefaultParallelism bounds concurrent status queries during a scan.
const DefaultParallelism = 4

// WorkspaceSource supplies the live workspaces of a project and their
// changed files.
type WorkspaceSource interface {
	ListLive(ctx context.Context, projectID string) ([]*models.Workspace, error)
	ChangedFiles(ctx context.Context, w *models.Workspace) ([]string, error)
}

// Detector computes conflict reports.
type Detector struct {
	source      WorkspaceSource
	parallelism int
	now         func() time.Time
}

// NewDetector creates a Detector reading from source.
func NewDetector(source WorkspaceSource, parallelism int) *Detector {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Detector{source: source, parallelism: parallelism, now: time.Now}
}

// Detect scans every live, non-main workspace of the project. A workspace
// whose changed files cannot be read is skipped and recorded in the report,
// which is then marked partial. Only listing the workspaces is fatal.
func (d *Detector) Detect(ctx context.Context, projectID string) (*models.ConflictReport, error) {
	workspaces, err := d.source.ListLive(ctx, projectID)
	if err != nil {
		return nil, err
	}

	changes := make(map[*models.Workspace][]string, len(workspaces))
	var (
		mu      sync.Mutex
		skipped []models.SkippedWorkspace
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, w := range workspaces {
		if w.IsMain || w.Archived {
			continue
		}
		g.Go(func() error {
			files, err := d.source.ChangedFiles(gctx, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped = append(skipped, models.SkippedWorkspace{
					WorkspaceID: w.ID,
					Branch:      w.Branch,
					Error:       err.Error(),
				})
				return nil
			}
			changes[w] = files
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(skipped, func(i, j int) bool { return skipped[i].WorkspaceID < skipped[j].WorkspaceID })

	return &models.ConflictReport{
		ProjectID: projectID,
		Conflicts: FromChanges(changes),
		Skipped:   skipped,
		Partial:   len(skipped) > 0,
		ScannedAt: d.now().UTC(),
	}, nil
}

// FromChanges builds conflict records from each workspace's changed paths.
// A path is reported iff two or more distinct workspaces touch it. Records
// are sorted by path and parties by workspace id.
func FromChanges(changes map[*models.Workspace][]string) []models.ConflictRecord {
	byPath := make(map[string]map[string]models.ConflictParty)
	for w, files := range changes {
		for _, f := range files {
			parties, ok := byPath[f]
			if !ok {
				parties = make(map[string]models.ConflictParty)
				byPath[f] = parties
			}
			parties[w.ID] = models.ConflictParty{WorkspaceID: w.ID, Branch: w.Branch}
		}
	}

	records := []models.ConflictRecord{}
	for path, parties := range byPath {
		if len(parties) < 2 {
			continue
		}
		rec := models.ConflictRecord{Path: path}
		for _, p := range parties {
			rec.Workspaces = append(rec.Workspaces, p)
		}
		sort.Slice(rec.Workspaces, func(i, j int) bool {
			return rec.Workspaces[i].WorkspaceID < rec.Workspaces[j].WorkspaceID
		})
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records
}
