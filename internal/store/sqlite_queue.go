package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

const queueColumns = `id, project_id, workspace_id, branch, summary, has_commits, completed_at,
	popped_at, merged_at, superseded`

// pendingClause selects entries still waiting in the queue.
const pendingClause = `popped_at IS NULL AND merged_at IS NULL AND superseded = 0`

func scanQueueEntry(sc interface{ Scan(...any) error }) (*models.QueueEntry, error) {
	e := &models.QueueEntry{}
	var popped, merged sql.NullTime
	err := sc.Scan(&e.ID, &e.ProjectID, &e.WorkspaceID, &e.Branch, &e.Summary, &e.HasCommits,
		&e.CompletedAt, &popped, &merged, &e.Superseded)
	if err != nil {
		return nil, err
	}
	e.PoppedAt = timePtr(popped)
	e.MergedAt = timePtr(merged)
	return e, nil
}

// AppendQueueEntry appends e and, in the same transaction, supersedes any
// entry for the same workspace that is still pending. History is retained.
func (s *SQLiteStore) AppendQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	e.CompletedAt = e.CompletedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE merge_queue SET superseded = 1 WHERE project_id = ? AND workspace_id = ? AND `+pendingClause,
		e.ProjectID, e.WorkspaceID); err != nil {
		return fmt.Errorf("supersede queue entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.WorkspaceID, e.Branch, e.Summary, boolToInt(e.HasCommits),
		e.CompletedAt, nullTime(e.PoppedAt), nullTime(e.MergedAt), boolToInt(e.Superseded),
	); err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) PeekQueue(ctx context.Context, projectID string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM merge_queue WHERE project_id = ? AND `+pendingClause+`
		ORDER BY completed_at ASC, id ASC LIMIT 1`, projectID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.EmptyQueue("merge queue is empty for project %s", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	return e, nil
}

// PopQueue takes the oldest pending entry out of the queue by stamping its
// popped time. The row remains visible to ListQueue.
func (s *SQLiteStore) PopQueue(ctx context.Context, projectID string, at time.Time) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin queue pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM merge_queue WHERE project_id = ? AND `+pendingClause+`
		ORDER BY completed_at ASC, id ASC LIMIT 1`, projectID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.EmptyQueue("merge queue is empty for project %s", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("pop queue: %w", err)
	}

	at = at.UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE merge_queue SET popped_at = ? WHERE id = ?`, at, e.ID); err != nil {
		return nil, fmt.Errorf("pop queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit queue pop: %w", err)
	}
	e.PoppedAt = &at
	return e, nil
}

// MarkQueueMerged stamps every unmerged, unsuperseded entry of the workspace
// with at. When all entries are already merged it is a no-op and returns the
// latest merged entry unchanged.
func (s *SQLiteStore) MarkQueueMerged(ctx context.Context, projectID, workspaceID string, at time.Time) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark merged: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE merge_queue SET merged_at = ?
		WHERE project_id = ? AND workspace_id = ? AND merged_at IS NULL AND superseded = 0`,
		at.UTC(), projectID, workspaceID); err != nil {
		return nil, fmt.Errorf("mark merged: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM merge_queue
		WHERE project_id = ? AND workspace_id = ? AND superseded = 0
		ORDER BY completed_at DESC, id DESC LIMIT 1`, projectID, workspaceID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("no merge queue entry for workspace: %s", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark merged: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark merged: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) RemoveQueueEntries(ctx context.Context, projectID, workspaceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM merge_queue WHERE project_id = ? AND workspace_id = ?`, projectID, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("remove queue entries: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return 0, errs.NotFound("no merge queue entry for workspace: %s", workspaceID)
	}
	return n, nil
}

func (s *SQLiteStore) ListQueue(ctx context.Context, projectID string) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM merge_queue WHERE project_id = ? ORDER BY completed_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) CountPendingQueue(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM merge_queue WHERE project_id = ? AND `+pendingClause, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}
