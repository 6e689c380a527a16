package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/crew/internal/models"
)

const activityColumns = `id, project_id, workspace_id, timestamp, type, category, summary, details,
	correlation_id, duration_ms`

// AppendActivity writes an immutable activity entry.
func (s *SQLiteStore) AppendActivity(ctx context.Context, e *models.ActivityEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal activity details: %w", err)
		}
		details = string(data)
	}

	var duration any
	if e.DurationMS != nil {
		duration = *e.DurationMS
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.WorkspaceID, e.Timestamp, string(e.Type), string(e.Category),
		e.Summary, details, e.CorrelationID, duration,
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// QueryActivity returns entries matching filter, newest first unless the
// filter asks for ascending order.
func (s *SQLiteStore) QueryActivity(ctx context.Context, filter ActivityFilter) ([]*models.ActivityEntry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_log WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	switch {
	case filter.AfterID != "":
		since := filter.Since.UTC()
		query += " AND (timestamp > ? OR (timestamp = ? AND id > ?))"
		args = append(args, since, since, filter.AfterID)
	case !filter.Since.IsZero():
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.Until.UTC())
	}
	if len(filter.Types) > 0 {
		query += " AND type IN (" + placeholders(len(filter.Types)) + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.Categories) > 0 {
		query += " AND category IN (" + placeholders(len(filter.Categories)) + ")"
		for _, c := range filter.Categories {
			args = append(args, string(c))
		}
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}

	if filter.Ascending {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.ActivityEntry
	for rows.Next() {
		e := &models.ActivityEntry{}
		var typ, category, details string
		var duration *int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.WorkspaceID, &e.Timestamp, &typ, &category,
			&e.Summary, &details, &e.CorrelationID, &duration); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Type = models.ActivityType(typ)
		e.Category = models.ActivityCategory(category)
		e.DurationMS = duration
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearActivity deletes every activity entry of a project.
func (s *SQLiteStore) ClearActivity(ctx context.Context, projectID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM activity_log WHERE project_id = ?", projectID)
	if err != nil {
		return 0, fmt.Errorf("clear activity: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
