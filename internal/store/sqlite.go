package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes all access; SQLite allows a single writer and
	// this keeps queue appends and pops atomic with respect to each other.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. IDs are monotonic within the process
// so they break ties between rows written in the same instant.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

const projectColumns = `id, name, path, main_branch, created_at, updated_at`

func scanProject(sc interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	if err := sc.Scan(&p.ID, &p.Name, &p.Path, &p.MainBranch, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.MainBranch == "" {
		p.MainBranch = "main"
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.MainBranch, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errs.Conflict("project already exists: %s", p.Name)
	}
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getProjectWhere(ctx context.Context, where, arg, label string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+where+` = ?`, arg)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("project not found%s: %s", label, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProjectWhere(ctx, "id", id, "")
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getProjectWhere(ctx, "name", name, "")
}

func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	return s.getProjectWhere(ctx, "path", path, " at path")
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("project not found: %s", id)
	}
	return nil
}

// --- Workspaces ---

const workspaceColumns = `id, project_id, path, branch, base_branch, is_main, is_locked, merged, mode,
	archived, archived_at, ahead, behind, modified, staged, untracked, conflicted, upstream,
	status_checked_at, created_at, updated_at`

func scanWorkspace(sc interface{ Scan(...any) error }) (*models.Workspace, error) {
	w := &models.Workspace{}
	var mode string
	var archivedAt, checkedAt sql.NullTime
	err := sc.Scan(&w.ID, &w.ProjectID, &w.Path, &w.Branch, &w.BaseBranch, &w.IsMain, &w.IsLocked,
		&w.Merged, &mode, &w.Archived, &archivedAt,
		&w.Status.Ahead, &w.Status.Behind, &w.Status.Modified, &w.Status.Staged, &w.Status.Untracked,
		&w.Status.Conflicted, &w.Status.Upstream, &checkedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Mode = models.WorkspaceMode(mode)
	w.ArchivedAt = timePtr(archivedAt)
	w.Status.CheckedAt = timePtr(checkedAt)
	return w, nil
}

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.ID == "" {
		w.ID = newULID()
	}
	if w.Mode == "" {
		w.Mode = models.WorkspaceModeNormal
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (`+workspaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.Path, w.Branch, w.BaseBranch, boolToInt(w.IsMain), boolToInt(w.IsLocked),
		boolToInt(w.Merged), string(w.Mode), boolToInt(w.Archived), nullTime(w.ArchivedAt),
		w.Status.Ahead, w.Status.Behind, w.Status.Modified, w.Status.Staged, w.Status.Untracked,
		w.Status.Conflicted, w.Status.Upstream, nullTime(w.Status.CheckedAt), w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errs.Conflict("branch %s already has a live workspace", w.Branch)
	}
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("workspace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

// GetWorkspaceByPath returns the most recent workspace registered at path.
func (s *SQLiteStore) GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE path = ? ORDER BY archived ASC, created_at DESC LIMIT 1`, path)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("workspace not found at path: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace by path: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetLiveWorkspaceByBranch(ctx context.Context, projectID, branch string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE project_id = ? AND branch = ? AND archived = 0`,
		projectID, branch)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("no live workspace for branch: %s", branch)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace by branch: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context, filter WorkspaceListFilter) ([]*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if !filter.IncludeArchived {
		query += " AND archived = 0"
	}
	if filter.ExcludeMain {
		query += " AND is_main = 0"
	}
	query += " ORDER BY is_main DESC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*models.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspace persists lifecycle fields. The status snapshot is written
// only by UpdateWorkspaceStatus.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, w *models.Workspace) error {
	w.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET path=?, branch=?, base_branch=?, is_main=?, is_locked=?, merged=?, mode=?,
			archived=?, archived_at=?, updated_at=?
		WHERE id=?`,
		w.Path, w.Branch, w.BaseBranch, boolToInt(w.IsMain), boolToInt(w.IsLocked), boolToInt(w.Merged),
		string(w.Mode), boolToInt(w.Archived), nullTime(w.ArchivedAt), w.UpdatedAt, w.ID,
	)
	if isUniqueViolation(err) {
		return errs.Conflict("branch %s already has a live workspace", w.Branch)
	}
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("workspace not found: %s", w.ID)
	}
	return nil
}

// UpdateWorkspaceStatus persists only the status snapshot so concurrent
// status refreshes never overwrite lifecycle flags.
func (s *SQLiteStore) UpdateWorkspaceStatus(ctx context.Context, id string, st models.StatusSnapshot) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET ahead=?, behind=?, modified=?, staged=?, untracked=?, conflicted=?,
			upstream=?, status_checked_at=? WHERE id=?`,
		st.Ahead, st.Behind, st.Modified, st.Staged, st.Untracked, st.Conflicted,
		st.Upstream, nullTime(st.CheckedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update workspace status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("workspace not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("workspace not found: %s", id)
	}
	return nil
}
