// Package watch tracks filesystem activity inside workspaces so the control
// loop can tell an idle workspace from one an agent is editing.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

// MaxDirsPerWorkspace caps how many directories are watched per workspace.
const MaxDirsPerWorkspace = 2000

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
}

// Tracker records the last write seen under each watched workspace.
type Tracker struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	roots map[string]string // workspace id -> root
	dirs  map[string]string // watched dir -> workspace id
	last  map[string]time.Time

	wg sync.WaitGroup
}

// New starts a Tracker.
func New(logger *slog.Logger) (*Tracker, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		watcher: w,
		logger:  logger,
		now:     time.Now,
		roots:   make(map[string]string),
		dirs:    make(map[string]string),
		last:    make(map[string]time.Time),
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

// Add starts watching a workspace root. Adding a watched workspace again is
// a no-op. A walk cut short by ctx leaves the workspace unwatched.
func (t *Tracker) Add(ctx context.Context, workspaceID, root string) error {
	t.mu.Lock()
	if _, ok := t.roots[workspaceID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.roots[workspaceID] = root
	t.mu.Unlock()

	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if count >= MaxDirsPerWorkspace {
			return filepath.SkipAll
		}
		if err := t.addDir(workspaceID, path); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		t.Remove(workspaceID)
		return errs.FromContext(ctx, "watch "+root, fmt.Errorf("watch %s: %w", root, err))
	}
	if count >= MaxDirsPerWorkspace {
		t.logger.Warn("workspace watch truncated", "workspace", workspaceID, "dirs", count)
	}
	return nil
}

func (t *Tracker) addDir(workspaceID, dir string) error {
	if err := t.watcher.Add(dir); err != nil {
		return err
	}
	t.mu.Lock()
	t.dirs[dir] = workspaceID
	t.mu.Unlock()
	return nil
}

// Remove stops watching a workspace and forgets its activity.
func (t *Tracker) Remove(workspaceID string) {
	t.mu.Lock()
	var dirs []string
	for dir, id := range t.dirs {
		if id == workspaceID {
			dirs = append(dirs, dir)
			delete(t.dirs, dir)
		}
	}
	delete(t.roots, workspaceID)
	delete(t.last, workspaceID)
	t.mu.Unlock()

	for _, dir := range dirs {
		_ = t.watcher.Remove(dir)
	}
}

// Sync makes the watched set match the given live workspaces. The main
// workspace is never watched. It stops early, returning a timeout error,
// when ctx ends; workspaces not yet walked are picked up by the next call.
func (t *Tracker) Sync(ctx context.Context, workspaces []*models.Workspace) error {
	want := make(map[string]string, len(workspaces))
	for _, w := range workspaces {
		if !w.IsMain && w.Live() {
			want[w.ID] = w.Path
		}
	}

	t.mu.Lock()
	var stale []string
	for id := range t.roots {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		t.Remove(id)
	}
	for id, root := range want {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx, "sync watches", err)
		}
		if err := t.Add(ctx, id, root); err != nil {
			if ctx.Err() != nil {
				return err
			}
			t.logger.Debug("watch workspace", "workspace", id, "error", err)
		}
	}
	return nil
}

// LastActivity returns when a write was last seen in the workspace. ok is
// false when nothing has been seen since it was added.
func (t *Tracker) LastActivity(workspaceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[workspaceID]
	return at, ok
}

// Watching returns the number of watched workspaces.
func (t *Tracker) Watching() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.roots)
}

// Close stops the tracker.
func (t *Tracker) Close() error {
	err := t.watcher.Close()
	t.wg.Wait()
	return err
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Debug("fsnotify error", "error", err)
		}
	}
}

func (t *Tracker) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	t.mu.Lock()
	id, ok := t.dirs[filepath.Dir(event.Name)]
	if ok {
		t.last[id] = t.now()
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) && !skipDirs[filepath.Base(event.Name)] {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := t.addDir(id, event.Name); err != nil {
				t.logger.Debug("watch new directory", "path", event.Name, "error", err)
			}
		}
	}
}
