package loop

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

// Registry holds one loop per project.
type Registry struct {
	mu    sync.Mutex
	loops map[string]*Loop
	build func(p *models.Project) *Loop
}

// NewRegistry creates a registry that builds loops with build.
func NewRegistry(build func(p *models.Project) *Loop) *Registry {
	return &Registry{loops: make(map[string]*Loop), build: build}
}

// Ensure returns the project's loop, creating a stopped one if needed.
func (r *Registry) Ensure(p *models.Project) *Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loops[p.ID]; ok {
		return l
	}
	l := r.build(p)
	r.loops[p.ID] = l
	return l
}

// Get returns the project's loop.
func (r *Registry) Get(projectID string) (*Loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[projectID]
	if !ok {
		return nil, errs.NotFound("no control loop for project %s", projectID)
	}
	return l, nil
}

// Statuses returns the status of every loop, ordered by project id.
func (r *Registry) Statuses() []models.LoopStatus {
	r.mu.Lock()
	loops := make([]*Loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.mu.Unlock()

	out := make([]models.LoopStatus, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Remove stops and forgets a project's loop.
func (r *Registry) Remove(ctx context.Context, projectID string) error {
	r.mu.Lock()
	l, ok := r.loops[projectID]
	delete(r.loops, projectID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Stop(ctx)
}

// StopAll stops every loop.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	loops := make([]*Loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.mu.Unlock()

	var errList []error
	for _, l := range loops {
		if err := l.Stop(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
