// Package lock provides per-key mutual exclusion for serializing writers to a
// single workspace, queue or loop.
package lock

import (
	"context"
	"sync"

	"github.com/joescharf/crew/internal/errs"
)

// MutexMap hands out one exclusive lock per key. Keys that are no longer held
// or awaited are forgotten.
type MutexMap struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		slots: make(map[string]*slot),
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (m *MutexMap) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquire(key)

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			m.release(key, s)
		}, nil
	case <-ctx.Done():
		m.release(key, s)
		return nil, errs.FromContext(ctx, "acquire lock "+key, ctx.Err())
	}
}

func (m *MutexMap) acquire(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *MutexMap) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
