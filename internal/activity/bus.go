package activity

import (
	"sync"
	"sync/atomic"

	"github.com/joescharf/crew/internal/models"
)

// Bus fans activity entries out to subscribers. Each subscriber owns a
// bounded buffer; when it is full the oldest buffered entry is dropped to make
// room, so a slow subscriber never blocks the writer and always sees the most
// recent entries.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// Subscription receives entries for one project, or all projects when
// ProjectID is empty.
type Subscription struct {
	ProjectID string

	ch      chan *models.ActivityEntry
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber. Call Close on the subscription when done.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		ProjectID: projectID,
		ch:        make(chan *models.ActivityEntry, b.bufferSize),
		bus:       b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e *models.ActivityEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.ProjectID != "" && sub.ProjectID != e.ProjectID {
			continue
		}
		sub.deliver(e)
	}
}

// Close closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (s *Subscription) deliver(e *models.ActivityEntry) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan *models.ActivityEntry { return s.ch }

// Dropped returns how many entries were discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	})
}
