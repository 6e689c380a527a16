package transport

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/joescharf/crew/internal/models"
)

// Session is one live process plus its output stream.
type Session struct {
	ID          string
	WorkspaceID string
	CreatedAt   time.Time
	Spec        LaunchSpec

	proc    Process
	buf     *Scrollback
	limiter *RateLimitDetector

	// pubMu orders everything sent for this session: appends, live frames,
	// and scrollback snapshots.
	pubMu sync.Mutex

	mu           sync.Mutex
	ready        bool
	exited       bool
	exitCode     int
	rateLimited  bool
	lastOutputAt time.Time
	// acked is the highest seq a viewer has acknowledged, -1 before the
	// first ack. It belongs to the session, not the connection, so a
	// viewer that reconnects resumes after it.
	acked int64

	readyCh chan struct{}
	doneCh  chan struct{}
}

func newSession(id, workspaceID string, spec LaunchSpec, proc Process, scrollback int, rateLimitQuiet time.Duration, now time.Time) *Session {
	return &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		Spec:        spec,
		proc:        proc,
		buf:         NewScrollback(scrollback),
		limiter:     NewRateLimitDetector(nil, rateLimitQuiet),
		acked:       -1,
		readyCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Done is closed once the process exit has been observed.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Ready is closed when the session produces its first output.
func (s *Session) Ready() <-chan struct{} { return s.readyCh }

// Alive reports whether the process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

// Info returns a snapshot of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SessionInfo{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		CreatedAt:   s.CreatedAt,
		Seq:         s.buf.NextSeq(),
		Alive:       !s.exited,
		Ready:       s.ready,
		RateLimited: s.rateLimited,
	}
	if s.exited {
		code := s.exitCode
		info.ExitCode = &code
	}
	if !s.lastOutputAt.IsZero() {
		t := s.lastOutputAt
		info.LastOutputAt = &t
	}
	return info
}

// Ack records that every chunk through seq has been received and discards
// those chunks. The watermark only moves forward and never past the last
// chunk produced. It returns the watermark after the update.
func (s *Session) Ack(seq int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.buf.NextSeq() - 1; seq > last {
		seq = last
	}
	if seq > s.acked {
		s.acked = seq
		s.buf.TrimThrough(seq)
	}
	return s.acked
}

// Acked returns the acknowledged watermark, -1 when nothing was acked.
func (s *Session) Acked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Scrollback returns retained chunks with seq greater than after.
func (s *Session) Scrollback(after int64) []Chunk {
	return s.buf.After(after)
}

// utf8Splitter holds back a trailing partial rune so chunks never split a
// multi-byte character.
type utf8Splitter struct {
	pending []byte
}

func (u *utf8Splitter) split(b []byte) string {
	data := append(u.pending, b...)
	u.pending = nil

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		u.pending = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut])
}

func (u *utf8Splitter) flush() string {
	s := string(u.pending)
	u.pending = nil
	return s
}
