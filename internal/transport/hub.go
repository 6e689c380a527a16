// Package transport multiplexes agent sessions over client connections.
//
// Every output chunk of a session gets a per-session sequence number starting
// at 0. Clients acknowledge the highest seq they have received; the
// watermark is kept on the session so it outlives the connection, acked
// chunks are trimmed from scrollback, and replay never re-sends them.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

// Config tunes a Hub.
type Config struct {
	ScrollbackChunks int
	// ClientBuffer is the per-client outbound queue length.
	ClientBuffer int
	// WriteTimeout is how long a producer waits on a full client queue
	// before the client is disconnected.
	WriteTimeout time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxRuntime terminates sessions older than this. Zero disables it.
	MaxRuntime   time.Duration
	ReadyTimeout time.Duration
	// RateLimitQuiet is how long output must stay free of limit phrasing
	// before a rate limit clears.
	RateLimitQuiet time.Duration
}

func (c *Config) defaults() {
	if c.ScrollbackChunks <= 0 {
		c.ScrollbackChunks = DefaultScrollbackChunks
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.RateLimitQuiet <= 0 {
		c.RateLimitQuiet = DefaultRateLimitQuiet
	}
}

// EventKind names a structural session event.
type EventKind string

const (
	EventReady            EventKind = "ready"
	EventExit             EventKind = "exit"
	EventRateLimited      EventKind = "rate-limited"
	EventRateLimitCleared EventKind = "rate-limit-cleared"
	EventRuntimeExceeded  EventKind = "runtime-exceeded"
)

// Event is a structural session event delivered to the observer.
type Event struct {
	Kind        EventKind
	SessionID   string
	WorkspaceID string
	ExitCode    int
	Message     string
	At          time.Time
}

// Hub owns sessions and client connections.
type Hub struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	clients  map[*Client]struct{}
	observer func(Event)
}

// NewHub creates a Hub. launcher may be nil when sessions are only attached.
func NewHub(cfg Config, launcher Launcher, logger *slog.Logger) *Hub {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		clients:  make(map[*Client]struct{}),
	}
}

// SetObserver installs a callback for structural events. It is called
// synchronously from session goroutines and must not block.
func (h *Hub) SetObserver(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = fn
}

func (h *Hub) notify(e Event) {
	h.mu.RLock()
	fn := h.observer
	h.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// Launch starts spec for a workspace and attaches it as a new session.
func (h *Hub) Launch(workspaceID string, spec LaunchSpec) (*Session, error) {
	if h.launcher == nil {
		return nil, errs.Transport("no process launcher configured")
	}
	proc, err := h.launcher.Start(spec)
	if err != nil {
		return nil, errs.Transport("launch session: %v", err)
	}
	return h.Attach(workspaceID, spec, proc), nil
}

// Attach wraps a running process in a session and starts streaming it.
func (h *Hub) Attach(workspaceID string, spec LaunchSpec, proc Process) *Session {
	s := newSession(uuid.NewString(), workspaceID, spec, proc, h.cfg.ScrollbackChunks, h.cfg.RateLimitQuiet, h.now())

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.logger.Info("session attached", "session", s.ID, "workspace", workspaceID, "pid", proc.Pid())
	go h.run(s)
	return s
}

func (h *Hub) run(s *Session) {
	if h.cfg.MaxRuntime > 0 {
		t := time.AfterFunc(h.cfg.MaxRuntime, func() {
			h.notify(Event{Kind: EventRuntimeExceeded, SessionID: s.ID, WorkspaceID: s.WorkspaceID, At: h.now()})
			h.logger.Warn("session exceeded max runtime", "session", s.ID, "max", h.cfg.MaxRuntime)
			_ = h.terminate(context.Background(), s)
		})
		defer t.Stop()
	}

	var splitter utf8Splitter
	buf := make([]byte, 32*1024)
	out := s.proc.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if text := splitter.split(buf[:n]); text != "" {
				h.publishData(s, text)
			}
		}
		if err != nil {
			break
		}
	}
	if rest := splitter.flush(); rest != "" {
		h.publishData(s, rest)
	}

	code, err := s.proc.Wait()
	if err != nil {
		h.logger.Warn("session wait", "session", s.ID, "error", err)
	}
	h.publishExit(s, code)
}

func (h *Hub) publishData(s *Session, text string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	now := h.now()
	chunk := s.buf.Append(text)

	s.mu.Lock()
	first := !s.ready
	s.ready = true
	s.lastOutputAt = now
	s.mu.Unlock()

	if first {
		close(s.readyCh)
		h.broadcast(ServerFrame{Type: TypeReady, SessionID: s.ID})
		h.notify(Event{Kind: EventReady, SessionID: s.ID, WorkspaceID: s.WorkspaceID, At: now})
	}

	h.broadcast(dataFrame(s.ID, chunk))

	if tr := s.limiter.Observe(text, now); tr != nil {
		s.mu.Lock()
		s.rateLimited = tr.Limited
		s.mu.Unlock()

		if tr.Limited {
			h.broadcast(ServerFrame{Type: TypeRateLimited, RateLimit: &RateLimit{
				SessionID:  s.ID,
				WorktreeID: s.WorkspaceID,
				IsLimited:  true,
				DetectedAt: tr.At,
				Message:    tr.Message,
			}})
			h.notify(Event{Kind: EventRateLimited, SessionID: s.ID, WorkspaceID: s.WorkspaceID, Message: tr.Message, At: now})
		} else {
			ts := tr.At
			h.broadcast(ServerFrame{Type: TypeRateLimitCleared, SessionID: s.ID, WorktreeID: s.WorkspaceID, Timestamp: &ts})
			h.notify(Event{Kind: EventRateLimitCleared, SessionID: s.ID, WorkspaceID: s.WorkspaceID, At: now})
		}
	}
}

func (h *Hub) publishExit(s *Session, code int) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()

	h.broadcast(exitFrame(s.ID, code))
	close(s.doneCh)
	h.logger.Info("session exited", "session", s.ID, "workspace", s.WorkspaceID, "exit_code", code)
	h.notify(Event{Kind: EventExit, SessionID: s.ID, WorkspaceID: s.WorkspaceID, ExitCode: code, At: h.now()})
}

func (h *Hub) broadcast(f ServerFrame) {
	for _, c := range h.clientList() {
		c.enqueue(f)
	}
}

func (h *Hub) clientList() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	return list
}

func (h *Hub) sessionList() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	return list
}

// Session returns a session by id.
func (h *Hub) Session(id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, errs.NotFound("session not found: %s", id)
	}
	return s, nil
}

// Scrollback returns a session's retained chunks with seq greater than after.
func (h *Hub) Scrollback(sessionID string, after int64) ([]Chunk, error) {
	s, err := h.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Scrollback(after), nil
}

// Sessions returns every session, oldest first.
func (h *Hub) Sessions() []models.SessionInfo {
	return h.SessionsFor("")
}

// SessionsFor returns the sessions of one workspace, or all when empty.
func (h *Hub) SessionsFor(workspaceID string) []models.SessionInfo {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if workspaceID == "" || s.WorkspaceID == workspaceID {
			list = append(list, s)
		}
	}
	h.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Input writes data to a session, followed by a newline when sendEnter is set.
func (h *Hub) Input(sessionID, data string, sendEnter bool) error {
	s, err := h.Session(sessionID)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return errs.Transport("session %s has exited", sessionID)
	}
	if sendEnter {
		data += "\n"
	}
	if _, err := s.proc.Write([]byte(data)); err != nil {
		return errs.Transport("write to session %s: %v", sessionID, err)
	}
	return nil
}

// Resize forwards a terminal size change.
func (h *Hub) Resize(sessionID string, cols, rows int) error {
	s, err := h.Session(sessionID)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return errs.InvalidInput("invalid terminal size %dx%d", cols, rows)
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return errs.Transport("resize session %s: %v", sessionID, err)
	}
	return nil
}

// WaitReady blocks until the session produces output, exits, or the ready
// timeout passes.
func (h *Hub) WaitReady(ctx context.Context, sessionID string) error {
	s, err := h.Session(sessionID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	defer cancel()

	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		select {
		case <-s.readyCh:
			return nil
		default:
		}
		return errs.Transport("session %s exited before becoming ready", sessionID)
	case <-ctx.Done():
		return errs.FromContext(ctx, "wait for session "+sessionID, ctx.Err())
	}
}

// terminate stops a session with SIGTERM, escalating to SIGKILL after the
// grace period, and waits for the exit to be observed.
func (h *Hub) terminate(ctx context.Context, s *Session) error {
	select {
	case <-s.doneCh:
		return nil
	default:
	}

	if err := s.proc.Terminate(); err != nil {
		h.logger.Warn("terminate session", "session", s.ID, "error", err)
	}
	grace := time.NewTimer(h.cfg.KillGrace)
	defer grace.Stop()

	select {
	case <-s.doneCh:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	h.logger.Warn("killing session after grace period", "session", s.ID)
	if err := s.proc.Kill(); err != nil {
		h.logger.Warn("kill session", "session", s.ID, "error", err)
	}

	final := time.NewTimer(h.cfg.KillGrace)
	defer final.Stop()
	select {
	case <-s.doneCh:
		return nil
	case <-final.C:
		return errs.Transport("session %s did not exit after SIGKILL", s.ID)
	}
}

// Destroy terminates a session and, once its exit is observed, drops its
// buffers.
func (h *Hub) Destroy(ctx context.Context, sessionID string) error {
	s, err := h.Session(sessionID)
	if err != nil {
		return err
	}
	if err := h.terminate(ctx, s); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	h.logger.Info("session destroyed", "session", sessionID)
	return nil
}

// Restart destroys a session and launches its spec again in a new session.
func (h *Hub) Restart(ctx context.Context, sessionID string) (*Session, error) {
	s, err := h.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := h.Destroy(ctx, sessionID); err != nil {
		return nil, err
	}
	return h.Launch(s.WorkspaceID, s.Spec)
}

// Close destroys every session and disconnects every client.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	var errList []error
	for _, id := range ids {
		if err := h.Destroy(ctx, id); err != nil {
			errList = append(errList, err)
		}
	}
	for _, c := range h.clientList() {
		c.Close()
	}
	return errors.Join(errList...)
}
