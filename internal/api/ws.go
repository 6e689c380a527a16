package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/transport"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// wsConn adapts a websocket connection to transport.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, f transport.ServerFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.c, f)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// handleWS upgrades the request and serves session frames in both directions.
// Activity entries for ?projectId= (or all projects when absent) are pushed
// on the same connection as activity:entry frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	c.SetReadLimit(wsReadLimit)

	client := s.Hub.Connect(&wsConn{c: c})
	defer client.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if s.Activity != nil {
		sub := s.Activity.Bus().Subscribe(r.URL.Query().Get("projectId"))
		defer sub.Close()
		go forwardActivity(ctx, client, sub.C())
	}

	for {
		var f transport.ClientFrame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		// Errors are reported to the client as terminal:error frames.
		_ = client.Handle(f)
	}
}

func forwardActivity(ctx context.Context, client *transport.Client, entries <-chan *models.ActivityEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			client.Send(transport.ServerFrame{Type: TypeActivityEntry, Entry: e})
		}
	}
}

// TypeActivityEntry frames carry one activity log entry.
const TypeActivityEntry = "activity:entry"

// observeSession records hub lifecycle events in the activity log. It runs on
// the hub's publishing path so the write happens on its own goroutine.
func (s *Server) observeSession(ev transport.Event) {
	if s.Activity == nil || s.Workspaces == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ws, err := s.Workspaces.Get(ctx, ev.WorkspaceID)
		if err != nil {
			s.logger.Debug("session event for unknown workspace", "workspace", ev.WorkspaceID, "event", ev.Kind)
			return
		}
		e := sessionEntry(ws, ev)
		if err := s.Activity.Record(ctx, e); err != nil {
			s.logger.Warn("record session event", "session", ev.SessionID, "error", err)
		}
	}()
}

func sessionEntry(ws *models.Workspace, ev transport.Event) *models.ActivityEntry {
	e := &models.ActivityEntry{
		ProjectID:   ws.ProjectID,
		WorkspaceID: ws.ID,
		Timestamp:   ev.At,
		Type:        models.ActivityEvent,
		Category:    models.CategorySystem,
		Details:     map[string]any{"sessionId": ev.SessionID, "event": string(ev.Kind)},
	}
	switch ev.Kind {
	case transport.EventReady:
		e.Summary = fmt.Sprintf("session ready on %s", ws.Branch)
	case transport.EventExit:
		e.Summary = fmt.Sprintf("session on %s exited with code %d", ws.Branch, ev.ExitCode)
		e.Details["exitCode"] = ev.ExitCode
		if ev.ExitCode != 0 {
			e.Type = models.ActivityError
		}
	case transport.EventRateLimited:
		e.Summary = fmt.Sprintf("session on %s is rate limited", ws.Branch)
	case transport.EventRateLimitCleared:
		e.Summary = fmt.Sprintf("rate limit cleared on %s", ws.Branch)
	case transport.EventRuntimeExceeded:
		e.Summary = fmt.Sprintf("session on %s exceeded its runtime limit", ws.Branch)
		e.Type = models.ActivityAction
	default:
		e.Summary = fmt.Sprintf("session %s: %s", ev.SessionID, ev.Kind)
	}
	if ev.Message != "" {
		e.Details["message"] = ev.Message
	}
	return e
}
