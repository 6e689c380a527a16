// Package api exposes crew over HTTP: a thin REST surface over the core
// services plus a websocket carrying session frames and activity entries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/conflict"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/loop"
	"github.com/joescharf/crew/internal/queue"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/transport"
	"github.com/joescharf/crew/internal/workspace"
)

// Deps are the services the API fronts.
type Deps struct {
	Store      store.Store
	Workspaces *workspace.Manager
	Conflicts  *conflict.Detector
	Queue      *queue.Queue
	Intake     *intake.Intake
	Activity   *activity.Log
	Hub        *transport.Hub
	Loops      *loop.Registry
	// AgentCommand is the argv used to launch sessions when a request names none.
	AgentCommand []string
	Logger       *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	Deps
	logger *slog.Logger
}

// NewServer creates a new API server and routes session events from the hub
// into the activity log.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger}
	if d.Hub != nil {
		d.Hub.SetObserver(s.observeSession)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.deleteProject)

	mux.HandleFunc("GET /api/v1/projects/{id}/workspaces", s.listWorkspaces)
	mux.HandleFunc("POST /api/v1/projects/{id}/workspaces", s.createWorkspace)
	mux.HandleFunc("GET /api/v1/workspaces/{id}", s.getWorkspace)
	mux.HandleFunc("DELETE /api/v1/workspaces/{id}", s.deleteWorkspace)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/status", s.workspaceStatus)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/archive", s.archiveWorkspace)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/lock", s.lockWorkspace)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/mode", s.setWorkspaceMode)

	mux.HandleFunc("GET /api/v1/projects/{id}/conflicts", s.detectConflicts)

	mux.HandleFunc("GET /api/v1/projects/{id}/queue", s.listQueue)
	mux.HandleFunc("GET /api/v1/projects/{id}/queue/peek", s.peekQueue)
	mux.HandleFunc("POST /api/v1/projects/{id}/queue/pop", s.popQueue)
	mux.HandleFunc("POST /api/v1/projects/{id}/queue/{workspaceId}/merged", s.markMerged)
	mux.HandleFunc("DELETE /api/v1/projects/{id}/queue/{workspaceId}", s.removeQueueEntry)

	mux.HandleFunc("POST /api/v1/workspaces/{id}/reports/completion", s.reportCompletion)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/reports/question", s.reportQuestion)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/reports/progress", s.reportProgress)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/reports/error", s.reportError)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/reports/answer", s.reportAnswer)

	mux.HandleFunc("GET /api/v1/projects/{id}/activity", s.queryActivity)
	mux.HandleFunc("DELETE /api/v1/projects/{id}/activity", s.clearActivity)

	mux.HandleFunc("GET /api/v1/loops", s.listLoops)
	mux.HandleFunc("GET /api/v1/projects/{id}/loop", s.loopStatus)
	mux.HandleFunc("POST /api/v1/projects/{id}/loop/{action}", s.loopAction)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/workspaces/{id}/sessions", s.launchSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/scrollback", s.sessionScrollback)
	mux.HandleFunc("POST /api/v1/sessions/{id}/restart", s.restartSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.destroySession)

	mux.HandleFunc("GET /ws", s.handleWS)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindEmptyQueue:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindInvalidState, errs.KindDirtyState:
		return http.StatusConflict
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindTransport:
		return http.StatusBadGateway
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status and the error kind.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(errs.KindOf(err))})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.InvalidInput("invalid JSON: %v", err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
