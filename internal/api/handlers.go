package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/transport"
	"github.com/joescharf/crew/internal/workspace"
)

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	MainBranch string `json:"mainBranch"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	p, err := s.Workspaces.RegisterProject(r.Context(), req.Name, req.Path, req.MainBranch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Loops != nil {
		if err := s.Loops.Remove(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.Store.DeleteProject(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Workspaces ---

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.Workspaces.List(r.Context(), r.PathValue("id"), queryBool(r, "archived"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createWorkspaceRequest struct {
	Branch     string               `json:"branch"`
	NewBranch  bool                 `json:"newBranch"`
	BaseBranch string               `json:"baseBranch"`
	Mode       models.WorkspaceMode `json:"mode"`
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}
	ws, err := s.Workspaces.Create(r.Context(), r.PathValue("id"), req.Branch, workspace.CreateOptions{
		NewBranch:  req.NewBranch,
		BaseBranch: req.BaseBranch,
		Mode:       req.Mode,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Workspaces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) workspaceStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Workspaces.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) archiveWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Workspaces.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.Workspaces.Delete(r.Context(), r.PathValue("id"), queryBool(r, "force")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lockWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.Workspaces.SetLocked(r.Context(), r.PathValue("id"), req.Locked)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) setWorkspaceMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode models.WorkspaceMode `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.Workspaces.SetMode(r.Context(), r.PathValue("id"), req.Mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) detectConflicts(w http.ResponseWriter, r *http.Request) {
	report, err := s.Conflicts.Detect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Merge queue ---

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	var (
		list []*models.QueueEntry
		err  error
	)
	if queryBool(r, "pending") {
		list, err = s.Queue.Pending(r.Context(), r.PathValue("id"))
	} else {
		list, err = s.Queue.List(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) peekQueue(w http.ResponseWriter, r *http.Request) {
	e, err := s.Queue.Peek(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) popQueue(w http.ResponseWriter, r *http.Request) {
	e, err := s.Queue.Pop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) markMerged(w http.ResponseWriter, r *http.Request) {
	e, err := s.Queue.MarkMerged(r.Context(), r.PathValue("id"), r.PathValue("workspaceId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) removeQueueEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Remove(r.Context(), r.PathValue("id"), r.PathValue("workspaceId")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Reports ---

type completionRequest struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details"`
}

func (s *Server) reportCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Intake.Completion(r.Context(), intake.Completion{
		WorkspaceID: r.PathValue("id"),
		Summary:     req.Summary,
		Details:     req.Details,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type questionRequest struct {
	Question string   `json:"question"`
	Context  string   `json:"context"`
	Options  []string `json:"options"`
}

func (s *Server) reportQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Intake.Question(r.Context(), intake.Question{
		WorkspaceID: r.PathValue("id"),
		Question:    req.Question,
		Context:     req.Context,
		Options:     req.Options,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type progressRequest struct {
	Status          string         `json:"status"`
	PercentComplete *int           `json:"percentComplete"`
	CurrentStep     string         `json:"currentStep"`
	Details         map[string]any `json:"details"`
}

// ClampPercent bounds a reported completion percentage to [0, 100].
func ClampPercent(p *int) *int {
	if p == nil {
		return nil
	}
	v := min(max(*p, 0), 100)
	return &v
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.Intake.Progress(r.Context(), intake.Progress{
		WorkspaceID:     r.PathValue("id"),
		Status:          req.Status,
		PercentComplete: ClampPercent(req.PercentComplete),
		CurrentStep:     req.CurrentStep,
		Details:         req.Details,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type errorRequest struct {
	Error           string `json:"error"`
	Severity        string `json:"severity"`
	Context         string `json:"context"`
	SuggestedAction string `json:"suggestedAction"`
}

func (s *Server) reportError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.Intake.Error(r.Context(), intake.ErrorReport{
		WorkspaceID:     r.PathValue("id"),
		Error:           req.Error,
		Severity:        req.Severity,
		Context:         req.Context,
		SuggestedAction: req.SuggestedAction,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) reportAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID string `json:"questionId"`
		Answer     string `json:"answer"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.Intake.Answer(r.Context(), r.PathValue("id"), req.QuestionID, req.Answer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// --- Activity ---

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func parseActivityFilter(r *http.Request) (store.ActivityFilter, error) {
	q := r.URL.Query()
	f := store.ActivityFilter{
		ProjectID:     r.PathValue("id"),
		WorkspaceID:   q.Get("workspaceId"),
		CorrelationID: q.Get("correlationId"),
	}
	for _, t := range splitList(q.Get("type")) {
		f.Types = append(f.Types, models.ActivityType(t))
	}
	for _, c := range splitList(q.Get("category")) {
		f.Categories = append(f.Categories, models.ActivityCategory(c))
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errs.InvalidInput("%s must be RFC3339: %v", key, err)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errs.InvalidInput("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) queryActivity(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.Activity.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) clearActivity(w http.ResponseWriter, r *http.Request) {
	n, err := s.Activity.Clear(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// --- Control loop ---

func (s *Server) listLoops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Loops.Statuses())
}

func (s *Server) loopStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Loops.Ensure(p).Status())
}

func (s *Server) loopAction(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	l := s.Loops.Ensure(p)

	switch r.PathValue("action") {
	case "start":
		err = l.Start(r.Context())
	case "pause":
		err = l.Pause(r.Context())
	case "resume":
		err = l.Resume(r.Context())
	case "stop":
		err = l.Stop(r.Context())
	case "tick":
		l.Tick(r.Context())
	default:
		err = errs.InvalidInput("unknown loop action %q", r.PathValue("action"))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Status())
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Hub.SessionsFor(r.URL.Query().Get("workspaceId")))
}

type launchRequest struct {
	Argv   []string `json:"argv"`
	Prompt string   `json:"prompt"`
	Wait   bool     `json:"wait"`
}

// launchSession starts an agent in the workspace. The prompt is passed as a
// separate argument, never through a shell.
func (s *Server) launchSession(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.Workspaces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ws.Archived {
		s.fail(w, r, errs.InvalidState("workspace %s is archived", ws.Branch))
		return
	}

	argv := append([]string(nil), req.Argv...)
	if len(argv) == 0 {
		argv = append(argv, s.AgentCommand...)
	}
	if len(argv) == 0 {
		writeError(w, http.StatusBadRequest, "no agent command configured")
		return
	}
	if req.Prompt != "" {
		argv = append(argv, req.Prompt)
	}

	sess, err := s.Hub.Launch(ws.ID, transport.LaunchSpec{
		Dir:  ws.Path,
		Argv: argv,
		Env:  []string{"CREW_WORKSPACE_ID=" + ws.ID, "CREW_PROJECT_ID=" + ws.ProjectID},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Wait {
		if err := s.Hub.WaitReady(r.Context(), sess.ID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) sessionScrollback(w http.ResponseWriter, r *http.Request) {
	after := int64(-1)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		after = n
	}
	chunks, err := s.Hub.Scrollback(r.PathValue("id"), after)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []transport.Chunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) restartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Hub.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) destroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.Hub.Destroy(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
