// Package intake turns agent reports into activity-log entries and their
// side effects. Completion reports are the only way work enters the merge
// queue.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joescharf/crew/internal/activity"
	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
)

// WorkspaceGetter resolves workspaces.
type WorkspaceGetter interface {
	Get(ctx context.Context, id string) (*models.Workspace, error)
}

// ProjectGetter resolves projects.
type ProjectGetter interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// CommitCounter answers whether a branch carries work.
type CommitCounter interface {
	CommitsAhead(ctx context.Context, path, base, ref string) (int, error)
	CommitCount(ctx context.Context, path, ref string) (int, error)
}

// Pusher appends to the merge queue.
type Pusher interface {
	Push(ctx context.Context, projectID string, e *models.QueueEntry) error
}

// SessionInput delivers answers to a workspace's live session.
type SessionInput interface {
	SessionsFor(workspaceID string) []models.SessionInfo
	Input(sessionID, data string, sendEnter bool) error
}

// Intake validates reports and fans them out.
type Intake struct {
	workspaces WorkspaceGetter
	projects   ProjectGetter
	git        CommitCounter
	queue      Pusher
	activity   activity.Recorder
	sessions   SessionInput
	logger     *slog.Logger
}

// New creates an Intake.
func New(ws WorkspaceGetter, projects ProjectGetter, gc CommitCounter, q Pusher, rec activity.Recorder, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		workspaces: ws,
		projects:   projects,
		git:        gc,
		queue:      q,
		activity:   rec,
		logger:     logger,
	}
}

// SetSessions enables forwarding answers to live sessions.
func (in *Intake) SetSessions(s SessionInput) {
	in.sessions = s
}

// Completion reports that an agent finished its task.
type Completion struct {
	WorkspaceID string
	Summary     string
	Details     map[string]any
}

// CompletionResult is what a completion report produced.
type CompletionResult struct {
	Entry      *models.ActivityEntry `json:"entry"`
	HasCommits bool                  `json:"hasCommits"`
	QueueEntry *models.QueueEntry    `json:"queueEntry,omitempty"`
}

// Question is an agent asking the operator something.
type Question struct {
	WorkspaceID string
	Question    string
	Context     string
	Options     []string
}

// QuestionResult carries the id a later answer must reference.
type QuestionResult struct {
	QuestionID string                `json:"questionId"`
	Entry      *models.ActivityEntry `json:"entry"`
}

// Progress is a status update. PercentComplete is stored as given.
type Progress struct {
	WorkspaceID     string
	Status          string
	PercentComplete *int
	CurrentStep     string
	Details         map[string]any
}

// ErrorReport is an agent reporting a failure.
type ErrorReport struct {
	WorkspaceID     string
	Error           string
	Severity        string
	Context         string
	SuggestedAction string
}

// resolve returns the workspace and its project, or NotFound.
func (in *Intake) resolve(ctx context.Context, workspaceID string) (*models.Workspace, *models.Project, error) {
	if workspaceID == "" {
		return nil, nil, errs.InvalidInput("workspace id is required")
	}
	w, err := in.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	p, err := in.projects.GetProject(ctx, w.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return w, p, nil
}

func (in *Intake) record(ctx context.Context, e *models.ActivityEntry) error {
	if err := in.activity.Record(ctx, e); err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.InvalidInput("%s is required", field)
	}
	return nil
}

func withBranch(details map[string]any, w *models.Workspace) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["branch"] = w.Branch
	return out
}

// Completion logs the report and, when the branch carries commits not on the
// main branch, queues it for merging.
func (in *Intake) Completion(ctx context.Context, r Completion) (*CompletionResult, error) {
	if err := required("summary", r.Summary); err != nil {
		return nil, err
	}
	w, p, err := in.resolve(ctx, r.WorkspaceID)
	if err != nil {
		return nil, err
	}

	hasCommits, err := in.hasCommits(ctx, w, p)
	if err != nil {
		return nil, err
	}

	details := withBranch(r.Details, w)
	details["hasCommits"] = hasCommits
	details[models.DetailSignal] = "completion"
	entry := &models.ActivityEntry{
		ProjectID:   p.ID,
		WorkspaceID: w.ID,
		Type:        models.ActivityEvent,
		Category:    models.CategoryAgent,
		Summary:     "completed: " + r.Summary,
		Details:     details,
	}
	if err := in.record(ctx, entry); err != nil {
		return nil, err
	}

	res := &CompletionResult{Entry: entry, HasCommits: hasCommits}
	if !hasCommits {
		return res, nil
	}

	qe := &models.QueueEntry{
		WorkspaceID: w.ID,
		Branch:      w.Branch,
		Summary:     r.Summary,
		HasCommits:  true,
		CompletedAt: entry.Timestamp,
	}
	if err := in.queue.Push(ctx, p.ID, qe); err != nil {
		return nil, fmt.Errorf("queue completion: %w", err)
	}
	res.QueueEntry = qe

	err = in.record(ctx, &models.ActivityEntry{
		ProjectID:     p.ID,
		WorkspaceID:   w.ID,
		Type:          models.ActivityAction,
		Category:      models.CategorySystem,
		Summary:       fmt.Sprintf("added %s to merge queue", w.Branch),
		Details:       map[string]any{models.DetailEntryID: qe.ID, "branch": w.Branch},
		CorrelationID: entry.ID,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// hasCommits checks for commits on the branch that are not on the main
// branch, falling back to any commit at all when the comparison fails.
func (in *Intake) hasCommits(ctx context.Context, w *models.Workspace, p *models.Project) (bool, error) {
	ahead, err := in.git.CommitsAhead(ctx, w.Path, p.MainBranch, w.Branch)
	if err == nil {
		return ahead > 0, nil
	}
	in.logger.Debug("main branch comparison failed, counting all commits", "workspace", w.ID, "error", err)

	n, err := in.git.CommitCount(ctx, w.Path, w.Branch)
	if err != nil {
		return false, fmt.Errorf("count commits on %s: %w", w.Branch, err)
	}
	return n > 0, nil
}

// Question logs the question and returns a fresh question id. It never
// blocks waiting for an answer.
func (in *Intake) Question(ctx context.Context, r Question) (*QuestionResult, error) {
	if err := required("question", r.Question); err != nil {
		return nil, err
	}
	w, p, err := in.resolve(ctx, r.WorkspaceID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	details := withBranch(nil, w)
	details[models.DetailSignal] = "question"
	details["question"] = r.Question
	if r.Context != "" {
		details["context"] = r.Context
	}
	if len(r.Options) > 0 {
		details["options"] = r.Options
	}

	entry := &models.ActivityEntry{
		ProjectID:     p.ID,
		WorkspaceID:   w.ID,
		Type:          models.ActivityEvent,
		Category:      models.CategoryAgent,
		Summary:       "question: " + r.Question,
		Details:       details,
		CorrelationID: id,
	}
	if err := in.record(ctx, entry); err != nil {
		return nil, err
	}
	return &QuestionResult{QuestionID: id, Entry: entry}, nil
}

// Progress logs a progress update.
func (in *Intake) Progress(ctx context.Context, r Progress) (*models.ActivityEntry, error) {
	if err := required("status", r.Status); err != nil {
		return nil, err
	}
	w, p, err := in.resolve(ctx, r.WorkspaceID)
	if err != nil {
		return nil, err
	}

	details := withBranch(r.Details, w)
	details[models.DetailSignal] = "progress"
	if r.PercentComplete != nil {
		details[models.DetailPercent] = *r.PercentComplete
	}
	if r.CurrentStep != "" {
		details["currentStep"] = r.CurrentStep
	}

	entry := &models.ActivityEntry{
		ProjectID:   p.ID,
		WorkspaceID: w.ID,
		Type:        models.ActivityEvent,
		Category:    models.CategoryAgent,
		Summary:     "progress: " + r.Status,
		Details:     details,
	}
	if err := in.record(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Error logs an error report tagged with its severity.
func (in *Intake) Error(ctx context.Context, r ErrorReport) (*models.ActivityEntry, error) {
	if err := required("error", r.Error); err != nil {
		return nil, err
	}
	severity, ok := models.ParseSeverity(r.Severity)
	if !ok {
		return nil, errs.InvalidInput("unknown severity %q", r.Severity)
	}
	w, p, err := in.resolve(ctx, r.WorkspaceID)
	if err != nil {
		return nil, err
	}

	details := withBranch(nil, w)
	details[models.DetailSignal] = "error"
	details[models.DetailSeverity] = string(severity)
	if r.Context != "" {
		details["context"] = r.Context
	}
	if r.SuggestedAction != "" {
		details["suggestedAction"] = r.SuggestedAction
	}

	entry := &models.ActivityEntry{
		ProjectID:   p.ID,
		WorkspaceID: w.ID,
		Type:        models.ActivityError,
		Category:    models.CategoryAgent,
		Summary:     fmt.Sprintf("%s: %s", severity, r.Error),
		Details:     details,
	}
	if err := in.record(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Answer logs an operator answer correlated with questionID and types it
// into the workspace's live session, if there is one.
func (in *Intake) Answer(ctx context.Context, workspaceID, questionID, answer string) (*models.ActivityEntry, error) {
	if err := required("question id", questionID); err != nil {
		return nil, err
	}
	if err := required("answer", answer); err != nil {
		return nil, err
	}
	w, p, err := in.resolve(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	details := withBranch(nil, w)
	details[models.DetailSignal] = "answer"
	details["answer"] = answer

	if in.sessions != nil {
		for _, s := range in.sessions.SessionsFor(w.ID) {
			if !s.Alive {
				continue
			}
			if err := in.sessions.Input(s.ID, answer, true); err != nil {
				in.logger.Warn("forward answer to session", "session", s.ID, "error", err)
				continue
			}
			details["sessionId"] = s.ID
			break
		}
	}

	entry := &models.ActivityEntry{
		ProjectID:     p.ID,
		WorkspaceID:   w.ID,
		Type:          models.ActivityEvent,
		Category:      models.CategoryUser,
		Summary:       "answer: " + answer,
		Details:       details,
		CorrelationID: questionID,
	}
	if err := in.record(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
