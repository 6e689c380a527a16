package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/models"
)

// EnvWorkspaceID is set in the environment of every agent session so the
// tools can find the caller's workspace without arguments.
const EnvWorkspaceID = "CREW_WORKSPACE_ID"

// Reporter accepts agent reports.
type Reporter interface {
	Completion(ctx context.Context, r intake.Completion) (*intake.CompletionResult, error)
	Question(ctx context.Context, r intake.Question) (*intake.QuestionResult, error)
	Progress(ctx context.Context, r intake.Progress) (*models.ActivityEntry, error)
	Error(ctx context.Context, r intake.ErrorReport) (*models.ActivityEntry, error)
}

// Workspaces resolves the calling workspace.
type Workspaces interface {
	Get(ctx context.Context, id string) (*models.Workspace, error)
	GetByPath(ctx context.Context, path string) (*models.Workspace, error)
}

// Queue reads the merge queue.
type Queue interface {
	List(ctx context.Context, projectID string) ([]*models.QueueEntry, error)
}

// Server exposes the report intake to agents as MCP tools.
type Server struct {
	reports    Reporter
	workspaces Workspaces
	queue      Queue

	getenv func(string) string
	getwd  func() (string, error)
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(r Reporter, ws Workspaces, q Queue) *Server {
	return &Server{
		reports:    r,
		workspaces: ws,
		queue:      q,
		getenv:     os.Getenv,
		getwd:      os.Getwd,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("crew", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.reportCompletionTool())
	srv.AddTool(s.askQuestionTool())
	srv.AddTool(s.reportProgressTool())
	srv.AddTool(s.reportErrorTool())
	srv.AddTool(s.mergeQueueTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func workspaceArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("workspace_id", mcp.Description("Workspace id. Defaults to $CREW_WORKSPACE_ID.")),
		mcp.WithString("workspace_path", mcp.Description("Any path inside the workspace. Defaults to the current directory.")),
	}
}

// resolveWorkspace finds the caller's workspace by explicit id, explicit
// path, the session environment, and finally the working directory.
func (s *Server) resolveWorkspace(ctx context.Context, request mcp.CallToolRequest) (*models.Workspace, error) {
	if id := request.GetString("workspace_id", ""); id != "" {
		return s.workspaces.Get(ctx, id)
	}
	if path := request.GetString("workspace_path", ""); path != "" {
		return s.workspaces.GetByPath(ctx, path)
	}
	if id := s.getenv(EnvWorkspaceID); id != "" {
		return s.workspaces.Get(ctx, id)
	}
	wd, err := s.getwd()
	if err != nil {
		return nil, errs.InvalidInput("no workspace given and working directory unavailable: %v", err)
	}
	return s.workspaces.GetByPath(ctx, wd)
}

// toolError renders err with its kind so agents can tell retryable failures
// from bad input.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", errs.KindOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func detailsArg(request mcp.CallToolRequest) (map[string]any, error) {
	raw := request.GetString("details", "")
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errs.InvalidInput("details must be a JSON object: %v", err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// crew_report_completion
func (s *Server) reportCompletionTool() (mcp.Tool, server.ToolHandlerFunc) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Report that the task in this workspace is finished. If the branch has commits it is added to the merge queue."),
		mcp.WithString("summary", mcp.Required(), mcp.Description("What was done")),
		mcp.WithString("details", mcp.Description("Optional JSON object with extra details")),
	}, workspaceArgs()...)
	return mcp.NewTool("crew_report_completion", opts...), s.handleReportCompletion
}

func (s *Server) handleReportCompletion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := request.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: summary"), nil
	}
	details, err := detailsArg(request)
	if err != nil {
		return toolError(err), nil
	}
	ws, err := s.resolveWorkspace(ctx, request)
	if err != nil {
		return toolError(err), nil
	}

	res, err := s.reports.Completion(ctx, intake.Completion{WorkspaceID: ws.ID, Summary: summary, Details: details})
	if err != nil {
		return toolError(err), nil
	}

	out := map[string]any{"entryId": res.Entry.ID, "hasCommits": res.HasCommits, "queued": res.QueueEntry != nil}
	if res.QueueEntry != nil {
		out["queueEntryId"] = res.QueueEntry.ID
	}
	return jsonResult(out)
}

// crew_ask_question
func (s *Server) askQuestionTool() (mcp.Tool, server.ToolHandlerFunc) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Ask the operator a question. The answer is typed into this session when it arrives."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question")),
		mcp.WithString("context", mcp.Description("Background the operator needs to answer")),
		mcp.WithArray("options", mcp.Description("Suggested answers"), mcp.WithStringItems()),
	}, workspaceArgs()...)
	return mcp.NewTool("crew_ask_question", opts...), s.handleAskQuestion
}

func (s *Server) handleAskQuestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: question"), nil
	}
	ws, err := s.resolveWorkspace(ctx, request)
	if err != nil {
		return toolError(err), nil
	}

	res, err := s.reports.Question(ctx, intake.Question{
		WorkspaceID: ws.ID,
		Question:    question,
		Context:     request.GetString("context", ""),
		Options:     request.GetStringSlice("options", nil),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"questionId": res.QuestionID, "entryId": res.Entry.ID})
}

// crew_report_progress
func (s *Server) reportProgressTool() (mcp.Tool, server.ToolHandlerFunc) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Report progress on the current task."),
		mcp.WithString("status", mcp.Required(), mcp.Description("Short status line")),
		mcp.WithNumber("percent_complete", mcp.Description("0-100"), mcp.Min(0), mcp.Max(100)),
		mcp.WithString("current_step", mcp.Description("What is being worked on now")),
		mcp.WithString("details", mcp.Description("Optional JSON object with extra details")),
	}, workspaceArgs()...)
	return mcp.NewTool("crew_report_progress", opts...), s.handleReportProgress
}

func (s *Server) handleReportProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}
	details, err := detailsArg(request)
	if err != nil {
		return toolError(err), nil
	}
	ws, err := s.resolveWorkspace(ctx, request)
	if err != nil {
		return toolError(err), nil
	}

	var pct *int
	if v := request.GetFloat("percent_complete", -1); v >= 0 {
		p := min(int(v), 100)
		pct = &p
	}

	e, err := s.reports.Progress(ctx, intake.Progress{
		WorkspaceID:     ws.ID,
		Status:          status,
		PercentComplete: pct,
		CurrentStep:     request.GetString("current_step", ""),
		Details:         details,
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"entryId": e.ID})
}

// crew_report_error
func (s *Server) reportErrorTool() (mcp.Tool, server.ToolHandlerFunc) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Report an error. Use severity blocker when you cannot continue without help."),
		mcp.WithString("error", mcp.Required(), mcp.Description("What went wrong")),
		mcp.WithString("severity", mcp.Description("warning, error (default) or blocker"), mcp.Enum("warning", "error", "blocker")),
		mcp.WithString("context", mcp.Description("Where it happened")),
		mcp.WithString("suggested_action", mcp.Description("What would unblock you")),
	}, workspaceArgs()...)
	return mcp.NewTool("crew_report_error", opts...), s.handleReportError
}

func (s *Server) handleReportError(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := request.RequireString("error")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: error"), nil
	}
	ws, err := s.resolveWorkspace(ctx, request)
	if err != nil {
		return toolError(err), nil
	}

	e, err := s.reports.Error(ctx, intake.ErrorReport{
		WorkspaceID:     ws.ID,
		Error:           msg,
		Severity:        request.GetString("severity", ""),
		Context:         request.GetString("context", ""),
		SuggestedAction: request.GetString("suggested_action", ""),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"entryId": e.ID})
}

// crew_merge_queue
func (s *Server) mergeQueueTool() (mcp.Tool, server.ToolHandlerFunc) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Show the merge queue for this workspace's project and this workspace's position in it."),
		mcp.WithBoolean("include_history", mcp.Description("Include entries that were already popped, merged or superseded")),
	}, workspaceArgs()...)
	return mcp.NewTool("crew_merge_queue", opts...), s.handleMergeQueue
}

// queueOut.Position is 1-based; 0 means the workspace is not waiting.
type queueOut struct {
	Position int                  `json:"position"`
	Entries  []*models.QueueEntry `json:"entries"`
}

func (s *Server) handleMergeQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws, err := s.resolveWorkspace(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	all, err := s.queue.List(ctx, ws.ProjectID)
	if err != nil {
		return toolError(err), nil
	}

	history := request.GetBool("include_history", false)
	out := queueOut{Entries: []*models.QueueEntry{}}
	pending := 0
	for _, e := range all {
		if e.Pending() {
			pending++
			if e.WorkspaceID == ws.ID {
				out.Position = pending
			}
		} else if !history {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	return jsonResult(out)
}
