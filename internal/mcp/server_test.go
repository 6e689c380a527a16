package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/models"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type mockReporter struct {
	completions []intake.Completion
	questions   []intake.Question
	progress    []intake.Progress
	errors      []intake.ErrorReport

	queued bool
	err    error
}

func (m *mockReporter) Completion(_ context.Context, r intake.Completion) (*intake.CompletionResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.completions = append(m.completions, r)
	res := &intake.CompletionResult{Entry: &models.ActivityEntry{ID: "e1"}, HasCommits: m.queued}
	if m.queued {
		res.QueueEntry = &models.QueueEntry{ID: "q1", WorkspaceID: r.WorkspaceID}
	}
	return res, nil
}

func (m *mockReporter) Question(_ context.Context, r intake.Question) (*intake.QuestionResult, error) {
	m.questions = append(m.questions, r)
	return &intake.QuestionResult{QuestionID: "qid", Entry: &models.ActivityEntry{ID: "e2"}}, nil
}

func (m *mockReporter) Progress(_ context.Context, r intake.Progress) (*models.ActivityEntry, error) {
	m.progress = append(m.progress, r)
	return &models.ActivityEntry{ID: "e3"}, nil
}

func (m *mockReporter) Error(_ context.Context, r intake.ErrorReport) (*models.ActivityEntry, error) {
	if _, ok := models.ParseSeverity(r.Severity); !ok {
		return nil, errs.InvalidInput("bad severity")
	}
	m.errors = append(m.errors, r)
	return &models.ActivityEntry{ID: "e4"}, nil
}

type mockWorkspaces struct {
	byID   map[string]*models.Workspace
	byPath map[string]*models.Workspace
}

func (m *mockWorkspaces) Get(_ context.Context, id string) (*models.Workspace, error) {
	if w, ok := m.byID[id]; ok {
		return w, nil
	}
	return nil, errs.NotFound("workspace %s", id)
}

func (m *mockWorkspaces) GetByPath(_ context.Context, path string) (*models.Workspace, error) {
	for prefix, w := range m.byPath {
		if strings.HasPrefix(path, prefix) {
			return w, nil
		}
	}
	return nil, errs.NotFound("no workspace at %s", path)
}

type mockQueue struct {
	entries []*models.QueueEntry
}

func (m *mockQueue) List(_ context.Context, _ string) ([]*models.QueueEntry, error) {
	return m.entries, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testServer struct {
	*Server
	reports *mockReporter
	queue   *mockQueue
	env     map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ws := &models.Workspace{ID: "w1", ProjectID: "p1", Path: "/repos/demo-wt/feature-a", Branch: "feature/a"}
	other := &models.Workspace{ID: "w2", ProjectID: "p1", Path: "/repos/demo-wt/feature-b", Branch: "feature/b"}
	workspaces := &mockWorkspaces{
		byID:   map[string]*models.Workspace{"w1": ws, "w2": other},
		byPath: map[string]*models.Workspace{ws.Path: ws, other.Path: other},
	}

	ts := &testServer{reports: &mockReporter{}, queue: &mockQueue{}, env: map[string]string{}}
	ts.Server = NewServer(ts.reports, workspaces, ts.queue)
	ts.getenv = func(k string) string { return ts.env[k] }
	ts.getwd = func() (string, error) { return "/elsewhere", nil }
	return ts
}

func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests: workspace resolution
// ---------------------------------------------------------------------------

func TestResolveWorkspace(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ws, err := srv.resolveWorkspace(ctx, callToolReq("x", map[string]any{"workspace_id": "w2"}))
	require.NoError(t, err)
	assert.Equal(t, "w2", ws.ID)

	ws, err = srv.resolveWorkspace(ctx, callToolReq("x", map[string]any{"workspace_path": "/repos/demo-wt/feature-a/internal/x"}))
	require.NoError(t, err)
	assert.Equal(t, "w1", ws.ID)

	srv.env[EnvWorkspaceID] = "w2"
	ws, err = srv.resolveWorkspace(ctx, callToolReq("x", nil))
	require.NoError(t, err)
	assert.Equal(t, "w2", ws.ID)

	delete(srv.env, EnvWorkspaceID)
	_, err = srv.resolveWorkspace(ctx, callToolReq("x", nil))
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	srv.getwd = func() (string, error) { return "/repos/demo-wt/feature-b", nil }
	ws, err = srv.resolveWorkspace(ctx, callToolReq("x", nil))
	require.NoError(t, err)
	assert.Equal(t, "w2", ws.ID)
}

// ---------------------------------------------------------------------------
// Tests: crew_report_completion
// ---------------------------------------------------------------------------

func TestHandleReportCompletion(t *testing.T) {
	srv := newTestServer(t)
	srv.reports.queued = true

	result, err := srv.handleReportCompletion(context.Background(), callToolReq("crew_report_completion", map[string]any{
		"workspace_id": "w1",
		"summary":      "added the parser",
		"details":      `{"files": 3}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, true, out["queued"])
	assert.Equal(t, "q1", out["queueEntryId"])

	require.Len(t, srv.reports.completions, 1)
	assert.Equal(t, "w1", srv.reports.completions[0].WorkspaceID)
	assert.EqualValues(t, 3, srv.reports.completions[0].Details["files"])
}

func TestHandleReportCompletion_MissingSummary(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleReportCompletion(context.Background(), callToolReq("crew_report_completion", map[string]any{"workspace_id": "w1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, srv.reports.completions)
}

func TestHandleReportCompletion_BadDetails(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleReportCompletion(context.Background(), callToolReq("crew_report_completion", map[string]any{
		"workspace_id": "w1", "summary": "x", "details": "not json",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "invalid_input:"))
}

func TestHandleReportCompletion_UnknownWorkspace(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleReportCompletion(context.Background(), callToolReq("crew_report_completion", map[string]any{
		"workspace_id": "nope", "summary": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "not_found:"))
}

func TestHandleReportCompletion_IntakeError(t *testing.T) {
	srv := newTestServer(t)
	srv.reports.err = errs.DirtyState("uncommitted changes")
	result, err := srv.handleReportCompletion(context.Background(), callToolReq("crew_report_completion", map[string]any{
		"workspace_id": "w1", "summary": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "uncommitted changes")
}

// ---------------------------------------------------------------------------
// Tests: crew_ask_question, crew_report_progress, crew_report_error
// ---------------------------------------------------------------------------

func TestHandleAskQuestion(t *testing.T) {
	srv := newTestServer(t)
	srv.env[EnvWorkspaceID] = "w1"

	result, err := srv.handleAskQuestion(context.Background(), callToolReq("crew_ask_question", map[string]any{
		"question": "sqlite or postgres?",
		"options":  []any{"sqlite", "postgres"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out map[string]string
	resultJSON(t, result, &out)
	assert.Equal(t, "qid", out["questionId"])

	require.Len(t, srv.reports.questions, 1)
	assert.Equal(t, []string{"sqlite", "postgres"}, srv.reports.questions[0].Options)
}

func TestHandleReportProgress(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.handleReportProgress(context.Background(), callToolReq("crew_report_progress", map[string]any{
		"workspace_id":     "w1",
		"status":           "writing tests",
		"percent_complete": float64(140),
		"current_step":     "queue",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	require.Len(t, srv.reports.progress, 1)
	p := srv.reports.progress[0]
	require.NotNil(t, p.PercentComplete)
	assert.Equal(t, 100, *p.PercentComplete)
	assert.Equal(t, "queue", p.CurrentStep)
}

func TestHandleReportProgress_NoPercent(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.handleReportProgress(context.Background(), callToolReq("crew_report_progress", map[string]any{
		"workspace_id": "w1", "status": "thinking",
	}))
	require.NoError(t, err)
	require.Len(t, srv.reports.progress, 1)
	assert.Nil(t, srv.reports.progress[0].PercentComplete)
}

func TestHandleReportError(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.handleReportError(context.Background(), callToolReq("crew_report_error", map[string]any{
		"workspace_id":     "w1",
		"error":            "missing credentials",
		"severity":         "blocker",
		"suggested_action": "export API_TOKEN",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	require.Len(t, srv.reports.errors, 1)
	assert.Equal(t, "blocker", srv.reports.errors[0].Severity)

	result, err = srv.handleReportError(context.Background(), callToolReq("crew_report_error", map[string]any{
		"workspace_id": "w1", "error": "x", "severity": "catastrophic",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests: crew_merge_queue
// ---------------------------------------------------------------------------

func TestHandleMergeQueue(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now()
	srv.queue.entries = []*models.QueueEntry{
		{ID: "a", WorkspaceID: "w0", MergedAt: &now},
		{ID: "b", WorkspaceID: "w2"},
		{ID: "c", WorkspaceID: "w1"},
	}

	result, err := srv.handleMergeQueue(context.Background(), callToolReq("crew_merge_queue", map[string]any{"workspace_id": "w1"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out queueOut
	resultJSON(t, result, &out)
	assert.Equal(t, 2, out.Position)
	assert.Len(t, out.Entries, 2)

	result, err = srv.handleMergeQueue(context.Background(), callToolReq("crew_merge_queue", map[string]any{
		"workspace_id": "w1", "include_history": true,
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	assert.Len(t, out.Entries, 3)
}

func TestHandleMergeQueue_NotQueued(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleMergeQueue(context.Background(), callToolReq("crew_merge_queue", map[string]any{"workspace_id": "w1"}))
	require.NoError(t, err)

	var out queueOut
	resultJSON(t, result, &out)
	assert.Zero(t, out.Position)
	assert.Empty(t, out.Entries)
}

// ---------------------------------------------------------------------------
// Tests: Integration -- verify all tools are registered via HandleMessage
// ---------------------------------------------------------------------------

func TestMCPIntegration_ListTools(t *testing.T) {
	srv := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv)

	ctx := context.Background()
	respMsg := mcpSrv.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	toolNames := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{
		"crew_report_completion",
		"crew_ask_question",
		"crew_report_progress",
		"crew_report_error",
		"crew_merge_queue",
	} {
		assert.True(t, toolNames[name], "expected tool %q to be registered", name)
	}
}

func TestMCPIntegration_CallTool(t *testing.T) {
	srv := newTestServer(t)
	mcpSrv := srv.MCPServer()

	msg := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"crew_report_progress","arguments":{"workspace_id":"w1","status":"halfway","percent_complete":50}}}`
	respMsg := mcpSrv.HandleMessage(context.Background(), []byte(msg))
	require.NotNil(t, respMsg)

	require.Len(t, srv.reports.progress, 1)
	assert.Equal(t, 50, *srv.reports.progress[0].PercentComplete)
}

// Compile-time interface checks.
var (
	_ Reporter   = (*intake.Intake)(nil)
	_ Reporter   = (*mockReporter)(nil)
	_ Workspaces = (*mockWorkspaces)(nil)
)
