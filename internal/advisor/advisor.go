// Package advisor asks an LLM to turn a health assessment into a short,
// prioritized recommendation for the operator.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/crew/internal/models"
)

// Advisor produces operator advice for an assessment.
type Advisor interface {
	Advise(ctx context.Context, project string, a *models.Assessment) (*Advice, error)
}

// Advice is the parsed model response.
type Advice struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// String renders advice as a single line per recommendation.
func (a *Advice) String() string {
	var sb strings.Builder
	sb.WriteString(a.Summary)
	for i, r := range a.Recommendations {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, r)
	}
	return sb.String()
}

// Client wraps the Anthropic API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an advisor client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for one assessment.
func buildPrompt(project string, a *models.Assessment) (system string, user string) {
	system = `You advise an operator supervising several autonomous coding agents, each working in its own git worktree of one repository. Given a health assessment, return a JSON object with exactly two fields:

- "summary": one sentence describing the overall state
- "recommendations": an array of at most 3 short, concrete next steps for the operator, most urgent first

Rules:
- Blockers come first, then crashed or stalled sessions, then file conflicts, then merge reviews
- A rate-limited agent is waiting, not crashed; never recommend restarting it
- Refer to workspaces by branch or id exactly as given
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n", project)
	fmt.Fprintf(&sb, "Level: %s (score %d)\n", a.Level, a.Score)
	fmt.Fprintf(&sb, "Live workspaces: %d (%d with uncommitted changes)\n", a.LiveWorkspaces, a.DirtyWorkspaces)
	fmt.Fprintf(&sb, "Active sessions: %d\n", a.ActiveSessions)
	fmt.Fprintf(&sb, "Merge queue depth: %d\n", a.QueueDepth)
	fmt.Fprintf(&sb, "Open blockers: %d\n", a.OpenBlockers)
	fmt.Fprintf(&sb, "Conflicting files: %d\n", a.Conflicts)
	if len(a.Actions) > 0 {
		sb.WriteString("\nSuggested actions:\n")
		for _, act := range a.Actions {
			fmt.Fprintf(&sb, "- [p%d] %s", act.Priority, act.Kind)
			if act.WorkspaceID != "" {
				fmt.Fprintf(&sb, " workspace=%s", act.WorkspaceID)
			}
			if act.Path != "" {
				fmt.Fprintf(&sb, " path=%s", act.Path)
			}
			fmt.Fprintf(&sb, ": %s\n", act.Reason)
		}
	}
	user = sb.String()
	return
}

// Advise sends the assessment to the model and parses its advice.
func (c *Client) Advise(ctx context.Context, project string, a *models.Assessment) (*Advice, error) {
	systemPrompt, userPrompt := buildPrompt(project, a)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseAdvice(text)
}

func parseAdvice(text string) (*Advice, error) {
	text = stripFence(text)
	var advice Advice
	if err := json.Unmarshal([]byte(text), &advice); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if advice.Summary == "" && len(advice.Recommendations) == 0 {
		return nil, fmt.Errorf("empty advice in LLM response")
	}
	return &advice, nil
}

// stripFence removes markdown code fencing if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
