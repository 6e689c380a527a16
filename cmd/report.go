package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/intake"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
)

var (
	reportWorkspace string
	reportDetails   string
	reportContext   string
	reportOptions   []string
	reportPercent   int
	reportStep      string
	reportSeverity  string
	reportAction    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send an agent report for a workspace",
	Long: `Send the same reports agents send through the MCP tools. The workspace
defaults to $CREW_WORKSPACE_ID, then to the current directory.`,
}

var reportCompletionCmd = &cobra.Command{
	Use:   "completion <summary>",
	Short: "Report the task finished; queues the branch if it has commits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportCompletionRun(cmd.Context(), args[0])
	},
}

var reportQuestionCmd = &cobra.Command{
	Use:   "question <question>",
	Short: "Ask the operator a question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportQuestionRun(cmd.Context(), args[0])
	},
}

var reportProgressCmd = &cobra.Command{
	Use:   "progress <status>",
	Short: "Report progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportProgressRun(cmd.Context(), cmd, args[0])
	},
}

var reportErrorCmd = &cobra.Command{
	Use:   "error <message>",
	Short: "Report an error; use --severity blocker when stuck",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportErrorRun(cmd.Context(), args[0])
	},
}

var reportAnswerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer>",
	Short: "Answer an agent's question",
	Long: `Answer an agent's question. With a running server the answer is also
typed into the workspace's live agent session.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportAnswerRun(cmd.Context(), args[0], args[1])
	},
}

func init() {
	reportCmd.PersistentFlags().StringVarP(&reportWorkspace, "workspace", "w", "", "Workspace id, branch or path")

	reportCompletionCmd.Flags().StringVar(&reportDetails, "details", "", "Extra details as a JSON object")
	reportQuestionCmd.Flags().StringVar(&reportContext, "context", "", "Background for the question")
	reportQuestionCmd.Flags().StringSliceVar(&reportOptions, "option", nil, "Suggested answer (repeatable)")
	reportProgressCmd.Flags().IntVar(&reportPercent, "percent", 0, "Percent complete (0-100)")
	reportProgressCmd.Flags().StringVar(&reportStep, "step", "", "Current step")
	reportErrorCmd.Flags().StringVar(&reportSeverity, "severity", "error", "warning, error or blocker")
	reportErrorCmd.Flags().StringVar(&reportContext, "context", "", "Where it happened")
	reportErrorCmd.Flags().StringVar(&reportAction, "suggest", "", "Suggested action")

	reportCmd.AddCommand(reportCompletionCmd)
	reportCmd.AddCommand(reportQuestionCmd)
	reportCmd.AddCommand(reportProgressCmd)
	reportCmd.AddCommand(reportErrorCmd)
	reportCmd.AddCommand(reportAnswerCmd)
	rootCmd.AddCommand(reportCmd)
}

// reportTarget resolves the workspace a report is about.
func reportTarget(ctx context.Context, sv *services) (*models.Workspace, error) {
	ref := reportWorkspace
	if ref == "" {
		ref = envWorkspaceID()
	}
	return sv.resolveWorkspace(ctx, "", ref)
}

func reportCompletionRun(ctx context.Context, summary string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := reportTarget(ctx, sv)
	if err != nil {
		return err
	}
	var details map[string]any
	if reportDetails != "" {
		if err := json.Unmarshal([]byte(reportDetails), &details); err != nil {
			return fmt.Errorf("--details must be a JSON object: %w", err)
		}
	}

	res, err := sv.intake.Completion(ctx, intake.Completion{WorkspaceID: w.ID, Summary: summary, Details: details})
	if err != nil {
		return err
	}
	if res.QueueEntry != nil {
		ui.Success("Completed %s; queued for merge", output.Cyan(w.Branch))
	} else {
		ui.Success("Completed %s; no commits, not queued", output.Cyan(w.Branch))
	}
	return nil
}

func reportQuestionRun(ctx context.Context, question string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := reportTarget(ctx, sv)
	if err != nil {
		return err
	}
	res, err := sv.intake.Question(ctx, intake.Question{
		WorkspaceID: w.ID,
		Question:    question,
		Context:     reportContext,
		Options:     reportOptions,
	})
	if err != nil {
		return err
	}
	ui.Success("Question recorded: %s", res.QuestionID)
	return nil
}

func reportProgressRun(ctx context.Context, cmd *cobra.Command, status string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := reportTarget(ctx, sv)
	if err != nil {
		return err
	}
	var pct *int
	if cmd != nil && cmd.Flags().Changed("percent") {
		p := min(max(reportPercent, 0), 100)
		pct = &p
	}
	if _, err := sv.intake.Progress(ctx, intake.Progress{
		WorkspaceID:     w.ID,
		Status:          status,
		PercentComplete: pct,
		CurrentStep:     reportStep,
	}); err != nil {
		return err
	}
	ui.Success("Progress recorded for %s", output.Cyan(w.Branch))
	return nil
}

func reportErrorRun(ctx context.Context, msg string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := reportTarget(ctx, sv)
	if err != nil {
		return err
	}
	if _, err := sv.intake.Error(ctx, intake.ErrorReport{
		WorkspaceID:     w.ID,
		Error:           msg,
		Severity:        reportSeverity,
		Context:         reportContext,
		SuggestedAction: reportAction,
	}); err != nil {
		return err
	}
	ui.Success("Error recorded for %s", output.Cyan(w.Branch))
	return nil
}

func reportAnswerRun(ctx context.Context, questionID, answer string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := reportTarget(ctx, sv)
	if err != nil {
		return err
	}

	if info, running := pidFile().IsRunning(); running {
		if err := postAnswer(ctx, info.URL(), w.ID, questionID, answer); err != nil {
			return err
		}
		ui.Success("Answer sent to %s", output.Cyan(w.Branch))
		return nil
	}

	if _, err := sv.intake.Answer(ctx, w.ID, questionID, answer); err != nil {
		return err
	}
	ui.Success("Answer recorded for %s", output.Cyan(w.Branch))
	ui.Warning("No server running; the agent session was not notified")
	return nil
}

// postAnswer delivers an answer through the running server so it reaches the
// live agent session.
func postAnswer(ctx context.Context, baseURL, workspaceID, questionID, answer string) error {
	body, err := json.Marshal(map[string]string{"questionId": questionID, "answer": answer})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/api/v1/workspaces/"+workspaceID+"/reports/answer", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("send answer: %s: %s", resp.Status, e.Error)
	}
	return nil
}
