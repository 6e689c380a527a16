package cmd

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
)

var (
	queueProject string
	queueAll     bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the merge queue",
	Long: `Finished workspaces with commits wait in a per-project merge queue.
Pop the next entry, merge its branch, then mark it merged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List waiting entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queuePopCmd = &cobra.Command{
	Use:   "pop",
	Short: "Take the oldest waiting entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queuePopRun(cmd.Context())
	},
}

var queueMergedCmd = &cobra.Command{
	Use:   "merged <workspace>",
	Short: "Record that a workspace's branch was merged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueMergedRun(cmd.Context(), args[0])
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:     "remove <workspace>",
	Aliases: []string{"rm"},
	Short:   "Drop a workspace's waiting entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRemoveRun(cmd.Context(), args[0])
	},
}

func init() {
	queueCmd.PersistentFlags().StringVarP(&queueProject, "project", "p", "", "Project name, id or path (default: current directory)")
	queueListCmd.Flags().BoolVarP(&queueAll, "all", "a", false, "Include popped, merged and superseded entries")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePopCmd)
	queueCmd.AddCommand(queueMergedCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueState(e *models.QueueEntry) string {
	switch {
	case e.MergedAt != nil:
		return output.Cyan("merged")
	case e.Superseded:
		return output.Red("superseded")
	case e.PoppedAt != nil:
		return output.Yellow("popped")
	default:
		return output.Green("waiting")
	}
}

func queueListRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, queueProject)
	if err != nil {
		return err
	}

	var entries []*models.QueueEntry
	if queueAll {
		entries, err = sv.queue.List(ctx, p.ID)
	} else {
		entries, err = sv.queue.Pending(ctx, p.ID)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("Merge queue for %s is empty", output.Cyan(p.Name))
		return nil
	}

	table := ui.Table([]string{"#", "Branch", "State", "Completed", "Summary"})
	for i, e := range entries {
		table.Append([]string{
			strconv.Itoa(i + 1),
			output.Cyan(e.Branch),
			queueState(e),
			output.Ago(e.CompletedAt),
			output.Cell(e.Summary, 60),
		})
	}
	return table.Render()
}

func queuePopRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, queueProject)
	if err != nil {
		return err
	}

	if dryRun {
		e, err := sv.queue.Peek(ctx, p.ID)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would pop %s", e.Branch)
		return nil
	}

	e, err := sv.queue.Pop(ctx, p.ID)
	if err != nil {
		return err
	}
	ui.Success("Next to merge: %s", output.Cyan(e.Branch))
	if e.Summary != "" {
		ui.Info("%s", e.Summary)
	}
	ui.VerboseLog("Workspace: %s", e.WorkspaceID)
	return nil
}

func queueMergedRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, queueProject, ref)
	if err != nil {
		return err
	}
	if _, err := sv.queue.MarkMerged(ctx, w.ProjectID, w.ID); err != nil {
		return err
	}
	ui.Success("Marked %s merged", output.Cyan(w.Branch))
	return nil
}

func queueRemoveRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, queueProject, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove %s from the merge queue", w.Branch)
		return nil
	}
	if err := sv.queue.Remove(ctx, w.ProjectID, w.ID); err != nil {
		return err
	}
	ui.Success("Removed %s from the merge queue", output.Cyan(w.Branch))
	return nil
}
