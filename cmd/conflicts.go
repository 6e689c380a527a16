package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/output"
)

var conflictsProject string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts [project]",
	Short: "Show files changed in more than one workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := conflictsProject
		if len(args) > 0 {
			ref = args[0]
		}
		return conflictsRun(cmd.Context(), ref)
	},
}

func init() {
	conflictsCmd.Flags().StringVarP(&conflictsProject, "project", "p", "", "Project name, id or path")
	rootCmd.AddCommand(conflictsCmd)
}

func conflictsRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, ref)
	if err != nil {
		return err
	}

	report, err := sv.conflicts.Detect(ctx, p.ID)
	if err != nil {
		return err
	}

	for _, s := range report.Skipped {
		ui.Warning("Skipped %s: %s", s.Branch, s.Error)
	}
	if len(report.Conflicts) == 0 {
		ui.Success("No overlapping changes in %s", output.Cyan(p.Name))
		return nil
	}

	table := ui.Table([]string{"File", "Workspaces"})
	for _, c := range report.Conflicts {
		branches := make([]string, len(c.Workspaces))
		for i, w := range c.Workspaces {
			branches[i] = w.Branch
		}
		table.Append([]string{output.Yellow(c.Path), strings.Join(branches, ", ")})
	}
	if err := table.Render(); err != nil {
		return err
	}
	if report.Partial {
		fmt.Fprintln(ui.Out)
		ui.Warning("Partial result: %d workspace(s) could not be read", len(report.Skipped))
	}
	return nil
}
