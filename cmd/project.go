package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/output"
)

var (
	projectName       string
	projectMainBranch string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
	Long:  "Add, remove, list, and show the repositories crew orchestrates.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a repository and register its main workspace",
	Long:  "Add a git repository to crew. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(cmd.Context(), args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-path>",
	Aliases: []string{"rm"},
	Short:   "Stop tracking a project",
	Long:    "Remove a project and its workspace records. Worktrees on disk are left alone.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(cmd.Context(), args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun(cmd.Context())
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a project's workspaces and merge queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(cmd.Context(), argOr(args, 0))
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectMainBranch, "main-branch", "", "Main branch (default: workspace.main_branch)")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}

// argOr returns args[i] or "" when absent.
func argOr(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func projectAddRun(ctx context.Context, rawPath string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	name := projectName
	if name == "" {
		name = filepath.Base(absPath)
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (%s)", name, absPath)
		return nil
	}

	p, err := sv.workspaces.RegisterProject(ctx, name, absPath, projectMainBranch)
	if err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(p.Name), p.Path)
	ui.VerboseLog("Main branch: %s", p.MainBranch)
	return nil
}

func projectRemoveRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := sv.store.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}

	projects, err := sv.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		ui.Info("No projects tracked. Use 'crew project add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Main", "Workspaces", "Queued"})
	for _, p := range projects {
		live, _ := sv.workspaces.ListLive(ctx, p.ID)
		depth, _ := sv.queue.Depth(ctx, p.ID)
		table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			p.MainBranch,
			strconv.Itoa(len(live)),
			strconv.Itoa(depth),
		})
	}
	return table.Render()
}

func projectShowRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:         %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  Path:       %s\n", p.Path)
	fmt.Fprintf(ui.Out, "  Main:       %s\n", p.MainBranch)
	fmt.Fprintf(ui.Out, "  Added:      %s\n", output.Ago(p.CreatedAt))

	if pending, err := sv.queue.Pending(ctx, p.ID); err == nil && len(pending) > 0 {
		fmt.Fprintf(ui.Out, "  Queue:      %d waiting, next %s\n", len(pending), output.Green(pending[0].Branch))
	}
	fmt.Fprintln(ui.Out)

	return printWorkspaces(ctx, sv, p.ID, false)
}
