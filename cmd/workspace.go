package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
	"github.com/joescharf/crew/internal/workspace"
)

var (
	wsProject   string
	wsNewBranch bool
	wsBase      string
	wsPlan      bool
	wsAll       bool
	wsForce     bool
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage agent workspaces (git worktrees)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun(cmd.Context())
	},
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <branch>",
	Short: "Create a worktree for a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceCreateRun(cmd.Context(), args[0])
	},
}

var workspaceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List a project's workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun(cmd.Context())
	},
}

var workspaceStatusCmd = &cobra.Command{
	Use:   "status [workspace]",
	Short: "Refresh and show a workspace's git status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceStatusRun(cmd.Context(), argOr(args, 0))
	},
}

var workspaceArchiveCmd = &cobra.Command{
	Use:   "archive <workspace>",
	Short: "Mark a workspace done; the worktree stays on disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceArchiveRun(cmd.Context(), args[0])
	},
}

var workspaceDeleteCmd = &cobra.Command{
	Use:     "delete <workspace>",
	Aliases: []string{"rm"},
	Short:   "Remove a workspace and its worktree",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceDeleteRun(cmd.Context(), args[0])
	},
}

var workspaceLockCmd = &cobra.Command{
	Use:   "lock <workspace>",
	Short: "Protect a workspace from archive and delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceLockRun(cmd.Context(), args[0], true)
	},
}

var workspaceUnlockCmd = &cobra.Command{
	Use:   "unlock <workspace>",
	Short: "Remove a workspace lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceLockRun(cmd.Context(), args[0], false)
	},
}

var workspaceModeCmd = &cobra.Command{
	Use:       "mode <workspace> <normal|plan>",
	Short:     "Switch a workspace between normal and plan mode",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(models.WorkspaceModeNormal), string(models.WorkspaceModePlan)},
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceModeRun(cmd.Context(), args[0], models.WorkspaceMode(args[1]))
	},
}

func init() {
	workspaceCmd.PersistentFlags().StringVarP(&wsProject, "project", "p", "", "Project name, id or path (default: current directory)")

	workspaceCreateCmd.Flags().BoolVarP(&wsNewBranch, "new", "b", false, "Create the branch")
	workspaceCreateCmd.Flags().StringVar(&wsBase, "base", "", "Base for a new branch (default: the main branch)")
	workspaceCreateCmd.Flags().BoolVar(&wsPlan, "plan", false, "Start in plan mode")
	workspaceListCmd.Flags().BoolVarP(&wsAll, "all", "a", false, "Include archived workspaces")
	workspaceDeleteCmd.Flags().BoolVarP(&wsForce, "force", "f", false, "Delete even with uncommitted changes")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceStatusCmd)
	workspaceCmd.AddCommand(workspaceArchiveCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceLockCmd)
	workspaceCmd.AddCommand(workspaceUnlockCmd)
	workspaceCmd.AddCommand(workspaceModeCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func workspaceCreateRun(ctx context.Context, branch string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, wsProject)
	if err != nil {
		return err
	}

	mode := models.WorkspaceModeNormal
	if wsPlan {
		mode = models.WorkspaceModePlan
	}

	if dryRun {
		ui.DryRunMsg("Would create workspace %s in %s", branch, p.Name)
		return nil
	}

	w, err := sv.workspaces.Create(ctx, p.ID, branch, workspace.CreateOptions{
		NewBranch:  wsNewBranch,
		BaseBranch: wsBase,
		Mode:       mode,
	})
	if err != nil {
		return err
	}
	ui.Success("Created workspace %s at %s", output.Cyan(w.Branch), w.Path)
	ui.VerboseLog("ID: %s", w.ID)
	return nil
}

func workspaceListRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, wsProject)
	if err != nil {
		return err
	}
	return printWorkspaces(ctx, sv, p.ID, wsAll)
}

func printWorkspaces(ctx context.Context, sv *services, projectID string, archived bool) error {
	list, err := sv.workspaces.List(ctx, projectID, archived)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No workspaces. Use 'crew workspace create <branch>' to add one.")
		return nil
	}

	table := ui.Table([]string{"Branch", "State", "Mode", "Ahead", "Changes", "Checked", "Path"})
	for _, w := range list {
		checked := "-"
		if w.Status.CheckedAt != nil {
			checked = output.Ago(*w.Status.CheckedAt)
		}
		table.Append([]string{
			output.Cyan(output.Cell(w.Branch, 40)),
			output.WorkspaceState(w),
			string(w.Mode),
			strconv.Itoa(w.Status.Ahead),
			output.Dirty(w.Status.Modified + w.Status.Staged + w.Status.Untracked + w.Status.Conflicted),
			checked,
			w.Path,
		})
	}
	return table.Render()
}

func workspaceStatusRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, wsProject, ref)
	if err != nil {
		return err
	}
	snap, files, err := sv.workspaces.Refresh(ctx, w.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(w.Branch), output.WorkspaceState(w))
	fmt.Fprintf(ui.Out, "  Path:       %s\n", w.Path)
	if snap.Upstream != "" {
		fmt.Fprintf(ui.Out, "  Upstream:   %s\n", snap.Upstream)
	}
	fmt.Fprintf(ui.Out, "  Ahead:      %d\n", snap.Ahead)
	fmt.Fprintf(ui.Out, "  Behind:     %d\n", snap.Behind)
	fmt.Fprintf(ui.Out, "  Staged:     %d\n", snap.Staged)
	fmt.Fprintf(ui.Out, "  Modified:   %d\n", snap.Modified)
	fmt.Fprintf(ui.Out, "  Untracked:  %d\n", snap.Untracked)
	if snap.Conflicted > 0 {
		fmt.Fprintf(ui.Out, "  Conflicted: %s\n", output.Red(strconv.Itoa(snap.Conflicted)))
	}
	if len(files) > 0 {
		fmt.Fprintln(ui.Out)
		for _, f := range files {
			fmt.Fprintf(ui.Out, "  %s\n", f)
		}
	}
	return nil
}

func workspaceArchiveRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, wsProject, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would archive workspace %s", w.Branch)
		return nil
	}
	if _, err := sv.workspaces.Archive(ctx, w.ID); err != nil {
		return err
	}
	ui.Success("Archived workspace %s", output.Cyan(w.Branch))
	return nil
}

func workspaceDeleteRun(ctx context.Context, ref string) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, wsProject, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete workspace %s and remove %s", w.Branch, w.Path)
		return nil
	}
	if err := sv.workspaces.Delete(ctx, w.ID, wsForce); err != nil {
		return err
	}
	ui.Success("Deleted workspace %s", output.Cyan(w.Branch))
	return nil
}

func workspaceLockRun(ctx context.Context, ref string, locked bool) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, wsProject, ref)
	if err != nil {
		return err
	}
	if _, err := sv.workspaces.SetLocked(ctx, w.ID, locked); err != nil {
		return err
	}
	if locked {
		ui.Success("Locked %s", output.Cyan(w.Branch))
	} else {
		ui.Success("Unlocked %s", output.Cyan(w.Branch))
	}
	return nil
}

func workspaceModeRun(ctx context.Context, ref string, mode models.WorkspaceMode) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	w, err := sv.resolveWorkspace(ctx, wsProject, ref)
	if err != nil {
		return err
	}
	if _, err := sv.workspaces.SetMode(ctx, w.ID, mode); err != nil {
		return err
	}
	ui.Success("%s is now in %s mode", output.Cyan(w.Branch), mode)
	return nil
}
