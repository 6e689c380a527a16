package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
	"github.com/joescharf/crew/internal/store"
)

var (
	activityProject    string
	activityWorkspace  string
	activityTypes      []string
	activityCategories []string
	activitySince      time.Duration
	activityLimit      int
	activityFollow     bool
)

var activityCmd = &cobra.Command{
	Use:     "activity",
	Aliases: []string{"log"},
	Short:   "Show the project activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return activityRun(cmd.Context())
	},
}

var activityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every activity entry of a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return activityClearRun(cmd.Context())
	},
}

func init() {
	activityCmd.PersistentFlags().StringVarP(&activityProject, "project", "p", "", "Project name, id or path (default: current directory)")
	activityCmd.Flags().StringVarP(&activityWorkspace, "workspace", "w", "", "Only entries for this workspace (id or branch)")
	activityCmd.Flags().StringSliceVarP(&activityTypes, "type", "t", nil, "Entry types: action, event, decision, error, tick")
	activityCmd.Flags().StringSliceVarP(&activityCategories, "category", "c", nil, "Categories: worktree, agent, user, system, orchestrator")
	activityCmd.Flags().DurationVar(&activitySince, "since", 0, "Only entries newer than this (e.g. 1h)")
	activityCmd.Flags().IntVarP(&activityLimit, "limit", "l", 50, "Maximum entries to show")
	activityCmd.Flags().BoolVarP(&activityFollow, "follow", "f", false, "Stream new entries from the running server")

	activityCmd.AddCommand(activityClearCmd)
	rootCmd.AddCommand(activityCmd)
}

func activityRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, activityProject)
	if err != nil {
		return err
	}

	f := store.ActivityFilter{ProjectID: p.ID, Limit: activityLimit}
	if activityWorkspace != "" {
		w, err := sv.resolveWorkspace(ctx, p.ID, activityWorkspace)
		if err != nil {
			return err
		}
		f.WorkspaceID = w.ID
	}
	for _, t := range activityTypes {
		f.Types = append(f.Types, models.ActivityType(t))
	}
	for _, c := range activityCategories {
		f.Categories = append(f.Categories, models.ActivityCategory(c))
	}
	if activitySince > 0 {
		f.Since = time.Now().Add(-activitySince)
	}

	entries, err := sv.activity.Query(ctx, f)
	if err != nil {
		return err
	}
	// Newest first from the store; print oldest first like a log.
	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(entries[i])
	}

	if !activityFollow {
		if len(entries) == 0 {
			ui.Info("No activity")
		}
		return nil
	}
	return followActivity(ctx, p.ID, func(e *models.ActivityEntry) bool {
		return matchesFilter(e, f)
	})
}

func matchesFilter(e *models.ActivityEntry, f store.ActivityFilter) bool {
	if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if len(f.Categories) > 0 && !contains(f.Categories, e.Category) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func printEntry(e *models.ActivityEntry) {
	kind := string(e.Type)
	switch e.Type {
	case models.ActivityError:
		kind = output.Red(kind)
	case models.ActivityDecision:
		kind = output.Yellow(kind)
	case models.ActivityAction:
		kind = output.Green(kind)
	}
	fmt.Fprintf(ui.Out, "%s  %-8s %-12s %s\n",
		e.Timestamp.Local().Format("15:04:05"),
		kind,
		e.Category,
		e.Summary,
	)
	if verbose && len(e.Details) > 0 {
		pairs := make([]string, 0, len(e.Details))
		for k, v := range e.Details {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(pairs)
		ui.VerboseLog("%s", strings.Join(pairs, " "))
	}
}

// activityFrame is the subset of a server frame carrying an activity entry.
type activityFrame struct {
	Type  string                `json:"type"`
	Entry *models.ActivityEntry `json:"entry"`
}

// followActivity streams activity:entry frames from the running server.
func followActivity(ctx context.Context, projectID string, keep func(*models.ActivityEntry) bool) error {
	info, running := pidFile().IsRunning()
	if !running {
		return fmt.Errorf("crew server not running; start it with 'crew serve' to follow activity")
	}

	url := "ws://" + info.Addr + "/ws?projectId=" + projectID
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer c.CloseNow()
	ui.VerboseLog("Following %s", url)

	for {
		var f activityFrame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Type == "activity:entry" && f.Entry != nil && keep(f.Entry) {
			printEntry(f.Entry)
		}
	}
}

func activityClearRun(ctx context.Context) error {
	sv, err := newServices(nil)
	if err != nil {
		return err
	}
	p, err := sv.resolveProject(ctx, activityProject)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would clear the activity log of %s", p.Name)
		return nil
	}
	n, err := sv.activity.Clear(ctx, p.ID)
	if err != nil {
		return err
	}
	ui.Success("Deleted %d entries from %s", n, output.Cyan(p.Name))
	return nil
}
