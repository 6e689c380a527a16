package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP stdio server agents report through",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents running in a crew workspace use it to report progress, ask questions,
flag errors and hand finished work to the merge queue. Register it with the
agent, for example:

  {
    "mcpServers": {
      "crew": { "command": "crew", "args": ["mcp"] }
    }
  }

Tools: crew_report_completion, crew_ask_question, crew_report_progress,
crew_report_error, crew_merge_queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol, so logs go to stderr only.
		sv, err := newServices(newLogger(os.Stderr))
		if err != nil {
			return err
		}
		return mcp.NewServer(sv.intake, sv.workspaces, sv.queue).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// envWorkspaceID is the workspace an agent session was launched in.
func envWorkspaceID() string {
	return os.Getenv(mcp.EnvWorkspaceID)
}
