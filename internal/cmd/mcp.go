package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve graph tools to agents over MCP stdio",
	Long: `Run the MCP server on stdin/stdout, exposing search, similarity,
impact-analysis, and status tools backed by the graph. Intended to be
launched by an agent host, not interactively.

The server exits on its own after the configured inactivity timeout.

Examples:
  ckg mcp`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		srv, err := mcp.New(mcp.Config{
			Tools:   eng.cfg.MCP.Tools,
			Timeout: time.Duration(eng.cfg.MCP.TimeoutMinutes) * time.Minute,
		}, mcp.Deps{
			Exec:       eng.exec,
			Search:     eng.search,
			Embeddings: eng.embed,
		}, eng.logger)
		if err != nil {
			return err
		}
		return srv.ServeStdio()
	})
}
