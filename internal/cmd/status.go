package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graph size and history metrics",
	Long: `Report entity and relationship counts, per-type edge breakdowns, and
temporal history metrics (active versus closed edges, checkpoints).

Examples:
  ckg status`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		entities, err := eng.entities.Count(ctx, store.EntityFilter{})
		if err != nil {
			return err
		}
		relStats, err := eng.rels.GetStats(ctx)
		if err != nil {
			return err
		}
		history, err := eng.history.GetHistoryMetrics(ctx)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"entities":      entities,
			"relationships": relStats,
			"history":       history,
		}
		if eng.embed != nil {
			if stats, err := eng.embed.GetStats(ctx); err == nil {
				payload["embeddings"] = stats
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	})
}
