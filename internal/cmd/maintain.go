package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:     "compact",
	Aliases: []string{"compact-duplicates"},
	Short:   "Merge duplicate relationships",
	Long: `Find relationships that normalize to the same canonical identity and
merge them into one edge, combining evidence and occurrence counts.
Duplicates accumulate when edges were written before their targets
resolved.

Examples:
  ckg compact`,
	RunE: runCompact,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove history older than the retention window",
	Long: `Delete closed temporal edges and checkpoints whose validity ended
before the retention window. Active edges are never touched.

Examples:
  ckg prune                       # 90-day retention
  ckg prune --retention-days 30`,
	RunE: runPrune,
}

var pruneRetentionDays int

func init() {
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().IntVar(&pruneRetentionDays, "retention-days", 90, "History retention in days")
}

func runCompact(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		merged, err := eng.rels.MergeNormalizedDuplicates(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Merged %d duplicate relationships\n", merged)
		return nil
	})
}

func runPrune(cmd *cobra.Command, args []string) error {
	if pruneRetentionDays < 1 {
		return fmt.Errorf("retention must be at least one day, got %d", pruneRetentionDays)
	}
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		snap, err := eng.history.Prune(ctx, time.Duration(pruneRetentionDays)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d closed edges and %d checkpoints\n",
			snap.PrunedEdges, snap.PrunedCheckpoints)
		return nil
	})
}
