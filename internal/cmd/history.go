package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/temporal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect temporal edge and change-set history",
	Long: `Query the graph's history layer: the validity timeline of one
canonical edge, everything a change set touched, or the graph as it
stood at a past instant.

Examples:
  ckg history --edge "sym:a.ts#f|CALLS|sym:b.ts#g"
  ckg history --session 7f3a...
  ckg history --entity sym:src/auth.ts#login --at 2026-08-01T00:00:00Z`,
	RunE: runHistory,
}

var (
	historyEdge    string
	historySession string
	historyEntity  string
	historyAt      string
	historySince   string
	historyDepth   int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyEdge, "edge", "", "Canonical edge id to show the interval timeline for")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Change-set id to show the impact of")
	historyCmd.Flags().StringVar(&historyEntity, "entity", "", "Entity id for a time-travel traversal")
	historyCmd.Flags().StringVar(&historyAt, "at", "", "Instant (RFC3339) for the traversal; default now")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Lower bound (RFC3339) for timelines")
	historyCmd.Flags().IntVar(&historyDepth, "depth", 2, "Traversal depth for --entity")
}

func runHistory(cmd *cobra.Command, args []string) error {
	set := 0
	for _, f := range []string{historyEdge, historySession, historyEntity} {
		if f != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of --edge, --session, or --entity is required")
	}

	var rng temporal.Range
	if historySince != "" {
		from, err := time.Parse(time.RFC3339, historySince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
		rng.From = from
	}

	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		var payload any
		switch {
		case historyEdge != "":
			timeline, err := eng.history.GetRelationshipTimeline(ctx, historyEdge, rng)
			if err != nil {
				return err
			}
			if len(timeline.Intervals) == 0 {
				return fmt.Errorf("%w: no history for edge %q", errNotFound, historyEdge)
			}
			payload = timeline

		case historySession != "":
			impact, err := eng.history.GetSessionImpacts(ctx, historySession)
			if err != nil {
				return err
			}
			if len(impact.EntityIDs) == 0 && impact.EdgesOpened == 0 && impact.EdgesClosed == 0 {
				return fmt.Errorf("%w: change set %q touched nothing", errNotFound, historySession)
			}
			payload = impact

		default:
			until := time.Now()
			if historyAt != "" {
				at, err := time.Parse(time.RFC3339, historyAt)
				if err != nil {
					return fmt.Errorf("parsing --at: %w", err)
				}
				until = at
			}
			nodes, err := eng.history.TimeTravelTraversal(ctx, temporal.TraversalRequest{
				StartID:  historyEntity,
				Until:    until,
				MaxDepth: historyDepth,
			})
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				return fmt.Errorf("%w: entity %q not reachable at %s",
					errNotFound, historyEntity, until.Format(time.RFC3339))
			}
			payload = map[string]any{"at": until, "nodes": nodes}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	})
}
