package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/store"
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Generate embeddings for indexed entities",
	Long: `Walk the indexed entities and generate vector embeddings for any whose
content changed since the last run. Requires embeddings to be enabled
in config and a reachable provider; entities the provider fails on get
deterministic fallback vectors.

Examples:
  ckg embed
  ckg embed --kind symbol --path src/auth`,
	RunE: runEmbed,
}

var (
	embedKind string
	embedPath string
)

func init() {
	rootCmd.AddCommand(embedCmd)
	embedCmd.Flags().StringVar(&embedKind, "kind", "", "Restrict to one entity kind")
	embedCmd.Flags().StringVar(&embedPath, "path", "", "Restrict to a path prefix")
}

func runEmbed(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		if eng.embed == nil {
			return fmt.Errorf("%w: embeddings.enabled is false", errNotFound)
		}

		filter := store.EntityFilter{
			Kind:       graph.EntityKind(embedKind),
			PathPrefix: embedPath,
			Limit:      500,
		}
		if embedKind != "" && !graph.ValidKind(filter.Kind) {
			return fmt.Errorf("unknown entity kind %q", embedKind)
		}

		var (
			embedded int
			fallback int
			failed   int
		)
		for offset := 0; ; offset += filter.Limit {
			filter.Offset = offset
			page, err := eng.entities.List(ctx, filter)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}
			res, err := eng.embed.BatchEmbed(ctx, page, embeddings.BatchOptions{
				BatchSize: eng.cfg.Embeddings.BatchSize,
			})
			if err != nil {
				return err
			}
			embedded += res.Embedded
			fallback += res.Fallback
			failed += len(res.Failures)
			if len(page) < filter.Limit {
				break
			}
		}

		fmt.Printf("Embedded %d entities (%d fallback, %d failed)\n",
			embedded, fallback, failed)
		if failed > 0 {
			return fmt.Errorf("%w: %d entities failed to embed", errPartial, failed)
		}
		return nil
	})
}
