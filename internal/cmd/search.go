package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search entities by name, meaning, or both",
	Long: `Search the graph for entities. Structural search matches names and
paths; semantic search ranks by embedding similarity; hybrid merges
both with exact matches boosted.

Examples:
  ckg search AuthService
  ckg search "token refresh" --mode semantic --limit 5
  ckg search handler --kind symbol --fuzzy --related`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var (
	searchMode    string
	searchLimit   int
	searchKinds   []string
	searchFuzzy   bool
	searchRelated bool
)

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVar(&searchMode, "mode", "structural", "Search mode (structural|semantic|hybrid)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results")
	searchCmd.Flags().StringSliceVar(&searchKinds, "kind", nil, "Restrict to entity kinds (file|symbol|module|change)")
	searchCmd.Flags().BoolVar(&searchFuzzy, "fuzzy", false, "Tolerate approximate name matches")
	searchCmd.Flags().BoolVar(&searchRelated, "related", false, "Include directly related entities")
}

func runSearch(cmd *cobra.Command, args []string) error {
	mode := search.SearchType(searchMode)
	switch mode {
	case search.Structural, search.Semantic, search.Hybrid:
	default:
		return fmt.Errorf("unknown search mode %q", searchMode)
	}
	var kinds []graph.EntityKind
	for _, k := range searchKinds {
		kind := graph.EntityKind(k)
		if !graph.ValidKind(kind) {
			return fmt.Errorf("unknown entity kind %q", k)
		}
		kinds = append(kinds, kind)
	}

	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		results, err := eng.search.Search(ctx, search.Request{
			Query:          args[0],
			EntityTypes:    kinds,
			SearchType:     mode,
			Fuzzy:          searchFuzzy,
			IncludeRelated: searchRelated,
			Limit:          searchLimit,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("%w: no entities match %q", errNotFound, args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"query":   args[0],
			"mode":    mode,
			"count":   len(results),
			"results": results,
		})
	})
}
