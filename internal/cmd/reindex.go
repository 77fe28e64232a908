package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/ckg/internal/syncd"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Index the configured roots into the graph",
	Long: `Walk the configured scan roots, parse every supported source file, and
commit entities and relationships to the graph. Files whose content hash
matches the local index are skipped, so repeat runs only touch changes.

After the scan a reconciliation pass resolves deferred cross-file
references against the freshly indexed symbols.

Examples:
  ckg reindex            # Incremental (hash-skipped) scan
  ckg reindex --force    # Reprocess every file`,
	RunE: runReindex,
}

var reindexForce bool

func init() {
	rootCmd.AddCommand(reindexCmd)
	reindexCmd.Flags().BoolVar(&reindexForce, "force", false, "Ignore the file-hash index and reprocess everything")
}

func runReindex(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		stores, index, err := eng.syncStores()
		if err != nil {
			return err
		}
		defer index.Close()

		if reindexForce {
			if err := index.Clear(); err != nil {
				return fmt.Errorf("clearing file index: %w", err)
			}
		}

		root, err := eng.scanRoot()
		if err != nil {
			return err
		}
		resolver, err := syncd.NewResolver(eng.cfg.SyncCoordinatorConfig(root).ConflictStrategies)
		if err != nil {
			return err
		}
		pipeline := syncd.NewPipeline(root, stores, resolver, nil, eng.logger)
		filter := syncd.NewPathFilter(root)

		var paths []string
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return relErr
			}
			if d.IsDir() {
				if rel != "." && filter.SkipDir(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if filter.SkipFile(rel) {
				return nil
			}
			paths = append(paths, rel)
			return nil
		})
		if err != nil {
			return fmt.Errorf("walking %s: %w", root, err)
		}

		started := time.Now()
		var (
			mu       sync.Mutex
			written  int
			skipped  int
			failures int
		)
		work := make(chan string)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < eng.cfg.Sync.Workers; i++ {
			g.Go(func() error {
				for rel := range work {
					out, err := pipeline.Process(gctx, syncd.Event{
						Path:     rel,
						Op:       syncd.OpUpsert,
						Priority: syncd.ClassifyPath(rel),
					})
					mu.Lock()
					switch {
					case err != nil:
						failures++
						eng.logger.Warn("reindex file failed",
							zap.String("path", rel), zap.Error(err))
					case out.Skipped:
						skipped++
					default:
						written++
					}
					mu.Unlock()
				}
				return nil
			})
		}
		g.Go(func() error {
			defer close(work)
			for _, rel := range paths {
				select {
				case work <- rel:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		res, err := syncd.NewReconciler(stores, eng.logger).Run(ctx, 0, "")
		if err != nil {
			eng.logger.Warn("reconciliation failed", zap.Error(err))
		}

		fmt.Printf("Indexed %d files (%d unchanged, %d failed) in %s\n",
			written, skipped, failures, time.Since(started).Round(time.Millisecond))
		if res != nil && res.Scanned > 0 {
			fmt.Printf("Resolved %d deferred references (%d remaining)\n",
				res.Resolved, res.Remaining)
		}
		if failures > 0 {
			return fmt.Errorf("%w: %d of %d files failed", errPartial, failures, len(paths))
		}
		return nil
	})
}
