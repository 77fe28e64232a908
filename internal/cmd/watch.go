package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/monitor"
	"github.com/anthropics/ckg/internal/syncd"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the working tree and keep the graph in sync",
	Long: `Run the sync coordinator: watch the scan root for file changes,
debounce and prioritize them, and commit parsed entities and
relationships to the graph continuously. Deferred references are
reconciled and checkpoints written in the background.

When monitor.prometheus_port is set, /metrics is served on that port.
Stops cleanly on SIGINT or SIGTERM, draining in-flight work.

Examples:
  ckg watch             # Watch after an initial full scan
  ckg watch --no-scan   # Watch only, skip the startup scan`,
	RunE: runWatch,
}

var watchNoScan bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoScan, "no-scan", false, "Skip the initial full scan")
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		stores, index, err := eng.syncStores()
		if err != nil {
			return err
		}
		defer index.Close()

		root, err := eng.scanRoot()
		if err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		mon := monitor.New(registry, eng.logger,
			monitor.WithHealthInterval(time.Duration(eng.cfg.Monitor.HealthIntervalSeconds)*time.Second),
			monitor.WithRetention(time.Duration(eng.cfg.Monitor.RetentionHours)*time.Hour))
		defer mon.Close()

		if port := eng.cfg.Monitor.PrometheusPort; port > 0 {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					eng.logger.Warn("metrics endpoint failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		opID := mon.StartOperation("watch")
		var coord *syncd.Coordinator
		hooks := syncd.Hooks{
			FileProcessed: func(out *syncd.Outcome) {
				mon.AddCounters(opID, monitor.Counters{
					FilesProcessed:       1,
					EntitiesCreated:      out.EntitiesWritten,
					EntitiesDeleted:      out.SymbolsRemoved,
					RelationshipsCreated: out.RelationshipsWritten,
					RelationshipsDeleted: out.EdgesClosed,
				})
				mon.RecordStage("pipeline", out.Duration)
				for i := 0; i < out.Conflicts; i++ {
					mon.RecordConflict(opID, out.Path)
				}
				mon.SetQueueDepth(coord.Status().Queue.Depth)
			},
			SyncError: func(path string, err error) {
				mon.RecordError(opID, fmt.Errorf("%s: %w", path, err))
			},
			Checkpoint: func(id string, entities int) {
				mon.Log(monitor.LogInfo,
					fmt.Sprintf("checkpoint %s covering %d entities", id, entities), opID)
			},
		}
		coord, err = syncd.NewCoordinator(
			eng.cfg.SyncCoordinatorConfig(root), stores, eng.embed, nil, hooks, eng.logger)
		if err != nil {
			mon.FailOperation(opID, err)
			return err
		}
		if err := coord.Start(ctx); err != nil {
			mon.FailOperation(opID, err)
			return err
		}
		defer coord.Stop()

		if !watchNoScan {
			n, err := coord.FullScan()
			if err != nil {
				mon.FailOperation(opID, err)
				return fmt.Errorf("initial scan: %w", err)
			}
			fmt.Printf("Queued %d files from initial scan\n", n)
		}
		fmt.Printf("Watching %s (ctrl-c to stop)\n", root)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-ctx.Done():
		}

		coord.Stop()
		mon.CompleteOperation(opID)
		st := coord.Status()
		fmt.Printf("Stopped: %d processed, %d skipped, %d errors\n",
			st.FilesProcessed, st.FilesSkipped, st.Errors)
		return nil
	})
}
