package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/anthropics/ckg/internal/config"
	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/store"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"init-index"},
	Short:   "Initialize .ckg configuration and graph schema",
	Long: `Initialize the .ckg directory with a default config.yaml and ensure
the graph store carries the constraints and indexes the engine needs.

Run this once per repository. Re-running is safe: schema statements are
idempotent and an existing config file is left alone.

Examples:
  ckg init                 # Write config, ensure schema
  ckg init --skip-schema   # Write config only (store offline)`,
	RunE: runInit,
}

var initSkipSchema bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initSkipSchema, "skip-schema", false, "Do not connect to the graph store")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	path, err := config.SaveDefault(cwd)
	switch {
	case err == nil:
		rel, _ := filepath.Rel(cwd, path)
		fmt.Printf("Wrote %s\n", rel)
	default:
		// An existing config is fine; init stays idempotent.
		existing := filepath.Join(cwd, config.ConfigDirName, config.ConfigFileName)
		if _, statErr := os.Stat(existing); statErr != nil {
			return err
		}
		fmt.Println("Config already exists, keeping it")
	}

	if initSkipSchema {
		return nil
	}

	return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
		if err := store.NewSchemaManager(eng.exec, eng.logger).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
		fmt.Println("Graph schema ready")

		if eng.embed != nil {
			err := eng.embed.InitializeIndex(ctx, embeddings.IndexOptions{
				Dimensions: eng.cfg.Embeddings.Dimensions,
			})
			if err != nil {
				return fmt.Errorf("initializing vector index: %w", err)
			}
			fmt.Println("Vector index ready")
		}
		return nil
	})
}
