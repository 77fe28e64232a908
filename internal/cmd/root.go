// Package cmd contains all CLI commands for ckg.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/config"
	"github.com/anthropics/ckg/internal/cypher"
)

// Version is the current version of ckg.
var Version = "0.1.0"

// Exit codes for scripting.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitConfig  = 2
	ExitStore   = 3
	ExitPartial = 4
)

var (
	verbose    bool
	configPath string
)

// errNotFound marks lookups that matched nothing.
var errNotFound = errors.New("not found")

// errPartial marks bulk operations that completed with some failures.
var errPartial = errors.New("partial failure")

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ckg",
	Short: "Code knowledge graph engine",
	Long: `ckg builds and queries a knowledge graph of code entities.

It parses source files into symbols and relationships, stores them in a
Neo4j property graph with temporal edge history, keeps the graph in sync
with the working tree, and serves structural, semantic, and hybrid search
over the result.

Main capabilities:
  - Index a repository into the graph (reindex)
  - Watch the working tree and sync changes continuously (watch)
  - Search entities by name, meaning, or both (search)
  - Inspect graph size, sync state, and edge history (status, history)
  - Maintain the graph: merge duplicate edges, prune old history
  - Serve graph tools to agents over MCP (mcp)

Examples:
  ckg init                      # Write .ckg/config.yaml and ensure schema
  ckg reindex                   # Full scan of the configured roots
  ckg watch                     # Continuous sync
  ckg search AuthService        # Find entities
  ckg status                    # Graph and sync state

See 'ckg <command> --help' for command-specific options.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return ExitConfig
	case errors.Is(err, errPartial):
		return ExitPartial
	}
	switch cypher.KindOf(err) {
	case cypher.KindValidation:
		return ExitConfig
	case cypher.KindTransient, cypher.KindTimeout, cypher.KindFatal:
		return ExitStore
	}
	return ExitError
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: .ckg/config.yaml found walking up)")

	// Accept snake_case spellings of multi-word flags.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

// loadConfig resolves configuration from --config or by discovery.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return config.Load(cwd)
}

// newLogger builds the CLI logger. Verbose enables debug-level console
// output; otherwise only warnings and errors reach stderr.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
