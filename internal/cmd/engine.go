package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/config"
	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/search"
	"github.com/anthropics/ckg/internal/store"
	"github.com/anthropics/ckg/internal/syncd"
	"github.com/anthropics/ckg/internal/temporal"
	"github.com/anthropics/ckg/internal/vector"
)

// engine bundles the services commands operate on.
type engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	exec     cypher.Executor
	entities *store.EntityService
	rels     *store.RelationshipService
	temporal *store.TemporalService
	history  *temporal.Service
	search   *search.Service
	embed    *embeddings.Service // nil when embeddings are disabled
}

// withEngine loads config, connects to the graph store, and runs fn with
// the wired services. Connections are closed on return.
func withEngine(ctx context.Context, fn func(ctx context.Context, eng *engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	driver, err := cypher.NewDriver(ctx, cypher.Config{
		URI:      cfg.Graph.URI,
		Username: cfg.Graph.Username,
		Password: cfg.Graph.Password,
		Database: cfg.Graph.Database,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to graph store: %w", err)
	}
	defer driver.Close(ctx)

	eng := &engine{
		cfg:      cfg,
		logger:   logger,
		exec:     driver,
		entities: store.NewEntityService(driver, logger),
		rels:     store.NewRelationshipService(driver, logger),
		temporal: store.NewTemporalService(driver),
		history:  temporal.NewService(driver, logger),
	}
	if cfg.Embeddings.Enabled {
		emb := embeddings.NewOllamaEmbedderWithConfig(
			cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
		eng.embed = embeddings.NewService(emb, vector.NewService(driver, logger), driver, logger)
	}
	eng.search = search.NewService(driver, eng.embed, logger)

	return fn(ctx, eng)
}

// syncStores opens the local file-hash index and returns the store set
// the sync pipeline writes through. The caller closes the index.
func (e *engine) syncStores() (syncd.Stores, *store.FileIndex, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return syncd.Stores{}, nil, fmt.Errorf("get working directory: %w", err)
	}
	configDir, err := config.EnsureConfigDir(cwd)
	if err != nil {
		return syncd.Stores{}, nil, err
	}
	index, err := store.OpenFileIndex(filepath.Join(configDir, "cache.db"))
	if err != nil {
		return syncd.Stores{}, nil, fmt.Errorf("opening file index: %w", err)
	}
	return syncd.Stores{
		Exec:     e.exec,
		Entities: e.entities,
		Rels:     e.rels,
		Temporal: e.temporal,
		Index:    index,
	}, index, nil
}

// scanRoot resolves the first configured scan root to an absolute path.
func (e *engine) scanRoot() (string, error) {
	root := "."
	if len(e.cfg.Scan.Roots) > 0 {
		root = e.cfg.Scan.Roots[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving scan root: %w", err)
	}
	return abs, nil
}
