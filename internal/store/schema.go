package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
)

// schemaStatements are the constraints and indexes the graph relies on.
// All statements are idempotent; EnsureSchema can run on every start.
var schemaStatements = []string{
	`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS
		FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
	`CREATE CONSTRAINT checkpoint_id_unique IF NOT EXISTS
		FOR (n:Checkpoint) REQUIRE n.id IS UNIQUE`,
	`CREATE CONSTRAINT changeset_id_unique IF NOT EXISTS
		FOR (n:ChangeSet) REQUIRE n.id IS UNIQUE`,

	`CREATE INDEX entity_type IF NOT EXISTS
		FOR (n:Entity) ON (n.type)`,
	`CREATE INDEX entity_path IF NOT EXISTS
		FOR (n:Entity) ON (n.path)`,
	`CREATE INDEX entity_name IF NOT EXISTS
		FOR (n:Entity) ON (n.name)`,
	`CREATE INDEX entity_hash IF NOT EXISTS
		FOR (n:Entity) ON (n.hash)`,
	`CREATE INDEX entity_type_language IF NOT EXISTS
		FOR (n:Entity) ON (n.type, n.language)`,
	`CREATE INDEX entity_type_path IF NOT EXISTS
		FOR (n:Entity) ON (n.type, n.path)`,

	`CREATE FULLTEXT INDEX entity_fulltext IF NOT EXISTS
		FOR (n:Entity) ON EACH [n.name, n.path, n.signature]`,
}

// SchemaManager installs constraints and indexes.
type SchemaManager struct {
	exec   cypher.Executor
	logger *zap.Logger
}

// NewSchemaManager creates a schema manager over the executor.
func NewSchemaManager(exec cypher.Executor, logger *zap.Logger) *SchemaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaManager{exec: exec, logger: logger}
}

// EnsureSchema applies every constraint and index. Statements run one at
// a time because schema commands cannot share a transaction with each
// other on all server versions.
func (m *SchemaManager) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := m.exec.Execute(ctx, stmt, nil, cypher.Options{Retryable: true}); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	m.logger.Debug("schema ensured", zap.Int("statements", len(schemaStatements)))
	return nil
}
