package syncd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/store"
)

// Checkpointer periodically snapshots sync progress as a change node
// with INCLUDES edges to every entity touched since the last
// checkpoint. Checkpoints give temporal queries stable anchor points.
type Checkpointer struct {
	stores Stores
	logger *zap.Logger
}

// NewCheckpointer creates a checkpointer over the shared stores.
func NewCheckpointer(stores Stores, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{stores: stores, logger: logger}
}

// Write records one checkpoint covering the given entity ids. A call
// with no touched entities is a no-op.
func (c *Checkpointer) Write(ctx context.Context, entityIDs []string, filesProcessed int) (string, error) {
	if len(entityIDs) == 0 {
		return "", nil
	}
	now := time.Now().UTC()
	id := "checkpoint:" + uuid.NewString()
	checkpoint := &graph.Entity{
		ID:   id,
		Kind: graph.KindCheckpoint,
		Name: "checkpoint " + now.Format(time.RFC3339),
		Metadata: map[string]any{
			"filesProcessed":  filesProcessed,
			"entitiesTouched": len(entityIDs),
		},
		Created:      now,
		LastModified: now,
	}
	if _, err := c.stores.Entities.Create(ctx, checkpoint); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	rels := make([]*graph.Relationship, 0, len(entityIDs))
	seen := map[string]bool{}
	for _, entityID := range entityIDs {
		if seen[entityID] {
			continue
		}
		seen[entityID] = true
		rels = append(rels, &graph.Relationship{
			FromEntityID: id,
			ToEntityID:   entityID,
			Type:         graph.RelIncludes,
			Source:       graph.SourceAST,
		})
	}
	if _, err := c.stores.Rels.BulkUpsert(ctx, rels, store.BulkRelationshipOptions{ChangeSetID: id}); err != nil {
		return "", fmt.Errorf("checkpoint includes: %w", err)
	}
	c.logger.Info("checkpoint written",
		zap.String("id", id), zap.Int("entities", len(seen)))
	return id, nil
}
