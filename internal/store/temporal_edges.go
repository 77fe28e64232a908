package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

// keyedMutex serializes operations per key. Temporal transitions on one
// canonical edge id must not interleave; transitions on distinct ids run
// concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*sync.Mutex{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// TemporalService manages edge validity intervals. At most one edge per
// canonical id is active at a time; opening a new interval closes the
// previous one in the same transaction.
type TemporalService struct {
	exec  cypher.Executor
	locks *keyedMutex
}

// NewTemporalService creates a temporal edge service over the executor.
func NewTemporalService(exec cypher.Executor) *TemporalService {
	return &TemporalService{exec: exec, locks: newKeyedMutex()}
}

// OpenEdge starts a new validity interval for the relationship. Any
// currently active edge with the same canonical id is closed first, and
// the new edge's version continues the chain. Both writes commit in one
// transaction.
func (s *TemporalService) OpenEdge(ctx context.Context, r *graph.Relationship, changeSetID string) (*graph.Relationship, error) {
	now := time.Now().UTC()
	if err := r.Normalize(now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	canonicalID := r.ID
	unlock := s.locks.lock(canonicalID)
	defer unlock()

	prevVersion, err := s.activeVersion(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	r.ValidFrom = now
	r.ValidTo = nil
	r.Active = true
	r.Version = prevVersion + 1
	r.ChangeSetID = changeSetID

	props, err := relationshipToProps(r)
	if err != nil {
		return nil, err
	}
	props["targetKey"] = r.TargetKey()
	// The versioned edge id keeps history addressable; the canonical id
	// stays on the edge for interval queries.
	props["canonicalId"] = canonicalID
	if prevVersion > 0 {
		props["id"] = fmt.Sprintf("%s@v%d", canonicalID, r.Version)
	}

	queries := []cypher.Query{
		{
			Text: `
				MATCH ()-[r {canonicalId: $canonicalId}]->()
				WHERE r.active = true
				SET r.active = false, r.validTo = $now, r.lastModified = $now`,
			Params: map[string]any{"canonicalId": canonicalID, "now": now},
		},
		{
			Text: fmt.Sprintf(`
				MATCH (a:Entity {id: $fromId})
				MERGE (b:Entity {id: $toId})
				ON CREATE SET b.placeholder = true, b.created = $now, b.lastModified = $now
				CREATE (a)-[r:%s]->(b)
				SET r = $props`, r.Type),
			Params: map[string]any{
				"fromId": r.FromEntityID,
				"toId":   edgeTargetID(r),
				"now":    now,
				"props":  props,
			},
		},
	}
	if _, err := s.exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
		return nil, fmt.Errorf("open edge %s: %w", canonicalID, err)
	}
	r.ID = str(props["id"])
	return r, nil
}

// CloseEdge ends the active interval for a canonical edge id. Returns
// ErrRelationshipNotFound when no active edge exists; closing an
// already-closed edge is therefore not idempotent by default, use
// CloseEdgeIfActive for that.
func (s *TemporalService) CloseEdge(ctx context.Context, canonicalID, changeSetID string) error {
	closed, err := s.CloseEdgeIfActive(ctx, canonicalID, changeSetID)
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("close edge %s: %w", canonicalID, ErrRelationshipNotFound)
	}
	return nil
}

// CloseEdgeIfActive ends the active interval if one exists, reporting
// whether an edge was closed.
func (s *TemporalService) CloseEdgeIfActive(ctx context.Context, canonicalID, changeSetID string) (bool, error) {
	unlock := s.locks.lock(canonicalID)
	defer unlock()

	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		WHERE (r.canonicalId = $canonicalId OR r.id = $canonicalId)
		  AND r.active = true
		SET r.active = false,
		    r.validTo = $now,
		    r.lastModified = $now,
		    r.changeSetId = $changeSetId
		RETURN count(r) AS closed`,
		map[string]any{
			"canonicalId": canonicalID,
			"now":         time.Now().UTC(),
			"changeSetId": changeSetID,
		}, cypher.Options{Retryable: true})
	if err != nil {
		return false, fmt.Errorf("close edge %s: %w", canonicalID, err)
	}
	return len(rows) > 0 && toInt(rows[0]["closed"]) > 0, nil
}

// CloseEdgeQuery builds the close statement for one canonical edge id
// without running it, so callers can bundle edge closings into a larger
// transaction. The per-key serialization of CloseEdgeIfActive does not
// apply; the enclosing transaction provides the isolation.
func (s *TemporalService) CloseEdgeQuery(canonicalID, changeSetID string) cypher.Query {
	return cypher.Query{
		Text: `
			MATCH ()-[r]->()
			WHERE (r.canonicalId = $canonicalId OR r.id = $canonicalId)
			  AND r.active = true
			SET r.active = false,
			    r.validTo = $now,
			    r.lastModified = $now,
			    r.changeSetId = $changeSetId`,
		Params: map[string]any{
			"canonicalId": canonicalID,
			"now":         time.Now().UTC(),
			"changeSetId": changeSetID,
		},
	}
}

// History returns every interval of a canonical edge id, oldest first.
func (s *TemporalService) History(ctx context.Context, canonicalID string) ([]*graph.Relationship, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r]->(b:Entity)
		WHERE r.canonicalId = $canonicalId OR r.id = $canonicalId
		RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props
		ORDER BY r.validFrom ASC`,
		map[string]any{"canonicalId": canonicalID},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("edge history %s: %w", canonicalID, err)
	}
	out := make([]*graph.Relationship, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRelationship(row))
	}
	return out, nil
}

func (s *TemporalService) activeVersion(ctx context.Context, canonicalID string) (int, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		WHERE r.canonicalId = $canonicalId OR r.id = $canonicalId
		RETURN max(r.version) AS version`,
		map[string]any{"canonicalId": canonicalID},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return 0, fmt.Errorf("edge version %s: %w", canonicalID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt(rows[0]["version"]), nil
}

func edgeTargetID(r *graph.Relationship) string {
	if r.ToEntityID != "" {
		return r.ToEntityID
	}
	return r.TargetKey()
}
