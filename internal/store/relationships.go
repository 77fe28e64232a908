package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

// BulkRelationshipOptions tunes BulkUpsertRelationships.
type BulkRelationshipOptions struct {
	// SkipExisting leaves already-stored edges untouched instead of
	// merging the incoming observation into them.
	SkipExisting bool
	// MergeEvidence unions evidence and locations into existing edges.
	// Without it, incoming properties overwrite.
	MergeEvidence bool
	// UpdateTimestamps stamps lastSeenAt on edges that already exist.
	UpdateTimestamps bool
	// ChangeSetID tags every written edge with the originating change set.
	ChangeSetID string
}

// RelationshipFilter narrows ListRelationships.
type RelationshipFilter struct {
	FromEntityID string
	ToEntityID   string
	Type         graph.RelType
	ActiveOnly   bool
	Limit        int
}

// RelationshipStats summarizes the edge population.
type RelationshipStats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Inactive int            `json:"inactive"`
	ByType   map[string]int `json:"byType"`
}

// RelationshipService persists relationships as typed edges keyed by
// their canonical id. Unresolved targets hang off placeholder nodes
// until reconciliation rewires them.
type RelationshipService struct {
	exec   cypher.Executor
	logger *zap.Logger
}

// NewRelationshipService creates a relationship service over the executor.
func NewRelationshipService(exec cypher.Executor, logger *zap.Logger) *RelationshipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationshipService{exec: exec, logger: logger}
}

// Create normalizes and writes one relationship. An existing edge with
// the same canonical id absorbs the observation via the merge rules.
func (s *RelationshipService) Create(ctx context.Context, r *graph.Relationship) (*graph.Relationship, error) {
	written, err := s.BulkUpsert(ctx, []*graph.Relationship{r},
		BulkRelationshipOptions{MergeEvidence: true, UpdateTimestamps: true})
	if err != nil {
		return nil, err
	}
	if written == 0 {
		return nil, fmt.Errorf("create relationship: nothing written")
	}
	return r, nil
}

// BulkUpsert normalizes, merges, and writes relationships in batches
// grouped by edge type. Existing edges are fetched first so evidence
// merging follows the bounded-merge rules host-side; writes then replace
// edge properties wholesale inside one transaction.
func (s *RelationshipService) BulkUpsert(ctx context.Context, rels []*graph.Relationship, opts BulkRelationshipOptions) (int, error) {
	queries, written, err := s.BulkUpsertQueries(ctx, rels, opts)
	if err != nil {
		return 0, err
	}
	if len(queries) == 0 {
		return 0, nil
	}
	if _, err := s.exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
		return 0, fmt.Errorf("write %d edges: %w", written, err)
	}
	s.logger.Debug("relationships upserted",
		zap.Int("written", written), zap.Int("incoming", len(rels)))
	return written, nil
}

// BulkUpsertQueries runs the read-and-merge phase of a bulk upsert and
// returns the write statements plus the number of edges they cover,
// without executing them. Callers bundle the statements into a larger
// transaction.
func (s *RelationshipService) BulkUpsertQueries(ctx context.Context, rels []*graph.Relationship, opts BulkRelationshipOptions) ([]cypher.Query, int, error) {
	if len(rels) == 0 {
		return nil, 0, nil
	}
	now := time.Now().UTC()

	// Normalize and collapse in-batch duplicates onto one edge each.
	byID := make(map[string]*graph.Relationship, len(rels))
	order := make([]string, 0, len(rels))
	for _, r := range rels {
		if err := r.Normalize(now); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
		if opts.ChangeSetID != "" {
			r.ChangeSetID = opts.ChangeSetID
		}
		if existing, ok := byID[r.ID]; ok {
			existing.Merge(r, now)
			continue
		}
		byID[r.ID] = r
		order = append(order, r.ID)
	}

	existing, err := s.getByIDs(ctx, order)
	if err != nil {
		return nil, 0, err
	}

	var toWrite []*graph.Relationship
	for _, id := range order {
		incoming := byID[id]
		stored, found := existing[id]
		switch {
		case !found:
			toWrite = append(toWrite, incoming)
		case opts.SkipExisting:
			continue
		case opts.MergeEvidence:
			stored.Merge(incoming, now)
			toWrite = append(toWrite, stored)
		default:
			incoming.Created = stored.Created
			incoming.Version = stored.Version
			if opts.UpdateTimestamps {
				incoming.LastSeenAt = now
			}
			toWrite = append(toWrite, incoming)
		}
	}
	if len(toWrite) == 0 {
		return nil, 0, nil
	}

	byType := make(map[graph.RelType][]*graph.Relationship)
	for _, r := range toWrite {
		byType[r.Type] = append(byType[r.Type], r)
	}
	types := make([]graph.RelType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var queries []cypher.Query
	var written int
	for _, relType := range types {
		group := byType[relType]
		for start := 0; start < len(group); start += bulkBatchSize {
			end := start + bulkBatchSize
			if end > len(group) {
				end = len(group)
			}
			batch := group[start:end]
			q, err := buildEdgeBatch(relType, batch, now)
			if err != nil {
				return nil, written, err
			}
			queries = append(queries, q)
			written += len(batch)
		}
	}
	return queries, written, nil
}

func buildEdgeBatch(relType graph.RelType, batch []*graph.Relationship, now time.Time) (cypher.Query, error) {
	rows := make([]any, 0, len(batch))
	for _, r := range batch {
		props, err := relationshipToProps(r)
		if err != nil {
			return cypher.Query{}, err
		}
		props["targetKey"] = r.TargetKey()
		toID := r.ToEntityID
		placeholder := false
		if toID == "" {
			toID = r.TargetKey()
			placeholder = true
		}
		rows = append(rows, map[string]any{
			"fromId":      r.FromEntityID,
			"toId":        toID,
			"placeholder": placeholder,
			"relId":       r.ID,
			"props":       props,
		})
	}

	// Edge types cannot be parameterized; relType is whitelisted by
	// Normalize so interpolation is safe.
	query := fmt.Sprintf(`
		UNWIND $rows AS row
		MATCH (a:Entity {id: row.fromId})
		MERGE (b:Entity {id: row.toId})
		ON CREATE SET b.placeholder = row.placeholder,
			b.created = $now, b.lastModified = $now
		MERGE (a)-[r:%s {id: row.relId}]->(b)
		SET r = row.props`, relType)
	return cypher.Query{
		Text: query,
		Params: map[string]any{
			"rows": rows,
			"now":  now,
		},
	}, nil
}

// Get fetches one relationship by id across all edge types.
func (s *RelationshipService) Get(ctx context.Context, id string) (*graph.Relationship, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r {id: $id}]->(b:Entity)
		RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props`,
		map[string]any{"id": id},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("get relationship %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get relationship %s: %w", id, ErrRelationshipNotFound)
	}
	return rowToRelationship(rows[0]), nil
}

// List returns relationships matching the filter, newest first.
func (s *RelationshipService) List(ctx context.Context, filter RelationshipFilter) ([]*graph.Relationship, error) {
	var clauses []string
	params := map[string]any{}
	if filter.FromEntityID != "" {
		clauses = append(clauses, "a.id = $fromId")
		params["fromId"] = filter.FromEntityID
	}
	if filter.ToEntityID != "" {
		clauses = append(clauses, "b.id = $toId")
		params["toId"] = filter.ToEntityID
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "r.active = true")
	}
	relPattern := "[r]"
	if filter.Type != "" {
		if !graph.ValidRelType(filter.Type) {
			return nil, fmt.Errorf("list relationships: unknown type %q: %w", filter.Type, ErrSchemaViolation)
		}
		relPattern = fmt.Sprintf("[r:%s]", filter.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	params["limit"] = filter.Limit

	query := fmt.Sprintf(`
		MATCH (a:Entity)-%s->(b:Entity)%s
		RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props
		ORDER BY r.lastSeenAt DESC, r.id ASC
		LIMIT $limit`, relPattern, where)
	rows, err := s.exec.Execute(ctx, query, params,
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}

	out := make([]*graph.Relationship, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRelationship(row))
	}
	return out, nil
}

// ListDeferred returns edges still pointing at placeholder target
// nodes, oldest first, for the reconciliation pass to rewire.
func (s *RelationshipService) ListDeferred(ctx context.Context, limit int) ([]*graph.Relationship, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r]->(b:Entity {placeholder: true})
		WHERE r.active = true
		RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props
		ORDER BY r.created ASC, r.id ASC
		LIMIT $limit`,
		map[string]any{"limit": limit},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("list deferred relationships: %w", err)
	}
	out := make([]*graph.Relationship, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRelationship(row))
	}
	return out, nil
}

// Rewire re-points an edge from its placeholder node to a resolved
// entity, keeping the edge id and properties. The placeholder is
// removed once nothing else hangs off it.
func (s *RelationshipService) Rewire(ctx context.Context, id string, relType graph.RelType, toEntityID string) error {
	if !graph.ValidRelType(relType) {
		return fmt.Errorf("rewire %s: unknown type %q: %w", id, relType, ErrSchemaViolation)
	}
	query := fmt.Sprintf(`
		MATCH (a:Entity)-[r:%[1]s {id: $id}]->(p:Entity {placeholder: true})
		MATCH (b:Entity {id: $toId})
		CREATE (a)-[nr:%[1]s]->(b)
		SET nr = properties(r), nr.lastModified = $now
		DELETE r
		WITH p
		WHERE NOT (p)--()
		DELETE p`, relType)
	_, err := s.exec.Transaction(ctx, []cypher.Query{{
		Text: query,
		Params: map[string]any{
			"id":   id,
			"toId": toEntityID,
			"now":  time.Now().UTC(),
		},
	}}, cypher.Options{Retryable: true})
	if err != nil {
		return fmt.Errorf("rewire relationship %s: %w", id, err)
	}
	return nil
}

// Delete removes the relationship edge by id.
func (s *RelationshipService) Delete(ctx context.Context, id string) error {
	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r {id: $id}]->()
		DELETE r
		RETURN count(r) AS deleted`,
		map[string]any{"id": id}, cypher.Options{})
	if err != nil {
		return fmt.Errorf("delete relationship %s: %w", id, err)
	}
	if len(rows) == 0 || toInt(rows[0]["deleted"]) == 0 {
		return fmt.Errorf("delete relationship %s: %w", id, ErrRelationshipNotFound)
	}
	return nil
}

// MarkInactiveNotSeenSince closes every active edge originating from the
// given entities whose lastSeenAt predates the cutoff: active flips to
// false and validTo is stamped. Returns the exact number of edges
// transitioned; already-inactive edges are not touched, so repeated calls
// return zero.
func (s *RelationshipService) MarkInactiveNotSeenSince(ctx context.Context, fromIDs []string, cutoff time.Time, changeSetID string) (int, error) {
	if len(fromIDs) == 0 {
		return 0, nil
	}
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r]->()
		WHERE a.id IN $fromIds
		  AND r.active = true
		  AND r.lastSeenAt < $cutoff
		SET r.active = false,
		    r.validTo = $now,
		    r.lastModified = $now,
		    r.changeSetId = $changeSetId
		RETURN count(r) AS closed`,
		map[string]any{
			"fromIds":     fromIDs,
			"cutoff":      cutoff,
			"now":         time.Now().UTC(),
			"changeSetId": changeSetID,
		}, cypher.Options{Retryable: true})
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt(rows[0]["closed"]), nil
}

// MergeNormalizedDuplicates collapses edges that share (from, type,
// target key) but carry distinct stored ids onto the canonical edge.
// Evidence merges per the bounded-merge rules; the extras are deleted.
// Returns the number of duplicate edges removed.
func (s *RelationshipService) MergeNormalizedDuplicates(ctx context.Context) (int, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r]->(b:Entity)
		WITH a.id AS fromId, type(r) AS relType, r.targetKey AS targetKey,
		     collect({toId: b.id, props: properties(r)}) AS edges
		WHERE size(edges) > 1 AND targetKey IS NOT NULL
		RETURN fromId, relType, targetKey, edges`,
		nil, cypher.Options{AccessMode: cypher.Read})
	if err != nil {
		return 0, fmt.Errorf("find duplicate edges: %w", err)
	}

	now := time.Now().UTC()
	var removed int
	for _, row := range rows {
		relType := graph.RelType(str(row["relType"]))
		edges, _ := row["edges"].([]any)
		if len(edges) < 2 {
			continue
		}

		group := make([]*graph.Relationship, 0, len(edges))
		for _, e := range edges {
			em, _ := e.(map[string]any)
			props, _ := em["props"].(map[string]any)
			group = append(group, propsToRelationship(relType, str(row["fromId"]), str(em["toId"]), props))
		}
		// Oldest edge survives; it keeps the original created stamp.
		sort.Slice(group, func(i, j int) bool {
			return group[i].Created.Before(group[j].Created)
		})
		survivor := group[0]
		// Drop every edge in the group, survivor included, so a survivor
		// carrying a legacy id cannot linger next to the canonical edge.
		var queries []cypher.Query
		for _, member := range group {
			queries = append(queries, cypher.Query{
				Text:   `MATCH ()-[r {id: $id}]->() DELETE r`,
				Params: map[string]any{"id": member.ID},
			})
		}
		for _, dup := range group[1:] {
			survivor.Merge(dup, now)
		}
		survivor.ID = graph.CanonicalRelationshipID(survivor.FromEntityID, survivor.Type, str(row["targetKey"]))
		props, err := relationshipToProps(survivor)
		if err != nil {
			return removed, err
		}
		props["targetKey"] = str(row["targetKey"])
		queries = append(queries, cypher.Query{
			Text: fmt.Sprintf(`
				MATCH (a:Entity {id: $fromId})
				MATCH (b:Entity {id: $toId})
				MERGE (a)-[r:%s {id: $relId}]->(b)
				SET r = $props`, relType),
			Params: map[string]any{
				"fromId": survivor.FromEntityID,
				"toId":   survivor.ToEntityID,
				"relId":  survivor.ID,
				"props":  props,
			},
		})
		if _, err := s.exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
			return removed, fmt.Errorf("merge duplicates for %s: %w", survivor.ID, err)
		}
		removed += len(group) - 1
	}
	if removed > 0 {
		s.logger.Info("merged duplicate edges", zap.Int("removed", removed))
	}
	return removed, nil
}

// UpdateAuxiliary patches non-identity attributes of an edge: confidence,
// metadata, and source. Identity, timestamps, and temporal state are not
// touched.
func (s *RelationshipService) UpdateAuxiliary(ctx context.Context, id string, confidence *float64, metadata map[string]any) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if confidence != nil {
		r.Confidence = *confidence
	}
	if metadata != nil {
		r.Metadata = graph.MergeMetadata(r.Metadata, metadata)
	}
	props, err := relationshipToProps(r)
	if err != nil {
		return err
	}
	props["targetKey"] = r.TargetKey()
	_, err = s.exec.Execute(ctx,
		`MATCH ()-[r {id: $id}]->() SET r = $props`,
		map[string]any{"id": id, "props": props},
		cypher.Options{Retryable: true})
	if err != nil {
		return fmt.Errorf("update relationship %s: %w", id, err)
	}
	return nil
}

// GetStats returns edge counts by type and activity.
func (s *RelationshipService) GetStats(ctx context.Context) (*RelationshipStats, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		RETURN type(r) AS relType, r.active AS active, count(r) AS total`,
		nil, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("relationship stats: %w", err)
	}

	stats := &RelationshipStats{ByType: map[string]int{}}
	for _, row := range rows {
		n := toInt(row["total"])
		stats.Total += n
		stats.ByType[str(row["relType"])] += n
		if toBool(row["active"]) {
			stats.Active += n
		} else {
			stats.Inactive += n
		}
	}
	return stats, nil
}

// getByIDs fetches existing relationships for a set of ids.
func (s *RelationshipService) getByIDs(ctx context.Context, ids []string) (map[string]*graph.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make(map[string]*graph.Relationship, len(ids))
	for start := 0; start < len(ids); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		rows, err := s.exec.Execute(ctx, `
			MATCH (a:Entity)-[r]->(b:Entity)
			WHERE r.id IN $ids
			RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props`,
			map[string]any{"ids": ids[start:end]},
			cypher.Options{AccessMode: cypher.Read, Retryable: true})
		if err != nil {
			return nil, fmt.Errorf("fetch existing relationships: %w", err)
		}
		for _, row := range rows {
			r := rowToRelationship(row)
			out[r.ID] = r
		}
	}
	return out, nil
}

func rowToRelationship(row cypher.Row) *graph.Relationship {
	props, _ := row["props"].(map[string]any)
	return propsToRelationship(
		graph.RelType(str(row["relType"])),
		str(row["fromId"]),
		str(row["toId"]),
		props)
}
