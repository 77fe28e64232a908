// Package store implements the graph service layer: entity and
// relationship persistence over the Cypher executor, temporal edge
// transitions, schema management, and the local file-hash index used by
// the sync coordinator.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

// bulkBatchSize bounds the number of rows per UNWIND statement.
const bulkBatchSize = 500

// EntityFilter narrows List and Count queries.
type EntityFilter struct {
	Kind       graph.EntityKind
	Language   string
	PathPrefix string
	NamePrefix string
	Limit      int
	Offset     int
}

// EntityService persists entities as Entity-labeled nodes, one extra
// label per kind.
type EntityService struct {
	exec   cypher.Executor
	logger *zap.Logger
}

// NewEntityService creates an entity service over the executor.
func NewEntityService(exec cypher.Executor, logger *zap.Logger) *EntityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityService{exec: exec, logger: logger}
}

// Create inserts a new entity. Fails with ErrEntityConflict if the id
// already exists.
func (s *EntityService) Create(ctx context.Context, e *graph.Entity) (*graph.Entity, error) {
	if err := validateEntity(e); err != nil {
		return nil, err
	}
	stampNew(e, time.Now().UTC())

	props, err := entityToProps(e)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`CREATE (n:Entity:%s) SET n = $props RETURN n`, e.Kind.Label())
	_, err = s.exec.Execute(ctx, query, map[string]any{"props": props}, cypher.Options{})
	if err != nil {
		if cypher.KindOf(err) == cypher.KindConflict {
			return nil, fmt.Errorf("create %s: %w", e.ID, ErrEntityConflict)
		}
		return nil, fmt.Errorf("create %s: %w", e.ID, err)
	}
	return e, nil
}

// Upsert creates or updates the entity by id. The created timestamp and
// kind of an existing node are immutable; array-valued metadata merges as
// a set union. Idempotent for identical input.
func (s *EntityService) Upsert(ctx context.Context, e *graph.Entity) (*graph.Entity, error) {
	if err := validateEntity(e); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	existing, err := s.Get(ctx, e.ID)
	switch {
	case err == nil:
		if existing.Kind != e.Kind {
			return nil, fmt.Errorf("upsert %s: kind %s vs stored %s: %w",
				e.ID, e.Kind, existing.Kind, ErrEntityConflict)
		}
		e.Created = existing.Created
		e.Version = existing.Version
		e.Metadata = graph.MergeMetadata(existing.Metadata, e.Metadata)
		if e.Hash != existing.Hash {
			e.Version = existing.Version + 1
		}
		e.LastModified = now
	case isNotFound(err):
		stampNew(e, now)
	default:
		return nil, fmt.Errorf("upsert %s: %w", e.ID, err)
	}

	props, err := entityToProps(e)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		MERGE (n:Entity {id: $id})
		SET n = $props, n:%s`, e.Kind.Label())
	_, err = s.exec.Execute(ctx, query, map[string]any{
		"id":    e.ID,
		"props": props,
	}, cypher.Options{Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", e.ID, err)
	}
	return e, nil
}

// Get fetches one entity by id.
func (s *EntityService) Get(ctx context.Context, id string) (*graph.Entity, error) {
	rows, err := s.exec.Execute(ctx,
		`MATCH (n:Entity {id: $id}) RETURN n`,
		map[string]any{"id": id},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, ErrEntityNotFound)
	}
	node, ok := rows[0]["n"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("get %s: unexpected row shape: %w", id, ErrSchemaViolation)
	}
	return propsToEntity(node)
}

// Update applies a partial update to an existing entity. Nil map entries
// clear properties. Kind, id, and created are not updatable.
func (s *EntityService) Update(ctx context.Context, id string, updates map[string]any) (*graph.Entity, error) {
	if len(updates) == 0 {
		return s.Get(ctx, id)
	}
	for _, k := range []string{"id", "type", "created"} {
		delete(updates, k)
	}
	setClauses := make([]string, 0, len(updates))
	params := map[string]any{"id": id, "now": time.Now().UTC()}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		if !cypher.ValidIdentifier(k) {
			return nil, fmt.Errorf("update %s: invalid property %q: %w", id, k, ErrSchemaViolation)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		p := fmt.Sprintf("p%d", i)
		setClauses = append(setClauses, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = updates[k]
	}

	query := fmt.Sprintf(`
		MATCH (n:Entity {id: $id})
		SET %s, n.lastModified = $now, n.version = coalesce(n.version, 0) + 1
		RETURN n`, strings.Join(setClauses, ", "))
	rows, err := s.exec.Execute(ctx, query, params, cypher.Options{})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("update %s: %w", id, ErrEntityNotFound)
	}
	node, _ := rows[0]["n"].(map[string]any)
	return propsToEntity(node)
}

// Delete removes the entity and all of its edges. Returns
// ErrEntityNotFound when no node matched.
func (s *EntityService) Delete(ctx context.Context, id string) error {
	rows, err := s.exec.Execute(ctx, `
		MATCH (n:Entity {id: $id})
		DETACH DELETE n
		RETURN count(n) AS deleted`,
		map[string]any{"id": id}, cypher.Options{})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if len(rows) == 0 || toInt(rows[0]["deleted"]) == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrEntityNotFound)
	}
	return nil
}

// BulkUpsert writes entities in UNWIND batches inside one transaction.
// New nodes get created stamped; existing nodes keep created and bump
// version when the hash changed. Entities are grouped by kind so each
// statement sets a single extra label.
func (s *EntityService) BulkUpsert(ctx context.Context, entities []*graph.Entity) (int, error) {
	queries, err := s.BulkUpsertQueries(entities)
	if err != nil {
		return 0, err
	}
	if len(queries) == 0 {
		return 0, nil
	}
	if _, err := s.exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
		return 0, fmt.Errorf("bulk upsert %d entities: %w", len(entities), err)
	}
	s.logger.Debug("bulk upsert complete", zap.Int("entities", len(entities)))
	return len(entities), nil
}

// BulkUpsertQueries builds the UNWIND write statements for the entities
// without running them, so a caller can bundle the entity writes with
// other statements into a single transaction.
func (s *EntityService) BulkUpsertQueries(entities []*graph.Entity) ([]cypher.Query, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	byKind := make(map[graph.EntityKind][]*graph.Entity)
	for _, e := range entities {
		if err := validateEntity(e); err != nil {
			return nil, err
		}
		if e.Created.IsZero() {
			stampNew(e, now)
		}
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	kinds := make([]graph.EntityKind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var queries []cypher.Query
	for _, kind := range kinds {
		group := byKind[kind]
		for start := 0; start < len(group); start += bulkBatchSize {
			end := start + bulkBatchSize
			if end > len(group) {
				end = len(group)
			}
			batch := group[start:end]
			rows := make([]any, 0, len(batch))
			for _, e := range batch {
				props, err := entityToProps(e)
				if err != nil {
					return nil, err
				}
				rows = append(rows, map[string]any{"id": e.ID, "props": props})
			}
			query := fmt.Sprintf(`
				UNWIND $rows AS row
				MERGE (n:Entity {id: row.id})
				ON CREATE SET n = row.props, n:%[1]s
				ON MATCH SET n += row.props,
					n.created = coalesce(n.created, row.props.created),
					n.version = CASE
						WHEN n.hash IS NOT NULL AND n.hash <> row.props.hash
						THEN coalesce(n.version, 1) + 1
						ELSE coalesce(n.version, 1) END,
					n:%[1]s`, kind.Label())
			queries = append(queries, cypher.Query{
				Text:   query,
				Params: map[string]any{"rows": rows},
			})
		}
	}
	return queries, nil
}

// DeleteQuery builds the detach-delete statement for one entity, for
// callers bundling removals into a larger transaction. Unlike Delete it
// does not report whether a node matched.
func (s *EntityService) DeleteQuery(id string) cypher.Query {
	return cypher.Query{
		Text:   `MATCH (n:Entity {id: $id}) DETACH DELETE n`,
		Params: map[string]any{"id": id},
	}
}

// List returns entities matching the filter, ordered by (path, name, id)
// so pagination is stable.
func (s *EntityService) List(ctx context.Context, filter EntityFilter) ([]*graph.Entity, error) {
	where, params := buildEntityWhere(filter)
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	params["limit"] = filter.Limit
	params["offset"] = filter.Offset

	query := `MATCH (n:Entity)` + where + `
		RETURN n
		ORDER BY n.path ASC, n.name ASC, n.id ASC
		SKIP $offset LIMIT $limit`
	rows, err := s.exec.Execute(ctx, query, params,
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	out := make([]*graph.Entity, 0, len(rows))
	for _, row := range rows {
		node, ok := row["n"].(map[string]any)
		if !ok {
			continue
		}
		e, err := propsToEntity(node)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns the number of entities matching the filter.
func (s *EntityService) Count(ctx context.Context, filter EntityFilter) (int, error) {
	where, params := buildEntityWhere(filter)
	rows, err := s.exec.Execute(ctx,
		`MATCH (n:Entity)`+where+` RETURN count(n) AS total`,
		params, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt(rows[0]["total"]), nil
}

// GetByPath returns all entities rooted at a file path, files first.
func (s *EntityService) GetByPath(ctx context.Context, path string) ([]*graph.Entity, error) {
	return s.List(ctx, EntityFilter{PathPrefix: path, Limit: 1000})
}

func buildEntityWhere(filter EntityFilter) (string, map[string]any) {
	var clauses []string
	params := map[string]any{}
	if filter.Kind != "" {
		clauses = append(clauses, "n.type = $kind")
		params["kind"] = string(filter.Kind)
	}
	if filter.Language != "" {
		clauses = append(clauses, "n.language = $language")
		params["language"] = filter.Language
	}
	if filter.PathPrefix != "" {
		clauses = append(clauses, "n.path STARTS WITH $pathPrefix")
		params["pathPrefix"] = filter.PathPrefix
	}
	if filter.NamePrefix != "" {
		clauses = append(clauses, "n.name STARTS WITH $namePrefix")
		params["namePrefix"] = filter.NamePrefix
	}
	if len(clauses) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

func validateEntity(e *graph.Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("entity missing id: %w", ErrSchemaViolation)
	}
	if !graph.ValidKind(e.Kind) {
		return fmt.Errorf("entity %s has unknown kind %q: %w", e.ID, e.Kind, ErrSchemaViolation)
	}
	return nil
}

func stampNew(e *graph.Entity, now time.Time) {
	if e.Created.IsZero() {
		e.Created = now
	}
	e.LastModified = now
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Hash == "" {
		e.Hash = e.ContentHash()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
