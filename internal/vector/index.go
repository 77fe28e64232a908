// Package vector maintains named vector indexes per label and serves k-NN
// searches over entity embeddings. It prefers the store's native vector
// index and falls back to a streaming cosine scan when the index or the
// query procedure is unavailable.
package vector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
)

// Similarity selects the index distance function.
type Similarity string

const (
	Cosine    Similarity = "cosine"
	Euclidean Similarity = "euclidean"
)

// IndexSpec describes a named vector index on one label.
type IndexSpec struct {
	Name        string
	Label       string
	PropertyKey string
	Dimensions  int
	Similarity  Similarity
}

// Upsert is one vector write.
type Upsert struct {
	ID         string
	Vector     []float32
	Properties map[string]any
}

// SearchOptions bounds a k-NN query.
type SearchOptions struct {
	Limit    int
	MinScore float64
	// Filter is a property-equality filter applied to candidate nodes.
	Filter map[string]any
}

// Result is one scored node.
type Result struct {
	Node  map[string]any
	Score float64
}

// Service is the vector index service.
type Service struct {
	exec   cypher.Executor
	logger *zap.Logger
}

// NewService creates a vector service over the executor.
func NewService(exec cypher.Executor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{exec: exec, logger: logger}
}

// EnsureIndex creates the vector index if it does not exist. Idempotent.
func (s *Service) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		CREATE VECTOR INDEX %s IF NOT EXISTS
		FOR (n:%s) ON (n.%s)
		OPTIONS {indexConfig: {
			`+"`vector.dimensions`"+`: $dimensions,
			`+"`vector.similarity_function`"+`: $similarity
		}}`, spec.Name, spec.Label, spec.PropertyKey)

	_, err := s.exec.Execute(ctx, query, map[string]any{
		"dimensions": spec.Dimensions,
		"similarity": string(spec.Similarity),
	}, cypher.Options{Retryable: true})
	if err != nil {
		return fmt.Errorf("ensure vector index %s: %w", spec.Name, err)
	}
	return nil
}

// UpsertVectors merges vectors onto nodes by id, stamping
// embeddingUpdatedAt and optional embeddingMetadata.
func (s *Service) UpsertVectors(ctx context.Context, label string, upserts []Upsert) error {
	if len(upserts) == 0 {
		return nil
	}
	if !cypher.ValidIdentifier(label) {
		return cypher.NewError(cypher.KindValidation, "upsert vectors", fmt.Errorf("invalid label %q", label))
	}

	rows := make([]any, 0, len(upserts))
	for _, u := range upserts {
		row := map[string]any{
			"id":     u.ID,
			"vector": toFloat64s(u.Vector),
		}
		if u.Properties != nil {
			row["properties"] = u.Properties
		} else {
			row["properties"] = map[string]any{}
		}
		rows = append(rows, row)
	}

	query := fmt.Sprintf(`
		UNWIND $rows AS row
		MERGE (n:%s {id: row.id})
		SET n.embedding = row.vector,
		    n.embeddingUpdatedAt = $now,
		    n += row.properties`, label)

	_, err := s.exec.Execute(ctx, query, map[string]any{
		"rows": rows,
		"now":  time.Now().UTC(),
	}, cypher.Options{Retryable: true})
	if err != nil {
		return fmt.Errorf("upsert %d vectors: %w", len(upserts), err)
	}
	return nil
}

// DeleteVector removes the embedding properties from a node, keeping the
// node itself. Deleting an entity's vector-index entry happens here so the
// entity service can delegate on delete.
func (s *Service) DeleteVector(ctx context.Context, label, id string) error {
	if !cypher.ValidIdentifier(label) {
		return cypher.NewError(cypher.KindValidation, "delete vector", fmt.Errorf("invalid label %q", label))
	}
	query := fmt.Sprintf(`
		MATCH (n:%s {id: $id})
		REMOVE n.embedding, n.embeddingUpdatedAt, n.embeddingMetadata`, label)
	_, err := s.exec.Execute(ctx, query, map[string]any{"id": id}, cypher.Options{Retryable: true})
	if err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

// Search runs a k-NN query against the named index, filtering by MinScore
// and the optional property-equality filter. Results are sorted by
// descending score. When the native index is unavailable the search falls
// back to a host-side cosine scan.
func (s *Service) Search(ctx context.Context, indexName, label string, queryVector []float32, opts SearchOptions) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	results, err := s.nativeSearch(ctx, indexName, queryVector, opts)
	if err == nil {
		return results, nil
	}
	if cypher.KindOf(err) == cypher.KindValidation {
		// Index or procedure missing on this deployment; scan instead.
		s.logger.Debug("native vector index unavailable, falling back to scan",
			zap.String("index", indexName), zap.Error(err))
		return s.fallbackScan(ctx, label, queryVector, opts)
	}
	return nil, err
}

func (s *Service) nativeSearch(ctx context.Context, indexName string, queryVector []float32, opts SearchOptions) ([]Result, error) {
	filterClause, filterParams := buildFilter("node", opts.Filter)
	query := `
		CALL db.index.vector.queryNodes($indexName, $k, $vector)
		YIELD node, score
		WHERE score >= $minScore` + filterClause + `
		RETURN node, score
		ORDER BY score DESC
		LIMIT $limit`

	params := map[string]any{
		"indexName": indexName,
		// Over-fetch so post-filtering still fills the limit.
		"k":        opts.Limit * 2,
		"vector":   toFloat64s(queryVector),
		"minScore": opts.MinScore,
		"limit":    opts.Limit,
	}
	for k, v := range filterParams {
		params[k] = v
	}

	rows, err := s.exec.Execute(ctx, query, params, cypher.Options{AccessMode: cypher.Read})
	if err != nil {
		return nil, err
	}
	return rowsToResults(rows), nil
}

// fallbackScan limits candidates to 2*limit via the label's base index and
// computes cosine similarity host-side.
func (s *Service) fallbackScan(ctx context.Context, label string, queryVector []float32, opts SearchOptions) ([]Result, error) {
	if !cypher.ValidIdentifier(label) {
		return nil, cypher.NewError(cypher.KindValidation, "vector scan", fmt.Errorf("invalid label %q", label))
	}
	filterClause, filterParams := buildFilter("n", opts.Filter)
	query := fmt.Sprintf(`
		MATCH (n:%s)
		WHERE n.embedding IS NOT NULL%s
		RETURN n
		LIMIT $limit`, label, filterClause)

	params := map[string]any{"limit": opts.Limit * 2}
	for k, v := range filterParams {
		params[k] = v
	}

	rows, err := s.exec.Execute(ctx, query, params, cypher.Options{AccessMode: cypher.Read})
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}

	var results []Result
	for _, row := range rows {
		node, ok := row["n"].(map[string]any)
		if !ok {
			continue
		}
		candidate := extractVector(node["embedding"])
		if candidate == nil {
			continue
		}
		score := CosineSimilarity(toFloat64s(queryVector), candidate)
		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{Node: node, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// FindSimilar reads the entity's own vector and searches for neighbors,
// excluding the entity itself.
func (s *Service) FindSimilar(ctx context.Context, indexName, label, entityID string, opts SearchOptions) ([]Result, error) {
	if !cypher.ValidIdentifier(label) {
		return nil, cypher.NewError(cypher.KindValidation, "find similar", fmt.Errorf("invalid label %q", label))
	}
	rows, err := s.exec.Execute(ctx,
		fmt.Sprintf(`MATCH (n:%s {id: $id}) RETURN n.embedding AS embedding`, label),
		map[string]any{"id": entityID},
		cypher.Options{AccessMode: cypher.Read})
	if err != nil {
		return nil, fmt.Errorf("read vector for %s: %w", entityID, err)
	}
	if len(rows) == 0 {
		return nil, cypher.NewError(cypher.KindNotFound, "find similar", fmt.Errorf("entity %s not found", entityID))
	}
	vec := extractVector(rows[0]["embedding"])
	if vec == nil {
		return nil, cypher.NewError(cypher.KindNotFound, "find similar", fmt.Errorf("entity %s has no embedding", entityID))
	}

	queryVec := make([]float32, len(vec))
	for i, v := range vec {
		queryVec[i] = float32(v)
	}

	// One extra so dropping self still fills the limit.
	inner := opts
	inner.Limit = opts.Limit + 1
	results, err := s.Search(ctx, indexName, label, queryVec, inner)
	if err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if id, _ := r.Node["id"].(string); id == entityID {
			continue
		}
		out = append(out, r)
	}
	if len(out) > opts.Limit && opts.Limit > 0 {
		out = out[:opts.Limit]
	}
	return out, nil
}

func validateSpec(spec IndexSpec) error {
	if !cypher.ValidIdentifier(spec.Name) || !cypher.ValidIdentifier(spec.Label) || !cypher.ValidIdentifier(spec.PropertyKey) {
		return cypher.NewError(cypher.KindValidation, "ensure index",
			fmt.Errorf("invalid index spec identifiers %q/%q/%q", spec.Name, spec.Label, spec.PropertyKey))
	}
	if spec.Dimensions <= 0 {
		return cypher.NewError(cypher.KindValidation, "ensure index",
			fmt.Errorf("dimensions must be positive, got %d", spec.Dimensions))
	}
	if spec.Similarity != Cosine && spec.Similarity != Euclidean {
		return cypher.NewError(cypher.KindValidation, "ensure index",
			fmt.Errorf("unknown similarity %q", spec.Similarity))
	}
	return nil
}

// buildFilter renders a property-equality filter as WHERE clauses over the
// given variable. Property names are whitelisted identifiers.
func buildFilter(variable string, filter map[string]any) (string, map[string]any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		if cypher.ValidIdentifier(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	clause := ""
	params := make(map[string]any, len(keys))
	for _, k := range keys {
		clause += fmt.Sprintf(" AND %s.%s = $filter_%s", variable, k, k)
		params["filter_"+k] = filter[k]
	}
	return clause, params
}

func rowsToResults(rows []cypher.Row) []Result {
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		node, _ := row["node"].(map[string]any)
		score, _ := row["score"].(float64)
		results = append(results, Result{Node: node, Score: score})
	}
	return results
}

// extractVector pulls a float vector out of a node property, tolerating the
// driver's []any representation.
func extractVector(v any) []float64 {
	switch vec := v.(type) {
	case []float64:
		return vec
	case []float32:
		return toFloat64s(vec)
	case []any:
		out := make([]float64, 0, len(vec))
		for _, item := range vec {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case float32:
				out = append(out, float64(n))
			case int64:
				out = append(out, float64(n))
			default:
				return nil
			}
		}
		return out
	}
	return nil
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
