package embeddings

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/vector"
)

const (
	// DefaultIndexName is the vector index maintained by the service.
	DefaultIndexName = "entity_embedding"
	// entityLabel is the node label embeddings attach to.
	entityLabel = "Entity"
	// defaultBatchSize chunks batch embedding requests.
	defaultBatchSize = 10
	// maxInFlight bounds concurrent provider calls during batches.
	maxInFlight = 4
	// statsSampleSize bounds the magnitude sample in GetStats.
	statsSampleSize = 100
)

// IndexOptions parameterizes InitializeIndex.
type IndexOptions struct {
	Name       string
	Dimensions int
	Similarity vector.Similarity
}

// BatchOptions parameterizes BatchEmbed.
type BatchOptions struct {
	BatchSize    int
	CheckpointID string
	// OnProgress, when set, is called after every chunk.
	OnProgress func(BatchProgress)
}

// BatchProgress reports batch completion state.
type BatchProgress struct {
	Done   int
	Failed int
	Total  int
}

// BatchResult summarizes a batch run. Failures are recorded per entity;
// a partial failure does not abort the batch.
type BatchResult struct {
	Embedded int
	Fallback int
	Failures map[string]error
}

// Stats summarizes embedding coverage.
type Stats struct {
	TotalEntities int     `json:"totalEntities"`
	IndexedCount  int     `json:"indexedCount"`
	Dimensions    int     `json:"dimensions"`
	AvgMagnitude  float64 `json:"avgMagnitude"`
}

// Service generates embeddings and keeps the vector index current.
type Service struct {
	emb       Embedder
	vec       *vector.Service
	exec      cypher.Executor
	cache     *vectorCache
	logger    *zap.Logger
	indexName string
}

// NewService creates an embedding service.
func NewService(emb Embedder, vec *vector.Service, exec cypher.Executor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		emb:       emb,
		vec:       vec,
		exec:      exec,
		cache:     newVectorCache(cacheSize, cacheTTL),
		logger:    logger,
		indexName: DefaultIndexName,
	}
}

// InitializeIndex ensures the vector index exists. Idempotent.
func (s *Service) InitializeIndex(ctx context.Context, opts IndexOptions) error {
	if opts.Name == "" {
		opts.Name = DefaultIndexName
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = s.emb.Dimensions()
	}
	if opts.Similarity == "" {
		opts.Similarity = vector.Cosine
	}
	s.indexName = opts.Name
	return s.vec.EnsureIndex(ctx, vector.IndexSpec{
		Name:        opts.Name,
		Label:       entityLabel,
		PropertyKey: "embedding",
		Dimensions:  opts.Dimensions,
		Similarity:  opts.Similarity,
	})
}

// GenerateAndStore embeds one entity and upserts the vector. Provider
// failures degrade to a fallback vector marked in the stored metadata,
// so downstream search keeps working without corrupting the index.
func (s *Service) GenerateAndStore(ctx context.Context, e *graph.Entity) ([]float32, error) {
	vec, _, err := s.generateAndStore(ctx, e)
	return vec, err
}

func (s *Service) generateAndStore(ctx context.Context, e *graph.Entity) ([]float32, bool, error) {
	digest := PrepareEntityContent(e)

	vec, fallback := s.embedOrFallback(ctx, e.ID, digest)
	props := map[string]any{
		"embeddingModel":  s.emb.ModelVersion(),
		"embeddingDigest": DigestHash(digest),
	}
	if fallback {
		props["embeddingSource"] = "fallback"
	} else {
		props["embeddingSource"] = "provider"
	}

	err := s.vec.UpsertVectors(ctx, entityLabel, []vector.Upsert{{
		ID:         e.ID,
		Vector:     vec,
		Properties: props,
	}})
	if err != nil {
		return nil, fallback, fmt.Errorf("store embedding for %s: %w", e.ID, err)
	}
	s.cache.put(e.ID, vec)
	return vec, fallback, nil
}

func (s *Service) embedOrFallback(ctx context.Context, entityID, digest string) ([]float32, bool) {
	vec, err := s.emb.Embed(ctx, digest)
	if err == nil && len(vec) > 0 {
		return vec, false
	}
	if err != nil {
		s.logger.Warn("embedding provider failed, storing fallback vector",
			zap.String("entity", entityID), zap.Error(err))
	}
	return FallbackVector(entityID, digest, s.emb.Dimensions()), true
}

// BatchEmbed embeds entities in chunks with bounded provider
// concurrency. Per-entity failures are recorded and do not abort the
// run; ctx cancellation does.
func (s *Service) BatchEmbed(ctx context.Context, entities []*graph.Entity, opts BatchOptions) (*BatchResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	result := &BatchResult{Failures: map[string]error{}}
	if len(entities) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(maxInFlight)
	type chunkOutcome struct {
		embedded int
		fallback int
		failures map[string]error
	}
	// Buffered to the chunk count so workers never block on send while
	// the dispatch loop is still acquiring the semaphore.
	totalChunks := (len(entities) + opts.BatchSize - 1) / opts.BatchSize
	outcomes := make(chan chunkOutcome, totalChunks)
	chunks := 0

	for start := 0; start < len(entities); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(entities) {
			end = len(entities)
		}
		chunk := entities[start:end]
		chunks++

		if err := sem.Acquire(ctx, 1); err != nil {
			chunks--
			break
		}
		go func(chunk []*graph.Entity) {
			defer sem.Release(1)
			out := chunkOutcome{failures: map[string]error{}}
			for _, e := range chunk {
				_, fallback, err := s.generateAndStore(ctx, e)
				if err != nil {
					out.failures[e.ID] = err
					continue
				}
				if fallback {
					out.fallback++
				} else {
					out.embedded++
				}
			}
			outcomes <- out
		}(chunk)
	}

	done, failed := 0, 0
	for i := 0; i < chunks; i++ {
		out := <-outcomes
		result.Embedded += out.embedded
		result.Fallback += out.fallback
		for id, err := range out.failures {
			result.Failures[id] = err
		}
		done += out.embedded + out.fallback
		failed += len(out.failures)
		if opts.OnProgress != nil {
			opts.OnProgress(BatchProgress{Done: done, Failed: failed, Total: len(entities)})
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	s.logger.Info("batch embedding complete",
		zap.Int("embedded", result.Embedded),
		zap.Int("fallback", result.Fallback),
		zap.Int("failed", len(result.Failures)),
		zap.String("checkpoint", opts.CheckpointID))
	return result, nil
}

// Search embeds the query text and runs a vector search.
func (s *Service) Search(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.Result, error) {
	vec, err := s.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.vec.Search(ctx, s.indexName, entityLabel, vec, opts)
}

// FindSimilar returns neighbors of an entity, excluding the entity
// itself. The in-process cache avoids a store round-trip for the query
// vector when the entity was embedded recently.
func (s *Service) FindSimilar(ctx context.Context, entityID string, opts vector.SearchOptions) ([]vector.Result, error) {
	if cached, ok := s.cache.get(entityID); ok {
		inner := opts
		inner.Limit = opts.Limit + 1
		results, err := s.vec.Search(ctx, s.indexName, entityLabel, cached, inner)
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
		if opts.Limit > 0 && len(out) > opts.Limit {
			out = out[:opts.Limit]
		}
		return out, nil
	}
	return s.vec.FindSimilar(ctx, s.indexName, entityLabel, entityID, opts)
}

// Invalidate drops an entity from the vector cache, for deletes.
func (s *Service) Invalidate(entityID string) {
	s.cache.invalidate(entityID)
}

// CacheHitRate reports the vector cache hit rate.
func (s *Service) CacheHitRate() float64 {
	return s.cache.hitRate()
}

// GetStats reports embedding coverage and the average magnitude over a
// bounded sample.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (n:Entity)
		RETURN count(n) AS total,
		       count(n.embedding) AS indexed`,
		nil, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("embedding stats: %w", err)
	}
	stats := &Stats{Dimensions: s.emb.Dimensions()}
	if len(rows) > 0 {
		stats.TotalEntities = asInt(rows[0]["total"])
		stats.IndexedCount = asInt(rows[0]["indexed"])
	}

	sample, err := s.exec.Execute(ctx, `
		MATCH (n:Entity)
		WHERE n.embedding IS NOT NULL
		RETURN n.embedding AS embedding
		LIMIT $limit`,
		map[string]any{"limit": statsSampleSize},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("embedding sample: %w", err)
	}
	var sum float64
	var count int
	for _, row := range sample {
		vec := asFloat64s(row["embedding"])
		if vec == nil {
			continue
		}
		sum += vector.Magnitude(vec)
		count++
	}
	if count > 0 {
		stats.AvgMagnitude = sum / float64(count)
	}
	return stats, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asFloat64s(v any) []float64 {
	switch vec := v.(type) {
	case []float64:
		return vec
	case []any:
		out := make([]float64, 0, len(vec))
		for _, item := range vec {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

// NeedsEmbedding reports whether a stored digest hash differs from the
// entity's current digest, meaning the entity must be re-embedded.
func NeedsEmbedding(e *graph.Entity, storedDigestHash string) bool {
	return storedDigestHash == "" || storedDigestHash != DigestHash(PrepareEntityContent(e))
}

// NewLocalEmbedder creates the default embedder for local development.
func NewLocalEmbedder() (Embedder, error) {
	return NewOllamaEmbedder(), nil
}
