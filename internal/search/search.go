// Package search serves structural, semantic, and hybrid queries over
// the knowledge graph, with request-keyed result caching and per-query
// metrics.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/vector"
)

// SearchType selects the search strategy.
type SearchType string

const (
	Structural SearchType = "structural"
	Semantic   SearchType = "semantic"
	Hybrid     SearchType = "hybrid"
)

// hybridStructuralBoost weights exact matches over vector neighbors when
// merging hybrid results.
const hybridStructuralBoost = 1.2

// Request is one search invocation.
type Request struct {
	Query          string             `json:"query"`
	EntityTypes    []graph.EntityKind `json:"entityTypes,omitempty"`
	SearchType     SearchType         `json:"searchType,omitempty"`
	Filters        map[string]any     `json:"filters,omitempty"`
	Fuzzy          bool               `json:"fuzzy,omitempty"`
	IncludeRelated bool               `json:"includeRelated,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

// Result is one scored hit.
type Result struct {
	Entity    map[string]any   `json:"entity"`
	Score     float64          `json:"score"`
	MatchType SearchType       `json:"matchType"`
	Related   []map[string]any `json:"related,omitempty"`
}

// Metrics summarizes search activity.
type Metrics struct {
	TotalSearches  int             `json:"totalSearches"`
	CacheHits      int             `json:"cacheHits"`
	HitRate        float64         `json:"hitRate"`
	TopQueries     []QueryCount    `json:"topQueries"`
	RecentLatency  []time.Duration `json:"recentLatency"`
	CachedRequests int             `json:"cachedRequests"`
}

// QueryCount pairs a query string with its frequency.
type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// Event names emitted via the OnEvent hook.
const (
	EventCompleted    = "search:completed"
	EventCacheHit     = "search:cache:hit"
	EventCacheCleared = "cache:cleared"
)

// latencyWindow bounds the recent-latency ring.
const latencyWindow = 50

// Service runs searches. OnEvent, when set, receives lifecycle events.
type Service struct {
	exec   cypher.Executor
	emb    *embeddings.Service
	cache  *resultCache
	logger *zap.Logger

	OnEvent func(name string, fields map[string]any)

	mu         sync.Mutex
	total      int
	hits       int
	queryFreq  map[string]int
	latencies  []time.Duration
	latencyIdx int
}

// NewService creates a search service.
func NewService(exec cypher.Executor, emb *embeddings.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		exec:      exec,
		emb:       emb,
		cache:     newResultCache(defaultCacheSize, defaultCacheTTL),
		logger:    logger,
		queryFreq: map[string]int{},
	}
}

// Search runs the request with the selected strategy, serving repeated
// requests from the cache.
func (s *Service) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	s.recordQuery(req.Query)

	if cached, ok := s.cache.get(key); ok {
		s.recordHit()
		s.emit(EventCacheHit, map[string]any{"query": req.Query})
		return cached, nil
	}

	strategy := selectStrategy(req)
	var results []Result
	switch strategy {
	case Structural:
		results, err = s.structural(ctx, req)
	case Semantic:
		results, err = s.semantic(ctx, req)
	default:
		results, err = s.hybrid(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if req.IncludeRelated {
		if err := s.attachRelated(ctx, results); err != nil {
			s.logger.Warn("related lookup failed", zap.Error(err))
		}
	}

	s.cache.put(key, results)
	s.recordLatency(time.Since(start))
	s.emit(EventCompleted, map[string]any{
		"query":    req.Query,
		"strategy": string(strategy),
		"results":  len(results),
	})
	return results, nil
}

// selectStrategy picks the strategy: explicit request type wins, path-like
// queries and heavily-filtered requests go structural, everything else
// hybrid.
func selectStrategy(req Request) SearchType {
	switch req.SearchType {
	case Structural, Semantic:
		return req.SearchType
	}
	if strings.ContainsAny(req.Query, "/:") || len(req.Filters) > 2 {
		return Structural
	}
	return Hybrid
}

// structural fans out per entity label in parallel: substring matches on
// name, path, and id score 1.0; fuzzy matches score their similarity.
func (s *Service) structural(ctx context.Context, req Request) ([]Result, error) {
	kinds := req.EntityTypes
	if len(kinds) == 0 {
		kinds = []graph.EntityKind{graph.KindFile, graph.KindSymbol, graph.KindModule,
			graph.KindTest, graph.KindSpec, graph.KindDocumentation}
	}

	var mu sync.Mutex
	var merged []Result
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			hits, err := s.structuralByKind(gctx, req, kind)
			if err != nil {
				return err
			}
			mu.Lock()
			merged = append(merged, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortResults(merged)
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	return merged, nil
}

func (s *Service) structuralByKind(ctx context.Context, req Request, kind graph.EntityKind) ([]Result, error) {
	filterClause, filterParams := filterWhere(req.Filters)
	params := map[string]any{
		"kind":  string(kind),
		"query": req.Query,
		"limit": req.Limit,
	}
	for k, v := range filterParams {
		params[k] = v
	}

	var query string
	if req.Fuzzy {
		// Pull candidates for host-side similarity scoring.
		query = `
			MATCH (n:Entity)
			WHERE n.type = $kind` + filterClause + `
			RETURN n
			LIMIT 500`
	} else {
		query = `
			MATCH (n:Entity)
			WHERE n.type = $kind
			  AND (n.name CONTAINS $query OR n.path CONTAINS $query OR n.id CONTAINS $query)` +
			filterClause + `
			RETURN n
			LIMIT $limit`
	}

	rows, err := s.exec.Execute(ctx, query, params,
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("structural search %s: %w", kind, err)
	}

	var out []Result
	for _, row := range rows {
		node, ok := row["n"].(map[string]any)
		if !ok {
			continue
		}
		delete(node, "_labels")
		score := matchScore(node, req.Query, req.Fuzzy)
		if score <= 0 {
			continue
		}
		out = append(out, Result{Entity: node, Score: score, MatchType: Structural})
	}
	return out, nil
}

// matchScore scores a node against the query: exact substring 1.0, fuzzy
// similarity when at least 0.6.
func matchScore(node map[string]any, query string, fuzzy bool) float64 {
	name, _ := node["name"].(string)
	path, _ := node["path"].(string)
	id, _ := node["id"].(string)
	if strings.Contains(name, query) || strings.Contains(path, query) || strings.Contains(id, query) {
		return 1.0
	}
	if !fuzzy {
		return 0
	}
	best := Similarity(name, query)
	if sim := Similarity(path, query); sim > best {
		best = sim
	}
	if best >= 0.6 {
		return best
	}
	return 0
}

// semantic embeds the query and searches the vector index.
func (s *Service) semantic(ctx context.Context, req Request) ([]Result, error) {
	opts := vector.SearchOptions{Limit: req.Limit, Filter: req.Filters}
	if len(req.EntityTypes) == 1 {
		if opts.Filter == nil {
			opts.Filter = map[string]any{}
		}
		opts.Filter["type"] = string(req.EntityTypes[0])
	}
	hits, err := s.emb.Search(ctx, req.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		delete(h.Node, "_labels")
		out = append(out, Result{Entity: h.Node, Score: h.Score, MatchType: Semantic})
	}
	return out, nil
}

// hybrid runs both strategies at half limit, boosts structural scores by
// 1.2, and averages duplicates.
func (s *Service) hybrid(ctx context.Context, req Request) ([]Result, error) {
	half := req.Limit / 2
	if half < 1 {
		half = 1
	}
	structReq := req
	structReq.Limit = half
	semReq := req
	semReq.Limit = half

	var structHits, semHits []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		structHits, err = s.structural(gctx, structReq)
		return err
	})
	g.Go(func() error {
		var err error
		semHits, err = s.semantic(gctx, semReq)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := map[string]*Result{}
	var order []string
	for _, h := range structHits {
		id, _ := h.Entity["id"].(string)
		h.Score *= hybridStructuralBoost
		h.MatchType = Hybrid
		hit := h
		byID[id] = &hit
		order = append(order, id)
	}
	for _, h := range semHits {
		id, _ := h.Entity["id"].(string)
		if existing, ok := byID[id]; ok {
			existing.Score = (existing.Score + h.Score) / 2
			continue
		}
		h.MatchType = Hybrid
		hit := h
		byID[id] = &hit
		order = append(order, id)
	}

	merged := make([]Result, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	sortResults(merged)
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	return merged, nil
}

// attachRelated loads one-hop neighbors for each result.
func (s *Service) attachRelated(ctx context.Context, results []Result) error {
	for i := range results {
		id, _ := results[i].Entity["id"].(string)
		if id == "" {
			continue
		}
		rows, err := s.exec.Execute(ctx, `
			MATCH (n:Entity {id: $id})-[r]-(m:Entity)
			WHERE r.active = true OR r.active IS NULL
			RETURN m LIMIT 10`,
			map[string]any{"id": id},
			cypher.Options{AccessMode: cypher.Read, Retryable: true})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if m, ok := row["m"].(map[string]any); ok {
				delete(m, "_labels")
				results[i].Related = append(results[i].Related, m)
			}
		}
	}
	return nil
}

// ClearCache drops all cached results.
func (s *Service) ClearCache() {
	s.cache.clear()
	s.emit(EventCacheCleared, nil)
}

// GetMetrics reports search activity.
func (s *Service) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		TotalSearches:  s.total,
		CacheHits:      s.hits,
		CachedRequests: s.cache.len(),
		RecentLatency:  append([]time.Duration(nil), s.latencies...),
	}
	if s.total > 0 {
		m.HitRate = float64(s.hits) / float64(s.total)
	}
	for q, n := range s.queryFreq {
		m.TopQueries = append(m.TopQueries, QueryCount{Query: q, Count: n})
	}
	sort.Slice(m.TopQueries, func(i, j int) bool {
		if m.TopQueries[i].Count != m.TopQueries[j].Count {
			return m.TopQueries[i].Count > m.TopQueries[j].Count
		}
		return m.TopQueries[i].Query < m.TopQueries[j].Query
	})
	if len(m.TopQueries) > 10 {
		m.TopQueries = m.TopQueries[:10]
	}
	return m
}

func (s *Service) recordQuery(q string) {
	s.mu.Lock()
	s.total++
	s.queryFreq[q]++
	s.mu.Unlock()
}

func (s *Service) recordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Service) recordLatency(d time.Duration) {
	s.mu.Lock()
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, d)
	} else {
		s.latencies[s.latencyIdx] = d
		s.latencyIdx = (s.latencyIdx + 1) % latencyWindow
	}
	s.mu.Unlock()
}

func (s *Service) emit(name string, fields map[string]any) {
	if s.OnEvent != nil {
		s.OnEvent(name, fields)
	}
}

// sortResults orders by score descending, ties broken by entity id
// ascending for determinism.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		a, _ := results[i].Entity["id"].(string)
		b, _ := results[j].Entity["id"].(string)
		return a < b
	})
}

// requestKey canonicalizes the request as its cache key. Map keys are
// sorted by the JSON encoder, so equal requests share a key.
func requestKey(req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	return string(data), nil
}

// filterWhere renders property-equality filters over n with whitelisted
// identifiers.
func filterWhere(filters map[string]any) (string, map[string]any) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if cypher.ValidIdentifier(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	clause := ""
	params := make(map[string]any, len(keys))
	for _, k := range keys {
		clause += fmt.Sprintf(" AND n.%s = $filter_%s", k, k)
		params["filter_"+k] = filters[k]
	}
	return clause, params
}
