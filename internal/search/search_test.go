package search

import (
	"context"
	"strings"
	"testing"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/vector"
)

type fakeExecutor struct {
	queries []string
	respond func(query string, params map[string]any) ([]cypher.Row, error)
}

func (f *fakeExecutor) Execute(_ context.Context, query string, params map[string]any, _ cypher.Options) ([]cypher.Row, error) {
	f.queries = append(f.queries, query)
	if f.respond != nil {
		return f.respond(query, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Transaction(_ context.Context, queries []cypher.Query, _ cypher.Options) ([][]cypher.Row, error) {
	out := make([][]cypher.Row, len(queries))
	for i, q := range queries {
		f.queries = append(f.queries, q.Text)
		if f.respond != nil {
			rows, err := f.respond(q.Text, q.Params)
			if err != nil {
				return nil, err
			}
			out[i] = rows
		}
	}
	return out, nil
}

func (f *fakeExecutor) CallProcedure(_ context.Context, name string, params map[string]any, _ cypher.Options) ([]cypher.Row, error) {
	if f.respond != nil {
		return f.respond("CALL "+name, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Close(context.Context) error { return nil }

type fixedEmbedder struct{ dims int }

func (f *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	vec := make([]float32, f.dims)
	vec[0] = 1
	return vec, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, "")
	}
	return out, nil
}

func (f *fixedEmbedder) ModelVersion() string { return "fixed" }
func (f *fixedEmbedder) Dimensions() int      { return f.dims }
func (f *fixedEmbedder) Close() error         { return nil }

func testService(exec *fakeExecutor) *Service {
	emb := embeddings.NewService(&fixedEmbedder{dims: 4}, vector.NewService(exec, nil), exec, nil)
	return NewService(exec, emb, nil)
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want SearchType
	}{
		{"explicit structural", Request{Query: "foo", SearchType: Structural}, Structural},
		{"explicit semantic", Request{Query: "foo", SearchType: Semantic}, Semantic},
		{"path query", Request{Query: "src/auth"}, Structural},
		{"symbol id query", Request{Query: "file:a.ts"}, Structural},
		{"many filters", Request{Query: "foo", Filters: map[string]any{"a": 1, "b": 2, "c": 3}}, Structural},
		{"plain query", Request{Query: "login handler"}, Hybrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectStrategy(tt.req); got != tt.want {
				t.Errorf("selectStrategy = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	if Similarity("handler", "handler") != 1 {
		t.Error("identical strings must score 1")
	}
	if sim := Similarity("handler", "handlr"); sim < 0.8 {
		t.Errorf("one deletion should stay high, got %f", sim)
	}
	if sim := Similarity("abc", "xyz"); sim > 0.1 {
		t.Errorf("disjoint strings should score near 0, got %f", sim)
	}
}

func TestStructuralExactScoresOne(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if params["kind"] == "symbol" {
				return []cypher.Row{
					{"n": map[string]any{"id": "sym:a.ts#login", "name": "login", "type": "symbol"}},
				}, nil
			}
			return nil, nil
		},
	}
	svc := testService(exec)

	results, err := svc.Search(context.Background(), Request{
		Query:      "login",
		SearchType: Structural,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != 1.0 || results[0].MatchType != Structural {
		t.Errorf("exact match must score 1.0 structural, got %+v", results[0])
	}
}

func TestStructuralFuzzyThreshold(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if params["kind"] == "symbol" {
				return []cypher.Row{
					{"n": map[string]any{"id": "sym:a.ts#fn1", "name": "loginUsr"}},
					{"n": map[string]any{"id": "sym:b.ts#unrelated", "name": "zzzzzzzz"}},
				}, nil
			}
			return nil, nil
		},
	}
	svc := testService(exec)

	results, err := svc.Search(context.Background(), Request{
		Query:       "loginUser",
		SearchType:  Structural,
		EntityTypes: []graph.EntityKind{graph.KindSymbol},
		Fuzzy:       true,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("similarity below 0.6 must be dropped, got %d results", len(results))
	}
	if results[0].Score >= 1.0 || results[0].Score < 0.6 {
		t.Errorf("fuzzy score out of range: %f", results[0].Score)
	}
}

func TestHybridMergeBoostsAndAverages(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			switch {
			case strings.Contains(query, "CONTAINS $query"):
				if params["kind"] == "symbol" {
					return []cypher.Row{
						{"n": map[string]any{"id": "both", "name": "login"}},
						{"n": map[string]any{"id": "structOnly", "name": "login2"}},
					}, nil
				}
				return nil, nil
			case strings.Contains(query, "queryNodes"):
				return []cypher.Row{
					{"node": map[string]any{"id": "both"}, "score": 0.8},
					{"node": map[string]any{"id": "semOnly"}, "score": 0.7},
				}, nil
			}
			return nil, nil
		},
	}
	svc := testService(exec)

	results, err := svc.Search(context.Background(), Request{
		Query:       "login",
		EntityTypes: []graph.EntityKind{graph.KindSymbol},
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	scores := map[string]float64{}
	for _, r := range results {
		id, _ := r.Entity["id"].(string)
		scores[id] = r.Score
		if r.MatchType != Hybrid {
			t.Errorf("hybrid results must be tagged hybrid, got %s", r.MatchType)
		}
	}
	// both: (1.0*1.2 + 0.8) / 2 = 1.0
	if got := scores["both"]; got < 0.99 || got > 1.01 {
		t.Errorf("duplicate must average boosted scores, got %f", got)
	}
	// structOnly: 1.0 * 1.2
	if got := scores["structOnly"]; got < 1.19 || got > 1.21 {
		t.Errorf("structural-only must keep the boost, got %f", got)
	}
	if got := scores["semOnly"]; got != 0.7 {
		t.Errorf("semantic-only keeps its similarity, got %f", got)
	}
	// Sorted by score descending.
	if id, _ := results[0].Entity["id"].(string); id != "structOnly" {
		t.Errorf("highest score first, got %s", id)
	}
}

func TestSearchCacheHit(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if params != nil && params["kind"] == "symbol" {
				return []cypher.Row{{"n": map[string]any{"id": "sym:x", "name": "cacheTest"}}}, nil
			}
			return nil, nil
		},
	}
	svc := testService(exec)
	var events []string
	svc.OnEvent = func(name string, _ map[string]any) { events = append(events, name) }

	req := Request{Query: "cacheTest", SearchType: Structural, Limit: 5}
	if _, err := svc.Search(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	queriesAfterFirst := len(exec.queries)

	results, err := svc.Search(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.queries) != queriesAfterFirst {
		t.Error("second identical request must be served from cache")
	}
	if len(results) != 1 {
		t.Errorf("cached results lost: %d", len(results))
	}

	m := svc.GetMetrics()
	if m.TotalSearches != 2 || m.CacheHits != 1 || m.HitRate != 0.5 {
		t.Errorf("metrics wrong: %+v", m)
	}

	var sawHit, sawCompleted bool
	for _, e := range events {
		if e == EventCacheHit {
			sawHit = true
		}
		if e == EventCompleted {
			sawCompleted = true
		}
	}
	if !sawHit || !sawCompleted {
		t.Errorf("events missing: %v", events)
	}

	svc.ClearCache()
	if _, err := svc.Search(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if len(exec.queries) == queriesAfterFirst {
		t.Error("cleared cache must re-run the query")
	}
}

func TestSearchTieBreakByID(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if params["kind"] == "symbol" {
				return []cypher.Row{
					{"n": map[string]any{"id": "sym:b", "name": "tie"}},
					{"n": map[string]any{"id": "sym:a", "name": "tie"}},
				}, nil
			}
			return nil, nil
		},
	}
	svc := testService(exec)

	results, err := svc.Search(context.Background(), Request{
		Query:       "tie",
		SearchType:  Structural,
		EntityTypes: []graph.EntityKind{graph.KindSymbol},
		Limit:       10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if id, _ := results[0].Entity["id"].(string); id != "sym:a" {
		t.Errorf("equal scores must order by id ascending, got %s first", id)
	}
}

func TestTopQueries(t *testing.T) {
	svc := testService(&fakeExecutor{})
	for i := 0; i < 3; i++ {
		svc.Search(context.Background(), Request{Query: "popular", SearchType: Structural})
	}
	svc.Search(context.Background(), Request{Query: "rare", SearchType: Structural})

	m := svc.GetMetrics()
	if len(m.TopQueries) == 0 || m.TopQueries[0].Query != "popular" || m.TopQueries[0].Count != 3 {
		t.Errorf("top queries wrong: %+v", m.TopQueries)
	}
}
