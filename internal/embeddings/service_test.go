package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/vector"
)

// fakeEmbedder returns fixed-dimension vectors, optionally failing.
type fakeEmbedder struct {
	dims  int
	fail  bool
	calls int64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.fail {
		return nil, errors.New("provider down")
	}
	vec := make([]float32, f.dims)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelVersion() string { return "fake-model" }
func (f *fakeEmbedder) Dimensions() int      { return f.dims }
func (f *fakeEmbedder) Close() error         { return nil }

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

func testService(t *testing.T, emb Embedder) (*Service, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{}
	return NewService(emb, vector.NewService(exec, nil), exec, nil), exec
}

func symbolEntity(id, name string) *graph.Entity {
	return &graph.Entity{
		ID:   id,
		Kind: graph.KindSymbol,
		Name: name,
		Path: "src/a.ts",
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      graph.SymbolFunction,
			Signature: fmt.Sprintf("function %s(): void", name),
		},
	}
}

func TestPrepareEntityContentCapped(t *testing.T) {
	e := symbolEntity("sym:a.ts#f", "f")
	e.Symbol.Docstring = strings.Repeat("x", 10000)

	digest := PrepareEntityContent(e)
	if len(digest) != maxDigestChars {
		t.Errorf("digest length = %d, want %d", len(digest), maxDigestChars)
	}
	if !strings.HasPrefix(digest, "symbol f") {
		t.Errorf("digest must lead with kind and name: %q", digest[:20])
	}
}

func TestPrepareEntityContentDeterministicMetadata(t *testing.T) {
	e := symbolEntity("sym:a.ts#f", "f")
	e.Metadata = map[string]any{"zeta": "1", "alpha": "2", "skip": []any{"arrays"}}

	a := PrepareEntityContent(e)
	b := PrepareEntityContent(e)
	if a != b {
		t.Error("digest must be deterministic across map iterations")
	}
	if strings.Index(a, "alpha") > strings.Index(a, "zeta") {
		t.Error("metadata keys must appear in sorted order")
	}
}

func TestFallbackVector(t *testing.T) {
	zero := FallbackVector("id-1", "", 8)
	if !IsZeroVector(zero) {
		t.Error("empty content must produce a zero vector")
	}

	a := FallbackVector("id-1", "content", 8)
	b := FallbackVector("id-1", "content", 8)
	c := FallbackVector("id-2", "content", 8)
	if IsZeroVector(a) {
		t.Error("non-empty content must produce a non-zero vector")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("fallback must be deterministic per entity id")
		}
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different entities must get different fallback vectors")
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("fallback vector must be unit length, got %f", norm)
	}
}

func TestGenerateAndStoreProvider(t *testing.T) {
	svc, exec := testService(t, &fakeEmbedder{dims: 8})

	vec, err := svc.GenerateAndStore(context.Background(), symbolEntity("sym:a.ts#f", "f"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("vector dims = %d, want 8", len(vec))
	}
	var sawUpsert bool
	for _, q := range exec.queries {
		if strings.Contains(q, "n.embedding = row.vector") {
			sawUpsert = true
		}
	}
	if !sawUpsert {
		t.Errorf("vector upsert not issued: %v", exec.queries)
	}
}

func TestGenerateAndStoreFallsBack(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{dims: 8, fail: true})

	vec, err := svc.GenerateAndStore(context.Background(), symbolEntity("sym:a.ts#f", "f"))
	if err != nil {
		t.Fatalf("provider failure must degrade, not error: %v", err)
	}
	if IsZeroVector(vec) {
		t.Error("non-empty digest must get a random unit fallback, not zeros")
	}
}

func TestBatchEmbedProgressAndCounts(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{dims: 8})

	entities := make([]*graph.Entity, 25)
	for i := range entities {
		entities[i] = symbolEntity(fmt.Sprintf("sym:a.ts#f%d", i), fmt.Sprintf("f%d", i))
	}

	var progressCalls int64
	result, err := svc.BatchEmbed(context.Background(), entities, BatchOptions{
		BatchSize: 10,
		OnProgress: func(p BatchProgress) {
			atomic.AddInt64(&progressCalls, 1)
			if p.Total != 25 {
				t.Errorf("progress total = %d, want 25", p.Total)
			}
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Embedded != 25 || len(result.Failures) != 0 {
		t.Errorf("embedded=%d failures=%d, want 25/0", result.Embedded, len(result.Failures))
	}
	// 25 entities at batch size 10 is 3 chunks.
	if progressCalls != 3 {
		t.Errorf("progress calls = %d, want 3", progressCalls)
	}
}

func TestBatchEmbedRecordsFallbacks(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{dims: 8, fail: true})

	result, err := svc.BatchEmbed(context.Background(), []*graph.Entity{
		symbolEntity("sym:a.ts#f", "f"),
		symbolEntity("sym:a.ts#g", "g"),
	}, BatchOptions{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Fallback != 2 || result.Embedded != 0 {
		t.Errorf("fallback=%d embedded=%d, want 2/0", result.Fallback, result.Embedded)
	}
}

func TestBatchEmbedCancellation(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{dims: 8})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.BatchEmbed(ctx, []*graph.Entity{symbolEntity("sym:a.ts#f", "f")}, BatchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFindSimilarUsesCache(t *testing.T) {
	emb := &fakeEmbedder{dims: 4}
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "queryNodes") {
				return []cypher.Row{
					{"node": map[string]any{"id": "sym:a.ts#f"}, "score": 1.0},
					{"node": map[string]any{"id": "sym:b.ts#g"}, "score": 0.9},
				}, nil
			}
			return nil, nil
		},
	}
	svc := NewService(emb, vector.NewService(exec, nil), exec, nil)

	// Prime the cache.
	if _, err := svc.GenerateAndStore(context.Background(), symbolEntity("sym:a.ts#f", "f")); err != nil {
		t.Fatal(err)
	}
	before := len(exec.queries)

	results, err := svc.FindSimilar(context.Background(), "sym:a.ts#f", vector.SearchOptions{Limit: 1})
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if id, _ := results[0].Node["id"].(string); id != "sym:b.ts#g" {
		t.Errorf("self must be excluded, got %s", id)
	}
	// Cached vector path must not read the entity's vector from the store.
	for _, q := range exec.queries[before:] {
		if strings.Contains(q, "RETURN n.embedding") {
			t.Error("cache hit must skip the store vector read")
		}
	}
}

func TestVectorCacheTTLAndEviction(t *testing.T) {
	c := newVectorCache(2, 50*time.Millisecond)
	c.put("a", []float32{1})
	c.put("b", []float32{2})
	c.put("c", []float32{3}) // evicts a

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry must be evicted at capacity")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("entry b must survive")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.get("b"); ok {
		t.Error("expired entry must miss")
	}
}

func TestGetStats(t *testing.T) {
	emb := &fakeEmbedder{dims: 4}
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "count(n)") {
				return []cypher.Row{{"total": int64(100), "indexed": int64(80)}}, nil
			}
			return []cypher.Row{
				{"embedding": []any{3.0, 4.0}},
				{"embedding": []any{0.0, 1.0}},
			}, nil
		},
	}
	svc := NewService(emb, vector.NewService(exec, nil), exec, nil)

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntities != 100 || stats.IndexedCount != 80 || stats.Dimensions != 4 {
		t.Errorf("stats wrong: %+v", stats)
	}
	// Magnitudes 5 and 1 average to 3.
	if stats.AvgMagnitude != 3 {
		t.Errorf("avg magnitude = %f, want 3", stats.AvgMagnitude)
	}
}

func TestNeedsEmbedding(t *testing.T) {
	e := symbolEntity("sym:a.ts#f", "f")
	h := DigestHash(PrepareEntityContent(e))

	if NeedsEmbedding(e, h) {
		t.Error("unchanged digest must not need re-embedding")
	}
	if !NeedsEmbedding(e, "") {
		t.Error("missing stored hash must need embedding")
	}
	e.Symbol.Signature = "function f(x: number): void"
	if !NeedsEmbedding(e, h) {
		t.Error("changed signature must need re-embedding")
	}
}
