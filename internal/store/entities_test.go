package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

func symbolEntity(id, path, name string) *graph.Entity {
	return &graph.Entity{
		ID:       id,
		Kind:     graph.KindSymbol,
		Path:     path,
		Name:     name,
		Language: "typescript",
		Symbol: &graph.SymbolDetail{
			Name:       name,
			Kind:       graph.SymbolFunction,
			Signature:  fmt.Sprintf("function %s(): void", name),
			IsExported: true,
		},
	}
}

func TestCreateValidatesEntity(t *testing.T) {
	svc := NewEntityService(&fakeExecutor{}, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, &graph.Entity{Kind: graph.KindFile})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("missing id should be a schema violation, got %v", err)
	}

	_, err = svc.Create(ctx, &graph.Entity{ID: "x", Kind: "widget"})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("unknown kind should be a schema violation, got %v", err)
	}
}

func TestCreateStampsEntity(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewEntityService(exec, nil)

	e := symbolEntity("sym:a.ts#f", "a.ts", "f")
	got, err := svc.Create(context.Background(), e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Created.IsZero() || got.LastModified.IsZero() {
		t.Error("create must stamp timestamps")
	}
	if got.Version != 1 {
		t.Errorf("new entity version = %d, want 1", got.Version)
	}
	if got.Hash == "" {
		t.Error("create must compute a content hash")
	}
	if len(exec.queries) != 1 || !strings.Contains(exec.queries[0], "CREATE (n:Entity:Symbol)") {
		t.Errorf("unexpected query: %v", exec.queries)
	}
}

func TestUpsertNewEntity(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewEntityService(exec, nil)

	e := symbolEntity("sym:a.ts#f", "a.ts", "f")
	got, err := svc.Upsert(context.Background(), e)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	var sawMerge bool
	for _, q := range exec.queries {
		if strings.Contains(q, "MERGE (n:Entity {id: $id})") {
			sawMerge = true
		}
	}
	if !sawMerge {
		t.Errorf("expected MERGE by id, got %v", exec.queries)
	}
}

func TestUpsertExistingPreservesCreated(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := symbolEntity("sym:a.ts#f", "a.ts", "f")
	stored.Created = created
	stored.Version = 3
	stored.Hash = "oldhash"
	stored.Metadata = map[string]any{"tags": []any{"core"}}
	storedProps, err := entityToProps(stored)
	if err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "MATCH (n:Entity {id: $id}) RETURN n") {
				return []cypher.Row{{"n": storedProps}}, nil
			}
			return nil, nil
		},
	}
	svc := NewEntityService(exec, nil)

	incoming := symbolEntity("sym:a.ts#f", "a.ts", "f")
	incoming.Hash = "newhash"
	incoming.Metadata = map[string]any{"tags": []any{"parser"}}
	got, err := svc.Upsert(context.Background(), incoming)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !got.Created.Equal(created) {
		t.Errorf("created changed on upsert: %v", got.Created)
	}
	if got.Version != 4 {
		t.Errorf("hash change must bump version, got %d", got.Version)
	}
	tags, _ := got.Metadata["tags"].([]string)
	if len(tags) != 2 {
		t.Errorf("metadata arrays must union, got %v", got.Metadata["tags"])
	}
}

func TestUpsertKindConflict(t *testing.T) {
	stored := &graph.Entity{ID: "x", Kind: graph.KindFile}
	storedProps, _ := entityToProps(stored)
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "RETURN n") {
				return []cypher.Row{{"n": storedProps}}, nil
			}
			return nil, nil
		},
	}
	svc := NewEntityService(exec, nil)

	_, err := svc.Upsert(context.Background(), &graph.Entity{ID: "x", Kind: graph.KindSymbol})
	if !errors.Is(err, ErrEntityConflict) {
		t.Errorf("kind change must conflict, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := NewEntityService(&fakeExecutor{}, nil)
	_, err := svc.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{{"deleted": int64(0)}}, nil
		},
	}
	svc := NewEntityService(exec, nil)
	err := svc.Delete(context.Background(), "ghost")
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestListBuildsFilter(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewEntityService(exec, nil)

	_, err := svc.List(context.Background(), EntityFilter{
		Kind:       graph.KindSymbol,
		Language:   "go",
		PathPrefix: "internal/",
		Limit:      10,
		Offset:     20,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	q := exec.queries[0]
	for _, want := range []string{
		"n.type = $kind",
		"n.language = $language",
		"n.path STARTS WITH $pathPrefix",
		"ORDER BY n.path ASC, n.name ASC, n.id ASC",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
	p := exec.params[0]
	if p["limit"] != 10 || p["offset"] != 20 {
		t.Errorf("pagination params wrong: %v", p)
	}
}

func TestBulkUpsertBatches(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewEntityService(exec, nil)

	entities := make([]*graph.Entity, 0, 1200)
	for i := 0; i < 1200; i++ {
		entities = append(entities, symbolEntity(
			fmt.Sprintf("sym:a.ts#f%d", i), "a.ts", fmt.Sprintf("f%d", i)))
	}
	written, err := svc.BulkUpsert(context.Background(), entities)
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}
	if written != 1200 {
		t.Errorf("written = %d, want 1200", written)
	}
	// 1200 symbols at 500 per batch is 3 statements.
	if len(exec.queries) != 3 {
		t.Errorf("expected 3 batches, got %d", len(exec.queries))
	}
	rows, _ := exec.params[0]["rows"].([]any)
	if len(rows) != 500 {
		t.Errorf("first batch size = %d, want 500", len(rows))
	}
}

func TestEntityPropsRoundTrip(t *testing.T) {
	e := symbolEntity("sym:a.ts#f", "a.ts", "f")
	e.Created = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	e.LastModified = e.Created
	e.Version = 2
	e.Hash = "abc"
	e.Metadata = map[string]any{"owner": "platform"}
	e.Symbol.Location = &graph.Location{FilePath: "a.ts", Line: 10, Column: 2}

	props, err := entityToProps(e)
	if err != nil {
		t.Fatalf("to props: %v", err)
	}
	got, err := propsToEntity(props)
	if err != nil {
		t.Fatalf("from props: %v", err)
	}

	if got.ID != e.ID || got.Kind != e.Kind || got.Version != 2 {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Symbol == nil || got.Symbol.Signature != e.Symbol.Signature {
		t.Errorf("symbol detail lost: %+v", got.Symbol)
	}
	if got.Symbol.Location == nil || got.Symbol.Location.Line != 10 {
		t.Errorf("location lost: %+v", got.Symbol.Location)
	}
	if got.Metadata["owner"] != "platform" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}
}

func TestPropsToEntityRejectsMissingID(t *testing.T) {
	_, err := propsToEntity(map[string]any{"type": "file"})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("expected schema violation, got %v", err)
	}
}
