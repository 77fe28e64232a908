package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

func callRel(from, to string, line int) *graph.Relationship {
	return &graph.Relationship{
		FromEntityID: from,
		ToEntityID:   to,
		Type:         graph.RelCalls,
		Evidence: []graph.Evidence{{
			Kind:       "site",
			FilePath:   "a.ts",
			Line:       line,
			ObservedAt: time.Now().UTC(),
		}},
	}
}

func TestBulkUpsertCollapsesInBatchDuplicates(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewRelationshipService(exec, nil)

	// Two observations of the same call from different sites.
	written, err := svc.BulkUpsert(context.Background(), []*graph.Relationship{
		callRel("sym:a.ts#f", "sym:b.ts#g", 10),
		callRel("sym:a.ts#f", "sym:b.ts#g", 20),
	}, BulkRelationshipOptions{MergeEvidence: true})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}
	if written != 1 {
		t.Errorf("duplicates must collapse onto one edge, wrote %d", written)
	}

	var writeParams map[string]any
	for i, q := range exec.queries {
		if strings.Contains(q, "MERGE (a)-[r:CALLS") {
			writeParams = exec.params[i]
		}
	}
	if writeParams == nil {
		t.Fatalf("no CALLS write issued: %v", exec.queries)
	}
	rows, _ := writeParams["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row, _ := rows[0].(map[string]any)
	props, _ := row["props"].(map[string]any)
	if toInt(props["occurrencesTotal"]) != 2 {
		t.Errorf("occurrences = %v, want 2", props["occurrencesTotal"])
	}
}

func TestBulkUpsertRejectsInvalid(t *testing.T) {
	svc := NewRelationshipService(&fakeExecutor{}, nil)
	_, err := svc.BulkUpsert(context.Background(), []*graph.Relationship{
		{Type: graph.RelCalls, ToEntityID: "x"},
	}, BulkRelationshipOptions{})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("missing from must be a schema violation, got %v", err)
	}
}

func TestBulkUpsertSkipExisting(t *testing.T) {
	stored := callRel("sym:a.ts#f", "sym:b.ts#g", 10)
	if err := stored.Normalize(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	storedProps, _ := relationshipToProps(stored)

	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "WHERE r.id IN $ids") {
				return []cypher.Row{{
					"fromId":  stored.FromEntityID,
					"toId":    stored.ToEntityID,
					"relType": "CALLS",
					"props":   storedProps,
				}}, nil
			}
			return nil, nil
		},
	}
	svc := NewRelationshipService(exec, nil)

	written, err := svc.BulkUpsert(context.Background(),
		[]*graph.Relationship{callRel("sym:a.ts#f", "sym:b.ts#g", 99)},
		BulkRelationshipOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}
	if written != 0 {
		t.Errorf("SkipExisting must leave stored edges alone, wrote %d", written)
	}
}

func TestBulkUpsertMergesIntoStored(t *testing.T) {
	stored := callRel("sym:a.ts#f", "sym:b.ts#g", 10)
	stored.Source = graph.SourceTypeChecker
	if err := stored.Normalize(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	storedProps, _ := relationshipToProps(stored)

	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "WHERE r.id IN $ids") {
				return []cypher.Row{{
					"fromId":  stored.FromEntityID,
					"toId":    stored.ToEntityID,
					"relType": "CALLS",
					"props":   storedProps,
				}}, nil
			}
			return nil, nil
		},
	}
	svc := NewRelationshipService(exec, nil)

	incoming := callRel("sym:a.ts#f", "sym:b.ts#g", 42)
	written, err := svc.BulkUpsert(context.Background(),
		[]*graph.Relationship{incoming},
		BulkRelationshipOptions{MergeEvidence: true, UpdateTimestamps: true})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}
	if written != 1 {
		t.Fatalf("written = %d, want 1", written)
	}

	var props map[string]any
	for i, q := range exec.queries {
		if strings.Contains(q, "MERGE (a)-[r:CALLS") {
			rows, _ := exec.params[i]["rows"].([]any)
			row, _ := rows[0].(map[string]any)
			props, _ = row["props"].(map[string]any)
		}
	}
	if props == nil {
		t.Fatal("no write issued")
	}
	// Stored edge was type-checker resolved; an AST observation must not
	// downgrade it.
	if props["source"] != string(graph.SourceTypeChecker) {
		t.Errorf("source downgraded to %v", props["source"])
	}
	if toInt(props["occurrencesTotal"]) != 2 {
		t.Errorf("occurrences = %v, want 2", props["occurrencesTotal"])
	}
}

func TestBulkUpsertGroupsByType(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewRelationshipService(exec, nil)

	_, err := svc.BulkUpsert(context.Background(), []*graph.Relationship{
		callRel("sym:a.ts#f", "sym:b.ts#g", 1),
		{
			FromEntityID: "file:a.ts",
			ToRef:        graph.TargetRef{Kind: graph.RefExternal, Name: "lodash"},
			Type:         graph.RelImports,
		},
	}, BulkRelationshipOptions{})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	var sawCalls, sawImports bool
	for _, q := range exec.queries {
		if strings.Contains(q, "[r:CALLS") {
			sawCalls = true
		}
		if strings.Contains(q, "[r:IMPORTS") {
			sawImports = true
		}
	}
	if !sawCalls || !sawImports {
		t.Errorf("expected one statement per edge type, got %v", exec.queries)
	}
}

func TestBulkUpsertPlaceholderTarget(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewRelationshipService(exec, nil)

	_, err := svc.BulkUpsert(context.Background(), []*graph.Relationship{{
		FromEntityID: "file:a.ts",
		ToRef:        graph.TargetRef{Kind: graph.RefExternal, Name: "lodash"},
		Type:         graph.RelImports,
	}}, BulkRelationshipOptions{})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	var row map[string]any
	for i, q := range exec.queries {
		if strings.Contains(q, "[r:IMPORTS") {
			rows, _ := exec.params[i]["rows"].([]any)
			row, _ = rows[0].(map[string]any)
		}
	}
	if row == nil {
		t.Fatal("no write issued")
	}
	if row["toId"] != "external:lodash" {
		t.Errorf("unresolved target must use the ref key, got %v", row["toId"])
	}
	if row["placeholder"] != true {
		t.Error("unresolved target must create a placeholder node")
	}
}

func TestMarkInactiveNotSeenSince(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{{"closed": int64(3)}}, nil
		},
	}
	svc := NewRelationshipService(exec, nil)

	closed, err := svc.MarkInactiveNotSeenSince(context.Background(),
		[]string{"sym:a.ts#f"}, time.Now().UTC(), "cs-1")
	if err != nil {
		t.Fatalf("mark inactive: %v", err)
	}
	if closed != 3 {
		t.Errorf("closed = %d, want 3", closed)
	}
	if !strings.Contains(exec.queries[0], "r.active = true") {
		t.Errorf("must only touch active edges: %s", exec.queries[0])
	}

	// No origin entities means nothing to close and no query issued.
	before := len(exec.queries)
	closed, err = svc.MarkInactiveNotSeenSince(context.Background(), nil, time.Now().UTC(), "cs-1")
	if err != nil || closed != 0 || len(exec.queries) != before {
		t.Errorf("empty fromIDs must be a no-op, closed=%d err=%v", closed, err)
	}
}

func TestMergeNormalizedDuplicates(t *testing.T) {
	older := callRel("sym:a.ts#f", "sym:b.ts#g", 10)
	older.Created = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := older.Normalize(older.Created); err != nil {
		t.Fatal(err)
	}
	newer := callRel("sym:a.ts#f", "sym:b.ts#g", 20)
	if err := newer.Normalize(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	newer.ID = "rel-legacy-duplicate"
	olderProps, _ := relationshipToProps(older)
	newerProps, _ := relationshipToProps(newer)

	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "collect({toId") {
				return []cypher.Row{{
					"fromId":    "sym:a.ts#f",
					"relType":   "CALLS",
					"targetKey": "sym:b.ts#g",
					"edges": []any{
						map[string]any{"toId": "sym:b.ts#g", "props": olderProps},
						map[string]any{"toId": "sym:b.ts#g", "props": newerProps},
					},
				}}, nil
			}
			return nil, nil
		},
	}
	svc := NewRelationshipService(exec, nil)

	removed, err := svc.MergeNormalizedDuplicates(context.Background())
	if err != nil {
		t.Fatalf("merge duplicates: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	var sawDelete, sawRewrite bool
	for _, q := range exec.queries {
		if strings.Contains(q, "DELETE r") {
			sawDelete = true
		}
		if strings.Contains(q, "MERGE (a)-[r:CALLS {id: $relId}]") {
			sawRewrite = true
		}
	}
	if !sawDelete || !sawRewrite {
		t.Errorf("expected delete plus canonical rewrite, got %v", exec.queries)
	}
}

func TestGetStats(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{
				{"relType": "CALLS", "active": true, "total": int64(10)},
				{"relType": "CALLS", "active": false, "total": int64(2)},
				{"relType": "IMPORTS", "active": true, "total": int64(5)},
			}, nil
		},
	}
	svc := NewRelationshipService(exec, nil)

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 17 || stats.Active != 15 || stats.Inactive != 2 {
		t.Errorf("totals wrong: %+v", stats)
	}
	if stats.ByType["CALLS"] != 12 {
		t.Errorf("CALLS count = %d, want 12", stats.ByType["CALLS"])
	}
}

func TestGetRelationshipNotFound(t *testing.T) {
	svc := NewRelationshipService(&fakeExecutor{}, nil)
	_, err := svc.Get(context.Background(), "rel-ghost")
	if !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("expected ErrRelationshipNotFound, got %v", err)
	}
}
