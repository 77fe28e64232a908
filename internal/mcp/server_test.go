package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/search"
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
	f.queries = append(f.queries, "CALL "+name)
	if f.respond != nil {
		return f.respond("CALL "+name, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Close(context.Context) error { return nil }

func testServer(t *testing.T, exec *fakeExecutor) *Server {
	t.Helper()
	s, err := New(Config{}, Deps{
		Exec:   exec,
		Search: search.NewService(exec, nil, nil),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestListTools(t *testing.T) {
	s := testServer(t, &fakeExecutor{})
	tools := s.ListTools()
	if len(tools) != len(DefaultTools) {
		t.Fatalf("tools = %v", tools)
	}
	seen := map[string]bool{}
	for _, name := range tools {
		seen[name] = true
	}
	for _, want := range DefaultTools {
		if !seen[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestCallToolValidation(t *testing.T) {
	s := testServer(t, &fakeExecutor{})
	ctx := context.Background()

	if _, err := s.CallTool(ctx, "ckg_everything", nil); err == nil {
		t.Error("unknown tool must fail")
	}
	if _, err := s.CallTool(ctx, "ckg_search", map[string]any{}); err == nil {
		t.Error("missing query must fail")
	}
	if _, err := s.CallTool(ctx, "ckg_impact", map[string]any{}); err == nil {
		t.Error("missing target must fail")
	}
	if _, err := s.CallTool(ctx, "ckg_search", map[string]any{
		"query": "x", "mode": "psychic",
	}); err == nil {
		t.Error("unknown mode must fail")
	}
	if _, err := s.CallTool(ctx, "ckg_similar", map[string]any{
		"entity_id": "sym:a#f",
	}); err == nil {
		t.Error("similar without embeddings must fail")
	}
}

func TestSearchToolEmptyGraph(t *testing.T) {
	s := testServer(t, &fakeExecutor{})
	out, err := s.CallTool(context.Background(), "ckg_search", map[string]any{
		"query": "AuthService",
		"limit": float64(5),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var payload struct {
		Query string `json:"query"`
		Mode  string `json:"mode"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if payload.Query != "AuthService" || payload.Mode != "structural" || payload.Count != 0 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestImpactTool(t *testing.T) {
	exec := &fakeExecutor{}
	exec.respond = func(query string, params map[string]any) ([]cypher.Row, error) {
		if !strings.Contains(query, "OPTIONAL MATCH") {
			return nil, nil
		}
		if params["target"] != "login" {
			return nil, nil
		}
		return []cypher.Row{
			{
				"targetId": "sym:src/auth.ts#login", "targetName": "login",
				"id": "sym:src/api.ts#handler", "name": "handler",
				"kind": "symbol", "path": "src/api.ts", "distance": int64(1),
			},
			{
				"targetId": "sym:src/auth.ts#login", "targetName": "login",
				"id": "sym:src/main.ts#main", "name": "main",
				"kind": "symbol", "path": "src/main.ts", "distance": int64(2),
			},
		}, nil
	}
	s := testServer(t, exec)

	out, err := s.CallTool(context.Background(), "ckg_impact", map[string]any{
		"target": "login",
		"depth":  float64(4),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var payload struct {
		Depth    int `json:"depth"`
		Count    int `json:"count"`
		Affected []struct {
			ID       string `json:"id"`
			Distance int    `json:"distance"`
		} `json:"affected"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if payload.Depth != 4 || payload.Count != 2 {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Affected[0].Distance != 1 || payload.Affected[1].Distance != 2 {
		t.Errorf("affected ordering wrong: %+v", payload.Affected)
	}

	// A target nothing matches is an error, not an empty result.
	exec.respond = nil
	if _, err := s.CallTool(context.Background(), "ckg_impact", map[string]any{
		"target": "ghost",
	}); err == nil {
		t.Error("unmatched target must fail")
	}
}

func TestStatusTool(t *testing.T) {
	exec := &fakeExecutor{}
	exec.respond = func(query string, params map[string]any) ([]cypher.Row, error) {
		if strings.Contains(query, "count(n)") || strings.Contains(query, "entities") {
			return []cypher.Row{{"entities": int64(120), "relationships": int64(640)}}, nil
		}
		return nil, nil
	}
	s := testServer(t, exec)

	out, err := s.CallTool(context.Background(), "ckg_status", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var payload struct {
		Graph struct {
			Entities      int `json:"entities"`
			Relationships int `json:"relationships"`
		} `json:"graph"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if payload.Graph.Entities != 120 || payload.Graph.Relationships != 640 {
		t.Errorf("payload = %+v", payload)
	}
}
