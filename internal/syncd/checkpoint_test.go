package syncd

import (
	"context"
	"strings"
	"testing"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/store"
)

func TestCheckpointWrite(t *testing.T) {
	exec := &fakeExecutor{}
	var includeRows []any
	exec.respond = func(query string, params map[string]any) ([]cypher.Row, error) {
		if rows, ok := params["rows"].([]any); ok {
			includeRows = rows
		}
		return nil, nil
	}
	c := NewCheckpointer(Stores{
		Entities: store.NewEntityService(exec, nil),
		Rels:     store.NewRelationshipService(exec, nil),
	}, nil)

	id, err := c.Write(context.Background(), []string{
		"sym:src/a.ts#greet",
		"file:src/a.ts",
		"sym:src/a.ts#greet", // duplicate, must collapse
	}, 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id == "" {
		t.Fatal("checkpoint id missing")
	}

	// The node must carry the label the history queries match on
	// (MATCH (c:Checkpoint) in metrics and pruning).
	var created, included bool
	for _, q := range exec.queries {
		if strings.Contains(q, "CREATE (n:Entity:Checkpoint)") {
			created = true
		}
		if strings.Contains(q, "[r:INCLUDES") {
			included = true
		}
		if strings.Contains(q, ":Change)") {
			t.Errorf("checkpoint written under the wrong label: %s", q)
		}
	}
	if !created {
		t.Errorf("no Checkpoint-labeled create issued: %v", exec.queries)
	}
	if !included {
		t.Error("no INCLUDES edges written")
	}
	if len(includeRows) != 2 {
		t.Errorf("INCLUDES rows = %d, want 2 after dedupe", len(includeRows))
	}
	for _, raw := range includeRows {
		row := raw.(map[string]any)
		if row["fromId"] != id {
			t.Errorf("INCLUDES edge from %v, want checkpoint %s", row["fromId"], id)
		}
	}
}

func TestCheckpointWriteEmpty(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewCheckpointer(Stores{
		Entities: store.NewEntityService(exec, nil),
		Rels:     store.NewRelationshipService(exec, nil),
	}, nil)

	id, err := c.Write(context.Background(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id != "" || len(exec.queries) != 0 {
		t.Errorf("empty checkpoint must be a no-op, id=%q queries=%v", id, exec.queries)
	}
}
