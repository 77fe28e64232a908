package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

func TestOpenEdgeFirstInterval(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewTemporalService(exec)

	r, err := svc.OpenEdge(context.Background(), callRel("sym:a.ts#f", "sym:b.ts#g", 1), "cs-1")
	if err != nil {
		t.Fatalf("open edge: %v", err)
	}
	if !r.Active || r.ValidTo != nil {
		t.Error("new interval must be active with open validTo")
	}
	if r.Version != 1 {
		t.Errorf("first interval version = %d, want 1", r.Version)
	}
	if r.ChangeSetID != "cs-1" {
		t.Errorf("change set not stamped: %q", r.ChangeSetID)
	}
	if !strings.HasPrefix(r.ID, "rel-") {
		t.Errorf("first interval keeps the canonical id, got %q", r.ID)
	}
}

func TestOpenEdgeClosesPreviousInterval(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "max(r.version)") {
				return []cypher.Row{{"version": int64(2)}}, nil
			}
			return nil, nil
		},
	}
	svc := NewTemporalService(exec)

	r, err := svc.OpenEdge(context.Background(), callRel("sym:a.ts#f", "sym:b.ts#g", 1), "cs-2")
	if err != nil {
		t.Fatalf("open edge: %v", err)
	}
	if r.Version != 3 {
		t.Errorf("version must continue the chain, got %d", r.Version)
	}
	if !strings.Contains(r.ID, "@v3") {
		t.Errorf("later intervals get versioned ids, got %q", r.ID)
	}

	var sawClose bool
	for _, q := range exec.queries {
		if strings.Contains(q, "SET r.active = false") {
			sawClose = true
		}
	}
	if !sawClose {
		t.Errorf("previous interval must be closed in the same transaction: %v", exec.queries)
	}
}

func TestCloseEdge(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{{"closed": int64(1)}}, nil
		},
	}
	svc := NewTemporalService(exec)

	if err := svc.CloseEdge(context.Background(), "rel-abc", "cs-3"); err != nil {
		t.Errorf("close edge: %v", err)
	}
}

func TestCloseEdgeNotFound(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{{"closed": int64(0)}}, nil
		},
	}
	svc := NewTemporalService(exec)

	err := svc.CloseEdge(context.Background(), "rel-ghost", "cs-3")
	if !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("expected ErrRelationshipNotFound, got %v", err)
	}

	closed, err := svc.CloseEdgeIfActive(context.Background(), "rel-ghost", "cs-3")
	if err != nil || closed {
		t.Errorf("CloseEdgeIfActive must tolerate already-closed edges, closed=%v err=%v", closed, err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var mu sync.Mutex
	counts := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("edge-1")
			defer unlock()
			mu.Lock()
			counts["edge-1"]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts["edge-1"] != 50 {
		t.Errorf("lost updates under keyed lock: %d", counts["edge-1"])
	}
}

func TestRelationshipPropsRoundTrip(t *testing.T) {
	r := callRel("sym:a.ts#f", "sym:b.ts#g", 7)
	r.Metadata = map[string]any{"resolved": "direct"}
	if err := r.Normalize(r.Evidence[0].ObservedAt); err != nil {
		t.Fatal(err)
	}
	props, err := relationshipToProps(r)
	if err != nil {
		t.Fatalf("to props: %v", err)
	}
	got := propsToRelationship(graph.RelCalls, r.FromEntityID, r.ToEntityID, props)

	if got.ID != r.ID || got.Type != graph.RelCalls {
		t.Errorf("identity lost: %+v", got)
	}
	if !got.Active || got.ValidTo != nil {
		t.Errorf("temporal state lost: active=%v validTo=%v", got.Active, got.ValidTo)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].Line != 7 {
		t.Errorf("evidence lost: %+v", got.Evidence)
	}
	if got.Metadata["resolved"] != "direct" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}
}
