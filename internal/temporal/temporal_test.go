package temporal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

type fakeExecutor struct {
	queries []string
	params  []map[string]any
	respond func(query string, params map[string]any) ([]cypher.Row, error)
}

func (f *fakeExecutor) Execute(_ context.Context, query string, params map[string]any, _ cypher.Options) ([]cypher.Row, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if f.respond != nil {
		return f.respond(query, params)
	}
	return nil, nil
}

func (f *fakeExecutor) Transaction(_ context.Context, queries []cypher.Query, _ cypher.Options) ([][]cypher.Row, error) {
	out := make([][]cypher.Row, len(queries))
	for i, q := range queries {
		f.queries = append(f.queries, q.Text)
		f.params = append(f.params, q.Params)
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

func TestTimeTravelTraversalQuery(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{
				{"node": map[string]any{"id": "b", "_labels": []any{"Entity"}}, "depth": int64(1)},
				{"node": map[string]any{"id": "c"}, "depth": int64(2)},
			}, nil
		},
	}
	svc := NewService(exec, nil)

	nodes, err := svc.TimeTravelTraversal(context.Background(), TraversalRequest{
		StartID:           "a",
		Until:             time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		MaxDepth:          2,
		RelationshipTypes: []graph.RelType{graph.RelCalls, graph.RelImports},
	})
	if err != nil {
		t.Fatalf("traversal: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].Depth != 1 || nodes[1].Depth != 2 {
		t.Errorf("depths wrong: %+v", nodes)
	}
	if _, ok := nodes[0].Entity["_labels"]; ok {
		t.Error("driver bookkeeping keys must be stripped")
	}

	q := exec.queries[0]
	if !strings.Contains(q, ":CALLS|IMPORTS*1..2") {
		t.Errorf("type whitelist or depth missing:\n%s", q)
	}
	if !strings.Contains(q, "r.validFrom <= $until") ||
		!strings.Contains(q, "r.validTo IS NULL OR r.validTo > $until") {
		t.Errorf("interval predicate missing:\n%s", q)
	}
}

func TestTimeTravelRejectsUnknownType(t *testing.T) {
	svc := NewService(&fakeExecutor{}, nil)
	_, err := svc.TimeTravelTraversal(context.Background(), TraversalRequest{
		StartID:           "a",
		RelationshipTypes: []graph.RelType{"EATS"},
	})
	if cypher.KindOf(err) != cypher.KindValidation {
		t.Errorf("unknown type must be a validation error, got %v", err)
	}
}

func TestTimeTravelDepthClamped(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewService(exec, nil)
	_, err := svc.TimeTravelTraversal(context.Background(), TraversalRequest{StartID: "a", MaxDepth: 50})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exec.queries[0], "*1..10]") {
		t.Errorf("depth must clamp to 10:\n%s", exec.queries[0])
	}
}

func TestGetRelationshipTimeline(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{
				{"props": map[string]any{"validFrom": t1, "validTo": t2, "active": false, "version": int64(1), "changeSetId": "cs-1"}},
				{"props": map[string]any{"validFrom": t2, "active": true, "version": int64(2), "changeSetId": "cs-2"}},
			}, nil
		},
	}
	svc := NewService(exec, nil)

	tl, err := svc.GetRelationshipTimeline(context.Background(), "rel-abc", Range{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl.Intervals) != 2 {
		t.Fatalf("expected 2 intervals, got %d", len(tl.Intervals))
	}
	if tl.Intervals[0].ValidTo == nil || !tl.Intervals[0].ValidTo.Equal(t2) {
		t.Errorf("closed interval lost validTo: %+v", tl.Intervals[0])
	}
	if !tl.Intervals[1].Active || tl.Intervals[1].Version != 2 {
		t.Errorf("active interval wrong: %+v", tl.Intervals[1])
	}

	// Range filtering keeps only intervals starting inside the window.
	tl, err = svc.GetRelationshipTimeline(context.Background(), "rel-abc",
		Range{From: t2.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(tl.Intervals) != 1 || tl.Intervals[0].Version != 2 {
		t.Errorf("range filter wrong: %+v", tl.Intervals)
	}
}

func TestValidateIntervals(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	ok := []Interval{
		{ValidFrom: t1, ValidTo: &t2},
		{ValidFrom: t2, ValidTo: &t3},
		{ValidFrom: t3, Active: true},
	}
	if err := ValidateIntervals(ok); err != nil {
		t.Errorf("contiguous timeline must validate: %v", err)
	}

	twoActive := []Interval{
		{ValidFrom: t1, Active: true},
		{ValidFrom: t2, Active: true},
	}
	if err := ValidateIntervals(twoActive); err == nil {
		t.Error("two active intervals must fail")
	}

	overlapping := []Interval{
		{ValidFrom: t1, ValidTo: &t3},
		{ValidFrom: t2, ValidTo: &t3},
	}
	if err := ValidateIntervals(overlapping); err == nil {
		t.Error("overlapping intervals must fail")
	}
}

func TestGetSessionImpacts(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			return []cypher.Row{
				{"fromId": "sym:a.ts#f", "edgeId": "rel-1", "edgeType": "CALLS", "validFrom": t1},
				{"fromId": "sym:a.ts#f", "edgeId": "rel-2", "edgeType": "CALLS", "validFrom": t1, "validTo": t1.Add(time.Minute)},
				{"fromId": "sym:b.ts#g", "edgeId": "rel-3", "edgeType": "IMPORTS", "validFrom": t1.Add(time.Hour)},
			}, nil
		},
	}
	svc := NewService(exec, nil)

	impact, err := svc.GetSessionImpacts(context.Background(), "cs-1")
	if err != nil {
		t.Fatalf("impacts: %v", err)
	}
	if len(impact.EntityIDs) != 2 {
		t.Errorf("distinct entities = %d, want 2", len(impact.EntityIDs))
	}
	if impact.EdgesOpened != 2 || impact.EdgesClosed != 1 {
		t.Errorf("opened=%d closed=%d, want 2/1", impact.EdgesOpened, impact.EdgesClosed)
	}
	if !impact.FirstActivity.Equal(t1) {
		t.Errorf("first activity = %v, want %v", impact.FirstActivity, t1)
	}
}

func TestGetHistoryMetrics(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "Checkpoint") {
				return []cypher.Row{{
					"checkpoints": int64(4),
					"avgMembers":  12.5,
					"minMembers":  int64(2),
					"maxMembers":  int64(30),
				}}, nil
			}
			return []cypher.Row{
				{"isVersion": true, "open": false, "total": int64(7)},
				{"isVersion": false, "open": true, "total": int64(100)},
				{"isVersion": false, "open": false, "total": int64(40)},
			}, nil
		},
	}
	svc := NewService(exec, nil)

	m, err := svc.GetHistoryMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.VersionEdges != 7 || m.OpenEdges != 100 || m.ClosedEdges != 47 {
		t.Errorf("edge counts wrong: %+v", m)
	}
	if m.Checkpoints != 4 || m.CheckpointMembers.Avg != 12.5 || m.CheckpointMembers.Max != 30 {
		t.Errorf("checkpoint stats wrong: %+v", m.CheckpointMembers)
	}
}

func TestPruneRecordsSnapshot(t *testing.T) {
	exec := &fakeExecutor{
		respond: func(query string, params map[string]any) ([]cypher.Row, error) {
			if strings.Contains(query, "Checkpoint") {
				return []cypher.Row{{"pruned": int64(2)}}, nil
			}
			return []cypher.Row{{"pruned": int64(9)}}, nil
		},
	}
	svc := NewService(exec, nil)

	snap, err := svc.Prune(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if snap.PrunedEdges != 9 || snap.PrunedCheckpoints != 2 {
		t.Errorf("snapshot wrong: %+v", snap)
	}

	m, err := svc.GetHistoryMetrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.LastPrune == nil || m.LastPrune.PrunedEdges != 9 {
		t.Error("metrics must surface the last prune snapshot")
	}
}
