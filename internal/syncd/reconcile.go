package syncd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/store"
)

// ReconcileResult summarizes one reconciliation pass over deferred
// references.
type ReconcileResult struct {
	Scanned   int `json:"scanned"`
	Resolved  int `json:"resolved"`
	Rewired   int `json:"rewired"`
	Replaced  int `json:"replaced"`
	Ambiguous int `json:"ambiguous"`
	Remaining int `json:"remaining"`
}

// Reconciler resolves relationships that were committed against
// placeholder targets once the real entities exist. An edge whose
// canonical id survives resolution is rewired in place; one whose
// target key changes is replaced and the old edge closed.
type Reconciler struct {
	stores Stores
	logger *zap.Logger
}

// NewReconciler creates a reconciler over the shared stores.
func NewReconciler(stores Stores, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{stores: stores, logger: logger}
}

// Run scans up to limit deferred edges and resolves what it can.
// External references and historical version links are left alone.
func (r *Reconciler) Run(ctx context.Context, limit int, changeSetID string) (*ReconcileResult, error) {
	deferred, err := r.stores.Rels.ListDeferred(ctx, limit)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{Scanned: len(deferred)}
	for _, rel := range deferred {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		targetID, ok, err := r.resolveTarget(ctx, rel)
		if err != nil {
			return res, err
		}
		if !ok {
			if targetID == "" {
				res.Remaining++
			} else {
				res.Ambiguous++
			}
			continue
		}
		if err := r.apply(ctx, rel, targetID, changeSetID, res); err != nil {
			return res, err
		}
		res.Resolved++
	}
	if res.Resolved > 0 {
		r.logger.Info("deferred references reconciled",
			zap.Int("scanned", res.Scanned),
			zap.Int("resolved", res.Resolved),
			zap.Int("rewired", res.Rewired),
			zap.Int("replaced", res.Replaced))
	}
	return res, nil
}

// resolveTarget finds the concrete entity a deferred ref points at.
// Returns ok=false with an empty id when unresolvable, and ok=false
// with a non-empty id to mark ambiguity.
func (r *Reconciler) resolveTarget(ctx context.Context, rel *graph.Relationship) (string, bool, error) {
	if rel.Type == graph.RelPreviousVersion {
		return "", false, nil
	}
	ref := rel.ToRef
	switch ref.Kind {
	case graph.RefFileSymbol:
		id := graph.SymbolID(ref.FilePath, ref.Name, "")
		if _, err := r.stores.Entities.Get(ctx, id); err == nil {
			return id, true, nil
		}
		return "", false, nil
	case graph.RefSymbolic:
		if ref.Disambiguator != "" || strings.Contains(ref.Name, ".") {
			// Receiver-qualified names and pinned versions need type
			// information this pass does not have.
			return "", false, nil
		}
		matches, err := r.stores.Entities.List(ctx, store.EntityFilter{
			Kind:       graph.KindSymbol,
			NamePrefix: ref.Name,
			Limit:      10,
		})
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", ref.Name, err)
		}
		var exact []*graph.Entity
		for _, e := range matches {
			if e.Name == ref.Name {
				exact = append(exact, e)
			}
		}
		if len(exact) == 1 {
			return exact[0].ID, true, nil
		}
		if len(exact) > 1 {
			return exact[0].ID, false, nil // ambiguous, leave deferred
		}
		return "", false, nil
	default:
		// External references stay external.
		return "", false, nil
	}
}

func (r *Reconciler) apply(ctx context.Context, rel *graph.Relationship, targetID, changeSetID string, res *ReconcileResult) error {
	canonical := graph.CanonicalRelationshipID(rel.FromEntityID, rel.Type, targetID)
	if canonical == rel.ID {
		if err := r.stores.Rels.Rewire(ctx, rel.ID, rel.Type, targetID); err != nil {
			return err
		}
		res.Rewired++
		return nil
	}

	// Target key changed: the resolved edge is a different canonical
	// edge. Write it fresh and close the deferred one.
	replacement := *rel
	replacement.ID = ""
	replacement.ToEntityID = targetID
	replacement.ToRef = graph.TargetRef{}
	replacement.ChangeSetID = changeSetID
	if _, err := r.stores.Rels.BulkUpsert(ctx, []*graph.Relationship{&replacement}, store.BulkRelationshipOptions{
		MergeEvidence:    true,
		UpdateTimestamps: true,
		ChangeSetID:      changeSetID,
	}); err != nil {
		return fmt.Errorf("replace deferred edge %s: %w", rel.ID, err)
	}
	if _, err := r.stores.Temporal.CloseEdgeIfActive(ctx, rel.ID, changeSetID); err != nil {
		return fmt.Errorf("close deferred edge %s: %w", rel.ID, err)
	}
	res.Replaced++
	return nil
}
