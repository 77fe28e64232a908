package syncd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/extract"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/parser"
	"github.com/anthropics/ckg/internal/store"
)

// Stores bundles the persistence collaborators the pipeline commits
// through. Exec carries the shared executor so a file's entity writes,
// edge writes, and stale teardown commit as one transaction.
type Stores struct {
	Exec     cypher.Executor
	Entities *store.EntityService
	Rels     *store.RelationshipService
	Temporal *store.TemporalService
	Index    *store.FileIndex
}

// Outcome reports what one pipeline pass did to a file.
type Outcome struct {
	Path        string        `json:"path"`
	ChangeSetID string        `json:"changeSetId,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	SkipReason  string        `json:"skipReason,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
	Duration    time.Duration `json:"duration"`

	EntitiesWritten      int `json:"entitiesWritten"`
	RelationshipsWritten int `json:"relationshipsWritten"`
	SymbolsRemoved       int `json:"symbolsRemoved"`
	EdgesClosed          int `json:"edgesClosed"`
	Conflicts            int `json:"conflicts"`
	VersionBumps         int `json:"versionBumps"`
	DeferredDeletions    int `json:"deferredDeletions,omitempty"`

	// ChangedEntityIDs feed the next checkpoint's INCLUDES edges.
	ChangedEntityIDs []string `json:"-"`
	// Embeddable entities are handed to the embedding worker.
	Embeddable []*graph.Entity `json:"-"`
}

// Pipeline runs the per-file sync sequence: hash short-circuit, parse,
// extract, diff against the stored snapshot, commit, and stale-edge
// closing. One pipeline instance is shared by all workers; per-path
// serialization happens above it.
type Pipeline struct {
	root     string
	stores   Stores
	resolver *Resolver
	checker  extract.TypeChecker
	logger   *zap.Logger
}

// NewPipeline creates a pipeline rooted at an absolute directory.
func NewPipeline(root string, stores Stores, resolver *Resolver, checker extract.TypeChecker, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{root: root, stores: stores, resolver: resolver, checker: checker, logger: logger}
}

// Process handles one debounced event end to end.
func (p *Pipeline) Process(ctx context.Context, ev Event) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Path: ev.Path, ChangeSetID: uuid.NewString()}
	defer func() { out.Duration = time.Since(start) }()

	if ev.Op == OpDelete {
		return out, p.processDelete(ctx, out)
	}

	content, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(ev.Path)))
	if errors.Is(err, os.ErrNotExist) {
		return out, p.processDelete(ctx, out)
	}
	if err != nil {
		return out, fmt.Errorf("read %s: %w", ev.Path, err)
	}

	hash := extract.FileHash(content)
	changed, err := p.stores.Index.Changed(ev.Path, hash)
	if err != nil {
		return out, fmt.Errorf("file index: %w", err)
	}
	if !changed {
		out.Skipped = true
		out.SkipReason = "unchanged"
		return out, nil
	}

	lang := parser.LanguageFromExtension(path.Ext(ev.Path))
	if lang == "" {
		// Track the hash so the file stops re-queueing, but there is
		// nothing to extract.
		out.Skipped = true
		out.SkipReason = "unsupported language"
		return out, p.stores.Index.Set(ev.Path, hash)
	}

	res, err := p.extractFile(lang, content, ev.Path)
	if err != nil {
		return out, err
	}

	prior, err := p.stores.Entities.GetByPath(ctx, ev.Path)
	if err != nil {
		return out, fmt.Errorf("load snapshot for %s: %w", ev.Path, err)
	}
	priorByID := make(map[string]*graph.Entity, len(prior))
	for _, e := range prior {
		priorByID[e.ID] = e
	}

	incoming := res.AllEntities()
	toWrite := make([]*graph.Entity, 0, len(incoming))
	rels := append([]*graph.Relationship(nil), res.Relationships...)
	current := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		current[e.ID] = true
		stored := priorByID[e.ID]
		if stored != nil {
			e.Created = stored.Created
			if e.Version <= stored.Version {
				e.Version = stored.Version
			}
			if stored.SignatureKey() != e.SignatureKey() {
				e.Version = stored.Version + 1
				out.VersionBumps++
				rels = append(rels, previousVersionEdge(e, stored))
			}
			resolved, conflicted := p.resolver.Resolve(stored, e)
			if conflicted {
				out.Conflicts++
			}
			e = resolved
		}
		toWrite = append(toWrite, e)
		out.ChangedEntityIDs = append(out.ChangedEntityIDs, e.ID)
	}

	// Reads are done; everything below commits atomically so a failed
	// pass leaves no half-written file state behind.
	queries, err := p.stores.Entities.BulkUpsertQueries(toWrite)
	if err != nil {
		return out, fmt.Errorf("commit entities for %s: %w", ev.Path, err)
	}
	relQueries, relsWritten, err := p.stores.Rels.BulkUpsertQueries(ctx, rels, store.BulkRelationshipOptions{
		MergeEvidence:    true,
		UpdateTimestamps: true,
		ChangeSetID:      out.ChangeSetID,
	})
	if err != nil {
		return out, fmt.Errorf("commit relationships for %s: %w", ev.Path, err)
	}
	queries = append(queries, relQueries...)

	stale, err := p.staleTeardown(ctx, out, priorByID, current)
	if err != nil {
		return out, err
	}
	queries = append(queries, stale.queries...)

	if len(queries) > 0 {
		if _, err := p.stores.Exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
			return out, fmt.Errorf("commit %s: %w", ev.Path, err)
		}
	}
	out.EntitiesWritten = len(toWrite)
	out.RelationshipsWritten = relsWritten
	out.EdgesClosed = stale.edgesClosed
	out.SymbolsRemoved = stale.symbolsRemoved

	if err := p.stores.Index.Set(ev.Path, hash); err != nil {
		return out, fmt.Errorf("file index: %w", err)
	}
	out.Embeddable = toWrite
	p.logger.Debug("file synced",
		zap.String("path", ev.Path),
		zap.Int("entities", out.EntitiesWritten),
		zap.Int("relationships", out.RelationshipsWritten),
		zap.Int("removed", out.SymbolsRemoved))
	return out, nil
}

func (p *Pipeline) extractFile(lang parser.Language, content []byte, relPath string) (*extract.FileResult, error) {
	pr, err := parser.NewParser(lang)
	if err != nil {
		return nil, fmt.Errorf("parser for %s: %w", relPath, err)
	}
	defer pr.Close()
	parsed, err := pr.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", relPath, err)
	}
	defer parsed.Close()
	return extract.ExtractFile(parsed, relPath, extract.Options{TypeChecker: p.checker})
}

// teardown holds the statements and counts for removing stale symbols.
type teardown struct {
	queries        []cypher.Query
	edgesClosed    int
	symbolsRemoved int
}

// staleTeardown builds the close-and-delete statements for symbols that
// disappeared this pass, unless deletions are deferred. Edge listings
// are reads and happen here; the statements commit with the rest of the
// file's writes.
func (p *Pipeline) staleTeardown(ctx context.Context, out *Outcome, prior map[string]*graph.Entity, current map[string]bool) (teardown, error) {
	var td teardown
	var removed []*graph.Entity
	for id, e := range prior {
		if !current[id] && e.Kind == graph.KindSymbol {
			removed = append(removed, e)
		}
	}
	if len(removed) == 0 {
		return td, nil
	}
	if !p.resolver.AllowDeletions() {
		out.DeferredDeletions = len(removed)
		return td, nil
	}
	for _, e := range removed {
		closes, err := p.closeOutgoingQueries(ctx, e.ID, out.ChangeSetID)
		if err != nil {
			return td, err
		}
		td.queries = append(td.queries, closes...)
		td.edgesClosed += len(closes)
		td.queries = append(td.queries, p.stores.Entities.DeleteQuery(e.ID))
		td.symbolsRemoved++
	}
	return td, nil
}

func (p *Pipeline) closeOutgoingQueries(ctx context.Context, entityID, changeSetID string) ([]cypher.Query, error) {
	rels, err := p.stores.Rels.List(ctx, store.RelationshipFilter{
		FromEntityID: entityID,
		ActiveOnly:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("list edges of %s: %w", entityID, err)
	}
	queries := make([]cypher.Query, 0, len(rels))
	for _, r := range rels {
		queries = append(queries, p.stores.Temporal.CloseEdgeQuery(r.ID, changeSetID))
	}
	return queries, nil
}

// processDelete tears down everything recorded for a path in one
// transaction. With skip_deletions configured the teardown is deferred
// one pass.
func (p *Pipeline) processDelete(ctx context.Context, out *Outcome) error {
	prior, err := p.stores.Entities.GetByPath(ctx, out.Path)
	if err != nil {
		return fmt.Errorf("load snapshot for %s: %w", out.Path, err)
	}
	if !p.resolver.AllowDeletions() {
		out.DeferredDeletions = len(prior)
		return nil
	}
	var queries []cypher.Query
	closed := 0
	for _, e := range prior {
		closes, err := p.closeOutgoingQueries(ctx, e.ID, out.ChangeSetID)
		if err != nil {
			return err
		}
		queries = append(queries, closes...)
		closed += len(closes)
		queries = append(queries, p.stores.Entities.DeleteQuery(e.ID))
	}
	if len(queries) > 0 {
		if _, err := p.stores.Exec.Transaction(ctx, queries, cypher.Options{Retryable: true}); err != nil {
			return fmt.Errorf("teardown %s: %w", out.Path, err)
		}
	}
	out.EdgesClosed = closed
	for _, e := range prior {
		if e.Kind == graph.KindSymbol {
			out.SymbolsRemoved++
		}
	}
	out.Deleted = true
	if err := p.stores.Index.Delete(out.Path); err != nil {
		return fmt.Errorf("file index: %w", err)
	}
	return nil
}

// previousVersionEdge links the new shape of a symbol back to the one
// it replaced. The disambiguator carries the superseded version so
// each transition keeps its own canonical id.
func previousVersionEdge(current, stored *graph.Entity) *graph.Relationship {
	return &graph.Relationship{
		FromEntityID: current.ID,
		Type:         graph.RelPreviousVersion,
		ToRef: graph.TargetRef{
			Kind:          graph.RefSymbolic,
			FilePath:      stored.Path,
			Name:          stored.Name,
			Disambiguator: fmt.Sprintf("v%d", stored.Version),
		},
		Source: graph.SourceAST,
		Metadata: map[string]any{
			"previousVersion":   stored.Version,
			"previousSignature": stored.SignatureKey(),
		},
	}
}
