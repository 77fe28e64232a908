// Package extract turns parsed source files into graph entities and
// relationships: one file entity, a symbol entity per declaration, and
// edges for definitions, imports, exports, calls, type usage, inheritance,
// decorators, and test targets. Targets that cannot be resolved inside the
// file are emitted as deferred references for the reconciliation pass.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/parser"
)

// DefaultTypeCheckBudget bounds type-checker lookups per file. Member calls
// past the budget fall back to AST resolution.
const DefaultTypeCheckBudget = 25

// Options configures a file extraction.
type Options struct {
	// TypeChecker, when set, upgrades member-expression resolution for
	// TypeScript files. Nil disables the hook.
	TypeChecker TypeChecker
	// TypeCheckBudget caps checker lookups per file. Zero means
	// DefaultTypeCheckBudget.
	TypeCheckBudget int
	// Now stamps created/observed times. Zero means time.Now.
	Now time.Time
}

// FileResult is everything extracted from one source file.
type FileResult struct {
	File          *graph.Entity
	Symbols       []*graph.Entity
	Relationships []*graph.Relationship
}

// AllEntities returns the file entity followed by its symbols.
func (r *FileResult) AllEntities() []*graph.Entity {
	out := make([]*graph.Entity, 0, len(r.Symbols)+1)
	out = append(out, r.File)
	out = append(out, r.Symbols...)
	return out
}

// ExtractFile parses nothing itself; it walks an already parsed result and
// produces the file entity, symbol entities, and relationship observations.
// TypeScript and JavaScript get the full edge set; Go and Python get
// symbols, imports, and calls.
func ExtractFile(result *parser.ParseResult, relPath string, opts Options) (*FileResult, error) {
	if result == nil || result.Root == nil {
		return nil, fmt.Errorf("extract %s: nil parse result", relPath)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	budget := opts.TypeCheckBudget
	if budget <= 0 {
		budget = DefaultTypeCheckBudget
	}

	fx := &fileExtractor{
		result:  result,
		relPath: relPath,
		now:     now,
		rels:    newCollector(now),
		res: newResolver(relPath, resolverOptions{
			checker: opts.TypeChecker,
			budget:  budget,
		}),
	}
	fx.file = fx.buildFileEntity()

	switch result.Language {
	case parser.TypeScript, parser.JavaScript:
		fx.extractTypeScript()
	case parser.Go:
		fx.extractGo()
	case parser.Python:
		fx.extractPython()
	default:
		return nil, &parser.UnsupportedLanguageError{Language: string(result.Language)}
	}

	return &FileResult{
		File:          fx.file,
		Symbols:       fx.symbols,
		Relationships: fx.rels.all(),
	}, nil
}

// fileExtractor carries the per-file state shared by the language walkers.
type fileExtractor struct {
	result  *parser.ParseResult
	relPath string
	now     time.Time

	file    *graph.Entity
	symbols []*graph.Entity
	rels    *collector
	res     *resolver

	// nameSeen disambiguates repeated symbol names within the file.
	nameSeen map[string]int
}

func (fx *fileExtractor) buildFileEntity() *graph.Entity {
	src := fx.result.Source
	lines := strings.Count(string(src), "\n")
	if len(src) > 0 && !strings.HasSuffix(string(src), "\n") {
		lines++
	}
	return &graph.Entity{
		ID:           graph.FileID(fx.relPath),
		Kind:         graph.KindFile,
		Path:         fx.relPath,
		Name:         filepath.Base(fx.relPath),
		Hash:         FileHash(src),
		Language:     string(fx.result.Language),
		Created:      fx.now,
		LastModified: fx.now,
		File: &graph.FileDetail{
			Extension: filepath.Ext(fx.relPath),
			Size:      int64(len(src)),
			Lines:     lines,
			IsTest:    graph.IsTestPath(fx.relPath),
			IsConfig:  graph.IsConfigPath(fx.relPath),
		},
	}
}

// addSymbol registers a symbol entity, assigns its id, indexes it for
// local resolution, and emits the file DEFINES edge.
func (fx *fileExtractor) addSymbol(sym *graph.Entity, node *sitter.Node) *graph.Entity {
	if fx.nameSeen == nil {
		fx.nameSeen = make(map[string]int)
	}
	name := sym.Name
	disambiguator := ""
	if fx.nameSeen[name] > 0 && node != nil {
		disambiguator = shortHash(fmt.Sprintf("%s:%d", name, node.StartPoint().Row+1))
	}
	fx.nameSeen[name]++

	sym.ID = graph.SymbolID(fx.relPath, name, disambiguator)
	sym.Kind = graph.KindSymbol
	sym.Path = fx.relPath
	sym.Language = string(fx.result.Language)
	sym.Created = fx.now
	sym.LastModified = fx.now
	sym.Hash = sym.ContentHash()

	fx.symbols = append(fx.symbols, sym)
	fx.res.addLocal(sym)

	fx.rels.add(&graph.Relationship{
		FromEntityID: fx.file.ID,
		ToEntityID:   sym.ID,
		Type:         graph.RelDefines,
		Source:       graph.SourceAST,
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	})
	return sym
}

// markExported flags the symbol and records the file EXPORTS edge.
func (fx *fileExtractor) markExported(sym *graph.Entity, node *sitter.Node) {
	if sym.Symbol != nil {
		sym.Symbol.IsExported = true
	}
	fx.rels.add(&graph.Relationship{
		FromEntityID: fx.file.ID,
		ToEntityID:   sym.ID,
		Type:         graph.RelExports,
		Source:       graph.SourceAST,
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	})
}

// emit records an edge from a symbol to a resolved-or-deferred target.
// Stop-listed ambient names produce no edge.
func (fx *fileExtractor) emit(fromID string, relType graph.RelType, name string, node *sitter.Node, kinds []graph.SymbolKind) {
	ref, source, ok := fx.res.resolve(name, fx.locationAt(node), kinds)
	if !ok {
		return
	}
	rel := &graph.Relationship{
		FromEntityID: fromID,
		Type:         relType,
		Source:       source,
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	}
	if ref.Kind == graph.RefEntity {
		rel.ToEntityID = ref.EntityID
	} else {
		rel.ToRef = ref
	}
	fx.rels.add(rel)
}

// emitParamType is emit specialized for PARAM_TYPE, carrying the index.
func (fx *fileExtractor) emitParamType(fromID, typeName string, paramIndex int, node *sitter.Node) {
	ref, source, ok := fx.res.resolve(typeName, fx.locationAt(node), typeKinds)
	if !ok {
		return
	}
	rel := &graph.Relationship{
		FromEntityID: fromID,
		Type:         graph.RelParamType,
		Source:       source,
		ParamIndex:   paramIndex,
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	}
	if ref.Kind == graph.RefEntity {
		rel.ToEntityID = ref.EntityID
	} else {
		rel.ToRef = ref
	}
	fx.rels.add(rel)
}

var typeKinds = []graph.SymbolKind{
	graph.SymbolClass, graph.SymbolInterface, graph.SymbolTypeAlias,
}

var callableKinds = []graph.SymbolKind{
	graph.SymbolFunction, graph.SymbolMethod, graph.SymbolClass,
}

func (fx *fileExtractor) evidenceAt(node *sitter.Node) graph.Evidence {
	ev := graph.Evidence{
		Kind:       "site",
		FilePath:   fx.relPath,
		ObservedAt: fx.now,
	}
	if node != nil {
		ev.Line = int(node.StartPoint().Row) + 1
		ev.Column = int(node.StartPoint().Column) + 1
		ev.Snippet = fx.snippet(node)
	}
	return ev
}

func (fx *fileExtractor) locationAt(node *sitter.Node) graph.Location {
	loc := graph.Location{FilePath: fx.relPath}
	if node != nil {
		loc.Line = int(node.StartPoint().Row) + 1
		loc.Column = int(node.StartPoint().Column) + 1
		loc.EndLine = int(node.EndPoint().Row) + 1
	}
	return loc
}

const maxSnippetLen = 120

func (fx *fileExtractor) snippet(node *sitter.Node) string {
	text := fx.nodeText(node)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > maxSnippetLen {
		text = text[:maxSnippetLen]
	}
	return strings.TrimSpace(text)
}

func (fx *fileExtractor) nodeText(node *sitter.Node) string {
	if node == nil || fx.result.Source == nil {
		return ""
	}
	if node.EndByte() > uint32(len(fx.result.Source)) {
		return ""
	}
	return node.Content(fx.result.Source)
}

// collector deduplicates relationship observations within a file by
// canonical edge identity. Repeated observations of the same edge merge
// their evidence and sum occurrences; a type-checker observation upgrades
// an AST one, never the reverse.
type collector struct {
	now   time.Time
	order []string
	edges map[string]*graph.Relationship
}

func newCollector(now time.Time) *collector {
	return &collector{now: now, edges: make(map[string]*graph.Relationship)}
}

func (c *collector) add(rel *graph.Relationship) {
	key := graph.CanonicalRelationshipID(rel.FromEntityID, rel.Type, rel.TargetKey())
	if existing, ok := c.edges[key]; ok {
		existing.Merge(rel, c.now)
		return
	}
	rel.ID = key
	rel.Created = c.now
	rel.LastModified = c.now
	rel.LastSeenAt = c.now
	rel.OccurrencesTotal = 1
	c.edges[key] = rel
	c.order = append(c.order, key)
}

func (c *collector) all() []*graph.Relationship {
	out := make([]*graph.Relationship, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.edges[key])
	}
	return out
}

// Shared AST helpers.

func childByField(node *sitter.Node, field string) *sitter.Node {
	if node == nil {
		return nil
	}
	return node.ChildByFieldName(field)
}

func childOfType(node *sitter.Node, nodeType string) *sitter.Node {
	if node == nil {
		return nil
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		child := node.Child(int(i))
		if child.Type() == nodeType {
			return child
		}
	}
	return nil
}

func childrenOfType(node *sitter.Node, nodeType string) []*sitter.Node {
	if node == nil {
		return nil
	}
	var out []*sitter.Node
	for i := uint32(0); i < node.ChildCount(); i++ {
		child := node.Child(int(i))
		if child.Type() == nodeType {
			out = append(out, child)
		}
	}
	return out
}

func walk(node *sitter.Node, fn func(*sitter.Node) bool) {
	if node == nil {
		return
	}
	if !fn(node) {
		return
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		walk(node.Child(int(i)), fn)
	}
}
