package extract

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/anthropics/ckg/internal/graph"
)

// extractGo walks a Go file. Coverage is symbols, imports, and calls;
// Go files get the structural subset of the edge vocabulary.
func (fx *fileExtractor) extractGo() {
	root := fx.result.Root

	type declared struct {
		sym  *graph.Entity
		node *sitter.Node
	}
	var bodies []declared

	// Imports first so call resolution can see package aliases.
	for _, spec := range fx.findAll(root, "import_spec") {
		fx.goImport(spec)
	}

	for _, node := range fx.findAll(root, "function_declaration") {
		if sym := fx.goFunction(node, graph.SymbolFunction); sym != nil {
			bodies = append(bodies, declared{sym: sym, node: node})
		}
	}
	for _, node := range fx.findAll(root, "method_declaration") {
		if sym := fx.goFunction(node, graph.SymbolMethod); sym != nil {
			bodies = append(bodies, declared{sym: sym, node: node})
		}
	}
	for _, node := range fx.findAll(root, "type_spec") {
		fx.goType(node)
	}
	for _, node := range fx.findAll(root, "const_spec") {
		fx.goValueSpec(node)
	}
	for _, node := range fx.findAll(root, "var_spec") {
		fx.goValueSpec(node)
	}

	for _, d := range bodies {
		if body := childByField(d.node, "body"); body != nil {
			fx.goCalls(d.sym.ID, body)
		}
	}
}

func (fx *fileExtractor) goImport(spec *sitter.Node) {
	var alias, importPath string
	for i := uint32(0); i < spec.ChildCount(); i++ {
		child := spec.Child(int(i))
		switch child.Type() {
		case "package_identifier":
			alias = fx.nodeText(child)
		case "interpreted_string_literal":
			importPath = strings.Trim(fx.nodeText(child), `"`)
		}
	}
	if importPath == "" {
		return
	}

	fx.rels.add(&graph.Relationship{
		FromEntityID: fx.file.ID,
		Type:         graph.RelImports,
		Source:       graph.SourceAST,
		ToRef:        graph.TargetRef{Kind: graph.RefExternal, Name: importPath},
		Evidence:     []graph.Evidence{fx.evidenceAt(spec)},
	})

	pkgName := alias
	if pkgName == "" {
		parts := strings.Split(importPath, "/")
		pkgName = parts[len(parts)-1]
	}
	if pkgName != "_" && pkgName != "." {
		fx.res.addImport(pkgName, importBinding{Module: importPath, Namespace: true})
	}
}

func (fx *fileExtractor) goFunction(node *sitter.Node, kind graph.SymbolKind) *graph.Entity {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)

	params := childByField(node, "parameters")
	result := childByField(node, "result")

	sig := "func "
	if kind == graph.SymbolMethod {
		if recv := childByField(node, "receiver"); recv != nil {
			sig += fx.nodeText(recv) + " "
		}
	}
	sig += name + fx.nodeText(params)
	if result != nil {
		sig += " " + fx.nodeText(result)
	}

	sym := fx.addSymbol(&graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      kind,
			Signature: sig,
			Location:  locPtr(fx.locationAt(node)),
			Function: &graph.FunctionDetail{
				ReturnType: fx.nodeText(result),
			},
		},
	}, node)
	if isGoExported(name) {
		fx.markExported(sym, node)
	}
	return sym
}

func (fx *fileExtractor) goType(node *sitter.Node) {
	nameNode := childByField(node, "name")
	typeNode := childByField(node, "type")
	if nameNode == nil {
		return
	}
	name := fx.nodeText(nameNode)

	kind := graph.SymbolTypeAlias
	detail := &graph.SymbolDetail{Name: name, Location: locPtr(fx.locationAt(node))}
	if typeNode != nil {
		switch typeNode.Type() {
		case "struct_type":
			kind = graph.SymbolClass
			detail.Class = &graph.ClassDetail{}
		case "interface_type":
			kind = graph.SymbolInterface
			detail.Interface = &graph.InterfaceDetail{}
		default:
			detail.TypeAlias = &graph.TypeAliasDetail{AliasedType: fx.nodeText(typeNode)}
		}
	}
	detail.Kind = kind
	detail.Signature = "type " + name

	sym := fx.addSymbol(&graph.Entity{Name: name, Symbol: detail}, node)
	if isGoExported(name) {
		fx.markExported(sym, node)
	}
}

func (fx *fileExtractor) goValueSpec(node *sitter.Node) {
	for i := uint32(0); i < node.ChildCount(); i++ {
		child := node.Child(int(i))
		if child.Type() != "identifier" {
			continue
		}
		name := fx.nodeText(child)
		if name == "_" {
			continue
		}
		sym := fx.addSymbol(&graph.Entity{
			Name: name,
			Symbol: &graph.SymbolDetail{
				Name:     name,
				Kind:     graph.SymbolVariable,
				Location: locPtr(fx.locationAt(node)),
			},
		}, node)
		if isGoExported(name) {
			fx.markExported(sym, node)
		}
	}
}

func (fx *fileExtractor) goCalls(fromID string, body *sitter.Node) {
	walk(body, func(n *sitter.Node) bool {
		if n.Type() != "call_expression" {
			return true
		}
		fn := childByField(n, "function")
		if fn == nil {
			return true
		}
		switch fn.Type() {
		case "identifier", "selector_expression":
			target := fx.nodeText(fn)
			if target != "" && !strings.ContainsAny(target, "()[]\n") {
				fx.emit(fromID, graph.RelCalls, target, n, callableKinds)
			}
		}
		return true
	})
}

func (fx *fileExtractor) findAll(root *sitter.Node, nodeType string) []*sitter.Node {
	var out []*sitter.Node
	walk(root, func(n *sitter.Node) bool {
		if n.Type() == nodeType {
			out = append(out, n)
		}
		return true
	})
	return out
}

func isGoExported(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return c >= 'A' && c <= 'Z'
}
