package extract

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/anthropics/ckg/internal/graph"
)

// extractPython walks a Python module. Coverage is symbols, imports,
// calls, and decorators.
func (fx *fileExtractor) extractPython() {
	root := fx.result.Root

	type declared struct {
		sym  *graph.Entity
		node *sitter.Node
	}
	var bodies []declared

	var handle func(node *sitter.Node, class *graph.Entity, decorators []*sitter.Node)
	handle = func(node *sitter.Node, class *graph.Entity, decorators []*sitter.Node) {
		switch node.Type() {
		case "import_statement", "import_from_statement":
			fx.pyImport(node)

		case "decorated_definition":
			decs := childrenOfType(node, "decorator")
			if def := childByField(node, "definition"); def != nil {
				handle(def, class, decs)
			}

		case "function_definition":
			kind := graph.SymbolFunction
			if class != nil {
				kind = graph.SymbolMethod
			}
			sym := fx.pyFunction(node, kind)
			if sym == nil {
				return
			}
			if class != nil {
				fx.rels.add(&graph.Relationship{
					FromEntityID: class.ID,
					ToEntityID:   sym.ID,
					Type:         graph.RelContains,
					Source:       graph.SourceAST,
					Evidence:     []graph.Evidence{fx.evidenceAt(node)},
				})
			}
			for _, dec := range decorators {
				fx.pyDecorator(sym, dec)
			}
			bodies = append(bodies, declared{sym: sym, node: node})

		case "class_definition":
			sym := fx.pyClass(node)
			if sym == nil {
				return
			}
			for _, dec := range decorators {
				fx.pyDecorator(sym, dec)
			}
			if body := childByField(node, "body"); body != nil {
				for i := uint32(0); i < body.NamedChildCount(); i++ {
					handle(body.NamedChild(int(i)), sym, nil)
				}
			}
		}
	}

	for i := uint32(0); i < root.NamedChildCount(); i++ {
		handle(root.NamedChild(int(i)), nil, nil)
	}

	for _, d := range bodies {
		if body := childByField(d.node, "body"); body != nil {
			fx.pyCalls(d.sym.ID, body)
		}
	}
}

func (fx *fileExtractor) pyImport(node *sitter.Node) {
	switch node.Type() {
	case "import_statement":
		// `import a.b` or `import a as b`
		for i := uint32(0); i < node.NamedChildCount(); i++ {
			child := node.NamedChild(int(i))
			switch child.Type() {
			case "dotted_name":
				module := fx.nodeText(child)
				fx.pyImportEdge(node, module)
				fx.res.addImport(strings.SplitN(module, ".", 2)[0], importBinding{Module: module, Namespace: true})
			case "aliased_import":
				name := childByField(child, "name")
				alias := childByField(child, "alias")
				if name == nil {
					continue
				}
				module := fx.nodeText(name)
				fx.pyImportEdge(node, module)
				local := module
				if alias != nil {
					local = fx.nodeText(alias)
				}
				fx.res.addImport(local, importBinding{Module: module, Namespace: true})
			}
		}

	case "import_from_statement":
		moduleNode := childByField(node, "module_name")
		if moduleNode == nil {
			return
		}
		module := fx.nodeText(moduleNode)
		fx.pyImportEdge(node, module)
		for i := uint32(0); i < node.NamedChildCount(); i++ {
			child := node.NamedChild(int(i))
			if child.StartByte() == moduleNode.StartByte() {
				continue
			}
			switch child.Type() {
			case "dotted_name":
				name := fx.nodeText(child)
				fx.res.addImport(name, importBinding{Module: module, Imported: name})
			case "aliased_import":
				name := childByField(child, "name")
				alias := childByField(child, "alias")
				if name == nil || alias == nil {
					continue
				}
				fx.res.addImport(fx.nodeText(alias), importBinding{Module: module, Imported: fx.nodeText(name)})
			}
		}
	}
}

func (fx *fileExtractor) pyImportEdge(node *sitter.Node, module string) {
	ref := graph.TargetRef{Kind: graph.RefExternal, Name: module}
	if strings.HasPrefix(module, ".") {
		ref = fx.res.moduleRef("./" + strings.TrimLeft(module, "."))
	}
	fx.rels.add(&graph.Relationship{
		FromEntityID: fx.file.ID,
		Type:         graph.RelImports,
		Source:       graph.SourceAST,
		ToRef:        ref,
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	})
}

func (fx *fileExtractor) pyFunction(node *sitter.Node, kind graph.SymbolKind) *graph.Entity {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)
	params := childByField(node, "parameters")
	ret := childByField(node, "return_type")

	sig := "def " + name + fx.nodeText(params)
	if ret != nil {
		sig += " -> " + fx.nodeText(ret)
	}

	sym := fx.addSymbol(&graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      kind,
			Signature: sig,
			Location:  locPtr(fx.locationAt(node)),
			Function: &graph.FunctionDetail{
				ReturnType: fx.nodeText(ret),
			},
		},
	}, node)
	if !strings.HasPrefix(name, "_") {
		fx.markExported(sym, node)
	}
	return sym
}

func (fx *fileExtractor) pyClass(node *sitter.Node) *graph.Entity {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)
	detail := &graph.ClassDetail{}

	sym := fx.addSymbol(&graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      graph.SymbolClass,
			Signature: "class " + name,
			Location:  locPtr(fx.locationAt(node)),
			Class:     detail,
		},
	}, node)
	if !strings.HasPrefix(name, "_") {
		fx.markExported(sym, node)
	}

	// Superclasses sit in the argument_list.
	if args := childByField(node, "superclasses"); args != nil {
		for i := uint32(0); i < args.NamedChildCount(); i++ {
			arg := args.NamedChild(int(i))
			switch arg.Type() {
			case "identifier", "attribute":
				base := fx.nodeText(arg)
				detail.Extends = append(detail.Extends, base)
				fx.emit(sym.ID, graph.RelExtends, base, arg, typeKinds)
			}
		}
	}
	return sym
}

func (fx *fileExtractor) pyDecorator(sym *graph.Entity, dec *sitter.Node) {
	var name string
	walk(dec, func(n *sitter.Node) bool {
		switch n.Type() {
		case "identifier":
			if name == "" {
				name = fx.nodeText(n)
			}
			return false
		case "attribute":
			name = fx.nodeText(n)
			return false
		case "call":
			if fn := childByField(n, "function"); fn != nil {
				name = fx.nodeText(fn)
			}
			return false
		}
		return true
	})
	if name != "" {
		fx.emit(sym.ID, graph.RelDecorates, name, dec, callableKinds)
	}
}

func (fx *fileExtractor) pyCalls(fromID string, body *sitter.Node) {
	walk(body, func(n *sitter.Node) bool {
		if n.Type() != "call" {
			return true
		}
		fn := childByField(n, "function")
		if fn == nil {
			return true
		}
		switch fn.Type() {
		case "identifier", "attribute":
			target := fx.nodeText(fn)
			if target != "" && !strings.ContainsAny(target, "()[]\n") {
				fx.emit(fromID, graph.RelCalls, target, n, callableKinds)
			}
		}
		return true
	})
}
