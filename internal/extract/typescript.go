package extract

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/anthropics/ckg/internal/graph"
)

// extractTypeScript walks a TypeScript or JavaScript program. Declarations
// become symbol entities; imports, exports, calls, type usage, inheritance,
// and decorators become edges. Two passes: declarations first so that the
// local scope index is complete, then bodies.
func (fx *fileExtractor) extractTypeScript() {
	root := fx.result.Root

	type declared struct {
		sym  *graph.Entity
		node *sitter.Node
	}
	var bodies []declared
	var pendingDecorators []*sitter.Node

	declare := func(sym *graph.Entity, node *sitter.Node, exported bool) *graph.Entity {
		s := fx.addSymbol(sym, node)
		if exported {
			fx.markExported(s, node)
		}
		for _, dec := range pendingDecorators {
			fx.tsDecorator(s, dec)
		}
		pendingDecorators = nil
		bodies = append(bodies, declared{sym: s, node: node})
		return s
	}

	var handle func(node *sitter.Node, exported bool)
	handle = func(node *sitter.Node, exported bool) {
		switch node.Type() {
		case "import_statement":
			fx.tsImport(node)

		case "export_statement":
			if decl := childByField(node, "declaration"); decl != nil {
				handle(decl, true)
				return
			}
			if clause := childOfType(node, "export_clause"); clause != nil {
				fx.tsExportClause(clause)
			}

		case "decorator":
			pendingDecorators = append(pendingDecorators, node)

		case "function_declaration", "generator_function_declaration":
			if sym := fx.tsFunctionSymbol(node, graph.SymbolFunction); sym != nil {
				declare(sym, node, exported)
			}

		case "class_declaration", "abstract_class_declaration":
			fx.tsClass(node, exported, declare)

		case "interface_declaration":
			if sym := fx.tsInterface(node); sym != nil {
				s := declare(sym, node, exported)
				for _, clause := range childrenOfType(node, "extends_type_clause") {
					for _, tn := range fx.tsHeritageNames(clause) {
						s.Symbol.Interface.Extends = append(s.Symbol.Interface.Extends, tn.name)
						fx.emit(s.ID, graph.RelExtends, tn.name, tn.node, typeKinds)
					}
				}
			}

		case "type_alias_declaration":
			if sym := fx.tsTypeAlias(node); sym != nil {
				declare(sym, node, exported)
			}

		case "enum_declaration":
			if name := childByField(node, "name"); name != nil {
				declare(&graph.Entity{
					Name: fx.nodeText(name),
					Symbol: &graph.SymbolDetail{
						Name:      fx.nodeText(name),
						Kind:      graph.SymbolTypeAlias,
						Signature: "enum " + fx.nodeText(name),
						Location:  locPtr(fx.locationAt(node)),
					},
				}, node, exported)
			}

		case "lexical_declaration", "variable_declaration":
			for _, decl := range childrenOfType(node, "variable_declarator") {
				fx.tsVariable(decl, exported, declare)
			}
		}
	}

	for i := uint32(0); i < root.ChildCount(); i++ {
		handle(root.Child(int(i)), false)
	}

	// Second pass: bodies, now that every file-level name is indexed.
	for _, d := range bodies {
		fx.tsBody(d.sym, d.node)
	}

	if fx.file.File != nil && fx.file.File.IsTest {
		fx.tsTests(root)
	}
}

// tsImport records import bindings and the file-level IMPORTS edge.
func (fx *fileExtractor) tsImport(node *sitter.Node) {
	module := fx.tsModuleSpecifier(node)
	if module == "" {
		return
	}

	fx.rels.add(&graph.Relationship{
		FromEntityID: fx.file.ID,
		Type:         graph.RelImports,
		Source:       graph.SourceAST,
		ToRef:        fx.res.moduleRef(module),
		Evidence:     []graph.Evidence{fx.evidenceAt(node)},
	})

	clause := childOfType(node, "import_clause")
	if clause == nil {
		return
	}
	for i := uint32(0); i < clause.ChildCount(); i++ {
		child := clause.Child(int(i))
		switch child.Type() {
		case "identifier":
			// Default import.
			fx.res.addImport(fx.nodeText(child), importBinding{Module: module})
		case "namespace_import":
			if id := childOfType(child, "identifier"); id != nil {
				fx.res.addImport(fx.nodeText(id), importBinding{Module: module, Namespace: true})
			}
		case "named_imports":
			for _, spec := range childrenOfType(child, "import_specifier") {
				name := childByField(spec, "name")
				if name == nil {
					continue
				}
				local := name
				if alias := childByField(spec, "alias"); alias != nil {
					local = alias
				}
				fx.res.addImport(fx.nodeText(local), importBinding{
					Module:   module,
					Imported: fx.nodeText(name),
				})
			}
		}
	}
}

func (fx *fileExtractor) tsModuleSpecifier(node *sitter.Node) string {
	src := childByField(node, "source")
	if src == nil {
		src = childOfType(node, "string")
	}
	if src == nil {
		return ""
	}
	return strings.Trim(fx.nodeText(src), `"'`)
}

// tsExportClause handles `export { a, b as c }` over already-declared names.
func (fx *fileExtractor) tsExportClause(clause *sitter.Node) {
	for _, spec := range childrenOfType(clause, "export_specifier") {
		name := childByField(spec, "name")
		if name == nil {
			continue
		}
		if sym, ok := fx.res.local[fx.nodeText(name)]; ok {
			fx.markExported(sym, spec)
		}
	}
}

// tsFunctionSymbol builds a function or method symbol with its signature.
// Parameter, return-type, and body edges are emitted separately.
func (fx *fileExtractor) tsFunctionSymbol(node *sitter.Node, kind graph.SymbolKind) *graph.Entity {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)

	params := childByField(node, "parameters")
	ret := childByField(node, "return_type")

	detail := &graph.FunctionDetail{
		IsAsync:     strings.HasPrefix(fx.snippet(node), "async"),
		IsGenerator: node.Type() == "generator_function_declaration",
	}
	if params != nil {
		detail.Parameters = fx.tsParamNames(params)
	}
	if ret != nil {
		detail.ReturnType = strings.TrimPrefix(strings.TrimPrefix(fx.nodeText(ret), ":"), " ")
	}

	sig := name + fx.nodeText(params)
	if ret != nil {
		sig += fx.nodeText(ret)
	}

	return &graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      kind,
			Signature: sig,
			Location:  locPtr(fx.locationAt(node)),
			Function:  detail,
		},
	}
}

// tsSignatureEdges emits PARAM_TYPE and RETURNS_TYPE edges for a callable.
func (fx *fileExtractor) tsSignatureEdges(symID string, node *sitter.Node) {
	if params := childByField(node, "parameters"); params != nil {
		index := 0
		for i := uint32(0); i < params.NamedChildCount(); i++ {
			p := params.NamedChild(int(i))
			switch p.Type() {
			case "required_parameter", "optional_parameter", "rest_parameter":
				if ann := childByField(p, "type"); ann != nil {
					for _, tn := range fx.tsTypeNames(ann) {
						fx.emitParamType(symID, tn.name, index, tn.node)
					}
				}
				index++
			case "identifier":
				index++
			}
		}
	}
	if ret := childByField(node, "return_type"); ret != nil {
		for _, tn := range fx.tsTypeNames(ret) {
			fx.emit(symID, graph.RelReturnsType, tn.name, tn.node, typeKinds)
		}
	}
}

func (fx *fileExtractor) tsParamNames(params *sitter.Node) []string {
	if params == nil {
		return nil
	}
	var out []string
	for i := uint32(0); i < params.NamedChildCount(); i++ {
		p := params.NamedChild(int(i))
		switch p.Type() {
		case "required_parameter", "optional_parameter", "rest_parameter":
			if pattern := childByField(p, "pattern"); pattern != nil {
				out = append(out, fx.nodeText(pattern))
			}
		case "identifier":
			out = append(out, fx.nodeText(p))
		}
	}
	return out
}

// namedType pairs a referenced type name with its site.
type namedType struct {
	name string
	node *sitter.Node
}

// tsTypeNames collects named type references inside a type annotation.
// Primitives survive here; the resolver stop list drops them.
func (fx *fileExtractor) tsTypeNames(node *sitter.Node) []namedType {
	var out []namedType
	walk(node, func(n *sitter.Node) bool {
		switch n.Type() {
		case "type_identifier":
			out = append(out, namedType{name: fx.nodeText(n), node: n})
		case "nested_type_identifier":
			out = append(out, namedType{name: fx.nodeText(n), node: n})
			return false
		}
		return true
	})
	return out
}

// tsClass extracts a class symbol, its heritage edges, and member symbols.
func (fx *fileExtractor) tsClass(node *sitter.Node, exported bool, declare func(*graph.Entity, *sitter.Node, bool) *graph.Entity) {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return
	}
	name := fx.nodeText(nameNode)

	detail := &graph.ClassDetail{IsAbstract: node.Type() == "abstract_class_declaration"}
	classSym := declare(&graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      graph.SymbolClass,
			Signature: "class " + name,
			Location:  locPtr(fx.locationAt(node)),
			Class:     detail,
		},
	}, node, exported)

	// Decorators attach as direct children of the class node.
	for _, dec := range childrenOfType(node, "decorator") {
		fx.tsDecorator(classSym, dec)
	}

	// class_heritage wraps the extends and implements clauses.
	walk(node, func(n *sitter.Node) bool {
		switch n.Type() {
		case "class_body":
			return false
		case "class_heritage":
			// The JavaScript grammar puts the expression directly under
			// class_heritage with no extends_clause wrapper.
			if childOfType(n, "extends_clause") == nil && childOfType(n, "implements_clause") == nil {
				for _, tn := range fx.tsHeritageNames(n) {
					detail.Extends = append(detail.Extends, tn.name)
					fx.emit(classSym.ID, graph.RelExtends, tn.name, tn.node, typeKinds)
				}
				return false
			}
			return true
		case "extends_clause":
			for _, tn := range fx.tsHeritageNames(n) {
				detail.Extends = append(detail.Extends, tn.name)
				fx.emit(classSym.ID, graph.RelExtends, tn.name, tn.node, typeKinds)
			}
			return false
		case "implements_clause":
			for _, tn := range fx.tsHeritageNames(n) {
				detail.Implements = append(detail.Implements, tn.name)
				fx.emit(classSym.ID, graph.RelImplements, tn.name, tn.node, typeKinds)
			}
			return false
		}
		return true
	})

	body := childOfType(node, "class_body")
	if body == nil {
		return
	}
	var pendingDecorators []*sitter.Node
	for i := uint32(0); i < body.ChildCount(); i++ {
		member := body.Child(int(i))
		switch member.Type() {
		case "decorator":
			pendingDecorators = append(pendingDecorators, member)
		case "method_definition":
			sym := fx.tsFunctionSymbol(member, graph.SymbolMethod)
			if sym == nil {
				pendingDecorators = nil
				continue
			}
			methodSym := fx.addSymbol(sym, member)
			detail.Methods = append(detail.Methods, methodSym.Name)
			fx.rels.add(&graph.Relationship{
				FromEntityID: classSym.ID,
				ToEntityID:   methodSym.ID,
				Type:         graph.RelContains,
				Source:       graph.SourceAST,
				Evidence:     []graph.Evidence{fx.evidenceAt(member)},
			})
			for _, dec := range pendingDecorators {
				fx.tsDecorator(methodSym, dec)
			}
			for _, dec := range childrenOfType(member, "decorator") {
				fx.tsDecorator(methodSym, dec)
			}
			pendingDecorators = nil
			fx.tsSignatureEdges(methodSym.ID, member)
			if b := childByField(member, "body"); b != nil {
				fx.tsCallsAndRefs(methodSym.ID, b)
			}
		case "public_field_definition":
			if fieldName := childByField(member, "name"); fieldName != nil {
				detail.Properties = append(detail.Properties, fx.nodeText(fieldName))
				if ann := childByField(member, "type"); ann != nil {
					for _, tn := range fx.tsTypeNames(ann) {
						fx.emit(classSym.ID, graph.RelTypeUses, tn.name, tn.node, typeKinds)
					}
				}
			}
			pendingDecorators = nil
		}
	}
}

// tsHeritageNames reads the types named by a heritage clause.
func (fx *fileExtractor) tsHeritageNames(clause *sitter.Node) []namedType {
	var out []namedType
	walk(clause, func(n *sitter.Node) bool {
		switch n.Type() {
		case "identifier", "type_identifier":
			out = append(out, namedType{name: fx.nodeText(n), node: n})
		case "member_expression", "nested_type_identifier":
			out = append(out, namedType{name: fx.nodeText(n), node: n})
			return false
		case "type_arguments", "arguments":
			return false
		}
		return true
	})
	return out
}

func (fx *fileExtractor) tsInterface(node *sitter.Node) *graph.Entity {
	nameNode := childByField(node, "name")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)
	detail := &graph.InterfaceDetail{}

	body := childByField(node, "body")
	if body == nil {
		body = childOfType(node, "interface_body")
	}
	if body != nil {
		for i := uint32(0); i < body.NamedChildCount(); i++ {
			member := body.NamedChild(int(i))
			switch member.Type() {
			case "method_signature":
				if n := childByField(member, "name"); n != nil {
					detail.Methods = append(detail.Methods, fx.nodeText(n))
				}
			case "property_signature":
				if n := childByField(member, "name"); n != nil {
					detail.Properties = append(detail.Properties, fx.nodeText(n))
				}
			}
		}
	}

	return &graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      graph.SymbolInterface,
			Signature: "interface " + name,
			Location:  locPtr(fx.locationAt(node)),
			Interface: detail,
		},
	}
}

func (fx *fileExtractor) tsTypeAlias(node *sitter.Node) *graph.Entity {
	nameNode := childByField(node, "name")
	value := childByField(node, "value")
	if nameNode == nil {
		return nil
	}
	name := fx.nodeText(nameNode)
	aliased := fx.nodeText(value)

	return &graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:      name,
			Kind:      graph.SymbolTypeAlias,
			Signature: "type " + name + " = " + aliased,
			Location:  locPtr(fx.locationAt(node)),
			TypeAlias: &graph.TypeAliasDetail{
				AliasedType:    aliased,
				IsUnion:        value != nil && value.Type() == "union_type",
				IsIntersection: value != nil && value.Type() == "intersection_type",
			},
		},
	}
}

// tsVariable handles one variable_declarator: arrow functions and function
// expressions become function symbols, everything else a variable symbol.
func (fx *fileExtractor) tsVariable(decl *sitter.Node, exported bool, declare func(*graph.Entity, *sitter.Node, bool) *graph.Entity) {
	nameNode := childByField(decl, "name")
	if nameNode == nil || nameNode.Type() != "identifier" {
		return
	}
	name := fx.nodeText(nameNode)
	value := childByField(decl, "value")

	if value != nil && (value.Type() == "arrow_function" || value.Type() == "function_expression" || value.Type() == "function") {
		params := childByField(value, "parameters")
		ret := childByField(value, "return_type")
		sig := name + fx.nodeText(params)
		if ret != nil {
			sig += fx.nodeText(ret)
		}
		declare(&graph.Entity{
			Name: name,
			Symbol: &graph.SymbolDetail{
				Name:      name,
				Kind:      graph.SymbolFunction,
				Signature: sig,
				Location:  locPtr(fx.locationAt(decl)),
				Function: &graph.FunctionDetail{
					Parameters: fx.tsParamNames(params),
					IsAsync:    strings.HasPrefix(fx.nodeText(value), "async"),
				},
			},
		}, decl, exported)
		return
	}

	declare(&graph.Entity{
		Name: name,
		Symbol: &graph.SymbolDetail{
			Name:     name,
			Kind:     graph.SymbolVariable,
			Location: locPtr(fx.locationAt(decl)),
		},
	}, decl, exported)
}

// tsBody emits signature and body edges for a declared symbol.
func (fx *fileExtractor) tsBody(sym *graph.Entity, node *sitter.Node) {
	if sym.Symbol == nil {
		return
	}
	switch sym.Symbol.Kind {
	case graph.SymbolFunction:
		fx.tsSignatureEdges(sym.ID, node)
		body := childByField(node, "body")
		if body == nil {
			if value := childByField(node, "value"); value != nil {
				fx.tsSignatureEdges(sym.ID, value)
				body = childByField(value, "body")
				if body == nil {
					body = value
				}
			}
		}
		if body != nil {
			fx.tsCallsAndRefs(sym.ID, body)
		}
	case graph.SymbolVariable:
		if value := childByField(node, "value"); value != nil {
			fx.tsCallsAndRefs(sym.ID, value)
		}
	}
	// Classes and interfaces emitted their edges during declaration.
}

// tsCallsAndRefs walks an expression or body subtree emitting CALLS,
// REFERENCES, and TYPE_USES edges.
func (fx *fileExtractor) tsCallsAndRefs(fromID string, body *sitter.Node) {
	walk(body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "call_expression":
			if target := fx.tsCallTarget(n); target != "" {
				fx.emit(fromID, graph.RelCalls, target, n, callableKinds)
			}
		case "new_expression":
			if ctor := fx.tsNewTarget(n); ctor != "" {
				fx.emit(fromID, graph.RelCalls, ctor, n, []graph.SymbolKind{graph.SymbolClass})
			}
		case "type_identifier":
			fx.emit(fromID, graph.RelTypeUses, fx.nodeText(n), n, typeKinds)
		case "identifier":
			name := fx.nodeText(n)
			if fx.tsIsReference(n, name) {
				fx.emit(fromID, graph.RelReferences, name, n, nil)
			}
		}
		return true
	})
}

// tsIsReference filters identifiers down to reads of file-level or
// imported names; call targets and member properties are handled elsewhere.
func (fx *fileExtractor) tsIsReference(n *sitter.Node, name string) bool {
	_, isLocal := fx.res.local[name]
	_, isImport := fx.res.imports[name]
	if !isLocal && !isImport {
		return false
	}
	parent := n.Parent()
	if parent == nil {
		return true
	}
	switch parent.Type() {
	case "call_expression":
		return childByField(parent, "function") != n
	case "new_expression":
		return childByField(parent, "constructor") != n
	case "member_expression":
		return childByField(parent, "object") == n
	case "variable_declarator":
		return childByField(parent, "name") != n
	}
	return true
}

func (fx *fileExtractor) tsCallTarget(node *sitter.Node) string {
	fn := childByField(node, "function")
	if fn == nil && node.ChildCount() > 0 {
		fn = node.Child(0)
	}
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "member_expression":
		text := fx.nodeText(fn)
		// Chained calls like a.b().c have no stable static name.
		if strings.ContainsAny(text, "()[]\n") {
			return ""
		}
		return text
	}
	return ""
}

func (fx *fileExtractor) tsNewTarget(node *sitter.Node) string {
	ctor := childByField(node, "constructor")
	if ctor == nil {
		for i := uint32(0); i < node.ChildCount(); i++ {
			child := node.Child(int(i))
			if child.Type() == "identifier" || child.Type() == "member_expression" {
				ctor = child
				break
			}
		}
	}
	if ctor == nil {
		return ""
	}
	return fx.nodeText(ctor)
}

// tsDecorator emits the DECORATES edge between a decorated symbol and the
// decorator callable. The decorated symbol is the in-file endpoint.
func (fx *fileExtractor) tsDecorator(sym *graph.Entity, dec *sitter.Node) {
	var name string
	walk(dec, func(n *sitter.Node) bool {
		switch n.Type() {
		case "identifier":
			if name == "" {
				name = fx.nodeText(n)
			}
			return false
		case "member_expression":
			name = fx.nodeText(n)
			return false
		case "call_expression":
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

// tsTests walks describe/it/test call structure in a test file, producing
// per-case symbols and TESTS edges to the code the test bodies touch.
func (fx *fileExtractor) tsTests(root *sitter.Node) {
	testCallNames := map[string]bool{"it": true, "test": true, "describe": true}

	walk(root, func(n *sitter.Node) bool {
		if n.Type() != "call_expression" {
			return true
		}
		fn := childByField(n, "function")
		if fn == nil || fn.Type() != "identifier" || !testCallNames[fx.nodeText(fn)] {
			return true
		}
		if fx.nodeText(fn) == "describe" {
			// Descend into the suite body for the individual cases.
			return true
		}

		args := childByField(n, "arguments")
		if args == nil {
			return true
		}
		var title string
		var callback *sitter.Node
		for i := uint32(0); i < args.NamedChildCount(); i++ {
			arg := args.NamedChild(int(i))
			switch arg.Type() {
			case "string", "template_string":
				if title == "" {
					title = strings.Trim(fx.nodeText(arg), "`\"'")
				}
			case "arrow_function", "function_expression", "function":
				callback = arg
			}
		}
		if title == "" {
			return true
		}

		testSym := fx.addSymbol(&graph.Entity{
			Name: title,
			Symbol: &graph.SymbolDetail{
				Name:     title,
				Kind:     graph.SymbolFunction,
				Location: locPtr(fx.locationAt(n)),
			},
		}, n)
		testSym.Metadata = map[string]any{"testCase": true}

		if callback != nil {
			fx.tsTestTargets(testSym.ID, callback)
		}
		return false
	})
}

// tsTestTargets emits TESTS edges for every resolvable call inside a test
// callback. Assertion plumbing is skipped.
func (fx *fileExtractor) tsTestTargets(testID string, callback *sitter.Node) {
	walk(callback, func(n *sitter.Node) bool {
		switch n.Type() {
		case "call_expression":
			target := fx.tsCallTarget(n)
			if target != "" && target != "expect" && !strings.HasPrefix(target, "expect(") {
				fx.emit(testID, graph.RelTests, target, n, callableKinds)
			}
		case "new_expression":
			if ctor := fx.tsNewTarget(n); ctor != "" {
				fx.emit(testID, graph.RelTests, ctor, n, []graph.SymbolKind{graph.SymbolClass})
			}
		}
		return true
	})
}

func locPtr(loc graph.Location) *graph.Location {
	return &loc
}
