package extract

import (
	"path"
	"strings"

	"github.com/anthropics/ckg/internal/graph"
)

// stopList holds ambient globals that never produce edges. References to
// these names terminate resolution without an observation.
var stopList = map[string]bool{
	"console": true, "Math": true, "Promise": true, "JSON": true,
	"Object": true, "Array": true, "String": true, "Number": true,
	"Boolean": true, "Symbol": true, "Map": true, "Set": true,
	"WeakMap": true, "WeakSet": true, "Date": true, "RegExp": true,
	"Error": true, "TypeError": true, "RangeError": true, "SyntaxError": true,
	"Reflect": true, "Proxy": true, "Function": true, "BigInt": true,
	"globalThis": true, "window": true, "document": true, "process": true,
	"Buffer": true, "setTimeout": true, "setInterval": true,
	"clearTimeout": true, "clearInterval": true, "require": true,
	"undefined": true, "null": true, "this": true, "super": true,
	// TypeScript primitive and utility types.
	"string": true, "number": true, "boolean": true, "any": true,
	"void": true, "never": true, "unknown": true, "object": true,
	"bigint": true, "symbol": true,
	"Partial": true, "Required": true, "Readonly": true, "Record": true,
	"Pick": true, "Omit": true, "Exclude": true, "Extract": true,
	"NonNullable": true, "ReturnType": true, "Parameters": true,
	"InstanceType": true, "Awaited": true,
	// Python builtins that show up as call targets.
	"print": true, "len": true, "range": true, "isinstance": true,
	"str": true, "dict": true, "list": true, "tuple": true,
	// Go builtins.
	"make": true, "new": true, "append": true, "copy": true, "delete": true,
	"panic": true, "recover": true, "cap": true, "close": true,
	"int": true, "int32": true, "int64": true, "uint": true, "uint32": true,
	"uint64": true, "float32": true, "float64": true, "byte": true,
	"rune": true, "bool": true, "error": true, "complex": true,
}

// importBinding records what a local name was bound to by an import.
type importBinding struct {
	// Module is the import specifier as written ("./auth", "lodash").
	Module string
	// Imported is the name inside the module; empty for default and
	// namespace imports.
	Imported string
	// Namespace marks `import * as ns` style bindings.
	Namespace bool
}

type resolverOptions struct {
	checker TypeChecker
	budget  int
}

// resolver implements the per-file resolution chain: local scope, then the
// import map, then a budgeted type-checker lookup for member expressions,
// and finally a deferred symbolic reference for the global index to
// reconcile later. Stop-listed names resolve to nothing.
type resolver struct {
	relPath string
	local   map[string]*graph.Entity
	imports map[string]importBinding
	checker TypeChecker
	budget  int
	spent   int
}

func newResolver(relPath string, opts resolverOptions) *resolver {
	return &resolver{
		relPath: relPath,
		local:   make(map[string]*graph.Entity),
		imports: make(map[string]importBinding),
		checker: opts.checker,
		budget:  opts.budget,
	}
}

func (r *resolver) addLocal(sym *graph.Entity) {
	if sym.Name == "" {
		return
	}
	// First declaration wins; shadowing within a file is rare enough that
	// the earlier symbol is the better default target.
	if _, ok := r.local[sym.Name]; !ok {
		r.local[sym.Name] = sym
	}
}

func (r *resolver) addImport(localName string, binding importBinding) {
	if localName == "" {
		return
	}
	r.imports[localName] = binding
}

// resolve maps a referenced name to a target. The boolean is false when the
// name is stop-listed and no edge should be emitted.
func (r *resolver) resolve(name string, site graph.Location, kinds []graph.SymbolKind) (graph.TargetRef, graph.Source, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return graph.TargetRef{}, "", false
	}

	base := name
	member := ""
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		base = name[:idx]
		member = name[idx+1:]
	}

	if stopList[base] {
		return graph.TargetRef{}, "", false
	}

	// Local scope: a declaration in this file.
	if member == "" {
		if sym, ok := r.local[base]; ok {
			return graph.TargetRef{Kind: graph.RefEntity, EntityID: sym.ID}, graph.SourceAST, true
		}
	}

	// Import map: named imports become file-symbol refs for relative
	// modules and external refs for packages.
	if binding, ok := r.imports[base]; ok {
		return r.resolveImported(binding, member), graph.SourceAST, true
	}

	// Member expressions on unknown receivers are where the type checker
	// earns its budget.
	if member != "" {
		if ref, ok := r.checkType(site, name); ok {
			return ref, graph.SourceTypeChecker, true
		}
		// Receiver is local but the member is not statically known.
		if sym, ok := r.local[base]; ok {
			return graph.TargetRef{
				Kind:          graph.RefSymbolic,
				FilePath:      r.relPath,
				Name:          member,
				Disambiguator: sym.Name,
				SymbolKinds:   kinds,
			}, graph.SourceAST, true
		}
	}

	// Deferred: the global name index reconciles these once the target
	// file has been indexed.
	return graph.TargetRef{
		Kind:        graph.RefSymbolic,
		FilePath:    r.relPath,
		Name:        name,
		SymbolKinds: kinds,
	}, graph.SourceAST, true
}

func (r *resolver) resolveImported(binding importBinding, member string) graph.TargetRef {
	target := binding.Imported
	if binding.Namespace || target == "" {
		target = member
	} else if member != "" {
		target = target + "." + member
	}

	if isRelativeModule(binding.Module) {
		return graph.TargetRef{
			Kind:     graph.RefFileSymbol,
			FilePath: resolveModulePath(r.relPath, binding.Module),
			Name:     target,
		}
	}
	name := binding.Module
	if target != "" {
		name = binding.Module + "." + target
	}
	return graph.TargetRef{Kind: graph.RefExternal, Name: name}
}

// checkType consults the type checker within budget.
func (r *resolver) checkType(site graph.Location, expr string) (graph.TargetRef, bool) {
	if r.checker == nil || r.spent >= r.budget {
		return graph.TargetRef{}, false
	}
	r.spent++
	return r.checker.ResolveMember(r.relPath, site.Line, site.Column, expr)
}

// moduleRef builds the target for a file-level import edge.
func (r *resolver) moduleRef(module string) graph.TargetRef {
	if isRelativeModule(module) {
		return graph.TargetRef{
			Kind:     graph.RefFileSymbol,
			FilePath: resolveModulePath(r.relPath, module),
		}
	}
	return graph.TargetRef{Kind: graph.RefExternal, Name: module}
}

func isRelativeModule(module string) bool {
	return strings.HasPrefix(module, "./") || strings.HasPrefix(module, "../") || module == "."
}

// resolveModulePath joins a relative import specifier against the importing
// file's directory. Extensions are left to the reconciliation pass, which
// matches against indexed file paths.
func resolveModulePath(fromPath, module string) string {
	return path.Clean(path.Join(path.Dir(fromPath), module))
}
