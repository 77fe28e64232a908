package extract

import (
	"testing"
	"time"

	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/parser"
)

const pySource = `import os
from utils.crypto import sha256 as sh

@register
class AuthService(BaseService):
    def login(self, user):
        return sh(user)

    def _internal(self):
        pass

def helper():
    return os.path.join("a", "b")
`

func extractPySource(t *testing.T, relPath, source string) *FileResult {
	t.Helper()
	p, err := parser.NewParser(parser.Python)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	t.Cleanup(p.Close)
	result, err := p.Parse([]byte(source))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Cleanup(result.Close)

	res, err := ExtractFile(result, relPath, Options{
		Now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	return res
}

func TestExtractPythonSymbols(t *testing.T) {
	res := extractPySource(t, "svc/auth.py", pySource)

	svc := symbolByName(t, res, "AuthService")
	if svc.Symbol.Kind != graph.SymbolClass || !svc.Symbol.IsExported {
		t.Errorf("AuthService wrong: %+v", svc.Symbol)
	}
	login := symbolByName(t, res, "login")
	if login.Symbol.Kind != graph.SymbolMethod {
		t.Errorf("login kind = %s", login.Symbol.Kind)
	}
	internal := symbolByName(t, res, "_internal")
	if internal.Symbol.IsExported {
		t.Error("underscore-prefixed names are not exported")
	}
	helper := symbolByName(t, res, "helper")
	if helper.Symbol.Kind != graph.SymbolFunction {
		t.Errorf("helper kind = %s", helper.Symbol.Kind)
	}

	if findRel(res, svc.ID, graph.RelContains, login.ID) == nil {
		t.Error("class must CONTAINS its method")
	}
}

func TestExtractPythonImportsAndCalls(t *testing.T) {
	res := extractPySource(t, "svc/auth.py", pySource)

	keys := map[string]bool{}
	for _, imp := range relsOfType(res, graph.RelImports) {
		keys[imp.TargetKey()] = true
	}
	if !keys["external:os"] || !keys["external:utils.crypto"] {
		t.Errorf("import targets wrong: %v", keys)
	}

	login := symbolByName(t, res, "login")
	// Aliased from-import resolves to the real name in its module.
	if findRel(res, login.ID, graph.RelCalls, "external:utils.crypto.sha256") == nil {
		t.Error("sh(user) must resolve to utils.crypto.sha256")
	}

	helper := symbolByName(t, res, "helper")
	if findRel(res, helper.ID, graph.RelCalls, "external:os.path.join") == nil {
		t.Error("os.path.join must resolve through the os import")
	}
}

func TestExtractPythonDecorators(t *testing.T) {
	res := extractPySource(t, "svc/auth.py", pySource)

	svc := symbolByName(t, res, "AuthService")
	var dec *graph.Relationship
	for _, r := range relsOfType(res, graph.RelDecorates) {
		if r.FromEntityID == svc.ID {
			dec = r
		}
	}
	if dec == nil {
		t.Fatal("decorated class must carry a DECORATES edge")
	}
	if dec.ToRef.Name != "register" {
		t.Errorf("decorator target = %q, want register", dec.ToRef.Name)
	}
}

func TestExtractPythonExtends(t *testing.T) {
	res := extractPySource(t, "svc/auth.py", pySource)

	svc := symbolByName(t, res, "AuthService")
	var ext *graph.Relationship
	for _, r := range relsOfType(res, graph.RelExtends) {
		if r.FromEntityID == svc.ID {
			ext = r
		}
	}
	if ext == nil {
		t.Fatal("AuthService must EXTENDS its base")
	}
	if ext.ToRef.Name != "BaseService" || ext.ToRef.Kind != graph.RefSymbolic {
		t.Errorf("base ref wrong: %+v", ext.ToRef)
	}
	if got := svc.Symbol.Class.Extends; len(got) != 1 || got[0] != "BaseService" {
		t.Errorf("class detail extends wrong: %v", got)
	}
}
