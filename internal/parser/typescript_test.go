package parser

import "testing"

const testTSSource = `import { helper } from "./helper";

export interface Greeter {
	greet(name: string): string;
}

export class SimpleGreeter implements Greeter {
	constructor(private prefix: string) {}

	greet(name: string): string {
		return this.prefix + helper(name);
	}
}

export function makeGreeter(prefix: string): Greeter {
	return new SimpleGreeter(prefix);
}
`

func TestTypeScriptParse(t *testing.T) {
	p, err := NewParser(TypeScript)
	if err != nil {
		t.Fatalf("NewParser(TypeScript) failed: %v", err)
	}
	defer p.Close()

	result, err := p.Parse([]byte(testTSSource))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	defer result.Close()

	if result.HasErrors() {
		t.Error("expected no parse errors for valid TypeScript")
	}

	t.Run("finds classes", func(t *testing.T) {
		classes := result.FindNodesByType("class_declaration")
		if len(classes) != 1 {
			t.Errorf("expected 1 class_declaration, got %d", len(classes))
		}
		if GetTypeScriptEntityType(classes[0]) != "class" {
			t.Error("class_declaration should map to class")
		}
	})

	t.Run("finds interfaces", func(t *testing.T) {
		ifaces := result.FindNodesByType("interface_declaration")
		if len(ifaces) != 1 {
			t.Errorf("expected 1 interface_declaration, got %d", len(ifaces))
		}
	})

	t.Run("finds imports", func(t *testing.T) {
		imports := result.FindNodesByType("import_statement")
		if len(imports) != 1 {
			t.Errorf("expected 1 import_statement, got %d", len(imports))
		}
		if !IsTypeScriptEntityNode(imports[0]) {
			t.Error("import_statement should be an entity node")
		}
	})
}

func TestLanguageFromExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want Language
	}{
		{".ts", TypeScript},
		{".tsx", TypeScript},
		{".js", JavaScript},
		{".mjs", JavaScript},
		{".go", Go},
		{".py", Python},
		{".rs", ""},
		{".txt", ""},
	}
	for _, tt := range tests {
		if got := LanguageFromExtension(tt.ext); got != tt.want {
			t.Errorf("LanguageFromExtension(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}
