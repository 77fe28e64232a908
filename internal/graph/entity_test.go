package graph

import "testing"

func TestKindLabel(t *testing.T) {
	tests := []struct {
		kind EntityKind
		want string
	}{
		{KindFile, "File"},
		{KindSymbol, "Symbol"},
		{KindChange, "Change"},
		{EntityKind("mystery"), "Entity"},
	}
	for _, tt := range tests {
		if got := tt.kind.Label(); got != tt.want {
			t.Errorf("Label(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestValidKind(t *testing.T) {
	if !ValidKind(KindSymbol) || !ValidKind(KindDocumentation) {
		t.Error("known kinds must validate")
	}
	if ValidKind(EntityKind("")) || ValidKind(EntityKind("widget")) {
		t.Error("unknown kinds must not validate")
	}
}

func TestSignatureKey(t *testing.T) {
	fn := &Entity{
		Kind: KindSymbol,
		Symbol: &SymbolDetail{
			Kind:      SymbolFunction,
			Name:      "login",
			Signature: "(user: string) => Token",
		},
	}
	same := &Entity{
		Kind: KindSymbol,
		Symbol: &SymbolDetail{
			Kind:      SymbolFunction,
			Name:      "login",
			Signature: "(user: string) => Token",
		},
	}
	changed := &Entity{
		Kind: KindSymbol,
		Symbol: &SymbolDetail{
			Kind:      SymbolFunction,
			Name:      "login",
			Signature: "(user: string, mfa: boolean) => Token",
		},
	}

	if fn.SignatureKey() != same.SignatureKey() {
		t.Error("identical signatures must share a key")
	}
	if fn.SignatureKey() == changed.SignatureKey() {
		t.Error("a signature change must change the key")
	}

	file := &Entity{Kind: KindFile, Hash: "abcd1234"}
	if file.SignatureKey() != "abcd1234" {
		t.Errorf("non-symbols fall back to content hash, got %q", file.SignatureKey())
	}
}

func TestMergeMetadataUnionsArrays(t *testing.T) {
	dst := map[string]any{
		"tags":  []string{"auth", "core"},
		"owner": "platform",
	}
	src := map[string]any{
		"tags":  []string{"core", "session"},
		"owner": "identity",
		"new":   true,
	}

	merged := MergeMetadata(dst, src)
	tags, ok := merged["tags"].([]string)
	if !ok || len(tags) != 3 {
		t.Fatalf("tags = %v", merged["tags"])
	}
	if merged["owner"] != "identity" {
		t.Errorf("scalar conflict must prefer src, got %v", merged["owner"])
	}
	if merged["new"] != true {
		t.Error("src-only keys must survive")
	}
}

func TestIsTestPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"internal/store/entities_test.go", true},
		{"src/auth/login.spec.ts", true},
		{"src/__tests__/login.ts", true},
		{"tests/fixtures.py", true},
		{"src/auth/login.ts", false},
		{"internal/store/entities.go", false},
	}
	for _, tt := range tests {
		if got := IsTestPath(tt.path); got != tt.want {
			t.Errorf("IsTestPath(%q) = %v", tt.path, got)
		}
	}
}

func TestIsConfigPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"package.json", true},
		{"services/api/tsconfig.json", true},
		{"deploy/values.yaml", true},
		{"pyproject.toml", true},
		{"src/auth/login.ts", false},
	}
	for _, tt := range tests {
		if got := IsConfigPath(tt.path); got != tt.want {
			t.Errorf("IsConfigPath(%q) = %v", tt.path, got)
		}
	}
}
