package syncd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		path string
		want Priority
	}{
		{"src/auth/service.ts", PriorityHigh},
		{"internal/store/db.go", PriorityHigh},
		{"package.json", PriorityMedium},
		{"api/go.mod", PriorityMedium},
		{"yarn.lock", PriorityMedium},
		{"dist/bundle.js", PriorityLow},
		{"build/main.js", PriorityLow},
		{"src/vendor.min.js", PriorityLow},
		{"types/index.d.ts", PriorityLow},
		{"src/api.pb.go", PriorityLow},
	}
	for _, tt := range tests {
		if got := ClassifyPath(tt.path); got != tt.want {
			t.Errorf("ClassifyPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestPathFilterSkipsKnownDirs(t *testing.T) {
	f := NewPathFilter(t.TempDir())

	for _, dir := range []string{"node_modules", ".git", "vendor", "src/node_modules", "__pycache__", ".github"} {
		if !f.SkipDir(dir) {
			t.Errorf("SkipDir(%q) = false", dir)
		}
	}
	for _, dir := range []string{"src", "internal/store", "."} {
		if f.SkipDir(dir) {
			t.Errorf("SkipDir(%q) = true", dir)
		}
	}

	if f.SkipFile("src/auth/service.ts") {
		t.Error("ordinary source files must pass")
	}
	if !f.SkipFile(".env") {
		t.Error("dotfiles must be skipped")
	}
	if !f.SkipFile("node_modules/lodash/index.js") {
		t.Error("files under skipped dirs must be skipped")
	}
}

func TestPathFilterAutoExcludes(t *testing.T) {
	root := t.TempDir()
	mustWrite := func(rel, content string) {
		t.Helper()
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// A virtualenv is identified by its own marker file.
	mustWrite("env/pyvenv.cfg", "home = /usr/bin\n")
	// A nested crate's target directory sits beside its manifest.
	mustWrite("services/worker/Cargo.toml", "[package]\n")
	if err := os.MkdirAll(filepath.Join(root, "services", "worker", "target"), 0o755); err != nil {
		t.Fatal(err)
	}

	f := NewPathFilter(root)
	if !f.SkipDir("env") {
		t.Error("venv dir must be auto-excluded")
	}
	if !f.SkipDir("services/worker/target") {
		t.Error("nested target dir must be auto-excluded")
	}
	if !f.SkipFile("env/lib/site.py") {
		t.Error("files inside the venv must be skipped")
	}
	if f.SkipDir("services/worker") {
		t.Error("the crate itself stays in scope")
	}
}
