package syncd

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Priority orders pending work. Source files outrank manifests, which
// outrank generated output; under backpressure low drops first and high
// never drops.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// skipDirs are never watched or scanned.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"__pycache__":  true,
	".next":        true,
	".nuxt":        true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	".ckg":         true,
}

var manifestNames = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"tsconfig.json":     true,
	"go.mod":            true,
	"go.sum":            true,
	"requirements.txt":  true,
	"pyproject.toml":    true,
	"poetry.lock":       true,
	"Cargo.toml":        true,
	"Cargo.lock":        true,
	"composer.json":     true,
}

var generatedDirParts = map[string]bool{
	"dist":      true,
	"build":     true,
	"out":       true,
	"generated": true,
	"coverage":  true,
}

// ClassifyPath buckets a repository-relative path for the work queue.
func ClassifyPath(relPath string) Priority {
	base := path.Base(relPath)
	if manifestNames[base] {
		return PriorityMedium
	}
	if strings.HasSuffix(base, ".min.js") || strings.HasSuffix(base, ".pb.go") ||
		strings.HasSuffix(base, ".d.ts") || strings.HasSuffix(base, ".map") {
		return PriorityLow
	}
	for _, part := range strings.Split(path.Dir(relPath), "/") {
		if generatedDirParts[part] {
			return PriorityLow
		}
	}
	return PriorityHigh
}

// PathFilter decides which paths the coordinator looks at. Beyond the
// fixed skip list it honors auto-detected dependency directories found
// next to their manifests (node_modules beside package.json, target
// beside Cargo.toml, a venv beside pyvenv.cfg).
type PathFilter struct {
	root     string
	excluded map[string]bool // repo-relative directory prefixes
}

// NewPathFilter builds a filter rooted at an absolute directory,
// scanning it once for dependency-directory markers.
func NewPathFilter(root string) *PathFilter {
	f := &PathFilter{root: root, excluded: map[string]bool{}}
	f.detectAutoExcludes()
	return f
}

// SkipDir reports whether a directory (repo-relative) is out of scope.
func (f *PathFilter) SkipDir(relDir string) bool {
	if relDir == "." || relDir == "" {
		return false
	}
	for _, part := range strings.Split(relDir, "/") {
		if skipDirs[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	for prefix := range f.excluded {
		if relDir == prefix || strings.HasPrefix(relDir, prefix+"/") {
			return true
		}
	}
	return false
}

// SkipFile reports whether a file (repo-relative) is out of scope.
func (f *PathFilter) SkipFile(relPath string) bool {
	dir := path.Dir(relPath)
	if dir != "." && f.SkipDir(dir) {
		return true
	}
	base := path.Base(relPath)
	if strings.HasPrefix(base, ".") && !manifestNames[base] {
		return true
	}
	return false
}

// detectAutoExcludes walks the tree looking for build-system markers and
// records the dependency directories they imply.
func (f *PathFilter) detectAutoExcludes() {
	_ = filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(f.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && skipDirs[path.Base(rel)] {
				return filepath.SkipDir
			}
			return nil
		}
		dir := path.Dir(rel)
		switch d.Name() {
		case "package.json":
			f.markExcluded(dir, "node_modules")
		case "Cargo.toml":
			f.markExcluded(dir, "target")
		case "go.mod":
			f.markExcluded(dir, "vendor")
		case "composer.json":
			f.markExcluded(dir, "vendor")
		case "pyvenv.cfg":
			// The marker lives inside the venv itself.
			if dir != "." {
				f.excluded[dir] = true
			}
		}
		return nil
	})
}

func (f *PathFilter) markExcluded(dir, name string) {
	rel := name
	if dir != "." {
		rel = dir + "/" + name
	}
	if st, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(rel))); err == nil && st.IsDir() {
		f.excluded[rel] = true
	}
}
