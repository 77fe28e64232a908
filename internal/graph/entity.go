// Package graph defines the data model for the code knowledge graph:
// typed entities, attributed relationships, canonical edge identity, and
// the merge rules that keep repeated observations of the same fact on a
// single edge.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKind identifies the variant of an Entity.
type EntityKind string

const (
	KindFile            EntityKind = "file"
	KindDirectory       EntityKind = "directory"
	KindModule          EntityKind = "module"
	KindSymbol          EntityKind = "symbol"
	KindTest            EntityKind = "test"
	KindSpec            EntityKind = "spec"
	KindDocumentation   EntityKind = "documentation"
	KindChange          EntityKind = "change"
	KindCheckpoint      EntityKind = "checkpoint"
	KindSession         EntityKind = "session"
	KindBusinessDomain  EntityKind = "businessDomain"
	KindSemanticCluster EntityKind = "semanticCluster"
	KindSecurityIssue   EntityKind = "securityIssue"
	KindVulnerability   EntityKind = "vulnerability"
)

// SymbolKind classifies symbol entities.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolTypeAlias SymbolKind = "typeAlias"
	SymbolVariable  SymbolKind = "variable"
	SymbolProperty  SymbolKind = "property"
	SymbolMethod    SymbolKind = "method"
	SymbolUnknown   SymbolKind = "unknown"
)

// Location is a position inside a source file.
type Location struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	EndLine  int    `json:"endLine,omitempty"`
}

// Entity is a node in the knowledge graph. Kind selects which of the
// variant payloads is populated; common attributes are always present.
type Entity struct {
	ID           string         `json:"id"`
	Kind         EntityKind     `json:"type"`
	Path         string         `json:"path,omitempty"`
	Name         string         `json:"name,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	Language     string         `json:"language,omitempty"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"lastModified"`
	Version      int            `json:"version,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Variant payloads. Exactly one is set for the corresponding Kind;
	// all are nil for kinds that carry no extra attributes.
	File          *FileDetail          `json:"file,omitempty"`
	Directory     *DirectoryDetail     `json:"directory,omitempty"`
	Module        *ModuleDetail        `json:"module,omitempty"`
	Symbol        *SymbolDetail        `json:"symbol,omitempty"`
	Test          *TestDetail          `json:"test,omitempty"`
	Spec          *SpecDetail          `json:"spec,omitempty"`
	Documentation *DocumentationDetail `json:"documentation,omitempty"`

	// Embedding state mirrored from the vector index.
	Embedding          []float32 `json:"embedding,omitempty"`
	EmbeddingUpdatedAt time.Time `json:"embeddingUpdatedAt,omitempty"`
}

// FileDetail holds file-variant attributes.
type FileDetail struct {
	Extension    string   `json:"extension"`
	Size         int64    `json:"size"`
	Lines        int      `json:"lines"`
	IsTest       bool     `json:"isTest"`
	IsConfig     bool     `json:"isConfig"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// DirectoryDetail holds directory-variant attributes.
type DirectoryDetail struct {
	Children []string `json:"children,omitempty"`
	Depth    int      `json:"depth"`
}

// ModuleDetail holds module-variant attributes.
type ModuleDetail struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	PackageJSON string `json:"packageJson,omitempty"`
	EntryPoint  string `json:"entryPoint,omitempty"`
}

// SymbolDetail holds symbol-variant attributes. The Function, Class,
// Interface, and TypeAlias sub-payloads refine particular symbol kinds.
type SymbolDetail struct {
	Name         string     `json:"name"`
	Kind         SymbolKind `json:"kind"`
	Signature    string     `json:"signature,omitempty"`
	Docstring    string     `json:"docstring,omitempty"`
	Visibility   string     `json:"visibility,omitempty"`
	IsExported   bool       `json:"isExported"`
	IsDeprecated bool       `json:"isDeprecated,omitempty"`
	Location     *Location  `json:"location,omitempty"`

	Function  *FunctionDetail  `json:"function,omitempty"`
	Class     *ClassDetail     `json:"class,omitempty"`
	Interface *InterfaceDetail `json:"interface,omitempty"`
	TypeAlias *TypeAliasDetail `json:"typeAlias,omitempty"`
}

// FunctionDetail refines function and method symbols.
type FunctionDetail struct {
	Parameters  []string `json:"parameters,omitempty"`
	ReturnType  string   `json:"returnType,omitempty"`
	IsAsync     bool     `json:"isAsync,omitempty"`
	IsGenerator bool     `json:"isGenerator,omitempty"`
	Complexity  int      `json:"complexity,omitempty"`
	Calls       []string `json:"calls,omitempty"`
}

// ClassDetail refines class symbols.
type ClassDetail struct {
	Extends    []string `json:"extends,omitempty"`
	Implements []string `json:"implements,omitempty"`
	Methods    []string `json:"methods,omitempty"`
	Properties []string `json:"properties,omitempty"`
	IsAbstract bool     `json:"isAbstract,omitempty"`
}

// InterfaceDetail refines interface symbols.
type InterfaceDetail struct {
	Extends    []string `json:"extends,omitempty"`
	Methods    []string `json:"methods,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// TypeAliasDetail refines type-alias symbols.
type TypeAliasDetail struct {
	AliasedType    string `json:"aliasedType,omitempty"`
	IsUnion        bool   `json:"isUnion,omitempty"`
	IsIntersection bool   `json:"isIntersection,omitempty"`
}

// TestDetail holds test-variant attributes.
type TestDetail struct {
	TestType     string   `json:"testType,omitempty"`
	TargetSymbol string   `json:"targetSymbol,omitempty"`
	Framework    string   `json:"framework,omitempty"`
	Coverage     float64  `json:"coverage,omitempty"`
	Status       string   `json:"status,omitempty"`
	FlakyScore   float64  `json:"flakyScore,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// SpecDetail holds spec-variant attributes.
type SpecDetail struct {
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria,omitempty"`
	Status             string    `json:"status,omitempty"`
	Priority           string    `json:"priority,omitempty"`
	Updated            time.Time `json:"updated,omitempty"`
}

// DocumentationDetail holds documentation-variant attributes.
type DocumentationDetail struct {
	Title           string   `json:"title"`
	Content         string   `json:"content,omitempty"`
	DocType         string   `json:"docType,omitempty"`
	BusinessDomains []string `json:"businessDomains,omitempty"`
	Stakeholders    []string `json:"stakeholders,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
	Status          string   `json:"status,omitempty"`
}

// Label returns the Neo4j label for the entity kind, used alongside the
// Entity superlabel.
func (k EntityKind) Label() string {
	switch k {
	case KindFile:
		return "File"
	case KindDirectory:
		return "Directory"
	case KindModule:
		return "Module"
	case KindSymbol:
		return "Symbol"
	case KindTest:
		return "Test"
	case KindSpec:
		return "Spec"
	case KindDocumentation:
		return "Documentation"
	case KindChange:
		return "Change"
	case KindCheckpoint:
		return "Checkpoint"
	case KindSession:
		return "Session"
	case KindBusinessDomain:
		return "BusinessDomain"
	case KindSemanticCluster:
		return "SemanticCluster"
	case KindSecurityIssue:
		return "SecurityIssue"
	case KindVulnerability:
		return "Vulnerability"
	default:
		return "Entity"
	}
}

// ValidKind reports whether k is a known entity kind.
func ValidKind(k EntityKind) bool {
	switch k {
	case KindFile, KindDirectory, KindModule, KindSymbol, KindTest, KindSpec,
		KindDocumentation, KindChange, KindCheckpoint, KindSession,
		KindBusinessDomain, KindSemanticCluster, KindSecurityIssue,
		KindVulnerability:
		return true
	}
	return false
}

// SymbolID builds a stable symbol entity id. The disambiguator is the first
// 8 hex chars of the content-and-position hash and keeps (path, kind, name)
// collisions apart.
func SymbolID(relPath, name string, disambiguator string) string {
	if disambiguator == "" {
		return fmt.Sprintf("sym:%s#%s", relPath, name)
	}
	return fmt.Sprintf("sym:%s#%s@%s", relPath, name, disambiguator)
}

// FileID builds a stable file entity id from a repository-relative path.
func FileID(relPath string) string {
	return "file:" + relPath
}

// ContentHash computes the entity content hash used for change detection.
// For symbols it covers the signature and location so that two same-named
// symbols in one file hash differently.
func (e *Entity) ContentHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", e.Kind, e.Path, e.Name, e.Language)
	if e.Symbol != nil {
		fmt.Fprintf(h, "|%s|%s", e.Symbol.Kind, e.Symbol.Signature)
		if e.Symbol.Location != nil {
			fmt.Fprintf(h, "|%d:%d", e.Symbol.Location.Line, e.Symbol.Location.Column)
		}
	}
	if e.File != nil {
		fmt.Fprintf(h, "|%d|%d", e.File.Size, e.File.Lines)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SignatureKey returns the structural signature used to decide whether a
// symbol change warrants a version bump (PREVIOUS_VERSION edge).
func (e *Entity) SignatureKey() string {
	if e.Symbol == nil {
		return e.Hash
	}
	return string(e.Symbol.Kind) + "|" + e.Symbol.Name + "|" + e.Symbol.Signature
}

// MergeMetadata unions src into dst treating array values as sets.
// Scalar conflicts resolve last-writer-wins in favor of src.
func MergeMetadata(dst, src map[string]any) map[string]any {
	if dst == nil && src == nil {
		return nil
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			if a, aok := toStringSlice(existing); aok {
				if b, bok := toStringSlice(v); bok {
					out[k] = unionStrings(a, b)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func toStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// IsTestPath reports whether a repository path looks like a test file.
func IsTestPath(relPath string) bool {
	base := relPath
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasPrefix(relPath, "test/") ||
		strings.HasPrefix(relPath, "tests/") ||
		strings.Contains(relPath, "/__tests__/")
}

// IsConfigPath reports whether a repository path looks like configuration.
func IsConfigPath(relPath string) bool {
	base := relPath
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	switch base {
	case "package.json", "tsconfig.json", "go.mod", "go.sum", "pyproject.toml",
		"Makefile", "Dockerfile", ".eslintrc", "jest.config.js":
		return true
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml") ||
		strings.HasSuffix(base, ".toml") || strings.HasSuffix(base, ".ini")
}
