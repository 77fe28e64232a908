package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// RelType identifies the relationship label in the graph.
type RelType string

const (
	// Structural
	RelContains RelType = "CONTAINS"
	RelDefines  RelType = "DEFINES"
	RelExports  RelType = "EXPORTS"
	RelImports  RelType = "IMPORTS"

	// Code
	RelCalls      RelType = "CALLS"
	RelReferences RelType = "REFERENCES"
	RelImplements RelType = "IMPLEMENTS"
	RelExtends    RelType = "EXTENDS"
	RelDependsOn  RelType = "DEPENDS_ON"
	RelDecorates  RelType = "DECORATES"

	// Type usage
	RelTypeUses    RelType = "TYPE_USES"
	RelReturnsType RelType = "RETURNS_TYPE"
	RelParamType   RelType = "PARAM_TYPE"

	// Test
	RelTests     RelType = "TESTS"
	RelValidates RelType = "VALIDATES"

	// Spec
	RelRequires       RelType = "REQUIRES"
	RelImpacts        RelType = "IMPACTS"
	RelImplementsSpec RelType = "IMPLEMENTS_SPEC"

	// Documentation
	RelDocumentedBy     RelType = "DOCUMENTED_BY"
	RelDocumentsSection RelType = "DOCUMENTS_SECTION"

	// Temporal
	RelPreviousVersion RelType = "PREVIOUS_VERSION"
	RelModifiedBy      RelType = "MODIFIED_BY"

	// Checkpoint membership
	RelIncludes RelType = "INCLUDES"
)

var knownRelTypes = map[RelType]bool{
	RelContains: true, RelDefines: true, RelExports: true, RelImports: true,
	RelCalls: true, RelReferences: true, RelImplements: true, RelExtends: true,
	RelDependsOn: true, RelDecorates: true,
	RelTypeUses: true, RelReturnsType: true, RelParamType: true,
	RelTests: true, RelValidates: true,
	RelRequires: true, RelImpacts: true, RelImplementsSpec: true,
	RelDocumentedBy: true, RelDocumentsSection: true,
	RelPreviousVersion: true, RelModifiedBy: true,
	RelIncludes: true,
}

// ValidRelType reports whether t is a known relationship type.
func ValidRelType(t RelType) bool {
	return knownRelTypes[t]
}

// Source classifies how a relationship was derived.
type Source string

const (
	SourceAST         Source = "ast"
	SourceTypeChecker Source = "type-checker"
	SourceHeuristic   Source = "heuristic"
)

// sourceRank orders resolution quality. Type-checker resolutions are never
// downgraded by later AST-only observations.
func sourceRank(s Source) int {
	switch s {
	case SourceTypeChecker:
		return 2
	case SourceAST:
		return 1
	default:
		return 0
	}
}

// TargetRefKind classifies a deferred reference target.
type TargetRefKind string

const (
	RefEntity     TargetRefKind = "entity"     // resolved to a concrete entity id
	RefFileSymbol TargetRefKind = "fileSymbol" // resolved to (file, exported name)
	RefExternal   TargetRefKind = "external"   // package or ambient symbol
	RefSymbolic   TargetRefKind = "symbolic"   // best-effort name, to reconcile later
)

// TargetRef describes a relationship target that may not yet be a concrete
// entity. The reconciliation pass upgrades fileSymbol/symbolic refs once the
// global symbol index knows the target.
type TargetRef struct {
	Kind     TargetRefKind `json:"kind"`
	EntityID string        `json:"entityId,omitempty"`
	FilePath string        `json:"filePath,omitempty"`
	Name     string        `json:"name,omitempty"`
	// Disambiguator keeps same-named symbols in one file apart.
	Disambiguator string `json:"disambiguator,omitempty"`
	// SymbolKinds restricts what the deferred target may resolve to.
	SymbolKinds []SymbolKind `json:"symbolKinds,omitempty"`
}

// Key returns the canonical target key used in relationship identity.
func (r TargetRef) Key() string {
	switch r.Kind {
	case RefEntity:
		return r.EntityID
	case RefFileSymbol:
		return fmt.Sprintf("file:%s:%s", r.FilePath, r.Name)
	case RefExternal:
		return "external:" + r.Name
	default:
		return fmt.Sprintf("sym:%s#%s@%s", r.FilePath, r.Name, r.Disambiguator)
	}
}

// Evidence is one observation site supporting a relationship.
type Evidence struct {
	Kind       string    `json:"kind"` // "site"
	FilePath   string    `json:"filePath"`
	Line       int       `json:"line"`
	Column     int       `json:"column,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	ObservedAt time.Time `json:"observedAt,omitempty"`
}

func (e Evidence) key() string {
	return fmt.Sprintf("%s:%d:%d", e.FilePath, e.Line, e.Column)
}

// MaxEvidence bounds evidence and location lists on an edge. Older entries
// are evicted on merge, most recent first retained.
const MaxEvidence = 20

// Relationship is an edge in the knowledge graph.
type Relationship struct {
	ID           string    `json:"id"`
	FromEntityID string    `json:"fromEntityId"`
	ToEntityID   string    `json:"toEntityId,omitempty"`
	ToRef        TargetRef `json:"toRef,omitempty"`
	Type         RelType   `json:"type"`

	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	LastSeenAt   time.Time `json:"lastSeenAt,omitempty"`
	Version      int       `json:"version"`
	Active       bool      `json:"active"`

	ValidFrom   time.Time  `json:"validFrom"`
	ValidTo     *time.Time `json:"validTo,omitempty"`
	ChangeSetID string     `json:"changeSetId,omitempty"`

	Confidence       float64        `json:"confidence,omitempty"`
	Source           Source         `json:"source,omitempty"`
	RefKind          string         `json:"kind,omitempty"` // resolution class, e.g. "direct", "dynamic"
	Evidence         []Evidence     `json:"evidence,omitempty"`
	Locations        []Location     `json:"locations,omitempty"`
	OccurrencesTotal int            `json:"occurrencesTotal,omitempty"`
	ParamIndex       int            `json:"paramIndex,omitempty"` // PARAM_TYPE only
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// TargetKey returns the canonical target key for the relationship: the
// concrete entity id when resolved, otherwise the deferred reference key.
func (r *Relationship) TargetKey() string {
	if r.ToEntityID != "" {
		return r.ToEntityID
	}
	return r.ToRef.Key()
}

// CanonicalRelationshipID computes the stable edge identity: a pure function
// of (fromEntityID, type, target key). Two relationships with the same
// canonical id are the same edge and their evidence merges.
func CanonicalRelationshipID(fromEntityID string, relType RelType, targetKey string) string {
	h := sha256.Sum256([]byte(fromEntityID + "|" + string(relType) + "|" + targetKey))
	return "rel-" + hex.EncodeToString(h[:])[:24]
}

// Normalize prepares a relationship for storage: bounds evidence/locations,
// defaults the source, stamps timestamps/version, assigns the canonical id,
// and applies type-specific coercions. Returns an error for edges that fail
// their type's requirements.
func (r *Relationship) Normalize(now time.Time) error {
	if r.FromEntityID == "" {
		return fmt.Errorf("relationship missing fromEntityId")
	}
	if !ValidRelType(r.Type) {
		return fmt.Errorf("unknown relationship type %q", r.Type)
	}
	if r.ToEntityID == "" && r.ToRef.Kind == "" {
		return fmt.Errorf("relationship %s missing target", r.Type)
	}

	switch r.Type {
	case RelCalls:
		if r.TargetKey() == "" {
			return fmt.Errorf("CALLS relationship missing callee key")
		}
	case RelParamType:
		if r.ParamIndex < 0 {
			return fmt.Errorf("PARAM_TYPE relationship has negative parameter index")
		}
	}

	if r.Source == "" {
		r.Source = SourceAST
	}
	if r.Confidence == 0 {
		if r.Source == SourceTypeChecker {
			r.Confidence = 1.0
		} else {
			r.Confidence = 0.8
		}
	}
	if r.Created.IsZero() {
		r.Created = now
	}
	if r.LastModified.IsZero() {
		r.LastModified = now
	}
	if r.LastSeenAt.IsZero() {
		r.LastSeenAt = now
	}
	if r.ValidFrom.IsZero() {
		r.ValidFrom = now
	}
	if r.Version == 0 {
		r.Version = 1
	}
	r.Active = r.ValidTo == nil

	r.Evidence = TrimEvidence(r.Evidence)
	if len(r.Locations) > MaxEvidence {
		r.Locations = r.Locations[:MaxEvidence]
	}
	if r.OccurrencesTotal == 0 {
		r.OccurrencesTotal = max(1, len(r.Evidence))
	}

	r.ID = CanonicalRelationshipID(r.FromEntityID, r.Type, r.TargetKey())
	return nil
}

// TrimEvidence deduplicates by site and keeps the MaxEvidence most recent
// observations, most recent first.
func TrimEvidence(ev []Evidence) []Evidence {
	if len(ev) == 0 {
		return ev
	}
	seen := make(map[string]int, len(ev))
	var out []Evidence
	for _, e := range ev {
		if idx, ok := seen[e.key()]; ok {
			if e.ObservedAt.After(out[idx].ObservedAt) {
				out[idx] = e
			}
			continue
		}
		seen[e.key()] = len(out)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	if len(out) > MaxEvidence {
		out = out[:MaxEvidence]
	}
	return out
}

// Merge folds a new observation of the same canonical edge into r.
// Evidence and locations become bounded set unions, occurrences sum,
// confidence takes the max, and the resolution source is only ever upgraded.
func (r *Relationship) Merge(incoming *Relationship, now time.Time) {
	r.Evidence = TrimEvidence(append(r.Evidence, incoming.Evidence...))
	r.Locations = mergeLocations(r.Locations, incoming.Locations)
	r.OccurrencesTotal += max(1, incoming.OccurrencesTotal)
	if incoming.Confidence > r.Confidence {
		r.Confidence = incoming.Confidence
	}
	if sourceRank(incoming.Source) > sourceRank(r.Source) {
		r.Source = incoming.Source
		if incoming.RefKind != "" {
			r.RefKind = incoming.RefKind
		}
	}
	if incoming.ToEntityID != "" && r.ToEntityID == "" {
		r.ToEntityID = incoming.ToEntityID
	}
	r.Metadata = MergeMetadata(r.Metadata, incoming.Metadata)
	r.LastSeenAt = now
	r.LastModified = now
}

func mergeLocations(a, b []Location) []Location {
	seen := make(map[string]bool, len(a)+len(b))
	var out []Location
	for _, l := range append(append([]Location{}, a...), b...) {
		k := fmt.Sprintf("%s:%d:%d", l.FilePath, l.Line, l.Column)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, l)
	}
	if len(out) > MaxEvidence {
		out = out[:MaxEvidence]
	}
	return out
}
