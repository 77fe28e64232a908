package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/ckg/internal/graph"
)

// entityToProps flattens an entity into node properties. Variant payloads
// and metadata are JSON-serialized; scalar attributes used by indexes stay
// top-level.
func entityToProps(e *graph.Entity) (map[string]any, error) {
	props := map[string]any{
		"id":           e.ID,
		"type":         string(e.Kind),
		"created":      e.Created,
		"lastModified": e.LastModified,
		"hash":         e.Hash,
		"language":     e.Language,
	}
	if e.Path != "" {
		props["path"] = e.Path
	}
	if e.Name != "" {
		props["name"] = e.Name
	}
	if e.Version > 0 {
		props["version"] = e.Version
	}
	if e.Symbol != nil {
		props["signature"] = e.Symbol.Signature
	}

	detail, err := marshalDetail(e)
	if err != nil {
		return nil, err
	}
	if detail != "" {
		props["detail"] = detail
	}
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
		}
		props["metadata"] = string(data)
	}
	return props, nil
}

func marshalDetail(e *graph.Entity) (string, error) {
	var payload any
	switch {
	case e.File != nil:
		payload = e.File
	case e.Directory != nil:
		payload = e.Directory
	case e.Module != nil:
		payload = e.Module
	case e.Symbol != nil:
		payload = e.Symbol
	case e.Test != nil:
		payload = e.Test
	case e.Spec != nil:
		payload = e.Spec
	case e.Documentation != nil:
		payload = e.Documentation
	default:
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal detail for %s: %w", e.ID, err)
	}
	return string(data), nil
}

// propsToEntity rebuilds an entity from node properties.
func propsToEntity(props map[string]any) (*graph.Entity, error) {
	e := &graph.Entity{
		ID:       str(props["id"]),
		Kind:     graph.EntityKind(str(props["type"])),
		Path:     str(props["path"]),
		Name:     str(props["name"]),
		Hash:     str(props["hash"]),
		Language: str(props["language"]),
		Version:  toInt(props["version"]),
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: node missing id", ErrSchemaViolation)
	}
	e.Created = toTime(props["created"])
	e.LastModified = toTime(props["lastModified"])
	e.EmbeddingUpdatedAt = toTime(props["embeddingUpdatedAt"])

	if raw := str(props["metadata"]); raw != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(raw), &md); err == nil {
			e.Metadata = md
		}
	}
	if raw := str(props["detail"]); raw != "" {
		if err := unmarshalDetail(e, raw); err != nil {
			return nil, err
		}
	}
	if vec := props["embedding"]; vec != nil {
		e.Embedding = toFloat32s(vec)
	}
	return e, nil
}

func unmarshalDetail(e *graph.Entity, raw string) error {
	var err error
	switch e.Kind {
	case graph.KindFile:
		e.File = &graph.FileDetail{}
		err = json.Unmarshal([]byte(raw), e.File)
	case graph.KindDirectory:
		e.Directory = &graph.DirectoryDetail{}
		err = json.Unmarshal([]byte(raw), e.Directory)
	case graph.KindModule:
		e.Module = &graph.ModuleDetail{}
		err = json.Unmarshal([]byte(raw), e.Module)
	case graph.KindSymbol:
		e.Symbol = &graph.SymbolDetail{}
		err = json.Unmarshal([]byte(raw), e.Symbol)
	case graph.KindTest:
		e.Test = &graph.TestDetail{}
		err = json.Unmarshal([]byte(raw), e.Test)
	case graph.KindSpec:
		e.Spec = &graph.SpecDetail{}
		err = json.Unmarshal([]byte(raw), e.Spec)
	case graph.KindDocumentation:
		e.Documentation = &graph.DocumentationDetail{}
		err = json.Unmarshal([]byte(raw), e.Documentation)
	}
	if err != nil {
		return fmt.Errorf("unmarshal detail for %s: %w", e.ID, err)
	}
	return nil
}

// relationshipToProps flattens a relationship into edge properties.
func relationshipToProps(r *graph.Relationship) (map[string]any, error) {
	props := map[string]any{
		"id":           r.ID,
		"created":      r.Created,
		"lastModified": r.LastModified,
		"lastSeenAt":   r.LastSeenAt,
		"version":      r.Version,
		"active":       r.Active,
		"validFrom":    r.ValidFrom,
		"source":       string(r.Source),
		"confidence":   r.Confidence,
	}
	if r.ValidTo != nil {
		props["validTo"] = *r.ValidTo
	}
	if r.ChangeSetID != "" {
		props["changeSetId"] = r.ChangeSetID
	}
	if r.RefKind != "" {
		props["kind"] = r.RefKind
	}
	if r.OccurrencesTotal > 0 {
		props["occurrencesTotal"] = r.OccurrencesTotal
	}
	if r.Type == graph.RelParamType {
		props["paramIndex"] = r.ParamIndex
	}
	if r.ToEntityID == "" {
		// Deferred target: persist the structured ref for reconciliation.
		props["toRefKind"] = string(r.ToRef.Kind)
		props["toRefFile"] = r.ToRef.FilePath
		props["toRefName"] = r.ToRef.Name
		props["toRefDisambiguator"] = r.ToRef.Disambiguator
	}

	if len(r.Evidence) > 0 {
		data, err := json.Marshal(r.Evidence)
		if err != nil {
			return nil, fmt.Errorf("marshal evidence: %w", err)
		}
		props["evidence"] = string(data)
	}
	if len(r.Locations) > 0 {
		data, err := json.Marshal(r.Locations)
		if err != nil {
			return nil, fmt.Errorf("marshal locations: %w", err)
		}
		props["locations"] = string(data)
	}
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		props["metadata"] = string(data)
	}
	return props, nil
}

// propsToRelationship rebuilds a relationship from edge properties. The
// edge type comes from the store label, passed separately.
func propsToRelationship(relType graph.RelType, fromID, toID string, props map[string]any) *graph.Relationship {
	r := &graph.Relationship{
		ID:               str(props["id"]),
		FromEntityID:     fromID,
		ToEntityID:       toID,
		Type:             relType,
		Created:          toTime(props["created"]),
		LastModified:     toTime(props["lastModified"]),
		LastSeenAt:       toTime(props["lastSeenAt"]),
		Version:          toInt(props["version"]),
		Active:           toBool(props["active"]),
		ValidFrom:        toTime(props["validFrom"]),
		ChangeSetID:      str(props["changeSetId"]),
		Source:           graph.Source(str(props["source"])),
		RefKind:          str(props["kind"]),
		Confidence:       toFloat(props["confidence"]),
		OccurrencesTotal: toInt(props["occurrencesTotal"]),
		ParamIndex:       toInt(props["paramIndex"]),
	}
	if vt := toTime(props["validTo"]); !vt.IsZero() {
		r.ValidTo = &vt
	}
	if kind := str(props["toRefKind"]); kind != "" {
		r.ToRef = graph.TargetRef{
			Kind:          graph.TargetRefKind(kind),
			FilePath:      str(props["toRefFile"]),
			Name:          str(props["toRefName"]),
			Disambiguator: str(props["toRefDisambiguator"]),
		}
	}
	if raw := str(props["evidence"]); raw != "" {
		json.Unmarshal([]byte(raw), &r.Evidence)
	}
	if raw := str(props["locations"]); raw != "" {
		json.Unmarshal([]byte(raw), &r.Locations)
	}
	if raw := str(props["metadata"]); raw != "" {
		json.Unmarshal([]byte(raw), &r.Metadata)
	}
	return r
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func toFloat32s(v any) []float32 {
	switch vec := v.(type) {
	case []float32:
		return vec
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(vec))
		for _, item := range vec {
			switch n := item.(type) {
			case float64:
				out = append(out, float32(n))
			case float32:
				out = append(out, n)
			default:
				return nil
			}
		}
		return out
	}
	return nil
}
