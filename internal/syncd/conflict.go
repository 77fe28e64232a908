package syncd

import (
	"fmt"
	"time"

	"github.com/anthropics/ckg/internal/graph"
)

// Strategy names a conflict-resolution rule. Strategies apply in the
// order configured; the first one whose rule decides the conflict wins.
type Strategy string

const (
	// LastWriteWins keeps whichever side carries the later lastModified.
	LastWriteWins Strategy = "last_write_wins"
	// PropertyMerge unions metadata and keeps the max of lastModified
	// and version across both sides.
	PropertyMerge Strategy = "property_merge"
	// SkipDeletions suppresses entity deletions for one sync pass.
	SkipDeletions Strategy = "skip_deletions"
)

// ValidStrategy reports whether s is a known strategy name.
func ValidStrategy(s Strategy) bool {
	switch s {
	case LastWriteWins, PropertyMerge, SkipDeletions:
		return true
	}
	return false
}

// Resolver applies an ordered strategy list to entity conflicts found
// during commit.
type Resolver struct {
	strategies []Strategy
}

// NewResolver validates and fixes the strategy order. An empty list
// defaults to last-write-wins.
func NewResolver(strategies []Strategy) (*Resolver, error) {
	if len(strategies) == 0 {
		strategies = []Strategy{LastWriteWins}
	}
	for _, s := range strategies {
		if !ValidStrategy(s) {
			return nil, fmt.Errorf("unknown conflict strategy %q", s)
		}
	}
	return &Resolver{strategies: strategies}, nil
}

// InConflict reports whether the stored entity disagrees with the
// incoming one: the stored lastModified differs from the incoming
// baseline in either direction, or the content hash moved while the
// timestamps did not.
func InConflict(stored, incoming *graph.Entity) bool {
	if stored == nil || incoming == nil {
		return false
	}
	if !stored.LastModified.Equal(incoming.LastModified) {
		return true
	}
	return stored.Hash != "" && incoming.Hash != "" && stored.Hash != incoming.Hash
}

// Resolve picks the entity to persist. The returned bool reports
// whether a conflict was detected at all.
func (r *Resolver) Resolve(stored, incoming *graph.Entity) (*graph.Entity, bool) {
	if !InConflict(stored, incoming) {
		return incoming, false
	}
	for _, s := range r.strategies {
		switch s {
		case LastWriteWins:
			if stored.LastModified.After(incoming.LastModified) {
				return stored, true
			}
			return incoming, true
		case PropertyMerge:
			return mergeProperties(stored, incoming), true
		case SkipDeletions:
			continue // deletion policy, decided by AllowDeletions
		}
	}
	return incoming, true
}

// AllowDeletions reports whether entity deletions may proceed this
// pass. With skip_deletions configured, removals are deferred one
// sync cycle so a transiently missing file does not tear down its
// subgraph.
func (r *Resolver) AllowDeletions() bool {
	for _, s := range r.strategies {
		if s == SkipDeletions {
			return false
		}
	}
	return true
}

func mergeProperties(stored, incoming *graph.Entity) *graph.Entity {
	out := *incoming
	out.Metadata = graph.MergeMetadata(stored.Metadata, incoming.Metadata)
	// metadata.version never regresses, whichever side is newer.
	if v, ok := maxMetaVersion(stored.Metadata, incoming.Metadata); ok {
		out.Metadata["version"] = v
	}
	out.LastModified = maxTime(stored.LastModified, incoming.LastModified)
	if stored.Version > out.Version {
		out.Version = stored.Version
	}
	if out.Created.IsZero() || (!stored.Created.IsZero() && stored.Created.Before(out.Created)) {
		out.Created = stored.Created
	}
	return &out
}

// maxMetaVersion returns the larger numeric "version" metadata value
// across both sides, when at least one side carries one.
func maxMetaVersion(a, b map[string]any) (float64, bool) {
	av, aok := metaNumber(a, "version")
	bv, bok := metaNumber(b, "version")
	switch {
	case aok && bok:
		if av > bv {
			return av, true
		}
		return bv, true
	case aok:
		return av, true
	case bok:
		return bv, true
	}
	return 0, false
}

func metaNumber(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
