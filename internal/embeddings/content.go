package embeddings

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/anthropics/ckg/internal/graph"
)

// maxDigestChars caps the text sent to the embedding provider.
const maxDigestChars = 5000

// PrepareEntityContent builds the text digest to embed for an entity:
// name, kind, description, truncated content, path, and scalar metadata,
// capped at maxDigestChars.
func PrepareEntityContent(e *graph.Entity) string {
	var parts []string

	parts = append(parts, string(e.Kind)+" "+e.Name)

	if e.Symbol != nil {
		if e.Symbol.Signature != "" {
			parts = append(parts, e.Symbol.Signature)
		}
		if e.Symbol.Docstring != "" {
			parts = append(parts, e.Symbol.Docstring)
		}
	}
	if e.Documentation != nil {
		if e.Documentation.Title != "" {
			parts = append(parts, e.Documentation.Title)
		}
		if e.Documentation.Content != "" {
			parts = append(parts, e.Documentation.Content)
		}
	}
	if e.Spec != nil {
		parts = append(parts, e.Spec.Title)
		if e.Spec.Description != "" {
			parts = append(parts, e.Spec.Description)
		}
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	// Scalar metadata in key order so the digest is deterministic.
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := e.Metadata[k].(type) {
			case string:
				parts = append(parts, k+": "+v)
			case float64, int, bool:
				parts = append(parts, fmt.Sprintf("%s: %v", k, v))
			}
		}
	}

	digest := strings.Join(parts, "\n")
	if len(digest) > maxDigestChars {
		digest = digest[:maxDigestChars]
	}
	return digest
}

// DigestHash hashes an embedding digest for change detection. Entities
// whose digest hash is unchanged do not need re-embedding.
func DigestHash(digest string) string {
	h := fnv.New64a()
	h.Write([]byte(digest))
	return hex.EncodeToString(h.Sum(nil))
}
