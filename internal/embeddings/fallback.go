package embeddings

import (
	"hash/fnv"
	"math"
	"math/rand"
)

// FallbackVector produces a stand-in vector when the provider fails.
// Empty content gets a zero vector; otherwise a unit vector seeded from
// the entity id, so repeated fallbacks within a process are stable.
// Callers must mark stored fallbacks with metadata source "fallback".
func FallbackVector(entityID, content string, dimensions int) []float32 {
	vec := make([]float32, dimensions)
	if content == "" {
		return vec
	}

	h := fnv.New64a()
	h.Write([]byte(entityID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// IsZeroVector reports whether every component is zero.
func IsZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
