package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"regexp"
	"strings"
)

// DefaultHashDimension is the vector width HashEmbedder uses when none is
// configured (spec §4.F).
const DefaultHashDimension = 64

// HashEmbedderBackendID is the stable backend identity reported by every
// HashEmbedder, regardless of dimension.
const HashEmbedderBackendID = "hash-v1"

var hashTokenPattern = regexp.MustCompile(`\S+`)

// HashEmbedder is the deterministic, dependency-free embedding fallback
// (spec §4.F): each whitespace token is hashed with SHA-256, the first 8
// bytes are read as a big-endian uint64 and reduced modulo dimension to
// pick a bucket, and each token casts one vote into its bucket. The
// resulting vector is L2-normalized.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a HashEmbedder of the given dimension, defaulting
// to DefaultHashDimension when dimension <= 0.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{dimension: dimension}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float32, h.dimension)

	tokens := hashTokenPattern.FindAllString(strings.ToLower(text), -1)
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		idx := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dimension)
		vec[idx] += 1.0
	}

	normalizeVectorInPlace(vec)
	return vec, nil
}

// Dimension implements Embedder.
func (h *HashEmbedder) Dimension() int { return h.dimension }

// BackendID implements Embedder.
func (h *HashEmbedder) BackendID() string { return HashEmbedderBackendID }

// normalizeVectorInPlace L2-normalizes v. A zero vector (empty text) is
// left as all zeros.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, f := range v {
		sumSquares += float64(f) * float64(f)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
