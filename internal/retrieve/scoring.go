package retrieve

import (
	"math"
	"strings"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// weights are spec §4.G's fixed hybrid-scoring coefficients.
const (
	weightVec      = 0.45
	weightChunk    = 0.30
	weightLex      = 0.20
	weightConcept  = 0.05
	freshnessBoost = 0.05
)

// normalizeQuery implements spec §4.G's normalization: trim, collapse
// internal whitespace, lowercase.
func normalizeQuery(q string) string {
	fields := strings.Fields(q)
	return strings.ToLower(strings.Join(fields, " "))
}

// queryTokens returns the deduplicated lowercase token set of a normalized
// query.
func queryTokens(normalized string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(normalized) {
		out[f] = struct{}{}
	}
	return out
}

// cosine computes cosine similarity between two equal-length vectors,
// returning 0 if either is empty or they differ in length.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// clamp01 implements spec §4.G's "clamped to [0,1]" requirement on s_vec.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sVec is s_vec(D) = cosine(v_q, v_D) clamped to [0,1].
func sVec(queryVec []float32, doc store.IndexedDocument) float64 {
	return clamp01(cosine(queryVec, doc.Vector))
}

// sChunk is s_chunk(D) = max_i cosine(v_q, v_{c_i}), or 0 with no chunks.
func sChunk(queryVec []float32, doc store.IndexedDocument) float64 {
	best := 0.0
	for _, v := range doc.ChunkVectors {
		if c := cosine(queryVec, v); c > best {
			best = c
		}
	}
	return clamp01(best)
}

// sLex is s_lex(D) = |Q ∩ T_D| / max(|Q|, 1).
func sLex(q map[string]struct{}, doc store.IndexedDocument) float64 {
	if len(q) == 0 {
		return 0
	}
	overlap := 0
	for tok := range q {
		if _, ok := doc.BodyTokens[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(q))
}

// sConcept is s_concept(D) = 1.0 if any query token matches a concept of D.
func sConcept(q map[string]struct{}, doc store.IndexedDocument) float64 {
	for _, c := range doc.Concepts {
		if _, ok := q[strings.ToLower(c)]; ok {
			return 1.0
		}
	}
	return 0.0
}

// freshness is 0.05 if updated_at falls in the current year, else 0.
func freshness(doc store.IndexedDocument, now time.Time) float64 {
	if doc.Document.UpdatedAt.Year() == now.Year() {
		return freshnessBoost
	}
	return 0
}

// hybridScore computes spec §4.G's score(D) for one document in semantic
// mode, given a precomputed query vector and token set.
func hybridScore(queryVec []float32, q map[string]struct{}, doc store.IndexedDocument, now time.Time) float64 {
	return weightVec*sVec(queryVec, doc) +
		weightChunk*sChunk(queryVec, doc) +
		weightLex*sLex(q, doc) +
		weightConcept*sConcept(q, doc) +
		freshness(doc, now)
}

// lexicalScore computes mode=lexical's s_lex-only score.
func lexicalScore(q map[string]struct{}, doc store.IndexedDocument) float64 {
	return sLex(q, doc)
}
