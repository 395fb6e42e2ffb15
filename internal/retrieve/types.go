// Package retrieve implements the Retriever component (spec §4.G): a single
// search operation that normalizes a query, checks the query cache, scores
// the corpus with a fixed hybrid formula, applies progressive delivery, and
// writes the result back into the cache. Grounded on the teacher's
// internal/search.Engine for its dependency-injected Store+Embedder shape
// and its parallel sub-search idiom (golang.org/x/sync/errgroup), but the
// fusion math is spec.md's explicit weighted sum, not the teacher's
// Reciprocal Rank Fusion.
package retrieve

import "time"

// Mode selects which scoring signals search uses.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
)

// Options are search's optional parameters (spec §4.G).
type Options struct {
	Mode           Mode
	IncludeContent bool
	MaxTokens      int
	Section        string
}

// Result is one scored, optionally content-filled document in a search
// response. The json tags are the HTTP API's wire names.
type Result struct {
	DocumentID int64     `json:"document_id"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Category   string    `json:"category,omitempty"`
	Score      float64   `json:"score"`
	UpdatedAt  time.Time `json:"updated_at"`
	Body       string    `json:"body,omitempty"`
}

// Response is the Retriever's full answer to one search call.
type Response struct {
	Results  []Result `json:"results"`
	CacheHit bool     `json:"cache_hit"`
}
