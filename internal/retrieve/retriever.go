package retrieve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// Config tunes cache behavior; CacheTTL of 0 disables the query cache
// entirely (every search recomputes and is never cached or served from
// cache), matching the `[cache] enabled` config knob.
type Config struct {
	CacheTTL time.Duration
}

// DefaultConfig matches spec §3's default 3600s cache TTL.
func DefaultConfig() Config {
	return Config{CacheTTL: time.Hour}
}

// Retriever executes spec §4.G's search operation against a Store and an
// optional Embedder/VectorIndex pair.
type Retriever struct {
	store    *store.SQLiteStore
	embedder store.Embedder
	index    store.VectorIndex // optional; nil means brute-force only
	cfg      Config
}

// New builds a Retriever. embedder may be nil (forces lexical-only search
// regardless of the requested mode); index may be nil (forces brute-force
// scoring over the full corpus).
func New(s *store.SQLiteStore, embedder store.Embedder, index store.VectorIndex, cfg Config) *Retriever {
	return &Retriever{store: s, embedder: embedder, index: index, cfg: cfg}
}

// queryHash implements spec §4.G: SHA-256(normalized || "\x00" || limit).
func queryHash(normalized string, limit int) string {
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(limit)))
	return hex.EncodeToString(h.Sum(nil))
}

// Search implements search(query, limit, mode, include_content?, max_tokens?,
// section?) per spec §4.G.
func (r *Retriever) Search(query string, limit int, opts Options) (Response, error) {
	if limit <= 0 {
		limit = 10
	}
	normalized := normalizeQuery(query)
	hash := queryHash(normalized, limit)

	if r.cfg.CacheTTL > 0 {
		if entry, ok, err := r.store.GetCacheEntry(hash, r.cfg.CacheTTL); err != nil {
			return Response{}, apperrors.Wrap(apperrors.Backend, err)
		} else if ok {
			results, err := r.hydrateCached(entry.ResultDocumentIDs, opts)
			if err != nil {
				return Response{}, err
			}
			return Response{Results: results, CacheHit: true}, nil
		}
	}

	corpus, err := r.store.SearchCorpus()
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Backend, err)
	}
	if len(corpus) == 0 {
		return Response{}, nil
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeSemantic
	}

	var scored []scoredDoc
	if mode == ModeSemantic {
		scored, err = r.scoreSemantic(normalized, corpus, limit)
		if err != nil {
			return Response{}, err
		}
		if !anyPositive(scored) {
			scored = scoreLexical(normalized, corpus)
		}
	} else {
		scored = scoreLexical(normalized, corpus)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].doc.Document.UpdatedAt.Equal(scored[j].doc.Document.UpdatedAt) {
			return scored[i].doc.Document.UpdatedAt.After(scored[j].doc.Document.UpdatedAt)
		}
		return scored[i].doc.Document.ID < scored[j].doc.Document.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	results := make([]Result, 0, len(scored))
	ids := make([]int64, 0, len(scored))
	for _, sd := range scored {
		results = append(results, r.toResult(sd.doc, sd.score, opts))
		ids = append(ids, sd.doc.Document.ID)
	}

	if r.cfg.CacheTTL > 0 {
		if err := r.store.PutCacheEntry(hash, ids); err != nil {
			return Response{}, apperrors.Wrap(apperrors.Backend, err)
		}
	}

	return Response{Results: results, CacheHit: false}, nil
}

type scoredDoc struct {
	doc   store.IndexedDocument
	score float64
}

func anyPositive(scored []scoredDoc) bool {
	for _, s := range scored {
		if s.score > 0 {
			return true
		}
	}
	return false
}

// scoreSemantic computes the full hybrid score for every candidate,
// narrowing to an approximate-nearest-neighbor candidate set first when a
// VectorIndex is available (spec §4.G: "returns a candidate set of size
// max(limit·4, 50), over which the full hybrid score is recomputed").
// Embedding failures fall back to lexical-only per spec §4.G's failure
// semantics ("embedding backend error -> fall back to lexical").
func (r *Retriever) scoreSemantic(normalized string, corpus []store.IndexedDocument, limit int) ([]scoredDoc, error) {
	if r.embedder == nil {
		return scoreLexical(normalized, corpus), nil
	}
	queryVec, err := r.embedder.Embed(normalized)
	if err != nil {
		return scoreLexical(normalized, corpus), nil
	}

	candidates := corpus
	if r.index != nil && r.index.Len() > 0 {
		k := limit * 4
		if k < 50 {
			k = 50
		}
		ids, err := r.index.Search(queryVec, k)
		if err == nil && len(ids) > 0 {
			byID := make(map[int64]store.IndexedDocument, len(corpus))
			for _, d := range corpus {
				byID[d.Document.ID] = d
			}
			narrowed := make([]store.IndexedDocument, 0, len(ids))
			for _, id := range ids {
				if d, ok := byID[id]; ok {
					narrowed = append(narrowed, d)
				}
			}
			candidates = narrowed
		}
	}

	q := queryTokens(normalized)
	now := time.Now().UTC()

	scores := make([]float64, len(candidates))
	g, _ := errgroup.WithContext(context.Background())
	const fanout = 8
	chunkSize := (len(candidates) + fanout - 1) / fanout
	if chunkSize < 1 {
		chunkSize = 1
	}
	for start := 0; start < len(candidates); start += chunkSize {
		start := start
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				scores[i] = hybridScore(queryVec, q, candidates[i], now)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]scoredDoc, len(candidates))
	for i, d := range candidates {
		out[i] = scoredDoc{doc: d, score: scores[i]}
	}
	return out, nil
}

func scoreLexical(normalized string, corpus []store.IndexedDocument) []scoredDoc {
	q := queryTokens(normalized)
	out := make([]scoredDoc, len(corpus))
	for i, d := range corpus {
		out[i] = scoredDoc{doc: d, score: lexicalScore(q, d)}
	}
	return out
}

// hydrateCached rebuilds Results for a cache hit's ordered document ids,
// preserving that order (spec §4.G: "reload the documents by id").
func (r *Retriever) hydrateCached(ids []int64, opts Options) ([]Result, error) {
	corpus, err := r.store.SearchCorpus()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Backend, err)
	}
	byID := make(map[int64]store.IndexedDocument, len(corpus))
	for _, d := range corpus {
		byID[d.Document.ID] = d
	}
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, r.toResult(d, 0, opts))
		}
	}
	return out, nil
}

// toResult builds one Result, applying progressive delivery when
// IncludeContent is requested (spec §4.G).
func (r *Retriever) toResult(doc store.IndexedDocument, score float64, opts Options) Result {
	res := Result{
		DocumentID: doc.Document.ID,
		Path:       doc.Document.Path,
		Title:      doc.Document.Title,
		Summary:    doc.Document.Summary,
		Category:   doc.Document.Category,
		Score:      score,
		UpdatedAt:  doc.Document.UpdatedAt,
	}
	if opts.IncludeContent {
		res.Body = progressiveBody(doc.Chunks, opts.Section, opts.MaxTokens)
	}
	return res
}

// progressiveBody implements spec §4.G's progressive delivery: filter by
// section substring (case-insensitive match against heading_path) then
// truncate to max_tokens whitespace-separated tokens, preferring whole
// chunk boundaries.
func progressiveBody(chunks []store.Chunk, section string, maxTokens int) string {
	filtered := chunks
	if section != "" {
		lower := strings.ToLower(section)
		filtered = nil
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.HeadingPath), lower) {
				filtered = append(filtered, c)
			}
		}
	}
	if maxTokens <= 0 {
		return joinChunks(filtered)
	}

	var parts []string
	budget := maxTokens
	for _, c := range filtered {
		n := len(strings.Fields(c.Content))
		if n <= budget {
			parts = append(parts, c.Content)
			budget -= n
			continue
		}
		if budget > 0 {
			words := strings.Fields(c.Content)
			parts = append(parts, strings.Join(words[:budget], " "))
		}
		break
	}
	return strings.Join(parts, "\n\n")
}

func joinChunks(chunks []store.Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n")
}
