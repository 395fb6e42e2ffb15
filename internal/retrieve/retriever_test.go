package retrieve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.SQLiteStore, *ingest.Ingestor) {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	embedder := embed.NewHashEmbedder(16)
	ing := ingest.New(s, embedder, nil)
	r := New(s, embedder, nil, DefaultConfig())
	return r, s, ing
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSearchLexicalFindsTokenOverlap(t *testing.T) {
	r, _, ing := newTestRetriever(t)
	dir := t.TempDir()
	p1 := writeDoc(t, dir, "a.md", "# Kubernetes\n\nkubernetes deployment guide for clusters\n")
	p2 := writeDoc(t, dir, "b.md", "# Cooking\n\nrecipe for pasta\n")
	_, err := ing.IngestPath(p1)
	require.NoError(t, err)
	_, err = ing.IngestPath(p2)
	require.NoError(t, err)

	resp, err := r.Search("kubernetes deployment", 10, Options{Mode: ModeLexical})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, "Kubernetes", resp.Results[0].Title)
}

func TestSearchScoresAreBounded(t *testing.T) {
	r, _, ing := newTestRetriever(t)
	dir := t.TempDir()
	p := writeDoc(t, dir, "a.md", "# Alpha\n\nalpha bravo charlie\n")
	_, err := ing.IngestPath(p)
	require.NoError(t, err)

	resp, err := r.Search("alpha bravo", 10, Options{Mode: ModeSemantic})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, res := range resp.Results {
		require.GreaterOrEqual(t, res.Score, 0.0)
		require.LessOrEqual(t, res.Score, 1.05)
	}
}

func TestSearchCacheHitReturnsSameIDsAndBumpsHitCount(t *testing.T) {
	r, s, ing := newTestRetriever(t)
	dir := t.TempDir()
	p := writeDoc(t, dir, "a.md", "# Alpha\n\nalpha bravo charlie\n")
	_, err := ing.IngestPath(p)
	require.NoError(t, err)

	first, err := r.Search("alpha", 10, Options{Mode: ModeLexical})
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := r.Search("alpha", 10, Options{Mode: ModeLexical})
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, idsOf(first.Results), idsOf(second.Results))

	hash := queryHash(normalizeQuery("alpha"), 10)
	entry, ok, err := s.GetCacheEntry(hash, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, entry.HitCount)
}

func TestSearchSectionFilterAndTokenBudget(t *testing.T) {
	r, _, ing := newTestRetriever(t)
	dir := t.TempDir()
	p := writeDoc(t, dir, "a.md", "# Guide\n\n## Prerequisites\n\nhave docker installed please\n\n## Steps\n\nrun the build then run the deploy command now\n")
	_, err := ing.IngestPath(p)
	require.NoError(t, err)

	resp, err := r.Search("guide", 10, Options{Mode: ModeLexical, IncludeContent: true, Section: "steps", MaxTokens: 7})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.NotContains(t, resp.Results[0].Body, "docker")
	require.Contains(t, resp.Results[0].Body, "deploy")
	require.NotContains(t, resp.Results[0].Body, "command")
}

func TestSearchEmptyCorpusReturnsEmptyNotError(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	resp, err := r.Search("anything", 10, Options{Mode: ModeSemantic})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
}

func idsOf(results []Result) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.DocumentID
	}
	return out
}
