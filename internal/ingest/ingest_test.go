package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, embed.NewHashEmbedder(16), nil), s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestPathCreatesDocument(t *testing.T) {
	ing, s := newTestIngestor(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "# Alpha\n\nkubernetes deployment guide\n")

	id, err := ing.IngestPath(path)
	require.NoError(t, err)
	require.Positive(t, id)

	view, err := s.GetDocument(id, store.GetDocumentOptions{})
	require.NoError(t, err)
	require.Equal(t, "Alpha", view.Document.Title)
}

func TestIngestPathIdempotentOnUnchangedBytes(t *testing.T) {
	ing, s := newTestIngestor(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "# Alpha\n\nbody text\n")

	id1, err := ing.IngestPath(path)
	require.NoError(t, err)

	statsBefore, err := s.Stats()
	require.NoError(t, err)

	id2, err := ing.IngestPath(path)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	statsAfter, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, statsBefore.DocumentCount, statsAfter.DocumentCount)
	require.Equal(t, statsBefore.ChunkCount, statsAfter.ChunkCount)
}

func TestIngestEventDelete(t *testing.T) {
	ing, s := newTestIngestor(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "# Alpha\n\nbody\n")

	_, err := ing.IngestPath(path)
	require.NoError(t, err)

	err = ing.IngestEvent(store.EventRecord{Kind: store.EventDelete, Path: path})
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.DocumentCount)
}

func TestIngestEventMove(t *testing.T) {
	ing, s := newTestIngestor(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "a.md", "# Alpha\n\nbody\n")
	dst := filepath.Join(dir, "b.md")
	require.NoError(t, os.Rename(src, dst))

	_, err := ing.IngestPath(dst)
	require.NoError(t, err)

	err = ing.IngestEvent(store.EventRecord{Kind: store.EventMove, Path: src, NewPath: dst})
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.DocumentCount)

	view, err := s.GetDocument(1, store.GetDocumentOptions{})
	require.NoError(t, err)
	require.Equal(t, dst, view.Document.Path)
}

func TestIngestPathAutoFillsCategoryFromDirectory(t *testing.T) {
	ing, s := newTestIngestor(t)
	ing.Policy = MetadataPolicy{AutoFillCategory: true}
	dir := t.TempDir()
	sub := filepath.Join(dir, "guides")
	require.NoError(t, os.Mkdir(sub, 0o755))
	path := writeFile(t, sub, "a.md", "# Alpha\n\nbody\n")

	id, err := ing.IngestPath(path)
	require.NoError(t, err)

	view, err := s.GetDocument(id, store.GetDocumentOptions{})
	require.NoError(t, err)
	require.Equal(t, "guides", view.Document.Category)
}

func TestIngestPathKeepsExplicitCategory(t *testing.T) {
	ing, s := newTestIngestor(t)
	ing.Policy = MetadataPolicy{AutoFillCategory: true}
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "---\ncategory: reference\n---\n\n# Alpha\n\nbody\n")

	id, err := ing.IngestPath(path)
	require.NoError(t, err)

	view, err := s.GetDocument(id, store.GetDocumentOptions{})
	require.NoError(t, err)
	require.Equal(t, "reference", view.Document.Category)
}

func TestIngestPathMissingFileIsRetryable(t *testing.T) {
	ing, _ := newTestIngestor(t)
	_, err := ing.IngestPath(filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
	require.True(t, apperrors.IsRetryable(err))
}
