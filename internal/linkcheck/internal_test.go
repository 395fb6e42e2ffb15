package linkcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newTestStoreWithInternalLink(t *testing.T, dir, linkTarget string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ing := ingest.New(s, embed.NewHashEmbedder(8), nil)
	path := filepath.Join(dir, "a.md")
	content := "# A\n\nsee [link](" + linkTarget + ")\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err = ing.IngestPath(path)
	require.NoError(t, err)
	return s
}

func TestCheckInternalLinksMarksBrokenOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStoreWithInternalLink(t, dir, "./nope.md")

	results, err := CheckInternalLinks(s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.LinkStatusBroken, results[0].Status)

	links, err := s.AllLinks(false)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, store.LinkStatusBroken, links[0].Status)
}

func TestCheckInternalLinksMarksOKWhenTargetExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("# B\n"), 0o644))
	s := newTestStoreWithInternalLink(t, dir, "./b.md")

	results, err := CheckInternalLinks(s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.LinkStatusOK, results[0].Status)
}

func TestCheckInternalLinksSkipsExternalLinks(t *testing.T) {
	dir := t.TempDir()
	s := newTestStoreWithInternalLink(t, dir, "https://example.com/doc")

	results, err := CheckInternalLinks(s)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestResolveInternalTargetStripsAnchorAndQuery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("# C\n"), 0o644))
	docPath := filepath.Join(dir, "a.md")

	require.Equal(t, store.LinkStatusOK, resolveInternalTarget(docPath, "./c.md#section"))
	require.Equal(t, store.LinkStatusOK, resolveInternalTarget(docPath, "#section-only"))
	require.Equal(t, store.LinkStatusBroken, resolveInternalTarget(docPath, "./missing.md?x=1"))
}
