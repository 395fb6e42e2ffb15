package linkcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newTestStoreWithLink(t *testing.T, target string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ing := ingest.New(s, embed.NewHashEmbedder(8), nil)
	dir := t.TempDir()
	path := dir + "/a.md"
	content := "# A\n\nsee [link](" + target + ")\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err = ing.IngestPath(path)
	require.NoError(t, err)
	return s
}

func TestCheckAllMarksOKOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStoreWithLink(t, srv.URL+"/doc")
	c := New(s, Config{MinInterval: time.Millisecond, Timeout: time.Second}, nil)

	results, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.LinkStatusOK, results[0].Status)
}

func TestCheckAllMarksBrokenOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestStoreWithLink(t, srv.URL+"/missing")
	c := New(s, Config{MinInterval: time.Millisecond, Timeout: time.Second}, nil)

	results, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.LinkStatusBroken, results[0].Status)
}

func TestCheckAllRetriesAsGetOn405(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStoreWithLink(t, srv.URL+"/head-unsupported")
	c := New(s, Config{MinInterval: time.Millisecond, Timeout: time.Second}, nil)

	results, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.LinkStatusOK, results[0].Status)
}

func TestWaitTurnEnforcesMinimumInterval(t *testing.T) {
	c := New(nil, Config{MinInterval: 40 * time.Millisecond, Timeout: time.Second}, nil)
	start := time.Now()
	c.waitTurn(context.Background(), "example.com")
	c.waitTurn(context.Background(), "example.com")
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}
