package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	embedder := embed.NewHashEmbedder(16)
	ing := ingest.New(s, embedder, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("# Alpha\n\nalpha bravo charlie\n"), 0o644))
	_, err = ing.IngestPath(path)
	require.NoError(t, err)

	r := retrieve.New(s, embedder, nil, retrieve.DefaultConfig())
	return New(r, s, nil)
}

func doRPC(t *testing.T, srv *Server, path string, req Request) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httpReq)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSemanticQueryEndpoint(t *testing.T) {
	srv := newTestServer(t)
	params, err := json.Marshal(queryParams{Query: "alpha bravo", MaxResults: 5})
	require.NoError(t, err)

	_, resp := doRPC(t, srv, "/api/v1/query", Request{JSONRPC: "2.0", Method: "semantic_query", Params: params, ID: json.RawMessage("1")})
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestGetDocNotFoundReturnsDocumentNotFoundCode(t *testing.T) {
	srv := newTestServer(t)
	params, err := json.Marshal(getDocParams{DocumentID: 9999})
	require.NoError(t, err)

	_, resp := doRPC(t, srv, "/api/v1/get_doc", Request{JSONRPC: "2.0", Method: "get_document", Params: params, ID: json.RawMessage("2")})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeDocumentNotFound, resp.Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv := newTestServer(t)
	_, resp := doRPC(t, srv, "/api/v1/query", Request{JSONRPC: "2.0", Method: "bogus", Params: json.RawMessage("{}"), ID: json.RawMessage("3")})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestMalformedJSONReturnsParseError(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeParseError, resp.Error.Code)
}

func TestOversizedBodyReturnsInvalidRequest(t *testing.T) {
	srv := newTestServer(t)
	big := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestFindConceptEndpoint(t *testing.T) {
	srv := newTestServer(t)
	params, err := json.Marshal(findConceptParams{Concept: "alpha", MaxResults: 5})
	require.NoError(t, err)

	_, resp := doRPC(t, srv, "/api/v1/find_concept", Request{JSONRPC: "2.0", Method: "find_by_concept", Params: params, ID: json.RawMessage("4")})
	require.Nil(t, resp.Error)
}
