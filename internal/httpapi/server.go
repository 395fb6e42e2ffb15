package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// Server serves the JSON-RPC 2.0 HTTP transport over a Retriever and Store.
type Server struct {
	retriever *retrieve.Retriever
	store     *store.SQLiteStore
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New builds a Server and registers its routes.
func New(r *retrieve.Retriever, s *store.SQLiteStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := &Server{retriever: r, store: s, logger: logger, mux: http.NewServeMux()}
	srv.mux.HandleFunc("/api/v1/query", srv.handleQuery)
	srv.mux.HandleFunc("/api/v1/get_doc", srv.handleGetDoc)
	srv.mux.HandleFunc("/api/v1/find_concept", srv.handleFindConcept)
	srv.mux.HandleFunc("/health", srv.handleHealth)
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readRequest enforces the 1 MiB body cap (spec §5/§6) and decodes a
// JSON-RPC 2.0 request, writing an error response itself on failure.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (Request, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, CodeParseError, "failed to read request body"))
		return Request{}, false
	}
	if len(body) > maxBodyBytes {
		writeJSON(w, http.StatusOK, errorResponse(nil, CodeInvalidRequest, "request body exceeds 1 MiB limit"))
		return Request{}, false
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, CodeParseError, "malformed JSON-RPC request"))
		return Request{}, false
	}
	return req, true
}

type queryParams struct {
	Query          string `json:"query"`
	MaxResults     int    `json:"max_results"`
	IncludeContent bool   `json:"include_content"`
	MaxTokens      int    `json:"max_tokens"`
	Section        string `json:"section"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	if req.Method != "semantic_query" {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeMethodNotFound, "unknown method "+req.Method))
		return
	}
	var p queryParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInvalidRequest, "invalid params"))
		return
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 10
	}

	resp, err := s.retriever.Search(p.Query, p.MaxResults, retrieve.Options{
		Mode:           retrieve.ModeSemantic,
		IncludeContent: p.IncludeContent,
		MaxTokens:      p.MaxTokens,
		Section:        p.Section,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInternalError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, resp))
}

type getDocParams struct {
	DocumentID     int64  `json:"document_id"`
	IncludeContent bool   `json:"include_content"`
	MaxTokens      int    `json:"max_tokens"`
	Section        string `json:"section"`
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	if req.Method != "get_document" {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeMethodNotFound, "unknown method "+req.Method))
		return
	}
	var p getDocParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInvalidRequest, "invalid params"))
		return
	}

	view, err := s.store.GetDocument(p.DocumentID, store.GetDocumentOptions{
		IncludeContent: p.IncludeContent,
		MaxTokens:      p.MaxTokens,
		Section:        p.Section,
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.NotFound {
			writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeDocumentNotFound, "document not found"))
			return
		}
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInternalError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, view))
}

type findConceptParams struct {
	Concept    string `json:"concept"`
	MaxResults int    `json:"max_results"`
}

func (s *Server) handleFindConcept(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	if req.Method != "find_by_concept" {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeMethodNotFound, "unknown method "+req.Method))
		return
	}
	var p findConceptParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInvalidRequest, "invalid params"))
		return
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 10
	}

	docs, err := s.store.ListByConcept(p.Concept, p.MaxResults)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInternalError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, docs))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
