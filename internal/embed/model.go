package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
)

const (
	// DefaultModelHost is the local embedding server address used when none
	// is configured.
	DefaultModelHost = "http://127.0.0.1:11434"
	// DefaultModelName is the embedding model requested when none is
	// configured.
	DefaultModelName = "all-MiniLM-L6-v2"
	// modelRequestTimeout bounds a single embedding call; long enough for a
	// cold model load, short enough that a hung server doesn't block ingest
	// indefinitely.
	modelRequestTimeout = 20 * time.Second
	// modelHealthCheckTimeout bounds the startup probe in NewModelEmbedder.
	modelHealthCheckTimeout = 5 * time.Second
)

// modelRetryConfig bounds the backoff loop around each embedding request.
func modelRetryConfig() apperrors.RetryConfig {
	cfg := apperrors.DefaultRetryConfig()
	cfg.MaxRetries = 2
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}

// modelEmbedRequest mirrors the request body of a typical local embedding
// server's /api/embed endpoint.
type modelEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type modelEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// ModelEmbedder calls out to an HTTP embedding server (spec §4.F's
// "model-backed embedder"). Grounded on the teacher's Ollama HTTP client:
// connection pooling via a dedicated Transport, a startup health check, and
// exponential-backoff retry around each request.
type ModelEmbedder struct {
	client    *http.Client
	host      string
	modelName string
	dimension int
}

// NewModelEmbedder probes host for liveness and returns a ModelEmbedder
// that requests embeddings from model modelName. The request carries no
// dimension: the reported dimension is the length of the health-check
// vector, or the dimension argument when the probe returns an empty one.
// Empty host/modelName and a non-positive dimension fall back to package
// defaults.
func NewModelEmbedder(host, modelName string, dimension int) (*ModelEmbedder, error) {
	if host == "" {
		host = DefaultModelHost
	}
	if modelName == "" {
		modelName = DefaultModelName
	}
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        8,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	m := &ModelEmbedder{client: client, host: host, modelName: modelName, dimension: dimension}

	ctx, cancel := context.WithTimeout(context.Background(), modelHealthCheckTimeout)
	defer cancel()
	vec, err := m.requestEmbedding(ctx, "healthcheck")
	if err != nil {
		return nil, fmt.Errorf("model embedder health check against %s: %w", host, err)
	}
	if len(vec) > 0 {
		m.dimension = len(vec)
	}

	return m, nil
}

// Embed implements Embedder, retrying transient failures with exponential
// backoff before giving up.
func (m *ModelEmbedder) Embed(text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, m.dimension), nil
	}

	vec, err := apperrors.RetryWithResult(context.Background(), modelRetryConfig(), func() ([]float32, error) {
		ctx, cancel := context.WithTimeout(context.Background(), modelRequestTimeout)
		defer cancel()
		return m.requestEmbedding(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("model embedder request: %w", err)
	}
	normalizeVectorInPlace(vec)
	return vec, nil
}

func (m *ModelEmbedder) requestEmbedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(modelEmbedRequest{Model: m.modelName, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to embedding server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed modelEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding server returned no vectors")
	}

	raw := parsed.Embeddings[0]
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension implements Embedder.
func (m *ModelEmbedder) Dimension() int { return m.dimension }

// BackendID implements Embedder.
func (m *ModelEmbedder) BackendID() string { return "model:" + m.modelName }
