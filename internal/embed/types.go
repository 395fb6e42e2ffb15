// Package embed provides the embedding backends described in spec §4.F:
// a deterministic hash backend usable with no external dependency, and an
// HTTP model backend for a local embedding server, both behind the same
// Embedder interface consumed by internal/store.
package embed

// Embedder produces a fixed-dimension vector for a piece of text. It
// satisfies store.Embedder, so any backend here can be passed directly to
// Store.UpsertDocument.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
	BackendID() string
}

// Config selects and configures an embedding backend (spec §6's
// [embeddings] table).
type Config struct {
	Backend   string // "hash" or "model"
	ModelHost string
	ModelName string
	Dimension int
	CacheSize int
}

// DefaultConfig returns the hash backend with its default dimension, the
// zero-dependency fallback used when no [embeddings] section is configured.
func DefaultConfig() Config {
	return Config{
		Backend:   "hash",
		Dimension: DefaultHashDimension,
		CacheSize: DefaultCacheSize,
	}
}

// DefaultCacheSize is the number of embeddings CachedEmbedder keeps in
// memory.
const DefaultCacheSize = 1000

// New builds the configured Embedder, wrapped in an LRU cache. A model
// backend that fails its startup health check falls back to the hash
// backend rather than failing index startup outright (spec §4.F).
func New(cfg Config) (Embedder, string, error) {
	var inner Embedder
	var fellBack string

	switch cfg.Backend {
	case "", "hash":
		inner = NewHashEmbedder(cfg.Dimension)
	case "model":
		model, err := NewModelEmbedder(cfg.ModelHost, cfg.ModelName, cfg.Dimension)
		if err != nil {
			inner = NewHashEmbedder(cfg.Dimension)
			fellBack = err.Error()
		} else {
			inner = model
		}
	default:
		inner = NewHashEmbedder(cfg.Dimension)
		fellBack = "unknown backend " + cfg.Backend + ", defaulted to hash"
	}

	return NewCachedEmbedder(inner, cfg.CacheSize), fellBack, nil
}
