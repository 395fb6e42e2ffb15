// Package config loads and validates MarkdownKeeper's TOML configuration
// file, mirroring the schema in the project's spec document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the complete MarkdownKeeper configuration.
type Config struct {
	Watch      WatchConfig      `toml:"watch"`
	Storage    StorageConfig    `toml:"storage"`
	API        APIConfig        `toml:"api"`
	Metadata   MetadataConfig   `toml:"metadata"`
	Cache      CacheConfig      `toml:"cache"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
}

// WatchConfig configures the filesystem watcher (component E).
type WatchConfig struct {
	// Roots are the directory trees watched recursively for Markdown files.
	Roots []string `toml:"roots"`
	// Extensions filters events by file extension (default: [".md", ".markdown"]).
	Extensions []string `toml:"extensions"`
	// DebounceMS is the debounce window in milliseconds (default: 500).
	DebounceMS int `toml:"debounce_ms"`
}

// StorageConfig configures the Store's persisted state (component A).
type StorageConfig struct {
	// DatabasePath is the path to the single SQLite database file.
	DatabasePath string `toml:"database_path"`
}

// APIConfig configures the HTTP JSON-RPC transport (`serve-api`).
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MetadataConfig configures frontmatter handling (component B/C).
type MetadataConfig struct {
	// RequiredFrontmatterFields are fields the Ingestor warns about when
	// absent from a document's frontmatter.
	RequiredFrontmatterFields []string `toml:"required_frontmatter_fields"`
	// AutoFillCategory derives a category from the document's directory
	// when frontmatter omits one.
	AutoFillCategory bool `toml:"auto_fill_category"`
}

// CacheConfig configures the Retriever's query cache (component G).
type CacheConfig struct {
	Enabled    bool `toml:"enabled"`
	TTLSeconds int  `toml:"ttl_seconds"`
}

// EmbeddingsConfig configures the Embedder (component F).
type EmbeddingsConfig struct {
	// Model is the model identifier for the model-backed embedder
	// (default: all-MiniLM-L6-v2).
	Model string `toml:"model"`
	// Backend selects "model" or "hash" (default: "model", falling back to
	// "hash" when the model backend is unavailable).
	Backend string `toml:"backend"`
}

// NewConfig returns a Config populated with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			Roots:      []string{"."},
			Extensions: []string{".md", ".markdown"},
			DebounceMS: 500,
		},
		Storage: StorageConfig{
			DatabasePath: defaultDatabasePath(),
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Metadata: MetadataConfig{
			RequiredFrontmatterFields: nil,
			AutoFillCategory:          true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 3600,
		},
		Embeddings: EmbeddingsConfig{
			Model:   "all-MiniLM-L6-v2",
			Backend: "model",
		},
	}
}

// defaultDatabasePath returns ~/.markdownkeeper/markdownkeeper.db, falling
// back to a temp directory if the home directory is unavailable.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".markdownkeeper", "markdownkeeper.db")
	}
	return filepath.Join(home, ".markdownkeeper", "markdownkeeper.db")
}

// Load loads configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. TOML config file at path (if non-empty and it exists)
//  3. Environment variable overrides (MARKDOWNKEEPER_*)
//
// It then validates the merged result.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadTOML(path); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadTOML loads and merges configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	var parsed Config
	// Seed the booleans with their current values so a key absent from the
	// file decodes to the existing setting instead of false.
	parsed.Metadata.AutoFillCategory = c.Metadata.AutoFillCategory
	parsed.Cache.Enabled = c.Cache.Enabled
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero fields from other into c.
func (c *Config) mergeWith(other *Config) {
	if len(other.Watch.Roots) > 0 {
		c.Watch.Roots = other.Watch.Roots
	}
	if len(other.Watch.Extensions) > 0 {
		c.Watch.Extensions = other.Watch.Extensions
	}
	if other.Watch.DebounceMS != 0 {
		c.Watch.DebounceMS = other.Watch.DebounceMS
	}

	if other.Storage.DatabasePath != "" {
		c.Storage.DatabasePath = other.Storage.DatabasePath
	}

	if other.API.Host != "" {
		c.API.Host = other.API.Host
	}
	if other.API.Port != 0 {
		c.API.Port = other.API.Port
	}

	if len(other.Metadata.RequiredFrontmatterFields) > 0 {
		c.Metadata.RequiredFrontmatterFields = other.Metadata.RequiredFrontmatterFields
	}
	// AutoFillCategory can legitimately be set to false. loadTOML seeds it
	// with c's value before decoding, so a false here is either an explicit
	// setting from the file or c's own value, and is merged.
	if len(other.Metadata.RequiredFrontmatterFields) > 0 || !other.Metadata.AutoFillCategory {
		c.Metadata.AutoFillCategory = other.Metadata.AutoFillCategory
	}

	if other.Cache.TTLSeconds != 0 {
		c.Cache.TTLSeconds = other.Cache.TTLSeconds
	}
	// Enabled can legitimately be set to false. loadTOML seeds it with c's
	// value before decoding, so a false here is either an explicit setting
	// from the file or c's own value, and is merged.
	if other.Cache.TTLSeconds != 0 || !other.Cache.Enabled {
		c.Cache.Enabled = other.Cache.Enabled
	}

	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Backend != "" {
		c.Embeddings.Backend = other.Embeddings.Backend
	}
}

// applyEnvOverrides applies MARKDOWNKEEPER_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MARKDOWNKEEPER_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("MARKDOWNKEEPER_API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("MARKDOWNKEEPER_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.API.Port = p
		}
	}
	if v := os.Getenv("MARKDOWNKEEPER_EMBEDDINGS_BACKEND"); v != "" {
		c.Embeddings.Backend = v
	}
	if v := os.Getenv("MARKDOWNKEEPER_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("MARKDOWNKEEPER_WATCH_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Watch.DebounceMS = ms
		}
	}
	if v := os.Getenv("MARKDOWNKEEPER_CACHE_ENABLED"); v != "" {
		c.Cache.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if len(c.Watch.Roots) == 0 {
		return fmt.Errorf("watch.roots must contain at least one path")
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must be non-negative, got %d", c.Watch.DebounceMS)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must not be empty")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 0 and 65535, got %d", c.API.Port)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be non-negative, got %d", c.Cache.TTLSeconds)
	}
	validBackends := map[string]bool{"model": true, "hash": true}
	if c.Embeddings.Backend != "" && !validBackends[strings.ToLower(c.Embeddings.Backend)] {
		return fmt.Errorf("embeddings.backend must be 'model' or 'hash', got %s", c.Embeddings.Backend)
	}
	return nil
}

// IndexWorkers returns runtime.NumCPU(). The ingest worker consumes the
// event queue on a single goroutine and does not use this value.
func IndexWorkers() int {
	return runtime.NumCPU()
}
