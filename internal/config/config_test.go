package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, []string{"."}, cfg.Watch.Roots)
	assert.Equal(t, 500, cfg.Watch.DebounceMS)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "model", cfg.Embeddings.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markdownkeeper.toml")
	content := `
[watch]
roots = ["/docs", "/notes"]
extensions = [".md"]
debounce_ms = 250

[storage]
database_path = "/tmp/mk.db"

[api]
host = "0.0.0.0"
port = 9090

[metadata]
required_frontmatter_fields = ["title", "category"]
auto_fill_category = false

[cache]
enabled = true
ttl_seconds = 60

[embeddings]
model = "custom-model"
backend = "hash"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs", "/notes"}, cfg.Watch.Roots)
	assert.Equal(t, 250, cfg.Watch.DebounceMS)
	assert.Equal(t, "/tmp/mk.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, []string{"title", "category"}, cfg.Metadata.RequiredFrontmatterFields)
	assert.False(t, cfg.Metadata.AutoFillCategory)
	assert.Equal(t, 60, cfg.Cache.TTLSeconds)
	assert.Equal(t, "hash", cfg.Embeddings.Backend)
}

func TestLoadCacheDisabledFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markdownkeeper.toml")
	content := `
[cache]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, NewConfig().Cache.TTLSeconds, cfg.Cache.TTLSeconds)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Watch.Roots, cfg.Watch.Roots)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MARKDOWNKEEPER_API_PORT", "7070")
	t.Setenv("MARKDOWNKEEPER_EMBEDDINGS_BACKEND", "hash")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, "hash", cfg.Embeddings.Backend)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := NewConfig()
	cfg.API.Port = 99999
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := NewConfig()
	cfg.Embeddings.Backend = "nonsense"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyRoots(t *testing.T) {
	cfg := NewConfig()
	cfg.Watch.Roots = nil
	assert.Error(t, cfg.Validate())
}
