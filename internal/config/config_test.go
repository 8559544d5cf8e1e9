package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpec(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4000, cfg.Chunking.ParentChunkChars)
	assert.Equal(t, 200, cfg.Chunking.ParentOverlapChars)
	assert.Equal(t, 1000, cfg.Chunking.ChildChunkChars)
	assert.Equal(t, 100, cfg.Chunking.ChildOverlapChars)
	assert.Equal(t, 384, cfg.Embeddings.Dimensions)
	assert.Equal(t, 64, cfg.Embeddings.BatchSize)
	assert.Equal(t, 50, cfg.Retrieval.KKeyword)
	assert.Equal(t, 50, cfg.Retrieval.KVector)
	assert.Equal(t, 80, cfg.Retrieval.KMerge)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 15, cfg.Retrieval.RerankTopN)
	assert.Equal(t, 10, cfg.Retrieval.MaxParentChunksForLLM)
	assert.Equal(t, 1500, cfg.Retrieval.MaxParentChunkChars)
	assert.Equal(t, 300, cfg.Generator.TimeoutSeconds)
	assert.Equal(t, 60, cfg.Generator.HyDETimeoutSeconds)
	assert.False(t, cfg.Generator.HyDEEnabled)
	assert.Equal(t, "default", cfg.Data.TenantTag)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Retrieval, cfg.Retrieval)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9100
retrieval:
  k_keyword: 25
  rerank_top_n: 5
generator:
  hyde_enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Retrieval.KKeyword)
	assert.Equal(t, 5, cfg.Retrieval.RerankTopN)
	assert.True(t, cfg.Generator.HyDEEnabled)
	// Untouched values keep their defaults.
	assert.Equal(t, 50, cfg.Retrieval.KVector)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	t.Setenv("DOCSEARCH_PORT", "9200")
	t.Setenv("DOCSEARCH_TENANT_TAG", "acme")
	t.Setenv("DOCSEARCH_HYDE_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "acme", cfg.Data.TenantTag)
	assert.True(t, cfg.Generator.HyDEEnabled)
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DOCSEARCH_PORT", "not-a-number")
	t.Setenv("DOCSEARCH_HYDE_ENABLED", "not-a-bool")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.False(t, cfg.Generator.HyDEEnabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"overlap >= window", func(c *Config) { c.Chunking.ParentOverlapChars = 4000 }},
		{"negative child overlap", func(c *Config) { c.Chunking.ChildOverlapChars = -1 }},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }},
		{"zero batch size", func(c *Config) { c.Embeddings.BatchSize = 0 }},
		{"zero rrf constant", func(c *Config) { c.Retrieval.RRFConstant = 0 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
