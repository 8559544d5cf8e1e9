// Package config loads service configuration from an optional YAML file and
// DOCSEARCH_* environment variables. Environment variables take priority over
// the file; every tunable has a default so an empty environment still yields a
// runnable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete docsearch configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Blob       BlobConfig       `yaml:"blob"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// DataConfig configures local persistence paths and the tenant tag.
type DataConfig struct {
	// Dir is the base directory for the metadata store and indexes.
	Dir string `yaml:"dir"`
	// TenantTag is the single literal tenant tag applied to all documents.
	TenantTag string `yaml:"tenant_tag"`
	// LexicalIndexName names the lexical index directory under Dir.
	LexicalIndexName string `yaml:"lexical_index_name"`
}

// BlobConfig configures the S3-compatible blob store.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	// UseMemory replaces S3 with the in-memory blob store (local dev, tests).
	UseMemory bool `yaml:"use_memory"`
}

// ChunkingConfig configures parent/child window sizes in bytes of UTF-8 text.
type ChunkingConfig struct {
	ParentChunkChars   int `yaml:"parent_chunk_chars"`
	ParentOverlapChars int `yaml:"parent_overlap_chars"`
	ChildChunkChars    int `yaml:"child_chunk_chars"`
	ChildOverlapChars  int `yaml:"child_overlap_chars"`
}

// EmbeddingsConfig configures the dense embedder.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama" or "static".
	Provider   string `yaml:"provider"`
	Host       string `yaml:"host"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	CacheSize  int    `yaml:"cache_size"`
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	// Enabled disables reranking entirely when false (results keep fused order).
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// GeneratorConfig configures the answer generator and HyDE expansion.
type GeneratorConfig struct {
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	HyDEEnabled        bool   `yaml:"hyde_enabled"`
	HyDETimeoutSeconds int    `yaml:"hyde_timeout_seconds"`
}

// RetrievalConfig configures the query pipeline.
type RetrievalConfig struct {
	KKeyword              int `yaml:"k_keyword"`
	KVector               int `yaml:"k_vector"`
	KMerge                int `yaml:"k_merge"`
	RRFConstant           int `yaml:"rrf_constant"`
	RerankTopN            int `yaml:"rerank_top_n"`
	MaxParentChunksForLLM int `yaml:"max_parent_chunks_for_llm"`
	MaxParentChunkChars   int `yaml:"max_parent_chunk_chars_for_llm"`
}

// IngestConfig configures the background ingestion worker pool.
type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: "info",
		},
		Data: DataConfig{
			Dir:              "./data",
			TenantTag:        "default",
			LexicalIndexName: "chunks_v1.bleve",
		},
		Blob: BlobConfig{
			Endpoint:  "http://localhost:9000",
			AccessKey: "minio",
			SecretKey: "minio123",
			Bucket:    "docsearch-documents",
			Region:    "us-east-1",
		},
		Chunking: ChunkingConfig{
			ParentChunkChars:   4000,
			ParentOverlapChars: 200,
			ChildChunkChars:    1000,
			ChildOverlapChars:  100,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Host:       "http://localhost:11434",
			Model:      "all-minilm",
			Dimensions: 384,
			BatchSize:  64,
			CacheSize:  1000,
		},
		Reranker: RerankerConfig{
			Enabled:  false,
			Endpoint: "http://localhost:9659",
			Model:    "bge-reranker-v2-m3",
		},
		Generator: GeneratorConfig{
			BaseURL:            "http://localhost:11434",
			Model:              "phi3:mini",
			TimeoutSeconds:     300,
			HyDEEnabled:        false,
			HyDETimeoutSeconds: 60,
		},
		Retrieval: RetrievalConfig{
			KKeyword:              50,
			KVector:               50,
			KMerge:                80,
			RRFConstant:           60,
			RerankTopN:            15,
			MaxParentChunksForLLM: 10,
			MaxParentChunkChars:   1500,
		},
		Ingest: IngestConfig{
			Workers:   2,
			QueueSize: 64,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty and present), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays DOCSEARCH_* environment variables onto the config.
func (c *Config) applyEnv() {
	envStr("DOCSEARCH_HOST", &c.Server.Host)
	envInt("DOCSEARCH_PORT", &c.Server.Port)
	envStr("DOCSEARCH_LOG_LEVEL", &c.Server.LogLevel)

	envStr("DOCSEARCH_DATA_DIR", &c.Data.Dir)
	envStr("DOCSEARCH_TENANT_TAG", &c.Data.TenantTag)
	envStr("DOCSEARCH_LEXICAL_INDEX", &c.Data.LexicalIndexName)

	envStr("DOCSEARCH_S3_ENDPOINT", &c.Blob.Endpoint)
	envStr("DOCSEARCH_S3_ACCESS_KEY", &c.Blob.AccessKey)
	envStr("DOCSEARCH_S3_SECRET_KEY", &c.Blob.SecretKey)
	envStr("DOCSEARCH_S3_BUCKET", &c.Blob.Bucket)
	envStr("DOCSEARCH_S3_REGION", &c.Blob.Region)
	envBool("DOCSEARCH_BLOB_MEMORY", &c.Blob.UseMemory)

	envInt("DOCSEARCH_PARENT_CHUNK_CHARS", &c.Chunking.ParentChunkChars)
	envInt("DOCSEARCH_PARENT_OVERLAP_CHARS", &c.Chunking.ParentOverlapChars)
	envInt("DOCSEARCH_CHILD_CHUNK_CHARS", &c.Chunking.ChildChunkChars)
	envInt("DOCSEARCH_CHILD_OVERLAP_CHARS", &c.Chunking.ChildOverlapChars)

	envStr("DOCSEARCH_EMBEDDING_PROVIDER", &c.Embeddings.Provider)
	envStr("DOCSEARCH_EMBEDDING_HOST", &c.Embeddings.Host)
	envStr("DOCSEARCH_EMBEDDING_MODEL", &c.Embeddings.Model)
	envInt("DOCSEARCH_EMBEDDING_DIM", &c.Embeddings.Dimensions)
	envInt("DOCSEARCH_EMBEDDING_BATCH_SIZE", &c.Embeddings.BatchSize)
	envInt("DOCSEARCH_EMBEDDING_CACHE_SIZE", &c.Embeddings.CacheSize)

	envBool("DOCSEARCH_RERANKER_ENABLED", &c.Reranker.Enabled)
	envStr("DOCSEARCH_RERANKER_ENDPOINT", &c.Reranker.Endpoint)
	envStr("DOCSEARCH_RERANKER_MODEL", &c.Reranker.Model)

	envStr("DOCSEARCH_LLM_BASE_URL", &c.Generator.BaseURL)
	envStr("DOCSEARCH_LLM_MODEL", &c.Generator.Model)
	envInt("DOCSEARCH_LLM_TIMEOUT_SECONDS", &c.Generator.TimeoutSeconds)
	envBool("DOCSEARCH_HYDE_ENABLED", &c.Generator.HyDEEnabled)
	envInt("DOCSEARCH_HYDE_TIMEOUT_SECONDS", &c.Generator.HyDETimeoutSeconds)

	envInt("DOCSEARCH_RETRIEVE_K_KEYWORD", &c.Retrieval.KKeyword)
	envInt("DOCSEARCH_RETRIEVE_K_VECTOR", &c.Retrieval.KVector)
	envInt("DOCSEARCH_RETRIEVE_K_MERGE", &c.Retrieval.KMerge)
	envInt("DOCSEARCH_RRF_CONSTANT", &c.Retrieval.RRFConstant)
	envInt("DOCSEARCH_RERANK_TOP_N", &c.Retrieval.RerankTopN)
	envInt("DOCSEARCH_MAX_PARENT_CHUNKS_FOR_LLM", &c.Retrieval.MaxParentChunksForLLM)
	envInt("DOCSEARCH_MAX_PARENT_CHUNK_CHARS_FOR_LLM", &c.Retrieval.MaxParentChunkChars)

	envInt("DOCSEARCH_INGEST_WORKERS", &c.Ingest.Workers)
	envInt("DOCSEARCH_INGEST_QUEUE_SIZE", &c.Ingest.QueueSize)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Chunking.ParentChunkChars <= 0 {
		return fmt.Errorf("parent_chunk_chars must be positive, got %d", c.Chunking.ParentChunkChars)
	}
	if c.Chunking.ChildChunkChars <= 0 {
		return fmt.Errorf("child_chunk_chars must be positive, got %d", c.Chunking.ChildChunkChars)
	}
	if c.Chunking.ParentOverlapChars < 0 || c.Chunking.ParentOverlapChars >= c.Chunking.ParentChunkChars {
		return fmt.Errorf("parent_overlap_chars %d must be in [0, parent_chunk_chars)", c.Chunking.ParentOverlapChars)
	}
	if c.Chunking.ChildOverlapChars < 0 || c.Chunking.ChildOverlapChars >= c.Chunking.ChildChunkChars {
		return fmt.Errorf("child_overlap_chars %d must be in [0, child_chunk_chars)", c.Chunking.ChildOverlapChars)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embedding batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
