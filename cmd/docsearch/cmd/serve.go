package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"docsearch/internal/blob"
	"docsearch/internal/chunk"
	"docsearch/internal/config"
	"docsearch/internal/embed"
	"docsearch/internal/gen"
	"docsearch/internal/httpapi"
	"docsearch/internal/ingest"
	"docsearch/internal/logging"
	"docsearch/internal/query"
	"docsearch/internal/rerank"
	"docsearch/internal/store"
	"docsearch/pkg/version"
)

const (
	shutdownTimeout = 15 * time.Second
	snapshotName    = "vectors.hnsw"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the document search API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// runServe wires every component and runs the HTTP server until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, configPath string) error {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(logging.Config{Level: cfg.Server.LogLevel})

	slog.Info("starting docsearch",
		slog.String("version", version.Short()),
		slog.String("data_dir", cfg.Data.Dir),
		slog.String("embedding_provider", cfg.Embeddings.Provider))

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	meta, err := store.NewSQLiteStore(filepath.Join(cfg.Data.Dir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = meta.Close() }()

	lexical, err := store.NewBleveLexicalIndex(filepath.Join(cfg.Data.Dir, cfg.Data.LexicalIndexName))
	if err != nil {
		return fmt.Errorf("open lexical index: %w", err)
	}
	defer func() { _ = lexical.Close() }()

	embedder := buildEmbedder(cfg)
	defer func() { _ = embedder.Close() }()

	vectors, err := store.NewHNSWIndex(store.VectorConfig{Dimensions: embedder.Dimensions()})
	if err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	snapshotPath := filepath.Join(cfg.Data.Dir, snapshotName)
	if err := restoreVectors(ctx, vectors, meta, snapshotPath); err != nil {
		return err
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	var reranker rerank.Reranker = &rerank.NoOpReranker{}
	if cfg.Reranker.Enabled {
		reranker = rerank.NewHTTPReranker(rerank.HTTPConfig{
			Endpoint: cfg.Reranker.Endpoint,
			Model:    cfg.Reranker.Model,
		})
	}
	defer func() { _ = reranker.Close() }()

	generator := gen.NewOllamaGenerator(gen.OllamaConfig{
		Host:    cfg.Generator.BaseURL,
		Model:   cfg.Generator.Model,
		Timeout: time.Duration(cfg.Generator.TimeoutSeconds) * time.Second,
	})
	expander := gen.NewExpander(generator, cfg.Generator.HyDEEnabled,
		time.Duration(cfg.Generator.HyDETimeoutSeconds)*time.Second)

	pipeline := ingest.NewPipeline(meta, blobs, embedder, lexical, vectors, chunk.Options{
		ParentChunkChars:   cfg.Chunking.ParentChunkChars,
		ParentOverlapChars: cfg.Chunking.ParentOverlapChars,
		ChildChunkChars:    cfg.Chunking.ChildChunkChars,
		ChildOverlapChars:  cfg.Chunking.ChildOverlapChars,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	worker := ingest.NewWorker(workerCtx, pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize)

	queries := query.NewPipeline(expander, embedder, lexical, vectors, reranker, meta,
		generator, query.Options{
			KKeyword:          cfg.Retrieval.KKeyword,
			KVector:           cfg.Retrieval.KVector,
			KMerge:            cfg.Retrieval.KMerge,
			RRFConstant:       cfg.Retrieval.RRFConstant,
			RerankTopN:        cfg.Retrieval.RerankTopN,
			MaxParents:        cfg.Retrieval.MaxParentChunksForLLM,
			ParentWindowChars: cfg.Retrieval.MaxParentChunkChars,
		})

	api := httpapi.NewServer(meta, blobs, queries, worker, cfg.Data.TenantTag)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", slog.String("error", err.Error()))
	}

	// Drain in-flight ingestion before persisting the vector snapshot so the
	// snapshot reflects everything the metadata store holds.
	if err := worker.Close(); err != nil {
		slog.Warn("ingest worker close", slog.String("error", err.Error()))
	}
	if err := vectors.Save(snapshotPath); err != nil {
		slog.Warn("vector snapshot save", slog.String("error", err.Error()))
	}

	slog.Info("stopped")
	return nil
}

// buildEmbedder selects the configured embedding backend and wraps it in the
// LRU cache.
func buildEmbedder(cfg *config.Config) embed.Embedder {
	var inner embed.Embedder
	switch cfg.Embeddings.Provider {
	case "static":
		inner = embed.NewStaticEmbedder()
	default:
		inner = embed.NewOllamaEmbedder(embed.OllamaConfig{
			Host:       cfg.Embeddings.Host,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			BatchSize:  cfg.Embeddings.BatchSize,
		})
	}
	if cfg.Embeddings.CacheSize > 0 {
		return embed.NewCachedEmbedder(inner, cfg.Embeddings.CacheSize)
	}
	return inner
}

// buildBlobStore returns the configured blob backend, ensuring the S3 bucket
// exists.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.UseMemory {
		slog.Warn("using in-memory blob store; uploads will not survive restart")
		return blob.NewMemoryStore(), nil
	}

	s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:        cfg.Blob.Endpoint,
		Region:          cfg.Blob.Region,
		Bucket:          cfg.Blob.Bucket,
		AccessKeyID:     cfg.Blob.AccessKey,
		SecretAccessKey: cfg.Blob.SecretKey,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	if err := s3Store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Blob.Bucket, err)
	}
	return s3Store, nil
}

// restoreVectors loads the vector index snapshot if one exists, falling back
// to a full rebuild from the stored embeddings.
func restoreVectors(ctx context.Context, vectors *store.HNSWIndex, meta *store.SQLiteStore, path string) error {
	if _, err := os.Stat(path); err == nil {
		loadErr := vectors.Load(path)
		if loadErr == nil {
			slog.Info("vector index restored",
				slog.String("path", path), slog.Int("vectors", vectors.Count()))
			return nil
		}
		slog.Warn("vector snapshot unusable, rebuilding",
			slog.String("path", path), slog.String("error", loadErr.Error()))
	}

	start := time.Now()
	if err := vectors.Rebuild(ctx, meta); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	slog.Info("vector index rebuilt",
		slog.Int("vectors", vectors.Count()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
