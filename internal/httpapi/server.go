// Package httpapi exposes the REST surface: document upload and status,
// question answering, and health.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docsearch/internal/blob"
	"docsearch/internal/errors"
	"docsearch/internal/gen"
	"docsearch/internal/query"
	"docsearch/internal/store"
)

// Enqueuer submits a document for background ingestion. *ingest.Worker
// satisfies it.
type Enqueuer interface {
	Enqueue(documentID string) error
}

// Answerer runs the query pipeline. *query.Pipeline satisfies it.
type Answerer interface {
	Answer(ctx context.Context, req query.Request) (*query.Response, error)
}

// Server holds the handler dependencies.
type Server struct {
	meta    store.MetadataStore
	blobs   blob.Store
	queries Answerer
	worker  Enqueuer
	tenant  string
}

// NewServer wires the HTTP layer.
func NewServer(meta store.MetadataStore, blobs blob.Store, queries Answerer,
	worker Enqueuer, tenant string) *Server {
	return &Server{meta: meta, blobs: blobs, queries: queries, worker: worker, tenant: tenant}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.handleHealth)

	docs := r.Group("/documents")
	docs.POST("/upload", s.handleUpload)
	docs.GET("/:id", s.handleDocumentStatus)

	r.POST("/query", s.handleQuery)
	return r
}

// requestLogger logs each request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type uploadResponse struct {
	ID string `json:"id"`
}

// handleUpload stores the payload, records the document, and enqueues
// ingestion. Re-uploading identical content for the tenant returns the
// existing document instead of creating a duplicate.
func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidInput, errors.KindValidation,
			"multipart field 'file' is required"))
		return
	}
	if fileHeader.Filename == "" {
		abortWithError(c, errors.New(errors.CodeMissingFilename, errors.KindValidation,
			"filename is required"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, errors.Wrap(errors.CodeInvalidInput, errors.KindValidation,
			"open uploaded file", err))
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		abortWithError(c, errors.Wrap(errors.CodeInvalidInput, errors.KindValidation,
			"read uploaded file", err))
		return
	}

	digest := sha256.Sum256(content)
	contentHash := hex.EncodeToString(digest[:])

	existing, err := s.meta.FindByTenantAndHash(c.Request.Context(), s.tenant, contentHash)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if existing != nil {
		// Content already known. Re-kick ingestion only if the earlier
		// upload never started processing.
		if existing.Status == store.StatusUploaded {
			if err := s.worker.Enqueue(existing.ID); err != nil {
				abortWithError(c, err)
				return
			}
		}
		c.JSON(http.StatusCreated, uploadResponse{ID: existing.ID})
		return
	}

	id := uuid.New()
	key := blob.ObjectKey(id, fileHeader.Filename)
	contentType := fileHeader.Header.Get("Content-Type")

	if err := s.blobs.Put(c.Request.Context(), key, content, contentType); err != nil {
		abortWithError(c, err)
		return
	}

	now := time.Now().UTC()
	doc := &store.Document{
		ID:          id.String(),
		TenantID:    s.tenant,
		Filename:    fileHeader.Filename,
		ContentType: contentType,
		SHA256:      contentHash,
		BlobKey:     key,
		Status:      store.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.meta.InsertDocument(c.Request.Context(), doc); err != nil {
		abortWithError(c, err)
		return
	}

	if err := s.worker.Enqueue(doc.ID); err != nil {
		abortWithError(c, err)
		return
	}

	slog.Info("document_uploaded",
		slog.String("document_id", doc.ID),
		slog.String("filename", doc.Filename),
		slog.Int("bytes", len(content)))
	c.JSON(http.StatusCreated, uploadResponse{ID: doc.ID})
}

type documentStatusResponse struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleDocumentStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidID, errors.KindValidation,
			"document id must be a UUID"))
		return
	}

	doc, err := s.meta.GetDocument(c.Request.Context(), id.String())
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, documentStatusResponse{
		ID:        doc.ID,
		Filename:  doc.Filename,
		Status:    string(doc.Status),
		CreatedAt: doc.CreatedAt,
	})
}

type queryRequest struct {
	Question    string   `json:"question"`
	TopK        int      `json:"top_k"`
	DocumentIDs []string `json:"document_ids"`
}

type queryResponse struct {
	Answer    string         `json:"answer"`
	Citations []gen.Citation `json:"citations"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(errors.CodeInvalidInput, errors.KindValidation,
			"invalid request body", err))
		return
	}
	// A whitespace-only question would embed to a degenerate all-zero
	// vector downstream, so it is rejected like an empty one.
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		abortWithError(c, errors.New(errors.CodeInvalidInput, errors.KindValidation,
			"question is required"))
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	for _, id := range req.DocumentIDs {
		if _, err := uuid.Parse(id); err != nil {
			abortWithError(c, errors.New(errors.CodeInvalidID, errors.KindValidation,
				"document_ids must be UUIDs"))
			return
		}
	}

	resp, err := s.queries.Answer(c.Request.Context(), query.Request{
		Question:    req.Question,
		TopK:        req.TopK,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, queryResponse{Answer: resp.Answer, Citations: resp.Citations})
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func abortWithError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()))
	}

	detail := err.Error()
	var e *errors.Error
	if stderrors.As(err, &e) {
		detail = e.Message
	}
	c.AbortWithStatusJSON(status, errorResponse{Detail: detail, Code: errors.CodeOf(err)})
}
