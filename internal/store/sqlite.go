package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"docsearch/internal/errors"
)

// SQLiteStore implements MetadataStore on SQLite with WAL mode.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the metadata database at path. An empty
// path opens an in-memory database for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer prevents SQLITE_BUSY under concurrent ingestion.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params are
	// not honored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables when they do not exist yet.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		sha256       TEXT NOT NULL,
		blob_key     TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_tenant_hash
		ON documents(tenant_id, sha256);

	CREATE TABLE IF NOT EXISTS parent_chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		text        TEXT NOT NULL,
		page_start  INTEGER NOT NULL,
		page_end    INTEGER NOT NULL,
		char_start  INTEGER NOT NULL,
		char_end    INTEGER NOT NULL,
		hash        TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_parent_chunks_document
		ON parent_chunks(document_id);

	CREATE TABLE IF NOT EXISTS child_chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		parent_id   TEXT NOT NULL REFERENCES parent_chunks(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		text        TEXT NOT NULL,
		page_start  INTEGER NOT NULL,
		page_end    INTEGER NOT NULL,
		char_start  INTEGER NOT NULL,
		char_end    INTEGER NOT NULL,
		hash        TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_child_chunks_document
		ON child_chunks(document_id);

	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		child_id TEXT PRIMARY KEY REFERENCES child_chunks(id) ON DELETE CASCADE,
		model    TEXT NOT NULL,
		vector   BLOB NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertDocument stores a new document record.
func (s *SQLiteStore) InsertDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if !doc.Status.Valid() {
		return errors.New(errors.CodeIllegalStatusTransition, errors.KindInternal,
			fmt.Sprintf("invalid status %q", doc.Status))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, filename, content_type, sha256, blob_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.Filename, doc.ContentType, doc.SHA256,
		doc.BlobKey, string(doc.Status), doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"insert document", err)
	}
	return nil
}

// GetDocument fetches a document by ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, filename, content_type, sha256, blob_key, status, created_at, updated_at
		FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.CodeDocumentNotFound, errors.KindNotFound,
			fmt.Sprintf("document %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"get document", err)
	}
	return doc, nil
}

// FindByTenantAndHash looks up a document by content hash within a tenant.
// Returns (nil, nil) when no such document exists.
func (s *SQLiteStore) FindByTenantAndHash(ctx context.Context, tenantID, sha256 string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, filename, content_type, sha256, blob_key, status, created_at, updated_at
		FROM documents WHERE tenant_id = ? AND sha256 = ?
		ORDER BY created_at LIMIT 1`, tenantID, sha256)

	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"find document by hash", err)
	}
	return doc, nil
}

// UpdateStatus moves a document through its lifecycle. Illegal transitions
// are rejected without modifying the row.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, to DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"begin status transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.CodeDocumentNotFound, errors.KindNotFound,
			fmt.Sprintf("document %s not found", id))
	}
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"read current status", err)
	}

	if !CanTransition(DocumentStatus(current), to) {
		return errors.New(errors.CodeIllegalStatusTransition, errors.KindInternal,
			fmt.Sprintf("illegal status transition %s -> %s for document %s", current, to, id))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), id); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"update status", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"commit status transaction", err)
	}
	return nil
}

// ReplaceChunks atomically swaps the chunk set of a document. Either all
// parents and children land, or none do.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, documentID string, parents []ParentChunk, children []ChildChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"begin chunk transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-ingestion replaces any prior chunk set. Embeddings cascade away
	// with their child rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM child_chunks WHERE document_id = ?`, documentID); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "clear child chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parent_chunks WHERE document_id = ?`, documentID); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "clear parent chunks", err)
	}

	parentStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO parent_chunks (id, document_id, seq, text, page_start, page_end, char_start, char_end, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "prepare parent insert", err)
	}
	defer func() { _ = parentStmt.Close() }()

	for _, p := range parents {
		if _, err := parentStmt.ExecContext(ctx, p.ID, documentID, p.Seq, p.Text,
			p.PageStart, p.PageEnd, p.CharStart, p.CharEnd, p.Hash); err != nil {
			return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
				fmt.Sprintf("insert parent chunk %s", p.ID), err)
		}
	}

	childStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO child_chunks (id, document_id, parent_id, seq, text, page_start, page_end, char_start, char_end, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "prepare child insert", err)
	}
	defer func() { _ = childStmt.Close() }()

	for _, c := range children {
		if _, err := childStmt.ExecContext(ctx, c.ID, documentID, c.ParentID, c.Seq, c.Text,
			c.PageStart, c.PageEnd, c.CharStart, c.CharEnd, c.Hash); err != nil {
			return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
				fmt.Sprintf("insert child chunk %s", c.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"commit chunk transaction", err)
	}
	return nil
}

// UpsertEmbeddings stores embeddings, overwriting any existing vector for
// the same child chunk.
func (s *SQLiteStore) UpsertEmbeddings(ctx context.Context, embeddings []ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"begin embedding transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (child_id, model, vector)
		VALUES (?, ?, ?)
		ON CONFLICT(child_id) DO UPDATE SET model = excluded.model, vector = excluded.vector`)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "prepare embedding upsert", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range embeddings {
		if _, err := stmt.ExecContext(ctx, e.ChildID, e.Model, encodeVector(e.Vector)); err != nil {
			return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
				fmt.Sprintf("upsert embedding for child %s", e.ChildID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal,
			"commit embedding transaction", err)
	}
	return nil
}

// ListChildIDs returns the IDs of all child chunks of a document, regardless
// of document status. Ingestion uses it to purge stale index entries before
// reindexing.
func (s *SQLiteStore) ListChildIDs(ctx context.Context, documentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM child_chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "list child chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "scan child chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChildrenByIDs fetches child chunks by ID. Missing IDs and children of
// documents that are not READY are omitted from the result map, so index
// hits left behind by an in-flight or failed ingestion never surface.
func (s *SQLiteStore) GetChildrenByIDs(ctx context.Context, ids []string) (map[string]*ChildChunk, error) {
	result := make(map[string]*ChildChunk, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.parent_id, c.seq, c.text, c.page_start, c.page_end, c.char_start, c.char_end, c.hash
		FROM child_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'READY' AND c.id IN (%s)`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "get child chunks", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c ChildChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ParentID, &c.Seq, &c.Text,
			&c.PageStart, &c.PageEnd, &c.CharStart, &c.CharEnd, &c.Hash); err != nil {
			return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "scan child chunk", err)
		}
		result[c.ID] = &c
	}
	return result, rows.Err()
}

// GetParentsByIDs fetches parent chunks joined with their owning documents.
// Parents of non-READY documents are omitted.
func (s *SQLiteStore) GetParentsByIDs(ctx context.Context, ids []string) (map[string]*ParentWithDocument, error) {
	result := make(map[string]*ParentWithDocument, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := fmt.Sprintf(`
		SELECT p.id, p.document_id, p.seq, p.text, p.page_start, p.page_end, p.char_start, p.char_end, p.hash,
		       d.id, d.tenant_id, d.filename, d.content_type, d.sha256, d.blob_key, d.status, d.created_at, d.updated_at
		FROM parent_chunks p
		JOIN documents d ON d.id = p.document_id
		WHERE d.status = 'READY' AND p.id IN (%s)`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "get parent chunks", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var pw ParentWithDocument
		var status string
		if err := rows.Scan(
			&pw.Parent.ID, &pw.Parent.DocumentID, &pw.Parent.Seq, &pw.Parent.Text,
			&pw.Parent.PageStart, &pw.Parent.PageEnd, &pw.Parent.CharStart, &pw.Parent.CharEnd, &pw.Parent.Hash,
			&pw.Document.ID, &pw.Document.TenantID, &pw.Document.Filename, &pw.Document.ContentType,
			&pw.Document.SHA256, &pw.Document.BlobKey, &status,
			&pw.Document.CreatedAt, &pw.Document.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "scan parent chunk", err)
		}
		pw.Document.Status = DocumentStatus(status)
		result[pw.Parent.ID] = &pw
	}
	return result, rows.Err()
}

// GetAllEmbeddings streams the stored embeddings of READY documents for
// vector index rebuild. Embeddings written by an ingestion that never
// reached READY stay out of the rebuilt graph.
func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context, fn func(childID, documentID string, vector []float32) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.child_id, c.document_id, e.vector
		FROM chunk_embeddings e
		JOIN child_chunks c ON c.id = e.child_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'READY'`)
	if err != nil {
		return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "query embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var childID, documentID string
		var blob []byte
		if err := rows.Scan(&childID, &documentID, &blob); err != nil {
			return errors.Wrap(errors.CodeMetadataStore, errors.KindExternal, "scan embedding", err)
		}
		vector, err := decodeVector(blob)
		if err != nil {
			return errors.Corruption(fmt.Sprintf("embedding for child %s", childID), err)
		}
		if err := fn(childID, documentID, vector); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanDocument.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var status string
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentType,
		&doc.SHA256, &doc.BlobKey, &status, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	return &doc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
