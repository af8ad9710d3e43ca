// Package kb is the local knowledge base: an embedded SQLite store with
// an FTS5 index over document chunks, a per-model embedding table, and a
// hybrid retriever (full-text + semantic + optional LLM rerank) on top.
package kb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations
var migrationsFS embed.FS

// Document is a KB document with its metadata.
type Document struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Source     string   `json:"source"`
	Text       string   `json:"text,omitempty"`
	Categories []string `json:"categories"`
	AgentIDs   []string `json:"agent_ids"`
	CreatedAt  string   `json:"created_at"`
}

// Chunk is a document slice with denormalized document metadata, so
// scope filters never need a second query.
type Chunk struct {
	ChunkID    string   `json:"chunk_id"`
	DocID      string   `json:"doc_id"`
	Text       string   `json:"text"`
	Title      string   `json:"title"`
	Source     string   `json:"source"`
	Categories []string `json:"categories"`
	AgentIDs   []string `json:"agent_ids"`
	CreatedAt  string   `json:"created_at,omitempty"`
}

// FTSHit is a full-text search hit with the raw BM25 score
// (lower is better, per SQLite).
type FTSHit struct {
	Chunk
	Score float64 `json:"score"`
}

// Scope restricts a search or listing to a slice of the KB.
type Scope struct {
	AgentID    string
	DocIDs     []string
	Categories []string
}

// Store is the SQLite-backed knowledge base.
type Store struct {
	db *sql.DB

	// revision increments on every write so the retriever's result
	// cache is invalidated in-process.
	revision atomic.Int64
}

// Chunking defaults for AddDocument.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Open opens (creating if needed) the KB database at path and applies
// pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create kb directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kb database: %w", err)
	}
	// SQLite serializes writers anyway; a single pooled connection avoids
	// SQLITE_BUSY under concurrency and keeps :memory: tests on one database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate kb database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Revision returns the monotonically increasing write counter.
func (s *Store) Revision() int64 {
	return s.revision.Load()
}

func (s *Store) bump() {
	s.revision.Add(1)
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "kb", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source; closing m would also close the shared *sql.DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AddResult reports what AddDocument wrote.
type AddResult struct {
	DocID  string `json:"doc_id"`
	Chunks int    `json:"chunks"`
}

// AddDocument inserts a document, chunks its text, and indexes every
// chunk in the FTS table.
func (s *Store) AddDocument(ctx context.Context, doc Document) (*AddResult, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	createdAt := nowISO()
	chunks := ChunkText(doc.Text, DefaultChunkSize, DefaultChunkOverlap)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kb_documents(id,title,source,text,categories_json,agent_ids_json,created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		doc.ID, doc.Title, doc.Source, doc.Text,
		marshalList(doc.Categories), marshalList(doc.AgentIDs), createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	for i, text := range chunks {
		chunkID := strings.ReplaceAll(uuid.New().String(), "-", "")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kb_chunks(id,doc_id,seq,text,created_at) VALUES(?,?,?,?,?)`,
			chunkID, doc.ID, i, text, createdAt); err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kb_chunks_fts(chunk_id,doc_id,text) VALUES(?,?,?)`,
			chunkID, doc.ID, text); err != nil {
			return nil, fmt.Errorf("index chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.bump()
	return &AddResult{DocID: doc.ID, Chunks: len(chunks)}, nil
}

// ReplaceDocument deletes any existing document with the same id and
// re-adds it. Used by office_ingest for deterministic re-imports.
func (s *Store) ReplaceDocument(ctx context.Context, doc Document) (*AddResult, error) {
	if doc.ID != "" {
		if _, err := s.DeleteDocument(ctx, doc.ID); err != nil {
			return nil, err
		}
	}
	return s.AddDocument(ctx, doc)
}

// GetDocument returns a document with its full text, or nil when absent.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,title,source,text,categories_json,agent_ids_json,created_at
		 FROM kb_documents WHERE id=?`, docID)

	var doc Document
	var categoriesJSON, agentIDsJSON string
	err := row.Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Text, &categoriesJSON, &agentIDsJSON, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", docID, err)
	}
	doc.Categories = unmarshalList(categoriesJSON)
	doc.AgentIDs = unmarshalList(agentIDsJSON)
	return &doc, nil
}

// ListDocuments returns document metadata (no text), newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,title,source,categories_json,agent_ids_json,created_at
		 FROM kb_documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Document, 0, 16)
	for rows.Next() {
		var doc Document
		var categoriesJSON, agentIDsJSON string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Source, &categoriesJSON, &agentIDsJSON, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Categories = unmarshalList(categoriesJSON)
		doc.AgentIDs = unmarshalList(agentIDsJSON)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document, its chunks, FTS rows and embeddings.
// Returns false when the document did not exist.
func (s *Store) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kb_chunk_embeddings WHERE chunk_id IN (SELECT id FROM kb_chunks WHERE doc_id=?)`,
		docID); err != nil {
		return false, fmt.Errorf("delete embeddings for %s: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks_fts WHERE doc_id=?`, docID); err != nil {
		return false, fmt.Errorf("delete fts rows for %s: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE doc_id=?`, docID); err != nil {
		return false, fmt.Errorf("delete chunks for %s: %w", docID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM kb_documents WHERE id=?`, docID)
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", docID, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	if n > 0 {
		s.bump()
	}
	return n > 0, nil
}

// SetDocumentAgents replaces the document's agent allowlist.
func (s *Store) SetDocumentAgents(ctx context.Context, docID string, agentIDs []string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kb_documents SET agent_ids_json=? WHERE id=?`, marshalList(agentIDs), docID)
	if err != nil {
		return false, fmt.Errorf("set document agents: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.bump()
	}
	return n > 0, nil
}

// SetDocumentCategories replaces the document's categories,
// trimming blanks and deduplicating while preserving order.
func (s *Store) SetDocumentCategories(ctx context.Context, docID string, categories []string) (bool, error) {
	seen := make(map[string]bool)
	deduped := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		deduped = append(deduped, c)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kb_documents SET categories_json=? WHERE id=?`, marshalList(deduped), docID)
	if err != nil {
		return false, fmt.Errorf("set document categories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.bump()
	}
	return n > 0, nil
}

// Search runs a BM25 full-text query over chunks within the scope.
func (s *Store) Search(ctx context.Context, query string, scope Scope, limit int) ([]FTSHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return []FTSHit{}, nil
	}

	where, params := scopeFilter(scope)
	sqlText := fmt.Sprintf(`
		SELECT f.chunk_id, f.doc_id, f.text, bm25(kb_chunks_fts) AS score,
		       d.title, d.source, d.categories_json, d.agent_ids_json
		FROM kb_chunks_fts f
		JOIN kb_documents d ON d.id = f.doc_id
		WHERE %s kb_chunks_fts MATCH ?
		ORDER BY score ASC
		LIMIT ?`, where)
	params = append(params, match, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]FTSHit, 0, limit)
	for rows.Next() {
		var h FTSHit
		var categoriesJSON, agentIDsJSON string
		if err := rows.Scan(&h.ChunkID, &h.DocID, &h.Text, &h.Score,
			&h.Title, &h.Source, &categoriesJSON, &agentIDsJSON); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		h.Categories = unmarshalList(categoriesJSON)
		h.AgentIDs = unmarshalList(agentIDsJSON)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListChunks lists chunks with document metadata, newest document first.
// Used to enumerate the candidate pool for semantic search.
func (s *Store) ListChunks(ctx context.Context, scope Scope, limit int) ([]Chunk, error) {
	where, params := scopeFilter(scope)
	// scopeFilter emits "<conds> AND " or ""; a tautology keeps the
	// statement valid in both cases.
	sqlText := fmt.Sprintf(`
		SELECT c.id, c.doc_id, c.text, c.created_at,
		       d.title, d.source, d.categories_json, d.agent_ids_json
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.doc_id
		WHERE %s 1=1
		ORDER BY c.created_at DESC, c.seq ASC
		LIMIT ?`, where)
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Chunk, 0, 64)
	for rows.Next() {
		var c Chunk
		var categoriesJSON, agentIDsJSON string
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Text, &c.CreatedAt,
			&c.Title, &c.Source, &categoriesJSON, &agentIDsJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Categories = unmarshalList(categoriesJSON)
		c.AgentIDs = unmarshalList(agentIDsJSON)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChunkIDs lists chunk ids in the scope, newest document first.
// The semantic scorer walks this pool without loading chunk text.
func (s *Store) ListChunkIDs(ctx context.Context, scope Scope, limit int) ([]string, error) {
	where, params := scopeFilter(scope)
	sqlText := fmt.Sprintf(`
		SELECT c.id
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.doc_id
		WHERE %s 1=1
		ORDER BY c.created_at DESC, c.seq ASC
		LIMIT ?`, where)
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("list chunk ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0, 128)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetChunksByIDs hydrates chunks (with document metadata) by id.
func (s *Store) GetChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	params := make([]any, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		params = append(params, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.doc_id, c.text, c.created_at,
		       d.title, d.source, d.categories_json, d.agent_ids_json
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.doc_id
		WHERE c.id IN (%s)`, placeholders), params...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c Chunk
		var categoriesJSON, agentIDsJSON string
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Text, &c.CreatedAt,
			&c.Title, &c.Source, &categoriesJSON, &agentIDsJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Categories = unmarshalList(categoriesJSON)
		c.AgentIDs = unmarshalList(agentIDsJSON)
		out[c.ChunkID] = c
	}
	return out, rows.Err()
}

// GetChunkEmbeddings returns stored vectors for the given chunks under
// one embedding model.
func (s *Store) GetChunkEmbeddings(ctx context.Context, chunkIDs []string, modelSpec string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	params := make([]any, 0, len(chunkIDs)+1)
	params = append(params, modelSpec)
	for _, id := range chunkIDs {
		params = append(params, id)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT chunk_id, vector_json FROM kb_chunk_embeddings
		             WHERE model_spec=? AND chunk_id IN (%s)`, placeholders),
		params...)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var chunkID, vectorJSON string
		if err := rows.Scan(&chunkID, &vectorJSON); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(vectorJSON), &vec); err != nil {
			continue // tolerate a corrupt row; it will be re-embedded
		}
		out[chunkID] = vec
	}
	return out, rows.Err()
}

// SetChunkEmbeddings upserts vectors keyed by (chunk_id, model_spec).
func (s *Store) SetChunkEmbeddings(ctx context.Context, items map[string][]float64, modelSpec string) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	createdAt := nowISO()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for chunkID, vec := range items {
		vectorJSON, err := json.Marshal(vec)
		if err != nil {
			return 0, fmt.Errorf("marshal vector: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kb_chunk_embeddings(chunk_id,model_spec,vector_json,created_at)
			 VALUES(?,?,?,?)
			 ON CONFLICT(chunk_id,model_spec) DO UPDATE SET
			   vector_json=excluded.vector_json,
			   created_at=excluded.created_at`,
			chunkID, modelSpec, string(vectorJSON), createdAt); err != nil {
			return 0, fmt.Errorf("upsert embedding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.bump()
	return len(items), nil
}

// scopeFilter builds the metadata WHERE conditions for a scope. The
// returned clause is either empty or ends with " AND " so callers can
// append their own condition.
func scopeFilter(scope Scope) (string, []any) {
	var conds []string
	var params []any

	if len(scope.DocIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scope.DocIDs)), ",")
		conds = append(conds, fmt.Sprintf("d.id IN (%s)", placeholders))
		for _, id := range scope.DocIDs {
			params = append(params, id)
		}
	}
	if scope.AgentID != "" {
		conds = append(conds, "d.agent_ids_json LIKE ?")
		params = append(params, `%"`+scope.AgentID+`"%`)
	}
	var cats []string
	for _, c := range scope.Categories {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	if len(cats) > 0 {
		likes := make([]string, len(cats))
		for i, c := range cats {
			likes[i] = "d.categories_json LIKE ?"
			params = append(params, `%"`+c+`"%`)
		}
		conds = append(conds, "("+strings.Join(likes, " OR ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return strings.Join(conds, " AND ") + " AND ", params
}

// ftsQuery renders a safe FTS5 phrase query.
func ftsQuery(q string) string {
	q = strings.TrimSpace(strings.ReplaceAll(q, `"`, " "))
	if q == "" {
		return ""
	}
	return `"` + q + `"`
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
