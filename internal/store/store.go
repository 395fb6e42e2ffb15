// Package store implements the Store component: a single embedded SQLite
// database holding every Document, Heading, Link, Tag, Concept, Chunk,
// Embedding, QueryCacheEntry and EventRecord, plus an optional in-memory
// HNSW index over document-level embeddings (VectorIndex).
//
// All writes go through a single *sql.DB with MaxOpenConns(1) and
// BEGIN IMMEDIATE, matching spec §5's single-writer contract; a
// cross-process gofrs/flock guard extends that contract across processes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/markdown"
)

// SQLiteStore is the Store component (spec §4.A).
type SQLiteStore struct {
	mu   sync.Mutex // serializes writer transactions in-process
	db   *sql.DB    // single writer connection, BEGIN IMMEDIATE
	rdb  *sql.DB    // read-only connection pool; == db for in-memory stores
	path string
	lock *writerLock
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// runs Initialize. An empty path opens a private in-memory database, used
// by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	var lock *writerLock

	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.Fatal, fmt.Errorf("create database directory: %w", err))
		}
		lock = newWriterLock(path)
		if err := lock.Lock(); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		dsn = path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, apperrors.Wrap(apperrors.Fatal, fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			if lock != nil {
				_ = lock.Unlock()
			}
			return nil, apperrors.Wrap(apperrors.Fatal, fmt.Errorf("set pragma %q: %w", p, err))
		}
	}

	s := &SQLiteStore{db: db, rdb: db, path: path, lock: lock}
	if err := s.initialize(); err != nil {
		db.Close()
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}

	// Readers get their own connection pool (spec §5: "readers use separate
	// read-only connections"); an in-memory store has nothing to reopen, so
	// reads share the writer handle there.
	if path != "" {
		rdb, err := sql.Open("sqlite", path+"?mode=ro&_pragma=busy_timeout(5000)")
		if err == nil {
			s.rdb = rdb
		}
	}
	return s, nil
}

// reader returns the connection handle read-only operations should use.
func (s *SQLiteStore) reader() *sql.DB {
	return s.rdb
}

// Close releases the database connection and the cross-process writer lock.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if s.rdb != nil && s.rdb != s.db {
		_ = s.rdb.Close()
	}
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// schema is the additive-migration-only DDL run by initialize. New columns
// or tables are added with further `ALTER TABLE` / `CREATE TABLE IF NOT
// EXISTS` statements appended here; existing ones are never dropped or
// renamed, so initialize stays idempotent across versions.
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);
INSERT OR IGNORE INTO schema_version (version) VALUES (1);

CREATE TABLE IF NOT EXISTS documents (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	path           TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL DEFAULT '',
	summary        TEXT NOT NULL DEFAULT '',
	category       TEXT NOT NULL DEFAULT '',
	token_estimate INTEGER NOT NULL DEFAULT 0,
	content_hash   TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS headings (
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal     INTEGER NOT NULL,
	level       INTEGER NOT NULL,
	text        TEXT NOT NULL,
	anchor      TEXT NOT NULL,
	PRIMARY KEY (document_id, ordinal)
);

CREATE TABLE IF NOT EXISTS links (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	target      TEXT NOT NULL,
	is_external INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'unknown',
	checked_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_links_document ON links(document_id);

CREATE TABLE IF NOT EXISTS tags (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS document_tags (
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	tag_id      INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (document_id, tag_id)
);

CREATE TABLE IF NOT EXISTS concepts (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS document_concepts (
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	concept_id  INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
	PRIMARY KEY (document_id, concept_id)
);
CREATE INDEX IF NOT EXISTS idx_document_concepts_concept ON document_concepts(concept_id);

CREATE TABLE IF NOT EXISTS chunks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id    INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal        INTEGER NOT NULL,
	heading_path   TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL,
	token_estimate INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS embeddings (
	owner_type   TEXT NOT NULL,
	owner_id     INTEGER NOT NULL,
	vector       BLOB NOT NULL,
	dimension    INTEGER NOT NULL,
	backend      TEXT NOT NULL,
	generated_at TEXT NOT NULL,
	PRIMARY KEY (owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS query_cache (
	query_hash          TEXT PRIMARY KEY,
	result_document_ids TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	last_accessed       TEXT NOT NULL,
	hit_count           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	path          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	new_path      TEXT NOT NULL DEFAULT '',
	enqueued_at   TEXT NOT NULL,
	not_before    TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'queued',
	last_error    TEXT NOT NULL DEFAULT '',
	processed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_path_status ON events(path, status);
CREATE INDEX IF NOT EXISTS idx_events_status_not_before ON events(status, not_before);

CREATE TABLE IF NOT EXISTS kv_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// initialize idempotently creates the schema. Safe to call on every start;
// never destroys existing data (spec §7).
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return apperrors.Wrap(apperrors.Fatal, fmt.Errorf("initialize schema: %w", err))
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano trims trailing zeros, which breaks
// lexicographic ordering across the sub-second boundary).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- kv_state helpers -------------------------------------------------

func (s *SQLiteStore) getState(tx *sql.Tx, key string) (string, bool, error) {
	var v string
	err := tx.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) setState(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- UpsertDocument -----------------------------------------------------

// UpsertDocument performs the transactional create-or-update described in
// spec §4.A: compute the hash, touch updated_at only when unchanged and the
// embedding backend hasn't changed, else replace every derived row and
// regenerate embeddings; flush the query cache unconditionally on success.
func (s *SQLiteStore) UpsertDocument(path string, parsed *markdown.ParsedDocument, embedder Embedder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	defer tx.Rollback()

	now := nowUTC()

	var (
		id           int64
		existingHash string
		exists       bool
	)
	err = tx.QueryRow(`SELECT id, content_hash FROM documents WHERE path = ?`, path).
		Scan(&id, &existingHash)
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}

	activeBackend, _, err := s.getState(tx, "embedder_backend")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	backendStale := embedder != nil && activeBackend != "" && activeBackend != embedder.BackendID()

	if exists && existingHash == parsed.ContentHash && !backendStale {
		if _, err := tx.Exec(`UPDATE documents SET updated_at = ? WHERE id = ?`, formatTime(now), id); err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		if err := s.flushCache(tx); err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		return id, nil
	}

	if exists {
		err = s.replaceDocumentRow(tx, id, parsed, now)
	} else {
		id, err = s.insertDocumentRow(tx, path, parsed, now)
	}
	if err != nil {
		return 0, err
	}

	if err := s.clearDerivedRows(tx, id); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.insertHeadings(tx, id, parsed.Headings); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.insertLinks(tx, id, parsed.Links); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.insertTags(tx, id, parsed.Tags); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.insertConcepts(tx, id, parsed.Concepts); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	chunkIDs, err := s.insertChunks(tx, id, parsed.Chunks)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}

	if embedder != nil {
		if err := s.writeEmbeddings(tx, id, parsed, chunkIDs, embedder, now); err != nil {
			return 0, apperrors.Wrap(apperrors.Backend, err)
		}
		if err := s.setState(tx, "embedder_backend", embedder.BackendID()); err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
	}

	if err := s.flushCache(tx); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return id, nil
}

func (s *SQLiteStore) insertDocumentRow(tx *sql.Tx, path string, parsed *markdown.ParsedDocument, now time.Time) (int64, error) {
	res, err := tx.Exec(`INSERT INTO documents
		(path, title, summary, category, token_estimate, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		path, parsed.Title, parsed.Summary, parsed.Category, parsed.TokenEstimate, parsed.ContentHash,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) replaceDocumentRow(tx *sql.Tx, id int64, parsed *markdown.ParsedDocument, now time.Time) error {
	_, err := tx.Exec(`UPDATE documents SET title=?, summary=?, category=?, token_estimate=?,
		content_hash=?, updated_at=? WHERE id = ?`,
		parsed.Title, parsed.Summary, parsed.Category, parsed.TokenEstimate, parsed.ContentHash,
		formatTime(now), id)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}

// clearDerivedRows drops every heading/link/tag-link/concept-link/chunk/
// embedding owned by id, ready for full recreation (spec §3's "all headings
// are destroyed and recreated on each upsert" invariant, generalized to
// every derived table).
func (s *SQLiteStore) clearDerivedRows(tx *sql.Tx, id int64) error {
	stmts := []string{
		`DELETE FROM headings WHERE document_id = ?`,
		`DELETE FROM links WHERE document_id = ?`,
		`DELETE FROM document_tags WHERE document_id = ?`,
		`DELETE FROM document_concepts WHERE document_id = ?`,
		`DELETE FROM embeddings WHERE owner_type = 'chunk' AND owner_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		`DELETE FROM chunks WHERE document_id = ?`,
		`DELETE FROM embeddings WHERE owner_type = 'document' AND owner_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) insertHeadings(tx *sql.Tx, docID int64, headings []markdown.ParsedHeading) error {
	for _, h := range headings {
		if _, err := tx.Exec(`INSERT INTO headings (document_id, ordinal, level, text, anchor)
			VALUES (?, ?, ?, ?, ?)`, docID, h.Ordinal, h.Level, h.Text, h.Anchor); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) insertLinks(tx *sql.Tx, docID int64, links []markdown.ParsedLink) error {
	for _, l := range links {
		external := 0
		if l.IsExternal {
			external = 1
		}
		if _, err := tx.Exec(`INSERT INTO links (document_id, target, is_external, status)
			VALUES (?, ?, ?, 'unknown')`, docID, l.Target, external); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) insertTags(tx *sql.Tx, docID int64, tags []string) error {
	for _, t := range tags {
		tagID, err := s.getOrCreateNamed(tx, "tags", strings.ToLower(strings.TrimSpace(t)))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO document_tags (document_id, tag_id) VALUES (?, ?)`, docID, tagID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) insertConcepts(tx *sql.Tx, docID int64, concepts []string) error {
	for _, c := range concepts {
		conceptID, err := s.getOrCreateNamed(tx, "concepts", strings.ToLower(strings.TrimSpace(c)))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO document_concepts (document_id, concept_id) VALUES (?, ?)`, docID, conceptID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) getOrCreateNamed(tx *sql.Tx, table, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("empty name for table %s", table)
	}
	if _, err := tx.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (name) VALUES (?)`, table), name); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRow(fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, table), name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) insertChunks(tx *sql.Tx, docID int64, chunks []markdown.ParsedChunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		res, err := tx.Exec(`INSERT INTO chunks (document_id, ordinal, heading_path, content, token_estimate)
			VALUES (?, ?, ?, ?, ?)`, docID, c.Ordinal, c.HeadingPath, c.Content, c.TokenEstimate)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// writeEmbeddings computes and stores the document-level vector (over the
// title plus every chunk's content) and one vector per chunk.
func (s *SQLiteStore) writeEmbeddings(tx *sql.Tx, docID int64, parsed *markdown.ParsedDocument, chunkIDs []int64, embedder Embedder, now time.Time) error {
	var body strings.Builder
	body.WriteString(parsed.Title)
	for _, c := range parsed.Chunks {
		body.WriteString("\n")
		body.WriteString(c.Content)
	}

	docVec, err := embedder.Embed(body.String())
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	if err := s.putEmbedding(tx, "document", docID, docVec, embedder, now); err != nil {
		return err
	}

	for i, c := range parsed.Chunks {
		vec, err := embedder.Embed(c.Content)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", c.Ordinal, err)
		}
		if err := s.putEmbedding(tx, "chunk", chunkIDs[i], vec, embedder, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) putEmbedding(tx *sql.Tx, ownerType string, ownerID int64, vec []float32, embedder Embedder, now time.Time) error {
	_, err := tx.Exec(`INSERT INTO embeddings (owner_type, owner_id, vector, dimension, backend, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_type, owner_id) DO UPDATE SET
			vector = excluded.vector, dimension = excluded.dimension,
			backend = excluded.backend, generated_at = excluded.generated_at`,
		ownerType, ownerID, encodeVector(vec), embedder.Dimension(), embedder.BackendID(), formatTime(now))
	return err
}

func (s *SQLiteStore) flushCache(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM query_cache`)
	return err
}

// --- DeleteByPath ---------------------------------------------------------

// DeleteByPath deletes the document at path and everything it owns, via
// foreign-key cascade, and flushes the query cache. Returns false if no
// document existed at that path.
func (s *SQLiteStore) DeleteByPath(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	defer tx.Rollback()

	// The embeddings table is keyed by (owner_type, owner_id) with no
	// foreign key, so the documents cascade doesn't reach it; clear both
	// ownership levels before the owning rows disappear.
	_, err = tx.Exec(`DELETE FROM embeddings WHERE owner_type = 'chunk' AND owner_id IN
		(SELECT c.id FROM chunks c JOIN documents d ON d.id = c.document_id WHERE d.path = ?)`, path)
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	_, err = tx.Exec(`DELETE FROM embeddings WHERE owner_type = 'document' AND owner_id IN
		(SELECT id FROM documents WHERE path = ?)`, path)
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}

	res, err := tx.Exec(`DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.flushCache(tx); err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	return n > 0, nil
}

// --- GetDocument ----------------------------------------------------------

// GetDocument returns document metadata plus an optionally filtered and
// truncated body (spec §4.A).
func (s *SQLiteStore) GetDocument(id int64, opts GetDocumentOptions) (*DocumentView, error) {
	var doc Document
	var createdAt, updatedAt string
	err := s.reader().QueryRow(`SELECT id, path, title, summary, category, token_estimate, content_hash,
		created_at, updated_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Path, &doc.Title, &doc.Summary, &doc.Category, &doc.TokenEstimate,
			&doc.ContentHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("document %d not found", id), nil)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)

	headings, err := s.loadHeadings(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	links, err := s.loadLinks(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	tags, err := s.loadNames("tags", "document_tags", "tag_id", id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	concepts, err := s.loadNames("concepts", "document_concepts", "concept_id", id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}

	view := &DocumentView{Document: doc, Headings: headings, Tags: tags, Concepts: concepts, Links: links}

	if !opts.IncludeContent {
		return view, nil
	}

	chunks, err := s.loadChunks(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	if opts.Section != "" {
		lower := strings.ToLower(opts.Section)
		filtered := chunks[:0]
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.HeadingPath), lower) {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
	}
	if opts.MaxTokens > 0 {
		chunks = truncateChunksToTokens(chunks, opts.MaxTokens)
	}
	view.Chunks = chunks
	return view, nil
}

// truncateChunksToTokens keeps whole leading chunks until the cumulative
// whitespace-token count would exceed maxTokens, preferring chunk
// boundaries over mid-chunk truncation: only a first chunk that alone
// exceeds maxTokens is cut, to its first maxTokens tokens.
func truncateChunksToTokens(chunks []Chunk, maxTokens int) []Chunk {
	var kept []Chunk
	total := 0
	for _, c := range chunks {
		if total+c.TokenEstimate > maxTokens {
			if total == 0 {
				words := strings.Fields(c.Content)
				if len(words) > maxTokens {
					words = words[:maxTokens]
				}
				c.Content = strings.Join(words, " ")
				c.TokenEstimate = len(words)
				kept = append(kept, c)
			}
			break
		}
		kept = append(kept, c)
		total += c.TokenEstimate
		if total >= maxTokens {
			break
		}
	}
	return kept
}

func (s *SQLiteStore) loadHeadings(docID int64) ([]Heading, error) {
	rows, err := s.reader().Query(`SELECT document_id, ordinal, level, text, anchor FROM headings
		WHERE document_id = ? ORDER BY ordinal ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Heading
	for rows.Next() {
		var h Heading
		if err := rows.Scan(&h.DocumentID, &h.Ordinal, &h.Level, &h.Text, &h.Anchor); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadLinks(docID int64) ([]Link, error) {
	rows, err := s.reader().Query(`SELECT id, document_id, target, is_external, status, checked_at
		FROM links WHERE document_id = ? ORDER BY id ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var checkedAt sql.NullString
		var external int
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.Target, &external, &l.Status, &checkedAt); err != nil {
			return nil, err
		}
		l.IsExternal = external != 0
		if checkedAt.Valid {
			t := parseTime(checkedAt.String)
			l.CheckedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadChunks(docID int64) ([]Chunk, error) {
	rows, err := s.reader().Query(`SELECT id, document_id, ordinal, heading_path, content, token_estimate
		FROM chunks WHERE document_id = ? ORDER BY ordinal ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.HeadingPath, &c.Content, &c.TokenEstimate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadNames(table, linkTable, linkCol string, docID int64) ([]string, error) {
	q := fmt.Sprintf(`SELECT %s.name FROM %s JOIN %s ON %s.%s = %s.id
		WHERE %s.document_id = ? ORDER BY %s.name ASC`,
		table, table, linkTable, linkTable, linkCol, table, linkTable, table)
	rows, err := s.reader().Query(q, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// --- ListByConcept ---------------------------------------------------------

// ListByConcept returns up to limit documents tagged with the given concept
// (case-folded), most recently updated first.
func (s *SQLiteStore) ListByConcept(concept string, limit int) ([]DocumentSummary, error) {
	rows, err := s.reader().Query(`SELECT d.id, d.path, d.title, d.summary, d.category
		FROM documents d
		JOIN document_concepts dc ON dc.document_id = d.id
		JOIN concepts c ON c.id = dc.concept_id
		WHERE c.name = ?
		ORDER BY d.updated_at DESC
		LIMIT ?`, strings.ToLower(strings.TrimSpace(concept)), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.ID, &d.Path, &d.Title, &d.Summary, &d.Category); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Stats / HealthReport / EmbeddingCoverage ------------------------------

// Stats returns a snapshot of index size and ingestion health.
func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&st.DocumentCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&st.ChunkCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&st.EmbeddingCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&st.TagCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM concepts`).Scan(&st.ConceptCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM links WHERE status = 'broken'`).Scan(&st.BrokenLinkCount); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'queued'`).Scan(&st.EventsQueued); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'in_flight'`).Scan(&st.EventsInFlight); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'failed'`).Scan(&st.EventsFailed); err != nil {
		return st, apperrors.Wrap(apperrors.Retry, err)
	}
	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			st.DatabaseSizeByte = info.Size()
		}
	}
	return st, nil
}

// HealthReport runs SQLite's integrity_check and reports the verdict.
func (s *SQLiteStore) HealthReport() (HealthReport, error) {
	var result string
	if err := s.reader().QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return HealthReport{}, apperrors.Wrap(apperrors.Corrupt, err)
	}
	report := HealthReport{Healthy: result == "ok", IntegrityCheck: result}
	if !report.Healthy {
		report.Issues = append(report.Issues, result)
	}
	return report, nil
}

// EmbeddingCoverage reports how much of the corpus has embeddings matching
// the currently active backend.
func (s *SQLiteStore) EmbeddingCoverage(activeBackend string) (EmbeddingCoverage, error) {
	cov := EmbeddingCoverage{ActiveBackend: activeBackend}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&cov.DocumentsTotal); err != nil {
		return cov, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM embeddings WHERE owner_type = 'document' AND backend = ?`,
		activeBackend).Scan(&cov.DocumentsCurrent); err != nil {
		return cov, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&cov.ChunksTotal); err != nil {
		return cov, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.reader().QueryRow(`SELECT COUNT(*) FROM embeddings WHERE owner_type = 'chunk' AND backend = ?`,
		activeBackend).Scan(&cov.ChunksCurrent); err != nil {
		return cov, apperrors.Wrap(apperrors.Retry, err)
	}
	return cov, nil
}

// ActiveEmbeddingBackend returns the backend id recorded on the most recent
// successful UpsertDocument, or "" if nothing has been ingested yet.
func (s *SQLiteStore) ActiveEmbeddingBackend() (string, error) {
	var v string
	err := s.reader().QueryRow(`SELECT value FROM kv_state WHERE key = 'embedder_backend'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.Retry, err)
	}
	return v, nil
}

// RegenerateEmbeddings re-embeds every document and chunk unconditionally
// (spec §4.F's explicit regenerate_embeddings operation), for use after an
// embedding backend change.
func (s *SQLiteStore) RegenerateEmbeddings(embedder Embedder) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, title FROM documents`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	type docRow struct {
		id    int64
		title string
	}
	var docs []docRow
	for rows.Next() {
		var d docRow
		if err := rows.Scan(&d.id, &d.title); err != nil {
			rows.Close()
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		docs = append(docs, d)
	}
	rows.Close()

	now := nowUTC()
	count := 0
	for _, d := range docs {
		chunkRows, err := tx.Query(`SELECT id, content FROM chunks WHERE document_id = ? ORDER BY ordinal ASC`, d.id)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		var body strings.Builder
		body.WriteString(d.title)
		type chunkRow struct {
			id      int64
			content string
		}
		var chunks []chunkRow
		for chunkRows.Next() {
			var c chunkRow
			if err := chunkRows.Scan(&c.id, &c.content); err != nil {
				chunkRows.Close()
				return 0, apperrors.Wrap(apperrors.Retry, err)
			}
			chunks = append(chunks, c)
			body.WriteString("\n")
			body.WriteString(c.content)
		}
		chunkRows.Close()

		docVec, err := embedder.Embed(body.String())
		if err != nil {
			return 0, apperrors.Wrap(apperrors.Backend, err)
		}
		if err := s.putEmbedding(tx, "document", d.id, docVec, embedder, now); err != nil {
			return 0, apperrors.Wrap(apperrors.Retry, err)
		}
		for _, c := range chunks {
			vec, err := embedder.Embed(c.content)
			if err != nil {
				return 0, apperrors.Wrap(apperrors.Backend, err)
			}
			if err := s.putEmbedding(tx, "chunk", c.id, vec, embedder, now); err != nil {
				return 0, apperrors.Wrap(apperrors.Retry, err)
			}
		}
		count++
	}

	if err := s.setState(tx, "embedder_backend", embedder.BackendID()); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.flushCache(tx); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return count, nil
}

// --- SearchCorpus -----------------------------------------------------------

// SearchCorpus loads every document together with the data the Retriever
// needs to score it: its concept set, its own vector, its chunks and their
// vectors, and its deduplicated lowercase body token set.
func (s *SQLiteStore) SearchCorpus() ([]IndexedDocument, error) {
	rows, err := s.reader().Query(`SELECT id, path, title, summary, category, token_estimate,
		content_hash, created_at, updated_at FROM documents ORDER BY id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	var docs []Document
	for rows.Next() {
		var d Document
		var createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Path, &d.Title, &d.Summary, &d.Category, &d.TokenEstimate,
			&d.ContentHash, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		docs = append(docs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}

	out := make([]IndexedDocument, 0, len(docs))
	for _, d := range docs {
		concepts, err := s.loadNames("concepts", "document_concepts", "concept_id", d.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		chunks, err := s.loadChunks(d.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		headings, err := s.loadHeadings(d.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}

		var docVec []byte
		_ = s.reader().QueryRow(`SELECT vector FROM embeddings WHERE owner_type='document' AND owner_id=?`, d.ID).Scan(&docVec)

		chunkVectors := make(map[int64][]float32, len(chunks))
		for _, c := range chunks {
			var v []byte
			if err := s.reader().QueryRow(`SELECT vector FROM embeddings WHERE owner_type='chunk' AND owner_id=?`, c.ID).Scan(&v); err == nil {
				chunkVectors[c.ID] = decodeVector(v)
			}
		}

		tokens := make(map[string]struct{})
		addTokens(tokens, d.Title)
		for _, h := range headings {
			addTokens(tokens, h.Text)
		}
		for _, c := range chunks {
			addTokens(tokens, c.Content)
		}

		out = append(out, IndexedDocument{
			Document:     d,
			Concepts:     concepts,
			Vector:       decodeVector(docVec),
			Chunks:       chunks,
			ChunkVectors: chunkVectors,
			BodyTokens:   tokens,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Document.ID < out[j].Document.ID })
	return out, nil
}

func addTokens(set map[string]struct{}, text string) {
	for _, f := range strings.Fields(text) {
		set[strings.ToLower(f)] = struct{}{}
	}
}

// --- QueryCache -------------------------------------------------------------

// GetCacheEntry returns the cache entry for hash if present and not older
// than ttl, bumping its hit_count and last_accessed. An expired entry is
// evicted and (nil, false, nil) is returned.
func (s *SQLiteStore) GetCacheEntry(hash string, ttl time.Duration) (*QueryCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Retry, err)
	}
	defer tx.Rollback()

	var idsCSV, createdAt, lastAccessed string
	var hitCount int
	err = tx.QueryRow(`SELECT result_document_ids, created_at, last_accessed, hit_count
		FROM query_cache WHERE query_hash = ?`, hash).Scan(&idsCSV, &createdAt, &lastAccessed, &hitCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Retry, err)
	}

	created := parseTime(createdAt)
	if nowUTC().Sub(created) > ttl {
		if _, err := tx.Exec(`DELETE FROM query_cache WHERE query_hash = ?`, hash); err != nil {
			return nil, false, apperrors.Wrap(apperrors.Retry, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, apperrors.Wrap(apperrors.Retry, err)
		}
		return nil, false, nil
	}

	now := nowUTC()
	if _, err := tx.Exec(`UPDATE query_cache SET hit_count = hit_count + 1, last_accessed = ?
		WHERE query_hash = ?`, formatTime(now), hash); err != nil {
		return nil, false, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, apperrors.Wrap(apperrors.Retry, err)
	}

	entry := &QueryCacheEntry{
		QueryHash:         hash,
		ResultDocumentIDs: parseIDCSV(idsCSV),
		CreatedAt:         created,
		LastAccessed:      now,
		HitCount:          hitCount + 1,
	}
	return entry, true, nil
}

// PutCacheEntry stores (or replaces) the cache entry for hash with the
// given ordered result ids.
func (s *SQLiteStore) PutCacheEntry(hash string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(nowUTC())
	_, err := s.db.Exec(`INSERT INTO query_cache (query_hash, result_document_ids, created_at, last_accessed, hit_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(query_hash) DO UPDATE SET result_document_ids=excluded.result_document_ids,
			created_at=excluded.created_at, last_accessed=excluded.last_accessed, hit_count=0`,
		hash, formatIDCSV(ids), now, now)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}

func formatIDCSV(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

func parseIDCSV(csv string) []int64 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var id int64
		if _, err := fmt.Sscanf(p, "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// --- Links (link checker support) -------------------------------------------

// LinkWithPath is a Link joined with its owning document's path, used by
// the link checker.
type LinkWithPath struct {
	Link
	DocumentPath string
}

// AllLinks returns every link in the corpus, optionally restricted to
// external targets.
func (s *SQLiteStore) AllLinks(externalOnly bool) ([]LinkWithPath, error) {
	q := `SELECT l.id, l.document_id, l.target, l.is_external, l.status, l.checked_at, d.path
		FROM links l JOIN documents d ON d.id = l.document_id`
	if externalOnly {
		q += ` WHERE l.is_external = 1`
	}
	rows, err := s.reader().Query(q)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	defer rows.Close()

	var out []LinkWithPath
	for rows.Next() {
		var lwp LinkWithPath
		var checkedAt sql.NullString
		var external int
		if err := rows.Scan(&lwp.ID, &lwp.DocumentID, &lwp.Target, &external, &lwp.Status, &checkedAt, &lwp.DocumentPath); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		lwp.IsExternal = external != 0
		if checkedAt.Valid {
			t := parseTime(checkedAt.String)
			lwp.CheckedAt = &t
		}
		out = append(out, lwp)
	}
	return out, rows.Err()
}

// SetLinkStatus records the outcome of a liveness check for one link.
func (s *SQLiteStore) SetLinkStatus(id int64, status LinkStatus, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE links SET status = ?, checked_at = ? WHERE id = ?`,
		status, formatTime(checkedAt), id)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}
