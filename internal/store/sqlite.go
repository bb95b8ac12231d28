package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	verrors "github.com/vaultindex/vaultindex/internal/errors"
)

// sqliteHeader is the first 16 bytes of every SQLite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// SQLiteStore implements DocumentStore on a single SQLite database file.
// WAL mode permits concurrent readers across processes; the connection pool
// is capped at one so in-process writes serialize through database/sql.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Verify interface implementation at compile time.
var _ DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. An in-memory database is used when path is empty (tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if err := checkSQLiteFile(path); err != nil {
			return nil, err
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: modernc.org/sqlite serializes writers per
	// connection, and one connection avoids in-process lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params are
	// ignored by the driver.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
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

// checkSQLiteFile refuses to open a non-empty file that is not a SQLite
// database, rather than corrupting whatever it is.
func checkSQLiteFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat database: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open database for validation: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(sqliteHeader))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("read database header: %w", err)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return verrors.New(verrors.ErrCodeDatabaseForeign,
			fmt.Sprintf("%s exists but is not a SQLite database; move it aside or pick another path", path), nil)
	}
	return nil
}

// initSchema creates the document, lease, and meta tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		vault        TEXT NOT NULL,
		path         TEXT NOT NULL,
		mtime_ms     INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		embedding    BLOB,
		dims         INTEGER NOT NULL DEFAULT 0,
		model        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (vault, path)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_vault ON documents(vault);

	-- Single-slot writer lease. slot is constrained to 1 so there can
	-- never be more than one PRIMARY row.
	CREATE TABLE IF NOT EXISTS lease (
		slot         INTEGER PRIMARY KEY CHECK (slot = 1),
		holder       TEXT NOT NULL,
		token        TEXT NOT NULL,
		heartbeat_ms INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertDocuments writes a batch of documents in one transaction.
func (s *SQLiteStore) UpsertDocuments(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.StorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (vault, path, mtime_ms, content_hash, embedding, dims, model)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vault, path) DO UPDATE SET
			mtime_ms     = excluded.mtime_ms,
			content_hash = excluded.content_hash,
			embedding    = excluded.embedding,
			dims         = excluded.dims,
			model        = excluded.model`)
	if err != nil {
		return verrors.StorageError("prepare upsert", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, doc := range docs {
		var blob []byte
		if doc.Embedding != nil {
			blob = serializeEmbedding(doc.Embedding)
		}
		if _, err := stmt.ExecContext(ctx,
			doc.Vault, doc.Path, doc.ModTime.UnixMilli(), doc.ContentHash,
			blob, doc.Dimensions, doc.Model); err != nil {
			return verrors.StorageError(fmt.Sprintf("upsert %s/%s", doc.Vault, doc.Path), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return verrors.StorageError("commit batch", err)
	}
	return nil
}

// DeleteDocument removes a document by key.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, key DocumentKey) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE vault = ? AND path = ?", key.Vault, key.Path)
	if err != nil {
		return verrors.StorageError(fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

// GetDocument fetches one document, or nil if absent.
func (s *SQLiteStore) GetDocument(ctx context.Context, key DocumentKey) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mtime_ms, content_hash, embedding, dims, model
		FROM documents WHERE vault = ? AND path = ?`, key.Vault, key.Path)

	var (
		mtimeMS int64
		doc     = Document{Vault: key.Vault, Path: key.Path}
		blob    []byte
	)
	err := row.Scan(&mtimeMS, &doc.ContentHash, &blob, &doc.Dimensions, &doc.Model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, verrors.StorageError(fmt.Sprintf("get %s", key), err)
	}

	doc.ModTime = time.UnixMilli(mtimeMS)
	if blob != nil {
		doc.Embedding = deserializeEmbedding(blob)
	}
	return &doc, nil
}

// GetHashes returns hash-gate info for the given paths of one vault.
func (s *SQLiteStore) GetHashes(ctx context.Context, vault string, paths []string) (map[string]HashInfo, error) {
	result := make(map[string]HashInfo, len(paths))
	if len(paths) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?, ", len(paths)-1) + "?"
	args := make([]any, 0, len(paths)+1)
	args = append(args, vault)
	for _, p := range paths {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT path, content_hash, model, embedding IS NOT NULL
		FROM documents WHERE vault = ? AND path IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, verrors.StorageError("get hashes", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			path string
			info HashInfo
		)
		if err := rows.Scan(&path, &info.ContentHash, &info.Model, &info.HasVector); err != nil {
			return nil, verrors.StorageError("scan hash row", err)
		}
		result[path] = info
	}
	return result, rows.Err()
}

// ListPaths returns all indexed paths for a vault.
func (s *SQLiteStore) ListPaths(ctx context.Context, vault string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM documents WHERE vault = ? ORDER BY path", vault)
	if err != nil {
		return nil, verrors.StorageError("list paths", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, verrors.StorageError("scan path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ListEmbedded returns every document that currently has an embedding.
func (s *SQLiteStore) ListEmbedded(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault, path, mtime_ms, content_hash, embedding, dims, model
		FROM documents WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, verrors.StorageError("list embedded", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		var (
			doc     Document
			mtimeMS int64
			blob    []byte
		)
		if err := rows.Scan(&doc.Vault, &doc.Path, &mtimeMS, &doc.ContentHash,
			&blob, &doc.Dimensions, &doc.Model); err != nil {
			return nil, verrors.StorageError("scan document", err)
		}
		doc.ModTime = time.UnixMilli(mtimeMS)
		doc.Embedding = deserializeEmbedding(blob)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// ListUnembedded returns document keys whose embedding has been cleared.
func (s *SQLiteStore) ListUnembedded(ctx context.Context) ([]DocumentKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT vault, path FROM documents WHERE embedding IS NULL")
	if err != nil {
		return nil, verrors.StorageError("list unembedded", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []DocumentKey
	for rows.Next() {
		var k DocumentKey
		if err := rows.Scan(&k.Vault, &k.Path); err != nil {
			return nil, verrors.StorageError("scan key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ClearEmbeddings nulls all embeddings while retaining content hashes, so a
// model change re-embeds without re-reading unchanged files, and records
// the new model.
func (s *SQLiteStore) ClearEmbeddings(ctx context.Context, newModel string, newDims int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.StorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET embedding = NULL, dims = 0, model = ''"); err != nil {
		return verrors.StorageError("clear embeddings", err)
	}
	if err := setMetaTx(ctx, tx, metaKeyModel, newModel); err != nil {
		return err
	}
	if err := setMetaTx(ctx, tx, metaKeyDims, fmt.Sprintf("%d", newDims)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return verrors.StorageError("commit clear", err)
	}
	return nil
}

// CountDocuments returns the total number of indexed documents.
func (s *SQLiteStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	if err != nil {
		return 0, verrors.StorageError("count documents", err)
	}
	return n, nil
}

// Meta keys.
const (
	metaKeyModel = "embedding_model"
	metaKeyDims  = "embedding_dims"
)

// StoredModel returns the model name and dimension recorded in the database.
func (s *SQLiteStore) StoredModel(ctx context.Context) (string, int, error) {
	model, err := s.getMeta(ctx, metaKeyModel)
	if err != nil {
		return "", 0, err
	}
	dimsStr, err := s.getMeta(ctx, metaKeyDims)
	if err != nil {
		return "", 0, err
	}
	dims := 0
	if dimsStr != "" {
		if _, err := fmt.Sscanf(dimsStr, "%d", &dims); err != nil {
			return "", 0, verrors.StorageError("parse stored dims", err)
		}
	}
	return model, dims, nil
}

// SetStoredModel records the model name and dimension.
func (s *SQLiteStore) SetStoredModel(ctx context.Context, model string, dims int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.StorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := setMetaTx(ctx, tx, metaKeyModel, model); err != nil {
		return err
	}
	if err := setMetaTx(ctx, tx, metaKeyDims, fmt.Sprintf("%d", dims)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return verrors.StorageError("commit meta", err)
	}
	return nil
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", verrors.StorageError("get meta "+key, err)
	}
	return value, nil
}

func setMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return verrors.StorageError("set meta "+key, err)
	}
	return nil
}

// Path returns the database file path ("" for in-memory stores).
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// serializeEmbedding packs a vector as little-endian float32 bytes.
func serializeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding unpacks little-endian float32 bytes into a vector.
func deserializeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
