// Package db wraps the embedded DuckDB store: schema, migrations, the
// single-writer transaction discipline, and the keyword/vector extensions.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/models"
)

// Store wraps DuckDB operations for all Loci tables.
//
// Concurrency: at most one mutating transaction at a time (writeMu); readers
// query the shared *sql.DB concurrently and see the last committed state.
type Store struct {
	db   *sql.DB
	path string

	writeMu  sync.Mutex
	ftsDirty atomic.Bool
}

// Open opens (or creates) the database at path, loads the vss and fts
// extensions, initializes the schema, runs pending migrations, and verifies
// the recorded embedding identity against the configured model.
func Open(path, model string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := runMigrations(db, model); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := store.verifyEmbeddingIdentity(model); err != nil {
		db.Close()
		return nil, err
	}

	// Keyword index must be rebuilt before the first search.
	store.ftsDirty.Store(true)

	log.Info().Str("path", path).Msg("database ready")
	return store, nil
}

// initialize sets up extensions and the schema.
func (s *Store) initialize() error {
	setup := `
		INSTALL vss;
		LOAD vss;
		INSTALL fts;
		LOAD fts;
		SET hnsw_enable_experimental_persistence = true;

		CREATE TABLE IF NOT EXISTS memories (
			id VARCHAR PRIMARY KEY,
			type VARCHAR NOT NULL CHECK (type IN ('episodic','semantic','procedural','entity')),
			content VARCHAR NOT NULL,
			scope VARCHAR NOT NULL DEFAULT 'global' CHECK (scope IN ('global','group')),
			source_group VARCHAR,
			confidence DOUBLE NOT NULL DEFAULT 1.0 CHECK (confidence >= 0.0 AND confidence <= 1.0),
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			superseded_by VARCHAR,
			metadata JSON
		);

		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories (type);
		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories (scope);
		CREATE INDEX IF NOT EXISTS idx_memories_group ON memories (source_group);
		CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories (superseded_by);

		-- Keyword index rows; the BM25 index over them is built lazily.
		CREATE TABLE IF NOT EXISTS memories_fts (
			id VARCHAR PRIMARY KEY,
			content VARCHAR NOT NULL
		);

		-- Vector index rows, one fixed-dimension embedding per memory.
		CREATE TABLE IF NOT EXISTS memories_vec (
			id VARCHAR PRIMARY KEY,
			embedding FLOAT[384] NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entity_relations (
			id VARCHAR PRIMARY KEY,
			subject_id VARCHAR NOT NULL,
			predicate VARCHAR NOT NULL,
			object_id VARCHAR NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (subject_id, predicate, object_id)
		);

		CREATE INDEX IF NOT EXISTS idx_relations_subject ON entity_relations (subject_id);
		CREATE INDEX IF NOT EXISTS idx_relations_object ON entity_relations (object_id);

		CREATE SEQUENCE IF NOT EXISTS memory_log_seq;
		CREATE TABLE IF NOT EXISTS memory_log (
			seq BIGINT PRIMARY KEY DEFAULT nextval('memory_log_seq'),
			operation VARCHAR NOT NULL CHECK (operation IN ('create','update','supersede','decay','compact','delete')),
			memory_id VARCHAR NOT NULL,
			details JSON,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS schema_meta (
			key VARCHAR PRIMARY KEY,
			value VARCHAR NOT NULL
		);

		INSERT OR IGNORE INTO schema_meta (key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(setup); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	// Vector scans stay correct without the HNSW index; creation failures
	// (e.g. pre-existing index) are not fatal.
	_, _ = s.db.Exec("CREATE INDEX IF NOT EXISTS idx_memories_vec_hnsw ON memories_vec USING HNSW (embedding) WITH (metric = 'l2sq')")

	return nil
}

// verifyEmbeddingIdentity checks the recorded embedding dimension and model.
// A dimension mismatch is fatal: stored vectors cannot be compared with the
// configured model's output and must be re-embedded offline.
func (s *Store) verifyEmbeddingIdentity(model string) error {
	var dim string
	err := s.db.QueryRow("SELECT value FROM schema_meta WHERE key = 'embedding_dim'").Scan(&dim)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(
			"INSERT INTO schema_meta (key, value) VALUES ('embedding_dim', ?)",
			fmt.Sprint(models.EmbeddingDim)); err != nil {
			return fmt.Errorf("record embedding dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read embedding dimension: %w", err)
	case dim != fmt.Sprint(models.EmbeddingDim):
		return fmt.Errorf("store holds %s-dimensional embeddings but the configured model produces %d; run `loci re-embed`", dim, models.EmbeddingDim)
	}

	stored, err := GetEmbeddingModel(s.db)
	if err != nil {
		return err
	}
	if stored != "" && stored != model {
		log.Warn().Str("stored", stored).Str("configured", model).
			Msg("embedding model changed; run `loci re-embed` to update all vectors")
	}
	return nil
}

// DB exposes the underlying handle for read queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Write runs fn inside a mutating transaction under the process-wide write
// lock. On error the transaction is rolled back, leaving all indexes
// consistent. A committed write marks the keyword index dirty.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", models.ErrStore, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrStore, err)
	}
	s.ftsDirty.Store(true)
	return nil
}

// RefreshFTS rebuilds the BM25 index over memories_fts if any write happened
// since the last build. DuckDB's fts index is a snapshot rather than
// incrementally maintained, so writers flag it dirty and the next keyword
// search rebuilds it.
func (s *Store) RefreshFTS(ctx context.Context) error {
	if !s.ftsDirty.Load() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.ftsDirty.Load() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"PRAGMA create_fts_index('memories_fts', 'id', 'content', stemmer := 'porter', lower := 1, strip_accents := 1, overwrite := 1)")
	if err != nil {
		return fmt.Errorf("%w: rebuild fts index: %v", models.ErrStore, err)
	}
	s.ftsDirty.Store(false)
	return nil
}

// FileSize returns the database file size in bytes, or 0 when unknown.
func (s *Store) FileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close checkpoints the journal and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Querier is satisfied by both *sql.DB and *sql.Tx so shared helpers work
// inside and outside transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Now returns the current UTC instant at millisecond resolution, the
// granularity all timestamps are stored at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// EmbeddingJSON encodes a vector as a JSON array literal for binding into
// FLOAT[384] columns and casts.
func EmbeddingJSON(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// JSONValue encodes a metadata map for binding into JSON columns.
func JSONValue(m map[string]any) string {
	data, _ := json.Marshal(m)
	return string(data)
}

// ScanEmbedding converts a scanned FLOAT[] column value back to []float32.
// DuckDB returns arrays as []interface{} with float32 elements.
func ScanEmbedding(raw any) []float32 {
	switch v := raw.(type) {
	case []float32:
		return v
	case []any:
		out := make([]float32, len(v))
		for i, val := range v {
			switch f := val.(type) {
			case float32:
				out[i] = f
			case float64:
				out[i] = float32(f)
			}
		}
		return out
	}
	return nil
}

// ScanJSON decodes a JSON column value into a map. DuckDB may hand back JSON
// columns as string or as an already-decoded map depending on the driver path.
func ScanJSON(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	}
	return nil
}

// InsertAudit appends one memory_log row inside the enclosing transaction.
func InsertAudit(ctx context.Context, q Querier, operation, memoryID string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO memory_log (operation, memory_id, details, created_at) VALUES (?, ?, ?, ?)",
		operation, memoryID, detailsJSON, Now())
	if err != nil {
		return fmt.Errorf("%w: insert audit: %v", models.ErrStore, err)
	}
	return nil
}
