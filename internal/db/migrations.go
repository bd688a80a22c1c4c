package db

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
)

// CurrentSchemaVersion is the schema version this binary expects.
const CurrentSchemaVersion = 2

// GetSchemaVersion reads the stored schema version.
func GetSchemaVersion(db Querierx) (int, error) {
	var val string
	err := db.QueryRow("SELECT value FROM schema_meta WHERE key = 'schema_version'").Scan(&val)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", val, err)
	}
	return v, nil
}

// Querierx is the minimal non-context query surface used by migrations.
type Querierx interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// GetEmbeddingModel returns the recorded embedding model identifier, or ""
// when none has been recorded yet.
func GetEmbeddingModel(db Querierx) (string, error) {
	var val string
	err := db.QueryRow("SELECT value FROM schema_meta WHERE key = 'embedding_model'").Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read embedding model: %w", err)
	}
	return val, nil
}

// SetEmbeddingModel records the embedding model identifier.
func SetEmbeddingModel(db Querierx, model string) error {
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_meta (key, value) VALUES ('embedding_model', ?)", model); err != nil {
		return fmt.Errorf("record embedding model: %w", err)
	}
	return nil
}

// runMigrations brings the schema forward to CurrentSchemaVersion. Each
// migration runs in its own transaction; a failed migration aborts startup
// and leaves the file at the version it had reached.
func runMigrations(db *sql.DB, model string) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for version < CurrentSchemaVersion {
		next := version + 1
		log.Info().Int("from", version).Int("to", next).Msg("running migration")

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}

		switch next {
		case 2:
			err = migrateV1ToV2(tx, model)
		default:
			tx.Rollback()
			return fmt.Errorf("unknown migration target %d", next)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", next, err)
		}

		if _, err := tx.Exec("UPDATE schema_meta SET value = ? WHERE key = 'schema_version'", strconv.Itoa(next)); err != nil {
			tx.Rollback()
			return fmt.Errorf("update schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", next, err)
		}
		version = next
	}

	log.Debug().Int("schema_version", version).Msg("schema up to date")
	return nil
}

// migrateV1ToV2 records the embedding model identity in schema_meta.
func migrateV1ToV2(tx *sql.Tx, model string) error {
	_, err := tx.Exec("INSERT OR IGNORE INTO schema_meta (key, value) VALUES ('embedding_model', ?)", model)
	return err
}
