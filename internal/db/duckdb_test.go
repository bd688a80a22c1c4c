package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/locimem/loci/internal/models"
)

const testModel = "all-MiniLM-L6-v2"

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), testModel)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	store, err := Open(path, testModel)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "memory.db")

	store, err := Open(path, testModel)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Database file was not created in nested directory")
	}
}

func TestMigrations(t *testing.T) {
	store := setupTestStore(t)

	t.Run("reaches current version", func(t *testing.T) {
		version, err := GetSchemaVersion(store.DB())
		if err != nil {
			t.Fatalf("GetSchemaVersion failed: %v", err)
		}
		if version != CurrentSchemaVersion {
			t.Errorf("schema version = %d, want %d", version, CurrentSchemaVersion)
		}
	})

	t.Run("records embedding model", func(t *testing.T) {
		model, err := GetEmbeddingModel(store.DB())
		if err != nil {
			t.Fatalf("GetEmbeddingModel failed: %v", err)
		}
		if model != testModel {
			t.Errorf("embedding model = %q, want %q", model, testModel)
		}
	})
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(path, testModel)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	store.Close()

	store, err = Open(path, testModel)
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	defer store.Close()

	version, err := GetSchemaVersion(store.DB())
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("schema version = %d after reopen, want %d", version, CurrentSchemaVersion)
	}
}

func TestWriteCommits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, type, content, scope, created_at, updated_at)
			VALUES ('m1', 'semantic', 'hello', 'global', ?, ?)`, Now(), Now())
		return err
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("memories count = %d, want 1", count)
	}
}

func TestWriteRollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, type, content, scope, created_at, updated_at)
			VALUES ('m1', 'semantic', 'hello', 'global', ?, ?)`, Now(), Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Write error = %v, want boom", err)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("memories count after rollback = %d, want 0", count)
	}
}

func TestInsertAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, func(tx *sql.Tx) error {
		if err := InsertAudit(ctx, tx, models.OpCreate, "m1", nil); err != nil {
			return err
		}
		return InsertAudit(ctx, tx, models.OpDelete, "m1", map[string]any{"reason": "test"})
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rows, err := store.DB().Query("SELECT seq, operation FROM memory_log ORDER BY seq")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	var ops []string
	prevSeq := int64(0)
	for rows.Next() {
		var seq int64
		var op string
		if err := rows.Scan(&seq, &op); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if seq <= prevSeq {
			t.Errorf("audit seq not monotonic: %d after %d", seq, prevSeq)
		}
		prevSeq = seq
		ops = append(ops, op)
	}
	if len(ops) != 2 || ops[0] != "create" || ops[1] != "delete" {
		t.Errorf("audit ops = %v, want [create delete]", ops)
	}
}

func TestRefreshFTS(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO memories_fts (id, content) VALUES ('m1', 'the quantum computer operates at low temperatures')")
		return err
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := store.RefreshFTS(ctx); err != nil {
		t.Fatalf("RefreshFTS failed: %v", err)
	}

	var id string
	var score float64
	err = store.DB().QueryRow(`
		SELECT id, score FROM (
			SELECT id, fts_main_memories_fts.match_bm25(id, 'quantum') AS score
			FROM memories_fts
		) WHERE score IS NOT NULL`).Scan(&id, &score)
	if err != nil {
		t.Fatalf("BM25 query failed: %v", err)
	}
	if id != "m1" {
		t.Errorf("matched id = %q, want m1", id)
	}

	// Second refresh with no writes is a no-op.
	if err := store.RefreshFTS(ctx); err != nil {
		t.Fatalf("second RefreshFTS failed: %v", err)
	}
}

func TestScanHelpers(t *testing.T) {
	t.Run("ScanEmbedding handles interface slices", func(t *testing.T) {
		got := ScanEmbedding([]any{float32(0.5), float32(0.25)})
		if len(got) != 2 || got[0] != 0.5 || got[1] != 0.25 {
			t.Errorf("ScanEmbedding = %v", got)
		}
	})

	t.Run("ScanJSON handles strings and maps", func(t *testing.T) {
		m := ScanJSON(`{"summary": true}`)
		if m == nil || m["summary"] != true {
			t.Errorf("ScanJSON(string) = %v", m)
		}
		m = ScanJSON(map[string]any{"category": "prefs"})
		if m["category"] != "prefs" {
			t.Errorf("ScanJSON(map) = %v", m)
		}
		if ScanJSON(nil) != nil {
			t.Error("ScanJSON(nil) should be nil")
		}
	})
}
