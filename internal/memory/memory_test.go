package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/locimem/loci/internal/config"
	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
	"github.com/locimem/loci/internal/models"
)

// newTestService opens a fresh store in a temp dir with the deterministic
// stub embedder and default configuration.
func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg, err := loadTestConfig(t)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), cfg.Embedding.Model)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, embedding.Stub{}, cfg)
}

// loadTestConfig returns the default configuration.
func loadTestConfig(t *testing.T) (*config.Config, error) {
	t.Helper()
	return config.LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
}

// axisVector returns a unit vector along one dimension.
func axisVector(dim int) []float32 {
	v := make([]float32, models.EmbeddingDim)
	v[dim] = 1
	return v
}

// nearVector returns a unit vector close to the given axis (cosine ~0.997).
func nearVector(dim int) []float32 {
	v := make([]float32, models.EmbeddingDim)
	v[dim] = 0.99
	v[(dim+1)%models.EmbeddingDim] = 0.07
	return embedding.L2Normalize(v)
}

// seed inserts a memory row directly with a handcrafted embedding,
// bypassing the dedup gate.
func seed(t *testing.T, svc *Service, p insertParams) string {
	t.Helper()
	if p.id == "" {
		p.id = models.NewID()
	}
	if p.group == "" {
		p.group = "default"
	}
	if p.confidence == 0 {
		p.confidence = 1.0
	}
	err := svc.store.Write(context.Background(), func(tx *sql.Tx) error {
		return insertMemory(context.Background(), tx, p)
	})
	if err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	return p.id
}

// setCreatedAt backdates a memory for compaction and cleanup tests.
func setCreatedAt(t *testing.T, svc *Service, id string, at time.Time) {
	t.Helper()
	err := svc.store.Write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(),
			"UPDATE memories SET created_at = ? WHERE id = ?", at, id)
		return err
	})
	if err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}

// getMemory loads one row for assertions.
func getMemory(t *testing.T, svc *Service, id string) models.Memory {
	t.Helper()
	rows, err := svc.fetchMemories(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("fetch memory: %v", err)
	}
	mem, ok := rows[id]
	if !ok {
		t.Fatalf("memory %s not found", id)
	}
	return mem
}

// countRows counts rows matching a condition.
func countRows(t *testing.T, svc *Service, query string, args ...any) int {
	t.Helper()
	var count int
	if err := svc.store.DB().QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return count
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := "héllo wörld this is a much longer string that will definitely exceed the preview limit of eighty characters"
	got := truncate(long, 80)
	if len(got) > 84 {
		t.Errorf("truncated length = %d, want <= 84", len(got))
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("truncated string should end with ellipsis: %q", got)
	}
}
