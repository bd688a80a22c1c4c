// Package memory implements the Loci memory engine: the write path
// (classification, dedup, supersession), the read path (hybrid search with
// rank fusion and token budgeting), relations, and the maintenance cycle.
package memory

import (
	"github.com/locimem/loci/internal/config"
	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
)

// Service owns the process-wide store handle and embedder and exposes the
// six tool operations plus maintenance, export, and re-embedding.
type Service struct {
	store    *db.Store
	embedder embedding.Provider
	cfg      *config.Config
}

// NewService wires the engine together. The store and embedder are shared,
// process-wide resources; do not create one service per request.
func NewService(store *db.Store, embedder embedding.Provider, cfg *config.Config) *Service {
	return &Service{store: store, embedder: embedder, cfg: cfg}
}

// Store exposes the underlying store (stats, diagnostics).
func (s *Service) Store() *db.Store {
	return s.store
}

// truncate shortens content to at most maxChars bytes on a rune boundary,
// appending "..." when cut.
func truncate(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	end := 0
	for i := range content {
		if i > maxChars {
			break
		}
		end = i
	}
	return content[:end] + "..."
}
