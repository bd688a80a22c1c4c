package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
	"github.com/locimem/loci/internal/models"
)

// StoreRequest carries the parameters of a store_memory call.
type StoreRequest struct {
	Content    string         `json:"content"`
	Type       string         `json:"type"`
	Scope      string         `json:"scope,omitempty"`
	Group      string         `json:"group,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Supersedes string         `json:"supersedes,omitempty"`
}

// StoreResult is the response of a store_memory call.
type StoreResult struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Deduplicated bool   `json:"deduplicated"`
	Superseded   string `json:"superseded,omitempty"`
}

// StoreMemory runs the full write path: normalize, embed, dedup gate, insert
// across the three index tables, supersession, audit. Everything after the
// embedding happens in one transaction.
func (s *Service) StoreMemory(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content must not be empty", models.ErrInvalidInput)
	}
	memType, err := models.ParseMemoryType(req.Type)
	if err != nil {
		return nil, err
	}

	scope := memType.DefaultScope()
	if req.Scope != "" {
		if scope, err = models.ParseScope(req.Scope); err != nil {
			return nil, err
		}
	}

	group := req.Group
	if group == "" {
		group = s.cfg.Storage.DefaultGroup
	}

	confidence := 1.0
	if req.Confidence != nil {
		confidence = models.ClampConfidence(*req.Confidence)
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	var result StoreResult
	err = s.store.Write(ctx, func(tx *sql.Tx) error {
		if req.Supersedes != "" {
			if err := checkSupersedesTarget(ctx, tx, req.Supersedes); err != nil {
				return err
			}
		}

		hit, err := findDedup(ctx, tx, memType, vector, content, s.cfg.Retrieval.DedupThreshold)
		if err != nil {
			return err
		}
		if hit != "" {
			if err := applyDedup(ctx, tx, hit, req.Metadata); err != nil {
				return err
			}
			result = StoreResult{ID: hit, Type: string(memType), Deduplicated: true}
			return nil
		}

		id := models.NewID()
		if err := insertMemory(ctx, tx, insertParams{
			id:         id,
			memType:    memType,
			content:    content,
			scope:      scope,
			group:      group,
			confidence: confidence,
			metadata:   req.Metadata,
			embedding:  vector,
		}); err != nil {
			return err
		}
		if err := db.InsertAudit(ctx, tx, models.OpCreate, id, nil); err != nil {
			return err
		}

		result = StoreResult{ID: id, Type: string(memType)}
		if req.Supersedes != "" {
			if err := markSuperseded(ctx, tx, req.Supersedes, id); err != nil {
				return err
			}
			if err := db.InsertAudit(ctx, tx, models.OpSupersede, req.Supersedes,
				map[string]any{"superseded_by": id}); err != nil {
				return err
			}
			result.Superseded = req.Supersedes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("id", result.ID).Str("type", result.Type).
		Bool("deduplicated", result.Deduplicated).Msg("memory stored")
	return &result, nil
}

// checkSupersedesTarget verifies the supersedes target exists and is live.
// Runs before any write so a bad target persists nothing.
func checkSupersedesTarget(ctx context.Context, tx *sql.Tx, id string) error {
	var supersededBy sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT superseded_by FROM memories WHERE id = ?", id).Scan(&supersededBy)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: supersedes target not found: %s", models.ErrInvalidInput, id)
	}
	if err != nil {
		return fmt.Errorf("%w: check supersedes target: %v", models.ErrStore, err)
	}
	if supersededBy.Valid {
		return fmt.Errorf("%w: supersedes target already superseded: %s", models.ErrInvalidInput, id)
	}
	return nil
}

// findDedup returns the id of a live same-type memory whose embedding is
// within the dedup threshold of vector, or "" when none qualifies. The
// textual refutation guard keeps contradicting statements apart even at
// high cosine similarity.
func findDedup(ctx context.Context, q db.Querier, memType models.MemoryType, vector []float32, content string, threshold float64) (string, error) {
	var (
		id       string
		existing string
		dist     float64
	)
	err := q.QueryRowContext(ctx, `
		SELECT v.id, m.content, array_distance(v.embedding, ?::FLOAT[384]) AS dist
		FROM memories_vec v
		JOIN memories m ON m.id = v.id
		WHERE m.type = ? AND m.superseded_by IS NULL
		ORDER BY dist
		LIMIT 1`,
		db.EmbeddingJSON(vector), string(memType)).Scan(&id, &existing, &dist)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: dedup query: %v", models.ErrStore, err)
	}
	if dist > embedding.CosineToL2(threshold) {
		return "", nil
	}
	if refutes(existing, content) {
		return "", nil
	}
	return id, nil
}

// negationMarkers flag statements that invert meaning while staying close in
// embedding space ("prefers Rust" vs "no longer prefers Rust").
var negationMarkers = []string{"not", "no", "never", "stopped", "no longer"}

// refutes reports whether exactly one of the two case-folded contents
// carries a negation marker, which makes a dedup merge unsafe.
func refutes(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

func hasNegation(content string) bool {
	folded := " " + strings.ToLower(content) + " "
	for _, marker := range negationMarkers {
		if strings.Contains(folded, " "+marker+" ") {
			return true
		}
	}
	return strings.Contains(folded, "n't ")
}

// applyDedup bumps the existing memory on a dedup hit: updated_at, access
// count, confidence (+0.1 clamped), and a shallow metadata merge.
func applyDedup(ctx context.Context, tx *sql.Tx, id string, newMetadata map[string]any) error {
	if len(newMetadata) > 0 {
		var raw any
		err := tx.QueryRowContext(ctx, "SELECT metadata FROM memories WHERE id = ?", id).Scan(&raw)
		if err != nil {
			return fmt.Errorf("%w: read metadata: %v", models.ErrStore, err)
		}
		merged := db.ScanJSON(raw)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range newMetadata {
			merged[k] = v
		}
		if _, err := tx.ExecContext(ctx, "UPDATE memories SET metadata = ? WHERE id = ?",
			db.JSONValue(merged), id); err != nil {
			return fmt.Errorf("%w: merge metadata: %v", models.ErrStore, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET updated_at = ?, access_count = access_count + 1,
		    confidence = LEAST(confidence + 0.1, 1.0)
		WHERE id = ?`, db.Now(), id)
	if err != nil {
		return fmt.Errorf("%w: dedup update: %v", models.ErrStore, err)
	}
	return db.InsertAudit(ctx, tx, models.OpUpdate, id, map[string]any{"reason": "dedup"})
}

type insertParams struct {
	id         string
	memType    models.MemoryType
	content    string
	scope      models.Scope
	group      string
	confidence float64
	metadata   map[string]any
	embedding  []float32
	// createdAt overrides the insert instant (compaction summaries).
	createdAt any
}

// insertMemory writes the memory row plus its keyword and vector index rows.
// Must run inside a write transaction.
func insertMemory(ctx context.Context, tx *sql.Tx, p insertParams) error {
	now := db.Now()
	createdAt := any(now)
	if p.createdAt != nil {
		createdAt = p.createdAt
	}

	var metadataJSON any
	if len(p.metadata) > 0 {
		metadataJSON = db.JSONValue(p.metadata)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		p.id, string(p.memType), p.content, string(p.scope), p.group,
		models.ClampConfidence(p.confidence), createdAt, now, metadataJSON); err != nil {
		return fmt.Errorf("%w: insert memory: %v", models.ErrStore, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_fts (id, content) VALUES (?, ?)", p.id, p.content); err != nil {
		return fmt.Errorf("%w: insert keyword row: %v", models.ErrStore, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_vec (id, embedding) VALUES (?, ?::FLOAT[384])",
		p.id, db.EmbeddingJSON(p.embedding)); err != nil {
		return fmt.Errorf("%w: insert vector row: %v", models.ErrStore, err)
	}
	return nil
}

// markSuperseded hides a live row behind its replacement.
func markSuperseded(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ?",
		newID, db.Now(), oldID)
	if err != nil {
		return fmt.Errorf("%w: mark superseded: %v", models.ErrStore, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: supersedes target not found: %s", models.ErrInvalidInput, oldID)
	}
	return nil
}
