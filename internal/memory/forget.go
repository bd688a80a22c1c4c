package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/models"
)

// ForgetResult is the forget_memory response.
type ForgetResult struct {
	ID          string `json:"id"`
	HardDeleted bool   `json:"hard_deleted"`
	NotFound    bool   `json:"not_found,omitempty"`
}

// Forget removes a memory from recall. Soft forget (default) marks the row
// superseded by the "forgotten" sentinel; hard delete removes the row, its
// keyword and vector entries, and every relation referencing it. Both forms
// are idempotent; a missing id returns not_found without auditing anything.
func (s *Service) Forget(ctx context.Context, id string, reason string, hardDelete bool) (*ForgetResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory_id must not be empty", models.ErrInvalidInput)
	}

	var result ForgetResult
	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) > 0 FROM memories WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: check memory: %v", models.ErrStore, err)
		}
		if !exists {
			result = ForgetResult{ID: id, NotFound: true}
			return nil
		}

		details := map[string]any{"hard_delete": hardDelete}
		if reason != "" {
			details["reason"] = reason
		}

		if !hardDelete {
			if _, err := tx.ExecContext(ctx,
				"UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ?",
				models.Forgotten, db.Now(), id); err != nil {
				return fmt.Errorf("%w: soft forget: %v", models.ErrStore, err)
			}
			if err := db.InsertAudit(ctx, tx, models.OpSupersede, id, details); err != nil {
				return err
			}
			result = ForgetResult{ID: id}
			return nil
		}

		if err := hardDeleteMemory(ctx, tx, id, details); err != nil {
			return err
		}
		result = ForgetResult{ID: id, HardDeleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// hardDeleteMemory removes a memory's row, keyword entry, vector entry, and
// all relations referencing it, inside the enclosing transaction. The audit
// entry outlives the row.
func hardDeleteMemory(ctx context.Context, tx *sql.Tx, id string, details map[string]any) error {
	steps := []struct {
		name string
		sql  string
		args []any
	}{
		{"delete keyword row", "DELETE FROM memories_fts WHERE id = ?", []any{id}},
		{"delete vector row", "DELETE FROM memories_vec WHERE id = ?", []any{id}},
		{"delete relations", "DELETE FROM entity_relations WHERE subject_id = ? OR object_id = ?", []any{id, id}},
		{"delete memory", "DELETE FROM memories WHERE id = ?", []any{id}},
	}

	if err := db.InsertAudit(ctx, tx, models.OpDelete, id, details); err != nil {
		return err
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.sql, step.args...); err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrStore, step.name, err)
		}
	}
	return nil
}
