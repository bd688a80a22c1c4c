package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/models"
)

// RelationResult is the store_relation response.
type RelationResult struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated"`
}

// StoreRelation inserts a directed (subject, predicate, object) triple
// between two entity memories. Idempotent on the full triple: repeating the
// call returns the existing relation id.
func (s *Service) StoreRelation(ctx context.Context, subjectID, predicate, objectID string) (*RelationResult, error) {
	if subjectID == "" || objectID == "" {
		return nil, fmt.Errorf("%w: subject_id and object_id must not be empty", models.ErrInvalidInput)
	}
	if predicate == "" {
		return nil, fmt.Errorf("%w: predicate must not be empty", models.ErrInvalidInput)
	}

	var result RelationResult
	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		for _, ref := range []struct{ role, id string }{
			{"subject", subjectID},
			{"object", objectID},
		} {
			if err := requireEntity(ctx, tx, ref.role, ref.id); err != nil {
				return err
			}
		}

		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM entity_relations
			WHERE subject_id = ? AND predicate = ? AND object_id = ?`,
			subjectID, predicate, objectID).Scan(&existing)
		if err == nil {
			result = RelationResult{ID: existing, Deduplicated: true}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("%w: check relation: %v", models.ErrStore, err)
		}

		id := models.NewID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_relations (id, subject_id, predicate, object_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, subjectID, predicate, objectID, db.Now()); err != nil {
			return fmt.Errorf("%w: insert relation: %v", models.ErrStore, err)
		}
		result = RelationResult{ID: id}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// requireEntity verifies a memory exists and has entity type.
func requireEntity(ctx context.Context, q db.Querier, role, id string) error {
	var typ string
	err := q.QueryRowContext(ctx, "SELECT type FROM memories WHERE id = ?", id).Scan(&typ)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s memory not found: %s", models.ErrInvalidInput, role, id)
	}
	if err != nil {
		return fmt.Errorf("%w: check %s: %v", models.ErrStore, role, err)
	}
	if typ != string(models.Entity) {
		return fmt.Errorf("%w: %s memory must be entity type, got %s", models.ErrInvalidInput, role, typ)
	}
	return nil
}
