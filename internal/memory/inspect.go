package memory

import (
	"context"
	"fmt"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/models"
)

// RelationEntry is one edge in an inspect response, with a preview of the
// memory on the far side. Direction is "out" (this memory is subject) or
// "in" (this memory is object).
type RelationEntry struct {
	Direction string         `json:"direction"`
	Predicate string         `json:"predicate"`
	Other     RelationTarget `json:"other"`
}

// RelationTarget identifies the counterpart of a relation.
type RelationTarget struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

// InspectResponse is the memory_inspect result.
type InspectResponse struct {
	Memory    models.Memory       `json:"memory"`
	Relations []RelationEntry     `json:"relations,omitempty"`
	Log       []models.AuditEntry `json:"log,omitempty"`
}

// Inspect returns the full memory row, optionally its one-hop relations in
// both directions, and optionally its audit trail in ascending sequence.
// A missing id is models.ErrNotFound.
func (s *Service) Inspect(ctx context.Context, id string, includeRelations, includeLog bool) (*InspectResponse, error) {
	rows, err := s.fetchMemories(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	mem, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: memory %s", models.ErrNotFound, id)
	}

	resp := &InspectResponse{Memory: mem}

	if includeRelations {
		resp.Relations, err = s.relationsFor(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if includeLog {
		resp.Log, err = s.auditFor(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// relationsFor lists outgoing then incoming relations for a memory.
func (s *Service) relationsFor(ctx context.Context, id string) ([]RelationEntry, error) {
	var entries []RelationEntry

	queries := []struct {
		direction string
		sql       string
	}{
		{"out", `SELECT er.predicate, m.id, m.type, m.content
			FROM entity_relations er JOIN memories m ON er.object_id = m.id
			WHERE er.subject_id = ? ORDER BY er.created_at`},
		{"in", `SELECT er.predicate, m.id, m.type, m.content
			FROM entity_relations er JOIN memories m ON er.subject_id = m.id
			WHERE er.object_id = ? ORDER BY er.created_at`},
	}

	for _, q := range queries {
		rows, err := s.store.DB().QueryContext(ctx, q.sql, id)
		if err != nil {
			return nil, fmt.Errorf("%w: list relations: %v", models.ErrStore, err)
		}
		for rows.Next() {
			var predicate, otherID, otherType, content string
			if err := rows.Scan(&predicate, &otherID, &otherType, &content); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: scan relation: %v", models.ErrStore, err)
			}
			entries = append(entries, RelationEntry{
				Direction: q.direction,
				Predicate: predicate,
				Other: RelationTarget{
					ID:      otherID,
					Type:    otherType,
					Preview: truncate(content, previewChars),
				},
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: list relations: %v", models.ErrStore, err)
		}
		rows.Close()
	}
	return entries, nil
}

// auditFor returns the memory_log entries for one memory id, oldest first.
func (s *Service) auditFor(ctx context.Context, id string) ([]models.AuditEntry, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT seq, operation, memory_id, details, created_at
		FROM memory_log WHERE memory_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: read audit log: %v", models.ErrStore, err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			entry      models.AuditEntry
			detailsRaw any
		)
		if err := rows.Scan(&entry.Seq, &entry.Operation, &entry.MemoryID, &detailsRaw, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", models.ErrStore, err)
		}
		entry.Details = db.ScanJSON(detailsRaw)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
