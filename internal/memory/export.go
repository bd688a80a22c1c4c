package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/models"
)

// Export is the portable dump format: memories without embeddings, plus
// relations. Embeddings are recomputed on import.
type Export struct {
	Memories  []models.Memory         `json:"memories"`
	Relations []models.EntityRelation `json:"relations"`
}

// ExportAll dumps every memory row (live and superseded) and all relations.
func (s *Service) ExportAll(ctx context.Context) (*Export, error) {
	out := &Export{Memories: []models.Memory{}, Relations: []models.EntityRelation{}}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, type, content, scope, source_group, confidence, access_count,
		       last_accessed, created_at, updated_at, superseded_by, metadata
		FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: export memories: %v", models.ErrStore, err)
	}
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out.Memories = append(out.Memories, mem)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: export memories: %v", models.ErrStore, err)
	}
	rows.Close()

	relRows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, subject_id, predicate, object_id, created_at
		FROM entity_relations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: export relations: %v", models.ErrStore, err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var rel models.EntityRelation
		if err := relRows.Scan(&rel.ID, &rel.SubjectID, &rel.Predicate, &rel.ObjectID, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan relation: %v", models.ErrStore, err)
		}
		out.Relations = append(out.Relations, rel)
	}
	return out, relRows.Err()
}

// importBatchSize bounds one embedding batch during import and re-embed.
const importBatchSize = 64

// ImportAll loads an export into the store, preserving ids and timestamps
// and recomputing every embedding with the configured model.
func (s *Service) ImportAll(ctx context.Context, data *Export) error {
	if s.embedder.Dimensions() != models.EmbeddingDim {
		return fmt.Errorf("%w: embedder produces %d dimensions, store requires %d",
			models.ErrInvalidInput, s.embedder.Dimensions(), models.EmbeddingDim)
	}
	for _, mem := range data.Memories {
		if mem.ID == "" || mem.Content == "" {
			return fmt.Errorf("%w: import row missing id or content", models.ErrInvalidInput)
		}
		if _, err := models.ParseMemoryType(string(mem.Type)); err != nil {
			return err
		}
	}

	for start := 0; start < len(data.Memories); start += importBatchSize {
		end := start + importBatchSize
		if end > len(data.Memories) {
			end = len(data.Memories)
		}
		batch := data.Memories[start:end]

		texts := make([]string, len(batch))
		for i, mem := range batch {
			texts[i] = mem.Content
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}

		err = s.store.Write(ctx, func(tx *sql.Tx) error {
			for i, mem := range batch {
				if err := importMemory(ctx, tx, mem, vectors[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		for _, rel := range data.Relations {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO entity_relations (id, subject_id, predicate, object_id, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				rel.ID, rel.SubjectID, rel.Predicate, rel.ObjectID, rel.CreatedAt); err != nil {
				return fmt.Errorf("%w: import relation: %v", models.ErrStore, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("memories", len(data.Memories)).Int("relations", len(data.Relations)).
		Msg("import complete")
	return nil
}

// importMemory inserts one exported row with its original id and timestamps.
func importMemory(ctx context.Context, tx *sql.Tx, mem models.Memory, vector []float32) error {
	var metadataJSON any
	if len(mem.Metadata) > 0 {
		metadataJSON = db.JSONValue(mem.Metadata)
	}
	var supersededBy any
	if mem.SupersededBy != "" {
		supersededBy = mem.SupersededBy
	}
	var lastAccessed any
	if mem.LastAccessed != nil {
		lastAccessed = *mem.LastAccessed
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, scope, source_group, confidence, access_count,
		                      last_accessed, created_at, updated_at, superseded_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, string(mem.Type), mem.Content, string(mem.Scope), mem.SourceGroup,
		models.ClampConfidence(mem.Confidence), mem.AccessCount, lastAccessed,
		mem.CreatedAt, mem.UpdatedAt, supersededBy, metadataJSON); err != nil {
		return fmt.Errorf("%w: import memory %s: %v", models.ErrStore, mem.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_fts (id, content) VALUES (?, ?)", mem.ID, mem.Content); err != nil {
		return fmt.Errorf("%w: import keyword row: %v", models.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_vec (id, embedding) VALUES (?, ?::FLOAT[384])",
		mem.ID, db.EmbeddingJSON(vector)); err != nil {
		return fmt.Errorf("%w: import vector row: %v", models.ErrStore, err)
	}
	return nil
}

// ReEmbed recomputes every stored vector with the configured model in
// batches and records the model identity. Run offline after a model change.
func (s *Service) ReEmbed(ctx context.Context, model string) (int, error) {
	rows, err := s.store.DB().QueryContext(ctx, "SELECT id, content FROM memories ORDER BY id")
	if err != nil {
		return 0, fmt.Errorf("%w: select memories: %v", models.ErrStore, err)
	}
	var ids []string
	var texts []string
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan memory: %v", models.ErrStore, err)
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: select memories: %v", models.ErrStore, err)
	}
	rows.Close()

	updated := 0
	for start := 0; start < len(ids); start += importBatchSize {
		end := start + importBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return updated, err
		}
		err = s.store.Write(ctx, func(tx *sql.Tx) error {
			for i, id := range ids[start:end] {
				if _, err := tx.ExecContext(ctx, `
					INSERT OR REPLACE INTO memories_vec (id, embedding) VALUES (?, ?::FLOAT[384])`,
					id, db.EmbeddingJSON(vectors[i])); err != nil {
					return fmt.Errorf("%w: update vector: %v", models.ErrStore, err)
				}
			}
			return nil
		})
		if err != nil {
			return updated, err
		}
		updated += end - start
	}

	err = s.store.Write(ctx, func(tx *sql.Tx) error {
		return db.SetEmbeddingModel(tx, model)
	})
	if err != nil {
		return updated, err
	}

	log.Info().Int("updated", updated).Str("model", model).Msg("re-embed complete")
	return updated, nil
}
