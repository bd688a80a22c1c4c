package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/locimem/loci/internal/models"
)

// StatsResponse is the memory_stats result.
type StatsResponse struct {
	TotalMemories      int64            `json:"total_memories"`
	ActiveMemories     int64            `json:"active_memories"`
	SupersededMemories int64            `json:"superseded_memories"`
	ForgottenMemories  int64            `json:"forgotten_memories"`
	ByType             map[string]int64 `json:"by_type"`
	ByScope            map[string]int64 `json:"by_scope"`
	EntityRelations    int64            `json:"entity_relations"`
	DBSizeBytes        int64            `json:"db_size_bytes"`
	OldestMemory       *time.Time       `json:"oldest_memory,omitempty"`
	NewestMemory       *time.Time       `json:"newest_memory,omitempty"`
}

// Stats aggregates store counts. A non-empty group filters row-level counts
// to that source_group; relation counts follow the subject's group.
func (s *Service) Stats(ctx context.Context, group string) (*StatsResponse, error) {
	resp := &StatsResponse{
		ByType:  make(map[string]int64),
		ByScope: make(map[string]int64),
	}
	for _, t := range models.Types {
		resp.ByType[string(t)] = 0
	}
	resp.ByScope[string(models.ScopeGlobal)] = 0
	resp.ByScope[string(models.ScopeGroup)] = 0

	where := ""
	var args []any
	if group != "" {
		where = "WHERE source_group = ?"
		args = []any{group}
	}

	q := s.store.DB()

	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE superseded_by IS NULL),
		       COUNT(*) FILTER (WHERE superseded_by IS NOT NULL AND superseded_by <> 'forgotten'),
		       COUNT(*) FILTER (WHERE superseded_by = 'forgotten')
		FROM memories %s`, where), args...).
		Scan(&resp.TotalMemories, &resp.ActiveMemories, &resp.SupersededMemories, &resp.ForgottenMemories)
	if err != nil {
		return nil, fmt.Errorf("%w: count memories: %v", models.ErrStore, err)
	}

	for _, dim := range []struct {
		column string
		target map[string]int64
	}{
		{"type", resp.ByType},
		{"scope", resp.ByScope},
	} {
		rows, err := q.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s, COUNT(*) FROM memories %s GROUP BY %s", dim.column, where, dim.column), args...)
		if err != nil {
			return nil, fmt.Errorf("%w: count by %s: %v", models.ErrStore, dim.column, err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: scan %s count: %v", models.ErrStore, dim.column, err)
			}
			dim.target[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: count by %s: %v", models.ErrStore, dim.column, err)
		}
		rows.Close()
	}

	relSQL := "SELECT COUNT(*) FROM entity_relations"
	relArgs := []any{}
	if group != "" {
		relSQL = `SELECT COUNT(*) FROM entity_relations er
			JOIN memories m ON er.subject_id = m.id WHERE m.source_group = ?`
		relArgs = []any{group}
	}
	if err := q.QueryRowContext(ctx, relSQL, relArgs...).Scan(&resp.EntityRelations); err != nil {
		return nil, fmt.Errorf("%w: count relations: %v", models.ErrStore, err)
	}

	var oldest, newest sql.NullTime
	err = q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(created_at), MAX(created_at) FROM memories %s", where), args...).
		Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("%w: memory time range: %v", models.ErrStore, err)
	}
	if oldest.Valid {
		resp.OldestMemory = &oldest.Time
	}
	if newest.Valid {
		resp.NewestMemory = &newest.Time
	}

	resp.DBSizeBytes = s.store.FileSize()
	return resp, nil
}
