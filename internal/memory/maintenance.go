package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
	"github.com/locimem/loci/internal/models"
)

// summaryMaxBytes bounds a compaction summary's content.
const summaryMaxBytes = 4096

// DecayResult reports how many live rows each type's decay pass touched.
type DecayResult struct {
	AffectedByType map[string]int `json:"affected_by_type"`
}

// CompactResult reports the episodic compaction pass.
type CompactResult struct {
	GroupsCompacted   int `json:"groups_compacted"`
	MemoriesCompacted int `json:"memories_compacted"`
	SummariesCreated  int `json:"summaries_created"`
}

// PromoteResult reports the episodic-to-semantic promotion pass.
type PromoteResult struct {
	ClustersFound    int `json:"clusters_found"`
	SemanticsCreated int `json:"semantics_created"`
}

// CleanupCandidate is one stale memory the cleanup sweep would remove.
type CleanupCandidate struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Confidence   float64    `json:"confidence"`
	Preview      string     `json:"preview"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CleanupResult reports (or previews) the cleanup sweep.
type CleanupResult struct {
	Candidates []CleanupCandidate `json:"candidates"`
	Deleted    int                `json:"deleted"`
	DryRun     bool               `json:"dry_run"`
}

// MaintenanceReport combines the three ordered maintenance passes.
type MaintenanceReport struct {
	Decay   DecayResult   `json:"decay"`
	Compact CompactResult `json:"compact"`
	Promote PromoteResult `json:"promote"`
}

// RunMaintenance runs decay, compaction, and promotion in order, each in its
// own transaction. Cleanup is a separate on-demand call.
func (s *Service) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	decay, err := s.Decay(ctx)
	if err != nil {
		return nil, err
	}
	compact, err := s.Compact(ctx)
	if err != nil {
		return nil, err
	}
	promote, err := s.Promote(ctx)
	if err != nil {
		return nil, err
	}
	return &MaintenanceReport{Decay: *decay, Compact: *compact, Promote: *promote}, nil
}

// Decay multiplies every live row's confidence by its type's factor,
// clamped into [0, 1]. One audit entry per type carries the old and new
// values of every touched row.
func (s *Service) Decay(ctx context.Context) (*DecayResult, error) {
	result := &DecayResult{AffectedByType: make(map[string]int)}

	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		for _, memType := range models.Types {
			factor := memType.DecayFactor(
				s.cfg.Maintenance.EpisodicDecayFactor,
				s.cfg.Maintenance.SemanticDecayFactor)

			rows, err := tx.QueryContext(ctx, `
				SELECT id, confidence FROM memories
				WHERE type = ? AND superseded_by IS NULL AND confidence > 0.0
				ORDER BY id`, string(memType))
			if err != nil {
				return fmt.Errorf("%w: select decay rows: %v", models.ErrStore, err)
			}
			var changes []map[string]any
			for rows.Next() {
				var id string
				var old float64
				if err := rows.Scan(&id, &old); err != nil {
					rows.Close()
					return fmt.Errorf("%w: scan decay row: %v", models.ErrStore, err)
				}
				changes = append(changes, map[string]any{
					"id": id, "old": old, "new": models.ClampConfidence(old * factor),
				})
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("%w: select decay rows: %v", models.ErrStore, err)
			}
			rows.Close()

			if len(changes) == 0 {
				result.AffectedByType[string(memType)] = 0
				continue
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE memories
				SET confidence = LEAST(1.0, GREATEST(0.0, confidence * ?)), updated_at = ?
				WHERE type = ? AND superseded_by IS NULL AND confidence > 0.0`,
				factor, db.Now(), string(memType)); err != nil {
				return fmt.Errorf("%w: apply decay: %v", models.ErrStore, err)
			}

			if err := db.InsertAudit(ctx, tx, models.OpDecay, "batch:"+string(memType), map[string]any{
				"type":     string(memType),
				"factor":   factor,
				"affected": len(changes),
				"memories": changes,
			}); err != nil {
				return err
			}
			result.AffectedByType[string(memType)] = len(changes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Interface("affected", result.AffectedByType).Msg("decay pass complete")
	return result, nil
}

// compactMember is one episodic row eligible for compaction.
type compactMember struct {
	id          string
	content     string
	sourceGroup string
	scope       string
	confidence  float64
	createdAt   time.Time
	embedding   []float32
}

// Compact folds aged episodic memories into one summary per
// (source_group, ISO week) bucket. The summary is deterministic: member
// contents joined and truncated, mean member embedding re-normalized,
// confidence the member maximum, created_at the latest member's. Members
// are superseded by the summary.
func (s *Service) Compact(ctx context.Context) (*CompactResult, error) {
	cutoff := db.Now().AddDate(0, 0, -s.cfg.Maintenance.CompactionAgeDays)
	result := &CompactResult{}

	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.id, m.content, m.source_group, m.scope, m.confidence, m.created_at, v.embedding
			FROM memories m
			JOIN memories_vec v ON m.id = v.id
			WHERE m.type = 'episodic' AND m.superseded_by IS NULL AND m.created_at < ?
			ORDER BY m.created_at`, cutoff)
		if err != nil {
			return fmt.Errorf("%w: select compaction rows: %v", models.ErrStore, err)
		}

		groups := make(map[string][]compactMember)
		var keys []string
		for rows.Next() {
			var (
				m           compactMember
				sourceGroup sql.NullString
				rawVec      any
			)
			if err := rows.Scan(&m.id, &m.content, &sourceGroup, &m.scope, &m.confidence, &m.createdAt, &rawVec); err != nil {
				rows.Close()
				return fmt.Errorf("%w: scan compaction row: %v", models.ErrStore, err)
			}
			m.sourceGroup = sourceGroup.String
			m.embedding = db.ScanEmbedding(rawVec)

			key := m.sourceGroup + "|" + isoWeekKey(m.createdAt)
			if _, seen := groups[key]; !seen {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("%w: select compaction rows: %v", models.ErrStore, err)
		}
		rows.Close()

		sort.Strings(keys)
		for _, key := range keys {
			members := groups[key]
			if len(members) < s.cfg.Maintenance.CompactionMinGroupSize {
				continue
			}
			if err := s.compactGroup(ctx, tx, members, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("groups", result.GroupsCompacted).Int("memories", result.MemoriesCompacted).
		Msg("compaction pass complete")
	return result, nil
}

// compactGroup creates one summary and supersedes the group's members.
func (s *Service) compactGroup(ctx context.Context, tx *sql.Tx, members []compactMember, result *CompactResult) error {
	contents := make([]string, len(members))
	vectors := make([][]float32, len(members))
	memberIDs := make([]string, len(members))
	confidence := 0.0
	latest := members[0].createdAt
	for i, m := range members {
		contents[i] = m.content
		vectors[i] = m.embedding
		memberIDs[i] = m.id
		if m.confidence > confidence {
			confidence = m.confidence
		}
		if m.createdAt.After(latest) {
			latest = m.createdAt
		}
	}

	summary := truncate(joinContents(contents), summaryMaxBytes)
	summaryID := models.NewID()

	if err := insertMemory(ctx, tx, insertParams{
		id:         summaryID,
		memType:    models.Episodic,
		content:    summary,
		scope:      models.Scope(members[0].scope),
		group:      members[0].sourceGroup,
		confidence: confidence,
		metadata:   map[string]any{"summary": true},
		embedding:  embedding.Mean(vectors),
		createdAt:  latest,
	}); err != nil {
		return err
	}
	if err := db.InsertAudit(ctx, tx, models.OpCreate, summaryID, nil); err != nil {
		return err
	}

	now := db.Now()
	for _, id := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ?",
			summaryID, now, id); err != nil {
			return fmt.Errorf("%w: supersede member: %v", models.ErrStore, err)
		}
	}

	if err := db.InsertAudit(ctx, tx, models.OpCompact, summaryID, map[string]any{
		"member_ids": memberIDs,
		"summary_id": summaryID,
	}); err != nil {
		return err
	}

	result.GroupsCompacted++
	result.MemoriesCompacted += len(members)
	result.SummariesCreated++
	return nil
}

func joinContents(contents []string) string {
	out := ""
	for i, c := range contents {
		if i > 0 {
			out += "\n\n"
		}
		out += c
	}
	return out
}

// isoWeekKey formats a timestamp's ISO week like "2026-W08".
func isoWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// promoteCandidate is one live episodic row considered for promotion.
type promoteCandidate struct {
	id          string
	content     string
	sourceGroup string
	accessCount int
	embedding   []float32
}

// Promote finds clusters of similar live episodic memories and distills each
// into a new semantic fact. Seeds iterate in descending access_count; the
// sources stay live so their event context survives.
func (s *Service) Promote(ctx context.Context) (*PromoteResult, error) {
	result := &PromoteResult{}

	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.id, m.content, m.source_group, m.access_count, v.embedding
			FROM memories m
			JOIN memories_vec v ON m.id = v.id
			WHERE m.type = 'episodic' AND m.superseded_by IS NULL
			ORDER BY m.access_count DESC, m.id`)
		if err != nil {
			return fmt.Errorf("%w: select promotion candidates: %v", models.ErrStore, err)
		}
		var candidates []promoteCandidate
		for rows.Next() {
			var (
				c           promoteCandidate
				sourceGroup sql.NullString
				rawVec      any
			)
			if err := rows.Scan(&c.id, &c.content, &sourceGroup, &c.accessCount, &rawVec); err != nil {
				rows.Close()
				return fmt.Errorf("%w: scan promotion candidate: %v", models.ErrStore, err)
			}
			c.sourceGroup = sourceGroup.String
			c.embedding = db.ScanEmbedding(rawVec)
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("%w: select promotion candidates: %v", models.ErrStore, err)
		}
		rows.Close()

		clustered := make(map[string]bool)
		for _, seed := range candidates {
			if clustered[seed.id] {
				continue
			}

			cluster := []string{seed.id}
			for _, other := range candidates {
				if other.id == seed.id || clustered[other.id] {
					continue
				}
				if embedding.Cosine(seed.embedding, other.embedding) >= s.cfg.Maintenance.PromotionSimilarity {
					cluster = append(cluster, other.id)
				}
			}
			if len(cluster) < s.cfg.Maintenance.PromotionThreshold {
				continue
			}

			result.ClustersFound++
			for _, id := range cluster {
				clustered[id] = true
			}

			// Re-running promotion must not mint duplicate facts; the dedup
			// gate against live semantics makes the pass idempotent.
			hit, err := findDedup(ctx, tx, models.Semantic, seed.embedding, seed.content, s.cfg.Retrieval.DedupThreshold)
			if err != nil {
				return err
			}
			if hit != "" {
				continue
			}

			id := models.NewID()
			if err := insertMemory(ctx, tx, insertParams{
				id:         id,
				memType:    models.Semantic,
				content:    seed.content,
				scope:      models.ScopeGlobal,
				group:      seed.sourceGroup,
				confidence: 1.0,
				metadata: map[string]any{
					"promoted_from": cluster,
					"cluster_size":  len(cluster),
				},
				embedding: seed.embedding,
			}); err != nil {
				return err
			}
			if err := db.InsertAudit(ctx, tx, models.OpCreate, id, map[string]any{"reason": "promotion"}); err != nil {
				return err
			}
			result.SemanticsCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("clusters", result.ClustersFound).Int("created", result.SemanticsCreated).
		Msg("promotion pass complete")
	return result, nil
}

// Cleanup hard-deletes live memories whose confidence dropped under the
// floor and that have not been accessed within the no-access window. With
// dryRun the sweep only reports its candidates.
func (s *Service) Cleanup(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	threshold := db.Now().AddDate(0, 0, -s.cfg.Maintenance.CleanupNoAccessDays)

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, type, confidence, content, last_accessed, created_at
		FROM memories
		WHERE superseded_by IS NULL
		  AND confidence < ?
		  AND (last_accessed IS NULL OR last_accessed < ?)
		ORDER BY id`, s.cfg.Maintenance.CleanupConfidenceFloor, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: select cleanup candidates: %v", models.ErrStore, err)
	}
	defer rows.Close()

	result := &CleanupResult{DryRun: dryRun, Candidates: []CleanupCandidate{}}
	for rows.Next() {
		var (
			c            CleanupCandidate
			content      string
			lastAccessed sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Type, &c.Confidence, &content, &lastAccessed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan cleanup candidate: %v", models.ErrStore, err)
		}
		c.Preview = truncate(content, previewChars)
		if lastAccessed.Valid {
			t := lastAccessed.Time
			c.LastAccessed = &t
		}
		result.Candidates = append(result.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select cleanup candidates: %v", models.ErrStore, err)
	}

	if dryRun || len(result.Candidates) == 0 {
		return result, nil
	}

	err = s.store.Write(ctx, func(tx *sql.Tx) error {
		for _, c := range result.Candidates {
			details := map[string]any{"reason": "cleanup", "hard_delete": true}
			if err := hardDeleteMemory(ctx, tx, c.ID, details); err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("deleted", result.Deleted).Msg("cleanup sweep complete")
	return result, nil
}
