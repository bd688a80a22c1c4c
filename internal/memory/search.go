package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/models"
)

// RecallRequest carries the parameters of a recall_memory call. Exactly one
// of Query or IDs must be set.
type RecallRequest struct {
	Query         string   `json:"query,omitempty"`
	IDs           []string `json:"ids,omitempty"`
	Type          string   `json:"type,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	Group         string   `json:"group,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	SummaryOnly   bool     `json:"summary_only,omitempty"`
	TokenBudget   int      `json:"token_budget,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// SearchResult is one full-content recall item.
type SearchResult struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Score      float64        `json:"score"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SummaryResult is one compact item for progressive disclosure.
type SummaryResult struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Preview string  `json:"preview"`
	Score   float64 `json:"score"`
}

// RecallResponse is the recall_memory result. Results and Summaries are
// mutually exclusive depending on summary_only.
type RecallResponse struct {
	Results       []SearchResult  `json:"results,omitempty"`
	Summaries     []SummaryResult `json:"summaries,omitempty"`
	TotalMatched  int             `json:"total_matched"`
	TokenEstimate int             `json:"token_estimate"`
}

// previewChars is the summary preview length.
const previewChars = 80

// summaryTokens approximates the cost of one summary item (id + type +
// preview + score).
const summaryTokens = 20

// Recall dispatches to hybrid search or id hydration.
func (s *Service) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	hasQuery := strings.TrimSpace(req.Query) != ""
	hasIDs := len(req.IDs) > 0
	if hasQuery == hasIDs {
		return nil, fmt.Errorf("%w: exactly one of 'query' or 'ids' must be provided", models.ErrInvalidInput)
	}

	if req.TokenBudget <= 0 {
		if req.SummaryOnly {
			req.TokenBudget = s.cfg.Retrieval.PreloadTokenBudget
		} else {
			req.TokenBudget = s.cfg.Retrieval.RecallTokenBudget
		}
	}

	if hasIDs {
		return s.recallByIDs(ctx, req)
	}
	return s.recallByQuery(ctx, req)
}

// candidate is an internal row fetched for ranking.
type candidate struct {
	models.Memory
	score float64
}

// recallByQuery runs the hybrid search path: embed, parallel vector and
// keyword lookups, RRF fusion, post-filters, deterministic ordering, token
// budgeting, and a batched access bump.
func (s *Service) recallByQuery(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	maxResults := req.MaxResults
	if maxResults == 0 {
		maxResults = s.cfg.Retrieval.DefaultMaxResults
	}
	if maxResults < 1 || maxResults > 20 {
		return nil, fmt.Errorf("%w: max_results must be in 1..=20, got %d", models.ErrInvalidInput, maxResults)
	}

	group := req.Group
	if group == "" {
		group = s.cfg.Storage.DefaultGroup
	}
	minConfidence := 0.1
	if req.MinConfidence != nil {
		minConfidence = *req.MinConfidence
	}
	var typeFilter models.MemoryType
	if req.Type != "" {
		t, err := models.ParseMemoryType(req.Type)
		if err != nil {
			return nil, err
		}
		typeFilter = t
	}
	var scopeFilter models.Scope
	if req.Scope != "" {
		sc, err := models.ParseScope(req.Scope)
		if err != nil {
			return nil, err
		}
		scopeFilter = sc
	}

	queryVec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	limit := 4 * maxResults
	if limit < 40 {
		limit = 40
	}

	var (
		wg        sync.WaitGroup
		vecRanked []string
		ftsRanked []string
		vecErr    error
		ftsErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecRanked, vecErr = s.vectorSearch(ctx, queryVec, limit)
	}()
	go func() {
		defer wg.Done()
		ftsRanked, ftsErr = s.keywordSearch(ctx, req.Query, limit)
	}()
	wg.Wait()
	if vecErr != nil {
		return nil, vecErr
	}
	if ftsErr != nil {
		return nil, ftsErr
	}

	fused := rrfMerge(vecRanked, ftsRanked, s.cfg.Retrieval.RRFK)

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	rows, err := s.fetchMemories(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Post-filters run after fusion so a keyword-only match still surfaces.
	var filtered []candidate
	for _, f := range fused {
		mem, ok := rows[f.id]
		if !ok || !mem.Live() {
			continue
		}
		if mem.Scope == models.ScopeGroup && mem.SourceGroup != group {
			continue
		}
		if scopeFilter != "" && mem.Scope != scopeFilter {
			continue
		}
		if typeFilter != "" && mem.Type != typeFilter {
			continue
		}
		if mem.Confidence < minConfidence {
			continue
		}
		filtered = append(filtered, candidate{Memory: mem, score: f.score})
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		if !filtered[i].UpdatedAt.Equal(filtered[j].UpdatedAt) {
			return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})

	resp := s.admit(filtered, maxResults, req.TokenBudget, req.SummaryOnly)

	if err := s.bumpAccess(ctx, includedIDs(resp)); err != nil {
		return nil, err
	}

	log.Debug().Int("matched", resp.TotalMatched).Int("tokens", resp.TokenEstimate).
		Str("query", req.Query).Msg("recall complete")
	return resp, nil
}

// recallByIDs hydrates full rows for the given ids in input order. Unknown
// or superseded ids are silently omitted; the embedder is not needed.
func (s *Service) recallByIDs(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	rows, err := s.fetchMemories(ctx, req.IDs)
	if err != nil {
		return nil, err
	}

	var found []candidate
	for _, id := range req.IDs {
		mem, ok := rows[id]
		if !ok || !mem.Live() {
			continue
		}
		found = append(found, candidate{Memory: mem, score: 1.0})
	}

	resp := s.admit(found, len(req.IDs), req.TokenBudget, req.SummaryOnly)
	resp.TotalMatched = len(found)

	if err := s.bumpAccess(ctx, includedIDs(resp)); err != nil {
		return nil, err
	}
	return resp, nil
}

// admit walks candidates in order and includes items until the next one
// would exceed the token budget. At least the top candidate is always
// included; maxResults caps the total.
func (s *Service) admit(candidates []candidate, maxResults, tokenBudget int, summaryOnly bool) *RecallResponse {
	resp := &RecallResponse{TotalMatched: len(candidates)}
	tokenSum := 0
	included := 0
	for _, c := range candidates {
		if included >= maxResults {
			break
		}
		cost := estimateTokens(c.Content)
		if summaryOnly {
			cost = summaryTokens
		}
		if included > 0 && tokenSum+cost > tokenBudget {
			break
		}
		if summaryOnly {
			resp.Summaries = append(resp.Summaries, SummaryResult{
				ID:      c.ID,
				Type:    string(c.Type),
				Preview: truncate(c.Content, previewChars),
				Score:   c.score,
			})
		} else {
			resp.Results = append(resp.Results, SearchResult{
				ID:         c.ID,
				Type:       string(c.Type),
				Content:    c.Content,
				Confidence: c.Confidence,
				Score:      c.score,
				CreatedAt:  c.CreatedAt,
				Metadata:   c.Metadata,
			})
		}
		tokenSum += cost
		included++
	}
	resp.TokenEstimate = tokenSum
	return resp
}

func includedIDs(resp *RecallResponse) []string {
	ids := make([]string, 0, len(resp.Results)+len(resp.Summaries))
	for _, r := range resp.Results {
		ids = append(ids, r.ID)
	}
	for _, r := range resp.Summaries {
		ids = append(ids, r.ID)
	}
	return ids
}

// estimateTokens approximates the token cost of content as chars/4.
func estimateTokens(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// vectorSearch returns candidate ids by ascending L2 distance.
func (s *Service) vectorSearch(ctx context.Context, vector []float32, limit int) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, array_distance(embedding, ?::FLOAT[384]) AS dist
		FROM memories_vec
		ORDER BY dist
		LIMIT ?`, db.EmbeddingJSON(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", models.ErrStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, fmt.Errorf("%w: scan vector result: %v", models.ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// keywordSearch returns candidate ids by descending BM25 score. The index is
// rebuilt first if any write happened since the last build.
func (s *Service) keywordSearch(ctx context.Context, query string, limit int) ([]string, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, nil
	}
	if err := s.store.RefreshFTS(ctx); err != nil {
		return nil, err
	}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, score FROM (
			SELECT id, fts_main_memories_fts.match_bm25(id, ?) AS score
			FROM memories_fts
		) WHERE score IS NOT NULL
		ORDER BY score DESC
		LIMIT ?`, normalized, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", models.ErrStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("%w: scan keyword result: %v", models.ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// normalizeQuery case-folds the query and strips characters that would read
// as FTS operators, keeping write-side and search-side tokenization aligned.
func normalizeQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r > 127:
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

type fusedResult struct {
	id    string
	score float64
}

// rrfMerge fuses two ranked id lists with Reciprocal Rank Fusion:
// score(id) = Σ 1/(k + rank), ranks 1-based, missing lists contribute zero.
func rrfMerge(vecRanked, ftsRanked []string, k int) []fusedResult {
	scores := make(map[string]float64)
	for rank, id := range vecRanked {
		scores[id] += 1.0 / float64(k+rank+1)
	}
	for rank, id := range ftsRanked {
		scores[id] += 1.0 / float64(k+rank+1)
	}

	merged := make([]fusedResult, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, fusedResult{id: id, score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].id < merged[j].id
	})
	return merged
}

// fetchMemories batch-loads memory rows by id.
func (s *Service) fetchMemories(ctx context.Context, ids []string) (map[string]models.Memory, error) {
	result := make(map[string]models.Memory, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.store.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, content, scope, source_group, confidence, access_count,
		       last_accessed, created_at, updated_at, superseded_by, metadata
		FROM memories WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch memories: %v", models.ErrStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		result[mem.ID] = mem
	}
	return result, rows.Err()
}

// scanMemory reads one full memory row from a Rows cursor positioned on it.
func scanMemory(rows *sql.Rows) (models.Memory, error) {
	var (
		mem          models.Memory
		sourceGroup  sql.NullString
		lastAccessed sql.NullTime
		supersededBy sql.NullString
		metadataRaw  any
		typ, scope   string
	)
	err := rows.Scan(&mem.ID, &typ, &mem.Content, &scope, &sourceGroup,
		&mem.Confidence, &mem.AccessCount, &lastAccessed, &mem.CreatedAt,
		&mem.UpdatedAt, &supersededBy, &metadataRaw)
	if err != nil {
		return mem, fmt.Errorf("%w: scan memory: %v", models.ErrStore, err)
	}
	mem.Type = models.MemoryType(typ)
	mem.Scope = models.Scope(scope)
	mem.SourceGroup = sourceGroup.String
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mem.LastAccessed = &t
	}
	mem.SupersededBy = supersededBy.String
	mem.Metadata = db.ScanJSON(metadataRaw)
	return mem, nil
}

// bumpAccess increments access counters for a recall result set in one
// batched update.
func (s *Service) bumpAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, db.Now())
	for _, id := range ids {
		args = append(args, id)
	}
	return s.store.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id IN (%s)",
			placeholders), args...)
		if err != nil {
			return fmt.Errorf("%w: bump access: %v", models.ErrStore, err)
		}
		return nil
	})
}
