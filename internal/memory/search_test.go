package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/locimem/loci/internal/models"
)

func TestRecallValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("neither query nor ids", func(t *testing.T) {
		_, err := svc.Recall(ctx, RecallRequest{})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("both query and ids", func(t *testing.T) {
		_, err := svc.Recall(ctx, RecallRequest{Query: "x", IDs: []string{"a"}})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("max_results out of range", func(t *testing.T) {
		_, err := svc.Recall(ctx, RecallRequest{Query: "x", MaxResults: 21})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestHybridSearch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.StoreMemory(ctx, StoreRequest{
		Content: "deployment pipeline uses buildkite",
		Type:    "semantic",
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	second, err := svc.StoreMemory(ctx, StoreRequest{
		Content: "the CI workflow is documented in README",
		Type:    "semantic",
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	resp, err := svc.Recall(ctx, RecallRequest{Query: "deployment pipeline"})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}

	if len(resp.Results) < 2 {
		t.Fatalf("results = %d, want both memories", len(resp.Results))
	}
	if resp.Results[0].ID != first.ID {
		t.Errorf("top result = %s, want the exact-phrase row %s", resp.Results[0].ID, first.ID)
	}
	for _, r := range resp.Results {
		if r.Score <= 0 {
			t.Errorf("result %s has non-positive score %v", r.ID, r.Score)
		}
	}
	if resp.TotalMatched != 2 {
		t.Errorf("total_matched = %d, want 2", resp.TotalMatched)
	}
	_ = second
}

func TestRecallBumpsAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, _ := svc.StoreMemory(ctx, StoreRequest{
		Content: "retro notes live in the wiki",
		Type:    "semantic",
	})

	if _, err := svc.Recall(ctx, RecallRequest{Query: "retro notes wiki"}); err != nil {
		t.Fatalf("recall failed: %v", err)
	}

	mem := getMemory(t, svc, stored.ID)
	if mem.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", mem.AccessCount)
	}
	if mem.LastAccessed == nil {
		t.Error("last_accessed not set after recall")
	}
}

func TestScopeIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	groupMem, err := svc.StoreMemory(ctx, StoreRequest{
		Content: "local experiment toggles the beta flag",
		Type:    "episodic",
		Group:   "project-a",
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	globalMem, err := svc.StoreMemory(ctx, StoreRequest{
		Content: "every service exports health endpoints",
		Type:    "semantic",
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	t.Run("matching group sees the row", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{
			Query: "beta flag experiment",
			Group: "project-a",
		})
		if err != nil {
			t.Fatalf("recall failed: %v", err)
		}
		found := false
		for _, r := range resp.Results {
			if r.ID == groupMem.ID {
				found = true
			}
		}
		if !found {
			t.Error("group-scoped row missing for its own group")
		}
	})

	t.Run("other group never sees the row", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{
			Query: "beta flag experiment",
			Group: "project-b",
		})
		if err != nil {
			t.Fatalf("recall failed: %v", err)
		}
		for _, r := range resp.Results {
			if r.ID == groupMem.ID {
				t.Error("group-scoped row leaked into another group")
			}
		}
	})

	t.Run("global rows are visible everywhere", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{
			Query: "health endpoints",
			Group: "project-b",
		})
		if err != nil {
			t.Fatalf("recall failed: %v", err)
		}
		found := false
		for _, r := range resp.Results {
			if r.ID == globalMem.ID {
				found = true
			}
		}
		if !found {
			t.Error("global row not visible from another group")
		}
	})
}

func TestMinConfidenceFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	low := 0.05
	faded, _ := svc.StoreMemory(ctx, StoreRequest{
		Content:    "ancient trivia about the old build system",
		Type:       "semantic",
		Confidence: &low,
	})

	resp, err := svc.Recall(ctx, RecallRequest{Query: "old build system trivia"})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	for _, r := range resp.Results {
		if r.ID == faded.ID {
			t.Error("row under min_confidence returned")
		}
	}

	floor := 0.0
	resp, err = svc.Recall(ctx, RecallRequest{
		Query:         "old build system trivia",
		MinConfidence: &floor,
	})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	found := false
	for _, r := range resp.Results {
		if r.ID == faded.ID {
			found = true
		}
	}
	if !found {
		t.Error("row missing with min_confidence 0")
	}
}

func TestProgressiveDisclosure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		content := strings.TrimSpace(strings.Repeat(
			fmt.Sprintf("alpha%d beacon%d cascade%d drift%d ", i, i, i, i), 12))
		result, err := svc.StoreMemory(ctx, StoreRequest{Content: content, Type: "semantic"})
		if err != nil {
			t.Fatalf("store %d failed: %v", i, err)
		}
		if result.Deduplicated {
			t.Fatalf("unexpected dedup on row %d", i)
		}
		ids = append(ids, result.ID)
	}

	t.Run("summary mode returns all ten cheaply", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{
			Query:       "alpha3 beacon3",
			SummaryOnly: true,
			MaxResults:  10,
		})
		if err != nil {
			t.Fatalf("recall failed: %v", err)
		}
		if len(resp.Summaries) != 10 {
			t.Fatalf("summaries = %d, want 10", len(resp.Summaries))
		}
		if resp.TokenEstimate != 10*summaryTokens {
			t.Errorf("token_estimate = %d, want %d", resp.TokenEstimate, 10*summaryTokens)
		}
		for _, item := range resp.Summaries {
			if len(item.Preview) > 84 {
				t.Errorf("preview too long: %d bytes", len(item.Preview))
			}
		}
	})

	t.Run("hydration honors the token budget", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{
			IDs:         ids[:3],
			TokenBudget: 600,
		})
		if err != nil {
			t.Fatalf("hydration failed: %v", err)
		}
		if len(resp.Results) > 3 {
			t.Fatalf("results = %d, want <= 3", len(resp.Results))
		}
		sum := 0
		for _, r := range resp.Results {
			sum += estimateTokens(r.Content)
		}
		if sum > 600 {
			t.Errorf("cumulative tokens = %d, want <= 600", sum)
		}
		if resp.TotalMatched != 3 {
			t.Errorf("total_matched = %d, want 3", resp.TotalMatched)
		}
	})

	t.Run("hydration equals stored content", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{IDs: ids[:1]})
		if err != nil {
			t.Fatalf("hydration failed: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("results = %d, want 1", len(resp.Results))
		}
		mem := getMemory(t, svc, ids[0])
		if resp.Results[0].Content != mem.Content {
			t.Error("hydrated content differs from stored content")
		}
	})

	t.Run("unknown ids are silently omitted", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{IDs: []string{ids[0], "missing-id"}})
		if err != nil {
			t.Fatalf("hydration failed: %v", err)
		}
		if len(resp.Results) != 1 || resp.TotalMatched != 1 {
			t.Errorf("results = %d, total = %d, want 1/1", len(resp.Results), resp.TotalMatched)
		}
	})

	t.Run("at least one item even over budget", func(t *testing.T) {
		resp, err := svc.Recall(ctx, RecallRequest{IDs: ids[:2], TokenBudget: 1})
		if err != nil {
			t.Fatalf("hydration failed: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Errorf("results = %d, want exactly the top item", len(resp.Results))
		}
	})
}

func TestRRFMerge(t *testing.T) {
	t.Run("items in both lists outrank single-list items", func(t *testing.T) {
		merged := rrfMerge([]string{"a", "b"}, []string{"b", "c"}, 60)
		if merged[0].id != "b" {
			t.Errorf("top fused id = %s, want b", merged[0].id)
		}
	})

	t.Run("improving vector rank never worsens fused rank", func(t *testing.T) {
		fts := []string{"x", "y", "z"}
		worse := rrfMerge([]string{"q", "y"}, fts, 60)
		better := rrfMerge([]string{"y", "q"}, fts, 60)

		rankOf := func(merged []fusedResult, id string) int {
			for i, m := range merged {
				if m.id == id {
					return i
				}
			}
			return len(merged)
		}
		if rankOf(better, "y") > rankOf(worse, "y") {
			t.Error("better vector rank worsened fused rank")
		}
	})

	t.Run("missing list contributes zero", func(t *testing.T) {
		merged := rrfMerge([]string{"a"}, nil, 60)
		if len(merged) != 1 || merged[0].score != 1.0/61.0 {
			t.Errorf("merged = %v", merged)
		}
	})
}

func TestNormalizeQuery(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Deployment Pipeline", "deployment pipeline"},
		{`"quoted" AND (ops)`, "quoted and ops"},
		{"  spaced   out  ", "spaced out"},
		{"héllo wörld", "héllo wörld"},
	}
	for _, c := range cases {
		if got := normalizeQuery(c.in); got != c.want {
			t.Errorf("normalizeQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 1 {
		t.Errorf("estimateTokens(empty) = %d, want 1", got)
	}
	if got := estimateTokens("abcd"); got != 1 {
		t.Errorf("estimateTokens(4 chars) = %d, want 1", got)
	}
	if got := estimateTokens("abcde"); got != 2 {
		t.Errorf("estimateTokens(5 chars) = %d, want 2", got)
	}
}
