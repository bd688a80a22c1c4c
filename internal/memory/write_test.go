package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/locimem/loci/internal/models"
)

func TestStoreMemory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("creates row in all three index tables", func(t *testing.T) {
		result, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "Rust is a systems language",
			Type:    "semantic",
		})
		if err != nil {
			t.Fatalf("StoreMemory failed: %v", err)
		}
		if result.Deduplicated {
			t.Error("first store should not dedup")
		}
		if result.Type != "semantic" {
			t.Errorf("type = %q, want semantic", result.Type)
		}

		for _, table := range []string{"memories", "memories_fts", "memories_vec"} {
			if n := countRows(t, svc, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", result.ID); n != 1 {
				t.Errorf("%s rows for %s = %d, want 1", table, result.ID, n)
			}
		}

		mem := getMemory(t, svc, result.ID)
		if mem.Scope != models.ScopeGlobal {
			t.Errorf("semantic scope = %q, want global", mem.Scope)
		}
		if mem.SourceGroup != "default" {
			t.Errorf("source_group = %q, want default", mem.SourceGroup)
		}
		if mem.Confidence != 1.0 {
			t.Errorf("confidence = %v, want 1.0", mem.Confidence)
		}
	})

	t.Run("episodic defaults to group scope", func(t *testing.T) {
		result, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "Yesterday the deploy failed twice",
			Type:    "episodic",
		})
		if err != nil {
			t.Fatalf("StoreMemory failed: %v", err)
		}
		if mem := getMemory(t, svc, result.ID); mem.Scope != models.ScopeGroup {
			t.Errorf("episodic scope = %q, want group", mem.Scope)
		}
	})

	t.Run("rejects empty content", func(t *testing.T) {
		_, err := svc.StoreMemory(ctx, StoreRequest{Content: "   ", Type: "semantic"})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := svc.StoreMemory(ctx, StoreRequest{Content: "x", Type: "declarative"})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("audit log records create", func(t *testing.T) {
		result, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "Audit trail sanity memo",
			Type:    "procedural",
		})
		if err != nil {
			t.Fatalf("StoreMemory failed: %v", err)
		}
		if n := countRows(t, svc,
			"SELECT COUNT(*) FROM memory_log WHERE memory_id = ? AND operation = 'create'",
			result.ID); n != 1 {
			t.Errorf("create audit entries = %d, want 1", n)
		}
	})
}

func TestDedup(t *testing.T) {
	ctx := context.Background()

	t.Run("identical content merges into existing row", func(t *testing.T) {
		svc := newTestService(t)

		first, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "User prefers Rust over Go",
			Type:    "semantic",
		})
		if err != nil {
			t.Fatalf("first store failed: %v", err)
		}

		second, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "User prefers Rust over Go.",
			Type:    "semantic",
		})
		if err != nil {
			t.Fatalf("second store failed: %v", err)
		}
		if !second.Deduplicated {
			t.Fatal("expected dedup hit")
		}
		if second.ID != first.ID {
			t.Errorf("dedup id = %s, want %s", second.ID, first.ID)
		}

		if n := countRows(t, svc, "SELECT COUNT(*) FROM memories WHERE superseded_by IS NULL"); n != 1 {
			t.Errorf("active memories = %d, want 1", n)
		}

		mem := getMemory(t, svc, first.ID)
		if mem.AccessCount != 1 {
			t.Errorf("access_count = %d, want 1", mem.AccessCount)
		}
		if mem.Confidence != 1.0 {
			t.Errorf("confidence = %v, want clamped 1.0", mem.Confidence)
		}
	})

	t.Run("different type does not dedup", func(t *testing.T) {
		svc := newTestService(t)

		first, _ := svc.StoreMemory(ctx, StoreRequest{
			Content: "Sprint planning happens on Mondays",
			Type:    "semantic",
		})
		second, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "Sprint planning happens on Mondays",
			Type:    "procedural",
		})
		if err != nil {
			t.Fatalf("second store failed: %v", err)
		}
		if second.Deduplicated || second.ID == first.ID {
			t.Error("different types must not merge")
		}
	})

	t.Run("dedup boost clamps confidence", func(t *testing.T) {
		svc := newTestService(t)

		conf := 0.95
		first, _ := svc.StoreMemory(ctx, StoreRequest{
			Content:    "Release branches cut on Fridays",
			Type:       "semantic",
			Confidence: &conf,
		})
		svc.StoreMemory(ctx, StoreRequest{
			Content: "Release branches cut on Fridays",
			Type:    "semantic",
		})

		if mem := getMemory(t, svc, first.ID); mem.Confidence != 1.0 {
			t.Errorf("confidence = %v, want 1.0", mem.Confidence)
		}
	})

	t.Run("metadata shallow-merges on dedup", func(t *testing.T) {
		svc := newTestService(t)

		first, _ := svc.StoreMemory(ctx, StoreRequest{
			Content:  "Build cache lives on the shared volume",
			Type:     "semantic",
			Metadata: map[string]any{"category": "infra", "subject": "cache"},
		})
		svc.StoreMemory(ctx, StoreRequest{
			Content:  "Build cache lives on the shared volume",
			Type:     "semantic",
			Metadata: map[string]any{"category": "build"},
		})

		mem := getMemory(t, svc, first.ID)
		if mem.Metadata["category"] != "build" {
			t.Errorf("category = %v, want overwritten value", mem.Metadata["category"])
		}
		if mem.Metadata["subject"] != "cache" {
			t.Errorf("subject = %v, want preserved value", mem.Metadata["subject"])
		}
	})

	t.Run("dedup skips superseded rows", func(t *testing.T) {
		svc := newTestService(t)

		first, _ := svc.StoreMemory(ctx, StoreRequest{
			Content: "Theme preference is dark mode",
			Type:    "semantic",
		})
		svc.Forget(ctx, first.ID, "", false)

		second, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "Theme preference is dark mode",
			Type:    "semantic",
		})
		if err != nil {
			t.Fatalf("store after forget failed: %v", err)
		}
		if second.Deduplicated {
			t.Error("forgotten rows must not be dedup targets")
		}
	})
}

func TestRefutationGuard(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id := seed(t, svc, insertParams{
		memType:   models.Semantic,
		content:   "user prefers tabs for indentation",
		scope:     models.ScopeGlobal,
		embedding: axisVector(7),
	})

	// Same vector, negated content: the guard must refuse the merge.
	hit, err := findDedup(ctx, svc.store.DB(), models.Semantic, axisVector(7),
		"user does not prefer tabs for indentation", svc.cfg.Retrieval.DedupThreshold)
	if err != nil {
		t.Fatalf("findDedup failed: %v", err)
	}
	if hit != "" {
		t.Error("negated content should not dedup against the affirmative row")
	}

	// Near-identical vector, same polarity: merge is allowed.
	hit, err = findDedup(ctx, svc.store.DB(), models.Semantic, nearVector(7),
		"user prefers tabs for indentation.", svc.cfg.Retrieval.DedupThreshold)
	if err != nil {
		t.Fatalf("findDedup failed: %v", err)
	}
	if hit != id {
		t.Errorf("dedup hit = %q, want %s", hit, id)
	}
}

func TestRefutes(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"prefers Rust", "prefers Rust.", false},
		{"prefers Rust", "does not prefer Rust", true},
		{"never deploys on Friday", "never deploys on Friday", false},
		{"deploys on Friday", "no longer deploys on Friday", true},
		{"won't use spaces", "uses tabs", true},
	}
	for _, c := range cases {
		if got := refutes(c.a, c.b); got != c.want {
			t.Errorf("refutes(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSupersession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("supersedes hides the old row", func(t *testing.T) {
		old, err := svc.StoreMemory(ctx, StoreRequest{
			Content: "theme: dark mode",
			Type:    "semantic",
		})
		if err != nil {
			t.Fatalf("store old failed: %v", err)
		}

		replacement, err := svc.StoreMemory(ctx, StoreRequest{
			Content:    "theme: light mode",
			Type:       "semantic",
			Supersedes: old.ID,
		})
		if err != nil {
			t.Fatalf("store replacement failed: %v", err)
		}
		if replacement.Superseded != old.ID {
			t.Errorf("superseded = %q, want %s", replacement.Superseded, old.ID)
		}

		mem := getMemory(t, svc, old.ID)
		if mem.SupersededBy != replacement.ID {
			t.Errorf("superseded_by = %q, want %s", mem.SupersededBy, replacement.ID)
		}

		// Old row keeps its index entries; it is only hidden from recall.
		if n := countRows(t, svc, "SELECT COUNT(*) FROM memories_vec WHERE id = ?", old.ID); n != 1 {
			t.Error("superseded row lost its vector entry")
		}

		resp, err := svc.Recall(ctx, RecallRequest{Query: "theme mode"})
		if err != nil {
			t.Fatalf("recall failed: %v", err)
		}
		for _, r := range resp.Results {
			if r.ID == old.ID {
				t.Error("superseded row returned by recall")
			}
		}
	})

	t.Run("missing target fails before any write", func(t *testing.T) {
		before := countRows(t, svc, "SELECT COUNT(*) FROM memories")

		_, err := svc.StoreMemory(ctx, StoreRequest{
			Content:    "dangling replacement",
			Type:       "semantic",
			Supersedes: "nonexistent-id",
		})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("error = %v, want ErrInvalidInput", err)
		}
		if after := countRows(t, svc, "SELECT COUNT(*) FROM memories"); after != before {
			t.Error("failed supersession persisted a row")
		}
	})

	t.Run("already-superseded target is rejected", func(t *testing.T) {
		a, _ := svc.StoreMemory(ctx, StoreRequest{Content: "font: mono", Type: "semantic"})
		b, _ := svc.StoreMemory(ctx, StoreRequest{Content: "font: serif", Type: "semantic", Supersedes: a.ID})
		if b.Superseded != a.ID {
			t.Fatalf("setup failed: %v", b)
		}

		_, err := svc.StoreMemory(ctx, StoreRequest{
			Content:    "font: sans",
			Type:       "semantic",
			Supersedes: a.ID,
		})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
}
