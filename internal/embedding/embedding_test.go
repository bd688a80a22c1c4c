package embedding

import (
	"context"
	"math"
	"testing"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestL2Normalize(t *testing.T) {
	v := L2Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("L2Normalize([3 4]) = %v", v)
	}
	if math.Abs(norm(v)-1.0) > 1e-6 {
		t.Errorf("norm = %v, want 1", norm(v))
	}

	zero := L2Normalize([]float32{0, 0, 0})
	for _, x := range zero {
		if x != 0 {
			t.Error("zero vector should stay zero")
		}
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := Cosine(a, a); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Cosine(a, a) = %v, want 1", got)
	}
	if got := Cosine(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("Cosine(orthogonal) = %v, want 0", got)
	}
}

func TestCosineToL2(t *testing.T) {
	// cos = 1 → distance 0; cos = 0 → distance sqrt(2)
	if got := CosineToL2(1.0); math.Abs(got) > 1e-9 {
		t.Errorf("CosineToL2(1) = %v", got)
	}
	if got := CosineToL2(0.0); math.Abs(got-math.Sqrt2) > 1e-9 {
		t.Errorf("CosineToL2(0) = %v, want sqrt(2)", got)
	}
	// Monotone decreasing in cosine
	if CosineToL2(0.92) >= CosineToL2(0.5) {
		t.Error("CosineToL2 should shrink as cosine grows")
	}
}

func TestMean(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}
	m := Mean(vectors)
	if math.Abs(norm(m)-1.0) > 1e-6 {
		t.Errorf("mean not re-normalized: norm = %v", norm(m))
	}
	if math.Abs(float64(m[0]-m[1])) > 1e-6 {
		t.Errorf("mean of symmetric vectors should be symmetric: %v", m)
	}
}

func TestStubDeterministic(t *testing.T) {
	ctx := context.Background()
	s := Stub{}

	a1, err := s.Embed(ctx, "User prefers Rust over Go")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	a2, _ := s.Embed(ctx, "User prefers Rust over Go")
	if Cosine(a1, a2) < 0.9999 {
		t.Error("identical text should embed identically")
	}

	if math.Abs(norm(a1)-1.0) > 1e-4 {
		t.Errorf("stub embedding not unit length: %v", norm(a1))
	}

	b, _ := s.Embed(ctx, "deployment pipeline uses buildkite")
	if sim := Cosine(a1, b); sim > 0.5 {
		t.Errorf("unrelated texts too similar: %v", sim)
	}

	similar, _ := s.Embed(ctx, "User prefers Rust over Go.")
	if sim := Cosine(a1, similar); sim < 0.92 {
		t.Errorf("near-identical texts should clear the dedup threshold: %v", sim)
	}
}

func TestSplitWords(t *testing.T) {
	got := splitWords("hello, world!")
	want := []string{"hello", ",", "world", "!"}
	if len(got) != len(want) {
		t.Fatalf("splitWords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitWords[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWordPieces(t *testing.T) {
	tok := &wordPieceTokenizer{
		vocab: map[string]int{
			"un": 1, "##able": 2, "##a": 3, "##b": 4, "able": 5,
		},
		unkToken: tokenUNK,
	}

	pieces := tok.wordPieces("unable")
	if len(pieces) != 2 || pieces[0] != "un" || pieces[1] != "##able" {
		t.Errorf("wordPieces(unable) = %v", pieces)
	}

	// Unknown characters fall back to [UNK] one rune at a time.
	pieces = tok.wordPieces("zz")
	for _, p := range pieces {
		if p != "[UNK]" {
			t.Errorf("expected [UNK] pieces, got %v", pieces)
		}
	}
}
