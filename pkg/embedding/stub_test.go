package embedding

import (
	"context"
	"math"
	"testing"
)

func TestNewStubParsesDimension(t *testing.T) {
	s, err := newStub("stub/384")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Dim() != 384 {
		t.Errorf("Dim() = %d, want 384", s.Dim())
	}
}

func TestNewStubRejectsInvalidDimension(t *testing.T) {
	tests := []string{"stub/", "stub/abc", "stub/0", "stub/-5"}
	for _, in := range tests {
		if _, err := newStub(in); err == nil {
			t.Errorf("newStub(%q): expected an error", in)
		}
	}
}

func TestStubEmbedIsDeterministic(t *testing.T) {
	s, err := newStub("stub/32")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v1, err := s.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := s.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range v1[0] {
		if v1[0][i] != v2[0][i] {
			t.Fatalf("Embed not deterministic at component %d: %v vs %v", i, v1[0][i], v2[0][i])
		}
	}
}

func TestStubEmbedDiffersByText(t *testing.T) {
	s, _ := newStub("stub/32")
	out, err := s.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	same := true
	for i := range out[0] {
		if out[0][i] != out[1][i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("two different texts produced identical vectors")
	}
}

func TestStubEmbedProducesCorrectDimension(t *testing.T) {
	s, _ := newStub("stub/64")
	out, err := s.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out[0]) != 64 {
		t.Errorf("len(vector) = %d, want 64", len(out[0]))
	}
}

func TestHashVectorIsL2Normalized(t *testing.T) {
	v := hashVector("some text to embed", 16)
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) > 1e-4 {
		t.Errorf("||v|| = %v, want ~1.0", norm)
	}
}

func TestRegistryKnownAcceptsStubPrefix(t *testing.T) {
	r := NewRegistry()
	if !r.Known("stub/128") {
		t.Errorf("Known(stub/128) = false, want true")
	}
	if r.Known("openai/text-embedding-3-small") {
		t.Errorf("Known(unregistered provider) = true, want false")
	}
}

func TestRegistryGetLazilyConstructsStub(t *testing.T) {
	r := NewRegistry()
	p, err := r.Get("stub/8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dim() != 8 {
		t.Errorf("Dim() = %d, want 8", p.Dim())
	}
	// second call should hit the cached instance, not error
	p2, err := r.Get("stub/8")
	if err != nil {
		t.Fatalf("unexpected error on cached get: %v", err)
	}
	if p2.Dim() != 8 {
		t.Errorf("cached Dim() = %d, want 8", p2.Dim())
	}
}

func TestRegistryGetRejectsUnknownTransformer(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered, non-stub transformer")
	}
}

func TestRegistryDimensionResolvesWithoutEmbedding(t *testing.T) {
	r := NewRegistry()
	dim, err := r.Dimension(context.Background(), "stub/256")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dim != 256 {
		t.Errorf("Dimension() = %d, want 256", dim)
	}
}
