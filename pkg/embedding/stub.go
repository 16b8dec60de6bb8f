package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

// Stub is a deterministic, hash-based transformer: same text always
// maps to the same vector, with no network call. Named "stub/<dim>"
// so any dimension can be requested without a registration step -
// useful for exercising the whole pipeline (capture, queue, worker,
// search) without a live provider account.
type Stub struct {
	dim int
}

func newStub(transformer string) (*Stub, error) {
	rest := strings.TrimPrefix(transformer, "stub/")
	dim, err := strconv.Atoi(rest)
	if err != nil || dim <= 0 {
		return nil, fmt.Errorf("embedding: invalid stub transformer %q: dimension must be a positive integer", transformer)
	}
	return &Stub{dim: dim}, nil
}

func (s *Stub) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, s.dim)
	}
	return out, nil
}

// hashVector expands a text's FNV-1a hash into dim components by
// reseeding with the running hash each time, then L2-normalizes so
// cosine and dot-product searches behave sensibly.
func hashVector(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, dim)
	var sumSq float64
	for i := range v {
		seed = splitmix64(seed)
		bits := uint32(seed >> 32)
		f := float32(int32(bits)) / float32(1<<31)
		v[i] = f
		sumSq += float64(f) * float64(f)
	}
	if sumSq > 0 {
		norm := float32(1 / math.Sqrt(sumSq))
		for i := range v {
			v[i] *= norm
		}
	}
	return v
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (s *Stub) Dim() int              { return s.dim }
func (s *Stub) MaxBatch() int         { return 512 }
func (s *Stub) Retryable(error) bool { return false }
