// Package embedding implements the provider registry (C5): a set of
// named transformer variants, each able to turn a batch of texts into
// vectors of a fixed dimension. The interface shape is a direct
// generalization of the teacher's sqvect.Embedder (Embed/EmbedBatch/
// Dim) into a multi-model, multi-vendor registry: where the teacher
// had exactly one embedder wired in by the caller, a transformer
// string here selects among several HTTP-backed variants plus a
// deterministic stub.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmbeddingFailed mirrors the teacher's own sentinel for a
// provider call that did not produce usable vectors.
var ErrEmbeddingFailed = errors.New("embedding: embedding failed")

// Provider is one embedding backend: a model at a fixed dimension,
// reachable over HTTP (or, for the stub, computed locally).
type Provider interface {
	// Embed converts a batch of texts into vectors in one call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim returns the dimension of vectors this provider produces.
	Dim() int
	// MaxBatch is the largest batch size this provider accepts in one call.
	MaxBatch() int
	// Retryable reports whether err should be retried (rate limit,
	// transient network failure) rather than archived to the
	// dead-letter queue.
	Retryable(err error) bool
}

// Registry resolves a transformer string (e.g. "openai/text-embedding-3-small",
// "stub/256") to a configured Provider, and implements job.Resolver so
// the job registry can freeze a dimension at creation time.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a transformer string to a constructed Provider. The
// registry owns no construction logic itself - callers build each
// Provider from its own config (API key, base URL, model) and hand it
// in, the same dependency-injection shape as the teacher's
// WithEmbedder functional option.
func (r *Registry) Register(transformer string, p Provider) {
	r.providers[transformer] = p
}

func (r *Registry) Known(transformer string) bool {
	_, ok := r.providers[transformer]
	if ok {
		return true
	}
	return strings.HasPrefix(transformer, "stub/")
}

func (r *Registry) Get(transformer string) (Provider, error) {
	if p, ok := r.providers[transformer]; ok {
		return p, nil
	}
	if strings.HasPrefix(transformer, "stub/") {
		p, err := newStub(transformer)
		if err != nil {
			return nil, err
		}
		r.providers[transformer] = p
		return p, nil
	}
	return nil, fmt.Errorf("embedding: unknown transformer %q", transformer)
}

// Dimension resolves transformer to its frozen dimension without
// performing an embed call, satisfying job.Resolver.
func (r *Registry) Dimension(ctx context.Context, transformer string) (int, error) {
	p, err := r.Get(transformer)
	if err != nil {
		return 0, err
	}
	return p.Dim(), nil
}

// httpTimeout is the http.Client timeout every HTTP-backed variant
// uses; it bounds each call in addition to any deadline on the
// caller's context.
const httpTimeout = 30 * time.Second
