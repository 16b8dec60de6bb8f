package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a client-side request budget, so a
// single misbehaving job can't blow through a vendor's rate limit and
// turn every other job's calls into 429 retries. Wait blocks until a
// token is available or ctx is done, rather than failing fast - a
// provider rate limit is exactly the kind of transient condition the
// worker pool already knows how to back off from.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a limiter allowing ratePerSecond calls/s
// and a burst of ratePerSecond truncated to an integer, plus one, so
// even a rate below 1/s lets one call through immediately.
func NewRateLimited(p Provider, ratePerSecond float64) *RateLimited {
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)}
}

func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Embed(ctx, texts)
}
