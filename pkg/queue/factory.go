package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vectorize-core/vectorize/internal/config"
	"github.com/vectorize-core/vectorize/internal/logging"
)

// New builds the queue backend selected by cfg.QueueBackend. Both
// backends implement the same Queue interface, so nothing downstream
// (registry, capture, worker pool) needs to know which one is live.
func New(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, log logging.Logger) (Queue, error) {
	switch cfg.QueueBackend {
	case "postgres", "":
		pq := NewPostgresQueue(pool, log)
		if err := pq.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pq, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: parsing redis url: %w", err)
		}
		return NewRedisQueue(redis.NewClient(opts), log), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.QueueBackend)
	}
}
