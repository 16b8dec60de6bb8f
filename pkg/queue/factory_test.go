package queue

import (
	"context"
	"testing"

	"github.com/vectorize-core/vectorize/internal/config"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := config.Config{QueueBackend: "kafka"}
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected an error for an unknown queue backend")
	}
}

func TestNewRejectsMalformedRedisURL(t *testing.T) {
	cfg := config.Config{QueueBackend: "redis", RedisURL: "://not-a-url"}
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected an error for a malformed redis URL")
	}
}
