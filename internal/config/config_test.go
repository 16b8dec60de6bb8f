package config

import (
	"os"
	"testing"
	"time"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{"DATABASE_URL", "OPENAI_API_KEY", "CO_API_KEY", "VOYAGE_API_KEY", "PORTKEY_API_KEY", "VECTORIZE_QUEUE_BACKEND"} {
		old, had := os.LookupEnv(env)
		os.Unsetenv(env)
		t.Cleanup(func() {
			if had {
				os.Setenv(env, old)
			}
		})
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearProviderEnv(t)
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error when DATABASE_URL is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearProviderEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/vectorize")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QueueBackend != "postgres" {
		t.Errorf("QueueBackend = %q, want postgres", cfg.QueueBackend)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 30s", cfg.VisibilityTimeout)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadRejectsUnknownQueueBackend(t *testing.T) {
	clearProviderEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/vectorize")
	os.Setenv("VECTORIZE_QUEUE_BACKEND", "kafka")

	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an unknown queue backend")
	}
}

func TestLoadKeysProviderKeysByShortName(t *testing.T) {
	clearProviderEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/vectorize")
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Setenv("PORTKEY_API_KEY", "pk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProviderKeys["openai"] != "sk-test" {
		t.Errorf(`ProviderKeys["openai"] = %q, want sk-test`, cfg.ProviderKeys["openai"])
	}
	if cfg.ProviderKeys["portkey"] != "pk-test" {
		t.Errorf(`ProviderKeys["portkey"] = %q, want pk-test`, cfg.ProviderKeys["portkey"])
	}
	if _, ok := cfg.ProviderKeys["cohere"]; ok {
		t.Errorf("ProviderKeys should not contain an entry for an unset key")
	}
}

func TestDefaultWorkerCountIsBounded(t *testing.T) {
	n := defaultWorkerCount()
	if n < 1 || n > 8 {
		t.Errorf("defaultWorkerCount() = %d, want between 1 and 8", n)
	}
}
