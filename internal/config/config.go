// Package config assembles the process-level settings into a single
// immutable struct at startup, per the "global configuration" design
// note: nothing downstream holds a package-level reference to it,
// every component receives the pieces it needs through its
// constructor.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is assembled once, at process startup, and never mutated.
type Config struct {
	DatabaseURL  string
	EmbeddingSvc string

	ProviderKeys map[string]string // keyed by short provider name: openai, cohere, voyage, portkey

	ProxyEnabled bool
	QueueBackend string // "postgres" | "redis"
	RedisURL     string

	Workers int
	LogLevel string

	HTTPAddr string

	// Worker pool tunables, §5.
	BatchSize        int
	VisibilityTimeout time.Duration
	MaxAttempts      int
	ProviderTimeout  time.Duration
	ShutdownGrace    time.Duration
}

// Load builds a Config from the environment, with the defaults called
// out in §5/§6 of the specification. A config file path may be empty.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("VECTORIZE_QUEUE_BACKEND", "postgres")
	v.SetDefault("VECTORIZE_WORKERS", defaultWorkerCount())
	v.SetDefault("VECTORIZE_PROXY_ENABLED", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("VECTORIZE_BATCH_SIZE", 10)
	v.SetDefault("VECTORIZE_VISIBILITY_TIMEOUT", "30s")
	v.SetDefault("VECTORIZE_MAX_ATTEMPTS", 5)
	v.SetDefault("VECTORIZE_PROVIDER_TIMEOUT", "30s")
	v.SetDefault("VECTORIZE_SHUTDOWN_GRACE", "30s")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}

	keys := map[string]string{}
	for provider, env := range map[string]string{
		"openai":  "OPENAI_API_KEY",
		"cohere":  "CO_API_KEY",
		"voyage":  "VOYAGE_API_KEY",
		"portkey": "PORTKEY_API_KEY",
	} {
		if val := v.GetString(env); val != "" {
			keys[provider] = val
		}
	}

	backend := strings.ToLower(v.GetString("VECTORIZE_QUEUE_BACKEND"))
	if backend != "postgres" && backend != "redis" {
		return Config{}, fmt.Errorf("config: unknown VECTORIZE_QUEUE_BACKEND %q", backend)
	}

	return Config{
		DatabaseURL:       dbURL,
		EmbeddingSvc:      v.GetString("EMBEDDING_SVC_URL"),
		ProviderKeys:      keys,
		ProxyEnabled:      v.GetBool("VECTORIZE_PROXY_ENABLED"),
		QueueBackend:      backend,
		RedisURL:          v.GetString("REDIS_URL"),
		Workers:           v.GetInt("VECTORIZE_WORKERS"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		BatchSize:         v.GetInt("VECTORIZE_BATCH_SIZE"),
		VisibilityTimeout: v.GetDuration("VECTORIZE_VISIBILITY_TIMEOUT"),
		MaxAttempts:       v.GetInt("VECTORIZE_MAX_ATTEMPTS"),
		ProviderTimeout:   v.GetDuration("VECTORIZE_PROVIDER_TIMEOUT"),
		ShutdownGrace:     v.GetDuration("VECTORIZE_SHUTDOWN_GRACE"),
	}, nil
}

func defaultWorkerCount() int {
	n := runtime.NumCPU() * 2
	if n > 8 {
		return 8
	}
	if n < 1 {
		return 1
	}
	return n
}
