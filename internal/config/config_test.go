package config_test

import (
	"os"
	"testing"

	"github.com/kolosalai/kolosal-gateway/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	// Leave unrelated env vars alone; config.Load reads specific keys only.
	// An empty value makes viper fall back to the key's default; t.Setenv
	// restores the original value when the test ends.
	for _, key := range []string{"PORT", "LOG_LEVEL", "CORS_ENABLED", "RATE_LIMIT_BACKEND", "REDIS_URL"} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("RATE_LIMIT_BACKEND")
	os.Unsetenv("REDIS_URL")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("RateLimit.Backend = %q, want memory", cfg.RateLimit.Backend)
	}
	if !cfg.CORS.Enabled {
		t.Error("expected CORS enabled by default")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	os.Setenv("LOG_LEVEL", "verbose")
	defer os.Unsetenv("LOG_LEVEL")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoad_RedisBackendRequiresURL(t *testing.T) {
	os.Setenv("RATE_LIMIT_BACKEND", "redis")
	os.Unsetenv("REDIS_URL")
	defer os.Unsetenv("RATE_LIMIT_BACKEND")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when RATE_LIMIT_BACKEND=redis without REDIS_URL")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	os.Setenv("PORT", "99999")
	defer os.Unsetenv("PORT")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for out-of-range PORT")
	}
}
