package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_PROVIDER", "openai")
	t.Setenv("CRED_STORE", "file")
	t.Setenv("CREDENTIALS_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Dispatch.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.BackoffBase != time.Second {
		t.Errorf("BackoffBase = %v, want 1s", cfg.Dispatch.BackoffBase)
	}
	if cfg.Dispatch.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", cfg.Dispatch.RetryDelay)
	}
	if cfg.Dispatch.PerAttemptTimeout != 30*time.Second {
		t.Errorf("PerAttemptTimeout = %v, want 30s", cfg.Dispatch.PerAttemptTimeout)
	}
	if cfg.Continuation.MaxContinuations != 3 {
		t.Errorf("MaxContinuations = %d, want 3", cfg.Continuation.MaxContinuations)
	}
	if !cfg.Credentials.AutoBan {
		t.Error("AutoBan = false, want true by default")
	}
	if cfg.Credentials.BanCooldown != 0 {
		t.Errorf("BanCooldown = %v, want 0", cfg.Credentials.BanCooldown)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("Cache.Mode = %q, want memory", cfg.Cache.Mode)
	}
	if cfg.RateLimit.RPMLimit != 0 {
		t.Errorf("RPMLimit = %d, want 0", cfg.RateLimit.RPMLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("BAN_COOLDOWN", "10m")
	t.Setenv("AUTO_BAN", "false")
	t.Setenv("MAX_CONTINUATIONS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowercased)", cfg.LogLevel)
	}
	if cfg.Dispatch.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 250ms", cfg.Dispatch.BackoffBase)
	}
	if cfg.Credentials.BanCooldown != 10*time.Minute {
		t.Errorf("BanCooldown = %v, want 10m", cfg.Credentials.BanCooldown)
	}
	if cfg.Credentials.AutoBan {
		t.Error("AutoBan = true, want false")
	}
	if cfg.Continuation.MaxContinuations != 0 {
		t.Errorf("MaxContinuations = %d, want 0", cfg.Continuation.MaxContinuations)
	}
}

func TestLoadInvalidProvider(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("UPSTREAM_PROVIDER", "bedrock")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with unknown provider")
	}
}

func TestLoadRedisStoreRequiresURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CRED_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with CRED_STORE=redis and no REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error with REDIS_URL set: %v", err)
	}
}

func TestLoadRedisCacheRequiresURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CACHE_MODE", "redis")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with CACHE_MODE=redis and no REDIS_URL")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with invalid log level")
	}
}

func TestLoadNegativeRetries(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_RETRIES", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with negative MAX_RETRIES")
	}
}
