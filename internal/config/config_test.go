package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 60, cfg.Usage.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Usage.Window)
	assert.Equal(t, 20, cfg.Agent.MemoryLimit)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, int64(512*1024), cfg.Import.MaxFileSize)
	assert.False(t, cfg.Server.DevTokens)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("USAGE_MAX_REQUESTS", "5")
	t.Setenv("USAGE_WINDOW", "30s")
	t.Setenv("USAGE_TOKEN_COST_PER_1K", "0.01")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("USAGE_BACKEND", "redis")
	t.Setenv("INFERENCE_MAX_RETRIES", "not-a-number")
	t.Setenv("DEV_TOKENS_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://portal.example.com, ,https://admin.example.com")

	cfg := Load()

	assert.Equal(t, 5, cfg.Usage.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Usage.Window)
	assert.Equal(t, 0.01, cfg.Usage.TokenCostUSDPer1K)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendRedis, cfg.Store.UsageBackend)
	assert.Equal(t, 2, cfg.Inference.MaxRetries, "Unparseable values keep the default")
	assert.True(t, cfg.Server.DevTokens)
	assert.Equal(t, []string{"https://portal.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "quotes", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/quotes?sslmode=disable", d.DSN())
}
