package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/config"
)

func TestMigrationFiles_CreateEveryTable(t *testing.T) {
	files, err := MigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "migrations/001_initial_schema.sql", files[0])

	raw, err := migrations.ReadFile(files[0])
	require.NoError(t, err)
	schema := string(raw)

	for _, table := range []string{
		"quotes", "quote_snapshots", "quote_transition_events", "pricing_rules",
		"rule_imports", "idempotency_keys", "usage_policies", "usage_rate_counters",
		"usage_cache", "usage_ledger", "agent_runs", "agent_memory",
	} {
		assert.True(t, strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}
}

func TestConnectWithRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := config.DatabaseConfig{
		Host: "127.0.0.1", Port: "1", User: "quotes", Password: "quotes",
		DBName: "quotes", SSLMode: "disable", MaxConns: 4,
	}

	start := time.Now()
	pool, err := ConnectWithRetry(ctx, cfg, 5, time.Hour)

	require.Error(t, err)
	assert.Nil(t, pool)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
}
