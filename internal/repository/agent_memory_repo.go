package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

// AgentMemoryRepository handles namespaced agent memory
type AgentMemoryRepository struct {
	pool *pgxpool.Pool
}

// NewAgentMemoryRepository creates a new agent memory repository
func NewAgentMemoryRepository(pool *pgxpool.Pool) *AgentMemoryRepository {
	return &AgentMemoryRepository{pool: pool}
}

// Upsert writes a memory entry. An existing (tenant, scope, key) keeps its
// id and created time.
func (r *AgentMemoryRepository) Upsert(ctx context.Context, m *models.AgentMemory) error {
	if m == nil {
		return errors.New("agent memory cannot be nil")
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	query := `
		INSERT INTO agent_memory (id, tenant_id, scope, memory_key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, scope, memory_key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	return r.pool.QueryRow(ctx, query,
		m.ID, m.TenantID, m.Scope, m.Key, jsonOrEmpty(m.Value), m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID, &m.CreatedAt)
}

// ListRecent returns up to limit entries for the scope, newest first
func (r *AgentMemoryRepository) ListRecent(ctx context.Context, tenantID uuid.UUID, scope string, limit int) ([]models.AgentMemory, error) {
	query := `
		SELECT id, tenant_id, scope, memory_key, value, created_at, updated_at
		FROM agent_memory
		WHERE tenant_id = $1 AND scope = $2
		ORDER BY updated_at DESC, memory_key ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, tenantID, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.AgentMemory, 0)
	for rows.Next() {
		var m models.AgentMemory
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Scope, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}
