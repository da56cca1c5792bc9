package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

const agentRunColumns = `id, tenant_id, agent_name, status, input, output, last_error,
	duration_ms, started_at, completed_at, created_at, updated_at`

// AgentRunRepository handles data access for agent run records
type AgentRunRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRunRepository creates a new agent run repository
func NewAgentRunRepository(pool *pgxpool.Pool) *AgentRunRepository {
	return &AgentRunRepository{pool: pool}
}

func scanAgentRun(row pgx.Row, run *models.AgentRun) error {
	return row.Scan(
		&run.ID, &run.TenantID, &run.AgentName, &run.Status, &run.Input, &run.Output,
		&run.LastError, &run.DurationMs, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
}

// Create inserts a new agent run record
func (r *AgentRunRepository) Create(ctx context.Context, run *models.AgentRun) error {
	if run == nil {
		return errors.New("agent run cannot be nil")
	}

	query := `
		INSERT INTO agent_runs (` + agentRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + agentRunColumns

	return scanAgentRun(r.pool.QueryRow(ctx, query,
		run.ID, run.TenantID, run.AgentName, run.Status, jsonOrEmpty(run.Input), run.Output,
		run.LastError, run.DurationMs, run.StartedAt, run.CompletedAt,
		run.CreatedAt, run.UpdatedAt,
	), run)
}

// Complete writes the terminal state of a run. A run that is no longer
// running is left untouched and reported as an error.
func (r *AgentRunRepository) Complete(ctx context.Context, run *models.AgentRun) error {
	if run == nil {
		return errors.New("agent run cannot be nil")
	}

	query := `
		UPDATE agent_runs
		SET status = $3, output = $4, last_error = $5, duration_ms = $6,
		    completed_at = $7, updated_at = $8
		WHERE id = $1 AND tenant_id = $2 AND status = 'running'
		RETURNING ` + agentRunColumns

	err := scanAgentRun(r.pool.QueryRow(ctx, query,
		run.ID, run.TenantID, run.Status, run.Output, run.LastError, run.DurationMs,
		run.CompletedAt, run.UpdatedAt,
	), run)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.New("agent run not found or already completed")
	}
	return err
}

// GetByID retrieves an agent run by ID, scoped to the tenant
func (r *AgentRunRepository) GetByID(ctx context.Context, tenantID, runID uuid.UUID) (*models.AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE id = $1 AND tenant_id = $2`

	run := &models.AgentRun{}
	if err := scanAgentRun(r.pool.QueryRow(ctx, query, runID, tenantID), run); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListByTenant returns the tenant's most recent runs, newest first
func (r *AgentRunRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + agentRunColumns + `
		FROM agent_runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]models.AgentRun, 0)
	for rows.Next() {
		var run models.AgentRun
		if err := scanAgentRun(rows, &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
