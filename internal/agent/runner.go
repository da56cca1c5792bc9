// Package agent executes named agent steps with tenant-scoped memory and a
// run log entry per execution.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/metrics"
	"github.com/reconiq/quote-engine/internal/models"
)

const (
	defaultMemoryLimit = 20
	maxErrorLength     = 500
)

// ErrInvalidDefinition is returned for agents without a name or function.
var ErrInvalidDefinition = errors.New("invalid agent definition")

// RunRepository stores run records. Complete is the single terminal write.
type RunRepository interface {
	Create(ctx context.Context, run *models.AgentRun) error
	Complete(ctx context.Context, run *models.AgentRun) error
	GetByID(ctx context.Context, tenantID, runID uuid.UUID) (*models.AgentRun, error)
}

// MemoryRepository stores namespaced memory. ListRecent returns newest first
// and must filter by both tenant and scope.
type MemoryRepository interface {
	Upsert(ctx context.Context, m *models.AgentMemory) error
	ListRecent(ctx context.Context, tenantID uuid.UUID, scope string, limit int) ([]models.AgentMemory, error)
}

// Func is an agent body.
type Func func(ctx context.Context, rc *RunContext, input json.RawMessage) (json.RawMessage, error)

// Definition describes one agent.
type Definition struct {
	Name        string
	Namespace   string
	MemoryLimit int
	Execute     Func
}

// Result is what Run returns on success.
type Result struct {
	RunID  uuid.UUID            `json:"run_id"`
	Output json.RawMessage      `json:"output"`
	Memory []models.AgentMemory `json:"memory"`
}

// Runner executes agents.
type Runner struct {
	runs   RunRepository
	memory MemoryRepository
	tools  *ToolRegistry
	now    func() time.Time
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(runs RunRepository, memory MemoryRepository, tools *ToolRegistry) *Runner {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Runner{
		runs:   runs,
		memory: memory,
		tools:  tools,
		now:    time.Now,
		logger: slog.Default().With(slog.String("service", "agent-runner")),
	}
}

// Tools returns the runner's registry.
func (r *Runner) Tools() *ToolRegistry {
	return r.tools
}

// Scope is the memory scope for a tenant namespace.
func Scope(tenantID uuid.UUID, namespace string) string {
	return fmt.Sprintf("%s:%s", tenantID, namespace)
}

// RunContext is what an agent body sees.
type RunContext struct {
	TenantID  uuid.UUID
	RunID     uuid.UUID
	Memory    []models.AgentMemory
	namespace string
	runner    *Runner
}

// Invoke calls a registered tool.
func (rc *RunContext) Invoke(ctx context.Context, tool string, input any) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input for tool %s: %w", tool, err)
	}
	return rc.runner.tools.Invoke(ctx, tool, raw)
}

// Remember writes a memory entry in the run's own namespace.
func (rc *RunContext) Remember(ctx context.Context, key string, value any) error {
	m, err := rc.runner.remember(ctx, rc.TenantID, rc.namespace, key, value)
	if err != nil {
		return err
	}
	rc.Memory = append([]models.AgentMemory{*m}, rc.Memory...)
	return nil
}

// Recall returns the newest value for key. Memory is kept newest first.
func (rc *RunContext) Recall(key string) (json.RawMessage, bool) {
	for _, m := range rc.Memory {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Remember upserts a memory entry scoped to tenant and namespace.
func (r *Runner) Remember(ctx context.Context, tenantID uuid.UUID, namespace, key string, value any) error {
	_, err := r.remember(ctx, tenantID, namespace, key, value)
	return err
}

func (r *Runner) remember(ctx context.Context, tenantID uuid.UUID, namespace, key string, value any) (*models.AgentMemory, error) {
	if tenantID == uuid.Nil || namespace == "" || key == "" {
		return nil, fmt.Errorf("memory entries require tenant, namespace and key")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory value: %w", err)
	}

	now := r.now()
	m := &models.AgentMemory{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Scope:     Scope(tenantID, namespace),
		Key:       key,
		Value:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.memory.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	return m, nil
}

// Run records a running run, loads recent memory, executes the agent and
// writes exactly one terminal status. Agent errors are returned unchanged.
func (r *Runner) Run(ctx context.Context, tenantID uuid.UUID, def Definition, input json.RawMessage) (*Result, error) {
	if def.Name == "" || def.Execute == nil {
		return nil, ErrInvalidDefinition
	}
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidDefinition)
	}

	namespace := def.Namespace
	if namespace == "" {
		namespace = def.Name
	}
	limit := def.MemoryLimit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	startedAt := r.now()
	run := &models.AgentRun{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AgentName: def.Name,
		Status:    models.AgentRunRunning,
		Input:     input,
		StartedAt: &startedAt,
		CreatedAt: startedAt,
		UpdatedAt: startedAt,
	}

	logger := r.logger.With(
		slog.String("tenant_id", tenantID.String()),
		slog.String("agent", def.Name),
		slog.String("run_id", run.ID.String()),
	)

	if err := r.runs.Create(ctx, run); err != nil {
		logger.Error("failed to create agent run", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create agent run: %w", err)
	}
	logger.Info("agent run started")

	memory, err := r.memory.ListRecent(ctx, tenantID, Scope(tenantID, namespace), limit)
	if err != nil {
		err = fmt.Errorf("failed to load agent memory: %w", err)
		r.fail(ctx, logger, run, err)
		return nil, err
	}

	rc := &RunContext{
		TenantID:  tenantID,
		RunID:     run.ID,
		Memory:    memory,
		namespace: namespace,
		runner:    r,
	}

	output, err := r.execute(ctx, def, rc, input)
	if err != nil {
		r.fail(ctx, logger, run, err)
		return nil, err
	}

	completedAt := r.now()
	run.Status = models.AgentRunSucceeded
	run.Output = output
	run.CompletedAt = &completedAt
	run.DurationMs = intPtr(int(completedAt.Sub(startedAt).Milliseconds()))
	run.UpdatedAt = completedAt

	if err := r.runs.Complete(ctx, run); err != nil {
		logger.Error("failed to record agent success", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to complete agent run: %w", err)
	}
	metrics.RecordAgentRun(def.Name, models.AgentRunSucceeded)
	logger.Info("agent run succeeded", slog.Int("duration_ms", *run.DurationMs))

	return &Result{RunID: run.ID, Output: output, Memory: rc.Memory}, nil
}

// execute runs the agent body, converting a panic into an error so the run
// still gets its terminal write.
func (r *Runner) execute(ctx context.Context, def Definition, rc *RunContext, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %s panicked: %v", def.Name, p)
		}
	}()
	return def.Execute(ctx, rc, input)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, run *models.AgentRun, cause error) {
	completedAt := r.now()
	msg := NormalizeError(cause)

	run.Status = models.AgentRunFailed
	run.LastError = &msg
	run.CompletedAt = &completedAt
	if run.StartedAt != nil {
		run.DurationMs = intPtr(int(completedAt.Sub(*run.StartedAt).Milliseconds()))
	}
	run.UpdatedAt = completedAt

	if err := r.runs.Complete(ctx, run); err != nil {
		logger.Error("failed to record agent failure",
			slog.String("cause", msg),
			slog.String("error", err.Error()))
	}
	metrics.RecordAgentRun(run.AgentName, models.AgentRunFailed)
	logger.Warn("agent run failed", slog.String("error", msg))
}

// NormalizeError trims the message and caps it at 500 characters.
func NormalizeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if msg == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(msg) > maxErrorLength {
		runes := []rune(msg)
		msg = string(runes[:maxErrorLength])
	}
	return msg
}

func intPtr(i int) *int {
	return &i
}
