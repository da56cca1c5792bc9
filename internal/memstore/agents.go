package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// AgentRunStore keeps agent run records.
type AgentRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.AgentRun
	// terminal counts terminal writes per run.
	terminal map[uuid.UUID]int
}

// NewAgentRunStore creates an empty run store.
func NewAgentRunStore() *AgentRunStore {
	return &AgentRunStore{
		runs:     make(map[uuid.UUID]models.AgentRun),
		terminal: make(map[uuid.UUID]int),
	}
}

// Create inserts a run.
func (s *AgentRunStore) Create(_ context.Context, run *models.AgentRun) error {
	if run == nil {
		return errors.New("agent run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return errors.New("agent run already exists")
	}
	s.runs[run.ID] = *run
	return nil
}

// Complete writes the run's terminal state. Only a running run can complete.
func (s *AgentRunStore) Complete(_ context.Context, run *models.AgentRun) error {
	if run == nil {
		return errors.New("agent run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok || stored.TenantID != run.TenantID {
		return errors.New("agent run not found")
	}
	if stored.Status != models.AgentRunRunning {
		return errors.New("agent run already completed")
	}
	s.runs[run.ID] = *run
	s.terminal[run.ID]++
	return nil
}

// GetByID returns the tenant's run or (nil, nil).
func (s *AgentRunStore) GetByID(_ context.Context, tenantID, runID uuid.UUID) (*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, nil
	}
	return &run, nil
}

// ListByTenant returns the tenant's most recent runs, newest first.
func (s *AgentRunStore) ListByTenant(_ context.Context, tenantID uuid.UUID, limit int) ([]models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentRun, 0)
	for _, run := range s.runs {
		if run.TenantID == tenantID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TerminalWrites reports how many terminal writes a run received.
func (s *AgentRunStore) TerminalWrites(runID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminal[runID]
}

type memoryKey struct {
	tenantID uuid.UUID
	scope    string
	key      string
}

// AgentMemoryStore keeps agent memory keyed by (tenant, scope, key).
type AgentMemoryStore struct {
	mu      sync.RWMutex
	entries map[memoryKey]models.AgentMemory
}

// NewAgentMemoryStore creates an empty memory store.
func NewAgentMemoryStore() *AgentMemoryStore {
	return &AgentMemoryStore{entries: make(map[memoryKey]models.AgentMemory)}
}

// Upsert stores m, keeping the original id and created time of an existing key.
func (s *AgentMemoryStore) Upsert(_ context.Context, m *models.AgentMemory) error {
	if m == nil {
		return errors.New("agent memory cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{tenantID: m.TenantID, scope: m.Scope, key: m.Key}
	if existing, ok := s.entries[k]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	}
	s.entries[k] = *m
	return nil
}

// ListRecent returns up to limit entries for the tenant and scope, newest first.
func (s *AgentMemoryStore) ListRecent(_ context.Context, tenantID uuid.UUID, scope string, limit int) ([]models.AgentMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentMemory, 0)
	for k, m := range s.entries {
		if k.tenantID == tenantID && k.scope == scope {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
