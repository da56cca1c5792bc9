package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// RuleStore keeps pricing rules per tenant. Codes are unique per tenant.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[uuid.UUID][]models.PricingRule
}

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[uuid.UUID][]models.PricingRule)}
}

// ListByTenant returns the tenant's rules ordered by priority, then code.
func (s *RuleStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]models.PricingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.PricingRule(nil), s.rules[tenantID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// Upsert inserts rules or replaces existing ones with the same tenant and code.
// It returns the number of rules written.
func (s *RuleStore) Upsert(_ context.Context, rules []models.PricingRule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rules {
		if r.TenantID == uuid.Nil || r.Code == "" {
			return 0, errors.New("pricing rule requires tenant and code")
		}
	}

	for _, r := range rules {
		existing := s.rules[r.TenantID]
		replaced := false
		for i := range existing {
			if existing[i].Code == r.Code {
				r.ID = existing[i].ID
				r.CreatedAt = existing[i].CreatedAt
				existing[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			existing = append(existing, r)
		}
		s.rules[r.TenantID] = existing
	}
	return len(rules), nil
}

// RuleImportStore keeps the rule import audit trail.
type RuleImportStore struct {
	mu      sync.RWMutex
	imports []models.RuleImport
}

// NewRuleImportStore creates an empty import store.
func NewRuleImportStore() *RuleImportStore {
	return &RuleImportStore{}
}

// Create records an import.
func (s *RuleImportStore) Create(_ context.Context, imp *models.RuleImport) error {
	if imp == nil {
		return errors.New("rule import cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports = append(s.imports, *imp)
	return nil
}

// GetByID returns the tenant's import or (nil, nil).
func (s *RuleImportStore) GetByID(_ context.Context, tenantID, id uuid.UUID) (*models.RuleImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, imp := range s.imports {
		if imp.ID == id && imp.TenantID == tenantID {
			out := imp
			return &out, nil
		}
	}
	return nil, nil
}

// GetByContentHash returns the latest applied import of the same file.
func (s *RuleImportStore) GetByContentHash(_ context.Context, tenantID uuid.UUID, hash string) (*models.RuleImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.imports) - 1; i >= 0; i-- {
		imp := s.imports[i]
		if imp.TenantID == tenantID && imp.Status == models.RuleImportApplied &&
			imp.ContentHash != nil && *imp.ContentHash == hash {
			return &imp, nil
		}
	}
	return nil, nil
}
