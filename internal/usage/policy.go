package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy is the resolved limit, cache and pricing configuration for one call.
type Policy struct {
	MaxRequestsPerWindow int           `json:"max_requests_per_window"`
	Window               time.Duration `json:"window"`
	CacheTTL             time.Duration `json:"cache_ttl"`
	TokenCostUSDPer1K    float64       `json:"token_cost_usd_per_1k"`
}

// PolicyOverride replaces only the fields it sets.
type PolicyOverride struct {
	MaxRequestsPerWindow *int           `json:"max_requests_per_window,omitempty"`
	Window               *time.Duration `json:"window,omitempty"`
	CacheTTL             *time.Duration `json:"cache_ttl,omitempty"`
	TokenCostUSDPer1K    *float64       `json:"token_cost_usd_per_1k,omitempty"`
}

type tenantOperation struct {
	tenantID  uuid.UUID
	operation string
}

// Policies resolves tenant+operation override > operation override > global default.
type Policies struct {
	mu         sync.RWMutex
	global     Policy
	operations map[string]PolicyOverride
	tenants    map[tenantOperation]PolicyOverride
}

// NewPolicies creates a resolver with the given global default.
func NewPolicies(global Policy) (*Policies, error) {
	if err := validatePolicy(global); err != nil {
		return nil, fmt.Errorf("invalid global usage policy: %w", err)
	}
	return &Policies{
		global:     global,
		operations: make(map[string]PolicyOverride),
		tenants:    make(map[tenantOperation]PolicyOverride),
	}, nil
}

// SetOperation installs an operation-level override.
func (p *Policies) SetOperation(operation string, o PolicyOverride) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.operations[operation] = o
}

// SetTenantOperation installs a tenant+operation override.
func (p *Policies) SetTenantOperation(tenantID uuid.UUID, operation string, o PolicyOverride) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[tenantOperation{tenantID, operation}] = o
}

// Resolve merges global defaults with the operation and tenant overrides.
func (p *Policies) Resolve(tenantID uuid.UUID, operation string) (Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	resolved := p.global
	if o, ok := p.operations[operation]; ok {
		resolved = o.apply(resolved)
	}
	if o, ok := p.tenants[tenantOperation{tenantID, operation}]; ok {
		resolved = o.apply(resolved)
	}

	if err := validatePolicy(resolved); err != nil {
		return Policy{}, fmt.Errorf("usage policy for %s: %w", operation, err)
	}
	return resolved, nil
}

func (o PolicyOverride) apply(p Policy) Policy {
	if o.MaxRequestsPerWindow != nil {
		p.MaxRequestsPerWindow = *o.MaxRequestsPerWindow
	}
	if o.Window != nil {
		p.Window = *o.Window
	}
	if o.CacheTTL != nil {
		p.CacheTTL = *o.CacheTTL
	}
	if o.TokenCostUSDPer1K != nil {
		p.TokenCostUSDPer1K = *o.TokenCostUSDPer1K
	}
	return p
}

func validatePolicy(p Policy) error {
	if p.MaxRequestsPerWindow < 0 {
		return fmt.Errorf("max requests per window must be non-negative")
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms")
	}
	if p.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must be non-negative")
	}
	if p.TokenCostUSDPer1K < 0 {
		return fmt.Errorf("token cost must be non-negative")
	}
	return nil
}
