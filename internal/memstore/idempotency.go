package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/repository"
)

type idempotencyKey struct {
	tenantID     uuid.UUID
	key          string
	resourceType string
}

type idempotencyClaim struct {
	resourceID uuid.UUID
	expiresAt  time.Time
}

// IdempotencyStore mirrors the Postgres claim semantics in memory.
type IdempotencyStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[idempotencyKey]idempotencyClaim
}

// NewIdempotencyStore creates a store whose keys expire after ttl (a day when zero).
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{
		ttl:    ttl,
		now:    time.Now,
		claims: make(map[idempotencyKey]idempotencyClaim),
	}
}

// Claim records key for resourceID unless a live claim already exists.
func (s *IdempotencyStore) Claim(_ context.Context, tenantID uuid.UUID, key, resourceType string, resourceID uuid.UUID) (*repository.IdempotencyResult, error) {
	if key == "" {
		return nil, repository.ErrEmptyIdempotencyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := idempotencyKey{tenantID: tenantID, key: key, resourceType: resourceType}
	now := s.now()
	if existing, ok := s.claims[k]; ok && existing.expiresAt.After(now) {
		return &repository.IdempotencyResult{AlreadyExists: true, ResourceID: existing.resourceID}, nil
	}
	s.claims[k] = idempotencyClaim{resourceID: resourceID, expiresAt: now.Add(s.ttl)}
	return &repository.IdempotencyResult{ResourceID: resourceID}, nil
}

// Release drops a claim.
func (s *IdempotencyStore) Release(_ context.Context, tenantID uuid.UUID, key, resourceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, idempotencyKey{tenantID: tenantID, key: key, resourceType: resourceType})
	return nil
}
