package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Counter, Cache and Ledger.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memoryCounter
	cache    map[string]memoryCacheEntry
	ledger   []models.UsageLedgerEntry
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		counters: make(map[string]*memoryCounter),
		cache:    make(map[string]memoryCacheEntry),
	}
}

func (s *MemoryStore) Increment(ctx context.Context, tenantID uuid.UUID, operation string, bucket int64, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("%s:%s:%d", tenantID, operation, bucket)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && now.After(c.expiresAt)) {
		c = &memoryCounter{}
		s.counters[key] = c
	}
	c.count++
	if ttl > 0 {
		c.expiresAt = now.Add(ttl)
	}
	return c.count, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID uuid.UUID, cacheKey string) ([]byte, bool, error) {
	key := tenantID.String() + ":" + cacheKey

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.cache, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, tenantID uuid.UUID, cacheKey string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[tenantID.String()+":"+cacheKey] = memoryCacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, entry *models.UsageLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, *entry)
	return nil
}

// Entries returns the ledger entries recorded for a tenant, oldest first.
func (s *MemoryStore) Entries(tenantID uuid.UUID) []models.UsageLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.UsageLedgerEntry, 0)
	for _, e := range s.ledger {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}
