// Package memstore holds in-memory repositories used by tests and by the
// server when STORE_BACKEND=memory. Each store is created explicitly and owns
// its own state.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/repository"
)

// QuoteStore keeps quotes keyed by id.
type QuoteStore struct {
	mu     sync.RWMutex
	quotes map[uuid.UUID]models.Quote
}

// NewQuoteStore creates an empty quote store.
func NewQuoteStore() *QuoteStore {
	return &QuoteStore{quotes: make(map[uuid.UUID]models.Quote)}
}

// Create inserts a new quote.
func (s *QuoteStore) Create(_ context.Context, q *models.Quote) error {
	if q == nil {
		return errors.New("quote cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quotes[q.ID]; exists {
		return errors.New("quote already exists")
	}
	s.quotes[q.ID] = copyQuote(*q)
	return nil
}

// GetByID returns the tenant's quote or (nil, nil).
func (s *QuoteStore) GetByID(_ context.Context, tenantID, id uuid.UUID) (*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok || q.TenantID != tenantID {
		return nil, nil
	}
	out := copyQuote(q)
	return &out, nil
}

// Update replaces the quote when the stored version matches expectedVersion.
func (s *QuoteStore) Update(_ context.Context, q *models.Quote, expectedVersion int) error {
	if q == nil {
		return errors.New("quote cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.quotes[q.ID]
	if !ok || stored.TenantID != q.TenantID {
		return errors.New("quote not found")
	}
	if stored.QuoteVersion != expectedVersion {
		return repository.ErrVersionConflict
	}
	s.quotes[q.ID] = copyQuote(*q)
	return nil
}

// ListByTenant returns the tenant's quotes, newest first.
func (s *QuoteStore) ListByTenant(_ context.Context, tenantID uuid.UUID, limit int) ([]models.Quote, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	out := make([]models.Quote, 0)
	for _, q := range s.quotes {
		if q.TenantID == tenantID {
			out = append(out, copyQuote(q))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyQuote(q models.Quote) models.Quote {
	q.LineItems = append([]models.QuoteLineItem(nil), q.LineItems...)
	return q
}

// SnapshotStore is an append-only snapshot log.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots []models.QuoteSnapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Append adds a snapshot.
func (s *SnapshotStore) Append(_ context.Context, snap *models.QuoteSnapshot) error {
	if snap == nil {
		return errors.New("snapshot cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// ListByQuote returns the quote's snapshots ordered by snapshot time, then id.
func (s *SnapshotStore) ListByQuote(_ context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.QuoteSnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID && snap.QuoteID == quoteID {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SnapshotAt.Equal(out[j].SnapshotAt) {
			return out[i].SnapshotAt.Before(out[j].SnapshotAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TransitionStore is an append-only transition event log.
type TransitionStore struct {
	mu     sync.RWMutex
	events []models.QuoteTransitionEvent
}

// NewTransitionStore creates an empty transition store.
func NewTransitionStore() *TransitionStore {
	return &TransitionStore{}
}

// Append adds a transition event.
func (s *TransitionStore) Append(_ context.Context, e *models.QuoteTransitionEvent) error {
	if e == nil {
		return errors.New("transition event cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

// ListByQuote returns the quote's events in insertion order.
func (s *TransitionStore) ListByQuote(_ context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteTransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.QuoteTransitionEvent, 0)
	for _, e := range s.events {
		if e.TenantID == tenantID && e.QuoteID == quoteID {
			out = append(out, e)
		}
	}
	return out, nil
}
