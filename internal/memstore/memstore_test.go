package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/repository"
)

func TestQuoteStore_VersionConflict(t *testing.T) {
	store := NewQuoteStore()
	ctx := context.Background()
	q := &models.Quote{ID: uuid.New(), TenantID: uuid.New(), QuoteVersion: 1}
	require.NoError(t, store.Create(ctx, q))

	q.QuoteVersion = 2
	require.NoError(t, store.Update(ctx, q, 1))

	stale := *q
	stale.QuoteVersion = 2
	err := store.Update(ctx, &stale, 1)

	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestQuoteStore_TenantScoped(t *testing.T) {
	store := NewQuoteStore()
	ctx := context.Background()
	q := &models.Quote{ID: uuid.New(), TenantID: uuid.New(), QuoteVersion: 1}
	require.NoError(t, store.Create(ctx, q))

	got, err := store.GetByID(ctx, uuid.New(), q.ID)

	require.NoError(t, err)
	assert.Nil(t, got, "Another tenant's quote reads as missing")
}

func TestQuoteStore_ReturnsCopies(t *testing.T) {
	store := NewQuoteStore()
	ctx := context.Background()
	q := &models.Quote{
		ID: uuid.New(), TenantID: uuid.New(), QuoteVersion: 1,
		LineItems: []models.QuoteLineItem{{Code: "wash", TotalCents: 100}},
	}
	require.NoError(t, store.Create(ctx, q))

	got, err := store.GetByID(ctx, q.TenantID, q.ID)
	require.NoError(t, err)
	got.LineItems[0].TotalCents = 999

	again, _ := store.GetByID(ctx, q.TenantID, q.ID)
	assert.Equal(t, int64(100), again.LineItems[0].TotalCents)
}

func TestSnapshotStore_OrdersByTimeThenID(t *testing.T) {
	store := NewSnapshotStore()
	ctx := context.Background()
	tenantID, quoteID := uuid.New(), uuid.New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, &models.QuoteSnapshot{ID: "03", TenantID: tenantID, QuoteID: quoteID, SnapshotAt: at.Add(time.Second)}))
	require.NoError(t, store.Append(ctx, &models.QuoteSnapshot{ID: "02", TenantID: tenantID, QuoteID: quoteID, SnapshotAt: at}))
	require.NoError(t, store.Append(ctx, &models.QuoteSnapshot{ID: "01", TenantID: tenantID, QuoteID: quoteID, SnapshotAt: at}))
	require.NoError(t, store.Append(ctx, &models.QuoteSnapshot{ID: "00", TenantID: uuid.New(), QuoteID: quoteID, SnapshotAt: at}))

	snaps, err := store.ListByQuote(ctx, tenantID, quoteID)

	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"01", "02", "03"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})
}

func TestRuleStore_UpsertByCode(t *testing.T) {
	store := NewRuleStore()
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := store.Upsert(ctx, []models.PricingRule{
		{TenantID: tenantID, Code: "b", Priority: 2},
		{TenantID: tenantID, Code: "a", Priority: 2},
		{TenantID: tenantID, Code: "z", Priority: 1},
	})
	require.NoError(t, err)

	first, _ := store.ListByTenant(ctx, tenantID)
	n, err := store.Upsert(ctx, []models.PricingRule{{TenantID: tenantID, Code: "a", Priority: 0, Name: "renamed"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err := store.ListByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "a", rules[0].Code)
	assert.Equal(t, "renamed", rules[0].Name)
	assert.Equal(t, first[1].ID, rules[0].ID, "Upsert keeps the rule id")

	_, err = store.Upsert(ctx, []models.PricingRule{{Code: "orphan"}})
	assert.Error(t, err)
}

func TestAgentRunStore_CompleteOnlyOnce(t *testing.T) {
	store := NewAgentRunStore()
	ctx := context.Background()
	run := &models.AgentRun{ID: uuid.New(), TenantID: uuid.New(), Status: models.AgentRunRunning}
	require.NoError(t, store.Create(ctx, run))

	done := *run
	done.Status = models.AgentRunSucceeded
	require.NoError(t, store.Complete(ctx, &done))
	assert.Error(t, store.Complete(ctx, &done))
	assert.Equal(t, 1, store.TerminalWrites(run.ID))
}

func TestAgentMemoryStore_ScopedByTenant(t *testing.T) {
	store := NewAgentMemoryStore()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	require.NoError(t, store.Upsert(ctx, &models.AgentMemory{ID: uuid.New(), TenantID: tenantA, Scope: "shared", Key: "k"}))
	require.NoError(t, store.Upsert(ctx, &models.AgentMemory{ID: uuid.New(), TenantID: tenantB, Scope: "shared", Key: "k"}))

	a, err := store.ListRecent(ctx, tenantA, "shared", 10)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, tenantA, a[0].TenantID)
}

func TestQuoteStore_ListByTenantNewestFirst(t *testing.T) {
	store := NewQuoteStore()
	ctx := context.Background()
	tenantID := uuid.New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &models.Quote{
			ID: uuid.New(), TenantID: tenantID, QuoteNumber: string(rune('A' + i)),
			QuoteVersion: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Create(ctx, &models.Quote{ID: uuid.New(), TenantID: uuid.New(), QuoteVersion: 1}))

	got, err := store.ListByTenant(ctx, tenantID, 2)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].QuoteNumber)
	assert.Equal(t, "B", got[1].QuoteNumber)
}

func TestIdempotencyStore_ClaimAndExpiry(t *testing.T) {
	store := NewIdempotencyStore(time.Hour)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	tenantID := uuid.New()
	first, second := uuid.New(), uuid.New()

	claim, err := store.Claim(ctx, tenantID, "key-1", repository.ResourceQuote, first)
	require.NoError(t, err)
	assert.False(t, claim.AlreadyExists)

	claim, err = store.Claim(ctx, tenantID, "key-1", repository.ResourceQuote, second)
	require.NoError(t, err)
	assert.True(t, claim.AlreadyExists)
	assert.Equal(t, first, claim.ResourceID)

	other, err := store.Claim(ctx, tenantID, "key-1", repository.ResourceRuleImport, second)
	require.NoError(t, err)
	assert.False(t, other.AlreadyExists, "Keys are scoped by resource type")

	now = now.Add(2 * time.Hour)
	claim, err = store.Claim(ctx, tenantID, "key-1", repository.ResourceQuote, second)
	require.NoError(t, err)
	assert.False(t, claim.AlreadyExists, "Expired keys can be claimed again")

	require.NoError(t, store.Release(ctx, tenantID, "key-1", repository.ResourceQuote))
	_, err = store.Claim(ctx, tenantID, "", repository.ResourceQuote, first)
	assert.ErrorIs(t, err, repository.ErrEmptyIdempotencyKey)
}
