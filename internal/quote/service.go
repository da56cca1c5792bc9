// Package quote manages the quote lifecycle. Every mutation appends an
// immutable snapshot so any quote can be replayed or explained later.
package quote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/reconiq/quote-engine/internal/models"
)

var (
	// ErrQuoteNotFound covers both a missing quote and one owned by another tenant.
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrInvalidTransition is returned when finalize targets a status not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid quote status transition")
	// ErrNotEditable is returned when revising a quote that is no longer open.
	ErrNotEditable = errors.New("quote cannot be revised in its current status")
	// ErrValidation is returned for malformed requests before anything is persisted.
	ErrValidation = errors.New("invalid quote request")
)

const (
	defaultCurrency = "USD"
	lockStripes     = 64
)

// Service implements create, revise, finalize, replay and explain.
type Service struct {
	quotes      QuoteRepository
	snapshots   SnapshotRepository
	transitions TransitionRepository
	rules       RuleSource
	now         func() time.Time
	locks       [lockStripes]sync.Mutex
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a quote lifecycle service.
func NewService(quotes QuoteRepository, snapshots SnapshotRepository, transitions TransitionRepository, rules RuleSource, opts ...Option) *Service {
	s := &Service{
		quotes:      quotes,
		snapshots:   snapshots,
		transitions: transitions,
		rules:       rules,
		now:         time.Now,
		logger:      slog.Default().With(slog.String("service", "quote-lifecycle")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockQuote serializes mutations of one quote within this process. Quotes
// share a fixed set of stripes, so unrelated quotes may briefly contend. The
// repository's version check covers concurrent writers in other processes.
func (s *Service) lockQuote(id uuid.UUID) func() {
	mu := &s.locks[lockStripe(id)]
	mu.Lock()
	return mu.Unlock
}

func lockStripe(id uuid.UUID) int {
	return int(binary.BigEndian.Uint32(id[12:]) % lockStripes)
}

// Get returns a tenant's quote or ErrQuoteNotFound.
func (s *Service) Get(ctx context.Context, tenantID, quoteID uuid.UUID) (*models.Quote, error) {
	q, err := s.quotes.GetByID(ctx, tenantID, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quote: %w", err)
	}
	if q == nil || q.TenantID != tenantID {
		return nil, ErrQuoteNotFound
	}
	return q, nil
}

// CreateQuote prices the request, inserts the quote in draft and appends a
// quote_created snapshot.
func (s *Service) CreateQuote(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*models.Quote, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		slog.String("tenant_id", tenantID.String()),
		slog.String("actor", in.Actor),
	)

	p, err := s.price(ctx, tenantID, in.Pricing, in.Estimate, nil, nil)
	if err != nil {
		return nil, err
	}

	now := s.now()
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	quoteNumber := strings.TrimSpace(in.QuoteNumber)
	if quoteNumber == "" {
		quoteNumber = newQuoteNumber(now)
	}

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	q := &models.Quote{
		ID:           id,
		TenantID:     tenantID,
		QuoteNumber:  quoteNumber,
		Status:       models.QuoteStatusDraft,
		VIN:          p.vin,
		InspectionID: p.inspectionID,
		TaxRate:      in.TaxRate,
		Currency:     currency,
		QuoteVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	applyTotals(q, p)

	if err := s.quotes.Create(ctx, q); err != nil {
		logger.Error("failed to insert quote", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create quote: %w", err)
	}

	snap, err := s.newSnapshot(q, models.SnapshotQuoteCreated, p.input, p.context, p.metadata, in.Actor)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Append(ctx, snap); err != nil {
		logger.Error("failed to append snapshot", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to record quote snapshot: %w", err)
	}

	logger.Info("quote created",
		slog.String("quote_id", q.ID.String()),
		slog.String("snapshot_id", snap.ID),
		slog.Int64("total_cents", q.TotalCents))
	return q, nil
}

// ReviseQuote re-prices or patches the quote's line items and appends a
// quote_revised snapshot.
func (s *Service) ReviseQuote(ctx context.Context, tenantID, quoteID uuid.UUID, in ReviseInput) (*models.Quote, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	unlock := s.lockQuote(quoteID)
	defer unlock()

	logger := s.logger.With(
		slog.String("tenant_id", tenantID.String()),
		slog.String("quote_id", quoteID.String()),
		slog.String("actor", in.Actor),
	)

	q, err := s.Get(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}
	if !editableStatuses[q.Status] {
		return nil, fmt.Errorf("%w: status %s", ErrNotEditable, q.Status)
	}

	if in.TaxRate != nil {
		q.TaxRate = *in.TaxRate
	}

	var p *priced
	if in.Pricing == nil && in.Estimate == nil && in.LineItems == nil {
		p, err = s.retax(ctx, logger, q, &in)
	} else {
		p, err = s.price(ctx, tenantID, in.Pricing, in.Estimate, in.LineItems, &in)
	}
	if err != nil {
		return nil, err
	}

	expected := q.QuoteVersion
	q.QuoteVersion++
	q.UpdatedAt = s.now()
	if p.vin != "" {
		q.VIN = p.vin
	}
	if p.inspectionID != nil {
		q.InspectionID = p.inspectionID
	}
	applyTotals(q, p)

	if err := s.quotes.Update(ctx, q, expected); err != nil {
		logger.Error("failed to update quote", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to revise quote: %w", err)
	}

	snap, err := s.newSnapshot(q, models.SnapshotQuoteRevised, p.input, p.context, p.metadata, in.Actor)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Append(ctx, snap); err != nil {
		logger.Error("failed to append snapshot", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to record quote snapshot: %w", err)
	}

	logger.Info("quote revised",
		slog.Int("quote_version", q.QuoteVersion),
		slog.String("snapshot_id", snap.ID),
		slog.Int64("total_cents", q.TotalCents))
	return q, nil
}

// carryForward returns the latest snapshot's normalized context and rule
// metadata so a write that does not re-price keeps its explain trace. A
// context that no longer decodes is dropped with a warning.
func (s *Service) carryForward(ctx context.Context, logger *slog.Logger, tenantID, quoteID uuid.UUID) (NormalizedContext, json.RawMessage, error) {
	history, err := s.snapshots.ListByQuote(ctx, tenantID, quoteID)
	if err != nil {
		return NormalizedContext{}, nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	if len(history) == 0 {
		return NormalizedContext{}, nil, nil
	}

	latest := history[len(history)-1]
	var carried NormalizedContext
	if len(latest.NormalizedContext) > 0 {
		if err := json.Unmarshal(latest.NormalizedContext, &carried); err != nil {
			logger.Warn("dropping undecodable normalized context",
				slog.String("snapshot_id", latest.ID),
				slog.String("error", err.Error()))
			carried = NormalizedContext{}
		}
	}
	return carried, latest.RuleMetadata, nil
}

// retax keeps the stored line items and subtotal exactly as priced and only
// lets applyTotals recompute tax.
func (s *Service) retax(ctx context.Context, logger *slog.Logger, q *models.Quote, payload any) (*priced, error) {
	carried, rawMeta, err := s.carryForward(ctx, logger, q.TenantID, q.ID)
	if err != nil {
		return nil, err
	}

	var metadata RuleMetadata
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &metadata); err != nil {
			logger.Warn("dropping undecodable rule metadata", slog.String("error", err.Error()))
			metadata = RuleMetadata{}
		}
	}
	if metadata.MatchedRuleIDs == nil {
		metadata.MatchedRuleIDs = []string{}
	}

	trace := make([]string, 0, len(carried.CalculationTrace)+1)
	for _, line := range carried.CalculationTrace {
		if !strings.HasPrefix(line, taxTracePrefix) {
			trace = append(trace, line)
		}
	}
	carried.CalculationTrace = append(trace,
		fmt.Sprintf("Line items and subtotal of %d cents kept from version %d", q.SubtotalCents, q.QuoteVersion))

	return &priced{
		lineItems: append([]models.QuoteLineItem(nil), q.LineItems...),
		subtotal:  q.SubtotalCents,
		input:     payload,
		context:   carried,
		metadata:  metadata,
	}, nil
}

// FinalizeResult is what FinalizeQuote wrote.
type FinalizeResult struct {
	Quote      *models.Quote                `json:"quote"`
	Transition *models.QuoteTransitionEvent `json:"transition"`
	Snapshot   *models.QuoteSnapshot        `json:"snapshot"`
}

// FinalizeQuote moves the quote to a new status. It never re-prices: the
// quote_finalized snapshot records the stored line items and totals.
func (s *Service) FinalizeQuote(ctx context.Context, tenantID, quoteID uuid.UUID, in FinalizeInput) (*FinalizeResult, error) {
	if !ValidStatus(in.ToStatus) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, in.ToStatus)
	}

	unlock := s.lockQuote(quoteID)
	defer unlock()

	logger := s.logger.With(
		slog.String("tenant_id", tenantID.String()),
		slog.String("quote_id", quoteID.String()),
		slog.String("actor", in.Actor),
	)

	q, err := s.Get(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}

	from := q.Status
	if !CanTransition(from, in.ToStatus) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, in.ToStatus)
	}

	carried, carriedMeta, err := s.carryForward(ctx, logger, tenantID, quoteID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expected := q.QuoteVersion
	q.Status = in.ToStatus
	q.QuoteVersion++
	q.UpdatedAt = now
	switch in.ToStatus {
	case models.QuoteStatusApproved:
		q.ApprovedAt = &now
	case models.QuoteStatusDeclined:
		q.DeclinedAt = &now
	}

	if err := s.quotes.Update(ctx, q, expected); err != nil {
		logger.Error("failed to update quote status", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to finalize quote: %w", err)
	}

	event := &models.QuoteTransitionEvent{
		ID:         uuid.New(),
		TenantID:   tenantID,
		QuoteID:    quoteID,
		FromStatus: from,
		ToStatus:   in.ToStatus,
		Reason:     in.Reason,
		Actor:      in.Actor,
		CreatedAt:  now,
	}
	if err := s.transitions.Append(ctx, event); err != nil {
		logger.Error("failed to append transition event", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}

	snap, err := s.newSnapshot(q, models.SnapshotQuoteFinalized, in, carried, carriedMeta, in.Actor)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Append(ctx, snap); err != nil {
		logger.Error("failed to append snapshot", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to record quote snapshot: %w", err)
	}

	logger.Info("quote finalized",
		slog.String("from_status", string(from)),
		slog.String("to_status", string(in.ToStatus)),
		slog.String("snapshot_id", snap.ID))

	return &FinalizeResult{Quote: q, Transition: event, Snapshot: snap}, nil
}

// ReplayEntry is one step in a quote's price history.
type ReplayEntry struct {
	SnapshotID string                 `json:"snapshot_id"`
	Event      models.SnapshotEvent   `json:"event"`
	At         time.Time              `json:"at"`
	Version    int                    `json:"quote_version"`
	LineItems  []models.QuoteLineItem `json:"line_items"`
	Totals     models.QuoteTotals     `json:"totals"`
}

// ReplayResult is the quote with its ordered snapshot history.
type ReplayResult struct {
	Quote       *models.Quote                 `json:"quote"`
	Snapshots   []ReplayEntry                 `json:"snapshots"`
	Transitions []models.QuoteTransitionEvent `json:"transitions"`
}

// ReplayQuote returns the quote's snapshot history. It is read only.
func (s *Service) ReplayQuote(ctx context.Context, tenantID, quoteID uuid.UUID) (*ReplayResult, error) {
	q, err := s.Get(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}

	snaps, err := s.snapshots.ListByQuote(ctx, tenantID, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	events, err := s.transitions.ListByQuote(ctx, tenantID, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}

	entries := make([]ReplayEntry, 0, len(snaps))
	for _, snap := range snaps {
		entries = append(entries, ReplayEntry{
			SnapshotID: snap.ID,
			Event:      snap.SnapshotEvent,
			At:         snap.SnapshotAt,
			Version:    snap.QuoteVersion,
			LineItems:  snap.ComputedLineItems,
			Totals:     snap.ComputedTotals,
		})
	}

	return &ReplayResult{Quote: q, Snapshots: entries, Transitions: events}, nil
}

func (s *Service) newSnapshot(q *models.Quote, event models.SnapshotEvent, input any, nctx NormalizedContext, metadata any, actor string) (*models.QuoteSnapshot, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pricing input: %w", err)
	}
	contextJSON, err := json.Marshal(nctx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode normalized context: %w", err)
	}
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule metadata: %w", err)
	}

	now := s.now()
	return &models.QuoteSnapshot{
		ID:                  ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		TenantID:            q.TenantID,
		QuoteID:             q.ID,
		QuoteVersion:        q.QuoteVersion,
		SnapshotEvent:       event,
		PricingInputPayload: inputJSON,
		NormalizedContext:   contextJSON,
		RuleMetadata:        metaJSON,
		ComputedLineItems:   append([]models.QuoteLineItem(nil), q.LineItems...),
		ComputedTotals:      q.Totals(),
		SnapshotAt:          now,
		Actor:               actor,
	}, nil
}

func marshalMetadata(metadata any) (json.RawMessage, error) {
	switch m := metadata.(type) {
	case json.RawMessage:
		if len(m) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return m, nil
	case nil:
		return json.RawMessage(`{}`), nil
	default:
		return json.Marshal(m)
	}
}

func newQuoteNumber(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return fmt.Sprintf("Q-%s-%s", now.UTC().Format("20060102"), id[len(id)-6:])
}
