package quote

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/models"
)

// NoTraceMessage is returned as the only trace line when the latest snapshot
// carries no calculation trace.
const NoTraceMessage = "No calculation trace was captured for this quote"

// Explanation is a quote's current totals with the trace that produced them.
type Explanation struct {
	QuoteID       uuid.UUID            `json:"quote_id"`
	QuoteNumber   string               `json:"quote_number"`
	Status        models.QuoteStatus   `json:"status"`
	QuoteVersion  int                  `json:"quote_version"`
	Totals        models.QuoteTotals   `json:"totals"`
	SnapshotID    string               `json:"snapshot_id,omitempty"`
	SnapshotEvent models.SnapshotEvent `json:"snapshot_event,omitempty"`
	Coefficients  map[string]float64   `json:"coefficients"`
	Trace         []string             `json:"trace"`
}

// ExplainQuotePrice builds a human-readable trace from the latest snapshot.
// Estimate-backed snapshots are re-explained from their artifact; otherwise the
// stored trace is returned as captured.
func (s *Service) ExplainQuotePrice(ctx context.Context, tenantID, quoteID uuid.UUID) (*Explanation, error) {
	q, err := s.Get(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}

	snaps, err := s.snapshots.ListByQuote(ctx, tenantID, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	exp := &Explanation{
		QuoteID:      q.ID,
		QuoteNumber:  q.QuoteNumber,
		Status:       q.Status,
		QuoteVersion: q.QuoteVersion,
		Totals:       q.Totals(),
		Coefficients: map[string]float64{},
		Trace:        []string{NoTraceMessage},
	}
	if len(snaps) == 0 {
		return exp, nil
	}

	latest := snaps[len(snaps)-1]
	exp.SnapshotID = latest.ID
	exp.SnapshotEvent = latest.SnapshotEvent

	nctx, ok := unmarshalContext(latest.NormalizedContext)
	if !ok {
		return exp, nil
	}
	if nctx.Coefficients != nil {
		exp.Coefficients = nctx.Coefficients
	}

	switch {
	case nctx.Artifact != nil:
		exp.Trace = estimate.ExplainArtifact(*nctx.Artifact)
		exp.Trace = append(exp.Trace, taxLine(q))
	case len(nctx.CalculationTrace) > 0:
		exp.Trace = nctx.CalculationTrace
	}
	return exp, nil
}

func taxLine(q *models.Quote) string {
	return fmt.Sprintf(taxTracePrefix+"%s on %d cents = %d cents; quote total %d cents",
		percent(q.TaxRate), q.SubtotalCents, q.TaxCents, q.TotalCents)
}
