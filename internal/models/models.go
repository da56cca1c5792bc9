package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant represents an isolated shop account.
type Tenant struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// QuoteStatus is the lifecycle state of a quote.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "draft"
	QuoteStatusReview   QuoteStatus = "review"
	QuoteStatusSent     QuoteStatus = "sent"
	QuoteStatusApproved QuoteStatus = "approved"
	QuoteStatusDeclined QuoteStatus = "declined"
	QuoteStatusExpired  QuoteStatus = "expired"
	QuoteStatusArchived QuoteStatus = "archived"
)

// QuoteLineItem is a priced line on a quote, in minor currency units.
type QuoteLineItem struct {
	Code           string  `json:"code"`
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TotalCents     int64   `json:"total_cents"`
}

// QuoteTotals groups the money columns of a quote.
type QuoteTotals struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	TaxCents      int64  `json:"tax_cents"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

// Quote is a versioned, priced proposal for one vehicle.
// DB columns: id, tenant_id, quote_number, status, vin, inspection_id,
//
//	subtotal_cents, tax_cents, total_cents, tax_rate, currency, line_items,
//	quote_version, approved_at, declined_at, created_at, updated_at
type Quote struct {
	ID            uuid.UUID       `json:"quote_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	QuoteNumber   string          `json:"quote_number"`
	Status        QuoteStatus     `json:"status"`
	VIN           string          `json:"vin,omitempty"`
	InspectionID  *string         `json:"inspection_id,omitempty"`
	SubtotalCents int64           `json:"subtotal_cents"`
	TaxCents      int64           `json:"tax_cents"`
	TotalCents    int64           `json:"total_cents"`
	TaxRate       float64         `json:"tax_rate"`
	Currency      string          `json:"currency"`
	LineItems     []QuoteLineItem `json:"line_items"`
	QuoteVersion  int             `json:"quote_version"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	DeclinedAt    *time.Time      `json:"declined_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Totals returns the quote's current money columns.
func (q *Quote) Totals() QuoteTotals {
	return QuoteTotals{
		SubtotalCents: q.SubtotalCents,
		TaxCents:      q.TaxCents,
		TotalCents:    q.TotalCents,
		Currency:      q.Currency,
	}
}

// SnapshotEvent names the mutation that produced a snapshot.
type SnapshotEvent string

const (
	SnapshotQuoteCreated   SnapshotEvent = "quote_created"
	SnapshotQuoteRevised   SnapshotEvent = "quote_revised"
	SnapshotQuoteFinalized SnapshotEvent = "quote_finalized"
)

// QuoteSnapshot is an append-only record of a quote's computed state.
// DB columns: id, tenant_id, quote_id, quote_version, snapshot_event,
//
//	pricing_input_payload, normalized_context, rule_metadata,
//	computed_line_items, computed_totals, snapshot_at, actor
type QuoteSnapshot struct {
	ID                  string          `json:"snapshot_id"`
	TenantID            uuid.UUID       `json:"tenant_id"`
	QuoteID             uuid.UUID       `json:"quote_id"`
	QuoteVersion        int             `json:"quote_version"`
	SnapshotEvent       SnapshotEvent   `json:"snapshot_event"`
	PricingInputPayload json.RawMessage `json:"pricing_input_payload"`
	NormalizedContext   json.RawMessage `json:"normalized_context"`
	RuleMetadata        json.RawMessage `json:"rule_metadata"`
	ComputedLineItems   []QuoteLineItem `json:"computed_line_items"`
	ComputedTotals      QuoteTotals     `json:"computed_totals"`
	SnapshotAt          time.Time       `json:"snapshot_at"`
	Actor               string          `json:"actor"`
}

// QuoteTransitionEvent records a status change applied by finalize.
// DB columns: id, tenant_id, quote_id, from_status, to_status, reason, actor, created_at
type QuoteTransitionEvent struct {
	ID         uuid.UUID   `json:"id"`
	TenantID   uuid.UUID   `json:"tenant_id"`
	QuoteID    uuid.UUID   `json:"quote_id"`
	FromStatus QuoteStatus `json:"from_status"`
	ToStatus   QuoteStatus `json:"to_status"`
	Reason     string      `json:"reason"`
	Actor      string      `json:"actor"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RuleActionType enumerates what a matched pricing rule does to the running subtotal.
type RuleActionType string

const (
	ActionMultiplySubtotal RuleActionType = "multiply_subtotal"
	ActionAddCents         RuleActionType = "add_cents"
	ActionSubtractCents    RuleActionType = "subtract_cents"
)

// RuleConditions is the predicate half of a declarative pricing rule.
// Unset bounds and empty lists do not constrain.
type RuleConditions struct {
	ServiceCodes       []string `json:"service_codes,omitempty"`
	MinSubtotalCents   *int64   `json:"min_subtotal_cents,omitempty"`
	MaxSubtotalCents   *int64   `json:"max_subtotal_cents,omitempty"`
	MinDifficultyScore *float64 `json:"min_difficulty_score,omitempty"`
	MaxDifficultyScore *float64 `json:"max_difficulty_score,omitempty"`
	VehicleClasses     []string `json:"vehicle_classes,omitempty"`
}

// RuleAction is the effect half of a declarative pricing rule.
type RuleAction struct {
	Type  RuleActionType `json:"type"`
	Value float64        `json:"value"`
	// LaborMultiplier optionally scales labor hours on the estimate surface.
	LaborMultiplier *float64 `json:"labor_multiplier,omitempty"`
}

// PricingRule is a tenant-defined, priority-ordered condition/action pair.
// DB columns: id, tenant_id, code, name, priority, is_active, conditions, action,
//
//	created_at, updated_at
type PricingRule struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	IsActive   bool            `json:"is_active"`
	Conditions *RuleConditions `json:"conditions,omitempty"`
	Action     *RuleAction     `json:"action,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// UsageLedgerEntry is an append-only billing/abuse record for one metered call.
// DB columns: id, tenant_id, operation, cache_key, model, input_tokens,
//
//	output_tokens, cost_usd, cache_hit, correlation_id, metadata, created_at
type UsageLedgerEntry struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	Operation     string         `json:"operation"`
	CacheKey      string         `json:"cache_key"`
	Model         string         `json:"model,omitempty"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	CostUSD       float64        `json:"cost_usd"`
	CacheHit      bool           `json:"cache_hit"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Agent run states.
const (
	AgentRunRunning   = "running"
	AgentRunSucceeded = "succeeded"
	AgentRunFailed    = "failed"
)

// AgentRun records one execution of a named agent step.
// DB columns: id, tenant_id, agent_name, status, input, output, last_error,
//
//	duration_ms, started_at, completed_at, created_at, updated_at
type AgentRun struct {
	ID          uuid.UUID       `json:"run_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	AgentName   string          `json:"agent_name"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	DurationMs  *int            `json:"duration_ms,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AgentMemory is a namespaced key/value entry scoped as "<tenant>:<namespace>".
// DB columns: id, tenant_id, scope, memory_key, value, created_at, updated_at
type AgentMemory struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Scope     string          `json:"scope"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Rule import outcomes.
const (
	RuleImportApplied  = "applied"
	RuleImportRejected = "rejected"
)

// RuleImport is the audit record of one pricing-rule CSV import.
// DB columns: id, tenant_id, filename, file_size, status, row_count,
//
//	imported_count, warnings, errors, content_hash, idempotency_key, created_at
type RuleImport struct {
	ID             uuid.UUID       `json:"import_id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Filename       string          `json:"filename"`
	FileSize       int64           `json:"file_size"`
	Status         string          `json:"status"`
	RowCount       int             `json:"row_count"`
	ImportedCount  int             `json:"imported_count"`
	Warnings       json.RawMessage `json:"warnings"`
	Errors         json.RawMessage `json:"errors"`
	ContentHash    *string         `json:"content_hash,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UsagePolicyRow is a stored usage policy override. A nil TenantID applies
// to every tenant; nil limit fields leave the inherited value in place.
// DB columns: id, tenant_id, operation, max_requests, window_ms, cache_ttl_ms,
//
//	token_cost_usd_per_1k, is_active, created_at, updated_at
type UsagePolicyRow struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          *uuid.UUID `json:"tenant_id,omitempty"`
	Operation         string     `json:"operation"`
	MaxRequests       *int       `json:"max_requests,omitempty"`
	WindowMs          *int64     `json:"window_ms,omitempty"`
	CacheTTLMs        *int64     `json:"cache_ttl_ms,omitempty"`
	TokenCostUSDPer1K *float64   `json:"token_cost_usd_per_1k,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
