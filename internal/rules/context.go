package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/reconiq/quote-engine/internal/models"
)

// ErrInvalidContext is returned when a pricing request cannot be compiled.
var ErrInvalidContext = errors.New("invalid pricing context")

// ServiceLine is one requested service priced in minor units.
type ServiceLine struct {
	Code           string  `json:"code"`
	Description    string  `json:"description,omitempty"`
	BasePriceCents int64   `json:"base_price_cents"`
	Quantity       float64 `json:"quantity"`
}

// InspectionSignals summarizes damage findings from an inspection.
type InspectionSignals struct {
	DamageFindingCount int `json:"damage_finding_count"`
	SevereFindingCount int `json:"severe_finding_count"`
}

// RequestSignals carries per-request pricing modifiers.
type RequestSignals struct {
	DifficultyScore       *float64 `json:"difficulty_score,omitempty"`
	DemandMultiplier      *float64 `json:"demand_multiplier,omitempty"`
	VehicleSizeMultiplier *float64 `json:"vehicle_size_multiplier,omitempty"`
	AddOnsCents           int64    `json:"add_ons_cents"`
	DiscountCents         int64    `json:"discount_cents"`
}

// PricingInput is the caller-supplied half of a compiled context.
type PricingInput struct {
	QuoteID      *uuid.UUID        `json:"quote_id,omitempty"`
	InspectionID *string           `json:"inspection_id,omitempty"`
	VIN          string            `json:"vin,omitempty"`
	VehicleClass string            `json:"vehicle_class,omitempty"`
	Services     []ServiceLine     `json:"services"`
	Inspection   InspectionSignals `json:"inspection"`
	Signals      RequestSignals    `json:"signals"`
}

// Context is the compiled, per-request pricing context. It is an input to
// computation only and is captured inside snapshots for audit.
type Context struct {
	TenantID     uuid.UUID            `json:"tenant_id"`
	QuoteID      *uuid.UUID           `json:"quote_id,omitempty"`
	InspectionID *string              `json:"inspection_id,omitempty"`
	VIN          string               `json:"vin,omitempty"`
	VehicleClass string               `json:"vehicle_class,omitempty"`
	Services     []ServiceLine        `json:"services"`
	Inspection   InspectionSignals    `json:"inspection"`
	Signals      RequestSignals       `json:"signals"`
	Rules        []models.PricingRule `json:"rules"`
}

// BuildContext validates the input and binds it to the tenant's rule set.
func BuildContext(tenantID uuid.UUID, input PricingInput, records []models.PricingRule) (*Context, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidContext)
	}
	if len(input.Services) == 0 {
		return nil, fmt.Errorf("%w: at least one service is required", ErrInvalidContext)
	}

	services := make([]ServiceLine, 0, len(input.Services))
	for i, svc := range input.Services {
		code := strings.TrimSpace(svc.Code)
		if code == "" {
			return nil, fmt.Errorf("%w: service %d has no code", ErrInvalidContext, i)
		}
		if svc.BasePriceCents < 0 {
			return nil, fmt.Errorf("%w: service %s has a negative price", ErrInvalidContext, code)
		}
		if svc.Quantity <= 0 {
			return nil, fmt.Errorf("%w: service %s must have a positive quantity", ErrInvalidContext, code)
		}
		svc.Code = code
		services = append(services, svc)
	}

	if input.Signals.AddOnsCents < 0 || input.Signals.DiscountCents < 0 {
		return nil, fmt.Errorf("%w: add-ons and discount must be non-negative", ErrInvalidContext)
	}
	for name, m := range map[string]*float64{
		"demand_multiplier":       input.Signals.DemandMultiplier,
		"vehicle_size_multiplier": input.Signals.VehicleSizeMultiplier,
	} {
		if m != nil && *m < 0 {
			return nil, fmt.Errorf("%w: %s must be non-negative", ErrInvalidContext, name)
		}
	}

	tenantRules := make([]models.PricingRule, 0, len(records))
	for _, r := range records {
		if r.TenantID != uuid.Nil && r.TenantID != tenantID {
			continue
		}
		tenantRules = append(tenantRules, r)
	}

	return &Context{
		TenantID:     tenantID,
		QuoteID:      input.QuoteID,
		InspectionID: input.InspectionID,
		VIN:          strings.ToUpper(strings.TrimSpace(input.VIN)),
		VehicleClass: strings.ToLower(strings.TrimSpace(input.VehicleClass)),
		Services:     services,
		Inspection:   input.Inspection,
		Signals:      input.Signals,
		Rules:        tenantRules,
	}, nil
}

// ServiceCodes returns the requested service codes in request order.
func (c *Context) ServiceCodes() []string {
	codes := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		codes = append(codes, s.Code)
	}
	return codes
}
