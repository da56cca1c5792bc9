// Package inspection tracks an inspection from intake to delivery and turns
// its findings into pricing signals.
package inspection

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
	"github.com/reconiq/quote-engine/internal/models"
)

// Status is the inspection's position in the pipeline.
type Status string

const (
	StatusIntake    Status = "intake"
	StatusEnriched  Status = "enriched"
	StatusAnalyzed  Status = "analyzed"
	StatusPriced    Status = "priced"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ErrInvalidStep is returned when a step is run out of order.
var ErrInvalidStep = errors.New("invalid inspection step")

var nextStatus = map[Status]Status{
	StatusIntake:   StatusEnriched,
	StatusEnriched: StatusAnalyzed,
	StatusAnalyzed: StatusPriced,
	StatusPriced:   StatusDelivered,
}

// StatusChange is one entry in an inspection's history.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Inspection is a vehicle inspection moving through the pipeline.
type Inspection struct {
	ID              uuid.UUID                    `json:"inspection_id"`
	TenantID        uuid.UUID                    `json:"tenant_id"`
	VIN             string                       `json:"vin"`
	PhotoURLs       []string                     `json:"photo_urls"`
	Notes           string                       `json:"notes"`
	Mileage         float64                      `json:"mileage,omitempty"`
	Status          Status                       `json:"status"`
	Vehicle         *inference.VehicleAttributes `json:"vehicle,omitempty"`
	Finding         *inference.VisionFinding     `json:"finding,omitempty"`
	DifficultyScore *float64                     `json:"difficulty_score,omitempty"`
	Estimate        *models.Estimate             `json:"estimate,omitempty"`
	LastError       *string                      `json:"last_error,omitempty"`
	History         []StatusChange               `json:"history"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// New creates an inspection in intake.
func New(tenantID uuid.UUID, vin string, photoURLs []string, notes string, now time.Time) (*Inspection, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidStep)
	}
	if vin == "" {
		return nil, fmt.Errorf("%w: vin is required", ErrInvalidStep)
	}
	return &Inspection{
		ID:        uuid.New(),
		TenantID:  tenantID,
		VIN:       vin,
		PhotoURLs: photoURLs,
		Notes:     notes,
		Status:    StatusIntake,
		History:   []StatusChange{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Advance moves the inspection to the next status. Steps cannot be skipped and
// terminal inspections do not move.
func (i *Inspection) Advance(to Status, now time.Time) error {
	want, ok := nextStatus[i.Status]
	if !ok || want != to {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStep, i.Status, to)
	}
	i.record(to, now, "")
	return nil
}

// Fail marks a non-terminal inspection failed.
func (i *Inspection) Fail(cause error, now time.Time) {
	if i.Terminal() {
		return
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	i.LastError = &msg
	i.record(StatusFailed, now, msg)
}

// Terminal reports whether the inspection is delivered or failed.
func (i *Inspection) Terminal() bool {
	return i.Status == StatusDelivered || i.Status == StatusFailed
}

func (i *Inspection) record(to Status, now time.Time, reason string) {
	i.History = append(i.History, StatusChange{From: i.Status, To: to, At: now, Reason: reason})
	i.Status = to
	i.UpdatedAt = now
}

var severityDifficulty = map[string]float64{
	inference.SeverityMinor:    2,
	inference.SeverityModerate: 5,
	inference.SeveritySevere:   8,
}

// DifficultyScore maps a vision finding to a 0-10 score: a severity base plus
// half a point per recommended service beyond the first.
func DifficultyScore(f *inference.VisionFinding) float64 {
	if f == nil {
		return 0
	}
	score, ok := severityDifficulty[strings.ToLower(f.Severity)]
	if !ok {
		score = severityDifficulty[inference.SeverityMinor]
	}
	if extra := len(f.RecommendedServices) - 1; extra > 0 {
		score += 0.5 * float64(extra)
	}
	score = math.Min(10, math.Max(0, score))
	return math.Round(score*10) / 10
}

// DamageFindings turns a vision finding into one estimate finding per
// recommended service, all at the finding's severity.
func DamageFindings(f *inference.VisionFinding) []estimate.DamageFinding {
	if f == nil {
		return nil
	}
	findings := make([]estimate.DamageFinding, 0, len(f.RecommendedServices))
	for _, svc := range f.RecommendedServices {
		findings = append(findings, estimate.DamageFinding{
			Code:        svc,
			Description: strings.ReplaceAll(svc, "_", " "),
			Severity:    strings.ToLower(f.Severity),
		})
	}
	return findings
}
