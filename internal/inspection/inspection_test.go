package inspection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func photos(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://cdn.test/photo.jpg"
	}
	return out
}

// --- State machine ---

func TestInspection_StepsCannotBeSkipped(t *testing.T) {
	insp, err := New(uuid.New(), " 1hgcm82633a004352 ", nil, "", t0)
	require.NoError(t, err)
	assert.Equal(t, "1HGCM82633A004352", insp.VIN)
	assert.Equal(t, StatusIntake, insp.Status)

	err = insp.Advance(StatusAnalyzed, t0)
	assert.ErrorIs(t, err, ErrInvalidStep)

	require.NoError(t, insp.Advance(StatusEnriched, t0))
	require.NoError(t, insp.Advance(StatusAnalyzed, t0))
	require.NoError(t, insp.Advance(StatusPriced, t0))
	require.NoError(t, insp.Advance(StatusDelivered, t0))
	assert.True(t, insp.Terminal())

	assert.ErrorIs(t, insp.Advance(StatusFailed, t0), ErrInvalidStep)
	assert.Len(t, insp.History, 4)
}

func TestInspection_FailIsTerminal(t *testing.T) {
	insp, err := New(uuid.New(), "VIN", nil, "", t0)
	require.NoError(t, err)

	insp.Fail(errors.New("decoder down"), t0)
	require.Equal(t, StatusFailed, insp.Status)
	require.NotNil(t, insp.LastError)
	assert.Equal(t, "decoder down", *insp.LastError)

	insp.Fail(errors.New("second"), t0)
	assert.Equal(t, "decoder down", *insp.LastError, "Failing twice keeps the first error")
	assert.Len(t, insp.History, 1)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(uuid.Nil, "VIN", nil, "", t0)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = New(uuid.New(), "  ", nil, "", t0)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

// --- Signals ---

func TestDifficultyScore(t *testing.T) {
	assert.Equal(t, 0.0, DifficultyScore(nil))
	assert.Equal(t, 2.0, DifficultyScore(&inference.VisionFinding{Severity: "minor", RecommendedServices: []string{"wash"}}))
	assert.Equal(t, 5.5, DifficultyScore(&inference.VisionFinding{Severity: "moderate", RecommendedServices: []string{"a", "b"}}))
	assert.Equal(t, 9.0, DifficultyScore(&inference.VisionFinding{Severity: "SEVERE", RecommendedServices: []string{"a", "b", "c"}}))
	assert.Equal(t, 10.0, DifficultyScore(&inference.VisionFinding{Severity: "severe", RecommendedServices: make([]string, 12)}))
}

func TestDamageFindings(t *testing.T) {
	findings := DamageFindings(&inference.VisionFinding{
		Severity:            "Moderate",
		RecommendedServices: []string{"paint_correction", "interior_deep_clean"},
	})

	require.Len(t, findings, 2)
	assert.Equal(t, "paint_correction", findings[0].Code)
	assert.Equal(t, "paint correction", findings[0].Description)
	assert.Equal(t, "moderate", findings[0].Severity)
}

// --- Orchestrator ---

func TestOrchestrator_FullFlowOnFallbacks(t *testing.T) {
	orch := NewOrchestrator(
		inference.NewEnricher(nil, nil),
		inference.NewVisionClient(nil, nil),
		estimate.NewService(),
	)
	ctx := context.Background()

	insp, err := New(uuid.New(), "1HGCM82633A004352", photos(5), "light swirl marks", t0)
	require.NoError(t, err)

	require.NoError(t, orch.Enrich(ctx, insp))
	require.NotNil(t, insp.Vehicle)
	assert.True(t, insp.Vehicle.DecodeFallbackUsed)
	assert.Equal(t, inference.ClassUnknown, insp.Vehicle.NormalizedVehicleClass)

	require.NoError(t, orch.Analyze(ctx, insp))
	require.NotNil(t, insp.Finding)
	assert.Equal(t, inference.SeverityModerate, insp.Finding.Severity)
	require.NotNil(t, insp.DifficultyScore)
	assert.Equal(t, 5.5, *insp.DifficultyScore)

	in := EstimateInput(insp, PriceOptions{})
	assert.Equal(t, 3.75, in.LaborPrediction.BaseHours, "1 + 5.5/2")
	assert.False(t, in.AIAvailable)
	require.NotNil(t, in.Factors.VehicleSize)

	require.NoError(t, orch.Price(ctx, insp, PriceOptions{}))
	require.NotNil(t, insp.Estimate)
	assert.True(t, insp.Estimate.UsedFallback)

	replayed, err := estimate.ReplayEstimateTotalFromArtifact(insp.Estimate.Artifact)
	require.NoError(t, err)
	assert.Equal(t, insp.Estimate.Total, replayed)

	require.NoError(t, orch.Deliver(insp))
	assert.Equal(t, StatusDelivered, insp.Status)
}

func TestOrchestrator_OutOfOrderStep(t *testing.T) {
	orch := NewOrchestrator(inference.NewEnricher(nil, nil), inference.NewVisionClient(nil, nil), estimate.NewService())
	insp, err := New(uuid.New(), "VIN123", nil, "", t0)
	require.NoError(t, err)

	assert.ErrorIs(t, orch.Analyze(context.Background(), insp), ErrInvalidStep)
	assert.ErrorIs(t, orch.Price(context.Background(), insp, PriceOptions{}), ErrInvalidStep)
	assert.ErrorIs(t, orch.Deliver(insp), ErrInvalidStep)
	assert.Equal(t, StatusIntake, insp.Status)
}

// --- Routing ---

func routingCrew() []Technician {
	return []Technician{
		{ID: "tech-c", Skills: []string{"paint", "interior"}, ActiveJobs: 3, Capacity: 3, DistanceKm: 0},
		{ID: "tech-b", Skills: []string{"paint"}, ActiveJobs: 0, Capacity: 2, DistanceKm: 0},
		{ID: "tech-a", Skills: []string{"Paint", "interior"}, ActiveJobs: 1, Capacity: 4, DistanceKm: 10},
	}
}

func TestScoreTechnician_Weights(t *testing.T) {
	job := Job{RequiredSkills: []string{"paint", "interior"}, MaxDistanceKm: 50}

	a := ScoreTechnician(job, routingCrew()[2])

	// 1.0 x 0.5 + 0.75 x 0.3 + 0.8 x 0.2
	assert.InDelta(t, 0.885, a.Score, 1e-9)
	require.Len(t, a.Factors, 3)
	assert.Equal(t, "skill_match", a.Factors[0].Name, "Factors sorted by contribution")
	assert.Contains(t, a.Summary, "skill match")
}

func TestRankTechnicians_Order(t *testing.T) {
	job := Job{RequiredSkills: []string{"paint", "interior"}, MaxDistanceKm: 50}

	ranked := RankTechnicians(job, routingCrew())

	require.Len(t, ranked, 3)
	assert.Equal(t, "tech-a", ranked[0].TechnicianID)
	assert.Equal(t, "tech-b", ranked[1].TechnicianID)
	assert.InDelta(t, 0.75, ranked[1].Score, 1e-9)
	assert.Equal(t, "tech-c", ranked[2].TechnicianID)
	assert.InDelta(t, 0.7, ranked[2].Score, 1e-9)
}

func TestAssignTechnician_SkipsFullCapacity(t *testing.T) {
	job := Job{RequiredSkills: []string{"paint", "interior"}}

	best, err := AssignTechnician(job, routingCrew())
	require.NoError(t, err)
	assert.Equal(t, "tech-a", best.TechnicianID)

	_, err = AssignTechnician(job, routingCrew()[:1])
	assert.ErrorIs(t, err, ErrNoTechnician)

	_, err = AssignTechnician(job, nil)
	assert.ErrorIs(t, err, ErrNoTechnician)
}
