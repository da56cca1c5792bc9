package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGuard(name string, retries, threshold int) *Guard {
	return NewGuard(name, GuardConfig{
		Timeout:          50 * time.Millisecond,
		MaxRetries:       retries,
		RetryBaseWait:    time.Millisecond,
		BreakerThreshold: threshold,
		BreakerCooldown:  time.Minute,
	})
}

// --- Breaker ---

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker("test-open", 2, 10*time.Second)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateClosed, b.State(), "One failure stays closed")

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "Open breaker rejects")

	now = now.Add(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow(), "First half-open call is the trial call")
	assert.False(t, b.Allow(), "Only one trial call at a time")

	b.Failure()
	assert.Equal(t, StateOpen, b.State(), "Failed trial call reopens")

	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State(), "Successful trial call closes")
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker("test-reset", 2, time.Minute)
	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, StateClosed, b.State(), "Failures must be consecutive")
}

// --- Guard ---

func TestDo_RetriesThenSucceeds(t *testing.T) {
	g := fastGuard("retry-ok", 2, 10)
	attempts := 0

	out, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustedRetriesAreUnavailable(t *testing.T) {
	g := fastGuard("retry-exhausted", 1, 10)
	attempts := 0

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("down")
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, attempts, "One try plus one retry")
}

func TestDo_OpenCircuitFailsFast(t *testing.T) {
	g := fastGuard("open-fast", 0, 1)

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		return 0, errors.New("down")
	})
	require.Error(t, err)

	called := false
	_, err = Do(context.Background(), g, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})

	assert.False(t, called, "Open breaker must not invoke the call")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDo_EnforcesTimeout(t *testing.T) {
	g := fastGuard("timeout", 0, 10)
	start := time.Now()

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second, "Attempt must be cut off by the timeout")
}

func TestCalculateBackoff_Grows(t *testing.T) {
	base := 100 * time.Millisecond
	b0 := calculateBackoff(base, 0)
	b2 := calculateBackoff(base, 2)

	assert.GreaterOrEqual(t, b0, base)
	assert.Less(t, b0, base+base/10+time.Millisecond)
	assert.GreaterOrEqual(t, b2, 4*base)
	assert.LessOrEqual(t, calculateBackoff(base, 20), 30*time.Second, "Backoff is capped")
}

// --- Vision ---

func TestHeuristicEstimate_Buckets(t *testing.T) {
	photos := func(n int) []string { return make([]string, n) }

	assert.Equal(t, SeverityMinor, HeuristicEstimate(VisionRequest{PhotoURLs: photos(2)}).Severity)
	assert.Equal(t, SeverityModerate, HeuristicEstimate(VisionRequest{PhotoURLs: photos(5)}).Severity)
	assert.Equal(t, SeveritySevere, HeuristicEstimate(VisionRequest{PhotoURLs: photos(9)}).Severity)
	assert.Equal(t, SeverityModerate, HeuristicEstimate(VisionRequest{PhotoURLs: photos(1), Notes: "Cracked dash"}).Severity)

	f := HeuristicEstimate(VisionRequest{})
	assert.True(t, f.FallbackUsed)
	assert.Equal(t, "heuristic", f.Provider)
}

func TestVisionClient_FallsBackOnFailure(t *testing.T) {
	client := NewVisionClient(fastGuard("vision-fail", 0, 10), func(ctx context.Context, req VisionRequest) (*VisionFinding, error) {
		return nil, errors.New("model 503")
	})

	f := client.Analyze(context.Background(), VisionRequest{VIN: "X", PhotoURLs: make([]string, 4)})
	require.NotNil(t, f)
	assert.True(t, f.FallbackUsed)
	assert.Equal(t, SeverityModerate, f.Severity)
}

func TestVisionClient_UsesModelResult(t *testing.T) {
	client := NewVisionClient(fastGuard("vision-ok", 0, 10), func(ctx context.Context, req VisionRequest) (*VisionFinding, error) {
		return &VisionFinding{Severity: SeveritySevere, Confidence: 0.91, Provider: "acme", Model: "v2"}, nil
	})

	f := client.Analyze(context.Background(), VisionRequest{VIN: "X"})
	assert.False(t, f.FallbackUsed)
	assert.Equal(t, "acme", f.Provider)
}

// --- VIN ---

type stubDecoder struct {
	vehicle *DecodedVehicle
	err     error
}

func (s stubDecoder) Decode(ctx context.Context, vin string) (*DecodedVehicle, error) {
	return s.vehicle, s.err
}

func TestModelYearFromVIN(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 2003, ModelYearFromVIN("1HGCM82633A004352", now))
	assert.Equal(t, 2018, ModelYearFromVIN("2T1BURHE5JC123456", now))
	assert.Equal(t, 2004, ModelYearFromVIN("3VWFE21C04M000001", now))
	assert.Equal(t, 0, ModelYearFromVIN("SHORT", now))
	assert.Equal(t, 0, ModelYearFromVIN("1HGCM8263OA004352", now), "O is not a valid year code")
}

func TestEnricher_FallbackOnDecodeError(t *testing.T) {
	e := NewEnricher(fastGuard("vin-fail", 0, 10), stubDecoder{err: errors.New("lookup failed")})

	attrs := e.EnrichVehicleFromVIN(context.Background(), "2t1burhe5jc123456")

	assert.True(t, attrs.DecodeFallbackUsed)
	assert.Equal(t, ClassUnknown, attrs.NormalizedVehicleClass)
	assert.Equal(t, "2T1BURHE5JC123456", attrs.VIN)
	assert.Equal(t, 2018, attrs.DecodedModelYear)
}

func TestEnricher_NormalizesDecodedBody(t *testing.T) {
	e := NewEnricher(fastGuard("vin-ok", 0, 10), stubDecoder{vehicle: &DecodedVehicle{
		Make: "Toyota", Model: "Tacoma", ModelYear: 2021, BodyClass: "Pickup",
	}})

	attrs := e.EnrichVehicleFromVIN(context.Background(), "3TMCZ5AN1MM000000")

	assert.False(t, attrs.DecodeFallbackUsed)
	assert.Equal(t, ClassTruck, attrs.NormalizedVehicleClass)
	assert.Equal(t, "large", attrs.NormalizedVehicleSize)
	assert.Equal(t, 2021, attrs.DecodedModelYear)
}

func TestNormalizeClass(t *testing.T) {
	assert.Equal(t, ClassSUV, NormalizeClass("Sport Utility Vehicle (SUV)/Multi-Purpose Vehicle (MPV)"))
	assert.Equal(t, ClassSedan, NormalizeClass("Sedan/Saloon"))
	assert.Equal(t, ClassVan, NormalizeClass("Minivan"))
	assert.Equal(t, ClassUnknown, NormalizeClass(""))
}
