package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Normalized vehicle classes.
const (
	ClassSedan   = "sedan"
	ClassCoupe   = "coupe"
	ClassSUV     = "suv"
	ClassTruck   = "truck"
	ClassVan     = "van"
	ClassUnknown = "unknown"
)

// modelYearCodes maps VIN position 10 to a year offset inside a 30-year cycle.
const modelYearCodes = "ABCDEFGHJKLMNPRSTVWXY123456789"

// DecodedVehicle is what an external VIN decoder returns.
type DecodedVehicle struct {
	Make      string `json:"make"`
	Model     string `json:"model"`
	ModelYear int    `json:"model_year"`
	BodyClass string `json:"body_class"`
}

// Decoder looks a VIN up in an external service.
type Decoder interface {
	Decode(ctx context.Context, vin string) (*DecodedVehicle, error)
}

// VehicleAttributes is the normalized enrichment result.
type VehicleAttributes struct {
	VIN                    string `json:"vin"`
	Make                   string `json:"make,omitempty"`
	Model                  string `json:"model,omitempty"`
	NormalizedVehicleClass string `json:"normalized_vehicle_class"`
	NormalizedVehicleSize  string `json:"normalized_vehicle_size"`
	DecodedModelYear       int    `json:"decoded_model_year,omitempty"`
	DecodeFallbackUsed     bool   `json:"decode_fallback_used"`
}

// Enricher decodes VINs and never returns an error to its caller.
type Enricher struct {
	guard   *Guard
	decoder Decoder
	now     func() time.Time
	logger  *slog.Logger
}

// NewEnricher creates an enricher. A nil decoder always uses the offline fallback.
func NewEnricher(guard *Guard, decoder Decoder) *Enricher {
	return &Enricher{
		guard:   guard,
		decoder: decoder,
		now:     time.Now,
		logger:  slog.Default().With(slog.String("service", "vin-enrichment")),
	}
}

// EnrichVehicleFromVIN returns normalized attributes. On any decode failure it
// returns class unknown with DecodeFallbackUsed set and the model year taken
// from the VIN itself when possible.
func (e *Enricher) EnrichVehicleFromVIN(ctx context.Context, vin string) VehicleAttributes {
	vin = strings.ToUpper(strings.TrimSpace(vin))

	if e.decoder != nil && e.guard != nil {
		decoded, err := Do(ctx, e.guard, func(ctx context.Context) (*DecodedVehicle, error) {
			return e.decoder.Decode(ctx, vin)
		})
		if err == nil && decoded != nil {
			class := NormalizeClass(decoded.BodyClass)
			year := decoded.ModelYear
			if year == 0 {
				year = ModelYearFromVIN(vin, e.now())
			}
			return VehicleAttributes{
				VIN:                    vin,
				Make:                   decoded.Make,
				Model:                  decoded.Model,
				NormalizedVehicleClass: class,
				NormalizedVehicleSize:  SizeForClass(class),
				DecodedModelYear:       year,
			}
		}
		if err != nil {
			e.logger.Info("vin decode failed, using offline fallback",
				slog.String("vin", vin),
				slog.String("error", err.Error()))
		}
	}

	return VehicleAttributes{
		VIN:                    vin,
		NormalizedVehicleClass: ClassUnknown,
		NormalizedVehicleSize:  SizeForClass(ClassUnknown),
		DecodedModelYear:       ModelYearFromVIN(vin, e.now()),
		DecodeFallbackUsed:     true,
	}
}

// ModelYearFromVIN decodes position 10, choosing the latest cycle that is not
// more than one year in the future. Returns 0 when the VIN is too short or the
// code is invalid.
func ModelYearFromVIN(vin string, now time.Time) int {
	if len(vin) < 10 {
		return 0
	}
	idx := strings.IndexByte(modelYearCodes, vin[9])
	if idx < 0 {
		return 0
	}
	year := 1980 + idx
	for year+30 <= now.Year()+1 {
		year += 30
	}
	return year
}

// NormalizeClass maps a free-form body class onto the fixed class set.
func NormalizeClass(body string) string {
	b := strings.ToLower(body)
	switch {
	case strings.Contains(b, "pickup") || strings.Contains(b, "truck"):
		return ClassTruck
	case strings.Contains(b, "sport utility") || strings.Contains(b, "suv") || strings.Contains(b, "crossover"):
		return ClassSUV
	case strings.Contains(b, "van"):
		return ClassVan
	case strings.Contains(b, "coupe") || strings.Contains(b, "convertible"):
		return ClassCoupe
	case strings.Contains(b, "sedan") || strings.Contains(b, "hatchback") || strings.Contains(b, "wagon"):
		return ClassSedan
	default:
		return ClassUnknown
	}
}

// SizeForClass buckets a class into small, medium, large or unknown.
func SizeForClass(class string) string {
	switch class {
	case ClassCoupe:
		return "small"
	case ClassSedan:
		return "medium"
	case ClassSUV, ClassTruck, ClassVan:
		return "large"
	default:
		return "unknown"
	}
}

// SizeMultiplier is the vehicle-size pricing signal for a class.
func SizeMultiplier(class string) float64 {
	switch class {
	case ClassCoupe:
		return 0.95
	case ClassSUV:
		return 1.2
	case ClassTruck:
		return 1.25
	case ClassVan:
		return 1.3
	default:
		return 1.0
	}
}
