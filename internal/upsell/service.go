// Package upsell recommends add-on services from similar historical jobs.
package upsell

import (
	"fmt"
	"math"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/money"
)

// Category describes a fixed upsell offering and its minimum price.
type Category struct {
	Key        string
	Label      string
	FloorPrice float64
}

// Categories is the mandatory list; every call returns one recommendation per entry.
var Categories = []Category{
	{Key: "pet_hair", Label: "Pet hair removal", FloorPrice: 45},
	{Key: "odor_removal", Label: "Odor removal", FloorPrice: 65},
	{Key: "leather_conditioning", Label: "Leather care", FloorPrice: 55},
	{Key: "paint_protection", Label: "Paint protection", FloorPrice: 120},
	{Key: "engine_bay_cleaning", Label: "Engine bay cleaning", FloorPrice: 50},
	{Key: "headlight_restoration", Label: "Headlight restoration", FloorPrice: 70},
	{Key: "undercarriage_wash", Label: "Undercarriage wash", FloorPrice: 35},
}

const minObservationWeight = 0.1

// Outcome is whether a prior customer took a category and what they paid.
type Outcome struct {
	Accepted bool    `json:"accepted"`
	Price    float64 `json:"price"`
}

// PriorJob is one historical job with its vehicle embedding.
type PriorJob struct {
	VehicleEmbedding []float64          `json:"vehicle_embedding"`
	Outcomes         map[string]Outcome `json:"outcomes"`
}

// Input is the request to GenerateRecommendations.
type Input struct {
	VehicleEmbedding []float64  `json:"vehicle_embedding"`
	PriceAnchor      float64    `json:"price_anchor"`
	History          []PriorJob `json:"history"`
}

// GenerateRecommendations returns exactly one recommendation per category, in
// Categories order.
func GenerateRecommendations(in Input) []models.UpsellRecommendation {
	sims := make([]float64, len(in.History))
	var simSum float64
	for i, job := range in.History {
		sims[i] = CosineSimilarity(in.VehicleEmbedding, job.VehicleEmbedding)
		simSum += sims[i]
	}
	meanSim := 0.0
	if len(in.History) > 0 {
		meanSim = simSum / float64(len(in.History))
	}

	recs := make([]models.UpsellRecommendation, 0, len(Categories))
	for _, cat := range Categories {
		var (
			weightSum   float64
			acceptedSum float64
			priceSum    float64
			observed    int
		)
		for i, job := range in.History {
			outcome, ok := job.Outcomes[cat.Key]
			if !ok {
				continue
			}
			w := math.Max(sims[i], minObservationWeight)
			weightSum += w
			if outcome.Accepted {
				acceptedSum += w
			}
			priceSum += outcome.Price * w
			observed++
		}

		if observed == 0 {
			recs = append(recs, models.UpsellRecommendation{
				Category:     cat.Key,
				Label:        cat.Label,
				Probability:  clamp01(0.4 + meanSim*0.3),
				Price:        money.Round2(math.Max(cat.FloorPrice, in.PriceAnchor*0.08)),
				Observations: 0,
				Basis:        "baseline: no similar jobs recorded this category",
			})
			continue
		}

		probability := acceptedSum / weightSum
		weightedPrice := priceSum / weightSum
		price := math.Max(in.PriceAnchor*0.1, cat.FloorPrice)*(0.65+probability*0.7) + weightedPrice*0.35

		recs = append(recs, models.UpsellRecommendation{
			Category:     cat.Key,
			Label:        cat.Label,
			Probability:  clamp01(probability),
			Price:        money.Round2(price),
			Observations: observed,
			Basis:        fmt.Sprintf("similarity-weighted from %d prior jobs", observed),
		})
	}

	return recs
}

// CosineSimilarity returns 0 when the vectors differ in length or either has zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// VehicleEmbedding is the two-dimensional proxy used when no learned embedding exists.
func VehicleEmbedding(year int, mileage float64) []float64 {
	return []float64{float64(year) / 3000, mileage / 300000}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
