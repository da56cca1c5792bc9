package upsell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRecommendations_AlwaysAllCategories(t *testing.T) {
	recs := GenerateRecommendations(Input{PriceAnchor: 500})

	require.Len(t, recs, 7, "Every category must be returned even with no history")
	for i, rec := range recs {
		assert.Equal(t, Categories[i].Key, rec.Category, "Order follows the category list")
		assert.Equal(t, 0, rec.Observations)
		assert.InDelta(t, 0.4, rec.Probability, 1e-9, "No history gives baseline probability")
	}
}

func TestGenerateRecommendations_BaselinePrice(t *testing.T) {
	recs := GenerateRecommendations(Input{PriceAnchor: 1000})

	byKey := map[string]float64{}
	for _, r := range recs {
		byKey[r.Category] = r.Price
	}

	// anchor*0.08 = 80 beats floors below it
	assert.Equal(t, 80.0, byKey["pet_hair"])
	assert.Equal(t, 80.0, byKey["undercarriage_wash"])
	// floors above 80 win
	assert.Equal(t, 120.0, byKey["paint_protection"])
}

func TestGenerateRecommendations_WeightedFromHistory(t *testing.T) {
	embedding := []float64{1, 0}
	in := Input{
		VehicleEmbedding: embedding,
		PriceAnchor:      1000,
		History: []PriorJob{
			{VehicleEmbedding: []float64{1, 0}, Outcomes: map[string]Outcome{"pet_hair": {Accepted: true, Price: 60}}},
			{VehicleEmbedding: []float64{0, 1}, Outcomes: map[string]Outcome{"pet_hair": {Accepted: false, Price: 40}}},
		},
	}

	recs := GenerateRecommendations(in)
	pet := recs[0]
	require.Equal(t, "pet_hair", pet.Category)
	assert.Equal(t, 2, pet.Observations)

	// weights: 1.0 and max(0, 0.1) = 0.1
	probability := 1.0 / 1.1
	weighted := (60*1.0 + 40*0.1) / 1.1
	expected := 100*(0.65+probability*0.7) + weighted*0.35
	assert.InDelta(t, probability, pet.Probability, 1e-9)
	assert.InDelta(t, expected, pet.Price, 0.005)

	// Categories with no observations fall back to baseline with mean similarity 0.5
	assert.InDelta(t, 0.4+0.5*0.3, recs[1].Probability, 1e-9)
}

func TestCosineSimilarity_Degenerate(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}), "Dimension mismatch")
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 2}), "Zero norm")
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{2, 4}, []float64{1, 2}), 1e-12)
}
