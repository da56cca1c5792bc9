package inspection

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Routing weights. They sum to 1 so scores stay in 0-1.
const (
	skillWeight     = 0.5
	loadWeight      = 0.3
	proximityWeight = 0.2

	defaultMaxDistanceKm = 50.0
)

// ErrNoTechnician is returned when no technician has free capacity.
var ErrNoTechnician = errors.New("no technician available")

// Technician is a candidate for an inspection job.
type Technician struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Skills     []string `json:"skills"`
	ActiveJobs int      `json:"active_jobs"`
	Capacity   int      `json:"capacity"`
	DistanceKm float64  `json:"distance_km"`
}

// Job is what a technician is being routed to.
type Job struct {
	RequiredSkills []string `json:"required_skills"`
	MaxDistanceKm  float64  `json:"max_distance_km,omitempty"`
}

// RoutingFactor is one weighted input to a technician's score.
type RoutingFactor struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason"`
}

// Assignment is a scored technician.
type Assignment struct {
	TechnicianID string          `json:"technician_id"`
	Score        float64         `json:"score"`
	Factors      []RoutingFactor `json:"factors"`
	Summary      string          `json:"summary"`
	available    bool
}

// ScoreTechnician computes skill match x0.5 + (1 - load) x0.3 + proximity x0.2.
// Each input is normalized to 0-1 first.
func ScoreTechnician(job Job, tech Technician) Assignment {
	skill := skillMatch(job.RequiredSkills, tech.Skills)
	load := loadRatio(tech.ActiveJobs, tech.Capacity)

	maxDistance := job.MaxDistanceKm
	if maxDistance <= 0 {
		maxDistance = defaultMaxDistanceKm
	}
	proximity := clamp01(1 - tech.DistanceKm/maxDistance)

	factors := []RoutingFactor{
		{
			Name: "skill_match", Value: skill, Weight: skillWeight, Contribution: skill * skillWeight,
			Reason: reason("Skill match", skill, fmt.Sprintf("%.0f%% of required skills", skill*100)),
		},
		{
			Name: "available_capacity", Value: 1 - load, Weight: loadWeight, Contribution: (1 - load) * loadWeight,
			Reason: reason("Available capacity", 1-load, fmt.Sprintf("%d of %d jobs active", tech.ActiveJobs, tech.Capacity)),
		},
		{
			Name: "proximity", Value: proximity, Weight: proximityWeight, Contribution: proximity * proximityWeight,
			Reason: reason("Proximity", proximity, fmt.Sprintf("%.1f km away", tech.DistanceKm)),
		},
	}

	var score float64
	for _, f := range factors {
		score += f.Contribution
	}
	score = math.Round(score*10000) / 10000

	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Contribution > factors[j].Contribution
	})

	return Assignment{
		TechnicianID: tech.ID,
		Score:        score,
		Factors:      factors,
		Summary:      fmt.Sprintf("Score %.2f. Strongest factor is %s.", score, strings.ReplaceAll(factors[0].Name, "_", " ")),
		available:    load < 1,
	}
}

// RankTechnicians scores every technician, highest first. Ties break on id.
func RankTechnicians(job Job, techs []Technician) []Assignment {
	out := make([]Assignment, 0, len(techs))
	for _, t := range techs {
		out = append(out, ScoreTechnician(job, t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TechnicianID < out[j].TechnicianID
	})
	return out
}

// AssignTechnician returns the best technician with free capacity.
func AssignTechnician(job Job, techs []Technician) (*Assignment, error) {
	for _, a := range RankTechnicians(job, techs) {
		if a.available {
			return &a, nil
		}
	}
	return nil, ErrNoTechnician
}

func skillMatch(required, have []string) float64 {
	if len(required) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	var matched int
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// loadRatio treats a technician without capacity as fully loaded.
func loadRatio(active, capacity int) float64 {
	if capacity <= 0 {
		return 1
	}
	return clamp01(float64(active) / float64(capacity))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func reason(label string, normalized float64, detail string) string {
	quality := "poor"
	switch {
	case normalized >= 0.75:
		quality = "excellent"
	case normalized >= 0.5:
		quality = "good"
	case normalized >= 0.25:
		quality = "fair"
	}
	return fmt.Sprintf("%s is %s (%s)", label, quality, detail)
}
