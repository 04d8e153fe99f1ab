// Package scoring ranks candidate carriers for a job. Scores are used for
// display and broker-assisted matching only; they never gate acceptance.
package scoring

import (
	"sort"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
)

// maxRadiusM bounds the distance term: carriers 50km+ away score zero on
// proximity.
const maxRadiusM = 50000.0

const (
	weightDistance = 0.40
	weightCapacity = 0.25
	weightRating   = 0.15
	weightActive   = 0.10
	weightPrice    = 0.10
)

// Score rates a carrier's suitability for a job in [0,1]. bidAmount is
// nil when the carrier has not bid (instant-accept candidates); the price
// term is then neutral.
func Score(c models.Carrier, job *models.Job, bidAmount *int64) float64 {
	var distanceScore float64
	if c.Loc != nil {
		d := geo.Haversine(*c.Loc, job.Pickup)
		distanceScore = 1 - geo.Clamp(d/maxRadiusM, 0, 1)
	}

	var capacityScore float64
	if c.VehicleCount > 0 {
		required := job.CargoWeightKg
		switch {
		case required <= 0:
			capacityScore = 0.5
		case c.MaxCapacityKg >= required:
			capacityScore = 1
		default:
			capacityScore = c.MaxCapacityKg / required
		}
	}

	ratingScore := c.Rating / 5

	var activeScore float64
	if c.Active {
		activeScore = 1
	}

	priceScore := 0.5
	if bidAmount != nil && job.ComputedPrice != nil && *job.ComputedPrice > 0 {
		diff := float64(*bidAmount-*job.ComputedPrice) / float64(*job.ComputedPrice)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1 {
			diff = 1
		}
		priceScore = 1 - diff
	}

	return weightDistance*distanceScore +
		weightCapacity*capacityScore +
		weightRating*ratingScore +
		weightActive*activeScore +
		weightPrice*priceScore
}

// Candidate pairs a carrier with its (optional) bid for ranking.
type Candidate struct {
	Carrier models.Carrier
	Bid     *models.Bid
	Score   float64
}

// Rank scores and orders candidates best-first. Ties break on rating,
// then on earliest bid.
func Rank(candidates []Candidate, job *models.Job) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		var amount *int64
		if out[i].Bid != nil {
			amount = &out[i].Bid.Amount
		}
		out[i].Score = Score(out[i].Carrier, job, amount)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Carrier.Rating != out[j].Carrier.Rating {
			return out[i].Carrier.Rating > out[j].Carrier.Rating
		}
		bi, bj := out[i].Bid, out[j].Bid
		if bi != nil && bj != nil {
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
		return bj == nil && bi != nil
	})
	return out
}

// FilterByRadius drops candidates with no location, no active vehicle, or
// farther than radiusKm from the job pickup.
func FilterByRadius(carriers []models.Carrier, job *models.Job, radiusKm float64) []models.Carrier {
	out := make([]models.Carrier, 0, len(carriers))
	for _, c := range carriers {
		if c.Loc == nil || !c.Active || c.VehicleCount == 0 {
			continue
		}
		if geo.Haversine(*c.Loc, job.Pickup) <= radiusKm*1000 {
			out = append(out, c)
		}
	}
	return out
}
