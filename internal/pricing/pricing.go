// Package pricing computes delivery prices. The function is pure and
// deterministic: it is evaluated once at job creation and the result
// frozen on the job record.
package pricing

import "math"

const (
	// NegotiableDistanceKm is the cutoff at or beyond which pricing is
	// negotiable and jobs must go through bidding.
	NegotiableDistanceKm = 30.0

	// DefaultFeePercent is the platform commission when none is configured.
	DefaultFeePercent = 10.0

	baseLight        = 700  // under 7kg
	baseHeavy        = 1000 // 7kg and above
	heavyThresholdKg = 7.0

	// DefaultWeightKg is assumed when the shipper omits cargo weight.
	DefaultWeightKg = 2.0
)

// Quote returns the price for a delivery in integer currency units.
// ok is false when the distance is at or past the negotiable cutoff and
// force is unset; forced quotes are display estimates only and must never
// price an AUTO_ACCEPT job.
func Quote(distanceKm, weightKg float64, force bool) (amount int64, ok bool) {
	if distanceKm >= NegotiableDistanceKm && !force {
		return 0, false
	}
	base := basePriceByWeight(weightKg)
	return int64(math.Ceil(base * distanceMultiplier(distanceKm))), true
}

func basePriceByWeight(weightKg float64) float64 {
	if weightKg < heavyThresholdKg {
		return baseLight
	}
	return baseHeavy
}

func distanceMultiplier(distanceKm float64) float64 {
	switch {
	case distanceKm <= 10:
		return 1.2
	case distanceKm <= 30:
		return 1.5
	default:
		return 2.0 // estimate-only tier
	}
}

// PlatformFee is the platform's cut of amount at the given fee percent.
func PlatformFee(amount int64, feePercent float64) int64 {
	return int64(math.Round(float64(amount) * feePercent / 100))
}

// CarrierAmount is what the carrier keeps after the platform fee.
func CarrierAmount(amount int64, feePercent float64) int64 {
	return amount - PlatformFee(amount, feePercent)
}
