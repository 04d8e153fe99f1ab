package scoring

import (
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

func price(v int64) *int64 { return &v }

func testJob() *models.Job {
	return &models.Job{
		Pickup:        models.Coord{Lat: 6.5244, Lng: 3.3792},
		CargoWeightKg: 10,
		ComputedPrice: price(1200),
	}
}

func TestScorePerfectCarrier(t *testing.T) {
	job := testJob()
	c := models.Carrier{
		Active:        true,
		Rating:        5,
		Loc:           &job.Pickup, // at pickup
		MaxCapacityKg: 50,
		VehicleCount:  1,
	}
	got := Score(c, job, price(1200))
	if got < 0.999 || got > 1.0 {
		t.Fatalf("expected score ~1.0, got %f", got)
	}
}

func TestScoreNoLocationLosesDistanceTerm(t *testing.T) {
	job := testJob()
	c := models.Carrier{Active: true, Rating: 5, MaxCapacityKg: 50, VehicleCount: 1}
	got := Score(c, job, price(1200))
	want := 0.25 + 0.15 + 0.10 + 0.10 // everything but distance
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestScoreNeutralPriceWithoutBid(t *testing.T) {
	job := testJob()
	c := models.Carrier{Active: true, Rating: 0, MaxCapacityKg: 50, VehicleCount: 1}
	withoutBid := Score(c, job, nil)
	wildBid := Score(c, job, price(5000)) // >100% off, floors at 0
	if withoutBid <= wildBid {
		t.Fatalf("neutral no-bid score %f should beat wild bid %f", withoutBid, wildBid)
	}
}

func TestScoreCapacityRatio(t *testing.T) {
	job := testJob() // needs 10kg
	under := models.Carrier{Active: true, MaxCapacityKg: 5, VehicleCount: 1}
	full := models.Carrier{Active: true, MaxCapacityKg: 10, VehicleCount: 1}
	if Score(under, job, nil) >= Score(full, job, nil) {
		t.Fatal("undersized vehicle must score below a fitting one")
	}
}

func TestRankTieBreaksOnRatingThenEarliestBid(t *testing.T) {
	job := testJob()
	now := time.Now()
	base := models.Carrier{Active: true, MaxCapacityKg: 50, VehicleCount: 1, Loc: &job.Pickup}

	a, b, c := base, base, base
	a.ID, a.Rating = "a", 4.0
	b.ID, b.Rating = "b", 5.0
	c.ID, c.Rating = "c", 5.0

	cands := []Candidate{
		{Carrier: a, Bid: &models.Bid{CarrierID: "a", Amount: 1200, CreatedAt: now}},
		{Carrier: c, Bid: &models.Bid{CarrierID: "c", Amount: 1200, CreatedAt: now.Add(time.Minute)}},
		{Carrier: b, Bid: &models.Bid{CarrierID: "b", Amount: 1200, CreatedAt: now}},
	}
	ranked := Rank(cands, job)
	if ranked[0].Carrier.ID != "b" {
		t.Fatalf("expected b first (earliest bid among 5.0s), got %s", ranked[0].Carrier.ID)
	}
	if ranked[1].Carrier.ID != "c" {
		t.Fatalf("expected c second, got %s", ranked[1].Carrier.ID)
	}
	if ranked[2].Carrier.ID != "a" {
		t.Fatalf("expected a last (lower rating), got %s", ranked[2].Carrier.ID)
	}
}

func TestFilterByRadius(t *testing.T) {
	job := testJob()
	near := models.Carrier{ID: "near", Active: true, VehicleCount: 1, Loc: &models.Coord{Lat: job.Pickup.Lat + 0.01, Lng: job.Pickup.Lng}}
	far := models.Carrier{ID: "far", Active: true, VehicleCount: 1, Loc: &models.Coord{Lat: job.Pickup.Lat + 2, Lng: job.Pickup.Lng}}
	noLoc := models.Carrier{ID: "noloc", Active: true, VehicleCount: 1}
	noVehicle := models.Carrier{ID: "nov", Active: true, Loc: &job.Pickup}

	got := FilterByRadius([]models.Carrier{near, far, noLoc, noVehicle}, job, 50)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only near, got %+v", got)
	}
}
