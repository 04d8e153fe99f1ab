package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/models"
)

func matchedJob(t *testing.T, led *ledger.MemoryLedger) *models.Job {
	t.Helper()
	ctx := context.Background()
	price := int64(840)
	exp := time.Now().Add(10 * time.Minute)
	job := &models.Job{
		ID:             "job-1",
		ShipperID:      "shipper-1",
		PickupAddress:  "a",
		DropoffAddress: "b",
		CargoType:      "BOXES",
		DistanceKm:     5,
		ComputedPrice:  &price,
		BookingMode:    models.BookingAutoAccept,
		PricingMode:    models.PricingInstantPrice,
		Status:         models.JobPosted,
		ExpiresAt:      &exp,
		CreatedAt:      time.Now(),
	}
	if err := led.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err := led.ClaimJob(ctx, job.ID, "driver-1", time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestRecord_OnlyAssignedCarrier(t *testing.T) {
	led := ledger.NewMemoryLedger()
	job := matchedJob(t, led)
	rec := NewRecorder(led)
	ctx := context.Background()

	if _, err := rec.Record(ctx, job.ID, "someone-else", models.Coord{Lat: 1, Lng: 2}); ledger.CodeOf(err) != ledger.CodeForbidden {
		t.Fatalf("stranger record err = %v, want forbidden", err)
	}
	p, err := rec.Record(ctx, job.ID, "driver-1", models.Coord{Lat: 1, Lng: 2})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" || p.JobID != job.ID || p.DriverID != "driver-1" {
		t.Fatalf("point = %+v", p)
	}
}

func TestRecord_RejectedOnTerminalJob(t *testing.T) {
	led := ledger.NewMemoryLedger()
	job := matchedJob(t, led)
	rec := NewRecorder(led)
	ctx := context.Background()

	if _, err := led.CancelJob(ctx, job.ID, "shipper-1", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Record(ctx, job.ID, "driver-1", models.Coord{Lat: 1, Lng: 2}); ledger.CodeOf(err) != ledger.CodeStateConflict {
		t.Fatalf("terminal record err = %v, want state conflict", err)
	}
}

func TestHistory_ParticipantsOnlyNewestFirst(t *testing.T) {
	led := ledger.NewMemoryLedger()
	job := matchedJob(t, led)
	rec := NewRecorder(led)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rec.Record(ctx, job.ID, "driver-1", models.Coord{Lat: float64(i), Lng: 0}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := rec.History(ctx, job.ID, "stranger"); ledger.CodeOf(err) != ledger.CodeForbidden {
		t.Fatalf("stranger history err = %v", err)
	}
	pts, err := rec.History(ctx, job.ID, "shipper-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 3 {
		t.Fatalf("points = %d, want 3", len(pts))
	}
	if pts[0].Loc.Lat != 2 || pts[2].Loc.Lat != 0 {
		t.Fatalf("order wrong: first=%v last=%v", pts[0].Loc, pts[2].Loc)
	}
}
