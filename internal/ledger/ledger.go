// Package ledger owns job, bid, payment, rating and tracking records and
// enforces every status transition. A job's status (and its dependent
// carrier/finalPrice/acceptedBid fields) is the only shared mutable state
// in the system; all coordination happens through conditional writes
// inside the ledger, never through caller-side locks.
package ledger

import (
	"context"
	"time"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
)

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	ShipperID string
	CarrierID string
	// OpenOrAssignedTo lists POSTED jobs plus jobs assigned to the given
	// carrier (the carrier's job-board view).
	OpenOrAssignedTo string
	Status           models.JobStatus
	Limit            int
	Offset           int
}

// Ledger is the persistence and transition contract. The Postgres
// implementation backs every conditional transition with an atomic
// UPDATE ... WHERE status = <expected>; the in-memory implementation is a
// single-process stand-in for tests and local runs.
type Ledger interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error)
	// OpenJobsInBox returns POSTED, unexpired jobs whose pickup lies in
	// the bounding box, newest first, for the nearby query's pre-filter.
	OpenJobsInBox(ctx context.Context, box geo.Box, now time.Time, limit int) ([]*models.Job, error)

	CreateBid(ctx context.Context, bid *models.Bid) error
	ListBids(ctx context.Context, jobID string) ([]*models.Bid, error)

	// ClaimJob is the atomic first-come instant accept: it moves the job
	// POSTED -> MATCHED, assigns the carrier, freezes finalPrice from
	// computedPrice and opens a PENDING payment, all in one transaction.
	// Failures are *ClaimError.
	ClaimJob(ctx context.Context, jobID, carrierID string, now time.Time, feePercent float64) (*models.Job, error)

	// AcceptBid moves the job POSTED -> MATCHED for the selected bid,
	// accepts it, rejects every other bid for the job and opens a PENDING
	// payment, atomically.
	AcceptBid(ctx context.Context, jobID, shipperID, bidID string, now time.Time, feePercent float64) (*models.Job, error)

	StartDelivery(ctx context.Context, jobID, carrierID string, now time.Time) (*models.Job, error)
	CompleteDelivery(ctx context.Context, jobID, carrierID string, now time.Time) (*models.Job, error)
	CancelJob(ctx context.Context, jobID, requesterID, reason string, now time.Time) (*models.Job, error)

	PaymentForJob(ctx context.Context, jobID string) (*models.Payment, error)
	AttachProviderRef(ctx context.Context, paymentID, providerRef string) error
	// ConfirmPayment flips the referenced payment to COMPLETED and drives
	// the job MATCHED -> IN_TRANSIT. Idempotent on redelivery.
	ConfirmPayment(ctx context.Context, providerRef string, now time.Time) (*models.Job, error)
	FailPayment(ctx context.Context, providerRef string) error

	// CreateRating stores the rating and returns the ratee's new rolling
	// average (one decimal).
	CreateRating(ctx context.Context, r *models.Rating) (float64, error)

	GetCarrier(ctx context.Context, id string) (*models.Carrier, error)
	UpsertCarrier(ctx context.Context, c *models.Carrier) error
	SetCarrierStatus(ctx context.Context, id string, online bool, loc *models.Coord, now time.Time) (*models.Carrier, error)

	AppendTrackingPoint(ctx context.Context, p *models.TrackingPoint) error
	ListTrackingPoints(ctx context.Context, jobID string) ([]*models.TrackingPoint, error)
}

// validateNewJob enforces the creation invariants shared by both
// implementations.
func validateNewJob(job *models.Job) error {
	if job.ID == "" || job.ShipperID == "" {
		return Validation("job id and shipper are required")
	}
	if job.Status != models.JobPosted {
		return Validation("new jobs must be POSTED")
	}
	if job.DistanceKm >= 30 && (job.PricingMode != models.PricingNegotiable || job.BookingMode != models.BookingBidding) {
		return Validation("jobs of 30km or more must be negotiable bidding jobs")
	}
	if job.BookingMode == models.BookingAutoAccept {
		if job.PricingMode != models.PricingInstantPrice {
			return Validation("auto-accept jobs require instant pricing")
		}
		if job.ComputedPrice == nil {
			return Validation("auto-accept jobs require a computed price")
		}
		if job.ExpiresAt == nil {
			return Validation("auto-accept jobs require an expiry")
		}
	}
	return nil
}
