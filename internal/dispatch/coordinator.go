// Package dispatch orchestrates the two acceptance paths: the atomic
// instant-accept race and shipper-selected bid acceptance. The ledger
// performs the transitions; the coordinator handles preconditions,
// payment opening and event fan-out around them.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/pricing"
	"github.com/example/freight-dispatch/internal/scoring"
)

// CarrierLocator receives advisory location updates. Staleness here can
// never cause double assignment: claims always re-check the ledger.
type CarrierLocator interface {
	Upsert(ctx context.Context, c models.Carrier) error
}

type Coordinator struct {
	Ledger        ledger.Ledger
	Gateway       payments.Gateway
	Sink          notify.Sink
	Locations     CarrierLocator // optional
	FeePercent    float64
	AutoAcceptTTL time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func NewCoordinator(l ledger.Ledger, gw payments.Gateway, sink notify.Sink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Ledger:        l,
		Gateway:       gw,
		Sink:          sink,
		FeePercent:    pricing.DefaultFeePercent,
		AutoAcceptTTL: 10 * time.Minute,
		Logger:        logger,
		Now:           time.Now,
	}
}

type CreateJobRequest struct {
	ShipperID        string
	PickupAddress    string
	Pickup           models.Coord
	DropoffAddress   string
	Dropoff          models.Coord
	CargoType        string
	CargoWeightKg    float64
	CargoDescription string
	BookingMode      models.BookingMode
	PricingMode      models.PricingMode
	MaxBudget        *int64
}

// CreateJob prices the delivery and persists a POSTED job. Requested
// modes are coerced to keep the creation invariants: 30km+ forces
// negotiable bidding, and auto-accept forces instant pricing.
func (c *Coordinator) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := c.Now()
	weight := req.CargoWeightKg
	if weight <= 0 {
		weight = pricing.DefaultWeightKg
	}
	distanceKm := geo.RoutingDistanceKm(req.Pickup, req.Dropoff)

	bookingMode := req.BookingMode
	pricingMode := req.PricingMode
	if bookingMode == "" {
		bookingMode = models.BookingAutoAccept
	}
	if pricingMode == "" {
		pricingMode = models.PricingInstantPrice
	}
	if distanceKm >= pricing.NegotiableDistanceKm {
		pricingMode = models.PricingNegotiable
		bookingMode = models.BookingBidding
	}
	if bookingMode == models.BookingAutoAccept && pricingMode != models.PricingInstantPrice {
		pricingMode = models.PricingInstantPrice
	}

	var computedPrice *int64
	if amount, ok := pricing.Quote(distanceKm, weight, false); ok {
		computedPrice = &amount
	}

	var expiresAt *time.Time
	if bookingMode == models.BookingAutoAccept {
		t := now.Add(c.AutoAcceptTTL)
		expiresAt = &t
	}

	job := &models.Job{
		ID:               uuid.NewString(),
		ShipperID:        req.ShipperID,
		PickupAddress:    req.PickupAddress,
		Pickup:           req.Pickup,
		DropoffAddress:   req.DropoffAddress,
		Dropoff:          req.Dropoff,
		CargoType:        req.CargoType,
		CargoWeightKg:    weight,
		CargoDescription: req.CargoDescription,
		DistanceKm:       distanceKm,
		ComputedPrice:    computedPrice,
		MaxBudget:        req.MaxBudget,
		BookingMode:      bookingMode,
		PricingMode:      pricingMode,
		Status:           models.JobPosted,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.Ledger.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobPosted)).Inc()
	c.publish(ctx, job)
	return job, nil
}

func (r CreateJobRequest) validate() error {
	switch {
	case r.ShipperID == "":
		return ledger.Validation("shipper is required")
	case r.PickupAddress == "" || r.DropoffAddress == "":
		return ledger.Validation("pickup and dropoff addresses are required")
	case r.CargoType == "":
		return ledger.Validation("cargo type is required")
	case !validCoord(r.Pickup) || !validCoord(r.Dropoff):
		return ledger.Validation("coordinates out of range")
	}
	return nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// PlaceBid submits a carrier's offer on a POSTED bidding job.
func (c *Coordinator) PlaceBid(ctx context.Context, jobID, carrierID string, amount int64, etaMinutes *int, message string) (*models.Bid, error) {
	carrier, err := c.Ledger.GetCarrier(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	if !carrier.CanCarry() {
		return nil, ledger.Forbidden("only carriers and drivers can place bids")
	}
	bid := &models.Bid{
		ID:         uuid.NewString(),
		JobID:      jobID,
		CarrierID:  carrierID,
		Amount:     amount,
		ETAMinutes: etaMinutes,
		Message:    message,
		Status:     models.BidPending,
		CreatedAt:  c.Now(),
	}
	if err := c.Ledger.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	observability.BidsPlacedTotal.Inc()
	return bid, nil
}

// InstantAccept resolves the first-come race for an AUTO_ACCEPT job. The
// only mutual exclusion is the ledger's conditional update: of N
// concurrent calls exactly one returns the matched job, the rest get a
// claim error.
func (c *Coordinator) InstantAccept(ctx context.Context, jobID, carrierID string, loc *models.Coord) (*models.Job, error) {
	carrier, err := c.Ledger.GetCarrier(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	if !carrier.CanCarry() {
		return nil, ledger.Forbidden("only drivers can accept jobs")
	}
	if !carrier.Online {
		return nil, ledger.Validation("you must be online to accept jobs")
	}
	if carrier.VehicleCount == 0 {
		return nil, ledger.Validation("you must have an active vehicle to accept jobs")
	}
	if loc != nil {
		carrier.Loc = loc
		carrier.Updated = c.Now()
		if err := c.Ledger.UpsertCarrier(ctx, carrier); err != nil {
			c.Logger.Warn("carrier location update failed", "carrier_id", carrierID, "error", err)
		}
		c.upsertLocation(ctx, *carrier)
	}

	job, err := c.Ledger.ClaimJob(ctx, jobID, carrierID, c.Now(), c.FeePercent)
	if err != nil {
		observability.ClaimsLostTotal.Inc()
		return nil, err
	}
	observability.ClaimsWonTotal.Inc()
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobMatched)).Inc()
	c.openPayment(ctx, job)
	c.publish(ctx, job)
	return job, nil
}

// AcceptBid applies the shipper's selection: the chosen bid wins, every
// other bid is rejected and a payment obligation opens, atomically.
func (c *Coordinator) AcceptBid(ctx context.Context, jobID, shipperID, bidID string) (*models.Job, error) {
	job, err := c.Ledger.AcceptBid(ctx, jobID, shipperID, bidID, c.Now(), c.FeePercent)
	if err != nil {
		return nil, err
	}
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobMatched)).Inc()
	c.openPayment(ctx, job)
	c.publish(ctx, job)
	return job, nil
}

func (c *Coordinator) StartDelivery(ctx context.Context, jobID, carrierID string) (*models.Job, error) {
	job, err := c.Ledger.StartDelivery(ctx, jobID, carrierID, c.Now())
	if err != nil {
		return nil, err
	}
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobInTransit)).Inc()
	c.publish(ctx, job)
	return job, nil
}

func (c *Coordinator) CompleteDelivery(ctx context.Context, jobID, carrierID string) (*models.Job, error) {
	job, err := c.Ledger.CompleteDelivery(ctx, jobID, carrierID, c.Now())
	if err != nil {
		return nil, err
	}
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobDelivered)).Inc()
	c.publish(ctx, job)
	return job, nil
}

// CancelJob terminalizes the job, rejects pending bids, refunds any open
// payment and releases the gateway hold if one was placed.
func (c *Coordinator) CancelJob(ctx context.Context, jobID, requesterID, reason string) (*models.Job, error) {
	job, err := c.Ledger.CancelJob(ctx, jobID, requesterID, reason, c.Now())
	if err != nil {
		return nil, err
	}
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobCancelled)).Inc()
	if pm, perr := c.Ledger.PaymentForJob(ctx, jobID); perr == nil && pm.ProviderRef != "" && pm.Status == models.PaymentRefunded {
		if rerr := c.Gateway.Release(ctx, pm.ProviderRef); rerr != nil {
			c.Logger.Warn("payment hold release failed", "job_id", jobID, "provider_ref", pm.ProviderRef, "error", rerr)
		}
	}
	c.publish(ctx, job)
	return job, nil
}

// ConfirmPayment applies a verified charge.success event. Idempotent:
// webhook redeliveries return the current job without mutation.
func (c *Coordinator) ConfirmPayment(ctx context.Context, providerRef string) (*models.Job, error) {
	job, err := c.Ledger.ConfirmPayment(ctx, providerRef, c.Now())
	if err != nil {
		return nil, err
	}
	observability.PaymentsConfirmedTotal.Inc()
	c.publish(ctx, job)
	return job, nil
}

func (c *Coordinator) FailPayment(ctx context.Context, providerRef string) error {
	return c.Ledger.FailPayment(ctx, providerRef)
}

// SetCarrierStatus toggles online state and pushes the location to the
// advisory index.
func (c *Coordinator) SetCarrierStatus(ctx context.Context, carrierID string, online bool, loc *models.Coord) (*models.Carrier, error) {
	carrier, err := c.Ledger.GetCarrier(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	if !carrier.CanCarry() {
		return nil, ledger.Forbidden("only drivers can change online status")
	}
	carrier, err = c.Ledger.SetCarrierStatus(ctx, carrierID, online, loc, c.Now())
	if err != nil {
		return nil, err
	}
	if online {
		observability.CarriersOnline.Inc()
	} else {
		observability.CarriersOnline.Dec()
	}
	c.upsertLocation(ctx, *carrier)
	return carrier, nil
}

// RankBids scores a job's pending bids for the shipper's selection view.
func (c *Coordinator) RankBids(ctx context.Context, jobID string) ([]scoring.Candidate, error) {
	job, err := c.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bids, err := c.Ledger.ListBids(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cands := make([]scoring.Candidate, 0, len(bids))
	for _, b := range bids {
		if b.Status != models.BidPending {
			continue
		}
		carrier, err := c.Ledger.GetCarrier(ctx, b.CarrierID)
		if err != nil {
			// a bid from an unknown carrier still shows, unscored
			carrier = &models.Carrier{ID: b.CarrierID}
		}
		cands = append(cands, scoring.Candidate{Carrier: *carrier, Bid: b})
	}
	return scoring.Rank(cands, job), nil
}

// openPayment registers the obligation with the external gateway. A
// gateway failure is surfaced via logs and metrics but never unwinds the
// match: the ledger payment stays PENDING and the call can be retried.
func (c *Coordinator) openPayment(ctx context.Context, job *models.Job) {
	pm, err := c.Ledger.PaymentForJob(ctx, job.ID)
	if err != nil {
		c.Logger.Error("payment record missing after match", "job_id", job.ID, "error", err)
		return
	}
	ref, err := c.Gateway.OpenPayment(ctx, pm)
	if err != nil {
		observability.PaymentOpenFailures.Inc()
		c.Logger.Warn("payment gateway open failed", "job_id", job.ID, "error", err)
		return
	}
	if err := c.Ledger.AttachProviderRef(ctx, pm.ID, ref); err != nil {
		c.Logger.Error("attach provider ref failed", "job_id", job.ID, "provider_ref", ref, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, job *models.Job) {
	if c.Sink == nil {
		return
	}
	if err := c.Sink.Publish(ctx, notify.EventFor(job, c.Now())); err != nil {
		observability.NotifyPublishErrorTotal.Inc()
		c.Logger.Warn("event publish failed", "job_id", job.ID, "error", err)
	}
}

func (c *Coordinator) upsertLocation(ctx context.Context, carrier models.Carrier) {
	if c.Locations == nil {
		return
	}
	if err := c.Locations.Upsert(ctx, carrier); err != nil {
		c.Logger.Warn("carrier index update failed", "carrier_id", carrier.ID, "error", err)
	}
}
