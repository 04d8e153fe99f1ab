package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// JobStatus is the job lifecycle state. POSTED -> MATCHED -> IN_TRANSIT ->
// DELIVERED, with CANCELLED reachable from POSTED or MATCHED only.
type JobStatus string

const (
	JobPosted    JobStatus = "POSTED"
	JobMatched   JobStatus = "MATCHED"
	JobInTransit JobStatus = "IN_TRANSIT"
	JobDelivered JobStatus = "DELIVERED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool { return s == JobDelivered || s == JobCancelled }

type BookingMode string

const (
	BookingAutoAccept BookingMode = "AUTO_ACCEPT"
	BookingBidding    BookingMode = "BIDDING"
)

type PricingMode string

const (
	PricingOpenBids     PricingMode = "OPEN_BIDS"
	PricingInstantPrice PricingMode = "INSTANT_PRICE"
	PricingNegotiable   PricingMode = "NEGOTIABLE"
)

type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// Job is a delivery posting. ComputedPrice is nil when pricing is
// negotiable; FinalPrice is set once a carrier is locked in. Prices are
// integer currency units.
type Job struct {
	ID        string `json:"id"`
	ShipperID string `json:"shipper_id"`
	CarrierID string `json:"carrier_id,omitempty"` // empty until matched

	PickupAddress  string `json:"pickup_address"`
	Pickup         Coord  `json:"pickup"`
	DropoffAddress string `json:"dropoff_address"`
	Dropoff        Coord  `json:"dropoff"`

	CargoType        string  `json:"cargo_type"`
	CargoWeightKg    float64 `json:"cargo_weight_kg"`
	CargoDescription string  `json:"cargo_description,omitempty"`

	DistanceKm    float64 `json:"distance_km"` // computed at creation, immutable
	ComputedPrice *int64  `json:"computed_price,omitempty"`
	FinalPrice    *int64  `json:"final_price,omitempty"`
	MaxBudget     *int64  `json:"max_budget,omitempty"`

	BookingMode   BookingMode `json:"booking_mode"`
	PricingMode   PricingMode `json:"pricing_mode"`
	Status        JobStatus   `json:"status"`
	AcceptedBidID string      `json:"accepted_bid_id,omitempty"`

	ExpiresAt          *time.Time `json:"expires_at,omitempty"` // AUTO_ACCEPT only
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether an AUTO_ACCEPT window has passed.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

type Bid struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	CarrierID  string    `json:"carrier_id"`
	Amount     int64     `json:"amount"`
	ETAMinutes *int      `json:"eta_minutes,omitempty"`
	Message    string    `json:"message,omitempty"`
	Status     BidStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type Payment struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	Amount        int64         `json:"amount"`
	PlatformFee   int64         `json:"platform_fee"`
	CarrierAmount int64         `json:"carrier_amount"`
	Status        PaymentStatus `json:"status"`
	ProviderRef   string        `json:"provider_ref,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Open reports whether the payment is in a non-terminal state.
func (p *Payment) Open() bool {
	return p.Status == PaymentPending || p.Status == PaymentProcessing
}

type Rating struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	RaterID   string    `json:"rater_id"`
	RateeID   string    `json:"ratee_id"`
	Score     int       `json:"score"` // 1..5
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackingPoint is an append-only location breadcrumb for an active job.
type TrackingPoint struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	CreatedAt time.Time `json:"created_at"`
}

// Carrier is the slice of a user record the dispatch core needs: role,
// availability and the attributes the scoring function consumes.
type Carrier struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"` // CARRIER or DRIVER
	Online        bool      `json:"online"`
	Active        bool      `json:"active"`
	Rating        float64   `json:"rating"` // 0..5 rolling average
	CompletedJobs int       `json:"completed_jobs"`
	Loc           *Coord    `json:"loc,omitempty"`
	MaxCapacityKg float64   `json:"max_capacity_kg"` // max over active vehicles
	VehicleCount  int       `json:"vehicle_count"`   // active vehicles
	Updated       time.Time `json:"updated"`
}

// CanCarry reports whether the carrier may claim or bid on jobs at all.
func (c *Carrier) CanCarry() bool {
	return (c.Role == "CARRIER" || c.Role == "DRIVER") && c.Active
}
