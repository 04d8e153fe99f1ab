package ledger

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/pricing"
)

// MemoryLedger keeps everything in maps behind one mutex. The mutex plays
// the role Postgres row-level atomicity plays in production: a claim's
// check-and-write happens in one critical section, so concurrent claims
// within a single process still see exactly one winner.
type MemoryLedger struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	bids     map[string]*models.Bid
	payments map[string]*models.Payment
	ratings  map[string]*models.Rating
	carriers map[string]*models.Carrier
	points   map[string][]*models.TrackingPoint // by job id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		jobs:     make(map[string]*models.Job),
		bids:     make(map[string]*models.Bid),
		payments: make(map[string]*models.Payment),
		ratings:  make(map[string]*models.Rating),
		carriers: make(map[string]*models.Carrier),
		points:   make(map[string][]*models.TrackingPoint),
	}
}

func (m *MemoryLedger) CreateJob(_ context.Context, job *models.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return Validation("job already exists")
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryLedger) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, NotFound("job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryLedger) ListJobs(_ context.Context, f JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if f.ShipperID != "" && j.ShipperID != f.ShipperID {
			continue
		}
		if f.CarrierID != "" && j.CarrierID != f.CarrierID {
			continue
		}
		if f.OpenOrAssignedTo != "" && j.Status != models.JobPosted && j.CarrierID != f.OpenOrAssignedTo {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryLedger) OpenJobsInBox(_ context.Context, box geo.Box, now time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.Status != models.JobPosted || j.Expired(now) {
			continue
		}
		if !box.Contains(j.Pickup) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) CreateBid(_ context.Context, bid *models.Bid) error {
	if bid.Amount <= 0 {
		return Validation("bid amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[bid.JobID]
	if !ok {
		return NotFound("job not found")
	}
	if job.Status != models.JobPosted {
		return StateConflict("job is no longer accepting bids")
	}
	for _, b := range m.bids {
		if b.JobID == bid.JobID && b.CarrierID == bid.CarrierID {
			return Validation("carrier already bid on this job")
		}
	}
	bid.Status = models.BidPending
	cp := *bid
	m.bids[bid.ID] = &cp
	return nil
}

func (m *MemoryLedger) ListBids(_ context.Context, jobID string) ([]*models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Bid, 0)
	for _, b := range m.bids {
		if b.JobID == jobID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryLedger) ClaimJob(_ context.Context, jobID, carrierID string, now time.Time, feePercent float64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, &ClaimError{Kind: ClaimNotFound}
	}
	if job.BookingMode != models.BookingAutoAccept {
		return nil, &ClaimError{Kind: ClaimNotAutoAccept}
	}
	// status before expiry: a job already taken reports the race loss even
	// if its window has since lapsed
	if job.Status != models.JobPosted {
		return nil, &ClaimError{Kind: ClaimAlreadyTaken}
	}
	if job.Expired(now) {
		return nil, &ClaimError{Kind: ClaimExpired}
	}
	job.Status = models.JobMatched
	job.CarrierID = carrierID
	job.FinalPrice = job.ComputedPrice
	job.AcceptedAt = &now
	job.UpdatedAt = now
	m.openPaymentLocked(job, now, feePercent)
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) AcceptBid(_ context.Context, jobID, shipperID, bidID string, now time.Time, feePercent float64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, NotFound("job not found")
	}
	if job.ShipperID != shipperID {
		return nil, Forbidden("only the job creator can accept bids")
	}
	if job.Status != models.JobPosted {
		return nil, StateConflict("job is no longer accepting bids")
	}
	bid, ok := m.bids[bidID]
	if !ok || bid.JobID != jobID {
		return nil, NotFound("bid not found")
	}
	if bid.Status != models.BidPending {
		return nil, StateConflict("bid is no longer pending")
	}
	job.Status = models.JobMatched
	job.CarrierID = bid.CarrierID
	job.AcceptedBidID = bid.ID
	amount := bid.Amount
	job.FinalPrice = &amount
	job.AcceptedAt = &now
	job.UpdatedAt = now
	bid.Status = models.BidAccepted
	for _, other := range m.bids {
		if other.JobID == jobID && other.ID != bidID && other.Status == models.BidPending {
			other.Status = models.BidRejected
		}
	}
	m.openPaymentLocked(job, now, feePercent)
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) StartDelivery(_ context.Context, jobID, carrierID string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, NotFound("job not found")
	}
	if job.CarrierID != carrierID {
		return nil, Forbidden("only the assigned carrier can start delivery")
	}
	// the payment confirmation event may have driven the transition
	// already; starting is then a no-op
	if job.Status == models.JobInTransit {
		cp := *job
		return &cp, nil
	}
	if job.Status != models.JobMatched {
		return nil, StateConflict("job is not ready to start")
	}
	if !m.hasCompletedPaymentLocked(jobID) {
		return nil, StateConflict("payment must be completed before delivery starts")
	}
	job.Status = models.JobInTransit
	job.StartedAt = &now
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) CompleteDelivery(_ context.Context, jobID, carrierID string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, NotFound("job not found")
	}
	if job.CarrierID != carrierID {
		return nil, Forbidden("only the assigned carrier can complete delivery")
	}
	if job.Status != models.JobInTransit {
		return nil, StateConflict("job is not in transit")
	}
	if !m.hasCompletedPaymentLocked(jobID) {
		return nil, StateConflict("payment must be completed before delivery")
	}
	job.Status = models.JobDelivered
	job.CompletedAt = &now
	job.UpdatedAt = now
	if c, ok := m.carriers[carrierID]; ok {
		c.CompletedJobs++
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) CancelJob(_ context.Context, jobID, requesterID, reason string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, NotFound("job not found")
	}
	isShipper := job.ShipperID == requesterID
	isCarrier := job.CarrierID != "" && job.CarrierID == requesterID
	if !isShipper && !isCarrier {
		return nil, Forbidden("no permission to cancel this job")
	}
	if isShipper && job.Status != models.JobPosted && job.Status != models.JobMatched {
		return nil, StateConflict("job cannot be cancelled at this stage")
	}
	if isCarrier && job.Status != models.JobMatched {
		return nil, StateConflict("carrier can only cancel before starting delivery")
	}
	if reason == "" {
		if isShipper {
			reason = "cancelled by shipper"
		} else {
			reason = "cancelled by carrier"
		}
	}
	job.Status = models.JobCancelled
	job.CancelledAt = &now
	job.CancellationReason = reason
	job.UpdatedAt = now
	for _, b := range m.bids {
		if b.JobID == jobID && b.Status == models.BidPending {
			b.Status = models.BidRejected
		}
	}
	for _, p := range m.payments {
		if p.JobID == jobID && p.Open() {
			p.Status = models.PaymentRefunded
		}
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) PaymentForJob(_ context.Context, jobID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.payments {
		if p.JobID != jobID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, NotFound("no payment for job")
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryLedger) AttachProviderRef(_ context.Context, paymentID, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return NotFound("payment not found")
	}
	p.ProviderRef = providerRef
	return nil
}

func (m *MemoryLedger) ConfirmPayment(_ context.Context, providerRef string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.paymentByRefLocked(providerRef)
	if p == nil {
		return nil, NotFound("payment not found")
	}
	job, ok := m.jobs[p.JobID]
	if !ok {
		return nil, NotFound("job not found")
	}
	if p.Status == models.PaymentCompleted {
		cp := *job
		return &cp, nil
	}
	if !p.Open() {
		return nil, StateConflict("payment is not confirmable")
	}
	p.Status = models.PaymentCompleted
	p.PaidAt = &now
	if job.Status == models.JobMatched {
		job.Status = models.JobInTransit
		job.StartedAt = &now
		job.UpdatedAt = now
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryLedger) FailPayment(_ context.Context, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.paymentByRefLocked(providerRef)
	if p == nil {
		return NotFound("payment not found")
	}
	if p.Open() {
		p.Status = models.PaymentFailed
	}
	return nil
}

func (m *MemoryLedger) CreateRating(_ context.Context, r *models.Rating) (float64, error) {
	if r.Score < 1 || r.Score > 5 {
		return 0, Validation("score must be between 1 and 5")
	}
	if r.RaterID == r.RateeID {
		return 0, Validation("cannot rate yourself")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[r.JobID]
	if !ok {
		return 0, NotFound("job not found")
	}
	if job.Status != models.JobDelivered {
		return 0, StateConflict("can only rate completed jobs")
	}
	participant := func(id string) bool { return id == job.ShipperID || id == job.CarrierID }
	if !participant(r.RaterID) {
		return 0, Forbidden("rater is not part of this job")
	}
	if !participant(r.RateeID) {
		return 0, Validation("ratee is not part of this job")
	}
	for _, existing := range m.ratings {
		if existing.JobID == r.JobID && existing.RaterID == r.RaterID && existing.RateeID == r.RateeID {
			return 0, Validation("already rated this user for this job")
		}
	}
	cp := *r
	m.ratings[r.ID] = &cp

	var sum, n int
	for _, rt := range m.ratings {
		if rt.RateeID == r.RateeID {
			sum += rt.Score
			n++
		}
	}
	avg := math.Round(float64(sum)/float64(n)*10) / 10
	if c, ok := m.carriers[r.RateeID]; ok {
		c.Rating = avg
	}
	return avg, nil
}

func (m *MemoryLedger) GetCarrier(_ context.Context, id string) (*models.Carrier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carriers[id]
	if !ok {
		return nil, NotFound("carrier not found")
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryLedger) UpsertCarrier(_ context.Context, c *models.Carrier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.carriers[c.ID] = &cp
	return nil
}

func (m *MemoryLedger) SetCarrierStatus(_ context.Context, id string, online bool, loc *models.Coord, now time.Time) (*models.Carrier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carriers[id]
	if !ok {
		return nil, NotFound("carrier not found")
	}
	c.Online = online
	if loc != nil {
		l := *loc
		c.Loc = &l
	}
	c.Updated = now
	cp := *c
	return &cp, nil
}

func (m *MemoryLedger) AppendTrackingPoint(_ context.Context, p *models.TrackingPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[p.JobID]; !ok {
		return NotFound("job not found")
	}
	cp := *p
	m.points[p.JobID] = append(m.points[p.JobID], &cp)
	return nil
}

func (m *MemoryLedger) ListTrackingPoints(_ context.Context, jobID string) ([]*models.TrackingPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.points[jobID]
	out := make([]*models.TrackingPoint, 0, len(pts))
	for i := len(pts) - 1; i >= 0; i-- { // newest first
		cp := *pts[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryLedger) openPaymentLocked(job *models.Job, now time.Time, feePercent float64) {
	amount := *job.FinalPrice
	p := &models.Payment{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		Amount:        amount,
		PlatformFee:   pricing.PlatformFee(amount, feePercent),
		CarrierAmount: pricing.CarrierAmount(amount, feePercent),
		Status:        models.PaymentPending,
		CreatedAt:     now,
	}
	m.payments[p.ID] = p
}

func (m *MemoryLedger) hasCompletedPaymentLocked(jobID string) bool {
	for _, p := range m.payments {
		if p.JobID == jobID && p.Status == models.PaymentCompleted {
			return true
		}
	}
	return false
}

func (m *MemoryLedger) paymentByRefLocked(ref string) *models.Payment {
	if ref == "" {
		return nil
	}
	for _, p := range m.payments {
		if p.ProviderRef == ref {
			return p
		}
	}
	return nil
}
