package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/pricing"
	"github.com/google/uuid"
)

// PostgresLedger backs the state machine with conditional UPDATEs:
// every racy transition carries a WHERE status = <expected> clause and is
// judged by its affected-row count, so the database's row atomicity is the
// mutual-exclusion primitive even across service instances.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func (p *PostgresLedger) Close() error { return p.db.Close() }

func (p *PostgresLedger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const jobColumns = `id, shipper_id, carrier_id, pickup_address, pickup_lat, pickup_lng,
	dropoff_address, dropoff_lat, dropoff_lng, cargo_type, cargo_weight_kg, cargo_description,
	distance_km, computed_price, final_price, max_budget, booking_mode, pricing_mode, status,
	accepted_bid_id, expires_at, accepted_at, started_at, completed_at, cancelled_at,
	cancellation_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                                                 models.Job
		carrierID, cargoDesc, acceptedBidID, cancelReason sql.NullString
		computedPrice, finalPrice, maxBudget              sql.NullInt64
		expiresAt, acceptedAt, startedAt                  sql.NullTime
		completedAt, cancelledAt                          sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ShipperID, &carrierID, &j.PickupAddress, &j.Pickup.Lat, &j.Pickup.Lng,
		&j.DropoffAddress, &j.Dropoff.Lat, &j.Dropoff.Lng, &j.CargoType, &j.CargoWeightKg, &cargoDesc,
		&j.DistanceKm, &computedPrice, &finalPrice, &maxBudget, &j.BookingMode, &j.PricingMode, &j.Status,
		&acceptedBidID, &expiresAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt,
		&cancelReason, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.CarrierID = carrierID.String
	j.CargoDescription = cargoDesc.String
	j.AcceptedBidID = acceptedBidID.String
	j.CancellationReason = cancelReason.String
	if computedPrice.Valid {
		j.ComputedPrice = &computedPrice.Int64
	}
	if finalPrice.Valid {
		j.FinalPrice = &finalPrice.Int64
	}
	if maxBudget.Valid {
		j.MaxBudget = &maxBudget.Int64
	}
	j.ExpiresAt = nullableTime(expiresAt)
	j.AcceptedAt = nullableTime(acceptedAt)
	j.StartedAt = nullableTime(startedAt)
	j.CompletedAt = nullableTime(completedAt)
	j.CancelledAt = nullableTime(cancelledAt)
	return &j, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q querier, id string) (*models.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("job not found")
	}
	return job, err
}

func (p *PostgresLedger) CreateJob(ctx context.Context, job *models.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13,$14,$15,$16,$17,$18,$19,
		NULLIF($20,''),$21,$22,$23,$24,$25,NULLIF($26,''),$27,$28)`,
		job.ID, job.ShipperID, job.CarrierID, job.PickupAddress, job.Pickup.Lat, job.Pickup.Lng,
		job.DropoffAddress, job.Dropoff.Lat, job.Dropoff.Lng, job.CargoType, job.CargoWeightKg, job.CargoDescription,
		job.DistanceKm, job.ComputedPrice, job.FinalPrice, job.MaxBudget, job.BookingMode, job.PricingMode, job.Status,
		job.AcceptedBidID, job.ExpiresAt, job.AcceptedAt, job.StartedAt, job.CompletedAt, job.CancelledAt,
		job.CancellationReason, job.CreatedAt, job.UpdatedAt)
	return err
}

func (p *PostgresLedger) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return getJob(ctx, p.db, id)
}

func (p *PostgresLedger) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ShipperID != "" {
		query += ` AND shipper_id=` + arg(f.ShipperID)
	}
	if f.CarrierID != "" {
		query += ` AND carrier_id=` + arg(f.CarrierID)
	}
	if f.OpenOrAssignedTo != "" {
		query += ` AND (status='POSTED' OR carrier_id=` + arg(f.OpenOrAssignedTo) + `)`
	}
	if f.Status != "" {
		query += ` AND status=` + arg(string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}
	return p.queryJobs(ctx, query, args...)
}

func (p *PostgresLedger) OpenJobsInBox(ctx context.Context, box geo.Box, now time.Time, limit int) ([]*models.Job, error) {
	return p.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status='POSTED'
		  AND pickup_lat BETWEEN $1 AND $2 AND pickup_lng BETWEEN $3 AND $4
		  AND (expires_at IS NULL OR expires_at >= $5)
		ORDER BY created_at DESC LIMIT $6`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, now, limit)
}

func (p *PostgresLedger) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) CreateBid(ctx context.Context, bid *models.Bid) error {
	if bid.Amount <= 0 {
		return Validation("bid amount must be positive")
	}
	// The POSTED check rides in the insert itself: a concurrent accept or
	// claim committing in between cannot leave a pending bid on a matched
	// job, because the bid cascade only rejects bids that exist at commit
	// time.
	res, err := p.db.ExecContext(ctx, `INSERT INTO bids(id, job_id, carrier_id, amount, eta_minutes, message, status, created_at)
		SELECT $1,$2,$3,$4,$5,NULLIF($6,''),$7,$8
		WHERE EXISTS (SELECT 1 FROM jobs WHERE id=$2 AND status='POSTED')`,
		bid.ID, bid.JobID, bid.CarrierID, bid.Amount, bid.ETAMinutes, bid.Message, models.BidPending, bid.CreatedAt)
	if isUniqueViolation(err) {
		return Validation("carrier already bid on this job")
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := p.GetJob(ctx, bid.JobID); gerr != nil {
			return gerr
		}
		return StateConflict("job is no longer accepting bids")
	}
	bid.Status = models.BidPending
	return nil
}

func (p *PostgresLedger) ListBids(ctx context.Context, jobID string) ([]*models.Bid, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, job_id, carrier_id, amount, eta_minutes, COALESCE(message,''), status, created_at
		FROM bids WHERE job_id=$1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Bid, 0)
	for rows.Next() {
		var b models.Bid
		var eta sql.NullInt64
		if err := rows.Scan(&b.ID, &b.JobID, &b.CarrierID, &b.Amount, &eta, &b.Message, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		if eta.Valid {
			v := int(eta.Int64)
			b.ETAMinutes = &v
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) ClaimJob(ctx context.Context, jobID, carrierID string, now time.Time, feePercent float64) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The conditional update is the whole race resolution: it matches at
	// most once across all concurrent claimants.
	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status=$1, carrier_id=$2, final_price=computed_price, accepted_at=$3, updated_at=$3
		WHERE id=$4 AND status='POSTED' AND booking_mode='AUTO_ACCEPT'
		  AND (expires_at IS NULL OR expires_at >= $3)`,
		models.JobMatched, carrierID, now, jobID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		job, gerr := getJob(ctx, tx, jobID)
		if gerr != nil {
			return nil, &ClaimError{Kind: ClaimNotFound}
		}
		switch {
		case job.BookingMode != models.BookingAutoAccept:
			return nil, &ClaimError{Kind: ClaimNotAutoAccept}
		case job.Status == models.JobPosted && job.Expired(now):
			return nil, &ClaimError{Kind: ClaimExpired}
		default:
			return nil, &ClaimError{Kind: ClaimAlreadyTaken}
		}
	}

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := insertPayment(ctx, tx, job, now, feePercent); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *PostgresLedger) AcceptBid(ctx context.Context, jobID, shipperID, bidID string, now time.Time, feePercent float64) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ShipperID != shipperID {
		return nil, Forbidden("only the job creator can accept bids")
	}
	var bid models.Bid
	err = tx.QueryRowContext(ctx, `SELECT id, carrier_id, amount, status FROM bids WHERE id=$1 AND job_id=$2`,
		bidID, jobID).Scan(&bid.ID, &bid.CarrierID, &bid.Amount, &bid.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("bid not found")
	}
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidPending {
		return nil, StateConflict("bid is no longer pending")
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status=$1, carrier_id=$2, final_price=$3, accepted_bid_id=$4, accepted_at=$5, updated_at=$5
		WHERE id=$6 AND status='POSTED'`,
		models.JobMatched, bid.CarrierID, bid.Amount, bidID, now, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, StateConflict("job is no longer accepting bids")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET status=$1 WHERE id=$2`, models.BidAccepted, bidID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET status=$1 WHERE job_id=$2 AND id<>$3 AND status=$4`,
		models.BidRejected, jobID, bidID, models.BidPending); err != nil {
		return nil, err
	}

	job, err = getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := insertPayment(ctx, tx, job, now, feePercent); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *PostgresLedger) StartDelivery(ctx context.Context, jobID, carrierID string, now time.Time) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CarrierID != carrierID {
		return nil, Forbidden("only the assigned carrier can start delivery")
	}
	if job.Status == models.JobInTransit {
		return job, nil // confirmation event already transitioned it
	}
	if job.Status != models.JobMatched {
		return nil, StateConflict("job is not ready to start")
	}
	if ok, err := hasCompletedPayment(ctx, tx, jobID); err != nil {
		return nil, err
	} else if !ok {
		return nil, StateConflict("payment must be completed before delivery starts")
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$1, started_at=$2, updated_at=$2
		WHERE id=$3 AND status='MATCHED'`, models.JobInTransit, now, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, StateConflict("job is not ready to start")
	}
	job, err = getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (p *PostgresLedger) CompleteDelivery(ctx context.Context, jobID, carrierID string, now time.Time) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CarrierID != carrierID {
		return nil, Forbidden("only the assigned carrier can complete delivery")
	}
	if job.Status != models.JobInTransit {
		return nil, StateConflict("job is not in transit")
	}
	if ok, err := hasCompletedPayment(ctx, tx, jobID); err != nil {
		return nil, err
	} else if !ok {
		return nil, StateConflict("payment must be completed before delivery")
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$1, completed_at=$2, updated_at=$2
		WHERE id=$3 AND status='IN_TRANSIT'`, models.JobDelivered, now, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, StateConflict("job is not in transit")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE carriers SET completed_jobs=completed_jobs+1 WHERE id=$1`, carrierID); err != nil {
		return nil, err
	}
	job, err = getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (p *PostgresLedger) CancelJob(ctx context.Context, jobID, requesterID, reason string, now time.Time) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
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
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$1, cancelled_at=$2, cancellation_reason=$3, updated_at=$2
		WHERE id=$4 AND status IN ('POSTED','MATCHED')`, models.JobCancelled, now, reason, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, StateConflict("job cannot be cancelled at this stage")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET status=$1 WHERE job_id=$2 AND status=$3`,
		models.BidRejected, jobID, models.BidPending); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE payments SET status=$1 WHERE job_id=$2 AND status IN ('PENDING','PROCESSING')`,
		models.PaymentRefunded, jobID); err != nil {
		return nil, err
	}
	job, err = getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

const paymentColumns = `id, job_id, amount, platform_fee, carrier_amount, status, COALESCE(provider_ref,''), paid_at, created_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pm models.Payment
	var paidAt sql.NullTime
	err := row.Scan(&pm.ID, &pm.JobID, &pm.Amount, &pm.PlatformFee, &pm.CarrierAmount, &pm.Status, &pm.ProviderRef, &paidAt, &pm.CreatedAt)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		pm.PaidAt = &t
	}
	return &pm, nil
}

func (p *PostgresLedger) PaymentForJob(ctx context.Context, jobID string) (*models.Payment, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE job_id=$1 ORDER BY created_at DESC LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("no payment for job")
	}
	return pm, err
}

func (p *PostgresLedger) AttachProviderRef(ctx context.Context, paymentID, providerRef string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET provider_ref=$1 WHERE id=$2`, providerRef, paymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("payment not found")
	}
	return nil
}

func (p *PostgresLedger) ConfirmPayment(ctx context.Context, providerRef string, now time.Time) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pm, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref=$1`, providerRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("payment not found")
	}
	if err != nil {
		return nil, err
	}
	if pm.Status == models.PaymentCompleted {
		// webhook redelivery
		return getJob(ctx, tx, pm.JobID)
	}
	if !pm.Open() {
		return nil, StateConflict("payment is not confirmable")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE payments SET status=$1, paid_at=$2 WHERE id=$3`,
		models.PaymentCompleted, now, pm.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$1, started_at=$2, updated_at=$2
		WHERE id=$3 AND status='MATCHED'`, models.JobInTransit, now, pm.JobID); err != nil {
		return nil, err
	}
	job, err := getJob(ctx, tx, pm.JobID)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (p *PostgresLedger) FailPayment(ctx context.Context, providerRef string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status=$1
		WHERE provider_ref=$2 AND status IN ('PENDING','PROCESSING')`, models.PaymentFailed, providerRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE provider_ref=$1)`, providerRef).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFound("payment not found")
		}
	}
	return nil
}

func (p *PostgresLedger) CreateRating(ctx context.Context, r *models.Rating) (float64, error) {
	if r.Score < 1 || r.Score > 5 {
		return 0, Validation("score must be between 1 and 5")
	}
	if r.RaterID == r.RateeID {
		return 0, Validation("cannot rate yourself")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, r.JobID)
	if err != nil {
		return 0, err
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
	_, err = tx.ExecContext(ctx, `INSERT INTO ratings(id, job_id, rater_id, ratee_id, score, comment, created_at)
		VALUES($1,$2,$3,$4,$5,NULLIF($6,''),$7)`,
		r.ID, r.JobID, r.RaterID, r.RateeID, r.Score, r.Comment, r.CreatedAt)
	if isUniqueViolation(err) {
		return 0, Validation("already rated this user for this job")
	}
	if err != nil {
		return 0, err
	}
	var avg float64
	if err := tx.QueryRowContext(ctx, `SELECT AVG(score)::float8 FROM ratings WHERE ratee_id=$1`, r.RateeID).Scan(&avg); err != nil {
		return 0, err
	}
	avg = math.Round(avg*10) / 10
	if _, err := tx.ExecContext(ctx, `UPDATE carriers SET rating=$1 WHERE id=$2`, avg, r.RateeID); err != nil {
		return 0, err
	}
	return avg, tx.Commit()
}

func (p *PostgresLedger) GetCarrier(ctx context.Context, id string) (*models.Carrier, error) {
	var c models.Carrier
	var lat, lng sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT id, role, online, active, rating, completed_jobs, lat, lng,
		max_capacity_kg, vehicle_count, updated_at FROM carriers WHERE id=$1`, id).
		Scan(&c.ID, &c.Role, &c.Online, &c.Active, &c.Rating, &c.CompletedJobs, &lat, &lng,
			&c.MaxCapacityKg, &c.VehicleCount, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("carrier not found")
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		c.Loc = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &c, nil
}

func (p *PostgresLedger) UpsertCarrier(ctx context.Context, c *models.Carrier) error {
	var lat, lng any
	if c.Loc != nil {
		lat, lng = c.Loc.Lat, c.Loc.Lng
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO carriers(id, role, online, active, rating, completed_jobs, lat, lng, max_capacity_kg, vehicle_count, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET role=$2, online=$3, active=$4, rating=$5, completed_jobs=$6,
			lat=$7, lng=$8, max_capacity_kg=$9, vehicle_count=$10, updated_at=$11`,
		c.ID, c.Role, c.Online, c.Active, c.Rating, c.CompletedJobs, lat, lng, c.MaxCapacityKg, c.VehicleCount, c.Updated)
	return err
}

func (p *PostgresLedger) SetCarrierStatus(ctx context.Context, id string, online bool, loc *models.Coord, now time.Time) (*models.Carrier, error) {
	var res sql.Result
	var err error
	if loc != nil {
		res, err = p.db.ExecContext(ctx, `UPDATE carriers SET online=$1, lat=$2, lng=$3, updated_at=$4 WHERE id=$5`,
			online, loc.Lat, loc.Lng, now, id)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE carriers SET online=$1, updated_at=$2 WHERE id=$3`, online, now, id)
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, NotFound("carrier not found")
	}
	return p.GetCarrier(ctx, id)
}

func (p *PostgresLedger) AppendTrackingPoint(ctx context.Context, pt *models.TrackingPoint) error {
	if _, err := getJob(ctx, p.db, pt.JobID); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO tracking_points(id, job_id, driver_id, lat, lng, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, pt.ID, pt.JobID, pt.DriverID, pt.Loc.Lat, pt.Loc.Lng, pt.CreatedAt)
	return err
}

func (p *PostgresLedger) ListTrackingPoints(ctx context.Context, jobID string) ([]*models.TrackingPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, job_id, driver_id, lat, lng, created_at
		FROM tracking_points WHERE job_id=$1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.TrackingPoint, 0)
	for rows.Next() {
		var pt models.TrackingPoint
		if err := rows.Scan(&pt.ID, &pt.JobID, &pt.DriverID, &pt.Loc.Lat, &pt.Loc.Lng, &pt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pt)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertPayment(ctx context.Context, tx execer, job *models.Job, now time.Time, feePercent float64) error {
	amount := *job.FinalPrice
	_, err := tx.ExecContext(ctx, `INSERT INTO payments(id, job_id, amount, platform_fee, carrier_amount, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), job.ID, amount, pricing.PlatformFee(amount, feePercent), pricing.CarrierAmount(amount, feePercent),
		models.PaymentPending, now)
	return err
}

func hasCompletedPayment(ctx context.Context, tx execer, jobID string) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE job_id=$1 AND status='COMPLETED')`, jobID).Scan(&ok)
	return ok, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
