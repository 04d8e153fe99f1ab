// Package tracking records location breadcrumbs for active jobs. Points
// are append-only and immutable once written.
package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
)

// Store is the slice of the ledger the recorder needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	AppendTrackingPoint(ctx context.Context, p *models.TrackingPoint) error
	ListTrackingPoints(ctx context.Context, jobID string) ([]*models.TrackingPoint, error)
}

type Recorder struct {
	Store Store
	Now   func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{Store: store, Now: time.Now}
}

// Record appends a breadcrumb. Only the job's assigned carrier may record
// points, and only while the job is active.
func (r *Recorder) Record(ctx context.Context, jobID, driverID string, loc models.Coord) (*models.TrackingPoint, error) {
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CarrierID == "" || job.CarrierID != driverID {
		return nil, ledger.Forbidden("only the assigned carrier can add tracking")
	}
	if job.Status.Terminal() {
		return nil, ledger.StateConflict("job is no longer active")
	}
	p := &models.TrackingPoint{
		ID:        uuid.NewString(),
		JobID:     jobID,
		DriverID:  driverID,
		Loc:       loc,
		CreatedAt: r.Now(),
	}
	if err := r.Store.AppendTrackingPoint(ctx, p); err != nil {
		return nil, err
	}
	observability.TrackingPointsTotal.Inc()
	return p, nil
}

// History returns a job's breadcrumbs, newest first. Only participants
// may view tracking.
func (r *Recorder) History(ctx context.Context, jobID, requesterID string) ([]*models.TrackingPoint, error) {
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if requesterID != job.ShipperID && requesterID != job.CarrierID {
		return nil, ledger.Forbidden("not authorized to view tracking")
	}
	return r.Store.ListTrackingPoints(ctx, jobID)
}
