// Package notify delivers fire-and-forget status-change events to
// interested parties. Delivery is best-effort: a sink failure never
// affects job state.
package notify

import (
	"context"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

// Event describes a job status change.
type Event struct {
	Type      string           `json:"type"` // job.matched, job.in_transit, ...
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	ShipperID string           `json:"shipper_id"`
	CarrierID string           `json:"carrier_id,omitempty"`
	At        time.Time        `json:"at"`
}

// Sink receives job events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type NopSink struct{}

func (NopSink) Publish(ctx context.Context, ev Event) error { return nil }

// Fanout publishes to every sink, returning the first error after trying
// all of them.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EventFor builds the canonical event for a job's current status.
func EventFor(job *models.Job, at time.Time) Event {
	typ := "job.updated"
	switch job.Status {
	case models.JobPosted:
		typ = "job.posted"
	case models.JobMatched:
		typ = "job.matched"
	case models.JobInTransit:
		typ = "job.in_transit"
	case models.JobDelivered:
		typ = "job.delivered"
	case models.JobCancelled:
		typ = "job.cancelled"
	}
	return Event{
		Type:      typ,
		JobID:     job.ID,
		Status:    job.Status,
		ShipperID: job.ShipperID,
		CarrierID: job.CarrierID,
		At:        at,
	}
}
