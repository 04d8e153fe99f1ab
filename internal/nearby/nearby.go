// Package nearby answers "what open jobs are around this driver". A
// rectangular bounding box bounds the candidate set at the storage layer
// before the exact great-circle filter runs.
package nearby

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/pricing"
)

// JobSource is the slice of the ledger the query needs.
type JobSource interface {
	OpenJobsInBox(ctx context.Context, box geo.Box, now time.Time, limit int) ([]*models.Job, error)
}

// Result is a job enriched for the driver's board.
type Result struct {
	Job               *models.Job `json:"job"`
	DistanceKm        float64     `json:"distance_km"`
	EstimatedEarnings int64       `json:"estimated_earnings"`
	ExpiresInMinutes  *int        `json:"expires_in_minutes,omitempty"`
}

// candidateFactor widens the bounding-box pre-fetch relative to the
// response limit so the distance sort sees enough candidates.
const candidateFactor = 5

type Service struct {
	Jobs            JobSource
	Cache           *Cache
	FeePercent      float64
	Limit           int
	DefaultRadiusKm float64
	Now             func() time.Time
}

func NewService(jobs JobSource, cache *Cache, feePercent float64) *Service {
	return &Service{
		Jobs:            jobs,
		Cache:           cache,
		FeePercent:      feePercent,
		Limit:           20,
		DefaultRadiusKm: 10,
		Now:             time.Now,
	}
}

// Find returns open jobs whose pickup lies within radiusKm of at, closest
// first, capped at the service limit. Cached responses are served for a
// few seconds per (driver, bucketed position, radius).
func (s *Service) Find(ctx context.Context, driverID string, at models.Coord, radiusKm float64) ([]Result, error) {
	if radiusKm <= 0 {
		radiusKm = s.DefaultRadiusKm
	}
	key := Key(driverID, at, radiusKm)
	if s.Cache != nil {
		if cached, ok := s.Cache.Get(key); ok {
			observability.NearbyCacheHitsTotal.Inc()
			return cached, nil
		}
		observability.NearbyCacheMissesTotal.Inc()
	}

	now := s.Now()
	box := geo.BoundingBox(at, radiusKm)
	// over-fetch: the box query returns newest first, so capping it at the
	// response limit could drop closer jobs before the distance sort runs
	jobs, err := s.Jobs.OpenJobsInBox(ctx, box, now, s.Limit*candidateFactor)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		distKm := geo.Haversine(at, job.Pickup) / 1000
		if distKm > radiusKm {
			continue
		}
		r := Result{
			Job:        job,
			DistanceKm: math.Round(distKm*100) / 100,
		}
		if job.ComputedPrice != nil {
			r.EstimatedEarnings = pricing.CarrierAmount(*job.ComputedPrice, s.FeePercent)
		}
		if job.ExpiresAt != nil {
			mins := int(job.ExpiresAt.Sub(now).Minutes())
			if mins < 0 {
				mins = 0
			}
			r.ExpiresInMinutes = &mins
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DistanceKm < results[j].DistanceKm })
	if s.Limit > 0 && len(results) > s.Limit {
		results = results[:s.Limit]
	}

	if s.Cache != nil {
		s.Cache.Set(key, results)
	}
	return results, nil
}
