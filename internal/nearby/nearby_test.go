package nearby

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
)

type stubSource struct {
	jobs      []*models.Job
	calls     int
	lastLimit int
}

// jobs are held newest first, matching the box query's ordering.
func (s *stubSource) OpenJobsInBox(_ context.Context, _ geo.Box, _ time.Time, limit int) ([]*models.Job, error) {
	s.calls++
	s.lastLimit = limit
	if limit > 0 && len(s.jobs) > limit {
		return s.jobs[:limit], nil
	}
	return s.jobs, nil
}

func openJob(id string, at models.Coord, price int64) *models.Job {
	return &models.Job{
		ID:            id,
		ShipperID:     "shipper-1",
		Pickup:        at,
		Status:        models.JobPosted,
		ComputedPrice: &price,
		CreatedAt:     time.Now(),
	}
}

func TestFind_FiltersAndSortsByDistance(t *testing.T) {
	center := models.Coord{Lat: 6.5, Lng: 3.4}
	src := &stubSource{jobs: []*models.Job{
		openJob("far", models.Coord{Lat: 6.58, Lng: 3.4}, 1000),  // ~8.9km
		openJob("near", models.Coord{Lat: 6.51, Lng: 3.4}, 1000), // ~1.1km
		openJob("out", models.Coord{Lat: 7.5, Lng: 3.4}, 1000),   // ~111km, bounding box false positive
	}}
	svc := NewService(src, nil, 10)

	results, err := svc.Find(context.Background(), "driver-1", center, 10)
	require.NoError(t, err)
	require.Len(t, results, 2, "jobs past the exact radius are dropped")
	assert.Equal(t, "near", results[0].Job.ID)
	assert.Equal(t, "far", results[1].Job.ID)
	assert.Less(t, results[0].DistanceKm, results[1].DistanceKm)
}

func TestFind_EnrichesEarningsAndExpiry(t *testing.T) {
	center := models.Coord{Lat: 6.5, Lng: 3.4}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(7 * time.Minute)

	job := openJob("j1", models.Coord{Lat: 6.505, Lng: 3.4}, 1000)
	job.ExpiresAt = &exp
	src := &stubSource{jobs: []*models.Job{job}}

	svc := NewService(src, nil, 10)
	svc.Now = func() time.Time { return now }

	results, err := svc.Find(context.Background(), "driver-1", center, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(900), results[0].EstimatedEarnings, "earnings net of the platform fee")
	require.NotNil(t, results[0].ExpiresInMinutes)
	assert.Equal(t, 7, *results[0].ExpiresInMinutes)
}

func TestFind_DefaultRadiusAndLimit(t *testing.T) {
	center := models.Coord{Lat: 6.5, Lng: 3.4}
	jobs := []*models.Job{}
	for i := 0; i < 30; i++ {
		jobs = append(jobs, openJob(string(rune('a'+i)), models.Coord{Lat: 6.5 + float64(i)*0.0001, Lng: 3.4}, 500))
	}
	src := &stubSource{jobs: jobs}
	svc := NewService(src, nil, 10)

	results, err := svc.Find(context.Background(), "driver-1", center, 0)
	require.NoError(t, err)
	assert.Len(t, results, svc.Limit, "capped at the service limit")
}

func TestFind_OldJobBeyondNewestPageStillRanksFirst(t *testing.T) {
	center := models.Coord{Lat: 6.5, Lng: 3.4}
	jobs := []*models.Job{}
	for i := 0; i < 24; i++ {
		jobs = append(jobs, openJob(fmt.Sprintf("far-%d", i), models.Coord{Lat: 6.51 + float64(i)*0.0001, Lng: 3.4}, 500))
	}
	// the oldest job in the box is also the closest; it sits past the
	// first Limit entries of the newest-first ordering
	jobs = append(jobs, openJob("closest", center, 500))
	src := &stubSource{jobs: jobs}
	svc := NewService(src, nil, 10)

	results, err := svc.Find(context.Background(), "driver-1", center, 10)
	require.NoError(t, err)
	assert.Greater(t, src.lastLimit, svc.Limit, "pre-fetch must be wider than the response limit")
	require.Len(t, results, svc.Limit)
	assert.Equal(t, "closest", results[0].Job.ID)
}

func TestFind_ServesFromCache(t *testing.T) {
	center := models.Coord{Lat: 6.5, Lng: 3.4}
	src := &stubSource{jobs: []*models.Job{openJob("j1", center, 500)}}
	cache := NewCache(time.Minute)
	defer cache.Close()
	svc := NewService(src, cache, 10)

	_, err := svc.Find(context.Background(), "driver-1", center, 5)
	require.NoError(t, err)
	_, err = svc.Find(context.Background(), "driver-1", center, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second poll served from cache")

	// a different driver or radius misses
	_, err = svc.Find(context.Background(), "driver-2", center, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCache_ExpiryAndClose(t *testing.T) {
	cache := NewCache(10 * time.Millisecond)
	defer cache.Close()

	key := Key("d1", models.Coord{Lat: 1, Lng: 2}, 5)
	cache.Set(key, []Result{{DistanceKm: 1}})

	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Len(t, got, 1)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(key)
	assert.False(t, ok, "entry expired")

	cache.Close()
	cache.Close() // idempotent
}

func TestKey_BucketsCoordinates(t *testing.T) {
	a := Key("d1", models.Coord{Lat: 6.50012, Lng: 3.40049}, 5)
	b := Key("d1", models.Coord{Lat: 6.50049, Lng: 3.40012}, 5)
	c := Key("d1", models.Coord{Lat: 6.51, Lng: 3.4}, 5)
	assert.Equal(t, a, b, "positions within ~110m share a bucket")
	assert.NotEqual(t, a, c)
}
