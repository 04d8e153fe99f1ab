package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
)

type fakeGateway struct {
	opened   int
	released []string
	fail     bool
}

func (f *fakeGateway) OpenPayment(ctx context.Context, pm *models.Payment) (string, error) {
	f.opened++
	if f.fail {
		return "", errors.New("gateway down")
	}
	return "ref-" + pm.JobID, nil
}

func (f *fakeGateway) Release(ctx context.Context, providerRef string) error {
	f.released = append(f.released, providerRef)
	return nil
}

type captureSink struct {
	events []notify.Event
}

func (c *captureSink) Publish(_ context.Context, ev notify.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *ledger.MemoryLedger, *fakeGateway, *captureSink) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	gw := &fakeGateway{}
	sink := &captureSink{}
	co := NewCoordinator(led, gw, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	co.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return co, led, gw, sink
}

func addDriver(t *testing.T, led *ledger.MemoryLedger, id string) {
	t.Helper()
	err := led.UpsertCarrier(context.Background(), &models.Carrier{
		ID: id, Role: "DRIVER", Active: true, Online: true,
		Rating: 4.5, MaxCapacityKg: 100, VehicleCount: 1,
	})
	require.NoError(t, err)
}

func shortHaulRequest() CreateJobRequest {
	return CreateJobRequest{
		ShipperID:      "shipper-1",
		PickupAddress:  "Ikeja",
		Pickup:         models.Coord{Lat: 6.6018, Lng: 3.3515},
		DropoffAddress: "Yaba",
		Dropoff:        models.Coord{Lat: 6.5095, Lng: 3.3711},
		CargoType:      "BOXES",
		CargoWeightKg:  5,
		BookingMode:    models.BookingAutoAccept,
		PricingMode:    models.PricingInstantPrice,
	}
}

func TestCreateJob_AutoAcceptDefaults(t *testing.T) {
	co, _, _, sink := newTestCoordinator(t)

	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)

	assert.Equal(t, models.JobPosted, job.Status)
	assert.Equal(t, models.BookingAutoAccept, job.BookingMode)
	assert.Equal(t, models.PricingInstantPrice, job.PricingMode)
	require.NotNil(t, job.ComputedPrice)
	assert.Positive(t, *job.ComputedPrice)
	require.NotNil(t, job.ExpiresAt)
	assert.Equal(t, co.Now().Add(co.AutoAcceptTTL), *job.ExpiresAt)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "job.posted", sink.events[0].Type)
}

func TestCreateJob_LongHaulForcedNegotiable(t *testing.T) {
	co, _, _, _ := newTestCoordinator(t)

	req := shortHaulRequest()
	// Lagos to Ibadan, well past the negotiable cutoff
	req.Dropoff = models.Coord{Lat: 7.3775, Lng: 3.9470}
	req.BookingMode = models.BookingAutoAccept
	req.PricingMode = models.PricingInstantPrice

	job, err := co.CreateJob(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.PricingNegotiable, job.PricingMode)
	assert.Equal(t, models.BookingBidding, job.BookingMode)
	assert.Nil(t, job.ComputedPrice, "negotiable jobs carry no fixed price")
	assert.Nil(t, job.ExpiresAt)
	assert.GreaterOrEqual(t, job.DistanceKm, 30.0)
}

func TestCreateJob_Validation(t *testing.T) {
	co, _, _, _ := newTestCoordinator(t)

	req := shortHaulRequest()
	req.Pickup.Lat = 123
	_, err := co.CreateJob(context.Background(), req)
	assert.Equal(t, ledger.CodeValidation, ledger.CodeOf(err))

	req = shortHaulRequest()
	req.ShipperID = ""
	_, err = co.CreateJob(context.Background(), req)
	assert.Equal(t, ledger.CodeValidation, ledger.CodeOf(err))
}

func TestInstantAccept_HappyPath(t *testing.T) {
	co, led, gw, sink := newTestCoordinator(t)
	addDriver(t, led, "driver-1")

	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)

	got, err := co.InstantAccept(context.Background(), job.ID, "driver-1", &models.Coord{Lat: 6.6, Lng: 3.35})
	require.NoError(t, err)
	assert.Equal(t, models.JobMatched, got.Status)
	assert.Equal(t, "driver-1", got.CarrierID)

	// payment opened with the gateway and the provider ref attached
	assert.Equal(t, 1, gw.opened)
	pm, err := led.PaymentForJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ref-"+job.ID, pm.ProviderRef)

	types := []string{}
	for _, ev := range sink.events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "job.matched")
}

func TestInstantAccept_Preconditions(t *testing.T) {
	co, led, _, _ := newTestCoordinator(t)
	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = co.InstantAccept(ctx, job.ID, "ghost", nil)
	assert.Equal(t, ledger.CodeNotFound, ledger.CodeOf(err))

	require.NoError(t, led.UpsertCarrier(ctx, &models.Carrier{ID: "shipper-ish", Role: "SHIPPER", Active: true, Online: true, VehicleCount: 1}))
	_, err = co.InstantAccept(ctx, job.ID, "shipper-ish", nil)
	assert.Equal(t, ledger.CodeForbidden, ledger.CodeOf(err))

	require.NoError(t, led.UpsertCarrier(ctx, &models.Carrier{ID: "offline", Role: "DRIVER", Active: true, Online: false, VehicleCount: 1}))
	_, err = co.InstantAccept(ctx, job.ID, "offline", nil)
	assert.Equal(t, ledger.CodeValidation, ledger.CodeOf(err))

	require.NoError(t, led.UpsertCarrier(ctx, &models.Carrier{ID: "no-truck", Role: "DRIVER", Active: true, Online: true, VehicleCount: 0}))
	_, err = co.InstantAccept(ctx, job.ID, "no-truck", nil)
	assert.Equal(t, ledger.CodeValidation, ledger.CodeOf(err))
}

func TestInstantAccept_SecondClaimLosesRace(t *testing.T) {
	co, led, _, _ := newTestCoordinator(t)
	addDriver(t, led, "driver-1")
	addDriver(t, led, "driver-2")

	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)

	_, err = co.InstantAccept(context.Background(), job.ID, "driver-1", nil)
	require.NoError(t, err)

	_, err = co.InstantAccept(context.Background(), job.ID, "driver-2", nil)
	require.Error(t, err)
	assert.Equal(t, ledger.CodeRaceLost, ledger.CodeOf(err))
	assert.EqualError(t, err, "already taken by another driver")
}

func TestInstantAccept_GatewayFailureKeepsMatch(t *testing.T) {
	co, led, gw, _ := newTestCoordinator(t)
	gw.fail = true
	addDriver(t, led, "driver-1")

	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)

	got, err := co.InstantAccept(context.Background(), job.ID, "driver-1", nil)
	require.NoError(t, err, "gateway trouble must not unwind the match")
	assert.Equal(t, models.JobMatched, got.Status)

	pm, err := led.PaymentForJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, pm.Status)
	assert.Empty(t, pm.ProviderRef)
}

func TestCancelJob_ReleasesGatewayHold(t *testing.T) {
	co, led, gw, _ := newTestCoordinator(t)
	addDriver(t, led, "driver-1")

	job, err := co.CreateJob(context.Background(), shortHaulRequest())
	require.NoError(t, err)
	_, err = co.InstantAccept(context.Background(), job.ID, "driver-1", nil)
	require.NoError(t, err)

	_, err = co.CancelJob(context.Background(), job.ID, "shipper-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, []string{"ref-" + job.ID}, gw.released)
}

func TestPlaceBid_RequiresCarrierRole(t *testing.T) {
	co, led, _, _ := newTestCoordinator(t)
	req := shortHaulRequest()
	req.BookingMode = models.BookingBidding
	req.PricingMode = models.PricingOpenBids
	job, err := co.CreateJob(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, led.UpsertCarrier(context.Background(), &models.Carrier{ID: "not-a-driver", Role: "SHIPPER", Active: true}))
	_, err = co.PlaceBid(context.Background(), job.ID, "not-a-driver", 900, nil, "")
	assert.Equal(t, ledger.CodeForbidden, ledger.CodeOf(err))

	addDriver(t, led, "driver-1")
	bid, err := co.PlaceBid(context.Background(), job.ID, "driver-1", 900, nil, "can do today")
	require.NoError(t, err)
	assert.Equal(t, models.BidPending, bid.Status)
}

func TestAcceptBid_FullFlowWithWebhook(t *testing.T) {
	co, led, _, sink := newTestCoordinator(t)
	addDriver(t, led, "driver-1")

	req := shortHaulRequest()
	req.BookingMode = models.BookingBidding
	req.PricingMode = models.PricingOpenBids
	job, err := co.CreateJob(context.Background(), req)
	require.NoError(t, err)

	bid, err := co.PlaceBid(context.Background(), job.ID, "driver-1", 950, nil, "")
	require.NoError(t, err)

	matched, err := co.AcceptBid(context.Background(), job.ID, "shipper-1", bid.ID)
	require.NoError(t, err)
	require.NotNil(t, matched.FinalPrice)
	assert.Equal(t, int64(950), *matched.FinalPrice)

	inTransit, err := co.ConfirmPayment(context.Background(), "ref-"+job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobInTransit, inTransit.Status)

	done, err := co.CompleteDelivery(context.Background(), job.ID, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobDelivered, done.Status)

	types := []string{}
	for _, ev := range sink.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"job.posted", "job.matched", "job.in_transit", "job.delivered"}, types)
}

func TestRankBids_OrdersByScore(t *testing.T) {
	co, led, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	req := shortHaulRequest()
	req.BookingMode = models.BookingBidding
	req.PricingMode = models.PricingOpenBids
	job, err := co.CreateJob(ctx, req)
	require.NoError(t, err)

	near := &models.Carrier{ID: "near", Role: "DRIVER", Active: true, Online: true, Rating: 4.8, MaxCapacityKg: 100, VehicleCount: 1, Loc: &models.Coord{Lat: 6.6018, Lng: 3.3515}}
	far := &models.Carrier{ID: "far", Role: "DRIVER", Active: true, Online: true, Rating: 3.0, MaxCapacityKg: 10, VehicleCount: 1, Loc: &models.Coord{Lat: 6.45, Lng: 3.6}}
	require.NoError(t, led.UpsertCarrier(ctx, near))
	require.NoError(t, led.UpsertCarrier(ctx, far))

	_, err = co.PlaceBid(ctx, job.ID, "far", 900, nil, "")
	require.NoError(t, err)
	_, err = co.PlaceBid(ctx, job.ID, "near", 900, nil, "")
	require.NoError(t, err)

	cands, err := co.RankBids(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "near", cands[0].Carrier.ID)
	assert.Greater(t, cands[0].Score, cands[1].Score)
}

func TestSetCarrierStatus_UpdatesIndex(t *testing.T) {
	co, led, _, _ := newTestCoordinator(t)
	addDriver(t, led, "driver-1")

	loc := &models.Coord{Lat: 6.5, Lng: 3.4}
	locator := &captureLocator{}
	co.Locations = locator

	c, err := co.SetCarrierStatus(context.Background(), "driver-1", true, loc)
	require.NoError(t, err)
	assert.True(t, c.Online)
	require.NotNil(t, c.Loc)
	assert.Equal(t, *loc, *c.Loc)
	assert.Equal(t, []string{"driver-1"}, locator.upserts)
}

type captureLocator struct {
	upserts []string
}

func (c *captureLocator) Upsert(_ context.Context, carrier models.Carrier) error {
	c.upserts = append(c.upserts, carrier.ID)
	return nil
}
