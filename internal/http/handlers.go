package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/nearby"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/pricing"
	"github.com/example/freight-dispatch/internal/scoring"
	"github.com/example/freight-dispatch/internal/tracking"
)

// Server is the HTTP API surface over the dispatch core. Identity comes
// from the X-User-ID header; authentication lives in front of this
// service.
type Server struct {
	Coordinator   *dispatch.Coordinator
	Ledger        ledger.Ledger
	Nearby        *nearby.Service
	Tracker       *tracking.Recorder
	WSReg         *notify.WSRegistry
	Carriers      geo.CarrierIndex // optional
	WebhookSecret string

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(co *dispatch.Coordinator, l ledger.Ledger, nb *nearby.Service, tr *tracking.Recorder, wsreg *notify.WSRegistry, webhookSecret string, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator:   co,
		Ledger:        l,
		Nearby:        nb,
		Tracker:       tr,
		WSReg:         wsreg,
		WebhookSecret: webhookSecret,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/nearby", s.handleNearbyJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/jobs/{id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/jobs/{id}/bids/{bid_id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/jobs/{id}/candidates", s.handleJobCandidates).Methods("GET")
	api.HandleFunc("/jobs/{id}/instant-accept", s.handleInstantAccept).Methods("POST")
	api.HandleFunc("/jobs/{id}/start", s.handleStartDelivery).Methods("POST")
	api.HandleFunc("/jobs/{id}/complete", s.handleCompleteDelivery).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/tracking", s.handleTrackingHistory).Methods("GET")
	api.HandleFunc("/tracking", s.handleRecordTracking).Methods("POST")
	api.HandleFunc("/ratings", s.handleCreateRating).Methods("POST")
	api.HandleFunc("/carriers/status", s.handleCarrierStatus).Methods("POST")
	api.HandleFunc("/pricing/estimate", s.handlePriceEstimate).Methods("GET")
	api.HandleFunc("/payments/webhook", s.handlePaymentWebhook).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func userID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps domain error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := ledger.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case ledger.CodeValidation:
		status = http.StatusBadRequest
	case ledger.CodeNotFound:
		status = http.StatusNotFound
	case ledger.CodeForbidden:
		status = http.StatusForbidden
	case ledger.CodeStateConflict, ledger.CodeRaceLost:
		status = http.StatusConflict
	case ledger.CodeExpired:
		status = http.StatusGone
	case ledger.CodeDependency:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

type createJobPayload struct {
	PickupAddress    string             `json:"pickup_address"`
	Pickup           models.Coord       `json:"pickup"`
	DropoffAddress   string             `json:"dropoff_address"`
	Dropoff          models.Coord       `json:"dropoff"`
	CargoType        string             `json:"cargo_type"`
	CargoWeightKg    float64            `json:"cargo_weight_kg"`
	CargoDescription string             `json:"cargo_description"`
	BookingMode      models.BookingMode `json:"booking_mode"`
	PricingMode      models.PricingMode `json:"pricing_mode"`
	MaxBudget        *int64             `json:"max_budget"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var p createJobPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, ledger.Validation("invalid request body"))
		return
	}
	job, err := s.Coordinator.CreateJob(r.Context(), dispatch.CreateJobRequest{
		ShipperID:        userID(r),
		PickupAddress:    p.PickupAddress,
		Pickup:           p.Pickup,
		DropoffAddress:   p.DropoffAddress,
		Dropoff:          p.Dropoff,
		CargoType:        p.CargoType,
		CargoWeightKg:    p.CargoWeightKg,
		CargoDescription: p.CargoDescription,
		BookingMode:      p.BookingMode,
		PricingMode:      p.PricingMode,
		MaxBudget:        p.MaxBudget,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.JobFilter{
		ShipperID: q.Get("shipper_id"),
		CarrierID: q.Get("carrier_id"),
		Status:    models.JobStatus(q.Get("status")),
	}
	if q.Get("open_or_mine") == "true" {
		f.OpenOrAssignedTo = userID(r)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	jobs, err := s.Ledger.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Ledger.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleNearbyJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, ledger.Validation("lat and lng are required"))
		return
	}
	radiusKm, _ := strconv.ParseFloat(q.Get("radius_km"), 64)
	results, err := s.Nearby.Find(r.Context(), userID(r), models.Coord{Lat: lat, Lng: lng}, radiusKm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": results, "count": len(results)})
}

type bidPayload struct {
	Amount     int64  `json:"amount"`
	ETAMinutes *int   `json:"eta_minutes"`
	Message    string `json:"message"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var p bidPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, ledger.Validation("invalid request body"))
		return
	}
	bid, err := s.Coordinator.PlaceBid(r.Context(), mux.Vars(r)["id"], userID(r), p.Amount, p.ETAMinutes, p.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bid)
}

// handleListBids returns the job's pending bids ranked for the shipper.
func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	cands, err := s.Coordinator.RankBids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bids": cands, "count": len(cands)})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := s.Coordinator.AcceptBid(r.Context(), vars["id"], userID(r), vars["bid_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleJobCandidates lists online carriers near the job's pickup,
// scored best-first, for the shipper's broker view. The geo index is
// advisory: candidates here still have to win the claim or the bid.
func (s *Server) handleJobCandidates(w http.ResponseWriter, r *http.Request) {
	job, err := s.Ledger.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.ShipperID != userID(r) {
		s.writeError(w, ledger.Forbidden("only the job creator can view candidates"))
		return
	}
	if s.Carriers == nil {
		s.writeError(w, ledger.Dependency("carrier index not configured"))
		return
	}
	radiusKm, _ := strconv.ParseFloat(r.URL.Query().Get("radius_km"), 64)
	if radiusKm <= 0 {
		radiusKm = 10
	}
	indexed, err := s.Carriers.Nearby(r.Context(), job.Pickup, radiusKm, 50)
	if err != nil {
		s.writeError(w, ledger.Dependency("carrier index unavailable"))
		return
	}
	hydrated := make([]models.Carrier, 0, len(indexed))
	for _, ic := range indexed {
		c, err := s.Ledger.GetCarrier(r.Context(), ic.ID)
		if err != nil {
			continue
		}
		if c.Loc == nil {
			c.Loc = ic.Loc
		}
		hydrated = append(hydrated, *c)
	}
	cands := make([]scoring.Candidate, 0, len(hydrated))
	for _, c := range scoring.FilterByRadius(hydrated, job, radiusKm) {
		if !c.Online {
			continue
		}
		cands = append(cands, scoring.Candidate{Carrier: c})
	}
	ranked := scoring.Rank(cands, job)
	s.writeJSON(w, http.StatusOK, map[string]any{"candidates": ranked, "count": len(ranked)})
}

type instantAcceptPayload struct {
	Loc *models.Coord `json:"loc"`
}

func (s *Server) handleInstantAccept(w http.ResponseWriter, r *http.Request) {
	var p instantAcceptPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.writeError(w, ledger.Validation("invalid request body"))
			return
		}
	}
	job, err := s.Coordinator.InstantAccept(r.Context(), mux.Vars(r)["id"], userID(r), p.Loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartDelivery(w http.ResponseWriter, r *http.Request) {
	job, err := s.Coordinator.StartDelivery(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCompleteDelivery(w http.ResponseWriter, r *http.Request) {
	job, err := s.Coordinator.CompleteDelivery(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var p cancelPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.writeError(w, ledger.Validation("invalid request body"))
			return
		}
	}
	job, err := s.Coordinator.CancelJob(r.Context(), mux.Vars(r)["id"], userID(r), p.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type trackingPayload struct {
	JobID string       `json:"job_id"`
	Loc   models.Coord `json:"loc"`
}

func (s *Server) handleRecordTracking(w http.ResponseWriter, r *http.Request) {
	var p trackingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, ledger.Validation("invalid request body"))
		return
	}
	point, err := s.Tracker.Record(r.Context(), p.JobID, userID(r), p.Loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, point)
}

func (s *Server) handleTrackingHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.Tracker.History(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
}

type ratingPayload struct {
	JobID   string `json:"job_id"`
	RateeID string `json:"ratee_id"`
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func (s *Server) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	var p ratingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, ledger.Validation("invalid request body"))
		return
	}
	rating := &models.Rating{
		JobID:   p.JobID,
		RaterID: userID(r),
		RateeID: p.RateeID,
		Score:   p.Score,
		Comment: p.Comment,
	}
	avg, err := s.Ledger.CreateRating(r.Context(), rating)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"rating": rating, "ratee_average": avg})
}

type carrierStatusPayload struct {
	Online bool          `json:"online"`
	Loc    *models.Coord `json:"loc"`
}

func (s *Server) handleCarrierStatus(w http.ResponseWriter, r *http.Request) {
	var p carrierStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, ledger.Validation("invalid request body"))
		return
	}
	carrier, err := s.Coordinator.SetCarrierStatus(r.Context(), userID(r), p.Online, p.Loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, carrier)
}

// handlePriceEstimate quotes a delivery without creating anything. The
// estimate is forced even past the negotiable cutoff so the UI can show
// a reference figure next to "negotiable".
func (s *Server) handlePriceEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pickupLat, err1 := strconv.ParseFloat(q.Get("pickup_lat"), 64)
	pickupLng, err2 := strconv.ParseFloat(q.Get("pickup_lng"), 64)
	dropLat, err3 := strconv.ParseFloat(q.Get("dropoff_lat"), 64)
	dropLng, err4 := strconv.ParseFloat(q.Get("dropoff_lng"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		s.writeError(w, ledger.Validation("pickup and dropoff coordinates are required"))
		return
	}
	weight, _ := strconv.ParseFloat(q.Get("weight_kg"), 64)
	if weight <= 0 {
		weight = pricing.DefaultWeightKg
	}
	distanceKm := geo.RoutingDistanceKm(
		models.Coord{Lat: pickupLat, Lng: pickupLng},
		models.Coord{Lat: dropLat, Lng: dropLng},
	)
	estimate, _ := pricing.Quote(distanceKm, weight, true)
	negotiable := distanceKm >= pricing.NegotiableDistanceKm
	s.writeJSON(w, http.StatusOK, map[string]any{
		"distance_km": distanceKm,
		"estimate":    estimate,
		"negotiable":  negotiable,
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, ledger.Validation("unreadable body"))
		return
	}
	ev, err := payments.ParseWebhook(s.WebhookSecret, body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrNoSignature) || errors.Is(err, payments.ErrInvalidSignature) {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		s.writeError(w, ledger.Validation("invalid webhook payload"))
		return
	}
	switch ev.Event {
	case payments.EventChargeSuccess:
		if _, err := s.Coordinator.ConfirmPayment(r.Context(), ev.Data.Reference); err != nil {
			s.writeError(w, err)
			return
		}
	case payments.EventChargeFailed:
		if err := s.Coordinator.FailPayment(r.Context(), ev.Data.Reference); err != nil {
			s.writeError(w, err)
			return
		}
	default:
		// unknown events are acknowledged so the provider stops retrying
		s.logger.Info("ignoring webhook event", "event", ev.Event)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
