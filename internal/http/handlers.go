package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/estimator"
	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

const minAddressLen = 3

type Estimator interface {
	ResolveCoordinates(ctx context.Context, address string) (models.Coord, error)
	Estimate(ctx context.Context, origin, destination string) models.Estimate
	Quote(ctx context.Context, origin, destination string) estimator.Quote
}

type Rides interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*models.Ride, error)
	Get(ctx context.Context, rideID string) (*models.Ride, error)
}

type NearbyFinder interface {
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.ActorLocation, error)
}

type Verifier interface {
	Verify(token string) (models.Actor, error)
}

// Checker reports whether a dependency is ready to serve.
type Checker func(ctx context.Context) error

type Deps struct {
	Estimator   Estimator
	Suggester   geocode.Suggester
	Rides       Rides
	Nearby      NearbyFinder
	WS          http.Handler
	Verifier    Verifier
	Checkers    map[string]Checker
	NearbyLimit int
}

type Server struct {
	Deps
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.NearbyLimit <= 0 {
		d.NearbyLimit = 10
	}
	s := &Server{Deps: d, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/maps/coordinates", s.handleCoordinates).Methods(http.MethodGet)
	api.HandleFunc("/maps/distance-time", s.handleDistanceTime).Methods(http.MethodGet)
	api.HandleFunc("/maps/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	api.HandleFunc("/rides/fare", s.handleFare).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.WS != nil {
		s.mux.Handle("/ws", s.WS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCoordinates(w http.ResponseWriter, r *http.Request) {
	address, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	c, err := s.Estimator.ResolveCoordinates(r.Context(), address)
	switch {
	case errors.Is(err, geocode.ErrAddressNotFound):
		writeError(w, http.StatusNotFound, "coordinates not found")
		return
	case err != nil:
		s.logger.Warn("geocode failed", "error", err)
		writeError(w, http.StatusBadGateway, "geocoding unavailable")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDistanceTime(w http.ResponseWriter, r *http.Request) {
	origin, ok := addressParam(w, r, "origin")
	if !ok {
		return
	}
	dest, ok := addressParam(w, r, "destination")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Estimator.Estimate(r.Context(), origin, dest))
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	input := strings.TrimSpace(r.URL.Query().Get("input"))
	out := []string{}
	if s.Suggester != nil && len(input) >= geocode.MinSuggestInput {
		got, err := s.Suggester.Suggest(r.Context(), input)
		if err != nil {
			s.logger.Warn("suggest failed", "error", err)
		} else if got != nil {
			out = got
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	pickup, ok := addressParam(w, r, "pickup")
	if !ok {
		return
	}
	dest, ok := addressParam(w, r, "destination")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Estimator.Quote(r.Context(), pickup, dest))
}

type createRideRequest struct {
	RiderID     string             `json:"riderId"`
	Pickup      string             `json:"pickup"`
	Destination string             `json:"destination"`
	VehicleType models.VehicleType `json:"vehicleType"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.Verifier != nil {
		actor, err := s.Verifier.Verify(auth.TokenFromRequest(r))
		if err != nil || actor.Role != models.RoleRider {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if req.RiderID != "" && req.RiderID != actor.ID {
			writeError(w, http.StatusForbidden, "riderId does not match token")
			return
		}
		req.RiderID = actor.ID
	}
	if len(strings.TrimSpace(req.Pickup)) < minAddressLen || len(strings.TrimSpace(req.Destination)) < minAddressLen {
		writeError(w, http.StatusBadRequest, "pickup and destination must be at least 3 characters")
		return
	}
	rd, err := s.Rides.Create(r.Context(), ride.CreateCommand{
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		VehicleType: req.VehicleType,
	})
	if errors.Is(err, ride.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create ride failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ride.ErrRideNotFound) {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	if err != nil {
		s.logger.Error("get ride failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rd.Public())
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	center := models.Coord{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !center.Valid() {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 5000.0
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := s.NearbyLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	drivers, err := s.Nearby.Nearby(r.Context(), center, radius, limit)
	if err != nil {
		s.logger.Warn("nearby lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "location index unavailable")
		return
	}
	if drivers == nil {
		drivers = []models.ActorLocation{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.Checkers {
		if err := check(ctx); err != nil {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if len(v) < minAddressLen {
		writeError(w, http.StatusBadRequest, name+" must be at least 3 characters")
		return "", false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
