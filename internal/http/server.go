// Package httpapi exposes the dispatch engine over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ratings"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/trips"
)

// LocationPublisher fans accepted driver locations out to other consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Deps struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Trips      *trips.Manager
	Reviews    *ratings.ReviewService
	Aggregator *ratings.Aggregator
	Auth       *auth.Authenticator
	// Locations is optional; nil disables location fan-out.
	Locations LocationPublisher
	Logger    *slog.Logger
}

type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	trips      *trips.Manager
	reviews    *ratings.ReviewService
	aggregator *ratings.Aggregator
	auth       *auth.Authenticator
	locations  LocationPublisher
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		trips:      d.Trips,
		reviews:    d.Reviews,
		aggregator: d.Aggregator,
		auth:       d.Auth,
		locations:  d.Locations,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	// /trips/requests must be registered ahead of /trips/{id}
	api.Handle("/trips/rideRequest", requireRole(s.handleCreateRideRequest, models.RoleRider)).Methods(http.MethodPost)
	api.Handle("/trips/respondToRide", requireRole(s.handleRespondToRide, models.RoleDriver, models.RoleAdmin)).Methods(http.MethodPost)
	api.Handle("/trips/requests", requireRole(s.handleListRideRequests, models.RoleAdmin)).Methods(http.MethodGet)
	api.Handle("/trips", requireRole(s.handleListTrips, models.RoleAdmin)).Methods(http.MethodGet)
	api.Handle("/trips/{id}", requireRole(s.handleGetTrip, models.RoleAdmin)).Methods(http.MethodGet)
	api.Handle("/trips/{id}", requireRole(s.handleCompleteTrip, models.RoleDriver, models.RoleAdmin)).Methods(http.MethodPut)

	api.Handle("/reviews", requireRole(s.handleCreateReview, models.RoleRider)).Methods(http.MethodPost)
	api.Handle("/reviews", requireRole(s.handleListReviews, models.RoleRider, models.RoleDriver, models.RoleAdmin)).Methods(http.MethodGet)

	api.Handle("/drivers", requireRole(s.handleListDrivers, models.RoleAdmin)).Methods(http.MethodGet)
	api.Handle("/drivers", requireRole(s.handleRegisterDriver, models.RoleAdmin)).Methods(http.MethodPost)
	api.Handle("/drivers/{id}", requireRole(s.handleGetDriver, models.RoleAdmin)).Methods(http.MethodGet)
	api.Handle("/drivers/{id}/availability", requireRole(s.handleSetAvailability, models.RoleAdmin)).Methods(http.MethodPut)
	api.Handle("/drivers/{id}/rating", requireRole(s.handleRecomputeRating, models.RoleAdmin)).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.Handle("/driver/locations", requireRole(s.handleDriverLocation, models.RoleDriver, models.RoleAdmin)).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
