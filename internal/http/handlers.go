package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ratings"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) handleCreateRideRequest(w http.ResponseWriter, r *http.Request) {
	var in dispatch.NewRideRequest
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.dispatcher.CreateRideRequest(r.Context(), in, identityFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Ride request created and driver assigned.",
		"rideRequest": out.RideRequest,
		"driver":      out.Driver,
	})
}

type respondBody struct {
	RideRequestID string `json:"rideRequestId"`
	Status        string `json:"status"`
}

func (s *Server) handleRespondToRide(w http.ResponseWriter, r *http.Request) {
	var in respondBody
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.dispatcher.RespondToRideRequest(r.Context(), in.RideRequestID, in.Status, identityFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.Trip == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "Ride request rejected.", "rideRequest": out.RideRequest})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ride request accepted.", "rideRequest": out.RideRequest, "trip": out.Trip})
}

func (s *Server) handleListRideRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RideRequestFilter{
		DriverID: q.Get("driverId"),
		UserID:   q.Get("userId"),
		Status:   models.RideRequestStatus(q.Get("status")),
	}
	rs, err := s.dispatcher.ListRideRequests(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(rs))
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.TripFilter{
		DriverID: q.Get("driverId"),
		UserID:   q.Get("userId"),
		Status:   models.TripStatus(q.Get("status")),
	}
	ts, err := s.trips.ListTrips(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(ts))
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Data: t})
}

type completeBody struct {
	Status string `json:"status"`
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	var in completeBody
	if err := decodeJSON(w, r, &in, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Status != "" && in.Status != string(models.TripCompleted) {
		s.writeError(w, r, apperr.Invalid([]apperr.FieldError{{Field: "status", Message: "can only be set to completed"}}))
		return
	}
	t, err := s.trips.CompleteTrip(r.Context(), mux.Vars(r)["id"], identityFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Data: t})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var in ratings.NewReview
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	rv, err := s.reviews.CreateReview(r.Context(), in, identityFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dataBody{Data: rv})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ReviewFilter{
		DriverID: q.Get("driverId"),
		RiderID:  q.Get("riderId"),
		TripID:   q.Get("tripId"),
	}
	rs, err := s.reviews.ListReviews(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(rs))
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	ds, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(ds))
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Data: d})
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var in registry.NewDriver
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.registry.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dataBody{Data: d})
}

type availabilityBody struct {
	IsAvailable *bool `json:"isAvailable"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var in availabilityBody
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.IsAvailable == nil {
		s.writeError(w, r, apperr.Invalid([]apperr.FieldError{{Field: "isAvailable", Message: "is required"}}))
		return
	}
	id := mux.Vars(r)["id"]
	if *in.IsAvailable {
		busy, err := s.driverEngaged(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if busy {
			s.writeError(w, r, apperr.New(apperr.KindInvalidState, "driver has a pending ride request or an ongoing trip"))
			return
		}
	}
	if err := s.registry.SetAvailability(r.Context(), id, *in.IsAvailable); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Data: d})
}

// driverEngaged reports whether the driver holds a pending ride request or
// an ongoing trip, either of which keeps them unavailable.
func (s *Server) driverEngaged(ctx context.Context, id string) (bool, error) {
	reqs, err := s.dispatcher.ListRideRequests(ctx, storage.RideRequestFilter{DriverID: id, Status: models.RideRequestPending})
	if err != nil {
		return false, err
	}
	if len(reqs) > 0 {
		return true, nil
	}
	ts, err := s.trips.ListTrips(ctx, storage.TripFilter{DriverID: id, Status: models.TripOngoing})
	if err != nil {
		return false, err
	}
	return len(ts) > 0, nil
}

func (s *Server) handleRecomputeRating(w http.ResponseWriter, r *http.Request) {
	agg, err := s.aggregator.RecomputeDriverRating(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Data: agg})
}

type locationBody struct {
	DriverID string       `json:"driverId"`
	Location models.Point `json:"location"`
}

// handleDriverLocation records a driver's position. Drivers report for
// themselves; admins must name the driver.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in locationBody
	if err := decodeJSON(w, r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	who := identityFromContext(r.Context())
	driverID := strings.TrimSpace(in.DriverID)
	switch {
	case who.Role == models.RoleDriver && driverID == "":
		driverID = who.ID
	case who.Role == models.RoleDriver && driverID != who.ID:
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "drivers may only report their own location"))
		return
	case driverID == "":
		s.writeError(w, r, apperr.Invalid([]apperr.FieldError{{Field: "driverId", Message: "is required"}}))
		return
	}

	if err := s.registry.UpdateLocation(r.Context(), driverID, in.Location); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		u := ingest.LocationUpdate{DriverID: driverID, Location: in.Location, RecordedAt: time.Now().UTC()}
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			observability.LocationPublishFailure.Inc()
			s.logger.Warn("publish driver location", "driver_id", driverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
