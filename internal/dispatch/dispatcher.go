// Package dispatch matches ride requests to drivers and drives the ride
// request state machine through accept and reject.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Drivers is the subset of the driver registry the dispatcher needs.
type Drivers interface {
	NearestAvailable(ctx context.Context, p models.Point, limit int) ([]geo.Candidate, error)
	Claim(ctx context.Context, driverID string) error
	Release(ctx context.Context, driverID string) error
	Get(ctx context.Context, driverID string) (*models.Driver, error)
	Forget(ctx context.Context, driverID string) error
}

// TripCreator starts a trip for an accepted ride request.
type TripCreator interface {
	CreateTrip(ctx context.Context, req *models.RideRequest, distanceKm float64) (*models.Trip, error)
}

type Config struct {
	// Candidates is how many nearest drivers are fetched per claim round.
	Candidates int
	// ClaimRounds bounds how often candidates are re-fetched after every
	// driver in a round was taken concurrently.
	ClaimRounds int
	// PendingTTL is how long a ride request may wait for a driver response.
	PendingTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Candidates <= 0 {
		c.Candidates = 5
	}
	if c.ClaimRounds <= 0 {
		c.ClaimRounds = 3
	}
	return c
}

type Dispatcher struct {
	cfg      Config
	drivers  Drivers
	requests storage.RideRequestStore
	trips    TripCreator
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, drivers Drivers, requests storage.RideRequestStore, trips TripCreator, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		drivers:  drivers,
		requests: requests,
		trips:    trips,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

type NewRideRequest struct {
	PickupLocation  models.Point `json:"pickupLocation"`
	DropoffLocation models.Point `json:"dropoffLocation"`
}

// Dispatch is the outcome of a successful CreateRideRequest.
type Dispatch struct {
	RideRequest *models.RideRequest `json:"rideRequest"`
	Driver      models.PublicDriver `json:"driver"`
}

// CreateRideRequest holds the nearest available driver for the rider and
// records a pending ride request assigned to that driver.
func (d *Dispatcher) CreateRideRequest(ctx context.Context, in NewRideRequest, userID string) (*Dispatch, error) {
	fields := append(in.PickupLocation.Validate("pickupLocation"), in.DropoffLocation.Validate("dropoffLocation")...)
	if strings.TrimSpace(userID) == "" {
		fields = append(fields, apperr.FieldError{Field: "userId", Message: "is required"})
	}
	if err := apperr.Invalid(fields); err != nil {
		observability.RideRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	start := d.now()
	driverID, err := d.claimNearest(ctx, in.PickupLocation)
	if err != nil {
		observability.RideRequestsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	observability.MatchLatency.Observe(time.Since(start).Seconds())

	out, err := d.persistPending(ctx, in, userID, driverID)
	if err != nil {
		// the hold must not outlive a request that was never recorded
		if relErr := d.drivers.Release(context.WithoutCancel(ctx), driverID); relErr != nil {
			d.logger.Error("release after failed dispatch", "driver_id", driverID, "error", relErr)
		}
		observability.RideRequestsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	observability.RideRequestsTotal.WithLabelValues("created").Inc()
	d.logger.Info("ride request created", "ride_request_id", out.RideRequest.ID, "driver_id", driverID, "user_id", userID)
	d.publish(ctx, events.New(events.RideRequestCreated, out.RideRequest.ID, out.RideRequest))
	return out, nil
}

// claimNearest walks candidates nearest first and claims the first one that
// is still available. Candidates lost to a concurrent dispatch are skipped;
// a fresh candidate list is fetched when a whole round is lost.
func (d *Dispatcher) claimNearest(ctx context.Context, pickup models.Point) (string, error) {
	tried := make(map[string]bool)
	conflicts := 0
	for round := 0; round < d.cfg.ClaimRounds; round++ {
		cands, err := d.drivers.NearestAvailable(ctx, pickup, d.cfg.Candidates)
		if err != nil {
			return "", err
		}
		fresh := 0
		for _, c := range cands {
			if tried[c.DriverID] {
				continue
			}
			tried[c.DriverID] = true
			fresh++
			err := d.drivers.Claim(ctx, c.DriverID)
			switch {
			case err == nil:
				return c.DriverID, nil
			case errors.Is(err, apperr.ConcurrencyConflict):
				conflicts++
				observability.DriverClaimConflicts.Inc()
				d.logger.Debug("driver taken concurrently", "driver_id", c.DriverID)
			case errors.Is(err, apperr.NotFound):
				// indexed but no longer registered
				if err := d.drivers.Forget(ctx, c.DriverID); err != nil {
					d.logger.Warn("drop stale index entry", "driver_id", c.DriverID, "error", err)
				}
			default:
				return "", err
			}
		}
		if fresh == 0 {
			break
		}
	}
	if conflicts > 0 {
		return "", apperr.New(apperr.KindConcurrencyConflict, "every nearby driver was taken by a concurrent request")
	}
	return "", apperr.New(apperr.KindNoDriverAvailable, "no available driver near pickup")
}

func (d *Dispatcher) persistPending(ctx context.Context, in NewRideRequest, userID, driverID string) (*Dispatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "request abandoned", err)
	}
	driver, err := d.drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	req := &models.RideRequest{
		ID:              uuid.NewString(),
		PickupLocation:  in.PickupLocation.Clone(),
		DropoffLocation: in.DropoffLocation.Clone(),
		UserID:          userID,
		DriverID:        driverID,
		Status:          models.RideRequestPending,
		RequestedAt:     d.now().UTC(),
	}
	if err := d.requests.CreateRideRequest(ctx, req); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "persist ride request", err)
	}
	return &Dispatch{RideRequest: req, Driver: driver.Public()}, nil
}

// Response is the outcome of RespondToRideRequest. Trip is set on accept.
type Response struct {
	RideRequest *models.RideRequest `json:"rideRequest"`
	Trip        *models.Trip        `json:"trip,omitempty"`
}

// ParseDecision accepts "accepted"/"rejected" and the verbs "accept"/"reject".
func ParseDecision(s string) (models.RideRequestStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "accepted":
		return models.RideRequestAccepted, true
	case "reject", "rejected":
		return models.RideRequestRejected, true
	}
	return "", false
}

// RespondToRideRequest applies the assigned driver's decision. A request
// leaves pending exactly once; later responses fail with invalid_state.
func (d *Dispatcher) RespondToRideRequest(ctx context.Context, id string, decision string, who models.Identity) (*Response, error) {
	to, ok := ParseDecision(decision)
	var fields []apperr.FieldError
	if strings.TrimSpace(id) == "" {
		fields = append(fields, apperr.FieldError{Field: "rideRequestId", Message: "is required"})
	}
	if !ok {
		fields = append(fields, apperr.FieldError{Field: "status", Message: "must be accepted or rejected"})
	}
	if err := apperr.Invalid(fields); err != nil {
		return nil, err
	}

	req, err := d.GetRideRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.Role != models.RoleAdmin && who.ID != req.DriverID {
		return nil, apperr.New(apperr.KindForbidden, "ride request "+id+" is assigned to another driver")
	}
	if req.Status != models.RideRequestPending {
		return nil, apperr.New(apperr.KindInvalidState, "ride request "+id+" is already "+string(req.Status))
	}

	var resp *Response
	if to == models.RideRequestRejected {
		resp, err = d.reject(ctx, req)
	} else {
		resp, err = d.accept(ctx, req)
	}
	observability.RideResponsesTotal.WithLabelValues(string(to), outcome(err)).Inc()
	return resp, err
}

func (d *Dispatcher) transition(ctx context.Context, id string, from, to models.RideRequestStatus) (*models.RideRequest, error) {
	r, err := d.requests.TransitionRideRequest(ctx, id, from, to, d.now().UTC())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, apperr.New(apperr.KindInvalidState, "ride request "+id+" is no longer "+string(from))
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Wrap(apperr.KindNotFound, "ride request "+id+" not found", err)
	case err != nil:
		return nil, apperr.Wrap(apperr.KindUnavailable, "update ride request", err)
	}
	return r, nil
}

func (d *Dispatcher) reject(ctx context.Context, req *models.RideRequest) (*Response, error) {
	rejected, err := d.transition(ctx, req.ID, models.RideRequestPending, models.RideRequestRejected)
	if err != nil {
		return nil, err
	}
	d.releaseHold(ctx, rejected)
	d.logger.Info("ride request rejected", "ride_request_id", req.ID, "driver_id", req.DriverID)
	d.publish(ctx, events.New(events.RideRequestRejected, req.ID, rejected))
	return &Response{RideRequest: rejected}, nil
}

func (d *Dispatcher) accept(ctx context.Context, req *models.RideRequest) (*Response, error) {
	accepted, err := d.transition(ctx, req.ID, models.RideRequestPending, models.RideRequestAccepted)
	if err != nil {
		return nil, err
	}
	distance := geo.DistanceKm(accepted.PickupLocation, accepted.DropoffLocation)
	trip, err := d.trips.CreateTrip(ctx, accepted, distance)
	if err != nil {
		// put the request back so the driver can respond again
		if _, revErr := d.transition(context.WithoutCancel(ctx), req.ID, models.RideRequestAccepted, models.RideRequestPending); revErr != nil {
			d.logger.Error("revert accepted ride request", "ride_request_id", req.ID, "error", revErr)
		}
		return nil, err
	}
	d.logger.Info("ride request accepted", "ride_request_id", req.ID, "driver_id", req.DriverID, "trip_id", trip.ID)
	d.publish(ctx, events.New(events.RideRequestAccepted, req.ID, accepted))
	return &Response{RideRequest: accepted, Trip: trip}, nil
}

func (d *Dispatcher) releaseHold(ctx context.Context, req *models.RideRequest) {
	if err := d.drivers.Release(context.WithoutCancel(ctx), req.DriverID); err != nil {
		d.logger.Error("release driver", "ride_request_id", req.ID, "driver_id", req.DriverID, "error", err)
	}
}

func (d *Dispatcher) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := d.requests.GetRideRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "ride request "+id+" not found", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "load ride request", err)
	}
	return r, nil
}

func (d *Dispatcher) ListRideRequests(ctx context.Context, f storage.RideRequestFilter) ([]*models.RideRequest, error) {
	rs, err := d.requests.ListRideRequests(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "list ride requests", err)
	}
	return rs, nil
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, ev)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}
