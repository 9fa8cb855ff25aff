// Package trips creates trips from accepted ride requests and moves them to
// completion, keeping the driver's availability in step.
package trips

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

type Manager struct {
	store         storage.TripStore
	quoter        pricing.Quoter
	paymentMethod models.PaymentMethod
	bus           *events.Bus
	logger        *slog.Logger
	now           func() time.Time
}

type Options struct {
	Quoter        pricing.Quoter
	PaymentMethod models.PaymentMethod
	Bus           *events.Bus
	Logger        *slog.Logger
}

func NewManager(store storage.TripStore, opts Options) *Manager {
	m := &Manager{
		store:         store,
		quoter:        opts.Quoter,
		paymentMethod: opts.PaymentMethod,
		bus:           opts.Bus,
		logger:        opts.Logger,
		now:           time.Now,
	}
	if m.quoter == nil {
		m.quoter = pricing.Fixed{Fare: 100, EstimatedMinutes: 15}
	}
	if m.paymentMethod == "" {
		m.paymentMethod = models.PaymentCash
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// CreateTrip starts an ongoing trip for an accepted ride request. The store
// marks the driver unavailable in the same write.
func (m *Manager) CreateTrip(ctx context.Context, req *models.RideRequest, distanceKm float64) (*models.Trip, error) {
	q := m.quoter.Quote(distanceKm)
	t := &models.Trip{
		ID:              uuid.NewString(),
		RideRequestID:   req.ID,
		PickupLocation:  req.PickupLocation.Clone(),
		DropoffLocation: req.DropoffLocation.Clone(),
		Fare:            q.Fare,
		Distance:        distanceKm,
		EstimatedTime:   q.EstimatedMinutes,
		Status:          models.TripOngoing,
		PaymentStatus:   models.PaymentPending,
		PaymentMethod:   m.paymentMethod,
		UserID:          req.UserID,
		DriverID:        req.DriverID,
		RequestedAt:     m.now().UTC(),
	}
	if err := m.store.CreateTrip(ctx, t); err != nil {
		switch {
		case errors.Is(err, storage.ErrExists):
			return nil, apperr.Wrap(apperr.KindInvalidState, "a trip already exists for ride request "+req.ID, err)
		case errors.Is(err, storage.ErrNotFound):
			return nil, apperr.Wrap(apperr.KindNotFound, "driver "+req.DriverID+" not found", err)
		default:
			return nil, apperr.Wrap(apperr.KindUnavailable, "create trip", err)
		}
	}
	observability.TripsCreated.Inc()
	m.logger.Info("trip created", "trip_id", t.ID, "ride_request_id", req.ID, "driver_id", t.DriverID, "distance_km", distanceKm)
	m.publish(ctx, events.New(events.TripCreated, t.ID, t))
	return t, nil
}

// CompleteTrip finishes an ongoing trip and returns the driver to the pool.
// Completing an already completed trip succeeds without side effects.
func (m *Manager) CompleteTrip(ctx context.Context, id string, who models.Identity) (*models.Trip, error) {
	t, err := m.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.Role != models.RoleAdmin && !(who.Role == models.RoleDriver && who.ID == t.DriverID) {
		return nil, apperr.New(apperr.KindForbidden, "only the assigned driver or an admin may complete this trip")
	}
	if t.Status == models.TripCompleted {
		return t, nil
	}

	done, err := m.store.CompleteTrip(ctx, id, m.now().UTC())
	if errors.Is(err, storage.ErrConflict) {
		// lost to a concurrent completion
		current, getErr := m.GetTrip(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.TripCompleted {
			return current, nil
		}
		return nil, apperr.New(apperr.KindInvalidState, "trip "+id+" is "+string(current.Status))
	}
	if err != nil {
		return nil, tripErr(err, id)
	}
	observability.TripsCompleted.Inc()
	m.logger.Info("trip completed", "trip_id", id, "driver_id", done.DriverID)
	m.publish(ctx, events.New(events.TripCompleted, id, done))
	return done, nil
}

func (m *Manager) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := m.store.GetTrip(ctx, id)
	if err != nil {
		return nil, tripErr(err, id)
	}
	return t, nil
}

func (m *Manager) ListTrips(ctx context.Context, f storage.TripFilter) ([]*models.Trip, error) {
	ts, err := m.store.ListTrips(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "list trips", err)
	}
	return ts, nil
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, ev)
}

func tripErr(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, "trip "+id+" not found", err)
	}
	return apperr.Wrap(apperr.KindUnavailable, "trip store", err)
}
