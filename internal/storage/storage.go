package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional update finds the record in
	// a state other than the one expected.
	ErrConflict = errors.New("storage: conditional update lost")
	ErrExists   = errors.New("storage: already exists")
)

type RideRequestFilter struct {
	DriverID string
	UserID   string
	Status   models.RideRequestStatus
	// RequestedBefore, when set, keeps requests created strictly earlier.
	RequestedBefore time.Time
}

type TripFilter struct {
	DriverID string
	UserID   string
	Status   models.TripStatus
}

type ReviewFilter struct {
	DriverID string
	RiderID  string
	TripID   string
}

type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDrivers(ctx context.Context) ([]*models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, p models.Point, at time.Time) error
	SetDriverAvailability(ctx context.Context, id string, available bool, at time.Time) error
	// ClaimDriver flips IsAvailable from true to false in one conditional
	// update. It returns ErrConflict when the driver was not available.
	ClaimDriver(ctx context.Context, id string, at time.Time) error
	// AvailableDrivers reports availability for the given ids. Unknown ids
	// are absent from the result.
	AvailableDrivers(ctx context.Context, ids []string) (map[string]bool, error)
}

type RideRequestStore interface {
	CreateRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error)
	// TransitionRideRequest moves a request from one status to another only
	// if it is still in from. RespondedAt is stamped with at, or cleared
	// when moving back to pending.
	TransitionRideRequest(ctx context.Context, id string, from, to models.RideRequestStatus, at time.Time) (*models.RideRequest, error)
	ListRideRequests(ctx context.Context, f RideRequestFilter) ([]*models.RideRequest, error)
}

type TripStore interface {
	// CreateTrip persists t and marks its driver unavailable atomically.
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// CompleteTrip moves an ongoing trip to completed and makes its driver
	// available again, atomically. ErrConflict means the trip was not ongoing.
	CompleteTrip(ctx context.Context, id string, at time.Time) (*models.Trip, error)
	ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error)
}

type ReviewStore interface {
	CreateReview(ctx context.Context, r *models.Review) error
	ListReviews(ctx context.Context, f ReviewFilter) ([]*models.Review, error)
	// RecomputeRating derives the driver's aggregate from a consistent
	// snapshot of its reviews and writes it onto the driver.
	RecomputeRating(ctx context.Context, driverID string, at time.Time) (models.RatingAggregate, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	DriverStore
	RideRequestStore
	TripStore
	ReviewStore
	Close() error
}
