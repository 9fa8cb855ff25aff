// Package ratings records driver reviews and keeps each driver's rating
// aggregate in step with them.
package ratings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Aggregator recomputes a driver's rating aggregate from all its reviews.
type Aggregator struct {
	store  storage.ReviewStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAggregator(store storage.ReviewStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger, now: time.Now}
}

func (a *Aggregator) RecomputeDriverRating(ctx context.Context, driverID string) (models.RatingAggregate, error) {
	agg, err := a.store.RecomputeRating(ctx, driverID, a.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return models.RatingAggregate{}, apperr.Wrap(apperr.KindNotFound, "driver "+driverID+" not found", err)
	}
	if err != nil {
		return models.RatingAggregate{}, apperr.Wrap(apperr.KindUnavailable, "recompute rating", err)
	}
	a.logger.Debug("driver rating recomputed", "driver_id", driverID, "average", agg.RatingsAverage, "quantity", agg.RatingsQuantity)
	return agg, nil
}

// Attach subscribes the aggregator to review.created events.
func (a *Aggregator) Attach(bus *events.Bus) {
	bus.Subscribe(events.ReviewCreated, a.handleReviewCreated)
}

func (a *Aggregator) handleReviewCreated(ctx context.Context, ev events.Event) error {
	var r models.Review
	if err := json.Unmarshal(ev.Payload, &r); err != nil {
		observability.RatingRecomputeFailures.Inc()
		return err
	}
	if _, err := a.RecomputeDriverRating(ctx, r.DriverID); err != nil {
		observability.RatingRecomputeFailures.Inc()
		return err
	}
	return nil
}

// DriverLookup confirms the reviewed driver exists.
type DriverLookup interface {
	Get(ctx context.Context, id string) (*models.Driver, error)
}

type ReviewService struct {
	store   storage.ReviewStore
	drivers DriverLookup
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

func NewReviewService(store storage.ReviewStore, drivers DriverLookup, bus *events.Bus, logger *slog.Logger) *ReviewService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewService{store: store, drivers: drivers, bus: bus, logger: logger, now: time.Now}
}

type NewReview struct {
	Rating   int    `json:"rating"`
	Title    string `json:"title"`
	DriverID string `json:"driverId"`
	TripID   string `json:"tripId"`
}

// CreateReview stores the rider's review and publishes review.created. A
// failed aggregate recompute is logged and does not fail the review.
func (s *ReviewService) CreateReview(ctx context.Context, in NewReview, riderID string) (*models.Review, error) {
	var fields []apperr.FieldError
	if in.Rating < 1 || in.Rating > 5 {
		fields = append(fields, apperr.FieldError{Field: "rating", Message: "must be between 1 and 5"})
	}
	if strings.TrimSpace(in.DriverID) == "" {
		fields = append(fields, apperr.FieldError{Field: "driverId", Message: "is required"})
	}
	if strings.TrimSpace(in.TripID) == "" {
		fields = append(fields, apperr.FieldError{Field: "tripId", Message: "is required"})
	}
	if strings.TrimSpace(riderID) == "" {
		fields = append(fields, apperr.FieldError{Field: "riderId", Message: "is required"})
	}
	if err := apperr.Invalid(fields); err != nil {
		return nil, err
	}
	if _, err := s.drivers.Get(ctx, in.DriverID); err != nil {
		return nil, err
	}

	r := &models.Review{
		ID:        uuid.NewString(),
		Rating:    in.Rating,
		Title:     strings.TrimSpace(in.Title),
		DriverID:  in.DriverID,
		RiderID:   riderID,
		TripID:    in.TripID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "create review", err)
	}
	observability.ReviewsRecorded.Inc()
	s.logger.Info("review created", "review_id", r.ID, "driver_id", r.DriverID, "rating", r.Rating)

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.New(events.ReviewCreated, r.ID, r)); err != nil {
			s.logger.Warn("review recorded but aggregate not refreshed", "review_id", r.ID, "driver_id", r.DriverID, "error", err)
		}
	}
	return r, nil
}

func (s *ReviewService) ListReviews(ctx context.Context, f storage.ReviewFilter) ([]*models.Review, error) {
	rs, err := s.store.ListReviews(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "list reviews", err)
	}
	return rs, nil
}
