package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps every record behind one lock so that conditional
// updates and rating snapshots are trivially atomic. Records are copied on
// the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]*models.Driver
	requests map[string]*models.RideRequest
	trips    map[string]*models.Trip
	reviews  map[string]*models.Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]*models.Driver),
		requests: make(map[string]*models.RideRequest),
		trips:    make(map[string]*models.Trip),
		reviews:  make(map[string]*models.Review),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return ErrExists
	}
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, p models.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	loc := p.Clone()
	d.Location = &loc
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetDriverAvailability(_ context.Context, id string, available bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.IsAvailable = available
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ClaimDriver(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if !d.IsAvailable {
		return ErrConflict
	}
	d.IsAvailable = false
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out[id] = d.IsAvailable
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRideRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrExists
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRideRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) TransitionRideRequest(_ context.Context, id string, from, to models.RideRequestStatus, at time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	if to == models.RideRequestPending {
		r.RespondedAt = nil
	} else {
		t := at
		r.RespondedAt = &t
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRideRequests(_ context.Context, f RideRequestFilter) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.RequestedBefore.IsZero() && !r.RequestedAt.Before(f.RequestedBefore) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrExists
	}
	for _, existing := range m.trips {
		if t.RideRequestID != "" && existing.RideRequestID == t.RideRequestID {
			return ErrExists
		}
	}
	d, ok := m.drivers[t.DriverID]
	if !ok {
		return ErrNotFound
	}
	d.IsAvailable = false
	d.UpdatedAt = t.RequestedAt
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) CompleteTrip(_ context.Context, id string, at time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripOngoing {
		return nil, ErrConflict
	}
	t.Status = models.TripCompleted
	done := at
	t.CompletedAt = &done
	if d, ok := m.drivers[t.DriverID]; ok {
		d.IsAvailable = true
		d.UpdatedAt = at
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTrips(_ context.Context, f TripFilter) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if f.DriverID != "" && t.DriverID != f.DriverID {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateReview(_ context.Context, r *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[r.ID]; ok {
		return ErrExists
	}
	c := *r
	m.reviews[r.ID] = &c
	return nil
}

func (m *MemoryStore) ListReviews(_ context.Context, f ReviewFilter) ([]*models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Review
	for _, r := range m.reviews {
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.TripID != "" && r.TripID != f.TripID {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) RecomputeRating(_ context.Context, driverID string, at time.Time) (models.RatingAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.RatingAggregate{}, ErrNotFound
	}
	sum, n := 0, 0
	for _, r := range m.reviews {
		if r.DriverID == driverID {
			sum += r.Rating
			n++
		}
	}
	agg := models.RatingAggregate{DriverID: driverID}
	if n > 0 {
		agg.RatingsAverage = float64(sum) / float64(n)
		agg.RatingsQuantity = n
	}
	d.RatingsAverage = agg.RatingsAverage
	d.RatingsQuantity = agg.RatingsQuantity
	d.UpdatedAt = at
	return agg, nil
}
