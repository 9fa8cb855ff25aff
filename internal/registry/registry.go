// Package registry owns driver records and answers "who is the nearest
// available driver" by combining the geo index with stored availability.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Registry struct {
	store  storage.DriverStore
	index  geo.Index
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.DriverStore, index geo.Index, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, index: index, logger: logger, now: time.Now}
}

// NewDriver is the admin-facing input for Register.
type NewDriver struct {
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Phone       string        `json:"phone"`
	Location    *models.Point `json:"location"`
	IsAvailable *bool         `json:"isAvailable"`
}

func (r *Registry) Register(ctx context.Context, in NewDriver) (*models.Driver, error) {
	var fields []apperr.FieldError
	if strings.TrimSpace(in.Name) == "" {
		fields = append(fields, apperr.FieldError{Field: "name", Message: "is required"})
	}
	if in.Location != nil {
		fields = append(fields, in.Location.Validate("location")...)
	}
	if err := apperr.Invalid(fields); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	d := &models.Driver{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Email:       strings.TrimSpace(in.Email),
		Phone:       strings.TrimSpace(in.Phone),
		IsAvailable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.IsAvailable != nil {
		d.IsAvailable = *in.IsAvailable
	}
	if in.Location != nil {
		loc := in.Location.Clone()
		d.Location = &loc
	}
	if err := r.store.CreateDriver(ctx, d); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "create driver", err)
	}
	if d.Location != nil {
		if err := r.index.Upsert(ctx, d.ID, *d.Location); err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "index driver location", err)
		}
	}
	r.logger.Info("driver registered", "driver_id", d.ID)
	return d, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Driver, error) {
	d, err := r.store.GetDriver(ctx, id)
	if err != nil {
		return nil, driverErr(err, id)
	}
	return d, nil
}

func (r *Registry) List(ctx context.Context) ([]*models.Driver, error) {
	ds, err := r.store.ListDrivers(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "list drivers", err)
	}
	return ds, nil
}

func (r *Registry) UpdateLocation(ctx context.Context, id string, p models.Point) error {
	if err := apperr.Invalid(p.Validate("location")); err != nil {
		return err
	}
	if err := r.store.UpdateDriverLocation(ctx, id, p, r.now().UTC()); err != nil {
		return driverErr(err, id)
	}
	if err := r.index.Upsert(ctx, id, p); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "index driver location", err)
	}
	observability.DriverLocationUpdates.Inc()
	return nil
}

func (r *Registry) SetAvailability(ctx context.Context, id string, available bool) error {
	if err := r.store.SetDriverAvailability(ctx, id, available, r.now().UTC()); err != nil {
		return driverErr(err, id)
	}
	return nil
}

// Claim takes a provisional hold on a driver. It fails with
// concurrency_conflict when the driver is no longer available.
func (r *Registry) Claim(ctx context.Context, id string) error {
	err := r.store.ClaimDriver(ctx, id, r.now().UTC())
	if errors.Is(err, storage.ErrConflict) {
		return apperr.New(apperr.KindConcurrencyConflict, "driver "+id+" is no longer available")
	}
	if err != nil {
		return driverErr(err, id)
	}
	return nil
}

// Release returns a held driver to the available pool.
func (r *Registry) Release(ctx context.Context, id string) error {
	return r.SetAvailability(ctx, id, true)
}

// NearestAvailable returns up to limit available drivers ordered by distance
// from p. The index query widens until enough available drivers are found
// or the index is exhausted.
func (r *Registry) NearestAvailable(ctx context.Context, p models.Point, limit int) ([]geo.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	k := limit
	for {
		cands, err := r.index.Nearby(ctx, p, k)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "query geo index", err)
		}
		ids := make([]string, len(cands))
		for i, c := range cands {
			ids[i] = c.DriverID
		}
		avail, err := r.store.AvailableDrivers(ctx, ids)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "load availability", err)
		}
		out := make([]geo.Candidate, 0, limit)
		for _, c := range cands {
			available, known := avail[c.DriverID]
			if !known {
				r.dropStale(ctx, c.DriverID)
				continue
			}
			if available {
				out = append(out, c)
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(cands) < k {
			return out, nil
		}
		k *= 4
	}
}

// Forget drops a driver from the geo index. Stored records are untouched.
func (r *Registry) Forget(ctx context.Context, id string) error {
	if err := r.index.Remove(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "remove driver from geo index", err)
	}
	return nil
}

func (r *Registry) dropStale(ctx context.Context, id string) {
	if err := r.Forget(ctx, id); err != nil {
		r.logger.Warn("drop stale index entry", "driver_id", id, "error", err)
		return
	}
	r.logger.Debug("dropped stale index entry", "driver_id", id)
}

func (r *Registry) FindNearestAvailableDriver(ctx context.Context, p models.Point) (*models.Driver, error) {
	cands, err := r.NearestAvailable(ctx, p, 1)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, apperr.New(apperr.KindNoDriverAvailable, "no available driver near pickup")
	}
	return r.Get(ctx, cands[0].DriverID)
}

// Rebuild loads every stored driver location into the geo index.
func (r *Registry) Rebuild(ctx context.Context) (int, error) {
	ds, err := r.store.ListDrivers(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUnavailable, "list drivers", err)
	}
	n := 0
	for _, d := range ds {
		if d.Location == nil {
			continue
		}
		if err := r.index.Upsert(ctx, d.ID, *d.Location); err != nil {
			return n, apperr.Wrap(apperr.KindUnavailable, "index driver location", err)
		}
		n++
	}
	observability.DriversIndexed.Set(float64(n))
	r.logger.Info("geo index rebuilt", "drivers", n)
	return n, nil
}

func driverErr(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, "driver "+id+" not found", err)
	}
	return apperr.Wrap(apperr.KindUnavailable, "driver store", err)
}
