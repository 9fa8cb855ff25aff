package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies a schema script in a single Exec.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %s", ErrExists, pqErr.Constraint)
		case "foreign_key_violation":
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

const driverColumns = `id, name, email, phone, location_lon, location_lat, is_available, ratings_average, ratings_quantity, created_at, updated_at`

func scanDriver(s scanner) (*models.Driver, error) {
	var d models.Driver
	var lon, lat sql.NullFloat64
	if err := s.Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &lon, &lat, &d.IsAvailable, &d.RatingsAverage, &d.RatingsQuantity, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lon.Valid && lat.Valid {
		pt := models.NewPoint(lon.Float64, lat.Float64)
		d.Location = &pt
	}
	return &d, nil
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	var lon, lat sql.NullFloat64
	if d.Location != nil {
		lon = sql.NullFloat64{Float64: d.Location.Lon(), Valid: true}
		lat = sql.NullFloat64{Float64: d.Location.Lat(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.Name, d.Email, d.Phone, lon, lat, d.IsAvailable, d.RatingsAverage, d.RatingsQuantity, d.CreatedAt, d.UpdatedAt)
	return translate(err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	return d, translate(err)
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, pt models.Point, at time.Time) error {
	return p.execOne(ctx, `UPDATE drivers SET location_lon=$2, location_lat=$3, updated_at=$4 WHERE id=$1`, id, pt.Lon(), pt.Lat(), at)
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, id string, available bool, at time.Time) error {
	return p.execOne(ctx, `UPDATE drivers SET is_available=$2, updated_at=$3 WHERE id=$1`, id, available, at)
}

func (p *PostgresStore) ClaimDriver(ctx context.Context, id string, at time.Time) error {
	err := p.execOne(ctx, `UPDATE drivers SET is_available=false, updated_at=$2 WHERE id=$1 AND is_available`, id, at)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return p.conflictOrMissing(ctx, `SELECT EXISTS(SELECT 1 FROM drivers WHERE id=$1)`, id)
}

// conflictOrMissing distinguishes a lost conditional update from a missing row.
func (p *PostgresStore) conflictOrMissing(ctx context.Context, existsQuery, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, is_available FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var available bool
		if err := rows.Scan(&id, &available); err != nil {
			return nil, err
		}
		out[id] = available
	}
	return out, rows.Err()
}

const rideRequestColumns = `id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, user_id, driver_id, status, requested_at, responded_at`

func scanRideRequest(s scanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var pLon, pLat, dLon, dLat float64
	var responded sql.NullTime
	if err := s.Scan(&r.ID, &pLon, &pLat, &dLon, &dLat, &r.UserID, &r.DriverID, &r.Status, &r.RequestedAt, &responded); err != nil {
		return nil, err
	}
	r.PickupLocation = models.NewPoint(pLon, pLat)
	r.DropoffLocation = models.NewPoint(dLon, dLat)
	if responded.Valid {
		t := responded.Time
		r.RespondedAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) CreateRideRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+rideRequestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.PickupLocation.Lon(), r.PickupLocation.Lat(), r.DropoffLocation.Lon(), r.DropoffLocation.Lat(),
		r.UserID, r.DriverID, r.Status, r.RequestedAt, r.RespondedAt)
	return translate(err)
}

func (p *PostgresStore) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRideRequest(p.db.QueryRowContext(ctx, `SELECT `+rideRequestColumns+` FROM ride_requests WHERE id=$1`, id))
	return r, translate(err)
}

func (p *PostgresStore) TransitionRideRequest(ctx context.Context, id string, from, to models.RideRequestStatus, at time.Time) (*models.RideRequest, error) {
	var respondedAt *time.Time
	if to != models.RideRequestPending {
		respondedAt = &at
	}
	r, err := scanRideRequest(p.db.QueryRowContext(ctx,
		`UPDATE ride_requests SET status=$3, responded_at=$4 WHERE id=$1 AND status=$2 RETURNING `+rideRequestColumns,
		id, from, to, respondedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.conflictOrMissing(ctx, `SELECT EXISTS(SELECT 1 FROM ride_requests WHERE id=$1)`, id)
	}
	return r, translate(err)
}

// where accumulates optional equality predicates with positional args.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(column string, v string) {
	if v == "" {
		return
	}
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) before(column string, t time.Time) {
	if t.IsZero() {
		return
	}
	w.args = append(w.args, t)
	w.clauses = append(w.clauses, fmt.Sprintf("%s < $%d", column, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (p *PostgresStore) ListRideRequests(ctx context.Context, f RideRequestFilter) ([]*models.RideRequest, error) {
	var w where
	w.eq("driver_id", f.DriverID)
	w.eq("user_id", f.UserID)
	w.eq("status", string(f.Status))
	w.before("requested_at", f.RequestedBefore)
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideRequestColumns+` FROM ride_requests`+w.String()+` ORDER BY requested_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRideRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const tripColumns = `id, ride_request_id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, fare, distance_km, estimated_time, status, payment_status, payment_method, user_id, driver_id, requested_at, completed_at`

func scanTrip(s scanner) (*models.Trip, error) {
	var t models.Trip
	var rideRequestID sql.NullString
	var pLon, pLat, dLon, dLat float64
	var completed sql.NullTime
	if err := s.Scan(&t.ID, &rideRequestID, &pLon, &pLat, &dLon, &dLat, &t.Fare, &t.Distance, &t.EstimatedTime,
		&t.Status, &t.PaymentStatus, &t.PaymentMethod, &t.UserID, &t.DriverID, &t.RequestedAt, &completed); err != nil {
		return nil, err
	}
	t.RideRequestID = rideRequestID.String
	t.PickupLocation = models.NewPoint(pLon, pLat)
	t.DropoffLocation = models.NewPoint(dLon, dLat)
	if completed.Valid {
		at := completed.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE drivers SET is_available=false, updated_at=$2 WHERE id=$1`, t.DriverID, t.RequestedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		rideRequestID := sql.NullString{String: t.RideRequestID, Valid: t.RideRequestID != ""}
		_, err = tx.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			t.ID, rideRequestID, t.PickupLocation.Lon(), t.PickupLocation.Lat(), t.DropoffLocation.Lon(), t.DropoffLocation.Lat(),
			t.Fare, t.Distance, t.EstimatedTime, t.Status, t.PaymentStatus, t.PaymentMethod, t.UserID, t.DriverID, t.RequestedAt, t.CompletedAt)
		return translate(err)
	})
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
	return t, translate(err)
}

func (p *PostgresStore) CompleteTrip(ctx context.Context, id string, at time.Time) (*models.Trip, error) {
	var out *models.Trip
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx,
			`UPDATE trips SET status=$2, completed_at=$3 WHERE id=$1 AND status=$4 RETURNING `+tripColumns,
			id, models.TripCompleted, at, models.TripOngoing))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id=$1)`, id).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrConflict
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drivers SET is_available=true, updated_at=$2 WHERE id=$1`, t.DriverID, at); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	var w where
	w.eq("driver_id", f.DriverID)
	w.eq("user_id", f.UserID)
	w.eq("status", string(f.Status))
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips`+w.String()+` ORDER BY requested_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateReview(ctx context.Context, r *models.Review) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO reviews(id, rating, title, driver_id, rider_id, trip_id, created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.Rating, r.Title, r.DriverID, r.RiderID, r.TripID, r.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) ListReviews(ctx context.Context, f ReviewFilter) ([]*models.Review, error) {
	var w where
	w.eq("driver_id", f.DriverID)
	w.eq("rider_id", f.RiderID)
	w.eq("trip_id", f.TripID)
	rows, err := p.db.QueryContext(ctx, `SELECT id, rating, title, driver_id, rider_id, trip_id, created_at FROM reviews`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Review
	for rows.Next() {
		var r models.Review
		if err := rows.Scan(&r.ID, &r.Rating, &r.Title, &r.DriverID, &r.RiderID, &r.TripID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RecomputeRating runs as one statement so both aggregates come from the
// same snapshot of the driver's reviews.
func (p *PostgresStore) RecomputeRating(ctx context.Context, driverID string, at time.Time) (models.RatingAggregate, error) {
	agg := models.RatingAggregate{DriverID: driverID}
	err := p.db.QueryRowContext(ctx, `
		UPDATE drivers d SET
			ratings_average = s.avg,
			ratings_quantity = s.cnt,
			updated_at = $2
		FROM (
			SELECT COALESCE(AVG(rating), 0)::double precision AS avg, COUNT(*)::integer AS cnt
			FROM reviews WHERE driver_id = $1
		) s
		WHERE d.id = $1
		RETURNING d.ratings_average, d.ratings_quantity`, driverID, at).Scan(&agg.RatingsAverage, &agg.RatingsQuantity)
	if err != nil {
		return models.RatingAggregate{}, translate(err)
	}
	return agg, nil
}
