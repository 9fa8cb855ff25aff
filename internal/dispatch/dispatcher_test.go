package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

type fixture struct {
	store    *storage.MemoryStore
	registry *registry.Registry
	trips    *trips.Manager
	d        *Dispatcher
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(cfg Config) *fixture {
	store := storage.NewMemoryStore()
	reg := registry.New(store, geo.NewMemoryIndex(), quietLogger())
	tm := trips.NewManager(store, trips.Options{Quoter: pricing.Fixed{Fare: 100, EstimatedMinutes: 15}, Logger: quietLogger()})
	return &fixture{store: store, registry: reg, trips: tm, d: New(cfg, reg, store, tm, nil, quietLogger())}
}

func (f *fixture) addDriver(t *testing.T, name string, lon, lat float64) *models.Driver {
	t.Helper()
	p := models.NewPoint(lon, lat)
	d, err := f.registry.Register(context.Background(), registry.NewDriver{Name: name, Location: &p})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return d
}

func (f *fixture) available(t *testing.T, id string) bool {
	t.Helper()
	d, err := f.store.GetDriver(context.Background(), id)
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	return d.IsAvailable
}

func ride(pLon, pLat, dLon, dLat float64) NewRideRequest {
	return NewRideRequest{PickupLocation: models.NewPoint(pLon, pLat), DropoffLocation: models.NewPoint(dLon, dLat)}
}

func asDriver(id string) models.Identity { return models.Identity{ID: id, Role: models.RoleDriver} }

func TestDispatchScenario(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	driver := f.addDriver(t, "D", 31.2, 30.0)

	out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.RideRequest.DriverID != driver.ID || out.RideRequest.Status != models.RideRequestPending {
		t.Fatalf("unexpected request: %+v", out.RideRequest)
	}
	if out.Driver.ID != driver.ID {
		t.Fatalf("expected public profile of %s, got %+v", driver.ID, out.Driver)
	}

	resp, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "accepted", asDriver(driver.ID))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	trip := resp.Trip
	if trip == nil || trip.Status != models.TripOngoing {
		t.Fatalf("expected ongoing trip, got %+v", trip)
	}
	want := geo.DistanceKm(models.NewPoint(31.21, 30.01), models.NewPoint(31.5, 30.3))
	if math.Abs(trip.Distance-want) > 1e-9 {
		t.Fatalf("expected distance %f, got %f", want, trip.Distance)
	}
	if trip.DriverID != driver.ID || trip.UserID != "rider-1" {
		t.Fatalf("trip references wrong parties: %+v", trip)
	}
	if f.available(t, driver.ID) {
		t.Fatalf("driver should be unavailable during the trip")
	}

	if _, err := f.trips.CompleteTrip(ctx, trip.ID, asDriver(driver.ID)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !f.available(t, driver.ID) {
		t.Fatalf("driver should be available after completion")
	}
}

func TestCreateRideRequestWithoutDrivers(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	_, err := f.d.CreateRideRequest(ctx, ride(0, 0, 1, 1), "rider-1")
	if !errors.Is(err, apperr.NoDriverAvailable) {
		t.Fatalf("expected no_driver_available, got %v", err)
	}

	busy := f.addDriver(t, "busy", 0, 0)
	if err := f.registry.Claim(ctx, busy.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.d.CreateRideRequest(ctx, ride(0, 0, 1, 1), "rider-1"); !errors.Is(err, apperr.NoDriverAvailable) {
		t.Fatalf("expected no_driver_available with only busy drivers, got %v", err)
	}
	rs, _ := f.store.ListRideRequests(ctx, storage.RideRequestFilter{})
	if len(rs) != 0 {
		t.Fatalf("no ride request should have been created, got %d", len(rs))
	}
}

func TestCreateRideRequestReportsEveryInvalidField(t *testing.T) {
	f := newFixture(Config{})
	in := NewRideRequest{DropoffLocation: models.Point{Type: "Point", Coordinates: []float64{181, 95}}}
	_, err := f.d.CreateRideRequest(context.Background(), in, "")
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
	got := map[string]bool{}
	for _, fe := range e.Fields {
		got[fe.Field] = true
	}
	for _, field := range []string{"pickupLocation", "dropoffLocation.coordinates[0]", "dropoffLocation.coordinates[1]", "userId"} {
		if !got[field] {
			t.Fatalf("missing field %s in %+v", field, e.Fields)
		}
	}
}

func TestCreateRideRequestPicksBruteForceNearest(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	type placed struct {
		id string
		p  models.Point
	}
	var drivers []placed
	for i := 0; i < 60; i++ {
		d := f.addDriver(t, fmt.Sprintf("d%d", i), 31+rng.Float64(), 29.5+rng.Float64())
		drivers = append(drivers, placed{d.ID, *d.Location})
	}
	taken := map[string]bool{}
	for i := 0; i < 20; i++ {
		pickup := models.NewPoint(31+rng.Float64(), 29.5+rng.Float64())
		best, bestDist := "", math.Inf(1)
		for _, d := range drivers {
			if taken[d.id] {
				continue
			}
			if dist := geo.DistanceKm(pickup, d.p); dist < bestDist {
				best, bestDist = d.id, dist
			}
		}
		out, err := f.d.CreateRideRequest(ctx, NewRideRequest{PickupLocation: pickup, DropoffLocation: models.NewPoint(31.5, 30)}, "rider")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if out.RideRequest.DriverID != best {
			t.Fatalf("request %d: expected nearest %s, got %s", i, best, out.RideRequest.DriverID)
		}
		taken[best] = true
	}
}

func TestRespondTwiceNeverCreatesTwoTrips(t *testing.T) {
	decisions := [][2]string{
		{"accepted", "accepted"},
		{"accepted", "rejected"},
		{"rejected", "accepted"},
		{"rejected", "rejected"},
	}
	for _, pair := range decisions {
		t.Run(pair[0]+"_then_"+pair[1], func(t *testing.T) {
			f := newFixture(Config{})
			ctx := context.Background()
			driver := f.addDriver(t, "D", 31.2, 30.0)
			out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			first, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, pair[0], asDriver(driver.ID))
			if err != nil {
				t.Fatalf("first response: %v", err)
			}
			if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, pair[1], asDriver(driver.ID)); !errors.Is(err, apperr.InvalidState) {
				t.Fatalf("expected invalid_state on second response, got %v", err)
			}
			stored, _ := f.d.GetRideRequest(ctx, out.RideRequest.ID)
			if stored.Status != first.RideRequest.Status {
				t.Fatalf("status flipped to %s", stored.Status)
			}
			ts, _ := f.trips.ListTrips(ctx, storage.TripFilter{})
			wantTrips := 0
			if pair[0] == "accepted" {
				wantTrips = 1
			}
			if len(ts) != wantTrips {
				t.Fatalf("expected %d trips, got %d", wantTrips, len(ts))
			}
		})
	}
}

func TestConcurrentRespondsSingleWinner(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	driver := f.addDriver(t, "D", 31.2, 30.0)
	out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := "accepted"
			if i%2 == 1 {
				decision = "rejected"
			}
			if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, decision, asDriver(driver.ID)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful response, got %d", wins)
	}
	ts, _ := f.trips.ListTrips(ctx, storage.TripFilter{})
	if len(ts) > 1 {
		t.Fatalf("expected at most one trip, got %d", len(ts))
	}
}

func TestConcurrentDispatchAssignsEachDriverOnce(t *testing.T) {
	f := newFixture(Config{Candidates: 2, ClaimRounds: 10})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.addDriver(t, fmt.Sprintf("d%d", i), 31.2+float64(i)*0.001, 30.0)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := map[string]int{}
	failures := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.d.CreateRideRequest(ctx, ride(31.2, 30.0, 31.3, 30.1), "rider")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, apperr.NoDriverAvailable) && !errors.Is(err, apperr.ConcurrencyConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				failures++
				return
			}
			assigned[out.RideRequest.DriverID]++
		}()
	}
	wg.Wait()
	if len(assigned) != 5 {
		t.Fatalf("expected all 5 drivers assigned, got %v", assigned)
	}
	for id, n := range assigned {
		if n != 1 {
			t.Fatalf("driver %s assigned %d times", id, n)
		}
	}
	if failures != 15 {
		t.Fatalf("expected 15 failed dispatches, got %d", failures)
	}
}

func TestRejectReleasesDriver(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	driver := f.addDriver(t, "D", 31.2, 30.0)
	out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.available(t, driver.ID) {
		t.Fatalf("driver should be held while the request is pending")
	}
	resp, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "rejected", asDriver(driver.ID))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resp.Trip != nil || resp.RideRequest.Status != models.RideRequestRejected {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !f.available(t, driver.ID) {
		t.Fatalf("driver should be released after reject")
	}
}

func TestRespondAuthorizationAndLookup(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.addDriver(t, "D", 31.2, 30.0)
	out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "accepted", asDriver("someone-else")); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.d.RespondToRideRequest(ctx, "missing", "accepted", asDriver("x")); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "maybe", asDriver("x")); !errors.Is(err, apperr.InvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type failingTrips struct{}

func (failingTrips) CreateTrip(context.Context, *models.RideRequest, float64) (*models.Trip, error) {
	return nil, apperr.New(apperr.KindUnavailable, "trip store down")
}

func TestAcceptRevertsWhenTripCreationFails(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	driver := f.addDriver(t, "D", 31.2, 30.0)
	f.d.trips = failingTrips{}
	out, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "accepted", asDriver(driver.ID)); !errors.Is(err, apperr.Unavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	stored, _ := f.d.GetRideRequest(ctx, out.RideRequest.ID)
	if stored.Status != models.RideRequestPending || stored.RespondedAt != nil {
		t.Fatalf("expected request back in pending, got %+v", stored)
	}
	f.d.trips = f.trips
	if _, err := f.d.RespondToRideRequest(ctx, out.RideRequest.ID, "accepted", asDriver(driver.ID)); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
}

type failingRequests struct {
	*storage.MemoryStore
}

func (failingRequests) CreateRideRequest(context.Context, *models.RideRequest) error {
	return errors.New("connection reset")
}

func TestFailedPersistReleasesHold(t *testing.T) {
	f := newFixture(Config{})
	driver := f.addDriver(t, "D", 31.2, 30.0)
	f.d.requests = failingRequests{f.store}
	if _, err := f.d.CreateRideRequest(context.Background(), ride(31.21, 30.01, 31.5, 30.3), "rider-1"); !errors.Is(err, apperr.Unavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !f.available(t, driver.ID) {
		t.Fatalf("driver hold leaked after failed persist")
	}
}

func TestAbandonedRequestReleasesHold(t *testing.T) {
	f := newFixture(Config{})
	driver := f.addDriver(t, "D", 31.2, 30.0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1"); err == nil {
		t.Fatalf("expected abandoned request to fail")
	}
	if !f.available(t, driver.ID) {
		t.Fatalf("driver hold leaked after cancellation")
	}
	rs, _ := f.store.ListRideRequests(context.Background(), storage.RideRequestFilter{})
	if len(rs) != 0 {
		t.Fatalf("abandoned request must not be persisted")
	}
}

func TestExpirePendingReleasesDrivers(t *testing.T) {
	f := newFixture(Config{PendingTTL: time.Minute})
	ctx := context.Background()
	stale := f.addDriver(t, "stale", 31.2, 30.0)
	answered := f.addDriver(t, "answered", 10, 10)

	old, err := f.d.CreateRideRequest(ctx, ride(31.21, 30.01, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := f.d.CreateRideRequest(ctx, ride(10, 10, 10.1, 10.1), "rider-2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.d.RespondToRideRequest(ctx, other.RideRequest.ID, "accepted", asDriver(answered.ID)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := f.d.ExpirePending(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired request, got %d", n)
	}
	got, _ := f.d.GetRideRequest(ctx, old.RideRequest.ID)
	if got.Status != models.RideRequestRejected {
		t.Fatalf("expected stale request rejected, got %s", got.Status)
	}
	if !f.available(t, stale.ID) {
		t.Fatalf("stale driver should be released")
	}
	if f.available(t, answered.ID) {
		t.Fatalf("driver on an accepted trip must stay unavailable")
	}
	if n, _ := f.d.ExpirePending(ctx); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}

func TestParseDecision(t *testing.T) {
	cases := map[string]models.RideRequestStatus{
		"accept":    models.RideRequestAccepted,
		"Accepted":  models.RideRequestAccepted,
		" reject ":  models.RideRequestRejected,
		"rejected":  models.RideRequestRejected,
		"cancelled": "",
	}
	for in, want := range cases {
		got, ok := ParseDecision(in)
		if got != want || ok != (want != "") {
			t.Fatalf("ParseDecision(%q) = %q,%v", in, got, ok)
		}
	}
}

func TestStaleIndexEntryIsDropped(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	reg := registry.New(store, index, quietLogger())
	tm := trips.NewManager(store, trips.Options{Quoter: pricing.Fixed{Fare: 100, EstimatedMinutes: 15}, Logger: quietLogger()})
	f := &fixture{store: store, registry: reg, trips: tm, d: New(Config{}, reg, store, tm, nil, quietLogger())}
	ctx := context.Background()

	if err := index.Upsert(ctx, "ghost", models.NewPoint(31.2, 30.0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	driver := f.addDriver(t, "D", 31.3, 30.1)

	out, err := f.d.CreateRideRequest(ctx, ride(31.2, 30.0, 31.5, 30.3), "rider-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.RideRequest.DriverID != driver.ID {
		t.Fatalf("expected %s, got %s", driver.ID, out.RideRequest.DriverID)
	}
	if index.Len() != 1 {
		t.Fatalf("expected stale entry to be removed, index holds %d", index.Len())
	}
}
