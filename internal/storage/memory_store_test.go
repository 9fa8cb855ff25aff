package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func seedDriver(t *testing.T, s *MemoryStore, id string, available bool) {
	t.Helper()
	loc := models.NewPoint(31.2, 30.0)
	err := s.CreateDriver(context.Background(), &models.Driver{ID: id, Name: id, Location: &loc, IsAvailable: available, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("create driver: %v", err)
	}
}

func TestClaimDriverIsCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	seedDriver(t, s, "d1", true)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ClaimDriver(ctx, "d1", time.Now()); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}
	if err := s.ClaimDriver(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionRideRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := &models.RideRequest{ID: "r1", DriverID: "d1", UserID: "u1", Status: models.RideRequestPending, RequestedAt: time.Now()}
	if err := s.CreateRideRequest(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.TransitionRideRequest(ctx, "r1", models.RideRequestPending, models.RideRequestAccepted, time.Now())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != models.RideRequestAccepted || got.RespondedAt == nil {
		t.Fatalf("unexpected request after accept: %+v", got)
	}
	if _, err := s.TransitionRideRequest(ctx, "r1", models.RideRequestPending, models.RideRequestRejected, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second transition, got %v", err)
	}
	got, err = s.TransitionRideRequest(ctx, "r1", models.RideRequestAccepted, models.RideRequestPending, time.Now())
	if err != nil || got.RespondedAt != nil {
		t.Fatalf("expected revert to clear respondedAt, got %+v err=%v", got, err)
	}
	if _, err := s.TransitionRideRequest(ctx, "nope", models.RideRequestPending, models.RideRequestAccepted, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateAndCompleteTripTogglesAvailability(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedDriver(t, s, "d1", true)

	trip := &models.Trip{ID: "t1", RideRequestID: "r1", DriverID: "d1", UserID: "u1", Status: models.TripOngoing, RequestedAt: time.Now()}
	if err := s.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if d, _ := s.GetDriver(ctx, "d1"); d.IsAvailable {
		t.Fatalf("driver should be unavailable during the trip")
	}
	dup := &models.Trip{ID: "t2", RideRequestID: "r1", DriverID: "d1", Status: models.TripOngoing}
	if err := s.CreateTrip(ctx, dup); !errors.Is(err, ErrExists) {
		t.Fatalf("expected second trip for the same request to be rejected, got %v", err)
	}

	done, err := s.CompleteTrip(ctx, "t1", time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.TripCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected trip after completion: %+v", done)
	}
	if d, _ := s.GetDriver(ctx, "d1"); !d.IsAvailable {
		t.Fatalf("driver should be available after completion")
	}
	if _, err := s.CompleteTrip(ctx, "t1", time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on re-completion, got %v", err)
	}
}

func TestRecomputeRating(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedDriver(t, s, "d1", true)

	agg, err := s.RecomputeRating(ctx, "d1", time.Now())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if agg.RatingsAverage != 0 || agg.RatingsQuantity != 0 {
		t.Fatalf("expected 0/0 with no reviews, got %+v", agg)
	}

	for i, rating := range []int{5, 5, 5, 1} {
		r := &models.Review{ID: string(rune('a' + i)), Rating: rating, DriverID: "d1", RiderID: "u1", TripID: "t1", CreatedAt: time.Now()}
		if err := s.CreateReview(ctx, r); err != nil {
			t.Fatalf("create review: %v", err)
		}
	}
	agg, err = s.RecomputeRating(ctx, "d1", time.Now())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if math.Abs(agg.RatingsAverage-4.0) > 1e-9 || agg.RatingsQuantity != 4 {
		t.Fatalf("expected 4.0/4, got %+v", agg)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if d.RatingsAverage != agg.RatingsAverage || d.RatingsQuantity != 4 {
		t.Fatalf("aggregate not written to driver: %+v", d)
	}
	if _, err := s.RecomputeRating(ctx, "ghost", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRideRequestsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reqs := []*models.RideRequest{
		{ID: "r1", DriverID: "d1", UserID: "u1", Status: models.RideRequestPending, RequestedAt: base},
		{ID: "r2", DriverID: "d2", UserID: "u1", Status: models.RideRequestAccepted, RequestedAt: base.Add(time.Minute)},
		{ID: "r3", DriverID: "d1", UserID: "u2", Status: models.RideRequestPending, RequestedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range reqs {
		if err := s.CreateRideRequest(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	cases := []struct {
		name string
		f    RideRequestFilter
		want []string
	}{
		{"all", RideRequestFilter{}, []string{"r1", "r2", "r3"}},
		{"driver", RideRequestFilter{DriverID: "d1"}, []string{"r1", "r3"}},
		{"user", RideRequestFilter{UserID: "u1"}, []string{"r1", "r2"}},
		{"pending before", RideRequestFilter{Status: models.RideRequestPending, RequestedBefore: base.Add(90 * time.Second)}, []string{"r1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListRideRequests(ctx, tc.f)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d results", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seedDriver(t, s, "d1", true)
	d, _ := s.GetDriver(context.Background(), "d1")
	d.IsAvailable = false
	d.Location.Coordinates[0] = 0
	again, _ := s.GetDriver(context.Background(), "d1")
	if !again.IsAvailable || again.Location.Lon() != 31.2 {
		t.Fatalf("mutating a returned driver leaked into the store: %+v", again)
	}
}
