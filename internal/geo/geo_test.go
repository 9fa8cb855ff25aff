package geo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	d := DistanceKm(models.NewPoint(0, 0), models.NewPoint(0, 0))
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownValue(t *testing.T) {
	// one degree of longitude on the equator
	got := DistanceKm(models.NewPoint(0, 0), models.NewPoint(1, 0))
	want := earthRadiusKm * math.Pi / 180
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestDistanceKmSymmetricAndNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := models.NewPoint(rng.Float64()*360-180, rng.Float64()*180-90)
		b := models.NewPoint(rng.Float64()*360-180, rng.Float64()*180-90)
		ab, ba := DistanceKm(a, b), DistanceKm(b, a)
		if ab < 0 {
			t.Fatalf("negative distance %f", ab)
		}
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric distance %f vs %f", ab, ba)
		}
		if DistanceKm(a, a) != 0 {
			t.Fatalf("expected zero self distance")
		}
	}
}

func TestDistanceKmScenario(t *testing.T) {
	pickup := models.NewPoint(31.21, 30.01)
	dropoff := models.NewPoint(31.5, 30.3)
	d := DistanceKm(pickup, dropoff)
	if d < 40 || d > 45 {
		t.Fatalf("unexpected pickup/dropoff distance %f", d)
	}
}

func bruteForce(points map[string]models.Point, p models.Point, k int) []Candidate {
	all := make([]Candidate, 0, len(points))
	for id, q := range points {
		all = append(all, Candidate{DriverID: id, DistanceKm: DistanceKm(p, q)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DistanceKm < all[j].DistanceKm })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func TestMemoryIndexMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	idx := NewMemoryIndex()
	points := map[string]models.Point{}
	// a dense city cluster plus a sparse global scatter
	for i := 0; i < 400; i++ {
		p := models.NewPoint(31.2+rng.Float64()*0.4-0.2, 30.0+rng.Float64()*0.4-0.2)
		id := fmt.Sprintf("city-%d", i)
		points[id] = p
		if err := idx.Upsert(ctx, id, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	for i := 0; i < 200; i++ {
		p := models.NewPoint(rng.Float64()*360-180, rng.Float64()*170-85)
		id := fmt.Sprintf("world-%d", i)
		points[id] = p
		if err := idx.Upsert(ctx, id, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	queries := []models.Point{
		models.NewPoint(31.21, 30.01),
		models.NewPoint(31.5, 30.3),
		models.NewPoint(179.9, 10),
		models.NewPoint(-0.1, 51.5),
		models.NewPoint(0, 89.9),
	}
	for i := 0; i < 50; i++ {
		queries = append(queries, models.NewPoint(rng.Float64()*360-180, rng.Float64()*180-90))
	}
	for _, q := range queries {
		for _, k := range []int{1, 3, 10} {
			got, err := idx.Nearby(ctx, q, k)
			if err != nil {
				t.Fatalf("nearby: %v", err)
			}
			want := bruteForce(points, q, k)
			if len(got) != len(want) {
				t.Fatalf("query %v k=%d: expected %d results, got %d", q.Coordinates, k, len(want), len(got))
			}
			for j := range want {
				if got[j].DriverID != want[j].DriverID {
					t.Fatalf("query %v k=%d rank %d: expected %s (%.4fkm), got %s (%.4fkm)",
						q.Coordinates, k, j, want[j].DriverID, want[j].DistanceKm, got[j].DriverID, got[j].DistanceKm)
				}
			}
		}
	}
}

func TestMemoryIndexUpsertMovesAndRemoveDrops(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "a", models.NewPoint(31.2, 30.0))
	_ = idx.Upsert(ctx, "b", models.NewPoint(10, 10))
	_ = idx.Upsert(ctx, "a", models.NewPoint(-70, -30))

	got, _ := idx.Nearby(ctx, models.NewPoint(31.2, 30.0), 1)
	if len(got) != 1 || got[0].DriverID != "b" {
		t.Fatalf("expected b after a moved away, got %+v", got)
	}
	_ = idx.Remove(ctx, "b")
	if idx.Len() != 1 {
		t.Fatalf("expected one indexed driver, got %d", idx.Len())
	}
	got, _ = idx.Nearby(ctx, models.NewPoint(31.2, 30.0), 5)
	if len(got) != 1 || got[0].DriverID != "a" {
		t.Fatalf("expected only a, got %+v", got)
	}
}

func TestMemoryIndexEmpty(t *testing.T) {
	got, err := NewMemoryIndex().Nearby(context.Background(), models.NewPoint(0, 0), 3)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v err=%v", got, err)
	}
}
