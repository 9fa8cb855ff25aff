package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Candidate is a driver position returned by a nearest query, closest first.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index is the spatial view over driver positions used by the registry.
// It knows nothing about availability; callers filter candidates.
type Index interface {
	Upsert(ctx context.Context, driverID string, p models.Point) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, p models.Point, k int) ([]Candidate, error)
}

// DistanceKm is the great-circle distance between two GeoJSON points.
func DistanceKm(a, b models.Point) float64 {
	return haversineKm(a.Lat(), a.Lon(), b.Lat(), b.Lon())
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// precisions are searched finest first. Cell sizes run from ~1.2km (6)
// to ~1250km (2).
var precisions = []uint{6, 5, 4, 3, 2}

type position struct {
	lat, lon float64
	cells    []string
}

// MemoryIndex buckets drivers by geohash at several precisions. A nearest
// query looks at the 3x3 block of cells around the pickup, finest level
// first, and only accepts drivers that are provably closer than anything
// outside the block. When no level proves k results it falls back to a
// full scan, so results always match a brute-force search.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]position
	buckets   []map[string]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	b := make([]map[string]map[string]struct{}, len(precisions))
	for i := range b {
		b[i] = make(map[string]map[string]struct{})
	}
	return &MemoryIndex{positions: make(map[string]position), buckets: b}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, p models.Point) error {
	lat, lon := p.Lat(), p.Lon()
	cells := make([]string, len(precisions))
	for i, prec := range precisions {
		cells[i] = geohash.EncodeWithPrecision(lat, lon, prec)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(driverID)
	for i, cell := range cells {
		ids, ok := g.buckets[i][cell]
		if !ok {
			ids = make(map[string]struct{})
			g.buckets[i][cell] = ids
		}
		ids[driverID] = struct{}{}
	}
	g.positions[driverID] = position{lat: lat, lon: lon, cells: cells}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(driverID)
	return nil
}

func (g *MemoryIndex) removeLocked(driverID string) {
	old, ok := g.positions[driverID]
	if !ok {
		return
	}
	for i, cell := range old.cells {
		if ids := g.buckets[i][cell]; ids != nil {
			delete(ids, driverID)
			if len(ids) == 0 {
				delete(g.buckets[i], cell)
			}
		}
	}
	delete(g.positions, driverID)
}

func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.positions)
}

func (g *MemoryIndex) Nearby(_ context.Context, p models.Point, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	lat, lon := p.Lat(), p.Lon()

	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.positions) <= k {
		return g.scanLocked(lat, lon, k), nil
	}
	for i, prec := range precisions {
		center := geohash.EncodeWithPrecision(lat, lon, prec)
		covered, ok := coveredRadiusKm(lat, lon, geohash.BoundingBox(center))
		if !ok {
			continue
		}
		cells := append(geohash.Neighbors(center), center)
		var found []Candidate
		for _, cell := range cells {
			for id := range g.buckets[i][cell] {
				pos := g.positions[id]
				d := haversineKm(lat, lon, pos.lat, pos.lon)
				if d <= covered {
					found = append(found, Candidate{DriverID: id, DistanceKm: d})
				}
			}
		}
		if len(found) >= k {
			sortCandidates(found)
			return found[:k], nil
		}
	}
	return g.scanLocked(lat, lon, k), nil
}

func (g *MemoryIndex) scanLocked(lat, lon float64, k int) []Candidate {
	all := make([]Candidate, 0, len(g.positions))
	for id, pos := range g.positions {
		all = append(all, Candidate{DriverID: id, DistanceKm: haversineKm(lat, lon, pos.lat, pos.lon)})
	}
	sortCandidates(all)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceKm == c[j].DistanceKm {
			return c[i].DriverID < c[j].DriverID
		}
		return c[i].DistanceKm < c[j].DistanceKm
	})
}

// coveredRadiusKm returns the distance from (lat, lon) to the edge of the
// 3x3 block of cells centred on box. Every point outside the block is at
// least that far away. ok is false when the block would cross a pole or the
// antimeridian, where geohash neighbours do not wrap.
func coveredRadiusKm(lat, lon float64, box geohash.Box) (float64, bool) {
	dLat := box.MaxLat - box.MinLat
	dLng := box.MaxLng - box.MinLng
	north := box.MaxLat + dLat
	south := box.MinLat - dLat
	east := box.MaxLng + dLng
	west := box.MinLng - dLng
	if north > 90 || south < -90 || east > 180 || west < -180 {
		return 0, false
	}
	kmPerDeg := earthRadiusKm * math.Pi / 180
	r := math.Min((north-lat)*kmPerDeg, (lat-south)*kmPerDeg)
	cosLat := math.Cos(toRad(lat))
	r = math.Min(r, earthRadiusKm*math.Asin(math.Sin(toRad(east-lon))*cosLat))
	r = math.Min(r, earthRadiusKm*math.Asin(math.Sin(toRad(lon-west))*cosLat))
	// absorb rounding in the cell arithmetic
	return r * (1 - 1e-9), true
}
