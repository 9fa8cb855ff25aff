package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSearchRadiusKm covers the whole planet, which makes GEOSEARCH an
// exact nearest-k query.
const DefaultSearchRadiusKm = 20040.0

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client   redis.UniversalClient
	key      string
	radiusKm float64
}

func NewRedisIndex(client redis.UniversalClient, key string, radiusKm float64) *RedisIndex {
	if radiusKm <= 0 {
		radiusKm = DefaultSearchRadiusKm
	}
	return &RedisIndex{client: client, key: key, radiusKm: radiusKm}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, p models.Point) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon(), Latitude: p.Lat(), Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, p models.Point, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon(),
			Latitude:   p.Lat(),
			Radius:     r.radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      k,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}
