package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edriveapp/dispatch/internal/apperrors"
)

// RedisIndex implements Index on Redis GEO commands. Location freshness
// is tracked in a sibling hash per driver because GEOADD carries no
// timestamp; Nearby filters out entries past the freshness window.
type RedisIndex struct {
	client    *redis.Client
	key       string
	freshness time.Duration
}

func NewRedisIndex(addr, password, key string, freshness time.Duration) *RedisIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, freshness: freshness}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lon float64) error {
	if err := ValidateCoords(lat, lon); err != nil {
		return err
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: lon,
		Latitude:  lat,
		Name:      driverID,
	}).Err(); err != nil {
		return fmt.Errorf("%w: geoadd: %v", apperrors.ErrUnavailable, err)
	}
	if err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": time.Now().Format(time.RFC3339),
	}).Err(); err != nil {
		return fmt.Errorf("%w: hset: %v", apperrors.ErrUnavailable, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]string, error) {
	if err := ValidateCoords(lat, lon); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: georadius: %v", apperrors.ErrUnavailable, err)
	}
	cutoff := time.Now().Add(-r.freshness)
	out := make([]string, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: hgetall: %v", apperrors.ErrUnavailable, err)
		}
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil && ts.Before(cutoff) {
				continue
			}
		}
		out = append(out, g.Name)
	}
	return out, nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("%w: zrem: %v", apperrors.ErrUnavailable, err)
	}
	_ = r.client.Del(ctx, metaKey(driverID)).Err()
	return nil
}

func metaKey(id string) string { return "driver:meta:" + id }
