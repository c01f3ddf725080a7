package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edriveapp/dispatch/internal/geo"
	"github.com/edriveapp/dispatch/internal/models"
)

// Route is what the external routing provider returns for a point pair.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Polyline        string  `json:"polyline,omitempty"`
}

// Client computes a route between two points. A (nil, nil) return means
// the provider found no route; callers treat that as "cannot pre-estimate",
// never as a failure of the ride itself.
type Client interface {
	Route(ctx context.Context, from, to models.Location) (*Route, error)
}

// Estimator is the fallback when no provider is configured: straight
// haversine distance at a fixed city speed.
type Estimator struct {
	SpeedMps float64
}

func (e Estimator) Route(ctx context.Context, from, to models.Location) (*Route, error) {
	speed := e.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return &Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cache memoizes routes keyed by coordinate pair with a TTL.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	inner Client
}

type cacheEntry struct {
	r  *Route
	ts time.Time
}

// NewCache wraps inner with a TTL cache.
func NewCache(inner Client, ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, inner: inner}
}

func (c *Cache) Route(ctx context.Context, from, to models.Location) (*Route, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.r, nil
	}
	r, err := c.inner.Route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
	return r, nil
}

func keyFor(a, b models.Location) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}
