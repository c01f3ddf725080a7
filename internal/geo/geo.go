package geo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

// DefaultFreshness is how long a location entry stays eligible for
// matching after its last update. Long-offline drivers must never be
// offered rides, so Nearby filters on this window.
const DefaultFreshness = 2 * time.Minute

// Index is the geospatial driver index used by the coordinator.
// Implementations are backed by remote stores; every call may block.
type Index interface {
	Upsert(ctx context.Context, driverID string, lat, lon float64) error
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]string, error)
	Remove(ctx context.Context, driverID string) error
}

// ValidateCoords rejects coordinates outside the WGS84 range.
func ValidateCoords(lat, lon float64) error {
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", apperrors.ErrValidation, lat, lon)
	}
	return nil
}

// MemoryIndex is a mutex-guarded map with a haversine scan. Fine for a
// single node and for tests; RedisIndex covers multi-node deployments.
type MemoryIndex struct {
	mu        sync.RWMutex
	entries   map[string]models.DriverLocation
	freshness time.Duration
	now       func() time.Time
}

func NewMemoryIndex(freshness time.Duration) *MemoryIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &MemoryIndex{
		entries:   make(map[string]models.DriverLocation),
		freshness: freshness,
		now:       time.Now,
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, driverID string, lat, lon float64) error {
	if err := ValidateCoords(lat, lon); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[driverID] = models.DriverLocation{
		DriverID:  driverID,
		Lat:       lat,
		Lon:       lon,
		UpdatedAt: m.now(),
	}
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]string, error) {
	if err := ValidateCoords(lat, lon); err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-m.freshness)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, e := range m.entries {
		if e.UpdatedAt.Before(cutoff) {
			continue
		}
		if Haversine(lat, lon, e.Lat, e.Lon) <= radiusKm*1000 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryIndex) Remove(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, driverID)
	return nil
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
