package fare

import (
	"fmt"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/routing"
)

// Calculator turns a route and a tier into a monetary amount.
type Calculator interface {
	Fare(route *routing.Route, tier string) (float64, error)
}

type rate struct {
	base      float64
	perKm     float64
	perMinute float64
}

// TableCalculator prices by tier with flat per-km and per-minute rates.
// Surge and promo pricing live outside this engine.
type TableCalculator struct {
	rates map[string]rate
}

func NewTableCalculator() *TableCalculator {
	return &TableCalculator{rates: map[string]rate{
		"lite":    {base: 300, perKm: 120, perMinute: 15},
		"comfort": {base: 500, perKm: 180, perMinute: 22},
		"van":     {base: 800, perKm: 240, perMinute: 30},
	}}
}

func (c *TableCalculator) Fare(route *routing.Route, tier string) (float64, error) {
	r, ok := c.rates[tier]
	if !ok {
		return 0, fmt.Errorf("%w: unknown tier %q", apperrors.ErrValidation, tier)
	}
	km := route.DistanceMeters / 1000
	minutes := route.DurationSeconds / 60
	return r.base + r.perKm*km + r.perMinute*minutes, nil
}
