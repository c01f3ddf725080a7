// Package dispatch orchestrates the ride lifecycle: request intake,
// candidate search, offer fan-out, first-accept-wins resolution, and
// all later status moves.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/fare"
	"github.com/edriveapp/dispatch/internal/geo"
	"github.com/edriveapp/dispatch/internal/lifecycle"
	"github.com/edriveapp/dispatch/internal/models"
	"github.com/edriveapp/dispatch/internal/notify"
	"github.com/edriveapp/dispatch/internal/observability"
	"github.com/edriveapp/dispatch/internal/payments"
	"github.com/edriveapp/dispatch/internal/realtime"
	"github.com/edriveapp/dispatch/internal/routing"
	"github.com/edriveapp/dispatch/internal/storage"
)

// DefaultRadiusKm is the candidate search radius around the origin.
const DefaultRadiusKm = 5.0

// Registry is the slice of the session registry the coordinator uses.
type Registry interface {
	Deliver(roomID, event string, payload interface{})
	DeliverToUser(userID, event string, payload interface{})
	UserOnline(userID string) bool
}

// offerState remembers, per SEARCHING ride, which drivers were offered
// it and the pre-computed fare estimate. It lives only for the search
// phase; an engine restart forgets it and the rider re-requests.
type offerState struct {
	drivers      map[string]bool
	fareEstimate *float64
}

type Coordinator struct {
	geo      geo.Index
	store    storage.RideStore
	registry Registry
	router   routing.Client
	fares    fare.Calculator
	payments payments.Provider // optional
	pusher   notify.Pusher     // optional
	logger   *slog.Logger

	radiusKm      float64
	searchTimeout time.Duration // 0 disables auto-cancel

	mu     sync.Mutex
	offers map[string]*offerState
	holds  map[string]string // rideID -> payment hold ID
}

type Option func(*Coordinator)

func WithRadiusKm(km float64) Option {
	return func(c *Coordinator) { c.radiusKm = km }
}

// WithSearchTimeout auto-cancels rides that stay SEARCHING past d, via
// the same conditional transition accepts use, so a late accept and the
// timeout can never both win.
func WithSearchTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.searchTimeout = d }
}

func WithPayments(p payments.Provider) Option {
	return func(c *Coordinator) { c.payments = p }
}

func WithPusher(p notify.Pusher) Option {
	return func(c *Coordinator) { c.pusher = p }
}

func NewCoordinator(idx geo.Index, store storage.RideStore, registry Registry, router routing.Client, fares fare.Calculator, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		geo:      idx,
		store:    store,
		registry: registry,
		router:   router,
		fares:    fares,
		logger:   logger,
		radiusKm: DefaultRadiusKm,
		offers:   make(map[string]*offerState),
		holds:    make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestRide validates the request, creates the ride in SEARCHING, and
// fans the offer out to nearby drivers. A ride with zero candidates is
// returned in SEARCHING with a no_drivers_nearby event to the rider;
// that outcome is not an error.
func (c *Coordinator) RequestRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	start := time.Now()

	ride, err := c.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	st := &offerState{drivers: make(map[string]bool)}
	st.fareEstimate = c.estimateFare(ctx, ride)
	c.mu.Lock()
	c.offers[ride.ID] = st
	c.mu.Unlock()

	c.broadcastOffers(ctx, ride)
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	if c.searchTimeout > 0 {
		c.scheduleAutoCancel(ride.ID)
	}
	return ride, nil
}

// Rematch re-runs the candidate search for a ride still in SEARCHING,
// for callers retrying after a no-drivers outcome.
func (c *Coordinator) Rematch(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := c.store.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusSearching {
		return nil, fmt.Errorf("%w: ride %s is %s, not %s", apperrors.ErrConflict, rideID, ride.Status, models.StatusSearching)
	}
	c.mu.Lock()
	if _, ok := c.offers[rideID]; !ok {
		st := &offerState{drivers: make(map[string]bool)}
		st.fareEstimate = c.estimateFare(ctx, ride)
		c.offers[rideID] = st
	}
	c.mu.Unlock()
	c.broadcastOffers(ctx, ride)
	return ride, nil
}

// AcceptRide resolves the first-accept-wins race through the store's
// conditional transition. Exactly one concurrent caller gets the ride;
// the rest get Conflict and are told the ride is no longer available.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", apperrors.ErrValidation)
	}
	c.mu.Lock()
	st := c.offers[rideID]
	var estimate *float64
	if st != nil {
		estimate = st.fareEstimate
	}
	c.mu.Unlock()

	ride, err := c.store.ConditionalTransition(ctx, rideID, models.StatusSearching, models.StatusAccepted, storage.Patch{
		DriverID: &driverID,
		Fare:     estimate,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.RidesAccepted.Inc()

	c.registry.DeliverToUser(ride.RiderID, "driver_accepted", ride)
	c.dismissOtherOffers(rideID, driverID)
	c.holdFare(ctx, ride)
	return ride, nil
}

// UpdateStatus applies arrive/start/complete/cancel moves. The state
// machine validates the move and the actor, then the conditional
// transition makes the check-and-set atomic against racing callers.
func (c *Coordinator) UpdateStatus(ctx context.Context, rideID, actorID string, role models.Role, next models.RideStatus) (*models.Ride, error) {
	if next == models.StatusAccepted {
		if role != models.RoleDriver {
			return nil, fmt.Errorf("%w: only drivers accept rides", apperrors.ErrForbidden)
		}
		return c.AcceptRide(ctx, rideID, actorID)
	}

	ride, err := c.store.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Validate(ride.Status, next); err != nil {
		return nil, err
	}
	if err := lifecycle.AllowedActor(ride, actorID, role, next); err != nil {
		return nil, err
	}

	var patch storage.Patch
	if next == models.StatusCompleted && ride.Fare == nil {
		f := c.estimateFare(ctx, ride)
		if f == nil {
			return nil, fmt.Errorf("%w: cannot complete ride %s without a fare", apperrors.ErrInvalidTransition, rideID)
		}
		patch.Fare = f
	}

	updated, err := c.store.ConditionalTransition(ctx, rideID, ride.Status, next, patch)
	if err != nil {
		return nil, err
	}

	c.registry.DeliverToUser(updated.RiderID, "ride_status_changed", updated)
	if updated.DriverID != nil {
		c.registry.DeliverToUser(*updated.DriverID, "ride_status_changed", updated)
	}
	c.registry.Deliver(realtime.RideRoom(rideID), "ride_status_changed", updated)

	switch next {
	case models.StatusCancelled:
		// drivers still holding the offer should dismiss it
		c.dismissOtherOffers(rideID, actorID)
		c.releaseFare(ctx, rideID)
	case models.StatusCompleted:
		c.captureFare(ctx, rideID)
	}
	return updated, nil
}

// CancelRide is the cancel trigger for either party on the ride.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, actorID string, role models.Role) (*models.Ride, error) {
	return c.UpdateStatus(ctx, rideID, actorID, role, models.StatusCancelled)
}

func (c *Coordinator) broadcastOffers(ctx context.Context, ride *models.Ride) {
	candidates, err := c.geo.Nearby(ctx, ride.Origin.Lat, ride.Origin.Lon, c.radiusKm)
	if err != nil {
		// degraded index means no candidates, never a failed request
		if !errors.Is(err, apperrors.ErrUnavailable) {
			c.logger.Error("candidate query failed", "ride", ride.ID, "error", err)
		} else {
			c.logger.Warn("geo index unavailable, dispatch degraded", "ride", ride.ID, "error", err)
		}
		candidates = nil
	}
	// the rider must never be offered their own ride as a driver
	eligible := candidates[:0]
	for _, id := range candidates {
		if id != ride.RiderID {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		observability.NoDriversNearby.Inc()
		c.registry.DeliverToUser(ride.RiderID, "no_drivers_nearby", map[string]string{"ride_id": ride.ID})
		return
	}

	c.mu.Lock()
	st := c.offers[ride.ID]
	if st == nil {
		st = &offerState{drivers: make(map[string]bool)}
		c.offers[ride.ID] = st
	}
	for _, id := range eligible {
		st.drivers[id] = true
	}
	c.mu.Unlock()

	for _, driverID := range eligible {
		if c.registry.UserOnline(driverID) {
			c.registry.DeliverToUser(driverID, "ride_request", ride)
		} else if c.pusher != nil {
			if err := c.pusher.Push(ctx, driverID, "ride_request", ride); err != nil {
				c.logger.Warn("offer push failed", "ride", ride.ID, "driver", driverID, "error", err)
			}
		}
		observability.OffersSent.Inc()
	}
	c.logger.Info("offers sent", "ride", ride.ID, "candidates", len(eligible))
}

// dismissOtherOffers tells every offered driver except winnerID that the
// ride is gone, then drops the offer state.
func (c *Coordinator) dismissOtherOffers(rideID, winnerID string) {
	c.mu.Lock()
	st := c.offers[rideID]
	delete(c.offers, rideID)
	c.mu.Unlock()
	if st == nil {
		return
	}
	payload := map[string]string{"ride_id": rideID}
	for driverID := range st.drivers {
		if driverID == winnerID {
			continue
		}
		c.registry.DeliverToUser(driverID, "ride_taken", payload)
	}
}

func (c *Coordinator) estimateFare(ctx context.Context, ride *models.Ride) *float64 {
	if c.router == nil || c.fares == nil {
		return nil
	}
	route, err := c.router.Route(ctx, ride.Origin, ride.Destination)
	if err != nil || route == nil {
		if err != nil {
			c.logger.Warn("route lookup failed", "ride", ride.ID, "error", err)
		}
		return nil
	}
	amount, err := c.fares.Fare(route, ride.Tier)
	if err != nil {
		return nil
	}
	return &amount
}

func (c *Coordinator) scheduleAutoCancel(rideID string) {
	time.AfterFunc(c.searchTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ride, err := c.store.ConditionalTransition(ctx, rideID, models.StatusSearching, models.StatusCancelled, storage.Patch{})
		if err != nil {
			// Conflict means a driver accepted in time; nothing to do.
			if !apperrors.Expected(err) && !errors.Is(err, apperrors.ErrNotFound) {
				c.logger.Error("auto-cancel failed", "ride", rideID, "error", err)
			}
			return
		}
		c.logger.Info("ride auto-cancelled after search timeout", "ride", rideID)
		c.registry.DeliverToUser(ride.RiderID, "ride_status_changed", ride)
		c.dismissOtherOffers(rideID, "")
	})
}

func (c *Coordinator) holdFare(ctx context.Context, ride *models.Ride) {
	if c.payments == nil || ride.Fare == nil {
		return
	}
	holdID, err := c.payments.Hold(ctx, int64(*ride.Fare*100), "usd", ride.RiderID)
	if err != nil {
		c.logger.Warn("fare hold failed", "ride", ride.ID, "error", err)
		return
	}
	c.mu.Lock()
	c.holds[ride.ID] = holdID
	c.mu.Unlock()
}

func (c *Coordinator) captureFare(ctx context.Context, rideID string) {
	holdID := c.takeHold(rideID)
	if holdID == "" || c.payments == nil {
		return
	}
	if err := c.payments.Capture(ctx, holdID); err != nil {
		c.logger.Warn("fare capture failed", "ride", rideID, "error", err)
	}
}

func (c *Coordinator) releaseFare(ctx context.Context, rideID string) {
	holdID := c.takeHold(rideID)
	if holdID == "" || c.payments == nil {
		return
	}
	if err := c.payments.Release(ctx, holdID); err != nil {
		c.logger.Warn("fare release failed", "ride", rideID, "error", err)
	}
}

func (c *Coordinator) takeHold(rideID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	holdID := c.holds[rideID]
	delete(c.holds, rideID)
	return holdID
}

func validateRequest(req models.RideRequest) error {
	if req.RiderID == "" {
		return fmt.Errorf("%w: rider_id required", apperrors.ErrValidation)
	}
	if !models.Tiers[req.Tier] {
		return fmt.Errorf("%w: unknown tier %q", apperrors.ErrValidation, req.Tier)
	}
	if err := geo.ValidateCoords(req.Origin.Lat, req.Origin.Lon); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if err := geo.ValidateCoords(req.Destination.Lat, req.Destination.Lon); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if req.Origin == req.Destination {
		return fmt.Errorf("%w: origin and destination are identical", apperrors.ErrValidation)
	}
	return nil
}
