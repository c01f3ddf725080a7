// Package lifecycle holds the pure ride state machine. It knows nothing
// about storage or sessions; callers validate here, then apply the move
// through the store's conditional transition so check and mutation stay
// atomic.
package lifecycle

import (
	"fmt"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

// transitions maps each status to the set of statuses reachable from it.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusSearching:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:  nil,
	models.StatusCancelled:  nil,
}

// Known reports whether s is a defined ride status.
func Known(s models.RideStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func Terminal(s models.RideStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// Validate returns nil when from -> to is a legal move, and a wrapped
// ErrInvalidTransition otherwise. Unknown statuses are never legal.
func Validate(from, to models.RideStatus) error {
	if !Known(from) || !Known(to) {
		return fmt.Errorf("%w: unknown status in %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
}

// AllowedActor checks that the caller may request the move to target.
// Accepting is any driver's move; arrive/start/complete belong to the
// assigned driver; cancel belongs to either party on the ride.
func AllowedActor(ride *models.Ride, actorID string, role models.Role, target models.RideStatus) error {
	switch target {
	case models.StatusAccepted:
		if role != models.RoleDriver {
			return fmt.Errorf("%w: only drivers accept rides", apperrors.ErrForbidden)
		}
		return nil
	case models.StatusArrived, models.StatusInProgress, models.StatusCompleted:
		if role != models.RoleDriver || ride.DriverID == nil || *ride.DriverID != actorID {
			return fmt.Errorf("%w: only the assigned driver may move a ride to %s", apperrors.ErrForbidden, target)
		}
		return nil
	case models.StatusCancelled:
		if !ride.Participant(actorID) {
			return fmt.Errorf("%w: only ride participants may cancel", apperrors.ErrForbidden)
		}
		return nil
	default:
		return fmt.Errorf("%w: no actor may request %s", apperrors.ErrInvalidTransition, target)
	}
}
