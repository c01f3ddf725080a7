package storage

import (
	"context"

	"github.com/edriveapp/dispatch/internal/models"
)

// Patch carries the optional fields applied together with a status
// change. Nil fields are left untouched; applied fields and the status
// land atomically or not at all.
type Patch struct {
	DriverID *string
	Fare     *float64
}

// RideStore is the durable source of truth for rides. The conditional
// transition is the only mutation path after creation; it behaves as a
// compare-and-swap on the status column so two drivers can never both
// accept the same ride.
type RideStore interface {
	Create(ctx context.Context, req models.RideRequest) (*models.Ride, error)
	GetByID(ctx context.Context, id string) (*models.Ride, error)
	ConditionalTransition(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (*models.Ride, error)
	ListActive(ctx context.Context, userID string, role models.Role) ([]*models.Ride, error)
	ListHistory(ctx context.Context, userID string, role models.Role, page, perPage int) ([]*models.Ride, int, error)
	ListAvailable(ctx context.Context, tier string) ([]*models.Ride, error)
}

// MessageStore persists ride chat. Messages outlive their ride record's
// active life; there is no delete.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *models.Message) error
	MessagesForRide(ctx context.Context, rideID string) ([]*models.Message, error)
}

var activeStatuses = map[models.RideStatus]bool{
	models.StatusSearching:  true,
	models.StatusAccepted:   true,
	models.StatusArrived:    true,
	models.StatusInProgress: true,
}
