// Package chat is the per-ride messaging channel: participant-gated,
// persisted, and broadcast to the ride's room.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
	"github.com/edriveapp/dispatch/internal/observability"
	"github.com/edriveapp/dispatch/internal/realtime"
	"github.com/edriveapp/dispatch/internal/storage"
)

const maxMessageLen = 2000

// Deliverer is the slice of the session registry chat needs.
type Deliverer interface {
	Deliver(roomID, event string, payload interface{})
}

type Service struct {
	rides    storage.RideStore
	messages storage.MessageStore
	registry Deliverer
}

func NewService(rides storage.RideStore, messages storage.MessageStore, registry Deliverer) *Service {
	return &Service{rides: rides, messages: messages, registry: registry}
}

// Send validates the sender against the ride, persists the message, and
// broadcasts it to the ride room. Sessions that are offline miss the
// live event and catch up via History on rejoin.
func (s *Service) Send(ctx context.Context, rideID, senderID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", apperrors.ErrValidation)
	}
	if len(text) > maxMessageLen {
		return nil, fmt.Errorf("%w: message exceeds %d characters", apperrors.ErrValidation, maxMessageLen)
	}
	ride, err := s.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Participant(senderID) {
		return nil, fmt.Errorf("%w: %s is not a participant of ride %s", apperrors.ErrForbidden, senderID, rideID)
	}
	m := &models.Message{
		ID:        uuid.NewString(),
		RideID:    rideID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := s.messages.SaveMessage(ctx, m); err != nil {
		return nil, err
	}
	observability.ChatMessages.Inc()
	s.registry.Deliver(realtime.RideRoom(rideID), "receive_message", m)
	return m, nil
}

// History returns the ride's messages oldest first, gated on ride
// participancy like Send.
func (s *Service) History(ctx context.Context, rideID, callerID string) ([]*models.Message, error) {
	ride, err := s.rides.GetByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Participant(callerID) {
		return nil, fmt.Errorf("%w: %s is not a participant of ride %s", apperrors.ErrForbidden, callerID, rideID)
	}
	return s.messages.MessagesForRide(ctx, rideID)
}
