package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/auth"
	"github.com/edriveapp/dispatch/internal/models"
	"github.com/edriveapp/dispatch/internal/realtime"
)

var upgrader = websocket.Upgrader{
	// the mobile clients connect from app schemes, not browser origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientEvent is the inbound WebSocket envelope.
type clientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleWS authenticates the socket, registers the session, and runs the
// read loop until the peer goes away. Every inbound event maps onto a
// coordinator, chat, or registry operation; expected failures go back to
// the same session as error events, never as dropped connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	sessionID := uuid.NewString()
	s.registry.Register(sessionID, id.UserID, id.Role, conn)
	s.logger.Info("session connected", "session", sessionID, "user", id.UserID, "role", id.Role)

	defer func() {
		s.registry.Unregister(sessionID)
		_ = conn.Close()
		if id.Role == models.RoleDriver {
			// socket loss is the driver-offline signal
			if err := s.geo.Remove(context.Background(), id.UserID); err != nil {
				s.logger.Warn("geo remove on disconnect failed", "driver", id.UserID, "error", err)
			}
		}
		s.logger.Info("session disconnected", "session", sessionID, "user", id.UserID)
	}()

	for {
		var ev clientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if err := s.dispatchClientEvent(r.Context(), sessionID, id, &ev); err != nil {
			s.sendWSError(sessionID, ev.Type, err)
		}
	}
}

func (s *Server) dispatchClientEvent(ctx context.Context, sessionID string, id auth.Identity, ev *clientEvent) error {
	switch ev.Type {
	case "join_driver_pool":
		if id.Role != models.RoleDriver {
			return fmt.Errorf("%w: riders cannot join the driver pool", apperrors.ErrForbidden)
		}
		return s.registry.JoinRoom(sessionID, realtime.DriverPool)

	case "update_location":
		if id.Role != models.RoleDriver {
			return fmt.Errorf("%w: only drivers report locations", apperrors.ErrForbidden)
		}
		var p struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		if s.kafka != nil {
			loc := models.DriverLocation{DriverID: id.UserID, Lat: p.Lat, Lon: p.Lon}
			if err := s.kafka.PublishLocation(loc); err != nil {
				s.logger.Warn("kafka publish failed", "driver", id.UserID, "error", err)
			}
		}
		return s.geo.Upsert(ctx, id.UserID, p.Lat, p.Lon)

	case "request_ride":
		if id.Role != models.RoleRider {
			return fmt.Errorf("%w: only riders request rides", apperrors.ErrForbidden)
		}
		var p rideRequestBody
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		ride, err := s.coordinator.RequestRide(ctx, models.RideRequest{
			RiderID:     id.UserID,
			Origin:      p.Origin,
			Destination: p.Destination,
			Tier:        p.Tier,
		})
		if err != nil {
			return err
		}
		s.registry.DeliverToUser(id.UserID, "ride_status_changed", ride)
		return nil

	case "accept_ride":
		if id.Role != models.RoleDriver {
			return fmt.Errorf("%w: only drivers accept rides", apperrors.ErrForbidden)
		}
		var p struct {
			RideID string `json:"ride_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		ride, err := s.coordinator.AcceptRide(ctx, p.RideID, id.UserID)
		if err != nil {
			return err
		}
		s.registry.DeliverToUser(id.UserID, "ride_status_changed", ride)
		return nil

	case "update_status":
		var p struct {
			RideID string            `json:"ride_id"`
			Status models.RideStatus `json:"status"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		_, err := s.coordinator.UpdateStatus(ctx, p.RideID, id.UserID, id.Role, p.Status)
		return err

	case "join_chat":
		var p struct {
			RideID string `json:"ride_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		history, err := s.chat.History(ctx, p.RideID, id.UserID)
		if err != nil {
			return err
		}
		if err := s.registry.JoinRoom(sessionID, realtime.RideRoom(p.RideID)); err != nil {
			return err
		}
		// backfill messages sent while this session was away
		s.registry.DeliverToSession(sessionID, "chat_history", map[string]interface{}{
			"ride_id":  p.RideID,
			"messages": history,
		})
		return nil

	case "send_message":
		var p struct {
			RideID string `json:"ride_id"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		_, err := s.chat.Send(ctx, p.RideID, id.UserID, p.Text)
		return err

	default:
		return fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, ev.Type)
	}
}

func (s *Server) sendWSError(sessionID, eventType string, err error) {
	msg := err.Error()
	if errors.Is(err, apperrors.ErrConflict) {
		msg = "ride no longer available"
	}
	s.registry.DeliverToSession(sessionID, "error", map[string]string{
		"event":   eventType,
		"message": msg,
	})
}
