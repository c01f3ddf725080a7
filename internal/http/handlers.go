package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

type rideRequestBody struct {
	Origin      models.Location `json:"origin"`
	Destination models.Location `json:"destination"`
	Tier        string          `json:"tier"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id.Role != models.RoleRider {
		s.writeError(w, r, fmt.Errorf("%w: only riders request rides", apperrors.ErrForbidden))
		return
	}
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
		return
	}
	ride, err := s.coordinator.RequestRide(r.Context(), models.RideRequest{
		RiderID:     id.UserID,
		Origin:      body.Origin,
		Destination: body.Destination,
		Tier:        body.Tier,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id.Role != models.RoleDriver {
		s.writeError(w, r, fmt.Errorf("%w: only drivers accept rides", apperrors.ErrForbidden))
		return
	}
	ride, err := s.coordinator.AcceptRide(r.Context(), mux.Vars(r)["ride_id"], id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
		return
	}
	ride, err := s.coordinator.UpdateStatus(r.Context(), mux.Vars(r)["ride_id"], id.UserID, id.Role, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	ride, err := s.rides.GetByID(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride.RiderID != id.UserID {
		s.writeError(w, r, fmt.Errorf("%w: only the requesting rider may rematch", apperrors.ErrForbidden))
		return
	}
	ride, err = s.coordinator.Rematch(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.GetByID(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// available rides are visible to any driver browsing them
	if !ride.Participant(id.UserID) && !(id.Role == models.RoleDriver && ride.Status == models.StatusSearching) {
		s.writeError(w, r, fmt.Errorf("%w: not a participant of this ride", apperrors.ErrForbidden))
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.rides.ListActive(r.Context(), id.UserID, id.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rides": rides})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)
	rides, total, err := s.rides.ListHistory(r.Context(), id.UserID, id.Role, page, perPage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rides": rides,
		"total": total,
		"page":  page,
	})
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id.Role != models.RoleDriver {
		s.writeError(w, r, fmt.Errorf("%w: only drivers browse open requests", apperrors.ErrForbidden))
		return
	}
	rides, err := s.rides.ListAvailable(r.Context(), r.URL.Query().Get("tier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rides": rides})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.chat.History(r.Context(), mux.Vars(r)["ride_id"], id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
		return
	}
	m, err := s.chat.Send(r.Context(), mux.Vars(r)["ride_id"], id.UserID, body.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

// handleDriverLocation ingests location updates from the driver app
// backend: publish to Kafka when configured, and always upsert the geo
// index so single-node runs work without the consumer.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
		return
	}
	if loc.DriverID == "" {
		s.writeError(w, r, fmt.Errorf("%w: driver_id required", apperrors.ErrValidation))
		return
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("kafka publish failed", "driver", loc.DriverID, "error", err)
		}
	}
	if err := s.geo.Upsert(r.Context(), loc.DriverID, loc.Lat, loc.Lon); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, apperrors.ErrUnavailable) {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
	}
	msg := err.Error()
	if errors.Is(err, apperrors.ErrConflict) {
		msg = "ride no longer available"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
