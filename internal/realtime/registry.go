// Package realtime tracks connected sessions and their rooms, and fans
// events out to exactly the sessions in a room. Nothing here is
// persisted; a restart drops all sessions and in-flight offers, which
// the rider recovers from by re-requesting.
package realtime

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
	"github.com/edriveapp/dispatch/internal/observability"
)

// Well-known rooms. Every session implicitly joins its own user room so
// the coordinator can address a person without knowing session IDs.
const DriverPool = "driverpool"

func RideRoom(rideID string) string { return "ride:" + rideID }
func UserRoom(userID string) string { return "user:" + userID }

// Conn is the outbound side of a session. *websocket.Conn satisfies it;
// tests use fakes.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Event is the wire envelope for everything pushed to a session.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type session struct {
	id     string
	userID string
	role   models.Role
	conn   Conn
	mu     sync.Mutex // serializes writes on the conn
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry is the in-process session registry. Room membership is only
// mutated by the owning process; multi-node fan-out would layer a shared
// pub/sub underneath Deliver.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
		logger:   logger,
	}
}

func (r *Registry) Register(sessionID, userID string, role models.Role, conn Conn) {
	s := &session{id: sessionID, userID: userID, role: role, conn: conn}
	r.mu.Lock()
	r.sessions[sessionID] = s
	r.joinLocked(s, UserRoom(userID))
	r.mu.Unlock()
	observability.WSSessions.Inc()
}

func (r *Registry) JoinRoom(sessionID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	r.joinLocked(s, roomID)
	return nil
}

func (r *Registry) LeaveRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.rooms[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		for roomID, members := range r.rooms {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	r.mu.Unlock()
	if ok {
		observability.WSSessions.Dec()
	}
}

// Deliver sends an event to every session currently in the room.
// Disconnected or failing sessions simply miss the event; durable
// history (e.g. chat) backfills on rejoin.
func (r *Registry) Deliver(roomID, event string, payload interface{}) {
	r.mu.RLock()
	members := make([]*session, 0, len(r.rooms[roomID]))
	for _, s := range r.rooms[roomID] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	ev := Event{Type: event, Payload: payload}
	for _, s := range members {
		if err := s.send(ev); err != nil {
			r.logger.Warn("realtime delivery failed",
				"room", roomID, "event", event, "session", s.id, "error", err)
		}
	}
}

// DeliverToSession targets a single session. Used for direct replies
// and error events on the session's own requests; all writes funnel
// through the session's write mutex.
func (r *Registry) DeliverToSession(sessionID, event string, payload interface{}) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(Event{Type: event, Payload: payload}); err != nil {
		r.logger.Warn("realtime delivery failed",
			"event", event, "session", sessionID, "error", err)
	}
}

// DeliverToUser targets every live session of one user.
func (r *Registry) DeliverToUser(userID, event string, payload interface{}) {
	r.Deliver(UserRoom(userID), event, payload)
}

// UserOnline reports whether the user has at least one live session.
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[UserRoom(userID)]) > 0
}

func (r *Registry) joinLocked(s *session, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*session)
		r.rooms[roomID] = members
	}
	members[s.id] = s
}
