package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

// MemoryStore keeps rides and messages in mutex-guarded maps. It backs
// local runs and tests; the conditional transition holds the write lock
// across check and mutation, which gives the same atomicity the SQL
// store gets from a conditional UPDATE.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	messages map[string][]*models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	now := time.Now()
	r := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Status:      models.StatusSearching,
		Tier:        req.Tier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.rides[r.ID] = r
	s.mu.Unlock()
	return clone(r), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperrors.ErrNotFound, id)
	}
	return clone(r), nil
}

func (s *MemoryStore) ConditionalTransition(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (*models.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperrors.ErrNotFound, id)
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: ride %s is %s, expected %s", apperrors.ErrConflict, id, r.Status, expected)
	}
	r.Status = next
	if patch.DriverID != nil {
		d := *patch.DriverID
		r.DriverID = &d
	}
	if patch.Fare != nil {
		f := *patch.Fare
		r.Fare = &f
	}
	r.UpdatedAt = time.Now()
	return clone(r), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, userID string, role models.Role) ([]*models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Ride
	for _, r := range s.rides {
		if activeStatuses[r.Status] && owns(r, userID, role) {
			out = append(out, clone(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, userID string, role models.Role, page, perPage int) ([]*models.Ride, int, error) {
	if page < 1 || perPage < 1 {
		return nil, 0, fmt.Errorf("%w: page and per_page must be positive", apperrors.ErrValidation)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.Ride
	for _, r := range s.rides {
		if (r.Status == models.StatusCompleted || r.Status == models.StatusCancelled) && owns(r, userID, role) {
			all = append(all, clone(r))
		}
	}
	sortNewestFirst(all)
	total := len(all)
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) ListAvailable(ctx context.Context, tier string) ([]*models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Ride
	for _, r := range s.rides {
		if r.Status != models.StatusSearching {
			continue
		}
		if tier != "" && r.Tier != tier {
			continue
		}
		out = append(out, clone(r))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.RideID] = append(s.messages[m.RideID], &cp)
	return nil
}

func (s *MemoryStore) MessagesForRide(ctx context.Context, rideID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[rideID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func owns(r *models.Ride, userID string, role models.Role) bool {
	if role == models.RoleDriver {
		return r.DriverID != nil && *r.DriverID == userID
	}
	return r.RiderID == userID
}

func sortNewestFirst(rides []*models.Ride) {
	sort.SliceStable(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
}

func clone(r *models.Ride) *models.Ride {
	cp := *r
	if r.DriverID != nil {
		d := *r.DriverID
		cp.DriverID = &d
	}
	if r.Fare != nil {
		f := *r.Fare
		cp.Fare = &f
	}
	return &cp
}
