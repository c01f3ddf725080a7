package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/fare"
	"github.com/edriveapp/dispatch/internal/geo"
	"github.com/edriveapp/dispatch/internal/models"
	"github.com/edriveapp/dispatch/internal/routing"
	"github.com/edriveapp/dispatch/internal/storage"
)

type recorded struct {
	event   string
	payload interface{}
}

type fakeRegistry struct {
	mu      sync.Mutex
	offline map[string]bool
	users   map[string][]recorded
	rooms   map[string][]recorded
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		offline: make(map[string]bool),
		users:   make(map[string][]recorded),
		rooms:   make(map[string][]recorded),
	}
}

func (f *fakeRegistry) Deliver(roomID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID] = append(f.rooms[roomID], recorded{event, payload})
}

func (f *fakeRegistry) DeliverToUser(userID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = append(f.users[userID], recorded{event, payload})
}

func (f *fakeRegistry) UserOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[userID]
}

func (f *fakeRegistry) eventsFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.users[userID] {
		out = append(out, r.event)
	}
	return out
}

func hasEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

// noRoute simulates a provider that finds no route between the points.
type noRoute struct{}

func (noRoute) Route(ctx context.Context, from, to models.Location) (*routing.Route, error) {
	return nil, nil
}

// downIndex simulates an unreachable geo backend.
type downIndex struct{}

func (downIndex) Upsert(ctx context.Context, driverID string, lat, lon float64) error {
	return apperrors.ErrUnavailable
}
func (downIndex) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]string, error) {
	return nil, fmt.Errorf("%w: index down", apperrors.ErrUnavailable)
}
func (downIndex) Remove(ctx context.Context, driverID string) error { return nil }

type fixture struct {
	idx   *geo.MemoryIndex
	store *storage.MemoryStore
	reg   *fakeRegistry
	coord *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	idx := geo.NewMemoryIndex(2 * time.Minute)
	store := storage.NewMemoryStore()
	reg := newFakeRegistry()
	coord := NewCoordinator(idx, store, reg, routing.Estimator{SpeedMps: 10}, fare.NewTableCalculator(), slog.Default(), opts...)
	return &fixture{idx: idx, store: store, reg: reg, coord: coord}
}

func testRequest(riderID string) models.RideRequest {
	return models.RideRequest{
		RiderID:     riderID,
		Origin:      models.Location{Lat: 6.45, Lon: 3.40, Address: "Marina"},
		Destination: models.Location{Lat: 6.60, Lon: 3.35, Address: "Ikeja"},
		Tier:        "lite",
	}
}

func TestDispatchFirstAcceptWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// near is ~1km from the origin, far is ~3km; both inside 5km
	if err := f.idx.Upsert(ctx, "near", 6.459, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := f.idx.Upsert(ctx, "far", 6.477, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ride, err := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.Status != models.StatusSearching {
		t.Fatalf("expected SEARCHING, got %s", ride.Status)
	}
	if !hasEvent(f.reg.eventsFor("near"), "ride_request") || !hasEvent(f.reg.eventsFor("far"), "ride_request") {
		t.Fatal("both candidate drivers should receive the offer")
	}

	accepted, err := f.coord.AcceptRide(ctx, ride.ID, "near")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID == nil || *accepted.DriverID != "near" {
		t.Fatalf("unexpected accepted ride: %+v", accepted)
	}
	if accepted.Fare == nil || *accepted.Fare <= 0 {
		t.Fatalf("fare estimate should be set at accept, got %v", accepted.Fare)
	}

	if _, err := f.coord.AcceptRide(ctx, ride.ID, "far"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("late accept should conflict, got %v", err)
	}

	if !hasEvent(f.reg.eventsFor("rider-1"), "driver_accepted") {
		t.Fatal("rider should be told about the match")
	}
	if !hasEvent(f.reg.eventsFor("far"), "ride_taken") {
		t.Fatal("losing driver should be told the ride is taken")
	}
	if hasEvent(f.reg.eventsFor("near"), "ride_taken") {
		t.Fatal("winner must not be told the ride is taken")
	}
}

func TestRequestRideNoDriversNearby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ride, err := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if err != nil {
		t.Fatalf("zero candidates must not fail the request: %v", err)
	}
	if ride.Status != models.StatusSearching {
		t.Fatalf("ride should stay SEARCHING, got %s", ride.Status)
	}
	if !hasEvent(f.reg.eventsFor("rider-1"), "no_drivers_nearby") {
		t.Fatal("rider should be told no drivers are nearby")
	}
}

func TestRequestRideDegradesWhenIndexDown(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := newFakeRegistry()
	coord := NewCoordinator(downIndex{}, store, reg, routing.Estimator{SpeedMps: 10}, fare.NewTableCalculator(), slog.Default())

	ride, err := coord.RequestRide(context.Background(), testRequest("rider-1"))
	if err != nil {
		t.Fatalf("index outage must not fail the request: %v", err)
	}
	if ride.Status != models.StatusSearching {
		t.Fatalf("ride should stay SEARCHING, got %s", ride.Status)
	}
	if !hasEvent(reg.eventsFor("rider-1"), "no_drivers_nearby") {
		t.Fatal("outage should look like no drivers to the rider")
	}
}

func TestRequestRideValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []models.RideRequest{
		{}, // missing everything
		{RiderID: "u1", Tier: "premium", Origin: models.Location{Lat: 1}, Destination: models.Location{Lat: 2}},
		{RiderID: "u1", Tier: "lite", Origin: models.Location{Lat: 99}, Destination: models.Location{Lat: 2}},
		{RiderID: "u1", Tier: "lite", Origin: models.Location{Lat: 1, Lon: 1}, Destination: models.Location{Lat: 1, Lon: 1}},
	}
	for i, req := range cases {
		if _, err := f.coord.RequestRide(ctx, req); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const drivers = 8
	for i := 0; i < drivers; i++ {
		if err := f.idx.Upsert(ctx, fmt.Sprintf("d%d", i), 6.451, 3.40); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	ride, err := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := f.coord.AcceptRide(ctx, ride.ID, driverID)
			errs <- err
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, apperrors.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", success)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, "d1", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ride, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// only the assigned driver may progress the ride
	if _, err := f.coord.UpdateStatus(ctx, ride.ID, "d2", models.RoleDriver, models.StatusArrived); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("unassigned driver must not mark arrived, got %v", err)
	}
	if _, err := f.coord.UpdateStatus(ctx, ride.ID, "rider-1", models.RoleRider, models.StatusArrived); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("rider must not mark arrived, got %v", err)
	}

	for _, next := range []models.RideStatus{models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		updated, err := f.coord.UpdateStatus(ctx, ride.ID, "d1", models.RoleDriver, next)
		if err != nil {
			t.Fatalf("move to %s: %v", next, err)
		}
		if updated.Status != next {
			t.Fatalf("expected %s, got %s", next, updated.Status)
		}
	}

	// skipping a step is rejected
	ride2, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.AcceptRide(ctx, ride2.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.UpdateStatus(ctx, ride2.ID, "d1", models.RoleDriver, models.StatusCompleted); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("ACCEPTED -> COMPLETED must be rejected, got %v", err)
	}
}

func TestCompleteWithoutFareFails(t *testing.T) {
	idx := geo.NewMemoryIndex(2 * time.Minute)
	store := storage.NewMemoryStore()
	reg := newFakeRegistry()
	// no route means no fare can ever be computed
	coord := NewCoordinator(idx, store, reg, noRoute{}, fare.NewTableCalculator(), slog.Default())
	ctx := context.Background()

	if err := idx.Upsert(ctx, "d1", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ride, _ := coord.RequestRide(ctx, testRequest("rider-1"))
	accepted, err := coord.AcceptRide(ctx, ride.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Fare != nil {
		t.Fatalf("no route should mean no fare estimate, got %v", *accepted.Fare)
	}
	if _, err := coord.UpdateStatus(ctx, ride.ID, "d1", models.RoleDriver, models.StatusArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := coord.UpdateStatus(ctx, ride.ID, "d1", models.RoleDriver, models.StatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.UpdateStatus(ctx, ride.ID, "d1", models.RoleDriver, models.StatusCompleted); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("completing without a fare must fail, got %v", err)
	}
	check, _ := store.GetByID(ctx, ride.ID)
	if check.Status != models.StatusInProgress {
		t.Fatalf("failed completion must not change status, got %s", check.Status)
	}
}

func TestCancelledRideRejectsFurtherMoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ride, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.CancelRide(ctx, ride.ID, "rider-1", models.RoleRider); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, next := range []models.RideStatus{models.StatusArrived, models.StatusInProgress, models.StatusCompleted, models.StatusCancelled} {
		if _, err := f.coord.UpdateStatus(ctx, ride.ID, "rider-1", models.RoleRider, next); !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Errorf("cancelled ride accepted move to %s: %v", next, err)
		}
	}
	// a very late accept sees the compare-and-swap fail
	if _, err := f.coord.AcceptRide(ctx, ride.ID, "d1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("late accept on cancelled ride should conflict, got %v", err)
	}
}

func TestRematchOffersNewArrivals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ride, err := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !hasEvent(f.reg.eventsFor("rider-1"), "no_drivers_nearby") {
		t.Fatal("expected the no-drivers outcome first")
	}

	if err := f.idx.Upsert(ctx, "late-driver", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := f.coord.Rematch(ctx, ride.ID); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if !hasEvent(f.reg.eventsFor("late-driver"), "ride_request") {
		t.Fatal("newly arrived driver should be offered the ride on rematch")
	}

	if _, err := f.coord.AcceptRide(ctx, ride.ID, "late-driver"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.Rematch(ctx, ride.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("rematch after accept should conflict, got %v", err)
	}
}

func TestSearchTimeoutAutoCancels(t *testing.T) {
	f := newFixture(t, WithSearchTimeout(20*time.Millisecond))
	ctx := context.Background()

	ride, err := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		check, err := f.store.GetByID(ctx, ride.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if check.Status == models.StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride not auto-cancelled, still %s", check.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSearchTimeoutLosesToAccept(t *testing.T) {
	f := newFixture(t, WithSearchTimeout(30*time.Millisecond))
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, "d1", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ride, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	check, _ := f.store.GetByID(ctx, ride.ID)
	if check.Status != models.StatusAccepted {
		t.Fatalf("timer must lose to a timely accept, got %s", check.Status)
	}
}

type fakePusher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePusher) Push(ctx context.Context, driverID, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, driverID+":"+event)
	return nil
}

func TestOfflineDriverGetsPushFallback(t *testing.T) {
	pusher := &fakePusher{}
	f := newFixture(t, WithPusher(pusher))
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, "sleepy", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.reg.mu.Lock()
	f.reg.offline["sleepy"] = true
	f.reg.mu.Unlock()

	if _, err := f.coord.RequestRide(ctx, testRequest("rider-1")); err != nil {
		t.Fatalf("request: %v", err)
	}
	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != 1 || pusher.calls[0] != "sleepy:ride_request" {
		t.Fatalf("expected one push to the offline driver, got %v", pusher.calls)
	}
	if hasEvent(f.reg.eventsFor("sleepy"), "ride_request") {
		t.Fatal("offline driver should not get a live delivery")
	}
}

type fakePayments struct {
	mu       sync.Mutex
	holds    []string
	captures []string
	releases []string
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("hold-%d", len(f.holds))
	f.holds = append(f.holds, id)
	return id, nil
}

func (f *fakePayments) Capture(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, holdID)
	return nil
}

func (f *fakePayments) Release(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, holdID)
	return nil
}

func TestFareHeldAtAcceptAndCapturedAtCompletion(t *testing.T) {
	pay := &fakePayments{}
	f := newFixture(t, WithPayments(pay))
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, "d1", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ride, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, next := range []models.RideStatus{models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := f.coord.UpdateStatus(ctx, ride.ID, "d1", models.RoleDriver, next); err != nil {
			t.Fatalf("move to %s: %v", next, err)
		}
	}

	pay.mu.Lock()
	defer pay.mu.Unlock()
	if len(pay.holds) != 1 || len(pay.captures) != 1 || pay.captures[0] != pay.holds[0] {
		t.Fatalf("expected hold then capture, got holds=%v captures=%v", pay.holds, pay.captures)
	}
	if len(pay.releases) != 0 {
		t.Fatalf("unexpected release: %v", pay.releases)
	}
}

func TestFareReleasedOnCancel(t *testing.T) {
	pay := &fakePayments{}
	f := newFixture(t, WithPayments(pay))
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, "d1", 6.451, 3.40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ride, _ := f.coord.RequestRide(ctx, testRequest("rider-1"))
	if _, err := f.coord.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.CancelRide(ctx, ride.ID, "rider-1", models.RoleRider); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pay.mu.Lock()
	defer pay.mu.Unlock()
	if len(pay.holds) != 1 || len(pay.releases) != 1 || pay.releases[0] != pay.holds[0] {
		t.Fatalf("expected hold then release, got holds=%v releases=%v", pay.holds, pay.releases)
	}
}
