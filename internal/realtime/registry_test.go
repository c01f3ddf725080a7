package realtime

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/edriveapp/dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errWrite
	}
	f.events = append(f.events, v.(Event))
	return nil
}

func (f *fakeConn) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

var errWrite = &writeError{}

type writeError struct{}

func (*writeError) Error() string { return "write failed" }

func newTestRegistry() *Registry {
	return NewRegistry(slog.Default())
}

func TestDeliverOnlyReachesRoomMembers(t *testing.T) {
	r := newTestRegistry()
	inRoom, outOfRoom := &fakeConn{}, &fakeConn{}
	r.Register("s1", "u1", models.RoleRider, inRoom)
	r.Register("s2", "u2", models.RoleDriver, outOfRoom)

	if err := r.JoinRoom("s1", RideRoom("ride-1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Deliver(RideRoom("ride-1"), "ride_status_changed", "payload")

	if got := inRoom.received(); len(got) != 1 || got[0].Type != "ride_status_changed" {
		t.Fatalf("member did not receive event: %v", got)
	}
	if got := outOfRoom.received(); len(got) != 0 {
		t.Fatalf("non-member received event: %v", got)
	}
}

func TestJoinRoomUnknownSession(t *testing.T) {
	r := newTestRegistry()
	if err := r.JoinRoom("missing", DriverPool); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestDeliverToUserHitsAllSessions(t *testing.T) {
	r := newTestRegistry()
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Register("s1", "u1", models.RoleRider, c1)
	r.Register("s2", "u1", models.RoleRider, c2)

	r.DeliverToUser("u1", "driver_accepted", nil)
	if len(c1.received()) != 1 || len(c2.received()) != 1 {
		t.Fatalf("expected both sessions to receive the event")
	}
}

func TestUnregisterRemovesFromAllRooms(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	r.Register("s1", "u1", models.RoleDriver, c)
	if err := r.JoinRoom("s1", DriverPool); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Unregister("s1")

	r.Deliver(DriverPool, "ride_request", nil)
	r.DeliverToUser("u1", "ride_request", nil)
	if len(c.received()) != 0 {
		t.Fatalf("unregistered session received events: %v", c.received())
	}
	if r.UserOnline("u1") {
		t.Fatal("user should be offline after unregister")
	}
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	r.Register("s1", "u1", models.RoleDriver, c)
	_ = r.JoinRoom("s1", RideRoom("ride-1"))
	r.LeaveRoom("s1", RideRoom("ride-1"))
	r.Deliver(RideRoom("ride-1"), "receive_message", nil)
	if len(c.received()) != 0 {
		t.Fatalf("left session received events: %v", c.received())
	}
}

func TestFailedWriteDoesNotStopFanout(t *testing.T) {
	r := newTestRegistry()
	bad, good := &fakeConn{fail: true}, &fakeConn{}
	r.Register("s1", "u1", models.RoleDriver, bad)
	r.Register("s2", "u2", models.RoleDriver, good)
	_ = r.JoinRoom("s1", DriverPool)
	_ = r.JoinRoom("s2", DriverPool)

	r.Deliver(DriverPool, "ride_request", nil)
	if len(good.received()) != 1 {
		t.Fatal("healthy session should still receive the event")
	}
}

func TestDeliverToSession(t *testing.T) {
	r := newTestRegistry()
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Register("s1", "u1", models.RoleRider, c1)
	r.Register("s2", "u1", models.RoleRider, c2)

	r.DeliverToSession("s1", "chat_history", nil)
	if len(c1.received()) != 1 || len(c2.received()) != 0 {
		t.Fatal("expected only the targeted session to receive the event")
	}
}
