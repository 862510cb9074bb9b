package rooms

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("buffer full")
	}
	c.got = append(c.got, ev)
	return nil
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, ev := range c.got {
		out[i] = ev.Name
	}
	return out
}

type staticResolver map[string]string

func (s staticResolver) Resolve(actorID string) (string, bool) {
	c, ok := s[actorID]
	return c, ok
}

func newTestBroadcaster(conns ...*fakeConn) *Broadcaster {
	b := NewBroadcaster(staticResolver{}, nil)
	for _, c := range conns {
		b.Attach(c)
	}
	return b
}

func TestPublishReachesOnlyMembers(t *testing.T) {
	d1, d2, u1 := &fakeConn{id: "d1"}, &fakeConn{id: "d2"}, &fakeConn{id: "u1"}
	b := newTestBroadcaster(d1, d2, u1)
	b.Join("d1", DriverGroup)
	b.Join("d2", DriverGroup)

	if n := b.Publish(DriverGroup, "new-ride", map[string]string{"id": "r1"}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(u1.names()) != 0 {
		t.Fatalf("rider outside the group received %v", u1.names())
	}
}

func TestPublishEmptyRoomIsNoop(t *testing.T) {
	b := newTestBroadcaster()
	if n := b.Publish(DriverGroup, "new-ride", nil); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	c := &fakeConn{id: "c"}
	b := newTestBroadcaster(c)
	b.Join("c", RideRoom("r1"))
	b.Join("c", RideRoom("r1"))
	b.Publish(RideRoom("r1"), "ride-started", nil)
	if got := c.names(); len(got) != 1 {
		t.Fatalf("expected a single delivery, got %v", got)
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	b := newTestBroadcaster()
	if b.Join("ghost", DriverGroup) {
		t.Fatalf("join of unattached connection should fail")
	}
	if len(b.Members(DriverGroup)) != 0 {
		t.Fatalf("ghost should not be a member")
	}
}

func TestLeaveAllThenPublishNeverDelivers(t *testing.T) {
	c := &fakeConn{id: "c"}
	b := newTestBroadcaster(c)
	b.Join("c", DriverGroup)
	b.Join("c", RideRoom("r1"))
	b.LeaveAll("c")

	b.Publish(DriverGroup, "new-ride", nil)
	b.Publish(RideRoom("r1"), "ride-started", nil)
	b.Broadcast("", "driver-location", nil)
	if got := c.names(); len(got) != 0 {
		t.Fatalf("detached connection received %v", got)
	}
	if len(b.RoomsOf("c")) != 0 {
		t.Fatalf("memberships not cleared")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	a, bc := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	b := newTestBroadcaster(a, bc)
	b.Broadcast("a", "driver-location", nil)
	if len(a.names()) != 0 || len(bc.names()) != 1 {
		t.Fatalf("unexpected deliveries a=%v b=%v", a.names(), bc.names())
	}
}

func TestMoveIntoRoom(t *testing.T) {
	d := &fakeConn{id: "conn-d"}
	b := NewBroadcaster(staticResolver{"driver-1": "conn-d"}, nil)
	b.Attach(d)

	if !b.MoveIntoRoom("driver-1", RideRoom("r1")) {
		t.Fatalf("expected driver to be moved")
	}
	if b.MoveIntoRoom("offline", RideRoom("r1")) {
		t.Fatalf("offline actor must not be moved")
	}
	if got := b.Members(RideRoom("r1")); len(got) != 1 || got[0] != "conn-d" {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestIsMember(t *testing.T) {
	c := &fakeConn{id: "c"}
	b := newTestBroadcaster(c)
	b.Join("c", RideRoom("r1"))
	if !b.IsMember("c", RideRoom("r1")) {
		t.Fatalf("expected c in ride room")
	}
	if b.IsMember("c", RideRoom("r2")) || b.IsMember("ghost", RideRoom("r1")) {
		t.Fatalf("unexpected membership")
	}
	b.Leave("c", RideRoom("r1"))
	if b.IsMember("c", RideRoom("r1")) {
		t.Fatalf("membership survived leave")
	}
}

func TestCloseRoom(t *testing.T) {
	a, c := &fakeConn{id: "a"}, &fakeConn{id: "c"}
	b := newTestBroadcaster(a, c)
	b.Join("a", RideRoom("r1"))
	b.Join("c", RideRoom("r1"))
	b.Join("a", DriverGroup)
	b.CloseRoom(RideRoom("r1"))

	if n := b.Publish(RideRoom("r1"), "ride-completed", nil); n != 0 {
		t.Fatalf("closed room still delivered to %d", n)
	}
	if rs := b.RoomsOf("a"); len(rs) != 1 || rs[0] != DriverGroup {
		t.Fatalf("other memberships must survive, got %v", rs)
	}
}

func TestFailedSendDoesNotStopFanOut(t *testing.T) {
	bad, good := &fakeConn{id: "bad", fail: true}, &fakeConn{id: "good"}
	b := newTestBroadcaster(bad, good)
	b.Join("bad", DriverGroup)
	b.Join("good", DriverGroup)
	if n := b.Publish(DriverGroup, "new-ride", nil); n != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", n)
	}
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	c := &fakeConn{id: "c"}
	b := newTestBroadcaster(c)
	b.Join("c", RideRoom("r1"))
	b.Publish(RideRoom("r1"), "ride-accepted", nil)
	b.Publish(RideRoom("r1"), "ride-started", nil)
	b.Publish(RideRoom("r1"), "ride-completed", nil)

	got := c.names()
	want := []string{"ride-accepted", "ride-started", "ride-completed"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestConcurrentJoinLeavePublish(t *testing.T) {
	b := newTestBroadcaster()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := &fakeConn{id: string(rune('a' + i))}
		b.Attach(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Join(c.id, DriverGroup)
				b.Publish(DriverGroup, "new-ride", nil)
				b.Leave(c.id, DriverGroup)
			}
		}()
	}
	wg.Wait()
	if m := b.Members(DriverGroup); len(m) != 0 {
		sort.Strings(m)
		t.Fatalf("expected empty group, got %v", m)
	}
}

func TestRoomNames(t *testing.T) {
	if ActorRoom("u1") != "actor:u1" || RideRoom("r9") != "ride:r9" {
		t.Fatalf("unexpected room names")
	}
	if !RideRoom("x").IsRide() || DriverGroup.IsRide() {
		t.Fatalf("IsRide misclassified")
	}
}
