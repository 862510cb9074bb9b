// Package rooms scopes outbound events to named sets of connections: one
// actor, the online drivers, or the participants of a ride.
package rooms

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// Room is a broadcast scope name.
type Room string

// DriverGroup holds every connection joined as a driver; new rides are
// offered here.
const DriverGroup Room = "role-group:driver"

// ActorRoom holds the single connection currently representing actorID.
func ActorRoom(actorID string) Room { return Room("actor:" + actorID) }

// RideRoom holds the rider and the assigned driver of a ride.
func RideRoom(rideID string) Room { return Room("ride:" + rideID) }

// IsRide reports whether r is a per-ride room.
func (r Room) IsRide() bool { return strings.HasPrefix(string(r), "ride:") }

// Event is the outbound envelope written to clients.
type Event struct {
	Name      string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data, Timestamp: time.Now().UTC()}
}

// Conn is a transport endpoint. Send must not block; an error means the
// event was not queued (closed or saturated transport).
type Conn interface {
	ID() string
	Send(Event) error
}

// Resolver locates the connection for an actor.
type Resolver interface {
	Resolve(actorID string) (string, bool)
}

// Broadcaster owns room membership. Join, Leave, LeaveAll and CloseRoom are
// the only mutations; Publish fans out from a snapshot taken under the lock
// so slow transports never hold it.
type Broadcaster struct {
	mu          sync.RWMutex
	conns       map[string]Conn
	members     map[Room]map[string]struct{}
	memberships map[string]map[Room]struct{}

	presence Resolver
	logger   *slog.Logger
}

func NewBroadcaster(presence Resolver, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		conns:       make(map[string]Conn),
		members:     make(map[Room]map[string]struct{}),
		memberships: make(map[string]map[Room]struct{}),
		presence:    presence,
		logger:      logger.With("component", "rooms"),
	}
}

// Attach makes c addressable by ID. Attached connections receive loose
// broadcasts even before they join any room.
func (b *Broadcaster) Attach(c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
}

// Join adds connID to room. It reports false if the connection is unknown.
func (b *Broadcaster) Join(connID string, room Room) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[connID]; !ok {
		return false
	}
	set, ok := b.members[room]
	if !ok {
		set = make(map[string]struct{})
		b.members[room] = set
	}
	set[connID] = struct{}{}
	rs, ok := b.memberships[connID]
	if !ok {
		rs = make(map[Room]struct{})
		b.memberships[connID] = rs
	}
	rs[room] = struct{}{}
	if room == DriverGroup {
		observability.DriversOnline.Set(float64(len(set)))
	}
	return true
}

func (b *Broadcaster) Leave(connID string, room Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(connID, room)
}

// LeaveAll removes connID from every room and detaches it.
func (b *Broadcaster) LeaveAll(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.memberships[connID] {
		b.leaveLocked(connID, room)
	}
	delete(b.memberships, connID)
	delete(b.conns, connID)
}

// CloseRoom removes every member of room.
func (b *Broadcaster) CloseRoom(room Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for connID := range b.members[room] {
		b.leaveLocked(connID, room)
	}
}

// MoveIntoRoom joins the actor's current connection to room. It is a no-op
// returning false when the actor is not connected.
func (b *Broadcaster) MoveIntoRoom(actorID string, room Room) bool {
	connID, ok := b.presence.Resolve(actorID)
	if !ok {
		b.logger.Debug("actor offline, not moved", "actor_id", actorID, "room", room)
		return false
	}
	return b.Join(connID, room)
}

// Publish delivers an event to every current member of room and returns the
// number of connections it was queued on. An empty or unknown room is a
// no-op.
func (b *Broadcaster) Publish(room Room, name string, data any) int {
	b.mu.RLock()
	set := b.members[room]
	targets := make([]Conn, 0, len(set))
	for connID := range set {
		if c, ok := b.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()
	return b.deliver(targets, NewEvent(name, data))
}

// Broadcast delivers to every attached connection except exceptConnID,
// regardless of rooms.
func (b *Broadcaster) Broadcast(exceptConnID, name string, data any) int {
	b.mu.RLock()
	targets := make([]Conn, 0, len(b.conns))
	for id, c := range b.conns {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()
	return b.deliver(targets, NewEvent(name, data))
}

// SendTo delivers to a single connection.
func (b *Broadcaster) SendTo(connID, name string, data any) bool {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return b.deliver([]Conn{c}, NewEvent(name, data)) == 1
}

// Members returns the connection IDs currently in room.
func (b *Broadcaster) Members(room Room) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.members[room]))
	for id := range b.members[room] {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether connID is currently in room.
func (b *Broadcaster) IsMember(connID string, room Room) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.members[room][connID]
	return ok
}

// RoomsOf returns the rooms connID belongs to.
func (b *Broadcaster) RoomsOf(connID string) []Room {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Room, 0, len(b.memberships[connID]))
	for r := range b.memberships[connID] {
		out = append(out, r)
	}
	return out
}

func (b *Broadcaster) deliver(targets []Conn, ev Event) int {
	sent := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			observability.DeliveriesDropped.Inc()
			b.logger.Debug("delivery dropped", "conn_id", c.ID(), "event", ev.Name, "error", err)
			continue
		}
		sent++
	}
	observability.EventsPublished.WithLabelValues(ev.Name).Inc()
	return sent
}

func (b *Broadcaster) leaveLocked(connID string, room Room) {
	if set, ok := b.members[room]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(b.members, room)
		}
		if room == DriverGroup {
			observability.DriversOnline.Set(float64(len(set)))
		}
	}
	if rs, ok := b.memberships[connID]; ok {
		delete(rs, room)
	}
}
