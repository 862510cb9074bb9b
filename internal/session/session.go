// Package session runs one event loop per client connection: it decodes
// inbound events, checks their shape and the caller's identity, and hands
// them to presence, rooms and the ride coordinator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rooms"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknownEvent = errors.New("unknown event")
	ErrRateLimited  = errors.New("rate limited")
)

// Inbound event names. The user-/captain- forms are accepted for older
// clients.
const (
	EventActorJoin      = "actor-join"
	EventUserJoin       = "user-join"
	EventCaptainJoin    = "captain-join"
	EventLocation       = "location-update"
	EventUserLocation   = "user-location-update"
	EventDriverLocation = "captain-location-update"
	EventRideCreated    = "ride-created"
	EventRideAccepted   = "ride-accepted"
	EventRideStarted    = "ride-started"
	EventRideCompleted  = "ride-completed"
	EventDisconnect     = "disconnect"
)

// Outbound event names emitted by the session itself.
const (
	OutActorJoined    = "actor-joined"
	OutDriverLocation = "driver-location"
	OutActorLocation  = "actor-location"
	OutError          = "error"
)

type Presence interface {
	Bind(actor models.Actor, connID string) (superseded string)
	ActorOf(connID string) (models.Actor, bool)
	Unbind(connID string) (models.Actor, bool)
}

type Broadcaster interface {
	Attach(c rooms.Conn)
	Join(connID string, room rooms.Room) bool
	Leave(connID string, room rooms.Room)
	LeaveAll(connID string)
	IsMember(connID string, room rooms.Room) bool
	Publish(room rooms.Room, name string, data any) int
	Broadcast(exceptConnID, name string, data any) int
	SendTo(connID, name string, data any) bool
}

type Rides interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*models.Ride, error)
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	Announce(ctx context.Context, rideID string) (*models.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*models.Ride, error)
	Start(ctx context.Context, cmd ride.StartCommand) (*models.Ride, error)
	Complete(ctx context.Context, cmd ride.CompleteCommand) (*models.Ride, error)
}

// LocationIndex stores the latest driver positions for nearby lookups.
type LocationIndex interface {
	Upsert(ctx context.Context, loc models.ActorLocation) error
}

type LocationSink interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Deps struct {
	Presence  Presence
	Rooms     Broadcaster
	Rides     Rides
	Index     LocationIndex
	Locations LocationSink
}

type Handler struct {
	Deps
	logger *slog.Logger
	rate   rate.Limit
	burst  int
	now    func() time.Time
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithLocationRate caps location-update events per connection. A
// non-positive rate disables the limit.
func WithLocationRate(perSecond float64, burst int) Option {
	return func(h *Handler) {
		if perSecond <= 0 {
			h.rate = rate.Inf
			return
		}
		h.rate = rate.Limit(perSecond)
		if burst > 0 {
			h.burst = burst
		}
	}
}

func NewHandler(d Deps, opts ...Option) *Handler {
	h := &Handler{Deps: d, logger: slog.Default(), rate: rate.Inf, burst: 1, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "session")
	return h
}

// Session is the per-connection state. Handle is called from the
// connection's read loop only; Close may be called from anywhere. Once
// closed, a session drops every further event.
type Session struct {
	h        *Handler
	conn     rooms.Conn
	verified *models.Actor
	limiter  *rate.Limiter
	logger   *slog.Logger
	once     sync.Once
	closed   atomic.Bool
}

// Open attaches conn to the broadcaster. verified, when non-nil, is the
// identity proven by the transport; joins must then match it.
func (h *Handler) Open(conn rooms.Conn, verified *models.Actor) *Session {
	h.Rooms.Attach(conn)
	observability.ConnectionsActive.Inc()
	s := &Session{
		h:        h,
		conn:     conn,
		verified: verified,
		limiter:  rate.NewLimiter(h.rate, h.burst),
		logger:   h.logger.With("conn_id", conn.ID()),
	}
	s.logger.Debug("connection opened")
	return s
}

// Close releases the presence binding and every room membership. It is
// safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		actor, bound := s.h.Presence.Unbind(s.conn.ID())
		s.h.Rooms.LeaveAll(s.conn.ID())
		observability.ConnectionsActive.Dec()
		if bound {
			s.logger.Info("connection closed", "actor_id", actor.ID, "role", actor.Role)
			return
		}
		s.logger.Debug("connection closed")
	})
}

// Closed reports whether Close has run. The transport stops reading once
// it is true.
func (s *Session) Closed() bool { return s.closed.Load() }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is sent to the originating connection when an event is
// rejected.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handle processes one inbound frame. Errors never escape: they are logged
// and reported to this connection only.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	if s.closed.Load() {
		s.logger.Debug("event after close dropped")
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		s.reject("", fmt.Errorf("%w: malformed envelope", ride.ErrValidation))
		return
	}
	observability.EventsReceived.WithLabelValues(env.Event).Inc()
	if err := s.dispatch(ctx, env); err != nil {
		s.reject(env.Event, err)
	}
}

func (s *Session) dispatch(ctx context.Context, env envelope) error {
	switch env.Event {
	case EventActorJoin:
		return s.handleJoin(env.Data, "")
	case EventUserJoin:
		return s.handleJoin(env.Data, models.RoleRider)
	case EventCaptainJoin:
		return s.handleJoin(env.Data, models.RoleDriver)
	case EventLocation, EventUserLocation, EventDriverLocation:
		return s.handleLocation(ctx, env.Data)
	case EventRideCreated:
		return s.handleRideCreated(ctx, env.Data)
	case EventRideAccepted:
		return s.handleRideAccepted(ctx, env.Data)
	case EventRideStarted:
		return s.handleRideStarted(ctx, env.Data)
	case EventRideCompleted:
		return s.handleRideCompleted(ctx, env.Data)
	case EventDisconnect:
		s.Close()
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

type joinPayload struct {
	ActorID string      `json:"actorId"`
	Role    models.Role `json:"role"`
}

// handleJoin binds the connection to an actor. Legacy clients send the bare
// ID string as data; the role then comes from the event name.
func (s *Session) handleJoin(data json.RawMessage, impliedRole models.Role) error {
	var p joinPayload
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		p.ActorID = bare
	} else if err := decode(data, &p); err != nil {
		return err
	}
	if impliedRole != "" {
		p.Role = impliedRole
	}
	p.ActorID = strings.TrimSpace(p.ActorID)
	if p.ActorID == "" || !p.Role.Valid() {
		return fmt.Errorf("%w: actorId and role (rider or driver) are required", ride.ErrValidation)
	}
	actor := models.Actor{ID: p.ActorID, Role: p.Role}
	if s.verified != nil && *s.verified != actor {
		return fmt.Errorf("%w: join does not match token", ErrUnauthorized)
	}
	if cur, ok := s.h.Presence.ActorOf(s.conn.ID()); ok && cur != actor {
		return fmt.Errorf("%w: connection already joined as %s", ErrUnauthorized, cur.ID)
	}

	if prev := s.h.Presence.Bind(actor, s.conn.ID()); prev != "" {
		s.h.Rooms.Leave(prev, rooms.ActorRoom(actor.ID))
		s.h.Rooms.Leave(prev, rooms.DriverGroup)
		s.logger.Info("actor taken over from another connection", "actor_id", actor.ID, "prev_conn_id", prev)
	}
	s.h.Rooms.Join(s.conn.ID(), rooms.ActorRoom(actor.ID))
	if actor.Role == models.RoleDriver {
		s.h.Rooms.Join(s.conn.ID(), rooms.DriverGroup)
	}
	s.logger.Info("actor joined", "actor_id", actor.ID, "role", actor.Role)
	s.h.Rooms.Publish(rooms.ActorRoom(actor.ID), OutActorJoined, actor)
	return nil
}

type coordPayload struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type locationPayload struct {
	ActorID   string        `json:"actorId"`
	UserID    string        `json:"userId"`
	CaptainID string        `json:"captainId"`
	Location  *coordPayload `json:"location"`
	RideID    *string       `json:"rideId"`
}

func (s *Session) handleLocation(ctx context.Context, data json.RawMessage) error {
	var p locationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Location == nil || p.Location.Lat == nil || p.Location.Lng == nil {
		return fmt.Errorf("%w: location.lat and location.lng are required", ride.ErrValidation)
	}
	loc := models.Coord{Lat: *p.Location.Lat, Lng: *p.Location.Lng}
	if !loc.Valid() {
		return fmt.Errorf("%w: location out of range", ride.ErrValidation)
	}
	claimed := firstNonEmpty(p.ActorID, p.UserID, p.CaptainID)
	actor, err := s.actorFor(claimed)
	if err != nil {
		return err
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}

	u := models.LocationUpdate{ActorID: actor.ID, Role: actor.Role, Location: loc, Timestamp: s.h.now().UTC()}
	if p.RideID != nil {
		u.RideID = strings.TrimSpace(*p.RideID)
	}
	if u.RideID != "" && !s.h.Rooms.IsMember(s.conn.ID(), rooms.RideRoom(u.RideID)) {
		return fmt.Errorf("%w: not a participant of ride %s", ErrUnauthorized, u.RideID)
	}
	name := OutActorLocation
	if actor.Role == models.RoleDriver {
		name = OutDriverLocation
	}
	if u.RideID != "" {
		s.h.Rooms.Publish(rooms.RideRoom(u.RideID), name, u)
	} else {
		s.h.Rooms.Broadcast(s.conn.ID(), name, u)
	}

	if actor.Role != models.RoleDriver {
		return nil
	}
	if s.h.Index != nil {
		if err := s.h.Index.Upsert(ctx, models.ActorLocation{ActorID: actor.ID, Role: actor.Role, Location: loc, Updated: u.Timestamp}); err != nil {
			s.logger.Warn("location index update failed", "actor_id", actor.ID, "error", err)
		}
	}
	if s.h.Locations != nil {
		if err := s.h.Locations.PublishLocation(ctx, u); err != nil {
			s.logger.Warn("location not forwarded", "actor_id", actor.ID, "error", err)
		}
	}
	return nil
}

type rideCreatedPayload struct {
	RideID      string             `json:"rideId"`
	RiderID     string             `json:"riderId"`
	Pickup      string             `json:"pickup"`
	Destination string             `json:"destination"`
	VehicleType models.VehicleType `json:"vehicleType"`
}

// handleRideCreated creates a ride from pickup/destination/vehicleType, or
// re-announces an existing pending ride when rideId is given.
func (s *Session) handleRideCreated(ctx context.Context, data json.RawMessage) error {
	var p rideCreatedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	actor, err := s.actorFor(p.RiderID)
	if err != nil {
		return err
	}
	if actor.Role == models.RoleDriver {
		return fmt.Errorf("%w: drivers cannot request rides", ErrUnauthorized)
	}

	if p.RideID != "" {
		r, err := s.h.Rides.Get(ctx, p.RideID)
		if err != nil {
			return err
		}
		if r.RiderID != actor.ID {
			return fmt.Errorf("%w: ride belongs to another rider", ErrUnauthorized)
		}
		_, err = s.h.Rides.Announce(ctx, p.RideID)
		return err
	}

	r, err := s.h.Rides.Create(ctx, ride.CreateCommand{
		RiderID:     actor.ID,
		Pickup:      p.Pickup,
		Destination: p.Destination,
		VehicleType: p.VehicleType,
	})
	if err != nil {
		return err
	}
	s.h.Rooms.SendTo(s.conn.ID(), ride.EventRideConfirmed, r)
	return nil
}

type rideAcceptedPayload struct {
	RideID        string          `json:"rideId"`
	DriverID      string          `json:"driverId"`
	RiderID       string          `json:"riderId"`
	DriverDetails json.RawMessage `json:"driverDetails"`
}

func (s *Session) handleRideAccepted(ctx context.Context, data json.RawMessage) error {
	var p rideAcceptedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId is required", ride.ErrValidation)
	}
	actor, err := s.driverFor(p.DriverID)
	if err != nil {
		return err
	}
	_, err = s.h.Rides.Accept(ctx, ride.AcceptCommand{RideID: p.RideID, DriverID: actor.ID, DriverDetails: p.DriverDetails})
	return err
}

type rideStartedPayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	OTP      string `json:"otp"`
}

func (s *Session) handleRideStarted(ctx context.Context, data json.RawMessage) error {
	var p rideStartedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RideID == "" || p.OTP == "" {
		return fmt.Errorf("%w: rideId and otp are required", ride.ErrValidation)
	}
	actor, err := s.driverFor(p.DriverID)
	if err != nil {
		return err
	}
	_, err = s.h.Rides.Start(ctx, ride.StartCommand{RideID: p.RideID, DriverID: actor.ID, OTP: p.OTP})
	return err
}

type rideCompletedPayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

func (s *Session) handleRideCompleted(ctx context.Context, data json.RawMessage) error {
	var p rideCompletedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId is required", ride.ErrValidation)
	}
	actor, err := s.driverFor(p.DriverID)
	if err != nil {
		return err
	}
	_, err = s.h.Rides.Complete(ctx, ride.CompleteCommand{RideID: p.RideID, DriverID: actor.ID})
	return err
}

// actorFor resolves the identity an event acts as. A bound connection may
// only act as its bound actor; an unbound one as the transport-verified
// actor, or failing that as whatever the payload claims.
func (s *Session) actorFor(claimed string) (models.Actor, error) {
	claimed = strings.TrimSpace(claimed)
	if bound, ok := s.h.Presence.ActorOf(s.conn.ID()); ok {
		if claimed != "" && claimed != bound.ID {
			return models.Actor{}, fmt.Errorf("%w: connection is bound to %s", ErrUnauthorized, bound.ID)
		}
		return bound, nil
	}
	if s.verified != nil {
		if claimed != "" && claimed != s.verified.ID {
			return models.Actor{}, fmt.Errorf("%w: payload does not match token", ErrUnauthorized)
		}
		return *s.verified, nil
	}
	if claimed == "" {
		return models.Actor{}, fmt.Errorf("%w: actor id is required before join", ride.ErrValidation)
	}
	return models.Actor{ID: claimed}, nil
}

func (s *Session) driverFor(claimed string) (models.Actor, error) {
	a, err := s.actorFor(claimed)
	if err != nil {
		return a, err
	}
	if a.Role == models.RoleRider {
		return models.Actor{}, fmt.Errorf("%w: riders cannot drive rides", ErrUnauthorized)
	}
	a.Role = models.RoleDriver
	return a, nil
}

func (s *Session) reject(event string, err error) {
	code := Code(err)
	observability.EventsRejected.WithLabelValues(event, code).Inc()
	if code == "internal" {
		s.logger.Error("event failed", "event", event, "error", err)
	} else {
		s.logger.Warn("event rejected", "event", event, "code", code, "error", err)
	}
	s.h.Rooms.SendTo(s.conn.ID(), OutError, ErrorPayload{Event: event, Code: code, Message: err.Error()})
}

// Code maps an error to the stable code clients see.
func Code(err error) string {
	switch {
	case errors.Is(err, ride.ErrValidation), errors.Is(err, ErrUnknownEvent):
		return "validation"
	case errors.Is(err, ride.ErrRideNotFound):
		return "ride_not_found"
	case errors.Is(err, ride.ErrInvalidOTP):
		return "invalid_otp"
	case errors.Is(err, ride.ErrConflictingAccept):
		return "conflicting_accept"
	case errors.Is(err, ride.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ride.ErrWrongDriver), errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: data is required", ride.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ride.ErrValidation, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
