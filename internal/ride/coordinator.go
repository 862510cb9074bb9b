// Package ride implements the ride lifecycle: pending, accepted, ongoing,
// completed. Each transition is a conditional store update followed by a
// broadcast to the ride's participants.
package ride

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/estimator"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rooms"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrRideNotFound      = errors.New("ride not found")
	ErrInvalidOTP        = errors.New("invalid otp")
	ErrConflictingAccept = errors.New("ride already accepted")
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrWrongDriver       = errors.New("ride assigned to another driver")
)

// Outbound event names.
const (
	EventNewRide       = "new-ride"
	EventRideConfirmed = "ride-confirmed"
	EventRideAccepted  = "ride-accepted"
	EventRideStarted   = "ride-started"
	EventRideCompleted = "ride-completed"
)

const otpDigits = 6

// Broadcaster is the subset of rooms.Broadcaster the coordinator drives.
type Broadcaster interface {
	Publish(room rooms.Room, name string, data any) int
	MoveIntoRoom(actorID string, room rooms.Room) bool
	CloseRoom(room rooms.Room)
}

type Quoter interface {
	Quote(ctx context.Context, origin, destination string) estimator.Quote
}

// EventSink receives a copy of every transition, e.g. a Kafka topic.
type EventSink interface {
	PublishRideEvent(ctx context.Context, eventType string, r models.Ride) error
}

type CreateCommand struct {
	RiderID     string
	Pickup      string
	Destination string
	VehicleType models.VehicleType
}

type AcceptCommand struct {
	RideID        string
	DriverID      string
	DriverDetails json.RawMessage
}

type StartCommand struct {
	RideID   string
	DriverID string
	OTP      string
}

type CompleteCommand struct {
	RideID   string
	DriverID string
}

// AcceptedPayload is published to the ride room on acceptance.
type AcceptedPayload struct {
	RideID        string          `json:"rideId"`
	RiderID       string          `json:"riderId"`
	DriverID      string          `json:"driverId"`
	DriverDetails json.RawMessage `json:"driverDetails,omitempty"`
	Ride          models.Ride     `json:"ride"`
}

type Coordinator struct {
	store  storage.TripStore
	rooms  Broadcaster
	quoter Quoter
	events EventSink
	logger *slog.Logger

	now   func() time.Time
	newID func() string
	otp   func() (string, error)
}

type Option func(*Coordinator)

func WithEventSink(s EventSink) Option { return func(c *Coordinator) { c.events = s } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOTPGenerator replaces the random code source.
func WithOTPGenerator(f func() (string, error)) Option { return func(c *Coordinator) { c.otp = f } }

func NewCoordinator(store storage.TripStore, b Broadcaster, q Quoter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		rooms:  b,
		quoter: q,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		otp:    GenerateOTP,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "ride")
	return c
}

// Create prices and persists a pending ride, moves the rider into the ride
// room and offers the ride to every online driver. The returned ride
// carries the OTP; nothing published by Create does.
func (c *Coordinator) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	cmd.Pickup = strings.TrimSpace(cmd.Pickup)
	cmd.Destination = strings.TrimSpace(cmd.Destination)
	switch {
	case strings.TrimSpace(cmd.RiderID) == "":
		return nil, fmt.Errorf("%w: riderId is required", ErrValidation)
	case cmd.Pickup == "":
		return nil, fmt.Errorf("%w: pickup is required", ErrValidation)
	case cmd.Destination == "":
		return nil, fmt.Errorf("%w: destination is required", ErrValidation)
	case !cmd.VehicleType.Valid():
		return nil, fmt.Errorf("%w: vehicleType must be auto, car or moto", ErrValidation)
	}

	q := c.quoter.Quote(ctx, cmd.Pickup, cmd.Destination)
	otp, err := c.otp()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	now := c.now().UTC()
	r := &models.Ride{
		ID:              c.newID(),
		RiderID:         cmd.RiderID,
		Pickup:          cmd.Pickup,
		Destination:     cmd.Destination,
		VehicleType:     cmd.VehicleType,
		Fare:            q.Fares.For(cmd.VehicleType),
		DistanceMeters:  q.Estimate.DistanceMeters,
		DurationSeconds: q.Estimate.DurationSeconds,
		OTP:             otp,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("persist ride: %w", err)
	}
	c.transitioned(ctx, EventNewRide, r)
	c.offer(r)
	return r, nil
}

// Announce re-offers an existing pending ride to the driver group and makes
// sure the rider's current connection is in the ride room.
func (c *Coordinator) Announce(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := c.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, r.Status)
	}
	c.offer(r)
	return r, nil
}

// Accept assigns the ride to the first driver whose conditional update
// lands. Later attempts observe ErrConflictingAccept.
func (c *Coordinator) Accept(ctx context.Context, cmd AcceptCommand) (*models.Ride, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: rideId and driverId are required", ErrValidation)
	}
	r, err := c.store.UpdateStatus(ctx, cmd.RideID, models.StatusPending, models.StatusAccepted,
		storage.Patch{DriverID: cmd.DriverID, DriverDetails: cmd.DriverDetails})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return nil, ErrConflictingAccept
		}
		return nil, translate(err)
	}
	c.transitioned(ctx, EventRideAccepted, r)

	room := rooms.RideRoom(r.ID)
	c.rooms.MoveIntoRoom(r.DriverID, room)
	c.rooms.MoveIntoRoom(r.RiderID, room)
	c.rooms.Publish(room, EventRideAccepted, AcceptedPayload{
		RideID:        r.ID,
		RiderID:       r.RiderID,
		DriverID:      r.DriverID,
		DriverDetails: r.DriverDetails,
		Ride:          r.Public(),
	})
	return r, nil
}

// Start moves an accepted ride to ongoing once the driver presents the
// rider's OTP. A wrong code leaves the ride untouched.
func (c *Coordinator) Start(ctx context.Context, cmd StartCommand) (*models.Ride, error) {
	if cmd.RideID == "" || cmd.OTP == "" {
		return nil, fmt.Errorf("%w: rideId and otp are required", ErrValidation)
	}
	cur, err := c.expect(ctx, cmd.RideID, cmd.DriverID, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(cur.OTP), []byte(cmd.OTP)) != 1 {
		return nil, ErrInvalidOTP
	}
	r, err := c.advance(ctx, cur, models.StatusOngoing)
	if err != nil {
		return nil, err
	}
	c.rooms.Publish(rooms.RideRoom(r.ID), EventRideStarted, r.Public())
	return r, nil
}

// Complete finishes an ongoing ride and tears its room down after the final
// broadcast.
func (c *Coordinator) Complete(ctx context.Context, cmd CompleteCommand) (*models.Ride, error) {
	if cmd.RideID == "" {
		return nil, fmt.Errorf("%w: rideId is required", ErrValidation)
	}
	cur, err := c.expect(ctx, cmd.RideID, cmd.DriverID, models.StatusOngoing)
	if err != nil {
		return nil, err
	}
	r, err := c.advance(ctx, cur, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	room := rooms.RideRoom(r.ID)
	c.rooms.Publish(room, EventRideCompleted, r.Public())
	c.rooms.CloseRoom(room)
	return r, nil
}

func (c *Coordinator) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, fmt.Errorf("%w: rideId is required", ErrValidation)
	}
	r, err := c.store.FindByID(ctx, rideID)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

func (c *Coordinator) offer(r *models.Ride) {
	c.rooms.MoveIntoRoom(r.RiderID, rooms.RideRoom(r.ID))
	n := c.rooms.Publish(rooms.DriverGroup, EventNewRide, r.Public())
	c.logger.Info("ride offered", "ride_id", r.ID, "vehicle_type", r.VehicleType, "drivers", n)
}

func (c *Coordinator) expect(ctx context.Context, rideID, driverID string, want models.Status) (*models.Ride, error) {
	r, err := c.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != want {
		return nil, fmt.Errorf("%w: ride is %s, want %s", ErrInvalidTransition, r.Status, want)
	}
	if driverID != "" && driverID != r.DriverID {
		return nil, ErrWrongDriver
	}
	return r, nil
}

func (c *Coordinator) advance(ctx context.Context, cur *models.Ride, to models.Status) (*models.Ride, error) {
	if next, ok := cur.Status.Next(); !ok || next != to {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.Status, to)
	}
	r, err := c.store.UpdateStatus(ctx, cur.ID, cur.Status, to, storage.Patch{})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: ride moved concurrently", ErrInvalidTransition)
		}
		return nil, translate(err)
	}
	name := EventRideStarted
	if to == models.StatusCompleted {
		name = EventRideCompleted
	}
	c.transitioned(ctx, name, r)
	return r, nil
}

func (c *Coordinator) transitioned(ctx context.Context, name string, r *models.Ride) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	c.logger.Info("ride transition", "ride_id", r.ID, "status", r.Status, "driver_id", r.DriverID)
	if c.events == nil {
		return
	}
	if err := c.events.PublishRideEvent(ctx, name, *r); err != nil {
		c.logger.Warn("ride event not forwarded", "ride_id", r.ID, "error", err)
	}
}

func translate(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRideNotFound
	}
	return err
}

// GenerateOTP returns a uniformly random six-digit code without a leading
// zero.
func GenerateOTP() (string, error) {
	lo := int64(1)
	for i := 1; i < otpDigits; i++ {
		lo *= 10
	}
	n, err := rand.Int(rand.Reader, big.NewInt(9*lo))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+lo), nil
}
