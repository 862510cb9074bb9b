package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// Actor is a rider or driver identity issued outside this service.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c lies inside the WGS84 coordinate range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type VehicleType string

const (
	VehicleAuto VehicleType = "auto"
	VehicleCar  VehicleType = "car"
	VehicleMoto VehicleType = "moto"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleAuto, VehicleCar, VehicleMoto:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Next returns the only status reachable from s.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusAccepted, true
	case StatusAccepted:
		return StatusOngoing, true
	case StatusOngoing:
		return StatusCompleted, true
	}
	return "", false
}

// Fares holds one rounded fare per vehicle type.
type Fares struct {
	Auto int64 `json:"auto"`
	Car  int64 `json:"car"`
	Moto int64 `json:"moto"`
}

func (f Fares) For(v VehicleType) int64 {
	switch v {
	case VehicleAuto:
		return f.Auto
	case VehicleCar:
		return f.Car
	case VehicleMoto:
		return f.Moto
	}
	return 0
}

// Estimate is a trip distance/duration pair. Fallback is set when the values
// are the fixed defaults rather than a computation.
type Estimate struct {
	DistanceMeters  int64  `json:"distanceMeters"`
	DurationSeconds int64  `json:"durationSeconds"`
	DistanceText    string `json:"distanceText"`
	DurationText    string `json:"durationText"`
	Fallback        bool   `json:"fallback,omitempty"`
}

type Ride struct {
	ID              string          `json:"id"`
	RiderID         string          `json:"riderId"`
	DriverID        string          `json:"driverId,omitempty"`
	DriverDetails   json.RawMessage `json:"driverDetails,omitempty"`
	Pickup          string          `json:"pickup"`
	Destination     string          `json:"destination"`
	VehicleType     VehicleType     `json:"vehicleType"`
	Fare            int64           `json:"fare"`
	DistanceMeters  int64           `json:"distanceMeters"`
	DurationSeconds int64           `json:"durationSeconds"`
	OTP             string          `json:"otp,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Public returns a copy safe to show to anyone other than the rider: the OTP
// is stripped.
func (r Ride) Public() Ride {
	r.OTP = ""
	return r
}

// LocationUpdate is a position report from a connected actor.
type LocationUpdate struct {
	ActorID   string    `json:"actorId"`
	Role      Role      `json:"role,omitempty"`
	Location  Coord     `json:"location"`
	RideID    string    `json:"rideId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActorLocation is the last known position of an actor in the live index.
type ActorLocation struct {
	ActorID  string    `json:"actorId"`
	Role     Role      `json:"role"`
	Location Coord     `json:"location"`
	Distance float64   `json:"distanceMeters,omitempty"`
	Updated  time.Time `json:"updated"`
}
