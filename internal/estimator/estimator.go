// Package estimator turns a pair of addresses into a trip distance, a travel
// time and per-vehicle fares. Estimates never fail: geocoding or routing
// problems degrade to fixed fallback values.
package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const DefaultAverageSpeedKmh = 35.0

// FallbackEstimate is used whenever either address cannot be resolved.
var FallbackEstimate = models.Estimate{
	DistanceMeters:  10000,
	DurationSeconds: 900,
	DistanceText:    "10 km",
	DurationText:    "15 mins",
	Fallback:        true,
}

// FallbackFares is used when the distance/time source itself errors.
var FallbackFares = models.Fares{Auto: 50, Car: 100, Moto: 30}

type rate struct{ base, perKm, perMinute float64 }

var rates = map[models.VehicleType]rate{
	models.VehicleAuto: {base: 30, perKm: 10, perMinute: 2},
	models.VehicleCar:  {base: 50, perKm: 15, perMinute: 3},
	models.VehicleMoto: {base: 20, perKm: 8, perMinute: 1.5},
}

// DistanceTimer is anything that can produce an Estimate for two addresses.
type DistanceTimer interface {
	DistanceTime(ctx context.Context, origin, destination string) (models.Estimate, error)
}

// Quote bundles the estimate a fare was computed from with the fares.
type Quote struct {
	Estimate models.Estimate `json:"estimate"`
	Fares    models.Fares    `json:"fares"`
}

type Estimator struct {
	geocoder geocode.Geocoder
	router   Router
	speedKmh float64
	logger   *slog.Logger
}

type Option func(*Estimator)

// WithRouter prefers road distances from r; any router error falls back to
// the great-circle computation.
func WithRouter(r Router) Option { return func(e *Estimator) { e.router = r } }

func WithAverageSpeed(kmh float64) Option {
	return func(e *Estimator) {
		if kmh > 0 {
			e.speedKmh = kmh
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(g geocode.Geocoder, opts ...Option) *Estimator {
	e := &Estimator{geocoder: g, speedKmh: DefaultAverageSpeedKmh, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "estimator")
	return e
}

// ResolveCoordinates returns the first geocoding candidate for address.
func (e *Estimator) ResolveCoordinates(ctx context.Context, address string) (models.Coord, error) {
	if strings.TrimSpace(address) == "" {
		return models.Coord{}, fmt.Errorf("empty address: %w", geocode.ErrAddressNotFound)
	}
	coords, err := e.geocoder.Search(ctx, address)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	if len(coords) == 0 {
		return models.Coord{}, fmt.Errorf("geocode %q: %w", address, geocode.ErrAddressNotFound)
	}
	return coords[0], nil
}

// Estimate resolves both addresses and computes distance and duration.
func (e *Estimator) Estimate(ctx context.Context, origin, destination string) models.Estimate {
	from, err := e.ResolveCoordinates(ctx, origin)
	if err != nil {
		return e.fallback(err)
	}
	to, err := e.ResolveCoordinates(ctx, destination)
	if err != nil {
		return e.fallback(err)
	}

	meters := geo.Haversine(from, to)
	seconds := meters / 1000 / e.speedKmh * 3600
	if e.router != nil {
		if rm, rs, err := e.router.Route(ctx, from, to); err == nil {
			meters, seconds = rm, rs
		} else {
			e.logger.Warn("router failed, using great-circle distance", "error", err)
		}
	}
	return models.Estimate{
		DistanceMeters:  int64(math.Round(meters)),
		DurationSeconds: int64(math.Round(seconds)),
		DistanceText:    fmt.Sprintf("%.2f km", meters/1000),
		DurationText:    fmt.Sprintf("%d mins", int64(math.Round(seconds/60))),
	}
}

// DistanceTime adapts Estimate to DistanceTimer; the error is always nil.
func (e *Estimator) DistanceTime(ctx context.Context, origin, destination string) (models.Estimate, error) {
	return e.Estimate(ctx, origin, destination), nil
}

// Quote prices a trip between two addresses.
func (e *Estimator) Quote(ctx context.Context, origin, destination string) Quote {
	return QuoteTrip(ctx, e, origin, destination)
}

func (e *Estimator) fallback(err error) models.Estimate {
	observability.EstimateFallbacks.WithLabelValues("distance").Inc()
	e.logger.Warn("distance estimate fell back to defaults", "error", err)
	return FallbackEstimate
}

// QuoteTrip asks dt for an estimate and prices it. If dt errors the fixed
// FallbackFares are returned alongside FallbackEstimate.
// Estimator.DistanceTime never errors, so for it the fallback is
// unreachable; it applies to DistanceTimer implementations that surface
// routing or geocoding failures.
func QuoteTrip(ctx context.Context, dt DistanceTimer, origin, destination string) Quote {
	est, err := dt.DistanceTime(ctx, origin, destination)
	if err != nil {
		observability.EstimateFallbacks.WithLabelValues("fare").Inc()
		return Quote{Estimate: FallbackEstimate, Fares: FallbackFares}
	}
	return Quote{Estimate: est, Fares: Fare(est.DistanceMeters, est.DurationSeconds)}
}

// Fare computes round(base + km*perKm + minutes*perMinute) per vehicle type.
func Fare(distanceMeters, durationSeconds int64) models.Fares {
	price := func(v models.VehicleType) int64 {
		r := rates[v]
		return int64(math.Round(r.base + float64(distanceMeters)/1000*r.perKm + float64(durationSeconds)/60*r.perMinute))
	}
	return models.Fares{
		Auto: price(models.VehicleAuto),
		Car:  price(models.VehicleCar),
		Moto: price(models.VehicleMoto),
	}
}
