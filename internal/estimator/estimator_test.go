package estimator

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/models"
)

type mapGeocoder struct {
	coords map[string]models.Coord
	err    error
}

func (m *mapGeocoder) Search(ctx context.Context, address string) ([]models.Coord, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.coords[address]
	if !ok {
		return nil, nil
	}
	return []models.Coord{c}, nil
}

func newTestEstimator(opts ...Option) *Estimator {
	g := &mapGeocoder{coords: map[string]models.Coord{
		"MG Road":     {Lat: 12.9756, Lng: 77.6050},
		"Whitefield":  {Lat: 12.9698, Lng: 77.7500},
		"Airport":     {Lat: 13.1986, Lng: 77.7066},
		"Indiranagar": {Lat: 12.9784, Lng: 77.6408},
	}}
	return New(g, opts...)
}

func TestResolveCoordinatesNotFound(t *testing.T) {
	e := newTestEstimator()
	_, err := e.ResolveCoordinates(context.Background(), "Atlantis")
	if !errors.Is(err, geocode.ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
}

func TestResolveCoordinatesUpstreamError(t *testing.T) {
	boom := errors.New("boom")
	e := New(&mapGeocoder{err: boom})
	_, err := e.ResolveCoordinates(context.Background(), "MG Road")
	if !errors.Is(err, boom) || errors.Is(err, geocode.ErrAddressNotFound) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
}

func TestEstimateUsesHaversineAndAverageSpeed(t *testing.T) {
	e := newTestEstimator()
	est := e.Estimate(context.Background(), "MG Road", "Whitefield")
	if est.Fallback {
		t.Fatalf("unexpected fallback")
	}
	// ~15.7 km between the two points.
	if est.DistanceMeters < 15000 || est.DistanceMeters > 16500 {
		t.Fatalf("unexpected distance %d", est.DistanceMeters)
	}
	wantSeconds := float64(est.DistanceMeters) / 1000 / 35 * 3600
	if math.Abs(float64(est.DurationSeconds)-wantSeconds) > 2 {
		t.Fatalf("duration %d, want ~%f", est.DurationSeconds, wantSeconds)
	}
}

func TestEstimateSymmetricAndNonNegative(t *testing.T) {
	e := newTestEstimator()
	ctx := context.Background()
	pairs := [][2]string{{"MG Road", "Whitefield"}, {"Airport", "Indiranagar"}, {"MG Road", "MG Road"}}
	for _, p := range pairs {
		a := e.Estimate(ctx, p[0], p[1])
		b := e.Estimate(ctx, p[1], p[0])
		if a.DistanceMeters != b.DistanceMeters {
			t.Fatalf("%v: asymmetric %d vs %d", p, a.DistanceMeters, b.DistanceMeters)
		}
		if a.DistanceMeters < 0 || a.DurationSeconds < 0 {
			t.Fatalf("%v: negative estimate %+v", p, a)
		}
	}
}

func TestEstimateFallsBackOnGeocodeFailure(t *testing.T) {
	e := newTestEstimator()
	got := e.Estimate(context.Background(), "MG Road", "Atlantis")
	if got.DistanceMeters != 10000 || got.DurationSeconds != 900 || !got.Fallback {
		t.Fatalf("expected fallback estimate, got %+v", got)
	}

	e = New(&mapGeocoder{err: errors.New("down")})
	got = e.Estimate(context.Background(), "MG Road", "Whitefield")
	if got != FallbackEstimate {
		t.Fatalf("expected fallback estimate, got %+v", got)
	}
}

type fakeRouter struct {
	meters, seconds float64
	err             error
}

func (f *fakeRouter) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	return f.meters, f.seconds, f.err
}

func TestEstimatePrefersRouter(t *testing.T) {
	e := newTestEstimator(WithRouter(&fakeRouter{meters: 20000, seconds: 1800}))
	got := e.Estimate(context.Background(), "MG Road", "Whitefield")
	if got.DistanceMeters != 20000 || got.DurationSeconds != 1800 {
		t.Fatalf("router values not used: %+v", got)
	}

	e = newTestEstimator(WithRouter(&fakeRouter{err: errors.New("no route")}))
	got = e.Estimate(context.Background(), "MG Road", "Whitefield")
	if got.Fallback || got.DistanceMeters == 20000 || got.DistanceMeters == 0 {
		t.Fatalf("router failure should use great-circle distance: %+v", got)
	}
}

func TestFareFormula(t *testing.T) {
	tests := []struct {
		name    string
		meters  int64
		seconds int64
		want    models.Fares
	}{
		{name: "zero distance", meters: 0, seconds: 0, want: models.Fares{Auto: 30, Car: 50, Moto: 20}},
		{name: "fallback estimate", meters: 10000, seconds: 900, want: models.Fares{Auto: 160, Car: 245, Moto: 123}},
		{name: "rounding", meters: 1234, seconds: 100, want: models.Fares{Auto: 46, Car: 74, Moto: 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fare(tt.meters, tt.seconds); got != tt.want {
				t.Fatalf("Fare(%d,%d) = %+v, want %+v", tt.meters, tt.seconds, got, tt.want)
			}
		})
	}
}

func TestFareMonotonic(t *testing.T) {
	for d := int64(0); d <= 50000; d += 737 {
		for s := int64(0); s <= 7200; s += 311 {
			cur := Fare(d, s)
			if s > 0 {
				lower := Fare(d, s-311)
				if cur.Auto < lower.Auto || cur.Car < lower.Car || cur.Moto < lower.Moto {
					t.Fatalf("fare decreased in duration at d=%d s=%d", d, s)
				}
			}
			if d > 0 {
				lower := Fare(d-737, s)
				if cur.Auto < lower.Auto || cur.Car < lower.Car || cur.Moto < lower.Moto {
					t.Fatalf("fare decreased in distance at d=%d s=%d", d, s)
				}
			}
		}
	}
}

func TestSameAddressFareIsBase(t *testing.T) {
	e := newTestEstimator()
	q := e.Quote(context.Background(), "Airport", "Airport")
	if q.Fares != (models.Fares{Auto: 30, Car: 50, Moto: 20}) {
		t.Fatalf("unexpected fares %+v", q.Fares)
	}
}

type failingTimer struct{}

func (failingTimer) DistanceTime(ctx context.Context, o, d string) (models.Estimate, error) {
	return models.Estimate{}, errors.New("upstream exploded")
}

func TestQuoteTripSecondLevelFallback(t *testing.T) {
	q := QuoteTrip(context.Background(), failingTimer{}, "a", "b")
	if q.Fares != FallbackFares {
		t.Fatalf("expected fallback fares, got %+v", q.Fares)
	}
}

func TestOSRMClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":1500.5,"duration":240}]}`))
	}))
	defer srv.Close()

	m, s, err := NewOSRMClient(srv.URL).Route(context.Background(), models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 1.01, Lng: 2.01})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if m != 1500.5 || s != 240 {
		t.Fatalf("unexpected route %f %f", m, s)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	if _, _, err := NewOSRMClient(srv.URL).Route(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatalf("expected error")
	}
}
