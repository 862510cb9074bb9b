package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusMeters is the mean earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Index is the live location view behind the driver map and nearby queries.
type Index interface {
	Upsert(ctx context.Context, loc models.ActorLocation) error
	Remove(ctx context.Context, actorID string) error
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.ActorLocation, error)
}

// MemoryIndex is a process-local Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	actors map[string]models.ActorLocation
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{actors: make(map[string]models.ActorLocation)}
}

func (g *MemoryIndex) Upsert(_ context.Context, loc models.ActorLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc.Updated.IsZero() {
		loc.Updated = time.Now()
	}
	g.actors[loc.ActorID] = loc
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, actorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.actors, actorID)
	return nil
}

// Nearby scans every entry; fine at the thousands-of-drivers scale.
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.ActorLocation, error) {
	g.mu.RLock()
	out := make([]models.ActorLocation, 0, len(g.actors))
	for _, a := range g.actors {
		d := Haversine(center, a.Location)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		a.Distance = d
		out = append(out, a)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}
