package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound       = errors.New("ride not found")
	ErrStatusConflict = errors.New("ride status changed concurrently")
	ErrDuplicate      = errors.New("ride already exists")
)

// Patch carries the fields a status transition may set alongside the status.
type Patch struct {
	DriverID      string
	DriverDetails json.RawMessage
}

// TripStore persists ride records. UpdateStatus is a compare-and-swap: it
// succeeds only if the stored status still equals from, otherwise it returns
// ErrStatusConflict (or ErrNotFound).
type TripStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	FindByID(ctx context.Context, id string) (*models.Ride, error)
	UpdateStatus(ctx context.Context, id string, from, to models.Status, p Patch) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.Status, p Patch) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}
	r.Status = to
	if p.DriverID != "" {
		r.DriverID = p.DriverID
	}
	if len(p.DriverDetails) > 0 {
		r.DriverDetails = append(json.RawMessage(nil), p.DriverDetails...)
	}
	r.UpdatedAt = m.now().UTC()
	return cloneRide(r), nil
}

// Len reports the number of stored rides.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	if r.DriverDetails != nil {
		c.DriverDetails = append(json.RawMessage(nil), r.DriverDetails...)
	}
	return &c
}
