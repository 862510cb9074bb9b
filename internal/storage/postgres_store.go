package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, rider_id, driver_id, driver_details, pickup, destination, vehicle_type,
	fare, distance_meters, duration_seconds, otp, status, created_at, updated_at`

// Schema is applied by Migrate. It mirrors migrations/001_create_rides.sql.
const Schema = `CREATE TABLE IF NOT EXISTS rides (
	id               TEXT PRIMARY KEY,
	rider_id         TEXT NOT NULL,
	driver_id        TEXT NOT NULL DEFAULT '',
	driver_details   JSONB,
	pickup           TEXT NOT NULL,
	destination      TEXT NOT NULL,
	vehicle_type     TEXT NOT NULL,
	fare             BIGINT NOT NULL,
	distance_meters  BIGINT NOT NULL DEFAULT 0,
	duration_seconds BIGINT NOT NULL DEFAULT 0,
	otp              TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_rider_id_idx ON rides (rider_id);`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RiderID, r.DriverID, nullJSON(r.DriverDetails), r.Pickup, r.Destination, string(r.VehicleType),
		r.Fare, r.DistanceMeters, r.DurationSeconds, r.OTP, string(r.Status), r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateStatus applies the transition only when the row still has status
// from. A miss is disambiguated with a follow-up existence check.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.Status, patch Patch) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = $1,
			driver_id = COALESCE(NULLIF($2, ''), driver_id),
			driver_details = COALESCE($3, driver_details),
			updated_at = $4
		WHERE id = $5 AND status = $6
		RETURNING `+rideColumns,
		string(to), patch.DriverID, nullJSON(patch.DriverDetails), time.Now().UTC(), id, string(from))
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStatusConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r       models.Ride
		details []byte
		vt, st  string
	)
	if err := s.Scan(&r.ID, &r.RiderID, &r.DriverID, &details, &r.Pickup, &r.Destination, &vt,
		&r.Fare, &r.DistanceMeters, &r.DurationSeconds, &r.OTP, &st, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.VehicleType = models.VehicleType(vt)
	r.Status = models.Status(st)
	if len(details) > 0 {
		r.DriverDetails = json.RawMessage(details)
	}
	return &r, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
