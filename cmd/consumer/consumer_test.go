package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeIndex fails the first failN upserts.
type fakeIndex struct {
	failN int
	calls int
	last  models.ActorLocation
}

func (f *fakeIndex) Upsert(ctx context.Context, loc models.ActorLocation) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis down")
	}
	f.last = loc
	return nil
}

func sampleUpdate() models.LocationUpdate {
	return models.LocationUpdate{ActorID: "d1", Location: models.Coord{Lat: 12.9, Lng: 77.6}, Timestamp: time.Now()}
}

func TestUpdateIndexWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failN: 2}
	start := time.Now()
	if err := updateIndexWithRetry(context.Background(), f, sampleUpdate(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
	if f.last.Role != models.RoleDriver {
		t.Fatalf("role should default to driver, got %q", f.last.Role)
	}
}

func TestUpdateIndexWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failN: 5}
	if err := updateIndexWithRetry(context.Background(), f, sampleUpdate(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestDecodeLocationRejectsIncomplete(t *testing.T) {
	if _, err := decodeLocation([]byte(`{"actorId":"d1","location":{"lat":12.9,"lng":77.6}}`)); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	for _, b := range []string{`{"location":{"lat":1,"lng":2}}`, `{"actorId":"d1","location":{"lat":120,"lng":2}}`, `nope`} {
		if _, err := decodeLocation([]byte(b)); err == nil {
			t.Fatalf("%s: expected error", b)
		}
	}
}

type scriptedReader struct {
	msgs   [][]byte
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return kafka.Message{Value: m}, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: [][]byte{
		[]byte(`garbage`),
		[]byte(`{"actorId":"d7","role":"driver","location":{"lat":12.9,"lng":77.6}}`),
	}}
	f := &fakeIndex{}
	consume(ctx, r, f, 1, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if f.calls != 1 || f.last.ActorID != "d7" {
		t.Fatalf("expected one upsert for d7, got %d %+v", f.calls, f.last)
	}
}
