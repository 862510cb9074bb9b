package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishLocationKeyedByActor(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{locations: w}
	u := models.LocationUpdate{ActorID: "d1", Role: models.RoleDriver, Location: models.Coord{Lat: 12.9, Lng: 77.6}, Timestamp: time.Now()}
	if err := p.PublishLocation(context.Background(), u); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.LocationUpdate
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.Location != u.Location {
		t.Fatalf("bad payload %s: %v", w.msgs[0].Value, err)
	}
}

func TestPublishRideEventStripsOTP(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{locations: &fakeWriter{}, rides: w}
	r := models.Ride{ID: "r1", OTP: "987654", Status: models.StatusAccepted}
	if err := p.PublishRideEvent(context.Background(), "ride-accepted", r); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var ev RideEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Ride.OTP != "" || ev.Type != "ride-accepted" || ev.Ride.ID != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublishRideEventWithoutTopic(t *testing.T) {
	p := &KafkaProducer{locations: &fakeWriter{}}
	if err := p.PublishRideEvent(context.Background(), "ride-started", models.Ride{ID: "r1"}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestCloseClosesBothWriters(t *testing.T) {
	l, r := &fakeWriter{}, &fakeWriter{}
	p := &KafkaProducer{locations: l, rides: r}
	p.Close()
	if !l.closed || !r.closed {
		t.Fatalf("writers not closed")
	}
}
