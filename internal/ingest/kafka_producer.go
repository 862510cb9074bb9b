// Package ingest forwards live location reports and ride lifecycle events to
// Kafka for downstream consumers.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RideEvent is the record written to the ride-event topic.
type RideEvent struct {
	Type string      `json:"type"`
	Ride models.Ride `json:"ride"`
	At   time.Time   `json:"at"`
}

type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

// NewKafkaProducer writes location updates to locationTopic and, if
// rideTopic is non-empty, ride events to rideTopic. Writes are async so a
// slow broker never stalls event handling.
func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	p := &KafkaProducer{locations: newWriter(brokers, locationTopic)}
	if rideTopic != "" {
		p.rides = newWriter(brokers, rideTopic)
	}
	return p
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
}

// PublishLocation keys by actor so one actor's updates stay ordered on a
// partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.ActorID), Value: b})
}

// PublishRideEvent writes the public view of r; the OTP never leaves the
// process.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, eventType string, r models.Ride) error {
	if k.rides == nil {
		return nil
	}
	b, err := json.Marshal(RideEvent{Type: eventType, Ride: r.Public(), At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode ride event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.rides.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var err error
	if k.locations != nil {
		err = k.locations.Close()
	}
	if k.rides != nil {
		if cerr := k.rides.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
