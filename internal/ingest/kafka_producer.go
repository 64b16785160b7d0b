package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Ride event types written to the broker.
const (
	RoutePublished   = "route.published"
	RequestCreated   = "ride_request.created"
	RequestAccepted  = "ride_request.accepted"
	RequestRejected  = "ride_request.rejected"
	RequestCompleted = "ride_request.completed"
	RatingSubmitted  = "rating.submitted"
)

// Event is the broker record for one handshake or reputation change.
type Event struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id,omitempty"`
	RouteID     string    `json:"route_id,omitempty"`
	RiderID     string    `json:"rider_id,omitempty"`
	DriverID    string    `json:"driver_id,omitempty"`
	CarbonSaved float64   `json:"carbon_saved,omitempty"`
	Rating      float64   `json:"rating,omitempty"`
	At          time.Time `json:"at"`
}

// Key partitions events so that one ride request's events stay ordered.
func (e Event) Key() string {
	switch {
	case e.RequestID != "":
		return e.RequestID
	case e.RouteID != "":
		return e.RouteID
	default:
		return e.DriverID
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	// Publish runs inline with request handling; flush single events at once.
	publishBatchTimeout = 5 * time.Millisecond
	publishTimeout      = 500 * time.Millisecond
)

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           publishBatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           publishTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, timeout: publishTimeout}
}

func (k *KafkaProducer) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Key()), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
