package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeTimeout = 2 * time.Second
	// batchTimeout caps how long a single write waits for its batch to fill.
	// Writes are synchronous, so kafka-go's 1s default lands on every request.
	batchTimeout = 10 * time.Millisecond
)

// LocationUpdate is the message written to the driver location topic.
type LocationUpdate struct {
	DriverID   string       `json:"driverId"`
	Location   models.Point `json:"location"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}, BatchTimeout: batchTimeout})
	return &KafkaProducer{writer: w}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// PublishLocation writes a location keyed by driver so one driver's updates
// stay ordered on a single partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{
		Key:     []byte(ev.AggregateID),
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// ForwardEvents copies every bus event to Kafka. Failures are logged and
// counted but never fail the operation that produced the event.
func ForwardEvents(bus *events.Bus, p *KafkaProducer, logger *slog.Logger) {
	bus.SubscribeAll(func(ctx context.Context, ev events.Event) error {
		if err := p.PublishEvent(ctx, ev); err != nil {
			observability.EventForwardFailures.Inc()
			logger.Warn("forward event to kafka", "kind", ev.Kind, "aggregate_id", ev.AggregateID, "error", err)
		}
		return nil
	})
}
