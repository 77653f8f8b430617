package outbox

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventTypeHeader carries Message.Type on every published record.
const EventTypeHeader = "event_type"

// Producer is the subset of *kafka.Writer the dispatcher needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher publishes outbox messages to a single topic.
type KafkaDispatcher struct {
	producer Producer
	topic    string
}

var _ Dispatcher = (*KafkaDispatcher)(nil)

// NewKafkaDispatcher creates a dispatcher writing to topic.
func NewKafkaDispatcher(producer Producer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer, topic: topic}
}

// NewKafkaWriter returns a writer that hashes keys to partitions and waits
// for all in-sync replicas. The topic is set per message by the dispatcher.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Dispatch writes m synchronously.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, m Message) error {
	headers := make([]kafka.Header, 0, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: EventTypeHeader, Value: []byte(m.Type)})

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(m.Key),
		Value:   m.Payload,
		Headers: headers,
		Time:    m.CreatedAt,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s", m.Type)
	}
	return nil
}

// TraceHeaders captures the trace context of ctx so a consumer can continue
// the trace that produced the event.
func TraceHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}
