package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Envelope is the wire form relayed to the sync layer.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode wraps e in an Envelope and builds the kafka message keyed by subject,
// so events about one user stay ordered within a partition.
func Encode(e Event) (kafka.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       e.Kind(),
		Subject:    e.Subject(),
		OccurredAt: e.OccurredAt().UTC(),
		Payload:    payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(env.Subject),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind)},
		},
	}, nil
}

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaSink relays bus events to a kafka topic from a single background goroutine.
// Events that do not fit in the buffer are dropped and logged; the sync layer is
// best-effort from the core's point of view.
type KafkaSink struct {
	writer MessageWriter
	queue  chan Event
	log    logrus.FieldLogger
	done   chan struct{}
}

// NewKafkaSink creates a sink with the given buffer size.
func NewKafkaSink(w MessageWriter, buffer int, log logrus.FieldLogger) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaSink{
		writer: w,
		queue:  make(chan Event, buffer),
		log:    log.WithField("component", "kafka_sink"),
		done:   make(chan struct{}),
	}
}

// Handle is a bus Handler. It never blocks.
func (s *KafkaSink) Handle(e Event) {
	select {
	case s.queue <- e:
	default:
		s.log.WithField("kind", e.Kind()).Warn("relay buffer full, event dropped")
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is buffered.
func (s *KafkaSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case e := <-s.queue:
			s.write(ctx, e)
		}
	}
}

func (s *KafkaSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.queue:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, e Event) {
	msg, err := Encode(e)
	if err != nil {
		s.log.WithError(err).Error("encode event")
		return
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.log.WithError(err).WithField("kind", e.Kind()).Warn("relay write failed")
	}
}

// Close waits for Run to return and closes the writer.
func (s *KafkaSink) Close() error {
	<-s.done
	return s.writer.Close()
}
