package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives ledger events unless configured otherwise.
const DefaultTopic = "ledger_events"

// KafkaPublisher writes events as JSON to one topic, keyed by competition.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
// Writes are asynchronous: Publish only enqueues, and delivery failures are
// logged when the batch completes.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion:             logFailedBatch,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e LedgerEvent) error {
	e.Stamp()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: payload,
		Time:  e.At,
	}); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func logFailedBatch(msgs []kafka.Message, err error) {
	if err != nil {
		slog.Error("kafka: event batch not delivered", "messages", len(msgs), "err", err)
	}
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
