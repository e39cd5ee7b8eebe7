package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaBatchTimeout caps how long a synchronous write waits for a batch to
// fill. Publish sends one message per call.
const kafkaBatchTimeout = 10 * time.Millisecond

// KafkaPublisher writes each event as a JSON message keyed by Event.Key.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher builds a publisher for a comma separated broker list.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: kafkaBatchTimeout,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaPublisher{writer: w, topic: topic}, nil
}

func (p *KafkaPublisher) Topic() string { return p.topic }

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", ev.Type, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "tenant-id", Value: []byte(ev.TenantID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
