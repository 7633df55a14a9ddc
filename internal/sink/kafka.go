package sink

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the producer side of a Kafka topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes info payloads to a topic, keyed by data source and record id.
type Kafka struct {
	writer MessageWriter
}

// NewKafka creates a Kafka sink for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

// NewKafkaWithWriter creates a Kafka sink that uses w.
func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) Publish(ctx context.Context, info Info) error {
	msg := kafka.Message{
		Key:   []byte(info.Key()),
		Value: []byte(info.JSON),
	}
	if info.LoadID != "" {
		msg.Headers = []kafka.Header{{Key: "loadId", Value: []byte(info.LoadID)}}
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write info for %s", info.Key())
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
