package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the alerter needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter publishes alerts as JSON messages keyed by audit id.
type KafkaAlerter struct {
	writer KafkaWriter
}

// NewKafkaAlerter connects to brokers and writes to topic.
func NewKafkaAlerter(brokers []string, topic string) *KafkaAlerter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaAlerter{writer: w}
}

// NewKafkaAlerterWithWriter allows injecting a test writer.
func NewKafkaAlerterWithWriter(w KafkaWriter) *KafkaAlerter {
	return &KafkaAlerter{writer: w}
}

func (k *KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.AuditID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(strings.ToLower(a.AlertType))},
		},
		Time: a.CreatedAt,
	})
}

func (k *KafkaAlerter) Close() error { return k.writer.Close() }
