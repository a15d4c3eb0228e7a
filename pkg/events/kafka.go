// Package events publishes merge lifecycle events to Kafka for downstream
// consumers (analytics, cache invalidation). Publishing is best effort: the
// merge itself has already committed by the time an event is emitted.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const TypeMergeCompleted = "merge.completed"

// MergeCompleted is the wire payload. Identities are salted hashes, same as
// the audit trail; the raw uids never leave the service.
type MergeCompleted struct {
	CorrelationID  string          `json:"correlation_id"`
	SourceHash     string          `json:"source_hash"`
	TargetHash     string          `json:"target_hash"`
	Idempotent     bool            `json:"idempotent"`
	Outcomes       json.RawMessage `json:"outcomes"`
	CompletedAt    string          `json:"completed_at"`
	MovedTotal     int64           `json:"moved_total"`
	DiscardedTotal int64           `json:"discarded_total"`
}

type Publisher interface {
	PublishMergeCompleted(ctx context.Context, evt MergeCompleted) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) PublishMergeCompleted(ctx context.Context, evt MergeCompleted) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if evt.CompletedAt == "" {
		evt.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TargetHash),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(TypeMergeCompleted)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
