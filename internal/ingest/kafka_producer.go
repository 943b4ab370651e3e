// Package ingest carries fixer availability from the API to the candidate
// pool through Kafka, so that the pool writer can run as a separate worker.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/fixer-dispatch/internal/models"
)

const DefaultTopic = "fixer-availability"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishAvailability writes one fixer's pool state keyed by fixer id.
func (k *KafkaProducer) PublishAvailability(ctx context.Context, f models.Fixer) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode availability: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(f.ID), Value: b}); err != nil {
		return fmt.Errorf("publish availability %s: %w", f.ID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses and validates one availability message.
func Decode(b []byte) (models.Fixer, error) {
	var f models.Fixer
	if err := json.Unmarshal(b, &f); err != nil {
		return models.Fixer{}, fmt.Errorf("decode availability: %w", models.ErrValidation)
	}
	if f.ID == "" {
		return models.Fixer{}, models.NewValidationError("id", "missing")
	}
	if !f.Loc.Valid() {
		return models.Fixer{}, models.NewValidationError("loc", "out of range")
	}
	if f.Rating < 0 || f.Rating > 5 {
		return models.Fixer{}, models.NewValidationError("rating", "must be between 0 and 5")
	}
	return f, nil
}
