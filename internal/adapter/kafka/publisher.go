// Package kafka publishes accepted strike records to a Kafka topic for
// downstream analysis pipelines. Publishing is feature-flagged; the bridge
// works without a broker.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/strike-mesh/internal/config"
	"github.com/couchcryptid/strike-mesh/internal/eventlog"
)

// Publisher produces one message per accepted StrikeEvent record.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes and produces one record. The message key is the
// record's (origin, seq) identity so replays are idempotent downstream.
func (p *Publisher) Publish(ctx context.Context, rec eventlog.Record) error {
	msg, err := serializeToMessage(rec)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func serializeToMessage(rec eventlog.Record) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize strike record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(rec.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "origin", Value: []byte(strconv.FormatUint(uint64(rec.Origin), 10))},
			{Key: "confidence", Value: []byte(confidenceHeader(rec))},
		},
	}, nil
}

func confidenceHeader(rec eventlog.Record) string {
	if rec.LowConfidence {
		return "low"
	}
	return "high"
}
