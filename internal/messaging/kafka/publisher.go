// Package kafka publishes decimated book snapshots to a Kafka topic with
// segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Publisher writes one message per snapshot, keyed by symbol so a symbol's
// records stay on one partition.
type Publisher struct {
	w *kafka.Writer
}

// NewPublisher creates a publisher. Connections are made lazily on first
// write.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (p *Publisher) Name() string { return "kafka" }

// Publish sends rec and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, venue string, rec domain.SnapshotRecord) error {
	msg, err := Message(venue, rec)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", rec.Symbol, err)
	}
	return nil
}

// Message encodes a snapshot record.
func Message(venue string, rec domain.SnapshotRecord) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal %s: %w", rec.Symbol, err)
	}
	return kafka.Message{
		Key:     []byte(rec.Symbol),
		Value:   value,
		Headers: []kafka.Header{{Key: "venue", Value: []byte(venue)}},
		Time:    rec.ReceivedAt,
	}, nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}
