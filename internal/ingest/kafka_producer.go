package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/helper-matching/internal/models"
)

const publishTimeout = 2 * time.Second

// Producer publishes helper feed events keyed by helper id, so every event
// for one helper lands on the same partition in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, u models.FeedUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode feed update: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.HelperID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
