package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
)

var ErrInvalidUpdate = errors.New("invalid feed update")

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Applier is anything that can absorb a feed event: the in-memory helper
// directory or the Redis mirror.
type Applier interface {
	ApplyUpdate(ctx context.Context, u models.FeedUpdate) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader messageReader
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

func NewConsumer(brokers []string, topic, group string, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return newConsumer(r, logger)
}

func newConsumer(r messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, logger: logger, sleep: sleepCtx}
}

// Run reads until ctx is cancelled. Read errors back off exponentially from
// one to thirty seconds; malformed or rejected events are logged and skipped.
func (c *Consumer) Run(ctx context.Context, dst Applier) error {
	backoff := minBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			c.sleep(ctx, backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		u, err := Decode(m.Value)
		if err != nil {
			observability.FeedMessages.WithLabelValues("invalid").Inc()
			c.logger.Warn("dropping feed message", "offset", m.Offset, "error", err)
			continue
		}
		if err := dst.ApplyUpdate(ctx, u); err != nil {
			observability.FeedMessages.WithLabelValues("rejected").Inc()
			c.logger.Warn("feed update not applied", "helper_id", u.HelperID, "error", err)
			continue
		}
		observability.FeedMessages.WithLabelValues("applied").Inc()
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// Decode parses and validates one feed message value.
func Decode(value []byte) (models.FeedUpdate, error) {
	var u models.FeedUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if strings.TrimSpace(u.HelperID) == "" {
		return u, fmt.Errorf("%w: helper_id is required", ErrInvalidUpdate)
	}
	if u.Location == nil && u.Status == nil {
		return u, fmt.Errorf("%w: %s carries neither location nor status", ErrInvalidUpdate, u.HelperID)
	}
	if u.Location != nil && !geo.IsValidCoordinate(*u.Location) {
		return u, fmt.Errorf("%w: location out of range for %s", ErrInvalidUpdate, u.HelperID)
	}
	if u.Status != nil && !u.Status.Valid() {
		return u, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, *u.Status)
	}
	return u, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
