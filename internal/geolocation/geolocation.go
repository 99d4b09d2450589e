package geolocation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/models"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrTimeout             = errors.New("location request timed out")
	ErrPositionUnavailable = errors.New("position unavailable")
)

// Provider yields the device's current position.
type Provider interface {
	CurrentLocation(ctx context.Context) (models.Coord, error)
}

// Static always reports the same position.
type Static models.Coord

func (s Static) CurrentLocation(context.Context) (models.Coord, error) {
	return models.Coord(s), nil
}

// Latest reports the most recent position pushed into it, for devices that
// stream their GPS rather than answering reads.
type Latest struct {
	mu  sync.RWMutex
	pos *models.Coord
}

func (l *Latest) Push(c models.Coord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos = &c
}

func (l *Latest) CurrentLocation(context.Context) (models.Coord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pos == nil {
		return models.Coord{}, ErrPositionUnavailable
	}
	return *l.pos, nil
}

// Subscription is a running watch. Stop ends it and may be called any
// number of times.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the watch loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Watch polls the provider every interval and hands each reading, or the
// failure, to cb. Readings with out-of-range coordinates are dropped.
func Watch(ctx context.Context, p Provider, interval time.Duration, cb func(models.Coord, error)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			read(ctx, p, interval, cb)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return sub
}

func read(ctx context.Context, p Provider, timeout time.Duration, cb func(models.Coord, error)) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := p.CurrentLocation(rctx)
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	if err == nil && !geo.IsValidCoordinate(c) {
		return
	}
	cb(c, err)
}

// LocationUpdater is the slice of the helper directory Track writes to.
type LocationUpdater interface {
	UpdateLocation(id string, c models.Coord) bool
}

// Track streams a helper's position from p into dst until ctx ends or the
// subscription is stopped.
func Track(ctx context.Context, helperID string, p Provider, interval time.Duration, dst LocationUpdater, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return Watch(ctx, p, interval, func(c models.Coord, err error) {
		switch {
		case errors.Is(err, ErrPositionUnavailable):
			logger.Debug("no position yet", "helper_id", helperID)
		case err != nil:
			logger.Warn("location read failed", "helper_id", helperID, "error", err)
		case !dst.UpdateLocation(helperID, c):
			logger.Warn("location for unknown helper", "helper_id", helperID)
		}
	})
}
