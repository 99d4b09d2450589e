package geolocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/helper-matching/internal/models"
)

type failing struct{ err error }

func (f failing) CurrentLocation(context.Context) (models.Coord, error) { return models.Coord{}, f.err }

type slow struct{}

func (slow) CurrentLocation(ctx context.Context) (models.Coord, error) {
	<-ctx.Done()
	return models.Coord{}, ctx.Err()
}

type recorder struct {
	mu   sync.Mutex
	locs []models.Coord
	errs []error
}

func (r *recorder) cb(c models.Coord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.locs = append(r.locs, c)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locs), len(r.errs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchDeliversReadings(t *testing.T) {
	r := &recorder{}
	sub := Watch(context.Background(), Static{Lat: 40.7, Lng: -74}, 10*time.Millisecond, r.cb)
	waitFor(t, func() bool { n, _ := r.counts(); return n >= 2 })
	sub.Stop()
	sub.Stop()
	n, _ := r.counts()
	time.Sleep(30 * time.Millisecond)
	if after, _ := r.counts(); after != n {
		t.Fatalf("readings delivered after Stop: %d -> %d", n, after)
	}
}

func TestWatchReportsTypedFailures(t *testing.T) {
	r := &recorder{}
	sub := Watch(context.Background(), failing{ErrPermissionDenied}, 10*time.Millisecond, r.cb)
	waitFor(t, func() bool { _, e := r.counts(); return e >= 1 })
	sub.Stop()
	if !errors.Is(r.errs[0], ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", r.errs[0])
	}
}

func TestWatchTimesOutSlowProvider(t *testing.T) {
	r := &recorder{}
	sub := Watch(context.Background(), slow{}, 10*time.Millisecond, r.cb)
	waitFor(t, func() bool { _, e := r.counts(); return e >= 1 })
	sub.Stop()
	if !errors.Is(r.errs[0], ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", r.errs[0])
	}
}

func TestWatchDropsInvalidCoordinates(t *testing.T) {
	r := &recorder{}
	sub := Watch(context.Background(), Static{Lat: 120, Lng: 0}, 10*time.Millisecond, r.cb)
	time.Sleep(40 * time.Millisecond)
	sub.Stop()
	if n, e := r.counts(); n != 0 || e != 0 {
		t.Fatalf("invalid readings must be dropped, got %d readings %d errors", n, e)
	}
}

func TestLatest(t *testing.T) {
	var l Latest
	if _, err := l.CurrentLocation(context.Background()); !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected ErrPositionUnavailable, got %v", err)
	}
	l.Push(models.Coord{Lat: 1, Lng: 2})
	if c, err := l.CurrentLocation(context.Background()); err != nil || c.Lat != 1 {
		t.Fatalf("unexpected reading %+v %v", c, err)
	}
}

type updater struct {
	mu   sync.Mutex
	last map[string]models.Coord
}

func (u *updater) UpdateLocation(id string, c models.Coord) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last[id] = c
	return true
}

func (u *updater) get(id string) (models.Coord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.last[id]
	return c, ok
}

func TestTrackStreamsIntoDirectory(t *testing.T) {
	u := &updater{last: map[string]models.Coord{}}
	var l Latest
	sub := Track(context.Background(), "h1", &l, 10*time.Millisecond, u, nil)
	defer sub.Stop()
	l.Push(models.Coord{Lat: 40.75, Lng: -73.99})
	waitFor(t, func() bool { c, ok := u.get("h1"); return ok && c.Lat == 40.75 })
}
