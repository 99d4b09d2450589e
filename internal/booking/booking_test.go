package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/helper-matching/internal/assign"
	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/provision"
	"github.com/example/helper-matching/internal/storage"
)

var user = models.Coord{Lat: 40.7128, Lng: -74.0060}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(_ time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	offers []models.Offer
}

func (n *fakeNotifier) Offer(helperID string, o models.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, o)
	return nil
}

type fakeHelpers struct {
	mu      sync.Mutex
	status  map[string]models.HelperStatus
	ratings map[string][]int
}

func newFakeHelpers() *fakeHelpers {
	return &fakeHelpers{status: map[string]models.HelperStatus{}, ratings: map[string][]int{}}
}

func (f *fakeHelpers) UpdateStatus(id string, s models.HelperStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = s
	return true
}

func (f *fakeHelpers) RecordRating(id string, rating int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings[id] = append(f.ratings[id], rating)
	return true
}

type fakeProvisioner struct {
	res provision.Result
	err error
}

func (f *fakeProvisioner) AssignNewWorker(context.Context, provision.Request) (provision.Result, error) {
	return f.res, f.err
}

type fixture struct {
	m        *Manager
	clock    *fakeClock
	store    *storage.MemoryStore
	notifier *fakeNotifier
	helpers  *fakeHelpers
}

func newFixture(t *testing.T, p provision.Provisioner) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mt := matcher.New(matcher.DefaultConfig(), logger)
	f := &fixture{
		clock:    &fakeClock{},
		store:    storage.NewMemoryStore(),
		notifier: &fakeNotifier{},
		helpers:  newFakeHelpers(),
	}
	deps := Deps{Matcher: mt, Store: f.store, Notifier: f.notifier, Helpers: f.helpers, Logger: logger}
	if p != nil {
		deps.Orchestrator = assign.New(mt, p, logger)
	}
	f.m = NewManager(DefaultConfig(), deps)
	f.m.afterFunc = f.clock.afterFunc
	seq := 0
	f.m.newID = func() string { seq++; return fmt.Sprintf("b%d", seq) }
	t.Cleanup(f.m.Close)
	return f
}

func plumber(id string, lat float64) models.Helper {
	return models.Helper{
		ID:        id,
		Name:      id,
		Location:  models.Coord{Lat: lat, Lng: -74.0060},
		Skills:    []models.ServiceType{models.ServicePlumbing},
		Status:    models.HelperAvailable,
		Available: true,
		Rating:    4.5,
	}
}

func pool() []models.Helper {
	return []models.Helper{plumber("p4", 40.74), plumber("p1", 40.7129), plumber("p3", 40.73), plumber("p2", 40.72)}
}

func request() CreateRequest {
	return CreateRequest{RequesterID: "u1", ServiceType: models.ServicePlumbing, Address: "1 Main St", UserLocation: user}
}

func (f *fixture) create(t *testing.T) *models.Booking {
	t.Helper()
	b, err := f.m.Create(context.Background(), request(), pool())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func candidateIDs(b *models.Booking) []string {
	ids := make([]string, len(b.Candidates))
	for i, c := range b.Candidates {
		ids[i] = c.Helper.ID
	}
	return ids
}

func TestCreateAssignsBestAndKeepsCandidates(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	if b.Status != models.BookingAssigned || b.AssignedHelper == nil || b.AssignedHelper.Helper.ID != "p1" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if got := candidateIDs(b); len(got) != 2 || got[0] != "p2" || got[1] != "p3" {
		t.Fatalf("candidates = %v, want [p2 p3]", got)
	}
	if b.ETA != 1 || b.Timestamps.AssignedAt == nil {
		t.Fatalf("missing eta or assignment time: %+v", b)
	}
	if stored, ok := f.store.Get(b.ID); !ok || stored.Status != models.BookingAssigned {
		t.Fatalf("store not updated: %+v", stored)
	}
	if len(f.notifier.offers) != 1 || f.notifier.offers[0].HelperID != "p1" {
		t.Fatalf("expected an offer to p1, got %+v", f.notifier.offers)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	bad := []CreateRequest{
		{ServiceType: models.ServicePlumbing, UserLocation: user},
		{RequesterID: "u1", UserLocation: user},
		{RequesterID: "u1", ServiceType: models.ServicePlumbing},
		{RequesterID: "u1", ServiceType: models.ServicePlumbing, UserLocation: models.Coord{Lat: 95, Lng: 0}},
	}
	for _, req := range bad {
		if _, err := f.m.Create(context.Background(), req, pool()); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("request %+v: expected validation error, got %v", req, err)
		}
	}
	if len(f.m.List()) != 0 {
		t.Fatal("invalid requests must not create bookings")
	}
}

func TestCreateWithoutMatchStaysPending(t *testing.T) {
	f := newFixture(t, nil)
	req := request()
	req.ServiceType = models.ServiceGardening
	b, err := f.m.Create(context.Background(), req, pool())
	if !errors.Is(err, matcher.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if b == nil || b.Status != models.BookingPending || b.AssignedHelper != nil {
		t.Fatalf("unexpected booking %+v", b)
	}
	if _, err := f.m.Get(b.ID); err != nil {
		t.Fatalf("pending booking must be stored: %v", err)
	}
}

func TestCreateFallsBackToProvisioning(t *testing.T) {
	p := &fakeProvisioner{res: provision.Result{Success: true, Data: &provision.Worker{WorkerID: "w9", Name: "New", ETA: 12}}}
	f := newFixture(t, p)
	req := request()
	req.ServiceType = models.ServiceElectrical
	b, err := f.m.Create(context.Background(), req, pool())
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BookingAssigned || !b.AssignedHelper.IsNewWorker || b.AssignedHelper.Helper.ID != "w9" || b.ETA != 12 {
		t.Fatalf("unexpected booking %+v", b)
	}
	if len(b.Candidates) != 0 {
		t.Fatalf("provisioned bookings carry no candidates, got %v", candidateIDs(b))
	}
}

func TestCreateProvisioningFailureStaysPending(t *testing.T) {
	f := newFixture(t, &fakeProvisioner{err: errors.New("connection refused")})
	req := request()
	req.ServiceType = models.ServiceElectrical
	b, err := f.m.Create(context.Background(), req, pool())
	if !errors.Is(err, provision.ErrProvisioningFailed) {
		t.Fatalf("expected ErrProvisioningFailed, got %v", err)
	}
	if b.Status != models.BookingPending {
		t.Fatalf("expected pending booking, got %s", b.Status)
	}
}

func TestAcceptMarksHelperBusy(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	got, err := f.m.Respond(context.Background(), b.ID, "p1", Accept)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingAccepted || got.Timestamps.AcceptedAt == nil {
		t.Fatalf("unexpected booking %+v", got)
	}
	if f.helpers.status["p1"] != models.HelperBusy {
		t.Fatalf("p1 status = %q, want busy", f.helpers.status["p1"])
	}
	if !f.clock.last().stopped {
		t.Fatal("accepting must cancel the response timer")
	}

	again, err := f.m.Respond(context.Background(), b.ID, "p1", Accept)
	if err != nil || again.Status != models.BookingAccepted {
		t.Fatalf("duplicate accept must be a no-op, got %v (%s)", err, again.Status)
	}
}

func TestResponseFromOtherHelperIsStale(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	got, err := f.m.Respond(context.Background(), b.ID, "p2", Accept)
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected ErrStaleResponse, got %v", err)
	}
	if got.Status != models.BookingAssigned || got.AssignedHelper.Helper.ID != "p1" {
		t.Fatalf("stale response changed the booking: %+v", got)
	}
}

func TestRejectWalksCandidatesUntilExhausted(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)

	b, err := f.m.Respond(context.Background(), b.ID, "p1", Reject)
	if err != nil {
		t.Fatal(err)
	}
	if b.AssignedHelper.Helper.ID != "p2" || b.ReassignmentCount != 1 || b.Timestamps.LastReassignedAt == nil {
		t.Fatalf("unexpected booking after first reject %+v", b)
	}
	if got := candidateIDs(b); len(got) != 1 || got[0] != "p3" {
		t.Fatalf("candidates = %v, want [p3]", got)
	}

	b, err = f.m.Respond(context.Background(), b.ID, "p2", Reject)
	if err != nil || b.AssignedHelper.Helper.ID != "p3" || len(b.Candidates) != 0 {
		t.Fatalf("unexpected booking after second reject %+v (%v)", b, err)
	}

	b, err = f.m.Respond(context.Background(), b.ID, "p3", Reject)
	if !errors.Is(err, ErrCandidatesExhausted) {
		t.Fatalf("expected ErrCandidatesExhausted, got %v", err)
	}
	if b.Status != models.BookingRejected || b.AssignedHelper != nil {
		t.Fatalf("unexpected exhausted booking %+v", b)
	}

	offered := []string{}
	for _, o := range f.notifier.offers {
		offered = append(offered, o.HelperID)
	}
	if fmt.Sprint(offered) != "[p1 p2 p3]" {
		t.Fatalf("offers = %v", offered)
	}
}

func TestReassignBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.m.cfg.MaxReassignments = 1
	b := f.create(t)
	if _, err := f.m.Reassign(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.m.Reassign(context.Background(), b.ID)
	if !errors.Is(err, ErrCandidatesExhausted) || got.Status != models.BookingRejected {
		t.Fatalf("expected exhausted booking, got %s (%v)", got.Status, err)
	}
}

func TestResponseTimeoutReassigns(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	first := f.clock.last()
	first.f()

	got, _ := f.m.Get(b.ID)
	if got.AssignedHelper.Helper.ID != "p2" || got.ReassignmentCount != 1 {
		t.Fatalf("timeout did not reassign: %+v", got)
	}

	// a timer that fires after its assignment was superseded is ignored
	first.f()
	got, _ = f.m.Get(b.ID)
	if got.AssignedHelper.Helper.ID != "p2" || got.ReassignmentCount != 1 {
		t.Fatalf("stale timer moved the booking: %+v", got)
	}

	if _, err := f.m.Respond(context.Background(), b.ID, "p2", Accept); err != nil {
		t.Fatal(err)
	}
	f.clock.last().f()
	got, _ = f.m.Get(b.ID)
	if got.Status != models.BookingAccepted {
		t.Fatalf("timer after acceptance changed the booking: %s", got.Status)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.create(t)
	if _, err := f.m.Respond(ctx, b.ID, "p1", Accept); err != nil {
		t.Fatal(err)
	}
	if got, err := f.m.Start(ctx, b.ID); err != nil || got.Status != models.BookingInProgress || got.Timestamps.StartedAt == nil {
		t.Fatalf("start: %+v (%v)", got, err)
	}
	got, err := f.m.Complete(ctx, b.ID, 5, "great")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingCompleted || got.Rating != 5 || got.Review != "great" || got.Timestamps.CompletedAt == nil {
		t.Fatalf("unexpected completed booking %+v", got)
	}
	if f.helpers.status["p1"] != models.HelperAvailable || fmt.Sprint(f.helpers.ratings["p1"]) != "[5]" {
		t.Fatalf("helper not released or rated: %v %v", f.helpers.status, f.helpers.ratings)
	}
	if recent := f.m.Recent(); len(recent) != 1 || recent[0].ID != b.ID {
		t.Fatalf("recent = %v", recent)
	}
	if stored, _ := f.store.Get(b.ID); stored.Status != models.BookingCompleted {
		t.Fatalf("store holds %s", stored.Status)
	}
}

func TestTerminalBookingsAreImmutable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.create(t)
	if _, err := f.m.Cancel(ctx, b.ID, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	ops := map[string]func() (*models.Booking, error){
		"accept":   func() (*models.Booking, error) { return f.m.Respond(ctx, b.ID, "p1", Accept) },
		"reject":   func() (*models.Booking, error) { return f.m.Respond(ctx, b.ID, "p1", Reject) },
		"reassign": func() (*models.Booking, error) { return f.m.Reassign(ctx, b.ID) },
		"start":    func() (*models.Booking, error) { return f.m.Start(ctx, b.ID) },
		"complete": func() (*models.Booking, error) { return f.m.Complete(ctx, b.ID, 4, "") },
		"cancel":   func() (*models.Booking, error) { return f.m.Cancel(ctx, b.ID, "again") },
	}
	for name, op := range ops {
		got, err := op()
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on cancelled booking: expected ErrInvalidTransition, got %v", name, err)
		}
		if got.Status != models.BookingCancelled || got.CancelReason != "changed my mind" {
			t.Fatalf("%s changed a terminal booking: %+v", name, got)
		}
	}
}

func TestCompleteValidation(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	for _, r := range []int{0, 6} {
		if _, err := f.m.Complete(context.Background(), b.ID, r, ""); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("rating %d: expected validation error, got %v", r, err)
		}
	}
	if _, err := f.m.Complete(context.Background(), b.ID, 5, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing an assigned booking must fail, got %v", err)
	}
}

func TestCancelAfterAcceptReleasesHelper(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.create(t)
	if _, err := f.m.Respond(ctx, b.ID, "p1", Accept); err != nil {
		t.Fatal(err)
	}
	got, err := f.m.Cancel(ctx, b.ID, "no longer needed")
	if err != nil || got.Status != models.BookingCancelled || got.Timestamps.CancelledAt == nil {
		t.Fatalf("cancel: %+v (%v)", got, err)
	}
	if f.helpers.status["p1"] != models.HelperAvailable {
		t.Fatalf("p1 status = %q, want available", f.helpers.status["p1"])
	}
}

func TestRecentHistoryIsCapped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 7; i++ {
		b := f.create(t)
		f.m.Respond(ctx, b.ID, "", Accept)
		f.m.Start(ctx, b.ID)
		if _, err := f.m.Complete(ctx, b.ID, 4, ""); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}
	recent := f.m.Recent()
	if len(recent) != 5 {
		t.Fatalf("recent holds %d bookings, want 5", len(recent))
	}
	if recent[0].ID != ids[6] || recent[4].ID != ids[2] {
		t.Fatalf("recent order = %s..%s", recent[0].ID, recent[4].ID)
	}
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	first := f.create(t)
	second := f.create(t)
	list := f.m.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected list order")
	}
}

func TestUnknownBooking(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.m.Respond(context.Background(), "nope", "p1", Accept); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentResponsesKeepOneOutcome(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := Accept
			if i%2 == 1 {
				r = Reject
			}
			f.m.Respond(context.Background(), b.ID, "p1", r)
		}(i)
	}
	wg.Wait()
	got, _ := f.m.Get(b.ID)
	switch got.Status {
	case models.BookingAccepted:
		if got.AssignedHelper.Helper.ID != "p1" || got.ReassignmentCount != 0 {
			t.Fatalf("accepted by the wrong helper: %+v", got)
		}
	case models.BookingAssigned:
		if got.AssignedHelper.Helper.ID != "p2" || got.ReassignmentCount != 1 {
			t.Fatalf("p1's rejections moved the booking more than once: %+v", got)
		}
	default:
		t.Fatalf("unexpected status %s", got.Status)
	}
}
