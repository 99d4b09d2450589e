package assign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/provision"
)

type fakeProvisioner struct {
	res   provision.Result
	err   error
	calls int
	last  provision.Request
}

func (f *fakeProvisioner) AssignNewWorker(_ context.Context, req provision.Request) (provision.Result, error) {
	f.calls++
	f.last = req
	return f.res, f.err
}

var user = models.Coord{Lat: 40.7128, Lng: -74.0060}

func newOrchestrator(p provision.Provisioner) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(matcher.New(matcher.DefaultConfig(), logger), p, logger)
}

func electrician() models.Helper {
	return models.Helper{
		ID:        "e1",
		Location:  models.Coord{Lat: 40.7129, Lng: -74.0061},
		Skills:    []models.ServiceType{models.ServiceElectrical},
		Status:    models.HelperAvailable,
		Available: true,
		Rating:    4.9,
	}
}

func TestExistingHelperSkipsProvisioning(t *testing.T) {
	p := &fakeProvisioner{}
	o := newOrchestrator(p)
	a, err := o.EnsureHelperAvailable(context.Background(), user, models.ServiceElectrical, "u1", []models.Helper{electrician()})
	if err != nil {
		t.Fatal(err)
	}
	if a.IsNewWorker || a.Helper.ID != "e1" || a.ETA != 1 {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if p.calls != 0 {
		t.Fatalf("provisioning must not be called, got %d calls", p.calls)
	}
}

func TestNoMatchFallsBackToProvisioning(t *testing.T) {
	p := &fakeProvisioner{res: provision.Result{Success: true, Data: &provision.Worker{WorkerID: "w1", Name: "Sam", ETA: 9}}}
	o := newOrchestrator(p)
	a, err := o.EnsureHelperAvailable(context.Background(), user, models.ServicePlumbing, "u1", []models.Helper{electrician()})
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsNewWorker || a.Helper.ID != "w1" || a.ETA != 9 {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if p.calls != 1 || p.last.RequesterID != "u1" || p.last.ServiceType != models.ServicePlumbing || p.last.UserLocation != user {
		t.Fatalf("unexpected provisioning request %+v (calls=%d)", p.last, p.calls)
	}
}

func TestProvisionedETADefaults(t *testing.T) {
	p := &fakeProvisioner{res: provision.Result{Success: true, Data: &provision.Worker{WorkerID: "w1"}}}
	a, err := newOrchestrator(p).EnsureHelperAvailable(context.Background(), user, models.ServicePlumbing, "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.ETA != 15 {
		t.Fatalf("expected default eta 15, got %d", a.ETA)
	}
}

func TestProvisioningFailures(t *testing.T) {
	cases := map[string]*fakeProvisioner{
		"transport":    {err: errors.New("connection refused")},
		"unsuccessful": {res: provision.Result{Success: false}},
		"no data":      {res: provision.Result{Success: true}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newOrchestrator(p).EnsureHelperAvailable(context.Background(), user, models.ServicePlumbing, "u1", nil)
			if !errors.Is(err, provision.ErrProvisioningFailed) {
				t.Fatalf("expected ErrProvisioningFailed, got %v", err)
			}
			if p.calls != 1 {
				t.Fatalf("expected exactly one attempt, got %d", p.calls)
			}
		})
	}
}

func TestNoProvisionerConfigured(t *testing.T) {
	_, err := newOrchestrator(nil).EnsureHelperAvailable(context.Background(), user, models.ServicePlumbing, "u1", nil)
	if !errors.Is(err, provision.ErrProvisioningFailed) {
		t.Fatalf("expected ErrProvisioningFailed, got %v", err)
	}
}
