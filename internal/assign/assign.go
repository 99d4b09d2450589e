package assign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/helper-matching/internal/eta"
	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
	"github.com/example/helper-matching/internal/provision"
)

// Assignment is the worker chosen for a request, existing or freshly provisioned.
type Assignment struct {
	Helper      models.Helper `json:"helper"`
	IsNewWorker bool          `json:"is_new_worker"`
	DistanceKm  float64       `json:"distance_km"`
	ETA         int           `json:"eta_minutes"`
}

func (a Assignment) Assigned() models.AssignedHelper {
	return models.AssignedHelper{Helper: a.Helper, DistanceKm: a.DistanceKm, ETA: a.ETA, IsNewWorker: a.IsNewWorker}
}

type Orchestrator struct {
	Matcher     *matcher.Matcher
	Provisioner provision.Provisioner
	Logger      *slog.Logger
}

func New(m *matcher.Matcher, p provision.Provisioner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{Matcher: m, Provisioner: p, Logger: logger}
}

// EnsureHelperAvailable returns the best existing helper, or asks the
// provisioning service for a new worker when nobody qualifies. A failed or
// unsuccessful provisioning call ends the chain with ErrProvisioningFailed;
// it is not retried here. Calling again is safe.
func (o *Orchestrator) EnsureHelperAvailable(ctx context.Context, user models.Coord, service models.ServiceType, requesterID string, helpers []models.Helper) (Assignment, error) {
	if best, ok := o.Matcher.FindBestMatch(user, service, helpers); ok {
		return Assignment{Helper: best.Helper, DistanceKm: best.DistanceKm, ETA: best.ETA}, nil
	}
	return o.Provision(ctx, user, service, requesterID)
}

// Provision skips matching and goes straight to the provisioning service.
func (o *Orchestrator) Provision(ctx context.Context, user models.Coord, service models.ServiceType, requesterID string) (Assignment, error) {
	if o.Provisioner == nil {
		observability.ProvisioningTotal.WithLabelValues("unconfigured").Inc()
		return Assignment{}, fmt.Errorf("%w: no provisioning service configured", provision.ErrProvisioningFailed)
	}
	o.Logger.Warn("no existing helper within service radius, provisioning new worker", "skill", service, "requester_id", requesterID)

	res, err := o.Provisioner.AssignNewWorker(ctx, provision.Request{RequesterID: requesterID, ServiceType: service, UserLocation: user})
	if err != nil {
		observability.ProvisioningTotal.WithLabelValues("error").Inc()
		o.Logger.Error("worker provisioning failed", "skill", service, "error", err)
		return Assignment{}, fmt.Errorf("%w: %v", provision.ErrProvisioningFailed, err)
	}
	if !res.Success || res.Data == nil {
		observability.ProvisioningTotal.WithLabelValues("unsuccessful").Inc()
		o.Logger.Error("worker provisioning unsuccessful", "skill", service)
		return Assignment{}, fmt.Errorf("%w: service reported no worker", provision.ErrProvisioningFailed)
	}

	w := res.Data
	minutes := w.ETA
	if minutes <= 0 {
		minutes = eta.DefaultCapMinutes
	}
	observability.ProvisioningTotal.WithLabelValues("success").Inc()
	o.Logger.Info("new worker provisioned", "helper_id", w.ID(), "name", w.Name, "eta_minutes", minutes)
	return Assignment{
		Helper: models.Helper{
			ID:     w.ID(),
			Name:   w.Name,
			Skills: []models.ServiceType{service},
			Status: models.HelperBusy,
		},
		IsNewWorker: true,
		ETA:         minutes,
	}, nil
}
