package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/helper-matching/internal/assign"
	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
	"github.com/example/helper-matching/internal/storage"
)

var (
	ErrNotFound            = errors.New("booking not found")
	ErrInvalidTransition   = errors.New("invalid booking transition")
	ErrCandidatesExhausted = errors.New("no more candidates to reassign")
	ErrStaleResponse       = errors.New("response from a helper not holding the booking")
)

type Response string

const (
	Accept Response = "accept"
	Reject Response = "reject"
)

type Config struct {
	// TopN bounds the ranked list kept at creation, the chosen helper included.
	TopN             int
	HistoryCap       int
	RejectionTimeout time.Duration
	MaxReassignments int
}

func DefaultConfig() Config {
	return Config{TopN: 3, HistoryCap: 5, RejectionTimeout: 30 * time.Second, MaxReassignments: 3}
}

// Notifier pushes an assignment offer to the helper holding a booking.
type Notifier interface {
	Offer(helperID string, offer models.Offer) error
}

// HelperUpdater is the part of the helper directory the manager drives when
// bookings move: accepted helpers become busy, finished ones available again.
type HelperUpdater interface {
	UpdateStatus(id string, s models.HelperStatus) bool
	RecordRating(id string, rating int) bool
}

type Deps struct {
	Matcher      *matcher.Matcher
	Orchestrator *assign.Orchestrator // optional provisioning fallback
	Store        storage.BookingStore // optional
	Notifier     Notifier             // optional
	Helpers      HelperUpdater        // optional
	Logger       *slog.Logger
}

type CreateRequest struct {
	RequesterID  string             `json:"requester_id"`
	ServiceType  models.ServiceType `json:"service_type"`
	Description  string             `json:"description"`
	Address      string             `json:"address"`
	UserLocation models.Coord       `json:"user_location"`
}

func (r CreateRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.RequesterID) == "" {
		problems = append(problems, "requester_id is required")
	}
	if r.ServiceType == "" {
		problems = append(problems, "service_type is required")
	}
	if r.UserLocation.IsZero() || !geo.IsValidCoordinate(r.UserLocation) {
		problems = append(problems, "user_location is missing or out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

type timer interface{ Stop() bool }

type entry struct {
	mu         sync.Mutex
	b          *models.Booking
	timer      timer
	generation int

	// set by transitions, drained by mutate once the lock is released
	dirty bool
	offer *models.Offer
}

// Manager is the single writer of booking records. Each booking is
// serialised by its own mutex so concurrent accept/reject, timeout and
// cancel events on one booking cannot lose updates.
type Manager struct {
	cfg          Config
	matcher      *matcher.Matcher
	orchestrator *assign.Orchestrator
	store        storage.BookingStore
	notifier     Notifier
	helpers      HelperUpdater
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	histMu sync.Mutex
	recent []*models.Booking

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
	newID     func() string
}

func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.MaxReassignments <= 0 {
		cfg.MaxReassignments = def.MaxReassignments
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(matcher.DefaultConfig(), deps.Logger)
	}
	return &Manager{
		cfg:          cfg,
		matcher:      deps.Matcher,
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		notifier:     deps.Notifier,
		helpers:      deps.Helpers,
		logger:       deps.Logger,
		entries:      make(map[string]*entry),
		now:          time.Now,
		afterFunc:    func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		newID:        func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Create stores a new booking and tries to assign it in the same step.
//
// On a match the booking is ASSIGNED to the best helper and the next ranked
// helpers are kept as candidates. Without a match the orchestrator, when
// configured, provisions a new worker. If nobody can be assigned the booking
// is still stored, stays PENDING, and is returned together with
// matcher.ErrNoMatch or provision.ErrProvisioningFailed.
func (m *Manager) Create(ctx context.Context, req CreateRequest, helpers []models.Helper) (*models.Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	b := &models.Booking{
		ID:           m.newID(),
		RequesterID:  req.RequesterID,
		ServiceType:  req.ServiceType,
		Description:  req.Description,
		Address:      req.Address,
		UserLocation: req.UserLocation,
		Status:       models.BookingPending,
		Timestamps:   models.Timestamps{CreatedAt: now},
	}
	e := &entry{b: b}
	log := m.logger.With("booking_id", b.ID, "skill", req.ServiceType, "requester_id", req.RequesterID)

	var outcome error
	ranked, stage := m.matcher.Rank(req.UserLocation, req.ServiceType, helpers)
	switch {
	case len(ranked) > 0:
		if len(ranked) > m.cfg.TopN {
			ranked = ranked[:m.cfg.TopN]
		}
		observability.MatchesTotal.Inc()
		for _, c := range ranked[1:] {
			b.Candidates = append(b.Candidates, c.Assigned())
		}
		m.assignLocked(e, ranked[0].Assigned())
		log.Info("booking assigned", "helper_id", ranked[0].Helper.ID, "eta_minutes", b.ETA, "candidates", len(b.Candidates))
	case m.orchestrator != nil:
		a, err := m.orchestrator.Provision(ctx, req.UserLocation, req.ServiceType, req.RequesterID)
		if err != nil {
			outcome = err
			log.Warn("booking left pending", "stage", stage, "error", err)
			break
		}
		m.assignLocked(e, a.Assigned())
		log.Info("booking assigned to new worker", "helper_id", a.Helper.ID, "eta_minutes", b.ETA)
	default:
		outcome = fmt.Errorf("%w (eliminated at %s)", matcher.ErrNoMatch, stage)
		log.Warn("booking left pending", "stage", stage)
	}

	// the entry is not shared yet, so it is saved before anyone can update it
	snapshot := b.Clone()
	offer := e.offer
	e.offer, e.dirty = nil, false
	m.persist(snapshot, true)
	observability.BookingTransitions.WithLabelValues(string(b.Status)).Inc()

	m.mu.Lock()
	m.entries[b.ID] = e
	m.order = append(m.order, b.ID)
	m.mu.Unlock()

	m.notify(offer)
	return snapshot, outcome
}

// Respond applies a helper's answer to the offer they hold. A repeated
// accept from the same helper is a no-op; answers from anyone other than
// the assigned helper are refused with ErrStaleResponse so late or
// duplicated events cannot move the booking. An empty helperID skips that check.
func (m *Manager) Respond(ctx context.Context, id, helperID string, r Response) (*models.Booking, error) {
	return m.mutate(id, func(e *entry) error {
		b := e.b
		if r == Accept && b.Status == models.BookingAccepted && b.AssignedHelper != nil && (helperID == "" || helperID == b.AssignedHelper.Helper.ID) {
			return nil
		}
		if b.Status != models.BookingAssigned {
			return m.invalid(b, "respond")
		}
		if helperID != "" && helperID != b.AssignedHelper.Helper.ID {
			return fmt.Errorf("%w: booking %s is held by %s", ErrStaleResponse, b.ID, b.AssignedHelper.Helper.ID)
		}
		switch r {
		case Accept:
			now := m.now()
			m.stopTimer(e)
			b.Status = models.BookingAccepted
			b.Timestamps.AcceptedAt = &now
			e.dirty = true
			m.markHelper(b, models.HelperBusy)
			m.logger.Info("booking accepted", "booking_id", b.ID, "helper_id", b.AssignedHelper.Helper.ID)
			return nil
		case Reject:
			m.logger.Info("booking rejected by helper", "booking_id", b.ID, "helper_id", b.AssignedHelper.Helper.ID)
			return m.reassignLocked(e, "rejected")
		default:
			return fmt.Errorf("%w: unknown response %q", models.ErrValidation, r)
		}
	})
}

// Reassign hands an ASSIGNED booking to the next candidate.
func (m *Manager) Reassign(ctx context.Context, id string) (*models.Booking, error) {
	return m.mutate(id, func(e *entry) error {
		if e.b.Status != models.BookingAssigned {
			return m.invalid(e.b, "reassign")
		}
		return m.reassignLocked(e, "manual")
	})
}

func (m *Manager) Start(ctx context.Context, id string) (*models.Booking, error) {
	return m.mutate(id, func(e *entry) error {
		b := e.b
		if b.Status != models.BookingAssigned && b.Status != models.BookingAccepted {
			return m.invalid(b, "start")
		}
		now := m.now()
		m.stopTimer(e)
		if b.Status == models.BookingAssigned {
			m.markHelper(b, models.HelperBusy)
		}
		b.Status = models.BookingInProgress
		b.Timestamps.StartedAt = &now
		e.dirty = true
		return nil
	})
}

// Complete closes an in-progress booking with the customer's rating (1..5).
func (m *Manager) Complete(ctx context.Context, id string, rating int, review string) (*models.Booking, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrValidation)
	}
	b, err := m.mutate(id, func(e *entry) error {
		b := e.b
		if b.Status != models.BookingInProgress {
			return m.invalid(b, "complete")
		}
		now := m.now()
		b.Status = models.BookingCompleted
		b.Timestamps.CompletedAt = &now
		b.Rating = rating
		b.Review = review
		e.dirty = true
		m.markHelper(b, models.HelperAvailable)
		if m.helpers != nil && !b.AssignedHelper.IsNewWorker {
			m.helpers.RecordRating(b.AssignedHelper.Helper.ID, rating)
		}
		return nil
	})
	if err == nil {
		m.remember(b)
	}
	return b, err
}

// Cancel ends any non-terminal booking.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*models.Booking, error) {
	return m.mutate(id, func(e *entry) error {
		b := e.b
		if b.Status.Terminal() {
			return m.invalid(b, "cancel")
		}
		now := m.now()
		m.stopTimer(e)
		if b.Status == models.BookingAccepted || b.Status == models.BookingInProgress {
			m.markHelper(b, models.HelperAvailable)
		}
		b.Status = models.BookingCancelled
		b.Timestamps.CancelledAt = &now
		b.CancelReason = reason
		e.dirty = true
		return nil
	})
}

func (m *Manager) Get(id string) (*models.Booking, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.Clone(), nil
}

// List returns every booking, newest first.
func (m *Manager) List() []*models.Booking {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()
	out := make([]*models.Booking, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if b, err := m.Get(ids[i]); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// Recent returns the last completed bookings, newest first.
func (m *Manager) Recent() []*models.Booking {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]*models.Booking, len(m.recent))
	for i, b := range m.recent {
		out[i] = b.Clone()
	}
	return out
}

// Close stops every pending response timer.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		e.mu.Lock()
		m.stopTimer(e)
		e.mu.Unlock()
	}
}
