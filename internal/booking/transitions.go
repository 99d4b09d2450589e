package booking

import (
	"errors"
	"fmt"

	"github.com/example/helper-matching/internal/dispatch"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
)

// mutate runs fn under the booking's lock, persists the result when fn
// changed it and sends any queued offer after the lock is released.
func (m *Manager) mutate(id string, fn func(e *entry) error) (*models.Booking, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	err := fn(e)
	snapshot := e.b.Clone()
	offer := e.offer
	changed := e.dirty
	e.offer, e.dirty = nil, false
	if changed {
		m.persist(snapshot, false)
		observability.BookingTransitions.WithLabelValues(string(snapshot.Status)).Inc()
	}
	e.mu.Unlock()

	m.notify(offer)
	return snapshot, err
}

// assignLocked gives the booking to a, arms the response timer and queues
// an offer for the helper.
func (m *Manager) assignLocked(e *entry, a models.AssignedHelper) {
	now := m.now()
	b := e.b
	b.AssignedHelper = &a
	b.ETA = a.ETA
	b.Status = models.BookingAssigned
	b.Timestamps.AssignedAt = &now
	e.dirty = true

	offer := models.Offer{
		BookingID:   b.ID,
		HelperID:    a.Helper.ID,
		ServiceType: b.ServiceType,
		Address:     b.Address,
		Location:    b.UserLocation,
		DistanceKm:  a.DistanceKm,
		ETA:         a.ETA,
	}
	if m.cfg.RejectionTimeout > 0 {
		offer.ExpiresAt = now.Add(m.cfg.RejectionTimeout)
	}
	e.offer = &offer
	m.armTimer(e)
}

// reassignLocked pops the head of the candidate list into the assigned
// slot. With no candidates left, or the reassignment budget spent, the
// booking ends REJECTED.
func (m *Manager) reassignLocked(e *entry, cause string) error {
	b := e.b
	m.stopTimer(e)
	observability.Reassignments.WithLabelValues(cause).Inc()
	if len(b.Candidates) == 0 || b.ReassignmentCount >= m.cfg.MaxReassignments {
		previous := ""
		if b.AssignedHelper != nil {
			previous = b.AssignedHelper.Helper.ID
		}
		b.Status = models.BookingRejected
		b.AssignedHelper = nil
		e.dirty = true
		m.logger.Warn("booking exhausted its candidates", "booking_id", b.ID, "last_helper_id", previous, "reassignments", b.ReassignmentCount, "cause", cause)
		return fmt.Errorf("%w: booking %s", ErrCandidatesExhausted, b.ID)
	}
	next := b.Candidates[0]
	b.Candidates = b.Candidates[1:]
	b.ReassignmentCount++
	now := m.now()
	b.Timestamps.LastReassignedAt = &now
	m.assignLocked(e, next)
	m.logger.Info("booking reassigned", "booking_id", b.ID, "helper_id", next.Helper.ID, "remaining_candidates", len(b.Candidates), "cause", cause)
	return nil
}

// armTimer schedules the automatic reassignment of an unanswered offer.
// Each assignment bumps the generation so a timer that fires after the
// helper changed is ignored.
func (m *Manager) armTimer(e *entry) {
	e.generation++
	if m.cfg.RejectionTimeout <= 0 {
		return
	}
	id, gen := e.b.ID, e.generation
	e.timer = m.afterFunc(m.cfg.RejectionTimeout, func() { m.expire(id, gen) })
}

func (m *Manager) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Manager) expire(id string, gen int) {
	_, err := m.mutate(id, func(e *entry) error {
		if e.generation != gen || e.b.Status != models.BookingAssigned {
			return nil
		}
		e.timer = nil
		m.logger.Info("helper did not answer in time", "booking_id", id, "helper_id", e.b.AssignedHelper.Helper.ID, "timeout", m.cfg.RejectionTimeout)
		return m.reassignLocked(e, "timeout")
	})
	if err != nil && !errors.Is(err, ErrCandidatesExhausted) {
		m.logger.Error("response timeout handling failed", "booking_id", id, "error", err)
	}
}

func (m *Manager) markHelper(b *models.Booking, s models.HelperStatus) {
	if m.helpers == nil || b.AssignedHelper == nil || b.AssignedHelper.IsNewWorker {
		return
	}
	m.helpers.UpdateStatus(b.AssignedHelper.Helper.ID, s)
}

func (m *Manager) invalid(b *models.Booking, op string) error {
	return fmt.Errorf("%w: cannot %s booking %s in state %s", ErrInvalidTransition, op, b.ID, b.Status)
}

func (m *Manager) persist(b *models.Booking, created bool) {
	if m.store == nil {
		return
	}
	var err error
	if created {
		err = m.store.SaveBooking(b)
	} else {
		err = m.store.UpdateBooking(b)
	}
	if err != nil {
		m.logger.Error("booking hand-off to store failed", "booking_id", b.ID, "status", b.Status, "error", err)
	}
}

func (m *Manager) notify(offer *models.Offer) {
	if offer == nil || m.notifier == nil {
		return
	}
	if err := m.notifier.Offer(offer.HelperID, *offer); err != nil {
		level := m.logger.Warn
		if errors.Is(err, dispatch.ErrNoSession) {
			level = m.logger.Debug
		}
		level("offer delivery failed", "booking_id", offer.BookingID, "helper_id", offer.HelperID, "error", err)
	}
}

// remember pushes a completed booking onto the bounded recent history.
func (m *Manager) remember(b *models.Booking) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	m.recent = append([]*models.Booking{b.Clone()}, m.recent...)
	if len(m.recent) > m.cfg.HistoryCap {
		m.recent = m.recent[:m.cfg.HistoryCap]
	}
}
