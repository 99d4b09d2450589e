package directory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
)

var (
	ErrDuplicateHelper = errors.New("helper already registered")
	ErrUnknownHelper   = errors.New("unknown helper")
)

// Stats is a point-in-time count of helpers by status.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
	OnBreak   int `json:"on_break"`
}

// Directory is the in-memory registry of helpers. It is the only writer of
// helper records; every read hands out copies.
type Directory struct {
	mu      sync.RWMutex
	helpers []*models.Helper
	byID    map[string]*models.Helper
	now     func() time.Time
}

func New() *Directory {
	return &Directory{byID: make(map[string]*models.Helper), now: time.Now}
}

// Add registers a helper. Helpers need an id and a location; duplicate ids
// are refused.
func (d *Directory) Add(h models.Helper) error {
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("%w: helper id is required", models.ErrValidation)
	}
	if h.Location.IsZero() {
		return fmt.Errorf("%w: helper %s has no location", models.ErrValidation, h.ID)
	}
	if h.Status == "" {
		h.Status = models.HelperOffline
	}
	if !h.Status.Valid() {
		return fmt.Errorf("%w: unknown helper status %q", models.ErrValidation, h.Status)
	}
	h = h.Clone()
	h.Available = h.Status == models.HelperAvailable
	now := d.now()
	h.AddedAt = now
	h.Updated = now

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[h.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHelper, h.ID)
	}
	d.helpers = append(d.helpers, &h)
	d.byID[h.ID] = &h
	d.refreshGauge()
	return nil
}

// Load replaces the directory contents, e.g. when hydrating from the Redis mirror.
// Records without an id are skipped; the first record wins on duplicate ids.
func (d *Directory) Load(helpers []models.Helper) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.helpers = d.helpers[:0]
	d.byID = make(map[string]*models.Helper, len(helpers))
	for _, h := range helpers {
		if h.ID == "" {
			continue
		}
		if _, ok := d.byID[h.ID]; ok {
			continue
		}
		h = h.Clone()
		d.helpers = append(d.helpers, &h)
		d.byID[h.ID] = &h
	}
	d.refreshGauge()
	return len(d.helpers)
}

// UpdateLocation returns false when the helper is unknown.
func (d *Directory) UpdateLocation(id string, c models.Coord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	if !ok {
		return false
	}
	h.Location = c
	h.Updated = d.now()
	return true
}

// UpdateStatus sets the status and derives the availability flag from it.
func (d *Directory) UpdateStatus(id string, s models.HelperStatus) bool {
	if !s.Valid() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	if !ok {
		return false
	}
	h.Status = s
	h.Available = s == models.HelperAvailable
	h.Updated = d.now()
	d.refreshGauge()
	return true
}

// ApplyUpdate applies one helper feed event. Events for helpers that were
// never registered are refused.
func (d *Directory) ApplyUpdate(_ context.Context, u models.FeedUpdate) error {
	if _, ok := d.Get(u.HelperID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHelper, u.HelperID)
	}
	if u.Location != nil && !d.UpdateLocation(u.HelperID, *u.Location) {
		return fmt.Errorf("%w: %s", ErrUnknownHelper, u.HelperID)
	}
	if u.Status != nil && !d.UpdateStatus(u.HelperID, *u.Status) {
		return fmt.Errorf("%w: status %q for %s", models.ErrValidation, *u.Status, u.HelperID)
	}
	return nil
}

// ToggleAvailability flips a helper between AVAILABLE and OFFLINE.
func (d *Directory) ToggleAvailability(id string) (models.HelperStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	if !ok {
		return "", false
	}
	if h.Available {
		h.Status = models.HelperOffline
	} else {
		h.Status = models.HelperAvailable
	}
	h.Available = !h.Available
	h.Updated = d.now()
	d.refreshGauge()
	return h.Status, true
}

// Remove takes a helper out of rotation. Records are kept so bookings that
// reference the helper still resolve.
func (d *Directory) Remove(id string) bool {
	return d.UpdateStatus(id, models.HelperOffline)
}

// RecordRating folds one customer rating into the helper's running average.
func (d *Directory) RecordRating(id string, rating int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	if !ok {
		return false
	}
	total := float64(h.CompletedJobs)
	avg := (h.Rating*total + float64(rating)) / (total + 1)
	h.Rating = math.Round(avg*10) / 10
	h.CompletedJobs++
	h.Updated = d.now()
	return true
}

func (d *Directory) All() []models.Helper {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Helper, 0, len(d.helpers))
	for _, h := range d.helpers {
		out = append(out, h.Clone())
	}
	return out
}

func (d *Directory) Get(id string) (models.Helper, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.byID[id]
	if !ok {
		return models.Helper{}, false
	}
	return h.Clone(), true
}

func (d *Directory) BySkill(skill models.ServiceType) []models.Helper {
	return d.filter(func(h *models.Helper) bool { return h.HasSkill(skill) })
}

// Available lists helpers that are currently matchable, regardless of skill.
func (d *Directory) Available() []models.Helper {
	return d.filter(func(h *models.Helper) bool { return h.Matchable() })
}

// Search matches the query case-insensitively against names and skills.
func (d *Directory) Search(query string) []models.Helper {
	q := strings.ToLower(strings.TrimSpace(query))
	return d.filter(func(h *models.Helper) bool {
		if strings.Contains(strings.ToLower(h.Name), q) {
			return true
		}
		for _, s := range h.Skills {
			if strings.Contains(string(s), q) {
				return true
			}
		}
		return false
	})
}

// Nearby lists helpers within radiusKm of center, nearest first.
func (d *Directory) Nearby(center models.Coord, radiusKm float64) []geo.Located {
	return geo.WithinRadiusOf(center, d.All(), radiusKm)
}

// Stats is a linear scan; the directory stays in the low thousands.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.statsLocked()
}

func (d *Directory) statsLocked() Stats {
	st := Stats{Total: len(d.helpers)}
	for _, h := range d.helpers {
		switch h.Status {
		case models.HelperAvailable:
			st.Available++
		case models.HelperBusy:
			st.Busy++
		case models.HelperOffline:
			st.Offline++
		case models.HelperOnBreak:
			st.OnBreak++
		}
	}
	return st
}

func (d *Directory) filter(keep func(*models.Helper) bool) []models.Helper {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Helper
	for _, h := range d.helpers {
		if keep(h) {
			out = append(out, h.Clone())
		}
	}
	return out
}

// caller holds d.mu
func (d *Directory) refreshGauge() {
	observability.HelpersAvailable.Set(float64(d.statsLocked().Available))
}
