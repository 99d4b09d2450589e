package models

import (
	"errors"
	"time"
)

// ErrValidation marks malformed helper or booking input rejected at the boundary.
var ErrValidation = errors.New("validation error")

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether the coordinate was never set.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

type ServiceType string

const (
	ServicePlumbing    ServiceType = "plumbing"
	ServiceElectrical  ServiceType = "electrical"
	ServiceCleaning    ServiceType = "cleaning"
	ServiceCarpentry   ServiceType = "carpentry"
	ServicePainting    ServiceType = "painting"
	ServiceACRepair    ServiceType = "ac-repair"
	ServicePestControl ServiceType = "pest-control"
	ServiceGardening   ServiceType = "gardening"
)

type HelperStatus string

const (
	HelperAvailable HelperStatus = "available"
	HelperBusy      HelperStatus = "busy"
	HelperOffline   HelperStatus = "offline"
	HelperOnBreak   HelperStatus = "on-break"
)

func (s HelperStatus) Valid() bool {
	switch s {
	case HelperAvailable, HelperBusy, HelperOffline, HelperOnBreak:
		return true
	}
	return false
}

type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Helper struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Location        Coord         `json:"location"`
	Skills          []ServiceType `json:"skills"`
	Status          HelperStatus  `json:"status"`
	Available       bool          `json:"is_available"`
	Rating          float64       `json:"rating"` // 0..5
	CompletedJobs   int           `json:"completed_jobs"`
	ExperienceYears int           `json:"experience_years"`
	PriceRange      PriceRange    `json:"price_range"`
	AddedAt         time.Time     `json:"added_at"`
	Updated         time.Time     `json:"updated"`
}

func (h Helper) HasSkill(s ServiceType) bool {
	for _, sk := range h.Skills {
		if sk == s {
			return true
		}
	}
	return false
}

// Matchable is true only for an AVAILABLE helper whose availability flag is set.
func (h Helper) Matchable() bool {
	return h.Status == HelperAvailable && h.Available
}

// Clone returns a copy that does not share the skills slice.
func (h Helper) Clone() Helper {
	h.Skills = append([]ServiceType(nil), h.Skills...)
	return h
}

type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingAssigned   BookingStatus = "assigned"
	BookingAccepted   BookingStatus = "accepted"
	BookingRejected   BookingStatus = "rejected"
	BookingInProgress BookingStatus = "in-progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
)

// Terminal states accept no further transitions. REJECTED is only reached
// once every candidate has been exhausted.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled || s == BookingRejected
}

// AssignedHelper is the helper currently holding a booking along with the
// distance and ETA computed when it was ranked.
type AssignedHelper struct {
	Helper      Helper  `json:"helper"`
	DistanceKm  float64 `json:"distance_km"`
	ETA         int     `json:"eta_minutes"`
	IsNewWorker bool    `json:"is_new_worker"`
}

type Timestamps struct {
	CreatedAt        time.Time  `json:"created_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	LastReassignedAt *time.Time `json:"last_reassigned_at,omitempty"`
}

type Booking struct {
	ID                string           `json:"id"`
	RequesterID       string           `json:"requester_id"`
	ServiceType       ServiceType      `json:"service_type"`
	Description       string           `json:"description"`
	Address           string           `json:"address"`
	UserLocation      Coord            `json:"user_location"`
	Status            BookingStatus    `json:"status"`
	Candidates        []AssignedHelper `json:"candidates"`
	AssignedHelper    *AssignedHelper  `json:"assigned_helper,omitempty"`
	ETA               int              `json:"eta_minutes"`
	Timestamps        Timestamps       `json:"timestamps"`
	Rating            int              `json:"rating,omitempty"`
	Review            string           `json:"review,omitempty"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
	ReassignmentCount int              `json:"reassignment_count"`
}

// Clone deep-copies the booking so callers never alias manager-owned state.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Candidates = make([]AssignedHelper, len(b.Candidates))
	for i, c := range b.Candidates {
		c.Helper = c.Helper.Clone()
		cp.Candidates[i] = c
	}
	if b.AssignedHelper != nil {
		a := *b.AssignedHelper
		a.Helper = a.Helper.Clone()
		cp.AssignedHelper = &a
	}
	return &cp
}

// Offer is pushed to a helper when a booking is assigned to them.
type Offer struct {
	BookingID   string      `json:"booking_id"`
	HelperID    string      `json:"helper_id"`
	ServiceType ServiceType `json:"service_type"`
	Address     string      `json:"address"`
	Location    Coord       `json:"location"`
	DistanceKm  float64     `json:"distance_km"`
	ETA         int         `json:"eta_minutes"`
	ExpiresAt   time.Time   `json:"expires_at,omitempty"`
}

// FeedUpdate is one helper feed event. Either field may be nil.
type FeedUpdate struct {
	HelperID string        `json:"helper_id"`
	Location *Coord        `json:"location,omitempty"`
	Status   *HelperStatus `json:"status,omitempty"`
}
