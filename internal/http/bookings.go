package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/helper-matching/internal/booking"
	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/provision"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.bookings.Create(r.Context(), req, s.dir.All())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"outcome": "assigned", "booking": b})
	case errors.Is(err, matcher.ErrNoMatch):
		writeJSON(w, http.StatusAccepted, map[string]any{"outcome": "searching", "booking": b})
	case errors.Is(err, provision.ErrProvisioningFailed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"outcome": "unavailable", "booking": b, "error": err.Error()})
	default:
		s.writeErr(w, r, err)
	}
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	list := s.bookings.List()
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list, "count": len(list)})
}

func (s *Server) handleRecentBookings(w http.ResponseWriter, r *http.Request) {
	list := s.bookings.Recent()
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list, "count": len(list)})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HelperID string           `json:"helper_id"`
		Response booking.Response `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Response != booking.Accept && body.Response != booking.Reject {
		writeError(w, http.StatusBadRequest, `response must be "accept" or "reject"`)
		return
	}
	b, err := s.bookings.Respond(r.Context(), mux.Vars(r)["id"], body.HelperID, body.Response)
	s.writeTransition(w, r, b, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Start(r.Context(), mux.Vars(r)["id"])
	s.writeTransition(w, r, b, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating int    `json:"rating"`
		Review string `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.bookings.Complete(r.Context(), mux.Vars(r)["id"], body.Rating, body.Review)
	s.writeTransition(w, r, b, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	_ = json.NewDecoder(r.Body).Decode(&body)
	b, err := s.bookings.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	s.writeTransition(w, r, b, err)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Reassign(r.Context(), mux.Vars(r)["id"])
	s.writeTransition(w, r, b, err)
}

// writeTransition reports the booking after a lifecycle call. Running out of
// candidates is an outcome, not a failure: the booking is REJECTED and returned.
func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, b *models.Booking, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, b)
	case errors.Is(err, booking.ErrCandidatesExhausted):
		writeJSON(w, http.StatusOK, map[string]any{"outcome": "exhausted", "booking": b})
	default:
		s.writeErr(w, r, err)
	}
}
