package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/helper-matching/internal/booking"
	"github.com/example/helper-matching/internal/directory"
	"github.com/example/helper-matching/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, directory.ErrUnknownHelper):
		status = http.StatusNotFound
	case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrStaleResponse), errors.Is(err, directory.ErrDuplicateHelper):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, err.Error())
}
