package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/helper-matching/internal/assign"
	"github.com/example/helper-matching/internal/booking"
	"github.com/example/helper-matching/internal/directory"
	"github.com/example/helper-matching/internal/dispatch"
	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/models"
)

// HelperMirror receives helper writes for the shared Redis copy.
type HelperMirror interface {
	Upsert(ctx context.Context, h models.Helper) error
	ApplyUpdate(ctx context.Context, u models.FeedUpdate) error
}

// FeedPublisher forwards helper updates to the feed so other instances see them.
type FeedPublisher interface {
	Publish(ctx context.Context, u models.FeedUpdate) error
}

type Deps struct {
	Directory     *directory.Directory
	Bookings      *booking.Manager
	Orchestrator  *assign.Orchestrator
	WSReg         *dispatch.WSRegistry
	Mirror        HelperMirror  // optional
	Feed          FeedPublisher // optional
	TrackInterval time.Duration
	Logger        *slog.Logger
}

type Server struct {
	dir      *directory.Directory
	bookings *booking.Manager
	orch     *assign.Orchestrator
	wsreg    *dispatch.WSRegistry
	mirror   HelperMirror
	feed     FeedPublisher
	track    time.Duration
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WSReg == nil {
		d.WSReg = dispatch.NewWSRegistry(d.Logger)
	}
	if d.TrackInterval <= 0 {
		d.TrackInterval = 5 * time.Second
	}
	s := &Server{
		dir:      d.Directory,
		bookings: d.Bookings,
		orch:     d.Orchestrator,
		wsreg:    d.WSReg,
		mirror:   d.Mirror,
		feed:     d.Feed,
		track:    d.TrackInterval,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/helpers", s.handleAddHelper).Methods(http.MethodPost)
	api.HandleFunc("/helpers", s.handleListHelpers).Methods(http.MethodGet)
	api.HandleFunc("/helpers/stats", s.handleHelperStats).Methods(http.MethodGet)
	api.HandleFunc("/helpers/{id}", s.handleGetHelper).Methods(http.MethodGet)
	api.HandleFunc("/helpers/{id}/location", s.handleHelperLocation).Methods(http.MethodPut)
	api.HandleFunc("/helpers/{id}/status", s.handleHelperStatus).Methods(http.MethodPut)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/recent", s.handleRecentBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/reassign", s.handleReassign).Methods(http.MethodPost)

	api.HandleFunc("/assign", s.handleAssign).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{helper_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleAddHelper(w http.ResponseWriter, r *http.Request) {
	var h models.Helper
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dir.Add(h); err != nil {
		s.writeErr(w, r, err)
		return
	}
	added, _ := s.dir.Get(h.ID)
	if s.mirror != nil {
		if err := s.mirror.Upsert(r.Context(), added); err != nil {
			s.logger.Warn("helper mirror write failed", "helper_id", added.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, added)
}

// handleListHelpers filters by ?skill=, ?q= (name or skill substring),
// ?available=true, or ?lat=&lng=&radius_km= for a nearby search.
func (s *Server) handleListHelpers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") != "" || q.Get("lng") != "" {
		s.handleNearby(w, r)
		return
	}
	var out []models.Helper
	switch {
	case q.Get("skill") != "":
		out = s.dir.BySkill(models.ServiceType(q.Get("skill")))
	case q.Get("q") != "":
		out = s.dir.Search(q.Get("q"))
	case q.Get("available") == "true":
		out = s.dir.Available()
	default:
		out = s.dir.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"helpers": out, "count": len(out)})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	center := models.Coord{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !geo.IsValidCoordinate(center) {
		writeError(w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}
	radius := geo.ServiceRadiusKm
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
		radius = f
	}
	near := s.dir.Nearby(center, radius)
	writeJSON(w, http.StatusOK, map[string]any{"helpers": near, "count": len(near)})
}

func (s *Server) handleHelperStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Stats())
}

func (s *Server) handleGetHelper(w http.ResponseWriter, r *http.Request) {
	h, ok := s.dir.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "helper not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleHelperLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !geo.IsValidCoordinate(c) {
		writeError(w, http.StatusBadRequest, "location out of range")
		return
	}
	s.applyHelperUpdate(w, r, models.FeedUpdate{HelperID: mux.Vars(r)["id"], Location: &c})
}

func (s *Server) handleHelperStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.HelperStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	s.applyHelperUpdate(w, r, models.FeedUpdate{HelperID: mux.Vars(r)["id"], Status: &body.Status})
}

// applyHelperUpdate applies the change locally first, then fans it out to
// the feed and the mirror. Fan-out failures are logged, never surfaced.
func (s *Server) applyHelperUpdate(w http.ResponseWriter, r *http.Request, u models.FeedUpdate) {
	if err := s.dir.ApplyUpdate(r.Context(), u); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if s.feed != nil {
		if err := s.feed.Publish(r.Context(), u); err != nil {
			s.logger.Warn("feed publish failed", "helper_id", u.HelperID, "error", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.ApplyUpdate(r.Context(), u); err != nil {
			s.logger.Warn("helper mirror write failed", "helper_id", u.HelperID, "error", err)
		}
	}
	h, _ := s.dir.Get(u.HelperID)
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID  string             `json:"requester_id"`
		ServiceType  models.ServiceType `json:"service_type"`
		UserLocation models.Coord       `json:"user_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ServiceType == "" || !geo.IsValidCoordinate(body.UserLocation) || body.UserLocation.IsZero() {
		writeError(w, http.StatusBadRequest, "service_type and a valid user_location are required")
		return
	}
	a, err := s.orch.EnsureHelperAvailable(r.Context(), body.UserLocation, body.ServiceType, body.RequesterID, s.dir.All())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"outcome": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": "assigned", "assignment": a.Assigned()})
}
