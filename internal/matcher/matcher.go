package matcher

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/helper-matching/internal/eta"
	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/models"
	"github.com/example/helper-matching/internal/observability"
)

// ErrNoMatch is the business outcome of a search that found nobody. It is
// never raised by the matcher itself; callers that need an error value use it.
var ErrNoMatch = errors.New("no helper matched")

// Stage names the pipeline step that emptied the pool.
type Stage string

const (
	StageMatched      Stage = "matched"
	StageEmptyPool    Stage = "empty_pool"
	StageSkill        Stage = "skill"
	StageAvailability Stage = "availability"
	StageDistance     Stage = "distance"
	StageRadius       Stage = "radius"
)

type Config struct {
	RadiusKm      float64
	SpeedKmh      float64
	ETACapMinutes int
	TopN          int
}

func DefaultConfig() Config {
	return Config{RadiusKm: geo.ServiceRadiusKm, SpeedKmh: eta.DefaultSpeedKmh, ETACapMinutes: eta.DefaultCapMinutes, TopN: 3}
}

// Candidate is a helper that survived every filter, with its distance from
// the requester and the quoted ETA.
type Candidate struct {
	Helper     models.Helper
	DistanceKm float64
	ETA        int
}

func (c Candidate) Assigned() models.AssignedHelper {
	return models.AssignedHelper{Helper: c.Helper, DistanceKm: c.DistanceKm, ETA: c.ETA}
}

type Matcher struct {
	cfg    Config
	eta    eta.Estimator
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Matcher {
	def := DefaultConfig()
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = def.SpeedKmh
	}
	if cfg.ETACapMinutes <= 0 {
		cfg.ETACapMinutes = def.ETACapMinutes
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		cfg:    cfg,
		eta:    eta.Estimator{SpeedKmh: cfg.SpeedKmh, CapMinutes: cfg.ETACapMinutes},
		logger: logger,
	}
}

func (m *Matcher) Config() Config { return m.cfg }

// Rank runs the staged pipeline: skill, availability, distance, radius, then
// sorts survivors by distance ascending, rating descending and id. Each
// stage only sees the survivors of the previous one. The helpers slice is
// read, never modified.
func (m *Matcher) Rank(user models.Coord, skill models.ServiceType, helpers []models.Helper) ([]Candidate, Stage) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	log := m.logger.With("skill", skill, "lat", user.Lat, "lng", user.Lng)
	if len(helpers) == 0 {
		return m.none(log, StageEmptyPool)
	}

	skilled := make([]models.Helper, 0, len(helpers))
	for _, h := range helpers {
		if h.HasSkill(skill) {
			skilled = append(skilled, h)
		}
	}
	log.Debug("skill filter", "survivors", len(skilled), "pool", len(helpers))
	if len(skilled) == 0 {
		return m.none(log, StageSkill)
	}

	available := make([]models.Helper, 0, len(skilled))
	for _, h := range skilled {
		if h.Matchable() {
			available = append(available, h)
		}
	}
	log.Debug("availability filter", "survivors", len(available), "pool", len(skilled))
	if len(available) == 0 {
		return m.none(log, StageAvailability)
	}

	located := make([]Candidate, 0, len(available))
	for _, h := range available {
		if !geo.IsValidCoordinate(h.Location) {
			continue
		}
		located = append(located, Candidate{Helper: h, DistanceKm: geo.Distance(user, h.Location)})
	}
	if len(located) == 0 {
		return m.none(log, StageDistance)
	}

	inRange := located[:0]
	for _, c := range located {
		if geo.WithinRadius(c.DistanceKm, m.cfg.RadiusKm) {
			c.ETA = m.eta.Minutes(c.DistanceKm)
			inRange = append(inRange, c)
		}
	}
	log.Debug("radius filter", "survivors", len(inRange), "pool", len(located), "radius_km", m.cfg.RadiusKm)
	if len(inRange) == 0 {
		return m.none(log, StageRadius)
	}

	sort.SliceStable(inRange, func(i, j int) bool {
		a, b := inRange[i], inRange[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Helper.Rating != b.Helper.Rating {
			return a.Helper.Rating > b.Helper.Rating
		}
		return a.Helper.ID < b.Helper.ID
	})
	return inRange, StageMatched
}

// FindBestMatch returns the head of the ranking.
func (m *Matcher) FindBestMatch(user models.Coord, skill models.ServiceType, helpers []models.Helper) (Candidate, bool) {
	ranked, _ := m.Rank(user, skill, helpers)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	best := ranked[0]
	observability.MatchesTotal.Inc()
	m.logger.Info("helper selected", "helper_id", best.Helper.ID, "skill", skill, "distance_km", best.DistanceKm, "eta_minutes", best.ETA, "rating", best.Helper.Rating)
	return best, true
}

// FindTopCandidates returns at most TopN ranked helpers, kept for reassignment.
func (m *Matcher) FindTopCandidates(user models.Coord, skill models.ServiceType, helpers []models.Helper) []Candidate {
	ranked, _ := m.Rank(user, skill, helpers)
	if len(ranked) > m.cfg.TopN {
		ranked = ranked[:m.cfg.TopN]
	}
	return ranked
}

func (m *Matcher) none(log *slog.Logger, stage Stage) ([]Candidate, Stage) {
	observability.NoMatchTotal.WithLabelValues(string(stage)).Inc()
	log.Warn("no helper matched", "stage", stage)
	return nil, stage
}
