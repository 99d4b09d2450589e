package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/helper-matching/internal/models"
)

// RedisMirror keeps a copy of helper positions in a Redis GEO set and
// helper metadata in per-helper hashes, so a restarted server can hydrate
// its directory and other processes can read the fleet.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisMirror) Close() error { return r.client.Close() }

// Upsert writes the full helper record.
func (r *RedisMirror) Upsert(ctx context.Context, h models.Helper) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: h.Location.Lng, Latitude: h.Location.Lat, Name: h.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", h.ID, err)
	}
	return r.client.HSet(ctx, metaKey(h.ID), encodeMeta(h)).Err()
}

// ApplyUpdate writes a single feed event. Unknown helpers are created with
// whatever the event carries.
func (r *RedisMirror) ApplyUpdate(ctx context.Context, u models.FeedUpdate) error {
	if u.Location != nil {
		if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Location.Lng, Latitude: u.Location.Lat, Name: u.HelperID}).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", u.HelperID, err)
		}
	}
	fields := map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339)}
	if u.Status != nil {
		fields["status"] = string(*u.Status)
	}
	return r.client.HSet(ctx, metaKey(u.HelperID), fields).Err()
}

// Load reads every mirrored helper back.
func (r *RedisMirror) Load(ctx context.Context) ([]models.Helper, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", r.key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pos, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("geopos %s: %w", r.key, err)
	}
	out := make([]models.Helper, 0, len(ids))
	for i, id := range ids {
		if i >= len(pos) || pos[i] == nil {
			continue
		}
		h := models.Helper{ID: id, Location: models.Coord{Lat: pos[i].Latitude, Lng: pos[i].Longitude}}
		m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", id, err)
		}
		decodeMeta(&h, m)
		out = append(out, h)
	}
	return out, nil
}

func metaKey(id string) string { return "helper:meta:" + id }

func encodeMeta(h models.Helper) map[string]interface{} {
	skills := make([]string, len(h.Skills))
	for i, s := range h.Skills {
		skills[i] = string(s)
	}
	return map[string]interface{}{
		"name":       h.Name,
		"skills":     strings.Join(skills, ","),
		"status":     string(h.Status),
		"rating":     strconv.FormatFloat(h.Rating, 'f', 2, 64),
		"jobs":       strconv.Itoa(h.CompletedJobs),
		"experience": strconv.Itoa(h.ExperienceYears),
		"updated":    time.Now().UTC().Format(time.RFC3339),
	}
}

func decodeMeta(h *models.Helper, m map[string]string) {
	h.Name = m["name"]
	if v := m["skills"]; v != "" {
		for _, s := range strings.Split(v, ",") {
			h.Skills = append(h.Skills, models.ServiceType(s))
		}
	}
	h.Status = models.HelperStatus(m["status"])
	if !h.Status.Valid() {
		h.Status = models.HelperOffline
	}
	h.Available = h.Status == models.HelperAvailable
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		h.Rating = f
	}
	if n, err := strconv.Atoi(m["jobs"]); err == nil {
		h.CompletedJobs = n
	}
	if n, err := strconv.Atoi(m["experience"]); err == nil {
		h.ExperienceYears = n
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		h.Updated = t
	}
}
