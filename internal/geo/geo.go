package geo

import (
	"math"
	"sort"

	"github.com/example/helper-matching/internal/models"
)

const (
	EarthRadiusKm = 6371.0
	// ServiceRadiusKm matches the 15 minute promise at 60 km/h.
	ServiceRadiusKm = 15.0
)

// Haversine distance in kilometres, unrounded.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is the great-circle distance between a and b in km, rounded to 2 decimals.
func Distance(a, b models.Coord) float64 {
	return math.Round(Haversine(a.Lat, a.Lng, b.Lat, b.Lng)*100) / 100
}

func IsValidCoordinate(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func IsWithinServiceRadius(distanceKm float64) bool {
	return WithinRadius(distanceKm, ServiceRadiusKm)
}

func WithinRadius(distanceKm, radiusKm float64) bool {
	return distanceKm <= radiusKm
}

// Located pairs a helper with its distance from some origin.
type Located struct {
	Helper     models.Helper
	DistanceKm float64
}

// WithinRadiusOf returns helpers with a valid location inside radiusKm of
// center, nearest first. Status is not considered.
func WithinRadiusOf(center models.Coord, helpers []models.Helper, radiusKm float64) []Located {
	out := make([]Located, 0, len(helpers))
	for _, h := range helpers {
		if !IsValidCoordinate(h.Location) {
			continue
		}
		d := Distance(center, h.Location)
		if WithinRadius(d, radiusKm) {
			out = append(out, Located{Helper: h, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}
