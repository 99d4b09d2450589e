package eta

import "math"

const (
	DefaultSpeedKmh   = 60.0
	DefaultCapMinutes = 15
)

// Estimate returns travel time in whole minutes at speedKmh, rounded up and
// capped at the 15 minute promise. The cap applies even when the real travel
// time is longer: it is the quoted value, not a measurement.
func Estimate(distanceKm, speedKmh float64) int {
	return Estimator{SpeedKmh: speedKmh}.Minutes(distanceKm)
}

// Estimator carries overridable speed and cap values. Zero fields fall back
// to the defaults.
type Estimator struct {
	SpeedKmh   float64
	CapMinutes int
}

func (e Estimator) Minutes(distanceKm float64) int {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	capMin := e.CapMinutes
	if capMin <= 0 {
		capMin = DefaultCapMinutes
	}
	if distanceKm <= 0 || math.IsNaN(distanceKm) {
		return 0
	}
	minutes := math.Ceil(distanceKm * 60 / speed)
	if minutes > float64(capMin) {
		return capMin
	}
	return int(minutes)
}
