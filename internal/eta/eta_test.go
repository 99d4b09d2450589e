package eta

import "testing"

func TestEstimateRoundsUp(t *testing.T) {
	if got := Estimate(0.01, 60); got != 1 {
		t.Fatalf("expected 1 minute, got %d", got)
	}
	if got := Estimate(5, 60); got != 5 {
		t.Fatalf("expected 5 minutes, got %d", got)
	}
	if got := Estimate(5, 30); got != 10 {
		t.Fatalf("expected 10 minutes at 30 km/h, got %d", got)
	}
}

func TestEstimateCapped(t *testing.T) {
	if got := Estimate(50, 60); got != 15 {
		t.Fatalf("expected cap of 15, got %d", got)
	}
	e := Estimator{SpeedKmh: 60, CapMinutes: 20}
	if got := e.Minutes(50); got != 20 {
		t.Fatalf("expected custom cap of 20, got %d", got)
	}
}

func TestEstimateBounds(t *testing.T) {
	for d := 0.0; d <= 1000; d += 0.37 {
		got := Estimate(d, DefaultSpeedKmh)
		if got < 0 || got > DefaultCapMinutes {
			t.Fatalf("eta %d out of bounds for distance %f", got, d)
		}
	}
}

func TestEstimateDefaultsSpeed(t *testing.T) {
	if got := Estimate(10, 0); got != 10 {
		t.Fatalf("expected default speed to give 10, got %d", got)
	}
}
