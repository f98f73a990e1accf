package astro

import (
	"errors"
	"testing"
	"time"
)

// within asserts got is inside tolerance of want.
func within(t *testing.T, name string, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("%s = %v, want %v +/- %v (off by %v)", name, got, want, tolerance, diff)
	}
}

func mustCalculator(t *testing.T, lat, lon float64) *Calculator {
	t.Helper()
	c, err := NewCalculator(lat, lon)
	if err != nil {
		t.Fatalf("NewCalculator(%v, %v) error = %v", lat, lon, err)
	}
	return c
}

// ─── Known Values ────────────────────────────────────────────────────────────

func TestEventTime_LondonSolstice(t *testing.T) {
	// London, 2026-06-21. Published times: sunrise 04:43 BST, sunset
	// 21:21 BST. The approximation is good to a couple of minutes.
	c := mustCalculator(t, 51.5074, -0.1278)
	day := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)
	tol := 10 * time.Minute

	sunrise, err := c.EventTime(EventSunrise, day)
	if err != nil {
		t.Fatalf("EventTime(sunrise) error = %v", err)
	}
	within(t, "sunrise", sunrise, time.Date(2026, 6, 21, 3, 43, 0, 0, time.UTC), tol)

	sunset, err := c.EventTime(EventSunset, day)
	if err != nil {
		t.Fatalf("EventTime(sunset) error = %v", err)
	}
	within(t, "sunset", sunset, time.Date(2026, 6, 21, 20, 21, 0, 0, time.UTC), tol)
}

func TestEventTime_Ordering(t *testing.T) {
	c := mustCalculator(t, 48.8566, 2.3522) // Paris
	day := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	events := []Event{EventDawn, EventSunrise, EventNoon, EventSunset, EventDusk}
	times := make([]time.Time, len(events))
	for i, ev := range events {
		at, err := c.EventTime(ev, day)
		if err != nil {
			t.Fatalf("EventTime(%s) error = %v", ev, err)
		}
		times[i] = at
	}

	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Errorf("%s (%v) not after %s (%v)", events[i], times[i], events[i-1], times[i-1])
		}
	}
}

func TestEventTime_NoonAtGreenwich(t *testing.T) {
	// On the prime meridian solar noon stays within the equation of
	// time's swing around 12:00 UTC.
	c := mustCalculator(t, 51.4779, 0)
	day := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

	noon, err := c.EventTime(EventNoon, day)
	if err != nil {
		t.Fatalf("EventTime(noon) error = %v", err)
	}
	within(t, "noon", noon, time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC), 17*time.Minute)
}

func TestEventTime_PolarNight(t *testing.T) {
	// Longyearbyen in December: the sun never rises.
	c := mustCalculator(t, 78.2232, 15.6267)
	day := time.Date(2026, 12, 21, 0, 0, 0, 0, time.UTC)

	if _, err := c.EventTime(EventSunrise, day); !errors.Is(err, ErrNoOccurrence) {
		t.Errorf("EventTime(sunrise) error = %v, want ErrNoOccurrence", err)
	}

	// Solar noon is still defined, the sun just stays below the horizon.
	if _, err := c.EventTime(EventNoon, day); err != nil {
		t.Errorf("EventTime(noon) error = %v, want nil", err)
	}
}

// ─── NextEvent ───────────────────────────────────────────────────────────────

func TestNextEvent_NeverInPast(t *testing.T) {
	c := mustCalculator(t, 51.5074, -0.1278)

	for _, hour := range []int{0, 6, 12, 18, 23} {
		now := time.Date(2026, 6, 21, hour, 0, 0, 0, time.UTC)
		next, err := c.NextEvent("sunset", 0, now)
		if err != nil {
			t.Fatalf("NextEvent(sunset) at %02d:00 error = %v", hour, err)
		}
		if next.Before(now) {
			t.Errorf("NextEvent(sunset) at %02d:00 = %v, before now", hour, next)
		}
		if next.Sub(now) > 26*time.Hour {
			t.Errorf("NextEvent(sunset) at %02d:00 = %v, more than a day away", hour, next)
		}
	}
}

func TestNextEvent_RollsToTomorrow(t *testing.T) {
	c := mustCalculator(t, 51.5074, -0.1278)

	// Just before today's sunset the next occurrence is today, just
	// after it is tomorrow.
	day := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)
	sunset, err := c.EventTime(EventSunset, day)
	if err != nil {
		t.Fatalf("EventTime(sunset) error = %v", err)
	}

	before, err := c.NextEvent("sunset", 0, sunset.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if !before.Equal(sunset) {
		t.Errorf("NextEvent() before sunset = %v, want %v", before, sunset)
	}

	after, err := c.NextEvent("sunset", 0, sunset.Add(time.Minute))
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if !after.After(sunset.Add(23 * time.Hour)) {
		t.Errorf("NextEvent() after sunset = %v, want tomorrow's", after)
	}
}

func TestNextEvent_OffsetApplied(t *testing.T) {
	c := mustCalculator(t, 51.5074, -0.1278)
	day := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)

	sunset, err := c.EventTime(EventSunset, day)
	if err != nil {
		t.Fatalf("EventTime(sunset) error = %v", err)
	}

	now := sunset.Add(-2 * time.Hour)
	shifted, err := c.NextEvent("sunset", -30*time.Minute, now)
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if !shifted.Equal(sunset.Add(-30 * time.Minute)) {
		t.Errorf("NextEvent(-30m) = %v, want %v", shifted, sunset.Add(-30*time.Minute))
	}
}

func TestNextEvent_UnknownEvent(t *testing.T) {
	c := mustCalculator(t, 51.5074, -0.1278)

	if _, err := c.NextEvent("eclipse", 0, time.Now()); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("NextEvent(eclipse) error = %v, want ErrUnknownEvent", err)
	}
}

func TestNextEvent_PolarNight(t *testing.T) {
	c := mustCalculator(t, 78.2232, 15.6267)
	now := time.Date(2026, 12, 21, 0, 0, 0, 0, time.UTC)

	if _, err := c.NextEvent("sunrise", 0, now); !errors.Is(err, ErrNoOccurrence) {
		t.Errorf("NextEvent(sunrise) in polar night error = %v, want ErrNoOccurrence", err)
	}
}

// ─── Validation ──────────────────────────────────────────────────────────────

func TestNewCalculator_Validation(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		wantErr  bool
	}{
		{"valid", 51.5, -0.13, false},
		{"equator", 0, 0, false},
		{"poles", 90, 180, false},
		{"latitude too high", 91, 0, true},
		{"latitude too low", -91, 0, true},
		{"longitude too high", 0, 181, true},
		{"longitude too low", 0, -181, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCalculator(tt.lat, tt.lon)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCalculator(%v, %v) error = %v, wantErr %v", tt.lat, tt.lon, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCoordinates) {
				t.Errorf("error %v does not wrap ErrInvalidCoordinates", err)
			}
		})
	}
}
