package astro

import (
	"fmt"
	"math"
	"time"
)

// Event is a solar event the calculator can resolve.
type Event string

const (
	EventSunrise Event = "sunrise"
	EventSunset  Event = "sunset"
	EventDawn    Event = "dawn"
	EventDusk    Event = "dusk"
	EventNoon    Event = "noon"
)

// Sun altitudes in degrees defining the horizon crossings. Sunrise and
// sunset use the standard refraction-corrected disc altitude, dawn and
// dusk the civil twilight boundary.
const (
	horizonAltitude  = -0.833
	twilightAltitude = -6.0
)

const (
	epochJ2000     = 2451545.0
	secondsPerDay  = 86400.0
	unixEpochJD    = 2440587.5
	obliquity      = 23.4397 // degrees
	earthPeriDeg   = 102.9372
	transitBase    = 0.0009
	anomalyCoeff   = 0.0053
	longitudeCoeff = -0.0069
)

// Calculator computes solar events for one site.
type Calculator struct {
	lat float64
	lon float64
}

// NewCalculator creates a calculator for the given coordinates.
// Latitude is north-positive, longitude east-positive, both in degrees.
func NewCalculator(lat, lon float64) (*Calculator, error) {
	if lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: latitude %v", ErrInvalidCoordinates, lat)
	}
	if lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: longitude %v", ErrInvalidCoordinates, lon)
	}
	return &Calculator{lat: lat, lon: lon}, nil
}

// NextEvent returns the next occurrence of the named event shifted by
// offset, never earlier than now. The result rolls over to the following
// day when today's shifted occurrence has already passed.
func (c *Calculator) NextEvent(event string, offset time.Duration, now time.Time) (time.Time, error) {
	ev := Event(event)
	switch ev {
	case EventSunrise, EventSunset, EventDawn, EventDusk, EventNoon:
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	// Scan a few days forward: the offset can push today's occurrence
	// into the past or tomorrow's into scope, and near the polar circles
	// individual days can lack the event entirely.
	day := now.UTC().AddDate(0, 0, -1)
	for i := 0; i < 5; i++ {
		at, err := c.EventTime(ev, day)
		day = day.AddDate(0, 0, 1)
		if err != nil {
			continue
		}
		shifted := at.Add(offset)
		if !shifted.Before(now) {
			return shifted, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s at %v,%v", ErrNoOccurrence, ev, c.lat, c.lon)
}

// EventTime returns when the event occurs on the given date's UTC day.
// Returns ErrNoOccurrence when the sun never crosses the event's
// altitude that day (polar day or night).
func (c *Calculator) EventTime(event Event, date time.Time) (time.Time, error) {
	d := date.UTC()
	noonJD, meanAnomaly, eclipticLon := c.solarTransit(d)

	switch event {
	case EventNoon:
		return jdToTime(noonJD), nil
	case EventSunrise:
		return c.crossing(noonJD, meanAnomaly, eclipticLon, horizonAltitude, false)
	case EventSunset:
		return c.crossing(noonJD, meanAnomaly, eclipticLon, horizonAltitude, true)
	case EventDawn:
		return c.crossing(noonJD, meanAnomaly, eclipticLon, twilightAltitude, false)
	case EventDusk:
		return c.crossing(noonJD, meanAnomaly, eclipticLon, twilightAltitude, true)
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

// solarTransit computes the Julian date of solar noon at the site for
// the given UTC day, plus the solar mean anomaly and ecliptic longitude
// that feed the crossing calculation.
func (c *Calculator) solarTransit(date time.Time) (noonJD, meanAnomaly, eclipticLon float64) {
	// Anchor on the date's UTC midday so the day number rounds to the
	// intended solar day instead of a neighbour.
	midday := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, time.UTC)
	jd := timeToJD(midday)

	lw := -c.lon // degrees west
	n := math.Round(jd - epochJ2000 - transitBase - lw/360)
	meanSolarTime := n + transitBase + lw/360

	meanAnomaly = math.Mod(357.5291+0.98560028*meanSolarTime, 360)
	center := 1.9148*sinDeg(meanAnomaly) + 0.0200*sinDeg(2*meanAnomaly) + 0.0003*sinDeg(3*meanAnomaly)
	eclipticLon = math.Mod(meanAnomaly+center+180+earthPeriDeg, 360)

	noonJD = epochJ2000 + meanSolarTime +
		anomalyCoeff*sinDeg(meanAnomaly) +
		longitudeCoeff*sinDeg(2*eclipticLon)
	return noonJD, meanAnomaly, eclipticLon
}

// crossing resolves the morning or evening instant at which the sun
// reaches the given altitude around the day's solar noon.
func (c *Calculator) crossing(noonJD, meanAnomaly, eclipticLon, altitude float64, evening bool) (time.Time, error) {
	declination := asinDeg(sinDeg(eclipticLon) * sinDeg(obliquity))

	cosHourAngle := (sinDeg(altitude) - sinDeg(c.lat)*sinDeg(declination)) /
		(cosDeg(c.lat) * cosDeg(declination))
	if cosHourAngle < -1 || cosHourAngle > 1 {
		return time.Time{}, fmt.Errorf("%w: altitude %v never reached", ErrNoOccurrence, altitude)
	}

	hourAngle := acosDeg(cosHourAngle)
	if evening {
		return jdToTime(noonJD + hourAngle/360), nil
	}
	return jdToTime(noonJD - hourAngle/360), nil
}

// ─── Conversions ─────────────────────────────────────────────────────────────

func timeToJD(t time.Time) float64 {
	return float64(t.Unix())/secondsPerDay + unixEpochJD
}

func jdToTime(jd float64) time.Time {
	secs := (jd - unixEpochJD) * secondsPerDay
	return time.Unix(int64(math.Round(secs)), 0).UTC()
}

func sinDeg(d float64) float64  { return math.Sin(d * math.Pi / 180) }
func cosDeg(d float64) float64  { return math.Cos(d * math.Pi / 180) }
func asinDeg(x float64) float64 { return math.Asin(x) * 180 / math.Pi }
func acosDeg(x float64) float64 { return math.Acos(x) * 180 / math.Pi }
