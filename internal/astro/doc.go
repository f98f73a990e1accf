// Package astro computes solar event times for sun-based automation
// triggers.
//
// The Calculator implements the NOAA solar position approximation: good
// to a couple of minutes at ordinary latitudes, which is well inside the
// one-minute evaluation grid the automation engine runs on. Supported
// events are sunrise, sunset, civil dawn, civil dusk and solar noon.
//
// Everything is computed locally from the site's coordinates. No network
// access, no tables, and deterministic output for a given instant, so
// sun triggers keep working when the hub is offline.
//
//	calc, err := astro.NewCalculator(51.5074, -0.1278)
//	next, err := calc.NextEvent("sunset", -30*time.Minute, time.Now())
package astro
