// Package config loads the hub's YAML configuration, layering three
// sources: built-in defaults, the config file, then HEARTH_* env
// overrides for values that should stay out of files (MQTT password,
// bridge secret, influx token). Validate collects every problem in one
// pass so a bad config fails with the full list, not the first hit.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The config is read once at startup and treated as immutable after.
package config
