// Package logging is a thin wrapper over log/slog giving every
// component the same structured output: JSON or text, a configurable
// level, and service/version fields on each record.
//
// Components take a child logger via With so their records carry a
// component field:
//
//	log := logging.New(cfg.Logging, version)
//	ingestLog := log.With("component", "ingest")
//	ingestLog.Info("worker started", "shard", 3)
//
// Never log secrets. The bridge secret, MQTT password and influx token
// stay out of log fields entirely.
package logging
