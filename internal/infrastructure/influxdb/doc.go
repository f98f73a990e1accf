// Package influxdb records state history: one point per accepted
// entity state change and one per device online/offline transition.
//
// Writes go through the influxdb2 non-blocking WriteAPI with batching,
// so the ingest path never waits on the history store and a failed
// write never affects state handling. Batch errors arrive on the
// SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteEntityState("h1", "ent-123", "sensor", "temperature", 21.5)
//
// Connect returns ErrDisabled when the config section is off; the hub
// then runs without history.
package influxdb
