// Package ingest connects the MQTT bus to the state store.
//
// The Service subscribes to the device wildcards (entity state and
// device status topics), validates each topic shape, and routes the
// message through a sharded dispatcher into the store. Messages for the
// same entity address always land on the same worker, so updates for one
// entity apply in arrival order; different entities proceed in parallel.
//
// Malformed topics and payloads are dropped with a log line. A status
// message for a device that was never discovered is dropped too, status
// traffic never creates devices.
package ingest
