// Package device provides the State Store for Hearth Core.
//
// The State Store is the authoritative registry of every device and entity
// the hub has ever seen. Nothing is registered up front: devices and
// entities are discovered from their first state message and kept current
// by subsequent traffic.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                            State Store                               │
//	│                                                                      │
//	│  ┌────────────────┐    ┌──────────────────┐    ┌──────────────────┐  │
//	│  │     Store      │    │    Repository    │    │    Controller    │  │
//	│  │   (store.go)   │───▶│ (repository.go)  │    │   (control.go)   │  │
//	│  │                │    │                  │    │                  │  │
//	│  │ • Auto-discover│    │ • SQLite queries │    │ • Command encode │  │
//	│  │ • In-mem cache │    │ • JSON marshal   │    │ • MQTT publish   │  │
//	│  │ • Change fanout│    │ • Attribute rows │    │                  │  │
//	│  └────────────────┘    └──────────────────┘    └──────────────────┘  │
//	└──────────────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Device: one physical node, addressed by (home_id, node_name)
//   - Entity: one function of a device, addressed by (device_id, kind, name)
//   - State: the entity's current JSON state map
//   - StateChange / StatusChange: change notifications fanned out to
//     the automation engine, realtime hub, cloud bridge and history sink
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	store := device.NewStore(repo)
//	store.SetLogger(log)
//
//	// Load persisted devices and entities on startup
//	if err := store.Warm(ctx); err != nil {
//	    return err
//	}
//
//	store.OnStateChange(func(ch device.StateChange) {
//	    // evaluate automations, broadcast to clients, ...
//	})
//
//	// Fed by the ingest dispatcher for every state message
//	store.IngestState(ctx, "h1", "node1", device.KindLight, "ceiling", payload)
//
//	// Send a command to a controllable entity
//	ctl := device.NewController(store, mqttClient, 1)
//	ctl.SendCommand(ctx, entityID, map[string]any{"power": true})
//
// # Thread Safety
//
// The Store is safe for concurrent use. Cache access is protected by a
// read-write mutex; ingest for one entity address is serialized on a
// stripe lock. All returned values are deep copies.
package device
