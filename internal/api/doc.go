// Package api hosts the hub's HTTP surface: the WebSocket subscribe
// endpoint, a health endpoint and the per-home device snapshot used by
// realtime clients to resynchronise after a reconnect.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// CRUD for devices, scenes and automations lives elsewhere; this
// process only serves the realtime path.
package api
