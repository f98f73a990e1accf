// Package mqtt owns the broker connection and the topic scheme.
//
// MQTT is the bus between the hub and device nodes. Each node
// publishes entity state and its own liveness, and accepts commands:
//
//	home/{home_id}/{node_name}/{entity_kind}/{entity_name}/state
//	home/{home_id}/{node_name}/{entity_kind}/{entity_name}/command
//	home/{home_id}/{node_name}/status
//
// ParseStateTopic and ParseStatusTopic decode inbound topics into
// addresses; the Topics builders produce the outgoing forms. A topic
// that does not match a shape exactly fails with ErrMalformedTopic and
// the message is dropped, never retried.
//
// The Client wraps paho: it restores subscriptions after a reconnect,
// registers a last-will offline message on hearth/system/status, and
// recovers panics inside message handlers. Production deployments run
// TLS (broker.tls: true); payloads carry no encryption of their own.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllStates(), 1,
//	    func(topic string, payload []byte) error {
//	        addr, err := mqtt.ParseStateTopic(topic)
//	        ...
//	    })
package mqtt
