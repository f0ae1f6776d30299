// Package mqtt provides the MQTT bus client used by the Loxone bridge.
//
// The bus is the bridge's only surface towards the rest of Gray Logic:
//
//	Loxone Miniserver ↔ Loxone Bridge ↔ MQTT Broker ↔ Gray Logic Core / panels
//
// Traffic on the bus:
//   - semantic messages (temperature, presence, notifications, state) are
//     published on bridge topics
//   - connect and request commands arrive on subscribed command topics
//   - a Last Will and Testament marks the bridge offline if it dies
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.BridgeState("loxone", "0f1e2d3c-0000-0001-ffff403fb0c34b9e")
//	err = client.Publish(topic, []byte(`{"value":21.5}`), 1, true)
//
// Subscriptions are tracked and restored after the paho client reconnects.
package mqtt
