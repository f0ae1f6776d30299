// Package influxdb writes the Loxone bridge's telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. The bridge records:
//   - room temperatures (room_climate)
//   - presence changes (room_presence)
//   - Miniserver session transitions, including out-of-service windows
//   - active Miniserver notifications
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteRoomTemperature("Living Room", 21.5)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Write failures are delivered to the SetOnError callback.
package influxdb
