package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementRoomClimate   = "room_climate"
	measurementRoomPresence  = "room_presence"
	measurementConnection    = "miniserver_connection"
	measurementNotifications = "miniserver_notifications"
)

func roomTemperaturePoint(room string, celsius float64, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementRoomClimate,
		map[string]string{"room": room},
		map[string]interface{}{"temperature_c": celsius},
		ts,
	)
}

func presencePoint(room string, present bool, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementRoomPresence,
		map[string]string{"room": room},
		map[string]interface{}{"present": present},
		ts,
	)
}

func connectionPoint(host, state string, outOfService bool, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementConnection,
		map[string]string{"host": host},
		map[string]interface{}{
			"state":          state,
			"out_of_service": outOfService,
		},
		ts,
	)
}

func notificationPoint(host string, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementNotifications,
		map[string]string{"host": host},
		map[string]interface{}{"count": 1},
		ts,
	)
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

// WriteRoomTemperature records a room temperature reading.
//
//	client.WriteRoomTemperature("Living Room", 21.5)
func (c *Client) WriteRoomTemperature(room string, celsius float64) {
	c.writePoint(roomTemperaturePoint(room, celsius, time.Now()))
}

// WritePresence records a room presence change.
func (c *Client) WritePresence(room string, present bool) {
	c.writePoint(presencePoint(room, present, time.Now()))
}

// WriteConnectionState records a Miniserver session state transition.
func (c *Client) WriteConnectionState(host, state string, outOfService bool) {
	c.writePoint(connectionPoint(host, state, outOfService, time.Now()))
}

// WriteNotification counts an active Miniserver notification.
func (c *Client) WriteNotification(host string) {
	c.writePoint(notificationPoint(host, time.Now()))
}
