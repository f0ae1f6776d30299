package loxone

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-loxone/internal/history"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/mqtt"
)

// Protocol is the protocol segment of every topic published by this bridge.
const Protocol = "loxone"

var topics = mqtt.Topics{}

// Message kinds, also used as the history record kind.
const (
	KindTemperature      = "temperature"
	KindPresence         = "presence"
	KindNotification     = "notification"
	KindState            = "state"
	KindResponse         = "response"
	KindOutOfService     = "out_of_service"
	KindConnectionClosed = "connection_closed"
	KindHistory          = "history"
)

// Message is a semantic message published to MQTT. The payload is the JSON
// encoding of the message itself.
type Message interface {
	Topic() string
	Retained() bool
	Kind() string
}

// TemperatureMessage reports the actual temperature of the configured room.
// Topic: graylogic/state/loxone/room/{room_uuid}/temperature
// QoS: 1, Retained: Yes
type TemperatureMessage struct {
	RoomUUID    string    `json:"room_uuid"`
	RoomName    string    `json:"room"`
	UUID        string    `json:"uuid"`
	Temperature float64   `json:"temperature"`
	Format      string    `json:"format,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (m TemperatureMessage) Topic() string  { return TemperatureTopic(m.RoomUUID) }
func (m TemperatureMessage) Retained() bool { return true }
func (m TemperatureMessage) Kind() string   { return KindTemperature }

// PresenceMessage reports presence inferred from the light controller moods.
// Topic: graylogic/state/loxone/room/{room_uuid}/presence
// QoS: 1, Retained: Yes
type PresenceMessage struct {
	RoomUUID  string    `json:"room_uuid"`
	RoomName  string    `json:"room"`
	UUID      string    `json:"uuid"`
	Present   bool      `json:"present"`
	Moods     []int     `json:"moods"`
	Timestamp time.Time `json:"timestamp"`
}

func (m PresenceMessage) Topic() string  { return PresenceTopic(m.RoomUUID) }
func (m PresenceMessage) Retained() bool { return true }
func (m PresenceMessage) Kind() string   { return KindPresence }

// NotificationMessage carries a Miniserver notification value.
// Topic: graylogic/event/loxone/notification
type NotificationMessage struct {
	UUID      string    `json:"uuid"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (m NotificationMessage) Topic() string  { return NotificationTopic() }
func (m NotificationMessage) Retained() bool { return false }
func (m NotificationMessage) Kind() string   { return KindNotification }

// StateMessage is emitted for every decoded state change, bound or not.
// Topic: graylogic/state/loxone/{uuid}
// QoS: 1, Retained: Yes
type StateMessage struct {
	UUID      string    `json:"uuid"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (m StateMessage) Topic() string  { return StateTopic(m.UUID) }
func (m StateMessage) Retained() bool { return true }
func (m StateMessage) Kind() string   { return KindState }

// ResponseMessage is the outcome of a passthrough request.
// Topic: graylogic/response/loxone/{id}
type ResponseMessage struct {
	ID        string          `json:"id"`
	Command   string          `json:"cmd"`
	Success   bool            `json:"success"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m ResponseMessage) Topic() string  { return ResponseTopic(m.ID) }
func (m ResponseMessage) Retained() bool { return false }
func (m ResponseMessage) Kind() string   { return KindResponse }

// OutOfServiceMessage flags the Miniserver reboot window.
// Topic: graylogic/health/loxone/out_of_service
// QoS: 1, Retained: Yes
type OutOfServiceMessage struct {
	OutOfService bool      `json:"out_of_service"`
	Host         string    `json:"host,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (m OutOfServiceMessage) Topic() string  { return OutOfServiceTopic() }
func (m OutOfServiceMessage) Retained() bool { return true }
func (m OutOfServiceMessage) Kind() string   { return KindOutOfService }

// ConnectionClosedMessage reports a closure the session does not recover from.
// Topic: graylogic/event/loxone/connection_closed
type ConnectionClosedMessage struct {
	Code         int       `json:"code"`
	Reason       string    `json:"reason"`
	Host         string    `json:"host,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (m ConnectionClosedMessage) Topic() string  { return ConnectionClosedTopic() }
func (m ConnectionClosedMessage) Retained() bool { return false }
func (m ConnectionClosedMessage) Kind() string   { return KindConnectionClosed }

// HistoryResponseMessage answers a history query.
// Topic: graylogic/response/loxone/history/{id}
type HistoryResponseMessage struct {
	ID        string          `json:"id"`
	EntryKind string          `json:"kind,omitempty"`
	Entries   []history.Entry `json:"entries"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m HistoryResponseMessage) Topic() string  { return HistoryResponseTopic(m.ID) }
func (m HistoryResponseMessage) Retained() bool { return false }
func (m HistoryResponseMessage) Kind() string   { return KindHistory }

// responseBody returns raw as JSON when it is valid JSON and as a JSON
// string otherwise.
func responseBody(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}

// =============================================================================
// Topics
// =============================================================================

// TemperatureTopic returns the room temperature topic.
func TemperatureTopic(roomUUID string) string {
	return topics.BridgeState(Protocol, "room/"+roomUUID+"/temperature")
}

// PresenceTopic returns the room presence topic.
func PresenceTopic(roomUUID string) string {
	return topics.BridgeState(Protocol, "room/"+roomUUID+"/presence")
}

// NotificationTopic returns the notification event topic.
func NotificationTopic() string {
	return topics.BridgeEvent(Protocol, "notification")
}

// StateTopic returns the generic state topic for a state uuid.
func StateTopic(uuid string) string {
	return topics.BridgeState(Protocol, uuid)
}

// ResponseTopic returns the passthrough response topic for a request id.
func ResponseTopic(requestID string) string {
	return topics.BridgeResponse(Protocol, requestID)
}

// RequestTopic returns the passthrough request topic.
func RequestTopic() string {
	return topics.BridgeRequest(Protocol)
}

// HistoryRequestTopic returns the history query topic.
func HistoryRequestTopic() string {
	return RequestTopic() + "/history"
}

// HistoryResponseTopic returns the history answer topic for a query id.
func HistoryResponseTopic(requestID string) string {
	return topics.BridgeResponse(Protocol, "history/"+requestID)
}

// ConnectTopic returns the connect command topic.
func ConnectTopic() string {
	return topics.BridgeCommand(Protocol, "connect")
}

// StructureTopic returns the structure document topic.
func StructureTopic() string {
	return topics.BridgeStructure(Protocol)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return topics.BridgeHealth(Protocol)
}

// OutOfServiceTopic returns the out-of-service flag topic.
func OutOfServiceTopic() string {
	return HealthTopic() + "/out_of_service"
}

// ConnectionClosedTopic returns the unhandled closure event topic.
func ConnectionClosedTopic() string {
	return topics.BridgeEvent(Protocol, "connection_closed")
}
