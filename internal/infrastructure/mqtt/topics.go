package mqtt

import "fmt"

// Topic prefixes. Bridge topics use the flat scheme
// graylogic/{category}/{protocol}/{address_or_id}.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "graylogic"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for Gray Logic MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("loxone", "0f1e2d3c-0000-0001-ffff403fb0c34b9e")
//	// Returns: "graylogic/state/loxone/0f1e2d3c-0000-0001-ffff403fb0c34b9e"
type Topics struct{}

// =============================================================================
// Bridge Topics
// =============================================================================

// BridgeState returns the topic for state updates from a bridge.
//
// Example: graylogic/state/loxone/0f1e2d3c-0000-0001-ffff403fb0c34b9e
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeEvent returns the topic for one-shot events from a bridge.
//
// Example: graylogic/event/loxone/notification
func (Topics) BridgeEvent(protocol, eventType string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefixBridge, protocol, eventType)
}

// BridgeCommand returns the topic for commands to a bridge.
//
// Example: graylogic/command/loxone/connect
func (Topics) BridgeCommand(protocol, command string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, command)
}

// BridgeRequest returns the topic on which a bridge accepts requests.
//
// Example: graylogic/request/loxone
func (Topics) BridgeRequest(protocol string) string {
	return fmt.Sprintf("%s/request/%s", TopicPrefixBridge, protocol)
}

// BridgeResponse returns the topic for request responses from a bridge.
//
// Example: graylogic/response/loxone/req-abc123
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/loxone
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeStructure returns the topic carrying a bridge's discovered topology.
//
// Example: graylogic/structure/loxone
func (Topics) BridgeStructure(protocol string) string {
	return fmt.Sprintf("%s/structure/%s", TopicPrefixBridge, protocol)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the online/offline status topic for a client.
//
// Example: graylogic/system/graylogic-loxone/status
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixSystem, clientID)
}
