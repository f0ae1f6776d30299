// Package loxone implements the Gray Logic bridge to a Loxone Miniserver.
//
// The bridge keeps one persistent session to the Miniserver, discovers its
// room and control topology from the LoxAPP3.json structure file, enables
// binary status updates and turns the resulting event stream into semantic
// MQTT messages:
//
//	Miniserver ──WebSocket──▶ Session ──▶ Router ──▶ MQTT
//	    ▲                        │
//	    └──────── Gateway ◀──────┴── graylogic/request/loxone
//
// # Components
//
//   - Structure resolves rooms, controls and global states from the structure file.
//   - Session owns the connection lifecycle: the ordered handshake, immediate
//     reconnect after a plain close, and the fixed-interval recovery loop that
//     polls a rebooting (out-of-service) Miniserver until it answers again.
//   - Router classifies value and text events against the resolved bindings
//     and decodes room temperature, presence and notifications.
//   - Gateway passes arbitrary commands through to the Miniserver and
//     publishes each response under the caller's request id.
//   - ControlChannel accepts connect and request commands from MQTT, and
//     history queries when an event history is configured.
//   - HealthReporter publishes the session state periodically.
//
// # MQTT Topics
//
//	graylogic/command/loxone/connect                   connect command (SessionConfig JSON)
//	graylogic/request/loxone                           passthrough request {"id","cmd"}
//	graylogic/response/loxone/{id}                     passthrough response
//	graylogic/structure/loxone                         structure file (retained)
//	graylogic/state/loxone/room/{room}/temperature     room temperature (retained)
//	graylogic/state/loxone/room/{room}/presence        room presence (retained)
//	graylogic/event/loxone/notification                Miniserver notification
//	graylogic/state/loxone/{uuid}                      every decoded state change
//	graylogic/health/loxone/out_of_service             reboot window flag (retained)
//	graylogic/event/loxone/connection_closed           unhandled closure
//	graylogic/health/loxone                            bridge health (retained)
//	graylogic/request/loxone/history                   history query {"id","kind","limit"}
//	graylogic/response/loxone/history/{id}             history query answer
//
// # Transport
//
// The WebSocket transport speaks the Miniserver's rfc6455 endpoint with the
// "remotecontrol" subprotocol and hash based authentication. Encrypted
// commands and token authentication are not supported.
package loxone
