package loxone

import (
	"context"
	"fmt"
	"strconv"
)

// Miniserver commands used by the session.
const (
	// CommandStructure downloads the structure file.
	CommandStructure = "data/LoxAPP3.json"

	// CommandEnableStatusUpdate starts the binary event stream.
	CommandEnableStatusUpdate = "jdev/sps/enablebinstatusupdate"

	// CommandKeepalive keeps an idle socket open.
	CommandKeepalive = "keepalive"
)

// EventType is the message identifier from a Miniserver binary header.
type EventType uint8

const (
	EventTypeTextMessage  EventType = 0 // response to a text command
	EventTypeFile         EventType = 1 // binary or file response
	EventTypeValue        EventType = 2 // value event table
	EventTypeText         EventType = 3 // text event table
	EventTypeDaytimer     EventType = 4
	EventTypeOutOfService EventType = 5
	EventTypeKeepalive    EventType = 6
	EventTypeWeather      EventType = 7
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventTypeTextMessage:
		return "text_message"
	case EventTypeFile:
		return "file"
	case EventTypeValue:
		return "value"
	case EventTypeText:
		return "text"
	case EventTypeDaytimer:
		return "daytimer"
	case EventTypeOutOfService:
		return "out_of_service"
	case EventTypeKeepalive:
		return "keepalive"
	case EventTypeWeather:
		return "weather"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// CloseCode is the reason a transport reports when its connection ends.
// Codes other than the named ones are WebSocket close codes passed through
// from the peer.
type CloseCode int

const (
	// CloseNormal means the connection closed without a specific reason.
	CloseNormal CloseCode = 1000

	// CloseOutOfService means the Miniserver announced it is rebooting.
	CloseOutOfService CloseCode = 503
)

// String returns a readable name for the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseOutOfService:
		return "out_of_service"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Event is one decoded state change.
//
// Value events carry Value; text events carry Text and IconUUID.
type Event struct {
	UUID     string
	Value    float64
	Text     string
	IconUUID string
}

// Response is the payload of a command response.
type Response struct {
	// Raw is the complete response body. For the structure file this is the
	// JSON document; for regular commands an {"LL":{...}} envelope.
	Raw []byte
}

// Transport is an open, authenticated session with a Miniserver.
//
// Send is safe for concurrent use; responses are matched to commands in
// the order they were written. Close is synchronous and idempotent.
type Transport interface {
	Send(ctx context.Context, command string) (Response, error)
	Close() error
}

// TransportEvents receives asynchronous notifications from a Transport.
// Calls arrive on the transport's read goroutine.
//
// ConnectionClosed is delivered once, after the transport has shut itself
// down, and only for closures the transport did not initiate via Close.
type TransportEvents interface {
	ConnectionClosed(code CloseCode)
	EventsReceived(events []Event, eventType EventType)
}

// Dialer opens a new Transport bound to an events sink. The context bounds
// connection setup and authentication only, not the transport's lifetime.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig, events TransportEvents) (Transport, error)
}
