package loxone

import (
	"encoding/json"
	"fmt"
)

// SessionConfig is the configuration of one connection attempt.
// Topic: graylogic/command/loxone/connect
type SessionConfig struct {
	// Host is the Miniserver address, optionally with a port.
	Host string `json:"host"`

	// User and Password authenticate against the Miniserver.
	User     string `json:"user"`
	Password string `json:"password"`

	// RoomUUID selects the room whose controls are bound.
	RoomUUID string `json:"room_uuid"`

	// Presence enables presence tracking via the room's light controller.
	Presence bool `json:"presence"`
}

// UnmarshalJSON also accepts the "pwd" and "roomUuid" field names used by
// existing front ends.
func (c *SessionConfig) UnmarshalJSON(data []byte) error {
	type plain SessionConfig
	var aux struct {
		plain
		Pwd      string `json:"pwd"`
		RoomUUID string `json:"roomUuid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*c = SessionConfig(aux.plain)
	if c.Password == "" {
		c.Password = aux.Pwd
	}
	if c.RoomUUID == "" {
		c.RoomUUID = aux.RoomUUID
	}
	return nil
}

// Validate checks that the config can be used to open a session.
func (c SessionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.User == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidConfig)
	}
	return nil
}

// String renders the config with the password redacted.
func (c SessionConfig) String() string {
	pw := ""
	if c.Password != "" {
		pw = "[REDACTED]"
	}
	return fmt.Sprintf("{host=%s user=%s password=%s room=%s presence=%t}",
		c.Host, c.User, pw, c.RoomUUID, c.Presence)
}
