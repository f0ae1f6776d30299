package loxone

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Control types the bridge binds to.
const (
	ControlTypeRoomController  = "IRoomController"
	ControlTypeLightController = "LightControllerV2"
)

// State and detail names read from bound controls.
const (
	stateTempActual    = "tempActual"
	stateActiveMoods   = "activeMoods"
	detailFormat       = "format"
	globalNotification = "notifications"
)

// Room is an entry of the structure file's rooms section.
type Room struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Control is an entry of the structure file's controls section.
type Control struct {
	UUID    string                     `json:"-"`
	Name    string                     `json:"name"`
	Type    string                     `json:"type"`
	Room    string                     `json:"room"`
	States  map[string]json.RawMessage `json:"states"`
	Details map[string]json.RawMessage `json:"details"`
}

// State returns the uuid of a named state. States holding arrays (used by
// some control types for multi-value states) are not returned.
func (c Control) State(name string) (string, bool) {
	raw, ok := c.States[name]
	if !ok {
		return "", false
	}
	var uuid string
	if err := json.Unmarshal(raw, &uuid); err != nil || uuid == "" {
		return "", false
	}
	return uuid, true
}

// Detail returns a string detail attribute such as the display format.
func (c Control) Detail(name string) string {
	raw, ok := c.Details[name]
	if !ok {
		return ""
	}
	return rawString(raw)
}

// MiniserverInfo is the msInfo section, logged on every handshake.
type MiniserverInfo struct {
	SerialNr    string `json:"serialNr"`
	MSName      string `json:"msName"`
	ProjectName string `json:"projectName"`
	SWVersion   string `json:"swVersion"`
}

// Structure is a parsed LoxAPP3.json document. It is immutable after parsing.
type Structure struct {
	LastModified string
	Info         MiniserverInfo

	rooms        map[string]Room
	controls     []Control
	globalStates map[string]string
	raw          []byte
}

// ParseStructure parses a structure file. Controls keep their document
// order so that control lookups are deterministic.
func ParseStructure(data []byte) (*Structure, error) {
	var doc struct {
		LastModified string                     `json:"lastModified"`
		MSInfo       MiniserverInfo             `json:"msInfo"`
		GlobalStates map[string]json.RawMessage `json:"globalStates"`
		Rooms        map[string]Room            `json:"rooms"`
		Controls     json.RawMessage            `json:"controls"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: document is not a JSON object", ErrStructureInvalid)
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStructureInvalid, err)
	}

	controls, err := parseControls(doc.Controls)
	if err != nil {
		return nil, fmt.Errorf("%w: controls: %w", ErrStructureInvalid, err)
	}

	rooms := make(map[string]Room, len(doc.Rooms))
	for uuid, room := range doc.Rooms {
		if room.UUID == "" {
			room.UUID = uuid
		}
		rooms[uuid] = room
	}

	globals := make(map[string]string, len(doc.GlobalStates))
	for name, raw := range doc.GlobalStates {
		if v := rawString(raw); v != "" {
			globals[name] = v
		}
	}

	return &Structure{
		LastModified: doc.LastModified,
		Info:         doc.MSInfo,
		rooms:        rooms,
		controls:     controls,
		globalStates: globals,
		raw:          bytes.Clone(data),
	}, nil
}

// parseControls walks the controls object token by token to keep its order.
func parseControls(raw json.RawMessage) ([]Control, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var controls []Control
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		uuid, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", keyTok)
		}

		var c Control
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("control %s: %w", uuid, err)
		}
		c.UUID = uuid
		controls = append(controls, c)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return controls, nil
}

// Raw returns the document as received.
func (s *Structure) Raw() []byte {
	return s.raw
}

// Room looks up a room by uuid.
func (s *Structure) Room(uuid string) (Room, bool) {
	r, ok := s.rooms[uuid]
	return r, ok
}

// RoomCount returns the number of rooms.
func (s *Structure) RoomCount() int {
	return len(s.rooms)
}

// ControlCount returns the number of top-level controls.
func (s *Structure) ControlCount() int {
	return len(s.controls)
}

// ControlsInRoom returns every control of the given type in a room, in
// document order.
func (s *Structure) ControlsInRoom(roomUUID, controlType string) []Control {
	var out []Control
	for _, c := range s.controls {
		if c.Room == roomUUID && c.Type == controlType {
			out = append(out, c)
		}
	}
	return out
}

// FindControl returns the first control of the given type in a room.
func (s *Structure) FindControl(roomUUID, controlType string) (Control, bool) {
	for _, c := range s.controls {
		if c.Room == roomUUID && c.Type == controlType {
			return c, true
		}
	}
	return Control{}, false
}

// NotificationsState returns the notifications global state uuid.
func (s *Structure) NotificationsState() (string, bool) {
	uuid, ok := s.globalStates[globalNotification]
	return uuid, ok
}

// Bindings map the state uuids the Router understands to their meaning.
// Empty fields are unbound.
type Bindings struct {
	RoomUUID string
	RoomName string

	TemperatureState  string
	TemperatureFormat string

	PresenceState string

	NotificationState string
}

// ResolveResult is the outcome of resolving a room against a structure.
// Misses degrade the matching feature and never fail the handshake.
type ResolveResult struct {
	Bindings Bindings

	Room            Room
	RoomController  Control
	LightController Control

	RoomMissing            bool
	RoomControllerMissing  bool
	LightControllerMissing bool
	NotificationsMissing   bool
}

// Resolve finds the room, its room controller (temperature) and, when
// presence is enabled, its light controller (presence) together with the
// notifications global state.
func (s *Structure) Resolve(roomUUID string, presence bool) ResolveResult {
	var res ResolveResult

	if room, ok := s.Room(roomUUID); ok {
		res.Room = room
		res.Bindings.RoomUUID = room.UUID
		res.Bindings.RoomName = room.Name

		res.RoomControllerMissing = true
		if irc, ok := s.FindControl(room.UUID, ControlTypeRoomController); ok {
			if state, ok := irc.State(stateTempActual); ok {
				res.RoomController = irc
				res.RoomControllerMissing = false
				res.Bindings.TemperatureState = state
				res.Bindings.TemperatureFormat = irc.Detail(detailFormat)
			}
		}

		if presence {
			res.LightControllerMissing = true
			if lc, ok := s.FindControl(room.UUID, ControlTypeLightController); ok {
				if state, ok := lc.State(stateActiveMoods); ok {
					res.LightController = lc
					res.LightControllerMissing = false
					res.Bindings.PresenceState = state
				}
			}
		}
	} else {
		res.RoomMissing = true
	}

	if uuid, ok := s.NotificationsState(); ok {
		res.Bindings.NotificationState = uuid
	} else {
		res.NotificationsMissing = true
	}

	return res
}
