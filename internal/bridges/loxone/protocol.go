package loxone

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	headerSize      = 8
	headerStartByte = 0x03

	// headerFlagEstimated marks a header whose length is an estimate; an
	// exact header follows before the payload.
	headerFlagEstimated = 0x80

	uuidSize        = 16
	valueEventSize  = uuidSize + 8
	textEventHeader = uuidSize + uuidSize + 4
)

var errMalformedFrame = errors.New("loxone: malformed frame")

// messageHeader is the 8-byte header preceding every Miniserver message.
type messageHeader struct {
	Identifier EventType
	Estimated  bool
	Length     uint32
}

func parseHeader(b []byte) (messageHeader, error) {
	if len(b) != headerSize || b[0] != headerStartByte {
		return messageHeader{}, fmt.Errorf("%w: invalid header % x", errMalformedFrame, b)
	}
	return messageHeader{
		Identifier: EventType(b[1]),
		Estimated:  b[2]&headerFlagEstimated != 0,
		Length:     binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// hasPayload reports whether a payload message follows the header.
func (h messageHeader) hasPayload() bool {
	return h.Identifier != EventTypeOutOfService && h.Identifier != EventTypeKeepalive
}

// formatUUID renders a 16-byte Loxone UUID as used in the structure file:
// little-endian Data1-Data2-Data3 followed by the last eight bytes in order.
func formatUUID(b []byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%s",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		hex.EncodeToString(b[8:16]),
	)
}

// parseValueEvents decodes a value event table: repeated UUID + float64 LE.
func parseValueEvents(b []byte) ([]Event, error) {
	if len(b)%valueEventSize != 0 {
		return nil, fmt.Errorf("%w: value table length %d", errMalformedFrame, len(b))
	}

	events := make([]Event, 0, len(b)/valueEventSize)
	for off := 0; off < len(b); off += valueEventSize {
		events = append(events, Event{
			UUID:  formatUUID(b[off : off+uuidSize]),
			Value: math.Float64frombits(binary.LittleEndian.Uint64(b[off+uuidSize : off+valueEventSize])),
		})
	}
	return events, nil
}

// parseTextEvents decodes a text event table: UUID, icon UUID, uint32 text
// length and the text, padded to a multiple of four bytes.
func parseTextEvents(b []byte) ([]Event, error) {
	var events []Event
	for off := 0; off < len(b); {
		if len(b)-off < textEventHeader {
			return nil, fmt.Errorf("%w: truncated text event at %d", errMalformedFrame, off)
		}
		uuid := formatUUID(b[off : off+uuidSize])
		icon := formatUUID(b[off+uuidSize : off+2*uuidSize])
		textLen := int(binary.LittleEndian.Uint32(b[off+2*uuidSize : off+textEventHeader]))
		off += textEventHeader

		if textLen < 0 || textLen > len(b)-off {
			return nil, fmt.Errorf("%w: text length %d exceeds frame", errMalformedFrame, textLen)
		}
		text := string(b[off : off+textLen])
		off += textLen
		if pad := textLen % 4; pad != 0 {
			off += 4 - pad
		}
		if off > len(b) {
			off = len(b)
		}

		events = append(events, Event{UUID: uuid, Text: text, IconUUID: icon})
	}
	return events, nil
}

// LLResponse is the {"LL":{...}} envelope of a command response.
type LLResponse struct {
	Control string
	Value   string
	Code    int
}

// OK reports whether the Miniserver accepted the command.
func (r LLResponse) OK() bool {
	return r.Code == 200
}

// ParseLLResponse decodes a command response envelope. The Miniserver uses
// both "Code" and "code" and encodes the code and value as numbers or strings.
func ParseLLResponse(raw []byte) (LLResponse, error) {
	var envelope struct {
		LL map[string]json.RawMessage `json:"LL"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return LLResponse{}, fmt.Errorf("decoding LL response: %w", err)
	}
	if envelope.LL == nil {
		return LLResponse{}, fmt.Errorf("decoding LL response: missing LL object")
	}

	resp := LLResponse{
		Control: rawString(envelope.LL["control"]),
		Value:   rawString(envelope.LL["value"]),
	}

	codeRaw, ok := envelope.LL["Code"]
	if !ok {
		codeRaw, ok = envelope.LL["code"]
	}
	if !ok {
		return resp, fmt.Errorf("decoding LL response: missing code")
	}
	code, err := strconv.Atoi(rawString(codeRaw))
	if err != nil {
		return resp, fmt.Errorf("decoding LL response code: %w", err)
	}
	resp.Code = code
	return resp, nil
}

// rawString returns a JSON string's content, or the literal text of any
// other JSON value.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
