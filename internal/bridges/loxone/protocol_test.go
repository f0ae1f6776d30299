package loxone

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"
)

// =============================================================================
// Encoders for the fake Miniserver
// =============================================================================

// encodeUUID is the inverse of formatUUID.
func encodeUUID(s string) ([]byte, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 || len(parts[3]) != 16 {
		return nil, fmt.Errorf("loxone: invalid uuid %q", s)
	}

	out := make([]byte, uuidSize)
	d1, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("loxone: invalid uuid %q: %w", s, err)
	}
	d2, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("loxone: invalid uuid %q: %w", s, err)
	}
	d3, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("loxone: invalid uuid %q: %w", s, err)
	}
	binary.LittleEndian.PutUint32(out[0:4], uint32(d1))
	binary.LittleEndian.PutUint16(out[4:6], uint16(d2))
	binary.LittleEndian.PutUint16(out[6:8], uint16(d3))
	if _, err := hex.Decode(out[8:], []byte(parts[3])); err != nil {
		return nil, fmt.Errorf("loxone: invalid uuid %q: %w", s, err)
	}
	return out, nil
}

// encodeValueEvents builds a value event table.
func encodeValueEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range events {
		id, err := encodeUUID(e.UUID)
		if err != nil {
			return nil, err
		}
		buf.Write(id)
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], math.Float64bits(e.Value))
		buf.Write(v[:])
	}
	return buf.Bytes(), nil
}

// encodeTextEvents builds a text event table.
func encodeTextEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range events {
		id, err := encodeUUID(e.UUID)
		if err != nil {
			return nil, err
		}
		icon := make([]byte, uuidSize)
		if e.IconUUID != "" {
			if icon, err = encodeUUID(e.IconUUID); err != nil {
				return nil, err
			}
		}
		buf.Write(id)
		buf.Write(icon)
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(e.Text)))
		buf.Write(l[:])
		buf.WriteString(e.Text)
		if pad := len(e.Text) % 4; pad != 0 {
			buf.Write(make([]byte, 4-pad))
		}
	}
	return buf.Bytes(), nil
}

// encodeHeader builds a message header.
func encodeHeader(id EventType, estimated bool, length uint32) []byte {
	h := make([]byte, headerSize)
	h[0] = headerStartByte
	h[1] = byte(id)
	if estimated {
		h[2] = headerFlagEstimated
	}
	binary.LittleEndian.PutUint32(h[4:8], length)
	return h
}

// =============================================================================
// Header
// =============================================================================

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    messageHeader
		wantErr bool
	}{
		{
			name:  "value events",
			input: encodeHeader(EventTypeValue, false, 48),
			want:  messageHeader{Identifier: EventTypeValue, Length: 48},
		},
		{
			name:  "estimated file",
			input: encodeHeader(EventTypeFile, true, 1<<20),
			want:  messageHeader{Identifier: EventTypeFile, Estimated: true, Length: 1 << 20},
		},
		{
			name:  "out of service",
			input: []byte{0x03, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			want:  messageHeader{Identifier: EventTypeOutOfService},
		},
		{
			name:    "wrong start byte",
			input:   []byte{0x04, 0x02, 0x00, 0x00, 0x18, 0x00, 0x00, 0x00},
			wantErr: true,
		},
		{
			name:    "short",
			input:   []byte{0x03, 0x02, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHeader(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, errMalformedFrame) {
					t.Errorf("parseHeader() error = %v, want errMalformedFrame", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("parseHeader() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMessageHeader_HasPayload(t *testing.T) {
	tests := []struct {
		id   EventType
		want bool
	}{
		{EventTypeTextMessage, true},
		{EventTypeFile, true},
		{EventTypeValue, true},
		{EventTypeText, true},
		{EventTypeDaytimer, true},
		{EventTypeOutOfService, false},
		{EventTypeKeepalive, false},
		{EventTypeWeather, true},
	}

	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			h := messageHeader{Identifier: tt.id}
			if got := h.hasPayload(); got != tt.want {
				t.Errorf("hasPayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// UUIDs and event tables
// =============================================================================

func TestFormatUUID(t *testing.T) {
	b := []byte{
		0x3c, 0x2d, 0x1e, 0x0f, // Data1 LE
		0x00, 0x00, // Data2 LE
		0x01, 0x00, // Data3 LE
		0xff, 0xff, 0x40, 0x3f, 0xb0, 0xc3, 0x4b, 0x9e,
	}
	if got := formatUUID(b); got != testRoomUUID {
		t.Errorf("formatUUID() = %q, want %q", got, testRoomUUID)
	}

	encoded, err := encodeUUID(testRoomUUID)
	if err != nil {
		t.Fatalf("encodeUUID() error = %v", err)
	}
	if !bytes.Equal(encoded, b) {
		t.Errorf("encodeUUID() = % x, want % x", encoded, b)
	}
}

func TestParseValueEvents(t *testing.T) {
	want := []Event{
		{UUID: testTempState, Value: 21.5},
		{UUID: testUnboundState, Value: -3},
	}
	table, err := encodeValueEvents(want)
	if err != nil {
		t.Fatalf("encodeValueEvents() error = %v", err)
	}
	if len(table) != 2*valueEventSize {
		t.Fatalf("table length = %d, want %d", len(table), 2*valueEventSize)
	}

	got, err := parseValueEvents(table)
	if err != nil {
		t.Fatalf("parseValueEvents() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("parseValueEvents() returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := parseValueEvents(table[:valueEventSize+3]); !errors.Is(err, errMalformedFrame) {
		t.Errorf("parseValueEvents(truncated) error = %v, want errMalformedFrame", err)
	}
}

func TestParseTextEvents(t *testing.T) {
	want := []Event{
		{UUID: testMoodState, IconUUID: "00000000-0000-0000-0000000000000000", Text: "[778]"},
		{UUID: testNotifyState, IconUUID: "00000000-0000-0000-0000000000000000", Text: "1234"},
		{UUID: testUnboundState, IconUUID: testRoomUUID, Text: "Grüße"},
	}
	table, err := encodeTextEvents(want)
	if err != nil {
		t.Fatalf("encodeTextEvents() error = %v", err)
	}

	got, err := parseTextEvents(table)
	if err != nil {
		t.Fatalf("parseTextEvents() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("parseTextEvents() returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseTextEvents_Malformed(t *testing.T) {
	table, err := encodeTextEvents([]Event{{UUID: testMoodState, Text: "[1,2,3]"}})
	if err != nil {
		t.Fatalf("encodeTextEvents() error = %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"truncated header", table[:textEventHeader-1]},
		{"text longer than frame", table[:textEventHeader+3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseTextEvents(tt.input); !errors.Is(err, errMalformedFrame) {
				t.Errorf("parseTextEvents() error = %v, want errMalformedFrame", err)
			}
		})
	}
}

// =============================================================================
// LL responses
// =============================================================================

func TestParseLLResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    LLResponse
		wantErr bool
	}{
		{
			name:  "capitalised string code",
			input: `{"LL":{"control":"dev/sps/enablebinstatusupdate","value":"1","Code":"200"}}`,
			want:  LLResponse{Control: "dev/sps/enablebinstatusupdate", Value: "1", Code: 200},
		},
		{
			name:  "lowercase numeric code",
			input: `{"LL":{"control":"jdev/sys/getkey","value":"41434633","code":200}}`,
			want:  LLResponse{Control: "jdev/sys/getkey", Value: "41434633", Code: 200},
		},
		{
			name:  "numeric value",
			input: `{"LL":{"control":"jdev/sps/io/x/On","value":1,"Code":"401"}}`,
			want:  LLResponse{Control: "jdev/sps/io/x/On", Value: "1", Code: 401},
		},
		{name: "missing LL", input: `{"foo":{}}`, wantErr: true},
		{name: "missing code", input: `{"LL":{"control":"x","value":"1"}}`, wantErr: true},
		{name: "non numeric code", input: `{"LL":{"control":"x","Code":"ok"}}`, wantErr: true},
		{name: "invalid json", input: `{"LL":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLLResponse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLLResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseLLResponse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEventType_String(t *testing.T) {
	if got := EventTypeOutOfService.String(); got != "out_of_service" {
		t.Errorf("String() = %q, want %q", got, "out_of_service")
	}
	if got := EventType(42).String(); got != "unknown(42)" {
		t.Errorf("String() = %q, want %q", got, "unknown(42)")
	}
	if got := CloseCode(4003).String(); got != "code_4003" {
		t.Errorf("String() = %q, want %q", got, "code_4003")
	}
}
