package loxone

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-loxone/internal/history"
)

func newTestControlChannel(t *testing.T) (*ControlChannel, *sessionFixture) {
	t.Helper()
	f := newSessionFixture(t, nil)
	c := NewControlChannel(f.session, f.mqtt, 1, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Wait)
	return c, f
}

func TestControlChannel_Subscribes(t *testing.T) {
	_, f := newTestControlChannel(t)

	f.mqtt.mu.Lock()
	subs := append([]string(nil), f.mqtt.subscriptions...)
	f.mqtt.mu.Unlock()

	want := []string{"graylogic/command/loxone/connect", "graylogic/request/loxone"}
	if len(subs) != len(want) || subs[0] != want[0] || subs[1] != want[1] {
		t.Errorf("subscriptions = %v, want %v", subs, want)
	}
}

func TestControlChannel_Connect(t *testing.T) {
	c, f := newTestControlChannel(t)

	payload := `{"host":"ms.local","user":"admin","pwd":"secret","roomUuid":"` + testRoomUUID + `","presence":true}`
	f.mqtt.SimulateMessage(ConnectTopic(), []byte(payload))
	c.Wait()

	if got := f.session.State(); got != StateConnected {
		t.Fatalf("State() = %q, want %q", got, StateConnected)
	}
	want := SessionConfig{Host: "ms.local", User: "admin", Password: "secret", RoomUUID: testRoomUUID, Presence: true}
	if got := f.dialer.LastConfig(); got != want {
		t.Errorf("dialed with %+v, want %+v", got, want)
	}
}

func TestControlChannel_InvalidConnect(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `host=ms.local`},
		{"missing user", `{"host":"ms.local"}`},
		{"missing host", `{"user":"admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, f := newTestControlChannel(t)
			f.mqtt.SimulateMessage(ConnectTopic(), []byte(tt.payload))
			c.Wait()

			if f.dialer.Dials() != 0 {
				t.Errorf("dials = %d, want 0", f.dialer.Dials())
			}
		})
	}
}

func TestControlChannel_Request(t *testing.T) {
	c, f := newTestControlChannel(t)
	f.connect(t)

	f.mqtt.SimulateMessage(RequestTopic(), []byte(`{"id":"abc","cmd":"jdev/sps/io/x/Off"}`))
	c.session.Gateway().Wait()

	published := f.mqtt.PublishedTo(ResponseTopic("abc"))
	if len(published) != 1 {
		t.Fatalf("response published %d times, want 1", len(published))
	}
	var msg ResponseMessage
	decodePayload(t, published[0].Payload, &msg)
	if !msg.Success {
		t.Errorf("response = %+v, want success", msg)
	}

	sent := f.dialer.Last().Sent()
	if sent[len(sent)-1] != "jdev/sps/io/x/Off" {
		t.Errorf("last command = %q, want jdev/sps/io/x/Off", sent[len(sent)-1])
	}
}

func TestControlChannel_RequestRejected(t *testing.T) {
	tests := []struct {
		name      string
		connect   bool
		payload   string
		wantError string
	}{
		{"no session", false, `{"id":"r1","cmd":"jdev/sps/io/x/On"}`, "no active transport"},
		{"missing command", true, `{"id":"r1"}`, "request requires id and command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, f := newTestControlChannel(t)
			if tt.connect {
				f.connect(t)
			}

			f.mqtt.SimulateMessage(RequestTopic(), []byte(tt.payload))

			published := f.mqtt.PublishedTo(ResponseTopic("r1"))
			if len(published) != 1 {
				t.Fatalf("response published %d times, want 1", len(published))
			}
			var msg ResponseMessage
			decodePayload(t, published[0].Payload, &msg)
			if msg.Success || !strings.Contains(msg.Error, tt.wantError) {
				t.Errorf("response = %+v, want error containing %q", msg, tt.wantError)
			}
		})
	}
}

func TestControlChannel_RequestWithoutIDIsDropped(t *testing.T) {
	_, f := newTestControlChannel(t)

	f.mqtt.SimulateMessage(RequestTopic(), []byte(`{"cmd":"jdev/sps/io/x/On"}`))
	f.mqtt.SimulateMessage(RequestTopic(), []byte(`garbage`))

	if n := len(f.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

// ============================================================================
// History queries
// ============================================================================

type stubHistoryReader struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
	kinds   []string
	limits  []int
}

func (r *stubHistoryReader) Recent(_ context.Context, kind string, limit int) ([]history.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.limits = append(r.limits, limit)
	return r.entries, r.err
}

func newHistoryControlChannel(t *testing.T, reader HistoryReader) (*ControlChannel, *sessionFixture) {
	t.Helper()
	f := newSessionFixture(t, nil)
	c := NewControlChannel(f.session, f.mqtt, 1, nil)
	c.SetHistoryReader(reader)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Wait)
	return c, f
}

func TestControlChannel_HistorySubscription(t *testing.T) {
	_, f := newHistoryControlChannel(t, &stubHistoryReader{})

	f.mqtt.mu.Lock()
	subs := append([]string(nil), f.mqtt.subscriptions...)
	f.mqtt.mu.Unlock()

	if len(subs) != 3 || subs[2] != "graylogic/request/loxone/history" {
		t.Errorf("subscriptions = %v, want history topic last", subs)
	}
}

func TestControlChannel_HistoryQuery(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubHistoryReader{entries: []history.Entry{
		{ID: 2, Kind: KindTemperature, StateUUID: "s1", Room: testRoomUUID, Payload: json.RawMessage(`{"value":21.5}`), CreatedAt: created},
		{ID: 1, Kind: KindTemperature, StateUUID: "s1", Room: testRoomUUID, Payload: json.RawMessage(`{"value":21}`), CreatedAt: created.Add(-time.Minute)},
	}}
	c, f := newHistoryControlChannel(t, reader)

	f.mqtt.SimulateMessage(HistoryRequestTopic(), []byte(`{"id":"h1","kind":"temperature","limit":2}`))
	c.Wait()

	published := f.mqtt.PublishedTo("graylogic/response/loxone/history/h1")
	if len(published) != 1 {
		t.Fatalf("history response published %d times, want 1", len(published))
	}
	if published[0].Retained {
		t.Error("history response is retained")
	}

	var msg HistoryResponseMessage
	decodePayload(t, published[0].Payload, &msg)
	if msg.ID != "h1" || msg.EntryKind != KindTemperature || msg.Error != "" {
		t.Errorf("response = %+v", msg)
	}
	if len(msg.Entries) != 2 || msg.Entries[0].ID != 2 || !msg.Entries[0].CreatedAt.Equal(created) {
		t.Errorf("entries = %+v", msg.Entries)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.kinds) != 1 || reader.kinds[0] != KindTemperature || reader.limits[0] != 2 {
		t.Errorf("Recent called with kinds=%v limits=%v", reader.kinds, reader.limits)
	}
}

func TestControlChannel_HistoryQueryFailure(t *testing.T) {
	c, f := newHistoryControlChannel(t, &stubHistoryReader{err: errors.New("database is locked")})

	f.mqtt.SimulateMessage(HistoryRequestTopic(), []byte(`{"id":"h2"}`))
	c.Wait()

	published := f.mqtt.PublishedTo(HistoryResponseTopic("h2"))
	if len(published) != 1 {
		t.Fatalf("history response published %d times, want 1", len(published))
	}
	var msg HistoryResponseMessage
	decodePayload(t, published[0].Payload, &msg)
	if !strings.Contains(msg.Error, "database is locked") {
		t.Errorf("error = %q, want database is locked", msg.Error)
	}
	if msg.Entries == nil || len(msg.Entries) != 0 {
		t.Errorf("entries = %v, want empty list", msg.Entries)
	}
}

func TestControlChannel_HistoryQueryDropped(t *testing.T) {
	reader := &stubHistoryReader{}
	c, f := newHistoryControlChannel(t, reader)

	f.mqtt.SimulateMessage(HistoryRequestTopic(), []byte(`{"kind":"presence"}`))
	f.mqtt.SimulateMessage(HistoryRequestTopic(), []byte(`garbage`))
	c.Wait()

	if n := len(f.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.kinds) != 0 {
		t.Errorf("Recent called %d times, want 0", len(reader.kinds))
	}
}
