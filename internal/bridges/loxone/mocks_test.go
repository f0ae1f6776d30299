package loxone

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Structure fixture
// =============================================================================

const (
	testRoomUUID      = "0f1e2d3c-0000-0001-ffff403fb0c34b9e"
	testOtherRoomUUID = "0f1e2d3c-0000-0002-ffff403fb0c34b9e"
	testIRCUUID       = "1a2b3c4d-0001-0001-ffff403fb0c34b9e"
	testIRC2UUID      = "1a2b3c4d-0001-0002-ffff403fb0c34b9e"
	testOtherIRCUUID  = "1a2b3c4d-0001-0003-ffff403fb0c34b9e"
	testLightUUID     = "1a2b3c4d-0002-0001-ffff403fb0c34b9e"
	testTempState     = "2b3c4d5e-0001-0001-ffff403fb0c34b9e"
	testTemp2State    = "2b3c4d5e-0001-0002-ffff403fb0c34b9e"
	testOtherTemp     = "2b3c4d5e-0001-0003-ffff403fb0c34b9e"
	testMoodState     = "2b3c4d5e-0002-0001-ffff403fb0c34b9e"
	testNotifyState   = "2b3c4d5e-0003-0001-ffff403fb0c34b9e"
	testUnboundState  = "2b3c4d5e-0004-0001-ffff403fb0c34b9e"
)

// testStructure contains the configured room with two room controllers (the
// first one wins) and a light controller, plus a second room.
const testStructure = `{
  "lastModified": "2026-09-30 10:11:12",
  "msInfo": {"serialNr": "504F94A00000", "msName": "Home", "projectName": "Flat", "swVersion": "14.2.6.16"},
  "globalStates": {
    "notifications": "` + testNotifyState + `",
    "sunrise": "2b3c4d5e-0005-0001-ffff403fb0c34b9e"
  },
  "rooms": {
    "` + testRoomUUID + `": {"uuid": "` + testRoomUUID + `", "name": "Living Room", "type": 0},
    "` + testOtherRoomUUID + `": {"uuid": "` + testOtherRoomUUID + `", "name": "Kitchen", "type": 1}
  },
  "controls": {
    "` + testOtherIRCUUID + `": {
      "name": "Kitchen Heating", "type": "IRoomController", "room": "` + testOtherRoomUUID + `",
      "states": {"tempActual": "` + testOtherTemp + `"}
    },
    "` + testIRCUUID + `": {
      "name": "Heating", "type": "IRoomController", "room": "` + testRoomUUID + `",
      "states": {"tempActual": "` + testTempState + `", "tempTarget": "2b3c4d5e-0001-0009-ffff403fb0c34b9e"},
      "details": {"format": "%.1f°"}
    },
    "` + testIRC2UUID + `": {
      "name": "Heating 2", "type": "IRoomController", "room": "` + testRoomUUID + `",
      "states": {"tempActual": "` + testTemp2State + `"},
      "details": {"format": "%.0f°"}
    },
    "` + testLightUUID + `": {
      "name": "Lights", "type": "LightControllerV2", "room": "` + testRoomUUID + `",
      "states": {"activeMoods": "` + testMoodState + `", "moodList": "2b3c4d5e-0002-0002-ffff403fb0c34b9e"}
    }
  }
}`

func testConfig() SessionConfig {
	return SessionConfig{
		Host:     "192.168.1.77",
		User:     "admin",
		Password: "secret",
		RoomUUID: testRoomUUID,
		Presence: true,
	}
}

func testBindings() *Bindings {
	return &Bindings{
		RoomUUID:          testRoomUUID,
		RoomName:          "Living Room",
		TemperatureState:  testTempState,
		TemperatureFormat: "%.1f°",
		PresenceState:     testMoodState,
		NotificationState: testNotifyState,
	}
}

const enableOKResponse = `{"LL":{"control":"dev/sps/enablebinstatusupdate","value":"1","Code":"200"}}`

// =============================================================================
// Mock MQTT client
// =============================================================================

// MockMQTTClient implements Publisher, Subscriber and HealthPublisher.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublish, len(m.published))
	copy(result, m.published)
	return result
}

// PublishedTo returns the messages published on topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// =============================================================================
// Mock transport and dialer
// =============================================================================

type mockTransport struct {
	mu        sync.Mutex
	responses map[string]Response
	errs      map[string]error
	block     map[string]chan struct{}
	onSend    map[string]func(events TransportEvents)
	sent      []string
	events    TransportEvents
	closeOnce sync.Once
	closedCh  chan struct{}
	closes    int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]Response),
		errs:      make(map[string]error),
		block:     make(map[string]chan struct{}),
		onSend:    make(map[string]func(events TransportEvents)),
		closedCh:  make(chan struct{}),
	}
}

// newHandshakeTransport answers the structure and status update commands.
func newHandshakeTransport(structure string) *mockTransport {
	t := newMockTransport()
	t.respond(CommandStructure, structure)
	t.respond(CommandEnableStatusUpdate, enableOKResponse)
	return t
}

func (m *mockTransport) respond(command, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[command] = Response{Raw: []byte(raw)}
}

func (m *mockTransport) fail(command string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[command] = err
}

// hold makes sends of command block until the returned channel is closed.
func (m *mockTransport) hold(command string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.block[command] = ch
	return ch
}

// whenSent runs fn with the bound event sink just before a send of command
// returns its response.
func (m *mockTransport) whenSent(command string, fn func(events TransportEvents)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSend[command] = fn
}

func (m *mockTransport) Send(ctx context.Context, command string) (Response, error) {
	m.mu.Lock()
	m.sent = append(m.sent, command)
	resp, hasResp := m.responses[command]
	err := m.errs[command]
	block := m.block[command]
	hook := m.onSend[command]
	events := m.events
	m.mu.Unlock()

	select {
	case <-m.closedCh:
		return Response{}, ErrTransportClosed
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-m.closedCh:
			return Response{}, ErrTransportClosed
		}
	}
	if err != nil {
		return Response{}, err
	}
	if hook != nil {
		hook(events)
	}
	if !hasResp {
		return Response{Raw: []byte(`{"LL":{"control":"` + command + `","value":"1","Code":"200"}}`)}, nil
	}
	return resp, nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closedCh) })
	return nil
}

func (m *mockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) IsClosed() bool {
	select {
	case <-m.closedCh:
		return true
	default:
		return false
	}
}

// Events returns the sink the session bound to this transport.
func (m *mockTransport) Events() TransportEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// mockDialer hands out transports built by next. A nil next always returns
// a transport that completes the handshake with testStructure.
type mockDialer struct {
	mu         sync.Mutex
	next       func(attempt int) (*mockTransport, error)
	dials      int
	configs    []SessionConfig
	transports []*mockTransport
}

func (d *mockDialer) Dial(_ context.Context, cfg SessionConfig, events TransportEvents) (Transport, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	d.configs = append(d.configs, cfg)
	next := d.next
	d.mu.Unlock()

	var (
		t   *mockTransport
		err error
	)
	if next != nil {
		t, err = next(attempt)
	} else {
		t = newHandshakeTransport(testStructure)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.events = events
	t.mu.Unlock()

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *mockDialer) setNext(next func(attempt int) (*mockTransport, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = next
}

func (d *mockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) Transport(i int) *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *mockDialer) Last() *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *mockDialer) LastConfig() SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.configs) == 0 {
		return SessionConfig{}
	}
	return d.configs[len(d.configs)-1]
}

// =============================================================================
// Collaborator mocks
// =============================================================================

type mockPresence struct {
	mu        sync.Mutex
	decisions []bool
}

func (m *mockPresence) PresenceChanged(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, present)
}

func (m *mockPresence) Decisions() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.decisions))
	copy(out, m.decisions)
	return out
}

type historyRecord struct {
	Kind      string
	StateUUID string
	Room      string
}

type mockHistory struct {
	mu      sync.Mutex
	records []historyRecord
	gate    chan struct{}
}

// hold makes Record block until the returned channel is closed.
func (m *mockHistory) hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	return m.gate
}

func (m *mockHistory) Record(_ context.Context, kind, stateUUID, room string, _ any) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, historyRecord{Kind: kind, StateUUID: stateUUID, Room: room})
	return nil
}

func (m *mockHistory) Records() []historyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]historyRecord, len(m.records))
	copy(out, m.records)
	return out
}

type mockTelemetry struct {
	mu            sync.Mutex
	temperatures  []float64
	presence      []bool
	states        []string
	notifications int
}

func (m *mockTelemetry) WriteRoomTemperature(_ string, celsius float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temperatures = append(m.temperatures, celsius)
}

func (m *mockTelemetry) WritePresence(_ string, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = append(m.presence, present)
}

func (m *mockTelemetry) WriteConnectionState(_, state string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *mockTelemetry) WriteNotification(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications++
}

// =============================================================================
// Helpers
// =============================================================================

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func decodePayload(t *testing.T, payload []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(payload, v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", payload, err)
	}
}
