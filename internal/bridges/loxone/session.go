package loxone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session defaults.
const (
	DefaultRecoveryInterval = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second

	historyTimeout   = 5 * time.Second
	historyQueueSize = 256
)

// ConnectionState is the lifecycle state of a Session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateRecovering ConnectionState = "recovering"
	StateClosed     ConnectionState = "closed"
)

// errSuperseded marks a handshake abandoned for a newer one.
var errSuperseded = errors.New("superseded by a newer connect")

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// PresenceHandler receives every presence decision, typically the display
// controller.
type PresenceHandler interface {
	PresenceChanged(present bool)
}

// History stores semantic messages.
// This interface is satisfied by *history.Repository.
type History interface {
	Record(ctx context.Context, kind, stateUUID, room string, payload any) error
}

// Telemetry receives time-series samples.
// This interface is satisfied by *influxdb.Client.
type Telemetry interface {
	WriteRoomTemperature(room string, celsius float64)
	WritePresence(room string, present bool)
	WriteConnectionState(host, state string, outOfService bool)
	WriteNotification(host string)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Dialer opens a fresh transport for every connect. Required.
	Dialer Dialer

	// Publisher receives every outbound message. Required.
	Publisher Publisher
	QoS       byte

	// RecoveryInterval is the fixed polling interval while the Miniserver is
	// out of service. Default: 10 seconds.
	RecoveryInterval time.Duration

	// HandshakeTimeout bounds one connect sequence. Zero disables it.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds passthrough requests. Default: 30 seconds.
	RequestTimeout time.Duration

	// Optional collaborators.
	Logger          Logger
	PresenceHandler PresenceHandler
	History         History
	Telemetry       Telemetry
}

// SessionStats contains operational counters.
type SessionStats struct {
	State          ConnectionState
	Host           string
	ConnectionID   string
	OutOfService   bool
	ConnectedSince time.Time

	Connects          uint64
	HandshakeFailures uint64
	Reconnects        uint64
	RecoveryLoops     uint64
	Recoveries        uint64
	EventsReceived    uint64
	MessagesPublished uint64
	PublishErrors     uint64
}

// Session owns the connection to one Miniserver: the handshake, the
// closure policy and the out-of-service recovery loop.
//
// State changes are guarded by mu; connectMu serialises handshakes so at
// most one is in flight. Every transport is tagged with a generation and
// callbacks from older generations are ignored.
type Session struct {
	dialer           Dialer
	publisher        Publisher
	qos              byte
	recoveryInterval time.Duration
	handshakeTimeout time.Duration
	logger           Logger
	presence         PresenceHandler
	history          History
	telemetry        Telemetry
	now              func() time.Time

	router  *Router
	gateway *Gateway

	lifetime       context.Context
	cancelLifetime context.CancelFunc

	connectMu sync.Mutex

	mu         sync.Mutex
	state      ConnectionState
	cfg        SessionConfig
	transport  Transport
	generation uint64
	hsCancel   context.CancelFunc
	hsClosed   bool
	structure  *Structure
	recovery   *recoveryLoop
	closed     bool
	stats      SessionStats

	wg        sync.WaitGroup
	closeOnce sync.Once

	historyQueue chan pendingRecord
	historyWG    sync.WaitGroup
}

// pendingRecord is a message waiting to be stored in history.
type pendingRecord struct {
	kind      string
	stateUUID string
	room      string
	msg       Message
}

// NewSession creates an idle session.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("loxone: session requires a dialer")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("loxone: session requires a publisher")
	}

	interval := opts.RecoveryInterval
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	router := NewRouter()
	router.SetLogger(logger)

	lifetime, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialer:           opts.Dialer,
		publisher:        opts.Publisher,
		qos:              opts.QoS,
		recoveryInterval: interval,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           logger,
		presence:         opts.PresenceHandler,
		history:          opts.History,
		telemetry:        opts.Telemetry,
		now:              func() time.Time { return time.Now().UTC() },
		router:           router,
		gateway: NewGateway(GatewayOptions{
			Publisher: opts.Publisher,
			QoS:       opts.QoS,
			Timeout:   opts.RequestTimeout,
			Logger:    logger,
		}),
		lifetime:       lifetime,
		cancelLifetime: cancel,
		state:          StateIdle,
	}

	if s.history != nil {
		s.historyQueue = make(chan pendingRecord, historyQueueSize)
		s.historyWG.Add(1)
		go s.historyWorker()
	}
	return s, nil
}

// Gateway returns the passthrough gateway bound to this session.
func (s *Session) Gateway() *Gateway {
	return s.gateway
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Structure returns the structure of the last successful handshake, or nil.
func (s *Session) Structure() *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structure
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	st.Host = s.cfg.Host
	return st
}

// IsConnected reports whether the session is connected.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect tears down any existing session and runs the handshake with cfg.
// An in-flight handshake is cancelled first. Connect does not retry; a
// failed attempt leaves the session closed, or still recovering when the
// Miniserver is out of service.
func (s *Session) Connect(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.cfg = cfg
	if s.hsCancel != nil {
		s.hsCancel()
	}
	s.mu.Unlock()

	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.connect(ctx, cfg)
}

// connect runs one handshake. Callers hold connectMu.
func (s *Session) connect(ctx context.Context, cfg SessionConfig) error {
	hsCtx, cancel := s.handshakeContext(ctx)
	defer cancel()

	connID := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.transport
	s.transport = nil
	s.generation++
	gen := s.generation
	s.hsCancel = cancel
	s.hsClosed = false
	s.stats.ConnectionID = connID
	if s.state != StateRecovering {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	s.router.SetBindings(nil)
	s.gateway.setTransport(nil)
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("closing previous transport", "error", err)
		}
	}

	s.logger.Info("connecting to miniserver", "host", cfg.Host, "connection_id", connID)

	t, err := s.dialer.Dial(hsCtx, cfg, &sessionEvents{session: s, generation: gen})
	if err != nil {
		return s.failHandshake(gen, nil, fmt.Errorf("%w: opening %s: %w", ErrHandshakeFailed, cfg.Host, err))
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		t.Close() //nolint:errcheck // abandoned transport
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, errSuperseded)
	}
	s.transport = t
	s.mu.Unlock()
	s.gateway.setTransport(t)

	// 1. Structure file.
	resp, err := t.Send(hsCtx, CommandStructure)
	if err != nil {
		return s.failHandshake(gen, t, fmt.Errorf("%w: requesting structure: %w", ErrHandshakeFailed, err))
	}
	structure, err := ParseStructure(resp.Raw)
	if err != nil {
		return s.failHandshake(gen, t, err)
	}

	// 2. Publish it regardless of what resolves.
	s.publishRaw(StructureTopic(), resp.Raw, true)
	s.logger.Info("structure file loaded",
		"last_modified", structure.LastModified,
		"miniserver", structure.Info.MSName,
		"serial", structure.Info.SerialNr,
		"rooms", structure.RoomCount(),
		"controls", structure.ControlCount(),
	)

	// 3 and 4. Room, controllers, notifications.
	res := structure.Resolve(cfg.RoomUUID, cfg.Presence)
	s.logResolution(cfg, res)

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, errSuperseded)
	}
	s.structure = structure
	s.mu.Unlock()
	s.router.SetBindings(&res.Bindings)

	// 5. Live status updates.
	resp, err = t.Send(hsCtx, CommandEnableStatusUpdate)
	if err != nil {
		return s.failHandshake(gen, t, fmt.Errorf("%w: enabling status updates: %w", ErrHandshakeFailed, err))
	}
	s.logStatusUpdateResponse(resp)

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, errSuperseded)
	}
	if s.hsClosed {
		s.mu.Unlock()
		return s.handshakeInterrupted(gen, t)
	}
	recovered := s.state == StateRecovering
	loop := s.recovery
	s.recovery = nil
	s.state = StateConnected
	s.hsCancel = nil
	s.stats.Connects++
	s.stats.OutOfService = false
	s.stats.ConnectedSince = s.now()
	if recovered {
		s.stats.Recoveries++
	}
	s.mu.Unlock()

	if loop != nil {
		loop.stop()
	}

	s.logger.Info("connected to miniserver", "host", cfg.Host, "connection_id", connID, "room", res.Bindings.RoomName)
	if recovered {
		s.logger.Info("miniserver back in service", "host", cfg.Host)
		s.emit(OutOfServiceMessage{OutOfService: false, Host: cfg.Host, Timestamp: s.now()})
	}
	if s.telemetry != nil {
		s.telemetry.WriteConnectionState(cfg.Host, string(StateConnected), false)
	}
	return nil
}

// failHandshake closes t, clears the session if gen is still current and
// returns err.
func (s *Session) failHandshake(gen uint64, t Transport, err error) error {
	if t != nil {
		t.Close() //nolint:errcheck // best-effort during abort
	}

	s.mu.Lock()
	current := gen == s.generation && !s.closed
	if current {
		s.transport = nil
		s.hsCancel = nil
		s.stats.HandshakeFailures++
		if s.state != StateRecovering {
			s.state = StateClosed
		}
	}
	s.mu.Unlock()

	if current {
		s.router.SetBindings(nil)
		s.gateway.setTransport(nil)
	}
	s.logger.Warn("miniserver handshake failed", "error", err)
	return err
}

// handshakeInterrupted handles a transport that closed after its last
// handshake response arrived. handleClosure has already applied the policy
// for out-of-service and unhandled codes; a plain close reconnects.
func (s *Session) handshakeInterrupted(gen uint64, t Transport) error {
	t.Close() //nolint:errcheck // transport is already gone

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, errSuperseded)
	}
	s.transport = nil
	s.hsCancel = nil
	s.stats.HandshakeFailures++
	host := s.cfg.Host
	reconnect := s.state == StateConnecting
	if reconnect {
		s.stats.Reconnects++
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.router.SetBindings(nil)
	s.gateway.setTransport(nil)

	err := fmt.Errorf("%w: %w before the handshake completed", ErrHandshakeFailed, ErrTransportClosed)
	if reconnect {
		s.logger.Warn("connection closed at the end of the handshake, reconnecting", "host", host)
		go s.reconnect(gen)
		return err
	}
	s.logger.Warn("miniserver handshake interrupted", "host", host, "error", err)
	return err
}

// handshakeContext derives the context of one handshake: cancelled by the
// caller, by Close and by the handshake timeout.
func (s *Session) handshakeContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.lifetime, cancel)

	cancelTimeout := context.CancelFunc(func() {})
	if s.handshakeTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, s.handshakeTimeout)
	}
	return ctx, func() {
		stop()
		cancelTimeout()
		cancel()
	}
}

func (s *Session) logResolution(cfg SessionConfig, res ResolveResult) {
	switch {
	case res.RoomMissing:
		s.logger.Warn("room not found, temperature and presence disabled", "room_uuid", cfg.RoomUUID)
	default:
		s.logger.Info("room resolved", "room", res.Room.Name, "room_uuid", res.Room.UUID)
		if res.RoomControllerMissing {
			s.logger.Warn("no room controller in room, temperature disabled", "room", res.Room.Name)
		} else {
			s.logger.Info("room controller resolved", "control", res.RoomController.Name, "state", res.Bindings.TemperatureState)
		}
		if cfg.Presence {
			if res.LightControllerMissing {
				s.logger.Warn("no light controller in room, presence disabled", "room", res.Room.Name)
			} else {
				s.logger.Info("light controller resolved", "control", res.LightController.Name, "state", res.Bindings.PresenceState)
			}
		}
	}
	if res.NotificationsMissing {
		s.logger.Warn("notifications global state not found, notifications disabled")
	} else {
		s.logger.Info("notifications resolved", "state", res.Bindings.NotificationState)
	}
}

func (s *Session) logStatusUpdateResponse(resp Response) {
	ll, err := ParseLLResponse(resp.Raw)
	if err != nil {
		s.logger.Warn("unexpected response to status update command", "error", err)
		return
	}
	if !ll.OK() {
		s.logger.Warn("status update command not accepted", "control", ll.Control, "code", ll.Code, "value", ll.Value)
		return
	}
	s.logger.Info("status updates enabled", "control", ll.Control, "code", ll.Code, "value", ll.Value)
}

// =============================================================================
// Transport callbacks
// =============================================================================

// sessionEvents routes callbacks of one transport generation to the session.
type sessionEvents struct {
	session    *Session
	generation uint64
}

func (e *sessionEvents) ConnectionClosed(code CloseCode) {
	e.session.handleClosure(e.generation, code)
}

func (e *sessionEvents) EventsReceived(events []Event, eventType EventType) {
	e.session.handleEvents(e.generation, events, eventType)
}

// handleClosure applies the closure policy. Closures while recovering are
// absorbed by the running loop. A closure during a handshake is recorded so
// the handshake cannot complete on the dead transport; a plain close is then
// resolved by the handshake itself.
func (s *Session) handleClosure(gen uint64, code CloseCode) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("ignoring closure of replaced transport", "code", code.String())
		return
	}
	if s.hsCancel != nil {
		s.hsClosed = true
	}
	prev := s.state
	host := s.cfg.Host
	connID := s.stats.ConnectionID

	if prev == StateRecovering {
		s.transport = nil
		s.mu.Unlock()
		s.logger.Debug("closure while recovering", "code", code.String())
		return
	}

	switch {
	case code == CloseOutOfService:
		loop := newRecoveryLoop()
		s.transport = nil
		s.state = StateRecovering
		s.recovery = loop
		s.stats.OutOfService = true
		s.stats.RecoveryLoops++
		s.wg.Add(1)
		s.mu.Unlock()

		s.router.SetBindings(nil)
		s.gateway.setTransport(nil)
		s.logger.Warn("miniserver is rebooting, polling until it is reachable again",
			"host", host, "interval", s.recoveryInterval.String())
		s.emit(OutOfServiceMessage{OutOfService: true, Host: host, Timestamp: s.now()})
		if s.telemetry != nil {
			s.telemetry.WriteConnectionState(host, string(StateRecovering), true)
		}
		go s.runRecovery(loop)

	case code == CloseNormal && prev == StateConnected:
		s.transport = nil
		s.state = StateConnecting
		s.stats.Reconnects++
		s.wg.Add(1)
		s.mu.Unlock()

		s.router.SetBindings(nil)
		s.gateway.setTransport(nil)
		s.logger.Warn("connection closed without reason, reconnecting", "host", host)
		go s.reconnect(gen)

	case code == CloseNormal:
		s.transport = nil
		s.mu.Unlock()
		s.logger.Debug("connection closed during handshake", "host", host)

	default:
		s.transport = nil
		s.state = StateClosed
		s.mu.Unlock()

		s.router.SetBindings(nil)
		s.gateway.setTransport(nil)
		s.logger.Warn("connection closed", "host", host, "code", int(code))
		s.emit(ConnectionClosedMessage{
			Code:         int(code),
			Reason:       code.String(),
			Host:         host,
			ConnectionID: connID,
			Timestamp:    s.now(),
		})
		if s.telemetry != nil {
			s.telemetry.WriteConnectionState(host, string(StateClosed), false)
		}
	}
}

// reconnect re-runs the handshake after a plain close of generation gen,
// unless a newer connect has already replaced it.
func (s *Session) reconnect(gen uint64) {
	defer s.wg.Done()

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.connect(s.lifetime, cfg); err != nil {
		s.logger.Error("reconnect failed", "host", cfg.Host, "error", err)
	}
}

func (s *Session) handleEvents(gen uint64, events []Event, eventType EventType) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.stats.EventsReceived += uint64(len(events))
	s.mu.Unlock()

	for _, msg := range s.router.Route(events, eventType) {
		s.emit(msg)
	}
}

// =============================================================================
// Recovery loop
// =============================================================================

// recoveryLoop is the handle of one running recovery goroutine.
type recoveryLoop struct {
	done     chan struct{}
	stopOnce sync.Once
}

func newRecoveryLoop() *recoveryLoop {
	return &recoveryLoop{done: make(chan struct{})}
}

// stop ends the loop. Safe to call multiple times and from the loop itself.
func (l *recoveryLoop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// runRecovery re-runs the handshake at a fixed interval until one succeeds.
func (s *Session) runRecovery(loop *recoveryLoop) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.recoveryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-loop.done:
			return
		case <-s.lifetime.Done():
			return
		case <-ticker.C:
		}

		done, err := s.recoverOnce(loop)
		if done {
			return
		}
		s.logger.Info("miniserver still not reachable, retrying", "attempt", attempt, "error", err)
	}
}

// recoverOnce runs one poll. It reports done when the loop is no longer
// needed, either because the poll succeeded or because recovery ended.
func (s *Session) recoverOnce(loop *recoveryLoop) (bool, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed || s.recovery != loop || s.state != StateRecovering {
		s.mu.Unlock()
		return true, nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.connect(s.lifetime, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// Publication
// =============================================================================

// emit publishes msg and hands it to the optional collaborators.
func (s *Session) emit(msg Message) {
	if !s.publish(msg) {
		return
	}

	host := s.host()
	var stateUUID, room string
	switch m := msg.(type) {
	case TemperatureMessage:
		stateUUID, room = m.UUID, m.RoomName
		s.logger.Debug("room temperature", "room", m.RoomName, "temperature", m.Temperature)
		if s.telemetry != nil {
			s.telemetry.WriteRoomTemperature(m.RoomName, m.Temperature)
		}
	case PresenceMessage:
		stateUUID, room = m.UUID, m.RoomName
		s.logger.Info("presence changed", "room", m.RoomName, "present", m.Present, "moods", m.Moods)
		if s.telemetry != nil {
			s.telemetry.WritePresence(m.RoomName, m.Present)
		}
		if s.presence != nil {
			s.presence.PresenceChanged(m.Present)
		}
	case NotificationMessage:
		stateUUID = m.UUID
		s.logger.Info("miniserver notification", "value", m.Value)
		if s.telemetry != nil {
			s.telemetry.WriteNotification(host)
		}
	case StateMessage:
		return
	}

	if s.history == nil {
		return
	}
	select {
	case s.historyQueue <- pendingRecord{kind: msg.Kind(), stateUUID: stateUUID, room: room, msg: msg}:
	default:
		s.logger.Warn("history queue full, dropping entry", "kind", msg.Kind())
	}
}

// historyWorker stores queued messages off the transport goroutine. Once
// the session closes it drains the queue and returns.
func (s *Session) historyWorker() {
	defer s.historyWG.Done()

	for {
		select {
		case rec := <-s.historyQueue:
			s.record(rec)
		case <-s.lifetime.Done():
			for {
				select {
				case rec := <-s.historyQueue:
					s.record(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) record(rec pendingRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.lifetime), historyTimeout)
	defer cancel()
	if err := s.history.Record(ctx, rec.kind, rec.stateUUID, rec.room, rec.msg); err != nil {
		s.logger.Warn("failed to record history", "kind", rec.kind, "error", err)
	}
}

// publish encodes msg and publishes it on its topic. It reports false when
// msg could not be encoded.
func (s *Session) publish(msg Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode message", "kind", msg.Kind(), "error", err)
		return false
	}
	s.publishRaw(msg.Topic(), payload, msg.Retained())
	return true
}

func (s *Session) publishRaw(topic string, payload []byte, retained bool) {
	err := s.publisher.Publish(topic, payload, s.qos, retained)

	s.mu.Lock()
	if err != nil {
		s.stats.PublishErrors++
	} else {
		s.stats.MessagesPublished++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to publish", "topic", topic, "error", err)
	}
}

func (s *Session) host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Host
}

// Close stops the recovery loop, closes the transport and waits for
// background work, including queued history writes. The session cannot be reused. Safe to call multiple
// times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		t := s.transport
		s.transport = nil
		s.generation++
		if s.hsCancel != nil {
			s.hsCancel()
			s.hsCancel = nil
		}
		loop := s.recovery
		s.recovery = nil
		s.state = StateClosed
		s.mu.Unlock()

		s.cancelLifetime()
		if loop != nil {
			loop.stop()
		}
		s.router.SetBindings(nil)
		s.gateway.setTransport(nil)
		if t != nil {
			err = t.Close()
		}

		s.wg.Wait()
		s.gateway.Wait()
		s.historyWG.Wait()
	})
	return err
}
