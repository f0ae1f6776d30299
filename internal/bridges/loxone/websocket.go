package loxone

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // mandated by the Miniserver hash authentication
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket transport settings.
const (
	websocketPath        = "/ws/rfc6455"
	websocketSubprotocol = "remotecontrol"

	commandGetKey       = "jdev/sys/getkey"
	commandAuthenticate = "authenticate/"

	DefaultKeepAliveInterval = 60 * time.Second

	writeWait = 10 * time.Second
	closeWait = time.Second
)

// WebSocketDialer opens WebSocketTransports.
type WebSocketDialer struct {
	// ClientName is sent as the User-Agent of the upgrade request.
	ClientName string

	// KeepAliveInterval is how often a keepalive is sent.
	// Default: 60 seconds. Negative disables keepalives.
	KeepAliveInterval time.Duration

	// Scheme is "ws" unless set.
	Scheme string

	Logger Logger
}

// Dial connects to cfg.Host and authenticates. ctx bounds the upgrade and
// the authentication exchange.
func (d *WebSocketDialer) Dial(ctx context.Context, cfg SessionConfig, events TransportEvents) (Transport, error) {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Host, Path: websocketPath}

	header := http.Header{}
	if d.ClientName != "" {
		header.Set("User-Agent", d.ClientName)
	}

	dialer := websocket.Dialer{
		Proxy:        http.ProxyFromEnvironment,
		Subprotocols: []string{websocketSubprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	logger := d.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	keepAlive := d.KeepAliveInterval
	if keepAlive == 0 {
		keepAlive = DefaultKeepAliveInterval
	}

	t := newWebSocketTransport(conn, events, logger)
	if err := t.authenticate(ctx, cfg.User, cfg.Password); err != nil {
		t.Close() //nolint:errcheck // authentication already failed
		return nil, err
	}
	if keepAlive > 0 {
		t.wg.Add(1)
		go t.keepAliveLoop(keepAlive)
	}

	logger.Debug("websocket authenticated", "host", cfg.Host, "user", cfg.User)
	return t, nil
}

// authHash is the hex HMAC-SHA1 of "user:password" keyed with the
// hex-decoded session key.
func authHash(key, user, password string) (string, error) {
	rawKey, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: invalid key: %w", ErrAuthFailed, err)
	}
	mac := hmac.New(sha1.New, rawKey)
	mac.Write([]byte(user + ":" + password))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

type sendResult struct {
	resp Response
	err  error
}

// WebSocketTransport is a Transport over the Miniserver's WebSocket API.
//
// Responses carry no correlation id, so commands are answered in the order
// they were written. Close must not be called from a TransportEvents
// callback other than ConnectionClosed.
type WebSocketTransport struct {
	conn   *websocket.Conn
	events TransportEvents
	logger Logger

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters []chan sendResult

	done      chan struct{}
	readDone  chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWebSocketTransport(conn *websocket.Conn, events TransportEvents, logger Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:     conn,
		events:   events,
		logger:   logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Send writes command and waits for its response.
func (t *WebSocketTransport) Send(ctx context.Context, command string) (Response, error) {
	select {
	case <-t.done:
		return Response{}, ErrTransportClosed
	default:
	}

	ch := make(chan sendResult, 1)

	t.writeMu.Lock()
	t.waitMu.Lock()
	t.waiters = append(t.waiters, ch)
	t.waitMu.Unlock()

	err := t.write(ctx, command)
	if err != nil {
		t.removeWaiter(ch)
	}
	t.writeMu.Unlock()

	if err != nil {
		return Response{}, fmt.Errorf("sending %q: %w", command, err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-t.done:
		return Response{}, ErrTransportClosed
	}
}

// write sends a text frame. Callers hold writeMu.
func (t *WebSocketTransport) write(ctx context.Context, command string) error {
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(command))
}

func (t *WebSocketTransport) removeWaiter(ch chan sendResult) {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	for i, w := range t.waiters {
		if w == ch {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

func (t *WebSocketTransport) popWaiter() chan sendResult {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	if len(t.waiters) == 0 {
		return nil
	}
	ch := t.waiters[0]
	t.waiters = t.waiters[1:]
	return ch
}

func (t *WebSocketTransport) authenticate(ctx context.Context, user, password string) error {
	resp, err := t.Send(ctx, commandGetKey)
	if err != nil {
		return fmt.Errorf("requesting key: %w", err)
	}
	ll, err := ParseLLResponse(resp.Raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if !ll.OK() {
		return fmt.Errorf("%w: getkey returned code %d", ErrAuthFailed, ll.Code)
	}

	hash, err := authHash(ll.Value, user, password)
	if err != nil {
		return err
	}
	resp, err = t.Send(ctx, commandAuthenticate+hash)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	ll, err = ParseLLResponse(resp.Raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if !ll.OK() {
		return fmt.Errorf("%w: code %d", ErrAuthFailed, ll.Code)
	}
	return nil
}

func (t *WebSocketTransport) keepAliveLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// The Miniserver answers with a bodyless keepalive header, so no
			// waiter is queued.
			t.writeMu.Lock()
			err := t.write(context.Background(), CommandKeepalive)
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("keepalive failed", "error", err)
			}
		}
	}
}

// readLoop decodes header/payload pairs until the connection ends, then
// reports the closure unless Close initiated it.
func (t *WebSocketTransport) readLoop() {
	code := CloseNormal
	defer func() {
		t.shutdown()
		close(t.readDone)
		if !t.closing.Load() && t.events != nil {
			t.events.ConnectionClosed(code)
		}
	}()

	var pending *messageHeader
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			code = closeCodeFor(err)
			if !t.closing.Load() {
				t.logger.Debug("websocket read ended", "error", err, "code", code.String())
			}
			return
		}

		if pending == nil {
			if msgType != websocket.BinaryMessage {
				t.logger.Warn("unexpected text frame without header", "size", len(data))
				continue
			}
			h, err := parseHeader(data)
			if err != nil {
				t.logger.Warn("dropping malformed header", "error", err)
				continue
			}
			if h.Estimated {
				// The exact header follows.
				continue
			}
			if !h.hasPayload() {
				if h.Identifier == EventTypeOutOfService {
					t.logger.Warn("miniserver reported out of service")
					code = CloseOutOfService
					return
				}
				continue
			}
			pending = &h
			continue
		}

		h := *pending
		pending = nil
		t.handlePayload(h, data)
	}
}

func (t *WebSocketTransport) handlePayload(h messageHeader, data []byte) {
	switch h.Identifier {
	case EventTypeTextMessage, EventTypeFile:
		ch := t.popWaiter()
		if ch == nil {
			t.logger.Debug("response without pending command", "size", len(data))
			return
		}
		ch <- sendResult{resp: Response{Raw: data}}

	case EventTypeValue:
		events, err := parseValueEvents(data)
		if err != nil {
			t.logger.Warn("dropping value events", "error", err)
			return
		}
		if t.events != nil && len(events) > 0 {
			t.events.EventsReceived(events, EventTypeValue)
		}

	case EventTypeText:
		events, err := parseTextEvents(data)
		if err != nil {
			t.logger.Warn("dropping text events", "error", err)
			return
		}
		if t.events != nil && len(events) > 0 {
			t.events.EventsReceived(events, EventTypeText)
		}

	default:
		t.logger.Debug("ignoring event table", "type", h.Identifier.String(), "size", len(data))
	}
}

// closeCodeFor maps a read error onto a CloseCode. Ordinary closures and
// dropped connections are CloseNormal; other close frames pass their code
// through.
func closeCodeFor(err error) CloseCode {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
			websocket.CloseAbnormalClosure:
			return CloseNormal
		default:
			return CloseCode(ce.Code)
		}
	}
	return CloseNormal
}

// shutdown closes the socket and fails pending sends.
func (t *WebSocketTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close() //nolint:errcheck // socket is being discarded
	})
}

// Close sends a close frame, closes the socket and waits for the read and
// keepalive goroutines. Safe to call multiple times.
func (t *WebSocketTransport) Close() error {
	if t.closing.CompareAndSwap(false, true) {
		select {
		case <-t.done:
		default:
			t.writeMu.Lock()
			//nolint:errcheck // best-effort close handshake
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWait))
			t.writeMu.Unlock()
		}
		t.shutdown()
	}

	<-t.readDone
	t.wg.Wait()
	return nil
}
