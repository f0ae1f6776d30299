package loxone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds a passthrough request.
const DefaultRequestTimeout = 30 * time.Second

// Publisher is the subset of the MQTT client used to publish messages.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Request is a passthrough command.
// Topic: graylogic/request/loxone
type Request struct {
	ID      string `json:"id"`
	Command string `json:"cmd"`
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Publisher Publisher
	QoS       byte

	// Timeout bounds each request. Default: 30 seconds.
	Timeout time.Duration

	Logger Logger
}

// Gateway sends passthrough commands over the active transport and
// publishes each outcome under the caller's request id. Requests are
// independent of each other and of the event stream.
type Gateway struct {
	publisher Publisher
	qos       byte
	timeout   time.Duration
	logger    Logger
	now       func() time.Time

	mu        sync.Mutex
	transport Transport
	pending   map[string]string

	wg sync.WaitGroup
}

// NewGateway creates a gateway with no transport attached.
func NewGateway(opts GatewayOptions) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Gateway{
		publisher: opts.Publisher,
		qos:       opts.QoS,
		timeout:   timeout,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[string]string),
	}
}

// setTransport attaches the transport of the current session, or detaches
// it when t is nil. Requests already in flight keep their transport.
func (g *Gateway) setTransport(t Transport) {
	g.mu.Lock()
	g.transport = t
	g.mu.Unlock()
}

// Dispatch validates req and sends it asynchronously. The returned error
// covers validation only; the outcome of the command is published as a
// ResponseMessage.
func (g *Gateway) Dispatch(ctx context.Context, req Request) error {
	g.mu.Lock()
	t := g.transport
	if t == nil {
		g.mu.Unlock()
		return ErrNoTransport
	}
	if req.ID == "" || req.Command == "" {
		g.mu.Unlock()
		return ErrInvalidRequest
	}
	if _, busy := g.pending[req.ID]; busy {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestPending, req.ID)
	}
	g.pending[req.ID] = req.Command
	g.wg.Add(1)
	g.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	go func() {
		defer g.wg.Done()
		defer cancel()

		resp, err := t.Send(sendCtx, req.Command)

		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()

		msg := ResponseMessage{
			ID:        req.ID,
			Command:   req.Command,
			Success:   err == nil,
			Timestamp: g.now(),
		}
		if err != nil {
			msg.Error = err.Error()
			g.log().Warn("passthrough request failed", "id", req.ID, "cmd", req.Command, "error", err)
		} else {
			msg.Response = responseBody(resp.Raw)
			g.log().Debug("passthrough request completed", "id", req.ID, "cmd", req.Command)
		}
		g.publish(msg)
	}()
	return nil
}

// PublishError publishes a failed ResponseMessage for a request that never
// reached the transport.
func (g *Gateway) PublishError(req Request, err error) {
	if req.ID == "" {
		return
	}
	g.publish(ResponseMessage{
		ID:        req.ID,
		Command:   req.Command,
		Success:   false,
		Error:     err.Error(),
		Timestamp: g.now(),
	})
}

// Pending returns the number of requests in flight.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Wait blocks until every in-flight request has completed.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) publish(msg ResponseMessage) {
	if g.publisher == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		g.log().Error("failed to encode response", "id", msg.ID, "error", err)
		return
	}
	if err := g.publisher.Publish(msg.Topic(), payload, g.qos, msg.Retained()); err != nil {
		g.log().Warn("failed to publish response", "id", msg.ID, "error", err)
	}
}

func (g *Gateway) log() Logger {
	if g.logger == nil {
		return nopLogger{}
	}
	return g.logger
}
