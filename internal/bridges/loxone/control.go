package loxone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-loxone/internal/history"
)

const historyQueryTimeout = 5 * time.Second

// Subscriber is the subset of the MQTT client used by the control channel.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// HistoryReader is the query side of the event history store.
type HistoryReader interface {
	Recent(ctx context.Context, kind string, limit int) ([]history.Entry, error)
}

// HistoryRequest is a history query received over MQTT.
// Topic: graylogic/request/loxone/history
type HistoryRequest struct {
	ID    string `json:"id"`
	Kind  string `json:"kind,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ControlChannel accepts connect commands and passthrough requests from
// MQTT and forwards them to a Session.
type ControlChannel struct {
	session    *Session
	subscriber Subscriber
	qos        byte
	logger     Logger
	history    HistoryReader

	ctx context.Context
	wg  sync.WaitGroup
}

// NewControlChannel creates a control channel for session.
func NewControlChannel(session *Session, subscriber Subscriber, qos byte, logger Logger) *ControlChannel {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ControlChannel{
		session:    session,
		subscriber: subscriber,
		qos:        qos,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// SetHistoryReader enables history queries. It must be called before Start.
func (c *ControlChannel) SetHistoryReader(r HistoryReader) {
	c.history = r
}

// Start subscribes to the connect and request topics, and to the history
// topic when a reader is set. Connects started from MQTT are bound to ctx.
func (c *ControlChannel) Start(ctx context.Context) error {
	c.ctx = ctx

	if err := c.subscriber.Subscribe(ConnectTopic(), c.qos, c.handleConnect); err != nil {
		return fmt.Errorf("subscribing to %s: %w", ConnectTopic(), err)
	}
	if err := c.subscriber.Subscribe(RequestTopic(), c.qos, c.handleRequest); err != nil {
		return fmt.Errorf("subscribing to %s: %w", RequestTopic(), err)
	}
	if c.history != nil {
		if err := c.subscriber.Subscribe(HistoryRequestTopic(), c.qos, c.handleHistory); err != nil {
			return fmt.Errorf("subscribing to %s: %w", HistoryRequestTopic(), err)
		}
	}

	c.logger.Info("control channel subscribed", "connect", ConnectTopic(), "request", RequestTopic())
	return nil
}

// Wait blocks until connects and history queries started from MQTT have
// returned.
func (c *ControlChannel) Wait() {
	c.wg.Wait()
}

func (c *ControlChannel) handleConnect(topic string, payload []byte) {
	var cfg SessionConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		c.logger.Warn("invalid connect command", "topic", topic, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		c.logger.Warn("invalid connect command", "topic", topic, "error", err)
		return
	}

	c.logger.Info("connect command received", "config", cfg.String())

	// The handshake runs off the MQTT callback goroutine.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.session.Connect(c.ctx, cfg); err != nil {
			c.logger.Error("connect command failed", "host", cfg.Host, "error", err)
		}
	}()
}

func (c *ControlChannel) handleRequest(topic string, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("invalid passthrough request", "topic", topic, "error", err)
		return
	}

	gw := c.session.Gateway()
	if err := gw.Dispatch(c.ctx, req); err != nil {
		c.logger.Warn("passthrough request rejected", "id", req.ID, "cmd", req.Command, "error", err)
		gw.PublishError(req, err)
	}
}

func (c *ControlChannel) handleHistory(topic string, payload []byte) {
	var req HistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("invalid history query", "topic", topic, "error", err)
		return
	}
	if req.ID == "" {
		c.logger.Warn("history query without id", "topic", topic)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, historyQueryTimeout)
		defer cancel()

		resp := HistoryResponseMessage{
			ID:        req.ID,
			EntryKind: req.Kind,
			Entries:   []history.Entry{},
			Timestamp: c.session.now(),
		}
		entries, err := c.history.Recent(ctx, req.Kind, req.Limit)
		if err != nil {
			c.logger.Warn("history query failed", "id", req.ID, "kind", req.Kind, "error", err)
			resp.Error = err.Error()
		} else if entries != nil {
			resp.Entries = entries
		}
		c.session.publish(resp)
	}()
}
