package loxone

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/loxone
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string           `json:"bridge"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        HealthStatus     `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Connection    *ConnectionInfo  `json:"connection,omitempty"`
	Statistics    *HealthStatistic `json:"statistics,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// ConnectionInfo describes the Miniserver connection.
type ConnectionInfo struct {
	State          ConnectionState `json:"state"`
	Host           string          `json:"host,omitempty"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	OutOfService   bool            `json:"out_of_service"`
	ConnectedSince *time.Time      `json:"connected_since,omitempty"`
}

// HealthStatistic contains the session counters.
type HealthStatistic struct {
	Connects          uint64 `json:"connects"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	Reconnects        uint64 `json:"reconnects"`
	Recoveries        uint64 `json:"recoveries"`
	EventsReceived    uint64 `json:"events_received"`
	MessagesPublished uint64 `json:"messages_published"`
	PendingRequests   int    `json:"pending_requests"`
}

// HealthPublisher is the interface for publishing health messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Session   *Session
}

// HealthReporter publishes the session health to MQTT at a fixed interval.
type HealthReporter struct {
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	session   *Session
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		session:   cfg.Session,
		now:       func() time.Time { return time.Now().UTC() },
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is
// called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus maps the session state onto a health status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.session == nil {
		return HealthUnhealthy, "no session"
	}

	switch h.session.State() {
	case StateConnected:
		return HealthHealthy, ""
	case StateRecovering:
		return HealthDegraded, "miniserver out of service"
	case StateConnecting:
		return HealthDegraded, "connecting to miniserver"
	case StateIdle:
		return HealthDegraded, "waiting for connect command"
	default:
		return HealthUnhealthy, "miniserver connection closed"
	}
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Bridge:        Protocol,
		Timestamp:     h.now(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}

	if h.session != nil {
		st := h.session.Stats()
		conn := &ConnectionInfo{
			State:        st.State,
			Host:         st.Host,
			ConnectionID: st.ConnectionID,
			OutOfService: st.OutOfService,
		}
		if st.State == StateConnected && !st.ConnectedSince.IsZero() {
			since := st.ConnectedSince
			conn.ConnectedSince = &since
		}
		msg.Connection = conn
		msg.Statistics = &HealthStatistic{
			Connects:          st.Connects,
			HandshakeFailures: st.HandshakeFailures,
			Reconnects:        st.Reconnects,
			Recoveries:        st.Recoveries,
			EventsReceived:    st.EventsReceived,
			MessagesPublished: st.MessagesPublished,
			PendingRequests:   h.session.Gateway().Pending(),
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
