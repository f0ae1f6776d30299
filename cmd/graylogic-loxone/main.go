// Gray Logic Loxone Bridge
//
// This is the main entry point for the Loxone Miniserver bridge. It keeps one
// authenticated WebSocket session to a Miniserver, republishes the configured
// room's temperature and presence, forwards system notifications, and relays
// passthrough commands between MQTT and the Miniserver.
//
// Connection parameters come from configs/config.yaml (auto_connect) or from
// connect commands on graylogic/command/loxone/connect.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-loxone/migrations"

	"github.com/nerrad567/gray-logic-loxone/internal/bridges/loxone"
	"github.com/nerrad567/gray-logic-loxone/internal/display"
	"github.com/nerrad567/gray-logic-loxone/internal/history"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-loxone/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Loxone bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	checks := []dependency{{"mqtt", mqttClient}}

	opts := loxone.SessionOptions{
		Dialer: &loxone.WebSocketDialer{
			ClientName:        clientName(cfg.Miniserver),
			KeepAliveInterval: cfg.Miniserver.KeepAliveInterval,
			Logger:            log.Component("loxone.websocket"),
		},
		Publisher:        mqttClient,
		QoS:              byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
		RecoveryInterval: cfg.Miniserver.RecoveryInterval,
		HandshakeTimeout: cfg.Miniserver.HandshakeTimeout,
		Logger:           log.Component("loxone"),
	}

	// Event history (optional)
	var historyReader loxone.HistoryReader
	if cfg.History.Enabled {
		repo, db, closeHistory, histErr := openHistory(ctx, cfg, log)
		if histErr != nil {
			return histErr
		}
		defer closeHistory()
		opts.History = repo
		historyReader = repo
		checks = append(checks, dependency{"database", db})
	} else {
		log.Info("event history disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		opts.Telemetry = influxClient
		checks = append(checks, dependency{"influxdb", influxClient})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Display power control (optional)
	if cfg.Display.Enabled {
		controller := display.NewController(cfg.Display,
			process.NewRunner(cfg.Display.CommandTimeout),
			log.Component("display"),
		)
		controller.Start()
		defer func() {
			log.Info("stopping display controller")
			controller.Stop()
		}()
		opts.PresenceHandler = controller
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	session, err := loxone.NewSession(opts)
	if err != nil {
		return fmt.Errorf("creating loxone session: %w", err)
	}
	defer func() {
		log.Info("closing loxone session")
		if closeErr := session.Close(); closeErr != nil {
			log.Error("error closing loxone session", "error", closeErr)
		}
	}()

	control := loxone.NewControlChannel(session, &mqttSubscriber{client: mqttClient},
		opts.QoS, log.Component("loxone.control"))
	if historyReader != nil {
		control.SetHistoryReader(historyReader)
	}
	if err := control.Start(ctx); err != nil {
		return fmt.Errorf("starting control channel: %w", err)
	}
	defer control.Wait()

	health := loxone.NewHealthReporter(loxone.HealthReporterConfig{
		Version:   version,
		Interval:  cfg.Health.Interval,
		Publisher: mqttClient,
		Session:   session,
	})
	health.SetLogger(log.Component("loxone.health"))
	if err := health.PublishStarting(); err != nil {
		log.Warn("failed to publish starting health", "error", err)
	}
	health.Start(ctx)
	defer health.Stop()

	if cfg.Miniserver.AutoConnect {
		connectOnStartup(ctx, session, cfg.Miniserver, log)
	} else {
		log.Info("waiting for connect command", "topic", loxone.ConnectTopic())
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: health, control channel, session,
	// display, InfluxDB, history database, MQTT.
	log.Info("Gray Logic Loxone bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// clientName returns the configured client name or the hostname.
func clientName(cfg config.MiniserverConfig) string {
	if cfg.ClientName != "" {
		return cfg.ClientName
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "graylogic-loxone"
}

// sessionConfig converts the startup Miniserver settings into a SessionConfig.
func sessionConfig(cfg config.MiniserverConfig) loxone.SessionConfig {
	return loxone.SessionConfig{
		Host:     cfg.Host,
		User:     cfg.Username,
		Password: cfg.Password,
		RoomUUID: cfg.RoomUUID,
		Presence: cfg.Presence,
	}
}

// connectOnStartup opens the configured session. A failed first handshake is
// logged; a later connect command may still succeed.
func connectOnStartup(ctx context.Context, session *loxone.Session, cfg config.MiniserverConfig, log *logging.Logger) {
	log.Info("connecting to miniserver", "miniserver", cfg.String())
	if err := session.Connect(ctx, sessionConfig(cfg)); err != nil {
		log.Error("initial miniserver connect failed", "host", cfg.Host, "error", err)
	}
}

// dependency is an infrastructure client verified before the session starts.
type dependency struct {
	name    string
	checker interface {
		HealthCheck(ctx context.Context) error
	}
}

// healthCheck verifies every dependency in order.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, deps []dependency) error {
	for _, d := range deps {
		if err := d.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// openHistory opens the SQLite database, applies migrations and starts
// retention pruning. The returned func stops pruning and closes the database.
func openHistory(ctx context.Context, cfg *config.Config, log *logging.Logger) (*history.Repository, *database.DB, func(), error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	repo := history.NewRepository(db.DB, log.Component("history"))
	repo.StartPruning(cfg.History.Retention, cfg.History.PruneInterval)

	closeFn := func() {
		repo.Stop()
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}
	return repo, db, closeFn, nil
}

// mqttSubscriber adapts the infrastructure MQTT client to loxone.Subscriber.
// The difference is the handler signature:
//   - Infrastructure mqtt: func(topic, payload []byte) error
//   - loxone control channel: func(topic, payload []byte)
type mqttSubscriber struct {
	client *mqtt.Client
}

// Subscribe implements loxone.Subscriber.
func (a *mqttSubscriber) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}
