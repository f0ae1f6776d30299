package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Loxone bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Miniserver MiniserverConfig `yaml:"miniserver"`
	Database   DatabaseConfig   `yaml:"database"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Display    DisplayConfig    `yaml:"display"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MiniserverConfig contains the Loxone Miniserver connection settings.
type MiniserverConfig struct {
	// Host is the Miniserver address, optionally with port (e.g. "192.168.1.77:80").
	Host string `yaml:"host"`

	// Username and Password authenticate the WebSocket session.
	// WARNING: Never log Password. Use String() for safe logging.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RoomUUID selects the room whose temperature and presence are reported.
	RoomUUID string `yaml:"room_uuid"`

	// Presence enables presence inference from the room's lighting controller.
	Presence bool `yaml:"presence"`

	// AutoConnect connects on startup instead of waiting for a connect command.
	AutoConnect bool `yaml:"auto_connect"`

	// ClientName is reported to the Miniserver when opening the socket.
	// Default: the machine hostname.
	ClientName string `yaml:"client_name"`

	// RecoveryInterval is the fixed polling interval while the Miniserver is out of service.
	// Default: 10s
	RecoveryInterval time.Duration `yaml:"recovery_interval"`

	// HandshakeTimeout bounds a single connect sequence. 0 disables the timeout.
	// Default: 30s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAliveInterval is how often a keepalive is sent on an open socket.
	// Default: 60s
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// String returns a string representation with the password masked.
func (m MiniserverConfig) String() string {
	password := ""
	if m.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MiniserverConfig{Host:%q, Username:%q, Password:%s, RoomUUID:%q, Presence:%t}",
		m.Host, m.Username, password, m.RoomUUID, m.Presence)
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls persistence of routed events.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Retention is how long history entries are kept. Default: 720h (30 days).
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often old entries are deleted. Default: 1h.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DisplayConfig controls the display power side effect of presence changes.
type DisplayConfig struct {
	Enabled bool `yaml:"enabled"`

	// StatusCommand probes the display power state.
	StatusCommand []string `yaml:"status_command"`

	// OffStatus is the substring of the probe output meaning "display is off".
	OffStatus string `yaml:"off_status"`

	// WakeCommands run in order when presence is detected and the display is off.
	// Execution stops at the first failing command.
	WakeCommands [][]string `yaml:"wake_commands"`

	// OffCommand powers the display output down when presence ends.
	OffCommand []string `yaml:"off_command"`

	// CommandTimeout bounds each command. Default: 10s
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// HealthConfig controls periodic health publication.
type HealthConfig struct {
	// Interval is how often health is published. Default: 30s
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_MINISERVER_HOST, GRAYLOGIC_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Miniserver: MiniserverConfig{
			RecoveryInterval:  10 * time.Second,
			HandshakeTimeout:  30 * time.Second,
			KeepAliveInterval: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/loxone.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-loxone",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Display: DisplayConfig{
			StatusCommand: []string{"/opt/vc/bin/tvservice", "-s"},
			OffStatus:     "0x120002",
			WakeCommands: [][]string{
				{"/opt/vc/bin/tvservice", "--preferred"},
				{"chvt", "6"},
				{"chvt", "7"},
			},
			OffCommand:     []string{"/opt/vc/bin/tvservice", "-o"},
			CommandTimeout: 10 * time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Miniserver
	if v := os.Getenv("GRAYLOGIC_MINISERVER_HOST"); v != "" {
		cfg.Miniserver.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MINISERVER_USERNAME"); v != "" {
		cfg.Miniserver.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MINISERVER_PASSWORD"); v != "" {
		cfg.Miniserver.Password = v
	}
	if v := os.Getenv("GRAYLOGIC_MINISERVER_ROOM_UUID"); v != "" {
		cfg.Miniserver.RoomUUID = v
	}
	if v := os.Getenv("GRAYLOGIC_MINISERVER_PRESENCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Miniserver.Presence = b
		}
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Miniserver validation. Credentials are only required when connecting on
	// startup; otherwise they arrive with the connect command.
	if c.Miniserver.AutoConnect {
		if c.Miniserver.Host == "" {
			errs = append(errs, "miniserver.host is required when auto_connect is enabled")
		}
		if c.Miniserver.Username == "" {
			errs = append(errs, "miniserver.username is required when auto_connect is enabled")
		}
	}
	if c.Miniserver.RecoveryInterval <= 0 {
		errs = append(errs, "miniserver.recovery_interval must be positive")
	}
	if c.Miniserver.HandshakeTimeout < 0 {
		errs = append(errs, "miniserver.handshake_timeout must not be negative")
	}

	// Database validation
	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}
	if c.History.Enabled && c.History.Retention <= 0 {
		errs = append(errs, "history.retention must be positive")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Display validation
	if c.Display.Enabled {
		if len(c.Display.StatusCommand) == 0 {
			errs = append(errs, "display.status_command is required when display is enabled")
		}
		if len(c.Display.OffCommand) == 0 {
			errs = append(errs, "display.off_command is required when display is enabled")
		}
		for i, cmd := range c.Display.WakeCommands {
			if len(cmd) == 0 {
				errs = append(errs, fmt.Sprintf("display.wake_commands[%d] is empty", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
