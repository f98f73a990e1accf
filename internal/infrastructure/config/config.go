package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hearth Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Automation AutomationConfig `yaml:"automation"`
	Health     HealthConfig     `yaml:"health"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SiteConfig contains site-specific information.
// The gateway serves a single physical site; latitude, longitude and
// timezone drive time-of-day and astronomical automation triggers.
type SiteConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Timezone string         `yaml:"timezone"`
	Location LocationConfig `yaml:"location"`
}

// LocationConfig contains geographic coordinates for astronomical calculations.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP server settings for the realtime and health endpoints.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// RealtimeConfig contains WebSocket broadcast hub settings.
type RealtimeConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	SendBuffer     int `yaml:"send_buffer"`
}

// BridgeConfig contains cloud bridge client settings.
// The bridge maintains a persistent WebSocket connection to a remote relay,
// forwarding state changes upstream and accepting commands downstream.
type BridgeConfig struct {
	Enabled           bool   `yaml:"enabled"`
	URL               string `yaml:"url"`
	GatewayID         string `yaml:"gateway_id"`
	Secret            string `yaml:"secret"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	ReconnectFloor    int    `yaml:"reconnect_floor"`
	ReconnectCeiling  int    `yaml:"reconnect_ceiling"`
}

// AutomationConfig contains rule engine settings.
type AutomationConfig struct {
	// MaxExecutionsPerMinute caps rule firings within a rolling 60-second window.
	MaxExecutionsPerMinute int `yaml:"max_executions_per_minute"`

	// DefaultCooldown is the cooldown in seconds for rules that do not set their own.
	DefaultCooldown int `yaml:"default_cooldown"`
}

// HealthConfig contains device liveness sweep settings.
type HealthConfig struct {
	// SweepInterval is how often the stale-device sweep runs, in seconds.
	SweepInterval int `yaml:"sweep_interval"`

	// OfflineThreshold is how long a device may stay silent before
	// the sweep marks it offline, in seconds.
	OfflineThreshold int `yaml:"offline_threshold"`
}

// InfluxDBConfig contains InfluxDB connection settings for state history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
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
// Environment variables follow the pattern: HEARTH_SECTION_KEY
// For example: HEARTH_DATABASE_PATH, HEARTH_BRIDGE_SECRET
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
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Hearth",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/hearth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hearth-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0, // unlimited
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Realtime: RealtimeConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		Bridge: BridgeConfig{
			Enabled:           false,
			HeartbeatInterval: 30,
			ReconnectFloor:    1,
			ReconnectCeiling:  60,
		},
		Automation: AutomationConfig{
			MaxExecutionsPerMinute: 10,
			DefaultCooldown:        60,
		},
		Health: HealthConfig{
			SweepInterval:    60,
			OfflineThreshold: 60,
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       false,
			URL:           "http://localhost:8086",
			Bucket:        "hearth",
			BatchSize:     100,
			FlushInterval: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Only secrets and deployment-specific values are overridable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("HEARTH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HEARTH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HEARTH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("HEARTH_BRIDGE_GATEWAY_ID"); v != "" {
		cfg.Bridge.GatewayID = v
	}
	if v := os.Getenv("HEARTH_BRIDGE_SECRET"); v != "" {
		cfg.Bridge.Secret = v
	}

	if v := os.Getenv("HEARTH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}
	if c.Site.Location.Latitude < -90 || c.Site.Location.Latitude > 90 {
		errs = append(errs, "site.location.latitude must be between -90 and 90")
	}
	if c.Site.Location.Longitude < -180 || c.Site.Location.Longitude > 180 {
		errs = append(errs, "site.location.longitude must be between -180 and 180")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Realtime.SendBuffer < 1 {
		errs = append(errs, "realtime.send_buffer must be at least 1")
	}

	if c.Bridge.Enabled {
		if c.Bridge.URL == "" {
			errs = append(errs, "bridge.url is required when bridge is enabled")
		}
		if c.Bridge.GatewayID == "" {
			errs = append(errs, "bridge.gateway_id is required when bridge is enabled (set HEARTH_BRIDGE_GATEWAY_ID)")
		}
		if c.Bridge.Secret == "" {
			errs = append(errs, "bridge.secret is required when bridge is enabled (set HEARTH_BRIDGE_SECRET)")
		}
		if c.Bridge.ReconnectFloor < 1 {
			errs = append(errs, "bridge.reconnect_floor must be at least 1 second")
		}
		if c.Bridge.ReconnectCeiling < c.Bridge.ReconnectFloor {
			errs = append(errs, "bridge.reconnect_ceiling must be >= bridge.reconnect_floor")
		}
	}

	if c.Automation.MaxExecutionsPerMinute < 1 {
		errs = append(errs, "automation.max_executions_per_minute must be at least 1")
	}
	if c.Automation.DefaultCooldown < 0 {
		errs = append(errs, "automation.default_cooldown must not be negative")
	}

	if c.Health.SweepInterval < 1 {
		errs = append(errs, "health.sweep_interval must be at least 1 second")
	}
	if c.Health.OfflineThreshold < 1 {
		errs = append(errs, "health.offline_threshold must be at least 1 second")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.org is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Timezone returns the site timezone as a *time.Location.
// Validate guarantees the configured zone parses; UTC is the fallback
// for configs constructed directly in code.
func (c *Config) Timezone() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
