package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for cmdbridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	HomeKit   HomeKitConfig   `yaml:"homekit"`
	Security  SecurityConfig  `yaml:"security"`
	Commands  CommandsConfig  `yaml:"commands"`

	// Devices is the list of command-driven devices to expose.
	Devices []DeviceConfig `yaml:"devices"`

	// Switches is accepted as an alias for Devices so configuration
	// files written for the older plugin layout load unchanged.
	Switches []DeviceConfig `yaml:"switches"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Broker    MQTTBrokerConfig     `yaml:"broker"`
	Auth      MQTTAuthConfig       `yaml:"auth"`
	QoS       int                  `yaml:"qos"`
	Reconnect MQTTReconnectConfig  `yaml:"reconnect"`
	Embedded  EmbeddedBrokerConfig `yaml:"embedded"`
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

// EmbeddedBrokerConfig runs an in-process MQTT broker so a single
// binary can serve MQTT front ends without an external Mosquitto.
type EmbeddedBrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HomeKitConfig contains settings for the HomeKit accessory bridge.
type HomeKitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Name is the bridge accessory name shown in the Home app.
	Name string `yaml:"name"`

	// Pin is the 8-digit setup code used when pairing.
	Pin string `yaml:"pin"`

	// Port is the HAP listen port. Empty picks a random port.
	Port string `yaml:"port"`

	// StoragePath holds pairing keys between restarts.
	StoragePath string `yaml:"storage_path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty secret disables bearer authentication on the API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// CommandsConfig controls how device shell commands are executed.
type CommandsConfig struct {
	// Shell runs each command as `<shell> -c <command>`. Default: /bin/sh
	Shell string `yaml:"shell"`

	// SetTimeoutMS is how long a set waits before reporting optimistic success.
	// Default: 3000
	SetTimeoutMS int `yaml:"set_timeout_ms"`

	// RevertDelayMS is how long a momentary device stays on before the
	// visible state flips back. Default: 1000
	RevertDelayMS int `yaml:"revert_delay_ms"`

	// KillOnTimeout kills a set command's process group once the set
	// timeout has elapsed instead of letting it run to completion.
	// Default: false
	KillOnTimeout bool `yaml:"kill_on_timeout"`

	// MaxRuntime caps any single command's runtime in seconds. 0 disables the cap.
	MaxRuntime int `yaml:"max_runtime"`
}

// DeviceConfig describes one command-driven device.
// Field names follow the established plugin configuration keys.
type DeviceConfig struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	OnCommand    string `yaml:"on_cmd"`
	OffCommand   string `yaml:"off_cmd"`
	StateCommand string `yaml:"state_cmd"`
	Polling      bool   `yaml:"polling"`
	Interval     int    `yaml:"interval"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	Serial       string `yaml:"serial"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CMDBRIDGE_SECTION_KEY
// For example: CMDBRIDGE_DATABASE_PATH, CMDBRIDGE_API_PORT
//
// JSON files load as well since YAML is a superset of JSON.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Validated configuration with defaults applied
//   - error: If the file cannot be parsed or fails validation
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if len(cfg.Switches) > 0 {
		cfg.Devices = append(cfg.Devices, cfg.Switches...)
		cfg.Switches = nil
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
			ID:   "site-001",
			Name: "cmdbridge",
		},
		Database: DatabaseConfig{
			Path:        "./data/cmdbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cmdbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Embedded: EmbeddedBrokerConfig{
				Address: ":1883",
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		HomeKit: HomeKitConfig{
			Name:        "cmdbridge",
			Pin:         "00102003",
			StoragePath: "./data/homekit",
		},
		Commands: CommandsConfig{
			Shell:         "/bin/sh",
			SetTimeoutMS:  3000,
			RevertDelayMS: 1000,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CMDBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CMDBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("CMDBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CMDBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("CMDBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CMDBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("CMDBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CMDBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("CMDBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("CMDBRIDGE_HOMEKIT_PIN"); v != "" {
		cfg.HomeKit.Pin = v
	}

	if v := os.Getenv("CMDBRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("CMDBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Device entries are not validated here: a bad device is reported and
// skipped when the registry reconciles, it never stops the process.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Embedded.Enabled && c.MQTT.Embedded.Address == "" {
		errs = append(errs, "mqtt.embedded.address is required when the embedded broker is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.HomeKit.Enabled && len(c.HomeKit.Pin) != 8 {
		errs = append(errs, "homekit.pin must be exactly 8 digits")
	}

	if c.Commands.Shell == "" {
		errs = append(errs, "commands.shell is required")
	}
	if c.Commands.SetTimeoutMS <= 0 {
		errs = append(errs, "commands.set_timeout_ms must be positive")
	}
	if c.Commands.RevertDelayMS <= 0 {
		errs = append(errs, "commands.revert_delay_ms must be positive")
	}
	if c.Commands.MaxRuntime < 0 {
		errs = append(errs, "commands.max_runtime must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// SetTimeout returns the set-state race timeout.
func (c *CommandsConfig) SetTimeout() time.Duration {
	return time.Duration(c.SetTimeoutMS) * time.Millisecond
}

// RevertDelay returns the momentary reversion delay.
func (c *CommandsConfig) RevertDelay() time.Duration {
	return time.Duration(c.RevertDelayMS) * time.Millisecond
}

// MaxRuntimeDuration returns the per-command runtime cap, or 0 when uncapped.
func (c *CommandsConfig) MaxRuntimeDuration() time.Duration {
	return time.Duration(c.MaxRuntime) * time.Second
}
