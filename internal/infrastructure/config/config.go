package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when DAELIM_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration of the Daelim bridge.
// Values come from defaults, then the YAML file, then DAELIM_* environment variables.
type Config struct {
	Daelim    DaelimConfig    `yaml:"daelim"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// DaelimConfig describes the apartment and how to stay connected to it.
type DaelimConfig struct {
	Server    DaelimServerConfig    `yaml:"server"`
	Apartment DaelimApartmentConfig `yaml:"apartment"`
	Auth      DaelimAuthConfig      `yaml:"auth"`
	Timeouts  DaelimTimeoutConfig   `yaml:"timeouts"`
	Reconnect DaelimReconnectConfig `yaml:"reconnect"`
	Discovery DaelimDiscoveryConfig `yaml:"discovery"`

	// PollInterval re-queries all device state every N seconds. 0 disables polling.
	PollInterval int `yaml:"poll_interval"`

	// SeedFromDatabase loads the last persisted snapshot into the store at startup.
	SeedFromDatabase bool `yaml:"seed_from_database"`
}

// DaelimServerConfig is the apartment complex TCP server.
type DaelimServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DaelimApartmentConfig identifies the household within the complex.
type DaelimApartmentConfig struct {
	ComplexID string `yaml:"complex_id"`
	Building  string `yaml:"building"`
	Unit      string `yaml:"unit"`
}

// DaelimAuthConfig holds the resident account used for login.
type DaelimAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DeviceUUID identifies this bridge to the server. Generated when empty.
	DeviceUUID string `yaml:"device_uuid"`
}

// DaelimTimeoutConfig holds protocol timeouts in seconds.
type DaelimTimeoutConfig struct {
	Connect int `yaml:"connect"`
	Command int `yaml:"command"`
}

// DaelimReconnectConfig tunes the reconnect backoff.
type DaelimReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       float64 `yaml:"jitter"`
}

// DaelimDiscoveryConfig points at the vendor web service used to look up
// apartment complexes and server addresses.
type DaelimDiscoveryConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"`

	// ResolveServer looks the server address up by complex id when
	// daelim.server.address is empty.
	ResolveServer bool `yaml:"resolve_server"`
}

// BridgeConfig controls the MQTT bridge identity and health reporting.
type BridgeConfig struct {
	ID             string `yaml:"id"`
	HealthInterval int    `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays prunes state history older than this. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
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

// APITimeoutConfig contains HTTP timeout settings in seconds.
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// Issuer, when set, must match the "iss" claim.
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// PathFromEnv returns DAELIM_CONFIG or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("DAELIM_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

func defaultConfig() *Config {
	return &Config{
		Daelim: DaelimConfig{
			Server: DaelimServerConfig{Port: 25301},
			Timeouts: DaelimTimeoutConfig{
				Connect: 10,
				Command: 10,
			},
			Reconnect: DaelimReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				Multiplier:   2,
				Jitter:       0.2,
			},
			Discovery: DaelimDiscoveryConfig{
				BaseURL: "https://smarthome.daelim.co.kr",
				Timeout: 15,
			},
			PollInterval:     30,
			SeedFromDatabase: true,
		},
		Bridge: BridgeConfig{
			ID:             "daelim-bridge",
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:                 "./data/daelim.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "daelim-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
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
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies DAELIM_* environment variables. Secrets belong here
// rather than in the file.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DAELIM_SERVER_ADDRESS": &cfg.Daelim.Server.Address,
		"DAELIM_COMPLEX_ID":     &cfg.Daelim.Apartment.ComplexID,
		"DAELIM_USERNAME":       &cfg.Daelim.Auth.Username,
		"DAELIM_PASSWORD":       &cfg.Daelim.Auth.Password,
		"DAELIM_DEVICE_UUID":    &cfg.Daelim.Auth.DeviceUUID,
		"DAELIM_DATABASE_PATH":  &cfg.Database.Path,
		"DAELIM_MQTT_HOST":      &cfg.MQTT.Broker.Host,
		"DAELIM_MQTT_USERNAME":  &cfg.MQTT.Auth.Username,
		"DAELIM_MQTT_PASSWORD":  &cfg.MQTT.Auth.Password,
		"DAELIM_API_HOST":       &cfg.API.Host,
		"DAELIM_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"DAELIM_JWT_SECRET":     &cfg.Security.JWT.Secret,
		"DAELIM_LOG_LEVEL":      &cfg.Logging.Level,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DAELIM_SERVER_PORT": &cfg.Daelim.Server.Port,
		"DAELIM_MQTT_PORT":   &cfg.MQTT.Broker.Port,
		"DAELIM_API_PORT":    &cfg.API.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	d := c.Daelim
	if d.Server.Address == "" && !(d.Discovery.ResolveServer && d.Apartment.ComplexID != "") {
		errs = append(errs, "daelim.server.address is required (or enable daelim.discovery.resolve_server with daelim.apartment.complex_id)")
	}
	if d.Server.Port < 1 || d.Server.Port > 65535 {
		errs = append(errs, "daelim.server.port must be between 1 and 65535")
	}
	if d.Auth.Username == "" {
		errs = append(errs, "daelim.auth.username is required")
	}
	if d.Auth.Password == "" {
		errs = append(errs, "daelim.auth.password is required (set DAELIM_PASSWORD environment variable)")
	}
	if d.Timeouts.Connect <= 0 || d.Timeouts.Command <= 0 {
		errs = append(errs, "daelim.timeouts must be positive")
	}
	if d.Reconnect.InitialDelay <= 0 || d.Reconnect.MaxDelay < d.Reconnect.InitialDelay {
		errs = append(errs, "daelim.reconnect.max_delay must be at least initial_delay (both positive)")
	}
	if d.Reconnect.Multiplier < 1 {
		errs = append(errs, "daelim.reconnect.multiplier must be at least 1")
	}
	if d.Reconnect.Jitter < 0 || d.Reconnect.Jitter >= 1 {
		errs = append(errs, "daelim.reconnect.jitter must be in [0, 1)")
	}
	if d.PollInterval < 0 {
		errs = append(errs, "daelim.poll_interval must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set DAELIM_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ConnectTimeout returns the apartment connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Daelim.Timeouts.Connect) * time.Second
}

// CommandTimeout returns the per-command response timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Daelim.Timeouts.Command) * time.Second
}

// PollInterval returns the state polling interval, or 0 when disabled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daelim.PollInterval) * time.Second
}

// HealthInterval returns the bridge health publishing interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
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
