package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Assets    AssetsConfig    `yaml:"assets"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Adapters  AdaptersConfig  `yaml:"adapters"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation this gateway serves.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// AssetsConfig locates the asset document.
type AssetsConfig struct {
	// Path is the JSON asset document loaded at startup and rewritten on PUT.
	Path string `yaml:"path"`

	// SchemaLint enables advisory JSON Schema warnings on document writes.
	SchemaLint bool `yaml:"schema_lint"`
}

// DatabaseConfig contains SQLite database settings for the audit trail.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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
}

// WebSocketConfig contains UI push channel settings.
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

// AdaptersConfig groups the device protocol adapters.
type AdaptersConfig struct {
	QSYS QSYSConfig `yaml:"qsys"`
	Gira GiraConfig `yaml:"gira"`
}

// QSYSConfig configures the DSP control client.
type QSYSConfig struct {
	Enabled bool `yaml:"enabled"`

	// Key is the adapter key assets reference in their "adapter" field.
	Key string `yaml:"key"`

	// Host and Port address the raw TCP control port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// URL selects the WebSocket transport instead of raw TCP when set
	// (ws:// or wss://). The /qrc path is appended when missing.
	URL string `yaml:"url"`

	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// ChangeGroupID names the change group used for polling.
	ChangeGroupID string `yaml:"change_group_id"`

	PollIntervalMS     int `yaml:"poll_interval_ms"`
	KeepaliveIntervalS int `yaml:"keepalive_interval_s"`
	RequestTimeoutS    int `yaml:"request_timeout_s"`
	BackoffBaseMS      int `yaml:"backoff_base_ms"`
	BackoffMaxMS       int `yaml:"backoff_max_ms"`

	// TLS leniency for the WebSocket transport. Device certificates are
	// frequently self-signed, so these are operator opt-ins.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	TLSMinVersion      string `yaml:"tls_min_version"`
	DisableSNI         bool   `yaml:"disable_sni"`
}

// GiraConfig configures the home-automation REST client.
type GiraConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`

	// BaseURL is the API root, e.g. https://x1.local/api/v2.
	BaseURL  string `yaml:"base_url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	PollIntervalMS  int `yaml:"poll_interval_ms"`
	RequestTimeoutS int `yaml:"request_timeout_s"`
	BackoffBaseMS   int `yaml:"backoff_base_ms"`
	BackoffMaxMS    int `yaml:"backoff_max_ms"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the admin token secret. When Secret is empty the
// asset document write endpoints are unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GATEWAY_SECTION_KEY
// For example: GATEWAY_QSYS_HOST, GATEWAY_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults plus environment
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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
			Name: "Gateway",
		},
		Assets: AssetsConfig{
			Path:       "./data/assets.json",
			SchemaLint: true,
		},
		Database: DatabaseConfig{
			Path:        "./data/gateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gateway",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
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
		Adapters: AdaptersConfig{
			QSYS: QSYSConfig{
				Key:                "QSYS",
				Port:               1710,
				User:               "admin",
				ChangeGroupID:      "codex-gateway",
				PollIntervalMS:     250,
				KeepaliveIntervalS: 30,
				RequestTimeoutS:    10,
				BackoffBaseMS:      1000,
				BackoffMaxMS:       30000,
			},
			Gira: GiraConfig{
				Key:             "GiraX1",
				ClientID:        "de.gateway.client",
				PollIntervalMS:  1000,
				RequestTimeoutS: 10,
				BackoffBaseMS:   1000,
				BackoffMaxMS:    30000,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GATEWAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	envString("GATEWAY_ASSETS_PATH", &cfg.Assets.Path)
	envString("GATEWAY_DATABASE_PATH", &cfg.Database.Path)

	// MQTT
	envBool("GATEWAY_MQTT_ENABLED", &cfg.MQTT.Enabled)
	envString("GATEWAY_MQTT_HOST", &cfg.MQTT.Broker.Host)
	envString("GATEWAY_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	envString("GATEWAY_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// API
	envString("GATEWAY_API_HOST", &cfg.API.Host)
	envInt("GATEWAY_API_PORT", &cfg.API.Port)

	// InfluxDB
	envString("GATEWAY_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// DSP control client
	q := &cfg.Adapters.QSYS
	envBool("GATEWAY_QSYS_ENABLED", &q.Enabled)
	envString("GATEWAY_QSYS_HOST", &q.Host)
	envInt("GATEWAY_QSYS_PORT", &q.Port)
	envString("GATEWAY_QSYS_URL", &q.URL)
	envString("GATEWAY_QSYS_USER", &q.User)
	envString("GATEWAY_QSYS_PASSWORD", &q.Password)
	envString("GATEWAY_QSYS_CHANGE_GROUP", &q.ChangeGroupID)
	envInt("GATEWAY_QSYS_POLL_MS", &q.PollIntervalMS)
	envBool("GATEWAY_QSYS_INSECURE", &q.InsecureSkipVerify)
	envString("GATEWAY_QSYS_TLS_MIN", &q.TLSMinVersion)
	envBool("GATEWAY_QSYS_NO_SNI", &q.DisableSNI)

	// Home-automation REST client
	g := &cfg.Adapters.Gira
	envBool("GATEWAY_GIRA_ENABLED", &g.Enabled)
	envString("GATEWAY_GIRA_URL", &g.BaseURL)
	envString("GATEWAY_GIRA_CLIENT_ID", &g.ClientID)
	envString("GATEWAY_GIRA_USERNAME", &g.Username)
	envString("GATEWAY_GIRA_PASSWORD", &g.Password)
	envInt("GATEWAY_GIRA_POLL_MS", &g.PollIntervalMS)
	envBool("GATEWAY_GIRA_INSECURE", &g.InsecureSkipVerify)

	envString("GATEWAY_JWT_SECRET", &cfg.Security.JWT.Secret)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt ignores values that do not parse; Validate reports the result.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envBool accepts "1" and anything strconv.ParseBool understands.
func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if v == "1" {
		*dst = true
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Assets.Path == "" {
		errs = append(errs, "assets.path is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	q := c.Adapters.QSYS
	if q.Enabled {
		if q.Host == "" && q.URL == "" {
			errs = append(errs, "adapters.qsys.host or adapters.qsys.url is required")
		}
		if q.URL == "" && (q.Port < 1 || q.Port > 65535) {
			errs = append(errs, "adapters.qsys.port must be between 1 and 65535")
		}
		if q.URL != "" && !strings.HasPrefix(q.URL, "ws://") && !strings.HasPrefix(q.URL, "wss://") {
			errs = append(errs, "adapters.qsys.url must start with ws:// or wss://")
		}
		if q.Key == "" {
			errs = append(errs, "adapters.qsys.key is required")
		}
		if q.PollIntervalMS <= 0 {
			errs = append(errs, "adapters.qsys.poll_interval_ms must be positive")
		}
		switch q.TLSMinVersion {
		case "", "1.0", "1.1", "1.2", "1.3":
		default:
			errs = append(errs, "adapters.qsys.tls_min_version must be one of 1.0, 1.1, 1.2, 1.3")
		}
	}

	g := c.Adapters.Gira
	if g.Enabled {
		if g.BaseURL == "" {
			errs = append(errs, "adapters.gira.base_url is required")
		}
		if g.ClientID == "" {
			errs = append(errs, "adapters.gira.client_id is required")
		}
		if g.Key == "" {
			errs = append(errs, "adapters.gira.key is required")
		}
		if g.PollIntervalMS <= 0 {
			errs = append(errs, "adapters.gira.poll_interval_ms must be positive")
		}
	}

	if q.Enabled && g.Enabled && q.Key == g.Key {
		errs = append(errs, "adapters.qsys.key and adapters.gira.key must differ")
	}

	// An empty secret disables admin auth; a short one is a mistake.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
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

// PollInterval returns the change-group poll period.
func (q QSYSConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// KeepaliveInterval returns the NoOp keepalive period.
func (q QSYSConfig) KeepaliveInterval() time.Duration {
	return time.Duration(q.KeepaliveIntervalS) * time.Second
}

// RequestTimeout bounds a single RPC round trip.
func (q QSYSConfig) RequestTimeout() time.Duration {
	return time.Duration(q.RequestTimeoutS) * time.Second
}

// BackoffBase returns the first reconnect delay.
func (q QSYSConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (q QSYSConfig) BackoffMax() time.Duration {
	return time.Duration(q.BackoffMaxMS) * time.Millisecond
}

// PollInterval returns the delay between clean poll iterations.
func (g GiraConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMS) * time.Millisecond
}

// RequestTimeout bounds a single HTTP request.
func (g GiraConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutS) * time.Second
}

// BackoffBase returns the first delay after a failed poll iteration.
func (g GiraConfig) BackoffBase() time.Duration {
	return time.Duration(g.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the poll backoff ceiling.
func (g GiraConfig) BackoffMax() time.Duration {
	return time.Duration(g.BackoffMaxMS) * time.Millisecond
}
