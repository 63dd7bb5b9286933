package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Confship.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Transport TransportConfig `yaml:"transport"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
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

// WebSocketConfig contains WebSocket event hub settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT        JWTConfig `yaml:"jwt"`
	SecretsKey string    `yaml:"secrets_key"` // passphrase for target credential decryption
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// TransportConfig contains SSH transport settings applied to every target
// session unless the target record overrides them.
type TransportConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`

	// KnownHosts is the path to an OpenSSH known_hosts file used to verify
	// target host keys. Empty disables verification (lab installations only).
	KnownHosts string `yaml:"known_hosts"`
}

// SnapshotConfig contains snapshot storage and retention settings.
type SnapshotConfig struct {
	StorageDir       string        `yaml:"storage_dir"`
	RetentionDays    int           `yaml:"retention_days"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RestoreHealthTTL time.Duration `yaml:"restore_health_timeout"`
}

// DeployConfig contains deployment pipeline settings.
type DeployConfig struct {
	PhaseTimeout   time.Duration `yaml:"phase_timeout"`
	RestartTimeout time.Duration `yaml:"restart_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	OutputLimit    int           `yaml:"output_limit"` // captured stdout/stderr excerpt bytes
}

// NotifyConfig contains notification channel settings.
// The channel set is fixed: log is always active, mqtt and webhook are
// enabled by configuration.
type NotifyConfig struct {
	MQTT    NotifyMQTTConfig    `yaml:"mqtt"`
	Webhook NotifyWebhookConfig `yaml:"webhook"`
}

// NotifyMQTTConfig contains MQTT broker settings for the mqtt channel.
type NotifyMQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

// NotifyWebhookConfig contains outbound webhook settings for the webhook channel.
type NotifyWebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig contains InfluxDB settings for phase-duration metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// WebhookConfig contains inbound GitHub webhook trigger settings.
type WebhookConfig struct {
	Secret    string `yaml:"secret"`
	ConfigDir string `yaml:"config_dir"` // local checkout the webhook deploys from
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The loading order is: defaults, then YAML file values, then environment
// variables. Environment variables follow the pattern CONFSHIP_SECTION_KEY,
// for example CONFSHIP_DATABASE_PATH or CONFSHIP_JWT_SECRET.
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
		Database: DatabaseConfig{
			Path:        "./data/confship.db",
			WALMode:     true,
			BusyTimeout: 5,
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
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Transport: TransportConfig{
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 60 * time.Second,
			RetryAttempts:  3,
			RetryBackoff:   time.Second,
			MaxRetryDelay:  30 * time.Second,
		},
		Snapshots: SnapshotConfig{
			StorageDir:       "./data/snapshots",
			RetentionDays:    30,
			SweepInterval:    time.Hour,
			RestoreHealthTTL: 60 * time.Second,
		},
		Deploy: DeployConfig{
			PhaseTimeout:   2 * time.Minute,
			RestartTimeout: 90 * time.Second,
			HealthTimeout:  60 * time.Second,
			OutputLimit:    8192,
		},
		Notify: NotifyConfig{
			MQTT: NotifyMQTTConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "confship",
				Topic:    "confship/events",
				QoS:      1,
			},
			Webhook: NotifyWebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CONFSHIP_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONFSHIP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONFSHIP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CONFSHIP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("CONFSHIP_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("CONFSHIP_SECRETS_KEY"); v != "" {
		cfg.Security.SecretsKey = v
	}
	if v := os.Getenv("CONFSHIP_SNAPSHOTS_DIR"); v != "" {
		cfg.Snapshots.StorageDir = v
	}
	if v := os.Getenv("CONFSHIP_MQTT_HOST"); v != "" {
		cfg.Notify.MQTT.Host = v
	}
	if v := os.Getenv("CONFSHIP_MQTT_PASSWORD"); v != "" {
		cfg.Notify.MQTT.Password = v
	}
	if v := os.Getenv("CONFSHIP_INFLUXDB_TOKEN"); v != "" {
		cfg.Metrics.Token = v
	}
	if v := os.Getenv("CONFSHIP_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Snapshots.StorageDir == "" {
		errs = append(errs, "snapshots.storage_dir is required")
	}
	if c.Snapshots.RetentionDays < 0 {
		errs = append(errs, "snapshots.retention_days must not be negative")
	}
	if c.Transport.RetryAttempts < 1 {
		errs = append(errs, "transport.retry_attempts must be at least 1")
	}

	// Deployment credentials grant shell access to managed instances.
	// A forged API token is equivalent to SSH access, so the JWT secret
	// is mandatory and must not be trivially brute-forceable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set CONFSHIP_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.Security.SecretsKey == "" {
		errs = append(errs, "security.secrets_key is required (set CONFSHIP_SECRETS_KEY environment variable)")
	}

	if c.Notify.MQTT.Enabled && c.Notify.MQTT.Host == "" {
		errs = append(errs, "notify.mqtt.host is required when the mqtt channel is enabled")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		errs = append(errs, "notify.webhook.url is required when the webhook channel is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.URL == "" {
		errs = append(errs, "metrics.url is required when metrics are enabled")
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
