// Package config loads and validates the control plane's configuration via
// viper: a YAML file, overridable by environment variables, unmarshaled
// into narrow per-component structs rather than one flat blob.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration, composed of narrow per-component structs.
type Config struct {
	Profile DeploymentProfile `mapstructure:"profile"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Lock      LockConfig      `mapstructure:"lock"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	Locker    LockerConfig    `mapstructure:"locker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Zones     ZonesConfig     `mapstructure:"zones"`
	EventLog  EventLogConfig  `mapstructure:"event_log"`
}

// DeploymentProfile selects lite (SQLite, single-node) or standard
// (Postgres + Redis, HA) deployment shape.
type DeploymentProfile string

const (
	ProfileLite     DeploymentProfile = "lite"
	ProfileStandard DeploymentProfile = "standard"
)

// StorageBackend names the persistence adapter in use.
type StorageBackend string

const (
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendPostgres StorageBackend = "postgres"
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend        StorageBackend `mapstructure:"backend"`
	SQLitePath     string         `mapstructure:"sqlite_path"`
	PostgresURL    string         `mapstructure:"postgres_url"`
	MaxConnections int            `mapstructure:"max_connections"`
}

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// RedisConfig configures the Redis backend of the standard profile's
// distributed lock. The rate limiter does not use it.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LockConfig configures the Redis-backed distributed lock used to
// coordinate config reload across replicas.
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// LockerConfig configures the locker state machine.
type LockerConfig struct {
	ReserveTTL time.Duration `mapstructure:"reserve_ttl"`
}

// QueueConfig configures the command queue.
type QueueConfig struct {
	StaleExecutingThreshold time.Duration `mapstructure:"stale_command_threshold"`
	RetentionPeriod         time.Duration `mapstructure:"retention_period"`
	BaseBackoff             time.Duration `mapstructure:"base_backoff"`
	PollInterval            time.Duration `mapstructure:"command_poll_interval"`
}

// HeartbeatConfig configures the heartbeat manager.
type HeartbeatConfig struct {
	Interval         time.Duration `mapstructure:"heartbeat_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// RateLimitConfig configures the per-dimension token buckets.
type RateLimitConfig struct {
	IPCapacity        float64       `mapstructure:"ip_capacity"`
	RFIDCapacity      float64       `mapstructure:"rfid_card_capacity"`
	LockerCapacity    float64       `mapstructure:"locker_capacity"`
	QRDeviceCapacity  float64       `mapstructure:"qr_device_capacity"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// ZonesConfig toggles zone-based hardware mapping and names the two files
// the reload coordinator reconciles on every SIGHUP: the logical zone
// layout and the operator-maintained relay-card inventory.
type ZonesConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	LayoutPath        string `mapstructure:"layout_path"`
	CardInventoryPath string `mapstructure:"card_inventory_path"`
}

// EventLogConfig configures event log retention and anonymization.
type EventLogConfig struct {
	EventRetentionDays int    `mapstructure:"event_retention_days"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
	IPHashSalt         string `mapstructure:"ip_hash_salt"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("profile", "lite")
	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.sqlite_path", "/data/lockerctl.db")
	viper.SetDefault("storage.max_connections", 25)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.max_retries", 3)
	viper.SetDefault("lock.retry_interval", "100ms")
	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.release_timeout", "2s")
	viper.SetDefault("lock.value_prefix", "lockerctl")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 8080)

	viper.SetDefault("locker.reserve_ttl", "90s")

	viper.SetDefault("queue.stale_command_threshold", "120s")
	viper.SetDefault("queue.retention_period", "168h")
	viper.SetDefault("queue.base_backoff", "30s")
	viper.SetDefault("queue.command_poll_interval", "2s")

	viper.SetDefault("heartbeat.heartbeat_interval", "10s")
	viper.SetDefault("heartbeat.offline_threshold", "30s")
	viper.SetDefault("heartbeat.cleanup_interval", "60s")

	viper.SetDefault("rate_limit.ip_capacity", 30)
	viper.SetDefault("rate_limit.rfid_card_capacity", 60)
	viper.SetDefault("rate_limit.locker_capacity", 6)
	viper.SetDefault("rate_limit.qr_device_capacity", 1)
	viper.SetDefault("rate_limit.cleanup_interval", "60m")

	viper.SetDefault("zones.enabled", false)
	viper.SetDefault("zones.layout_path", "/etc/lockerctl/zones.yaml")
	viper.SetDefault("zones.card_inventory_path", "/etc/lockerctl/cards.yaml")

	viper.SetDefault("event_log.event_retention_days", 30)
	viper.SetDefault("event_log.audit_retention_days", 90)
}

// Validate checks cross-field invariants the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendSQLite {
			return fmt.Errorf("lite profile requires storage.backend='sqlite' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("lite profile requires storage.sqlite_path")
		}
	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("standard profile requires storage.postgres_url")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	return nil
}

// IsLiteProfile reports whether the lite deployment shape is active.
func (c *Config) IsLiteProfile() bool { return c.Profile == ProfileLite }

// IsStandardProfile reports whether the standard deployment shape is active.
func (c *Config) IsStandardProfile() bool { return c.Profile == ProfileStandard }
