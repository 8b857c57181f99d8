// Package config provides configuration loading for the EdgeGate control plane.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Security    SecurityConfig    `mapstructure:"security"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	DeviceCloud DeviceCloudConfig `mapstructure:"device_cloud"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// AppConfig holds HTTP server and environment configuration.
type AppConfig struct {
	Environment  string        `mapstructure:"environment"` // dev, staging, production
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL form used by the migration tooling.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and configures the artifact blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // local or s3
	LocalRoot   string `mapstructure:"local_root"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Region    string `mapstructure:"s3_region"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

// SecurityConfig holds key material locations.
type SecurityConfig struct {
	// MasterKey is the base64url-encoded 32-byte master key. Required in
	// production; startup fails hard when it is empty or the wrong length.
	MasterKey      string `mapstructure:"master_key"`
	SigningKeysDir string `mapstructure:"signing_keys_dir"`
}

// LimitsConfig carries the hard caps enforced at the API boundary.
type LimitsConfig struct {
	WarmupRunsMax       int   `mapstructure:"warmup_runs_max"`
	RepeatsMax          int   `mapstructure:"repeats_max"`
	MaxNewTokensMax     int   `mapstructure:"max_new_tokens_max"`
	TimeoutMinutesMax   int   `mapstructure:"timeout_minutes_max"`
	DevicesPerRun       int   `mapstructure:"devices_per_run"`
	PromptPackCases     int   `mapstructure:"promptpack_cases"`
	ModelUploadBytes    int64 `mapstructure:"model_upload_bytes"`
	BundleBytes         int64 `mapstructure:"bundle_bytes"`
	WorkspaceConcurrent int   `mapstructure:"workspace_concurrency"`
}

// DeviceCloudConfig configures the device-cloud provider client.
type DeviceCloudConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Mock switches the engine to the deterministic in-process client.
	Mock bool `mapstructure:"mock"`
}

// RateLimitConfig configures the in-process sliding-window limiter.
type RateLimitConfig struct {
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	BurstFactor       float64 `mapstructure:"burst_factor"`
}

// WorkerConfig configures the run-pipeline worker process.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	QueueName    string        `mapstructure:"queue_name"`
	StaleGrace   time.Duration `mapstructure:"stale_grace"`
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
	MetricsPort  int           `mapstructure:"metrics_port"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/edgegate")

	v.SetEnvPrefix("EDGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested keys that only arrive via environment need explicit binds.
	v.BindEnv("security.master_key", "EDGEGATE_SECURITY_MASTER_KEY")
	v.BindEnv("security.signing_keys_dir", "EDGEGATE_SECURITY_SIGNING_KEYS_DIR")
	v.BindEnv("storage.s3_access_key", "EDGEGATE_STORAGE_S3_ACCESS_KEY")
	v.BindEnv("storage.s3_secret_key", "EDGEGATE_STORAGE_S3_SECRET_KEY")
	v.BindEnv("device_cloud.base_url", "EDGEGATE_DEVICE_CLOUD_BASE_URL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces startup invariants. The master-key rule is hard in
// production: an empty or wrong-length key refuses to boot.
func (c *Config) Validate() error {
	if c.App.Environment == "production" {
		key, err := DecodeMasterKey(c.Security.MasterKey)
		if err != nil {
			return fmt.Errorf("invalid master key: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("master key must be exactly 32 bytes, got %d", len(key))
		}
	}
	if c.Storage.Backend != "local" && c.Storage.Backend != "s3" {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// DecodeMasterKey decodes a base64url master key, tolerating missing padding.
func DecodeMasterKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("master key is empty")
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	key, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64url: %w", err)
	}
	return key, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.environment", "dev")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.read_timeout", "30s")
	v.SetDefault("app.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "edgegate")
	v.SetDefault("database.password", "edgegate")
	v.SetDefault("database.database", "edgegate")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_root", "./data/artifacts")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_bucket", "edgegate-artifacts")
	v.SetDefault("storage.s3_path_style", false)

	// Security defaults
	v.SetDefault("security.signing_keys_dir", "./data/signing-keys")

	// Hard limits
	v.SetDefault("limits.warmup_runs_max", 1)
	v.SetDefault("limits.repeats_max", 5)
	v.SetDefault("limits.max_new_tokens_max", 256)
	v.SetDefault("limits.timeout_minutes_max", 45)
	v.SetDefault("limits.devices_per_run", 5)
	v.SetDefault("limits.promptpack_cases", 50)
	v.SetDefault("limits.model_upload_bytes", int64(500*1024*1024))
	v.SetDefault("limits.bundle_bytes", int64(10*1024*1024))
	v.SetDefault("limits.workspace_concurrency", 1)

	// Device cloud defaults
	v.SetDefault("device_cloud.base_url", "https://devicecloud.example.com/api/v1")
	v.SetDefault("device_cloud.poll_interval", "10s")
	v.SetDefault("device_cloud.mock", false)

	// Rate limiting defaults
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst_factor", 1.5)

	// Worker defaults
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_name", "edgegate:runs")
	v.SetDefault("worker.stale_grace", "1h")
	v.SetDefault("worker.requeue_delay", "2s")
	v.SetDefault("worker.metrics_port", 9090)
}
