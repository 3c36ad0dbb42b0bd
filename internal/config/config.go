// Package config loads service configuration from environment variables with
// an optional YAML overlay, validates it, and supplies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	DRM       DRMConfig       `yaml:"drm" envconfig:"DRM"`
	Packaging PackagingConfig `yaml:"packaging" envconfig:"PACKAGING"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/vaultd.log"`
}

// SecurityConfig contains request-security configuration.
type SecurityConfig struct {
	// TicketSecret verifies the externally issued playback ticket (HS256).
	TicketSecret string `yaml:"ticket_secret" envconfig:"TICKET_SECRET" default:"dev-ticket-secret-change-me"`
	// LicenseSecret signs issued licenses (HMAC-SHA256).
	LicenseSecret string `yaml:"license_secret" envconfig:"LICENSE_SECRET" default:"dev-license-secret-change-me"`
	// MasterKeySeed seeds the local key wrapper. A production deployment
	// substitutes a real KMS behind the KeyWrapper interface instead.
	MasterKeySeed string `yaml:"master_key_seed" envconfig:"MASTER_KEY_SEED" default:"dev-master-seed-change-me"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// DRMConfig contains license and session policy configuration.
type DRMConfig struct {
	MaxDevicesPerUser     int           `yaml:"max_devices_per_user" envconfig:"MAX_DEVICES_PER_USER" default:"5"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions" envconfig:"MAX_CONCURRENT_SESSIONS" default:"3"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	LicenseTTL            time.Duration `yaml:"license_ttl" envconfig:"LICENSE_TTL" default:"24h"`
	SignerTimeout         time.Duration `yaml:"signer_timeout" envconfig:"SIGNER_TIMEOUT" default:"500ms"`
	SweepInterval         time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1m"`
	ExpiredRetention      time.Duration `yaml:"expired_retention" envconfig:"EXPIRED_RETENTION" default:"168h"`
}

// PackagingConfig contains packaging pipeline configuration.
type PackagingConfig struct {
	SegmentDuration    time.Duration `yaml:"segment_duration" envconfig:"SEGMENT_DURATION" default:"6s"`
	MaxRetries         int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3"`
	KeyDeliveryBaseURL string        `yaml:"key_delivery_base_url" envconfig:"KEY_DELIVERY_BASE_URL" default:"https://keys.mediavault.local/api/keys"`
	SegmentBaseURL     string        `yaml:"segment_base_url" envconfig:"SEGMENT_BASE_URL" default:"https://cdn.mediavault.local/segments"`
}

// RedisConfig selects the session store backing. When Addr is empty the
// in-memory store is used.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR" default:""`
	Password string `yaml:"password" envconfig:"PASSWORD" default:""`
	DB       int    `yaml:"db" envconfig:"DB" default:"0"`
}

// Load loads configuration from environment variables and an optional
// config file named by VAULT_CONFIG_FILE.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("VAULT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := os.Getenv("VAULT_CONFIG_FILE"); configFile != "" {
		if err := overlayFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// overlayFromFile applies YAML values over the env-derived config.
func overlayFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate checks configuration invariants the service depends on.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.DRM.MaxDevicesPerUser < 1 {
		return fmt.Errorf("max_devices_per_user must be at least 1, got %d", c.DRM.MaxDevicesPerUser)
	}
	if c.DRM.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", c.DRM.MaxConcurrentSessions)
	}
	if c.DRM.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.DRM.HeartbeatInterval)
	}
	if c.DRM.LicenseTTL <= 0 {
		return fmt.Errorf("license_ttl must be positive, got %s", c.DRM.LicenseTTL)
	}
	if c.Packaging.SegmentDuration <= 0 {
		return fmt.Errorf("segment_duration must be positive, got %s", c.Packaging.SegmentDuration)
	}
	if c.Packaging.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.Packaging.MaxRetries)
	}
	if len(c.Security.MasterKeySeed) < 16 {
		return fmt.Errorf("master_key_seed must be at least 16 bytes")
	}
	return nil
}
