package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/relay"
)

// RateLimitConfig covers both the per-connection token bucket and the shared
// fixed window applied to HTTP writes.
type RateLimitConfig struct {
	Burst             int           `mapstructure:"burst"`
	RefillInterval    time.Duration `mapstructure:"refill_interval"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// LimitsConfig holds the structural caps applied to rooms and envelopes.
type LimitsConfig struct {
	RoomIDLength  int `mapstructure:"room_id_length"`
	MaxUserLen    int `mapstructure:"max_user_len"`
	MaxIVLen      int `mapstructure:"max_iv_len"`
	MaxContentLen int `mapstructure:"max_content_len"`
}

// StorageConfig selects and parameterizes the message store backend.
type StorageConfig struct {
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetentionConfig controls the expiry sweep.
type RetentionConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Config holds the relay runtime settings.
type Config struct {
	HTTPAddress         string          `mapstructure:"http_address"`
	LogLevel            string          `mapstructure:"log_level"`
	LogFormat           string          `mapstructure:"log_format"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	AllowedOrigins      []string        `mapstructure:"allowed_origins"`
	MaxWSMessageSize    int64           `mapstructure:"max_ws_message_size"`
	MaxJSONSize         int64           `mapstructure:"max_json_size"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
	Limits              LimitsConfig    `mapstructure:"limits"`
	Storage             StorageConfig   `mapstructure:"storage"`
	Retention           RetentionConfig `mapstructure:"retention"`
}

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

const (
	defaultHTTPAddress         = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultMaxWSMessageSize    = 8 * 1024
	defaultMaxJSONSize         = 64 * 1024
	defaultBurst               = 5
	defaultRefillInterval      = time.Second
	defaultRequestsPerMinute   = 120
	defaultStoragePath         = "data/hexrelay.db"
	defaultStorageTimeout      = 10 * time.Second
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	limits := envelope.DefaultLimits()
	return Config{
		HTTPAddress:         defaultHTTPAddress,
		LogLevel:            defaultLogLevel,
		LogFormat:           "json",
		ShutdownGracePeriod: defaultShutdownGracePeriod,
		AllowedOrigins:      []string{"http://localhost:8080"},
		MaxWSMessageSize:    defaultMaxWSMessageSize,
		MaxJSONSize:         defaultMaxJSONSize,
		RateLimit: RateLimitConfig{
			Burst:             defaultBurst,
			RefillInterval:    defaultRefillInterval,
			RequestsPerMinute: defaultRequestsPerMinute,
		},
		Limits: LimitsConfig{
			RoomIDLength:  relay.DefaultRoomIDLength,
			MaxUserLen:    limits.MaxUserLen,
			MaxIVLen:      limits.MaxIVLen,
			MaxContentLen: limits.MaxContentLen,
		},
		Storage: StorageConfig{
			Driver:  StorageSQLite,
			Path:    defaultStoragePath,
			Timeout: defaultStorageTimeout,
		},
		Retention: RetentionConfig{
			MaxAge:        relay.DefaultRetention,
			SweepInterval: relay.DefaultSweepInterval,
		},
	}
}

// LoadConfig reads configuration from path (optional) and the environment.
// Environment variables are prefixed with HEXRELAY_ and override file values,
// e.g. HEXRELAY_STORAGE_DRIVER=postgres.
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("HEXRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_address", def.HTTPAddress)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("shutdown_grace_period", def.ShutdownGracePeriod.String())
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("max_ws_message_size", def.MaxWSMessageSize)
	v.SetDefault("max_json_size", def.MaxJSONSize)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval.String())
	v.SetDefault("rate_limit.redis_addr", "")
	v.SetDefault("rate_limit.redis_password", "")
	v.SetDefault("rate_limit.requests_per_minute", def.RateLimit.RequestsPerMinute)
	v.SetDefault("limits.room_id_length", def.Limits.RoomIDLength)
	v.SetDefault("limits.max_user_len", def.Limits.MaxUserLen)
	v.SetDefault("limits.max_iv_len", def.Limits.MaxIVLen)
	v.SetDefault("limits.max_content_len", def.Limits.MaxContentLen)
	v.SetDefault("storage.driver", def.Storage.Driver)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.timeout", def.Storage.Timeout.String())
	v.SetDefault("retention.max_age", def.Retention.MaxAge.String())
	v.SetDefault("retention.sweep_interval", def.Retention.SweepInterval.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg = cfg.Sanitize()
	switch cfg.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if cfg.Storage.DSN == "" {
			return Config{}, fmt.Errorf("storage.dsn is required for the %s driver", StoragePostgres)
		}
	default:
		return Config{}, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return cfg, nil
}

// Sanitize replaces missing or non-positive values with defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if strings.TrimSpace(c.HTTPAddress) == "" {
		c.HTTPAddress = def.HTTPAddress
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = def.ShutdownGracePeriod
	}
	if c.MaxWSMessageSize <= 0 {
		c.MaxWSMessageSize = def.MaxWSMessageSize
	}
	if c.MaxJSONSize <= 0 {
		c.MaxJSONSize = def.MaxJSONSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	c.RateLimit.RedisAddr = strings.TrimSpace(c.RateLimit.RedisAddr)

	if c.Limits.RoomIDLength <= 0 {
		c.Limits.RoomIDLength = def.Limits.RoomIDLength
	}
	if c.Limits.MaxUserLen <= 0 {
		c.Limits.MaxUserLen = def.Limits.MaxUserLen
	}
	if c.Limits.MaxIVLen <= 0 {
		c.Limits.MaxIVLen = def.Limits.MaxIVLen
	}
	if c.Limits.MaxContentLen <= 0 {
		c.Limits.MaxContentLen = def.Limits.MaxContentLen
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Driver == StorageSQLite && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Storage.Timeout <= 0 {
		c.Storage.Timeout = def.Storage.Timeout
	}

	if c.Retention.MaxAge <= 0 {
		c.Retention.MaxAge = def.Retention.MaxAge
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = def.Retention.SweepInterval
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// EnvelopeLimits converts the configured caps into validation limits.
func (c Config) EnvelopeLimits() envelope.Limits {
	limits := envelope.DefaultLimits()
	limits.MaxUserLen = c.Limits.MaxUserLen
	limits.MaxIVLen = c.Limits.MaxIVLen
	limits.MaxContentLen = c.Limits.MaxContentLen
	return limits
}

// ServiceOptions derives the relay options from the configuration.
func (c Config) ServiceOptions() relay.Options {
	return relay.Options{
		Limits:       c.EnvelopeLimits(),
		RoomIDLength: c.Limits.RoomIDLength,
		StoreTimeout: c.Storage.Timeout,
	}
}
