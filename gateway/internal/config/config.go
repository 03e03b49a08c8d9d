// Package config provides configuration management using viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Keys     KeysConfig     `mapstructure:"keys"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Rate     RateConfig     `mapstructure:"rate"`
	Query    QueryConfig    `mapstructure:"query"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

// KeysConfig holds key issuance settings.
type KeysConfig struct {
	DeriveSecret  string        `mapstructure:"derive_secret"`
	SessionSecret string        `mapstructure:"session_secret"`
	MaxActiveKeys int           `mapstructure:"max_active_keys"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
}

// AuthConfig holds authenticator settings.
type AuthConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheEnabled bool          `mapstructure:"cache_enabled"`
}

// RateConfig holds rate limiter settings.
type RateConfig struct {
	Backend  string `mapstructure:"backend"` // redis or memory
	FailOpen bool   `mapstructure:"fail_open"`
}

// QueryConfig holds query gateway settings.
type QueryConfig struct {
	MaxLimit     int `mapstructure:"max_limit"`
	DefaultLimit int `mapstructure:"default_limit"`
}

// StorageConfig holds blob store settings.
type StorageConfig struct {
	Root     string `mapstructure:"root"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// UsageConfig holds usage recorder settings.
type UsageConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Workers       int           `mapstructure:"workers"`
}

// DatabaseConfig holds SQL database settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql, postgres, sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/xbrl-gateway")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("XBRL_GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.body_limit", 1<<20)

	// Key issuance defaults
	v.SetDefault("keys.max_active_keys", 3)
	v.SetDefault("keys.key_ttl", "8760h") // one year

	// Auth defaults. Caching the resolved auth context trades plan
	// freshness for lookups saved, so it stays off unless opted into:
	// a cached entry can outlive a revocation or plan change by up to
	// cache_ttl.
	v.SetDefault("auth.cache_ttl", "30s")
	v.SetDefault("auth.cache_enabled", false)

	// Rate limiter defaults
	v.SetDefault("rate.backend", "redis")
	v.SetDefault("rate.fail_open", true)

	// Query defaults
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("query.default_limit", 20)

	// Storage defaults
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.max_bytes", 10_000_000)

	// Usage defaults
	v.SetDefault("usage.buffer_size", 10000)
	v.SetDefault("usage.batch_size", 100)
	v.SetDefault("usage.flush_interval", "10s")
	v.SetDefault("usage.workers", 4)

	// Database defaults
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
