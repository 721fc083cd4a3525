package config

import (
	"errors"
	"time"
)

// Config represents the sync backend configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Redis      RedisConfig      `mapstructure:"redis"`
	TenantData TenantDataConfig `mapstructure:"tenant_data"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the WebSocket server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig represents the administrative HTTP API configuration
type AdminConfig struct {
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// MetadataConfig represents the shared PostgreSQL metadata database
// holding tenants, the durable queue log and the conflict log.
type MetadataConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the checkpoint/idempotency store configuration.
// When disabled, checkpoints are held in memory and reconnecting clients
// rely on a fresh data status comparison.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TenantDataConfig represents per-tenant SQLite store configuration
type TenantDataConfig struct {
	Dir         string        `mapstructure:"dir"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// SyncConfig represents protocol engine tuning
type SyncConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	StatusWorkers     int           `mapstructure:"status_workers"`
	StatusQueueSize   int           `mapstructure:"status_queue_size"`
	EntryCacheTTL     time.Duration `mapstructure:"entry_cache_ttl"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Metadata.Host == "" {
		return errors.New("metadata.host is required")
	}
	if c.Metadata.Database == "" {
		return errors.New("metadata.database is required")
	}
	if c.Metadata.User == "" {
		return errors.New("metadata.user is required")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.TenantData.Dir == "" {
		return errors.New("tenant_data.dir is required")
	}
	if c.Sync.InactivityTimeout <= 0 {
		return errors.New("sync.inactivity_timeout must be positive")
	}
	if c.Sync.SweepInterval <= 0 {
		return errors.New("sync.sweep_interval must be positive")
	}
	if c.Sync.PingInterval <= 0 || c.Sync.PingInterval >= c.Sync.InactivityTimeout {
		return errors.New("sync.ping_interval must be positive and shorter than the inactivity timeout")
	}
	if c.Sync.StatusWorkers <= 0 {
		return errors.New("sync.status_workers must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Port:      8081,
			RateLimit: 50,
			RateBurst: 100,
		},
		Metadata: MetadataConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "finwise_metadata",
			User:           "syncd",
			Password:       "",
			MaxConnections: 20,
			MinConnections: 5,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		TenantData: TenantDataConfig{
			Dir:         "./data/tenants",
			BusyTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			InactivityTimeout: 90 * time.Second,
			SweepInterval:     30 * time.Second,
			PingInterval:      25 * time.Second,
			SendBufferSize:    256,
			StatusWorkers:     8,
			StatusQueueSize:   64,
			EntryCacheTTL:     24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
