package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	cfg := DefaultConfig()

	// Set up viper
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// Read config file (optional - if file doesn't exist, continue with defaults)
	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional if environment variables are set
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		// Unmarshal file contents
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if host := os.Getenv("SYNCD_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SYNCD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if port := os.Getenv("SYNCD_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Admin.Port = p
		}
	}

	// Metadata database configuration
	if dbHost := os.Getenv("SYNCD_METADATA_HOST"); dbHost != "" {
		cfg.Metadata.Host = dbHost
	}
	if dbPort := os.Getenv("SYNCD_METADATA_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Metadata.Port = p
		}
	}
	if dbName := os.Getenv("SYNCD_METADATA_NAME"); dbName != "" {
		cfg.Metadata.Database = dbName
	}
	if dbUser := os.Getenv("SYNCD_METADATA_USER"); dbUser != "" {
		cfg.Metadata.User = dbUser
	}
	if dbPassword := os.Getenv("SYNCD_METADATA_PASSWORD"); dbPassword != "" {
		cfg.Metadata.Password = dbPassword
	}

	// Redis configuration
	if enabled := os.Getenv("SYNCD_REDIS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if redisHost := os.Getenv("SYNCD_REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("SYNCD_REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("SYNCD_REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	// Tenant data directory
	if dir := os.Getenv("SYNCD_TENANT_DATA_DIR"); dir != "" {
		cfg.TenantData.Dir = dir
	}

	// Logging configuration
	if logLevel := os.Getenv("SYNCD_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
