package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AdminToken AdminTokenConfig
	Control    InteractionControlConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string
	Environment string
	LogLevel    string
}

// DatabaseConfig holds the optional persistence-adapter connection
// configuration. Left zero-valued when no database is configured, in
// which case the registry runs purely in-memory.
type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional Redis connection configuration. Left
// disabled when no Redis host is configured, in which case discovery runs
// without the embedding cache.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AdminTokenConfig configures the bearer token gating the administration
// surface.
type AdminTokenConfig struct {
	Secret string
	TTL    time.Duration
}

// InteractionControlConfig holds token limits read from the CONTROL_*
// environment variables. The server loads them but passes them to no
// agent; an agent's limits are the TokenLimits it is constructed with.
type InteractionControlConfig struct {
	MaxTokensPerMinute int
	MaxTokensPerHour   int
	MaxTurns           int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("APP_PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Enabled:         getEnv("POSTGRES_HOST", "") != "",
			Host:            getEnv("POSTGRES_HOST", ""),
			Port:            getEnvAsInt("POSTGRES_PORT", 5432),
			User:            getEnv("POSTGRES_USER", ""),
			Password:        getEnv("POSTGRES_PASSWORD", ""),
			Database:        getEnv("POSTGRES_DB", ""),
			SSLMode:         getEnv("POSTGRES_SSL_MODE", "disable"),
			MaxConnections:  getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			ConnMaxLifetime: getEnvAsDuration("POSTGRES_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_HOST", "") != "",
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		AdminToken: AdminTokenConfig{
			Secret: getEnv("ADMIN_TOKEN_SECRET", ""),
			TTL:    getEnvAsDuration("ADMIN_TOKEN_TTL", 24*time.Hour),
		},
		Control: InteractionControlConfig{
			MaxTokensPerMinute: getEnvAsInt("CONTROL_MAX_TOKENS_PER_MINUTE", 10000),
			MaxTokensPerHour:   getEnvAsInt("CONTROL_MAX_TOKENS_PER_HOUR", 100000),
			MaxTurns:           getEnvAsInt("CONTROL_MAX_TURNS", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the admin token secret is strong enough to sign with,
// when the admin surface is enabled at all.
func (c *Config) Validate() error {
	if c.AdminToken.Secret != "" && len(c.AdminToken.Secret) < 32 {
		return fmt.Errorf("ADMIN_TOKEN_SECRET must be at least 32 characters")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
