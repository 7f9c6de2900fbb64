// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds component-dispatcher configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"component-dispatcher"`
	// NodeName identifies this process in endpoint events and the database mirror (empty = SERVICE_NAME).
	NodeName   string `envconfig:"NODE_NAME"`
	QueueGroup string `envconfig:"QUEUE_GROUP" default:"component-dispatcher"`

	// Subject overrides (empty = defaults)
	InvocationSubject     string `envconfig:"INVOCATION_SUBJECT"`
	SessionOpenSubject    string `envconfig:"SESSION_OPEN_SUBJECT"`
	DiscoveryEventSubject string `envconfig:"DISCOVERY_EVENT_SUBJECT"`

	// Requests still unanswered after RequestTimeout are cancelled (0 = never).
	RequestTimeout            time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	WorkerPoolSize            int           `envconfig:"WORKER_POOL_SIZE" default:"64"`
	ProtocolVersionConstraint string        `envconfig:"PROTOCOL_VERSION_CONSTRAINT" default:"^1.0.0"`

	// Client context baseline
	ClientConfigFile string `envconfig:"CLIENT_CONFIG_FILE"`

	// Database mirror of discovery registrations (empty DATABASE_URL disables it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint (DISPATCHER_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"DISPATCHER_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the dispatcher.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must not be negative", logPrefix)
	}
	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("%s - WORKER_POOL_SIZE must not be negative", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// Node returns the node name, defaulting to the service name.
func (c *Config) Node() string {
	if c.NodeName != "" {
		return c.NodeName
	}
	return c.COMMSName
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%s - unknown LOG_LEVEL %q", logPrefix, level)
}
