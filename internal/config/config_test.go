package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"COMMS_URL", "SERVICE_NAME", "NODE_NAME", "QUEUE_GROUP",
	"INVOCATION_SUBJECT", "SESSION_OPEN_SUBJECT", "DISCOVERY_EVENT_SUBJECT",
	"REQUEST_TIMEOUT", "WORKER_POOL_SIZE", "PROTOCOL_VERSION_CONSTRAINT",
	"CLIENT_CONFIG_FILE", "DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH",
	"DISPATCHER_HTTP_ADDR", "HTTP_PORT", "HEALTH_CHECK_TIMEOUT", "LOG_LEVEL",
}

// clearEnv unsets every config variable for the test; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range configEnvVars {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "component-dispatcher" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "component-dispatcher")
	}
	if cfg.QueueGroup != "component-dispatcher" {
		t.Errorf("config:config_test - QueueGroup = %q", cfg.QueueGroup)
	}
	if cfg.InvocationSubject != "" || cfg.SessionOpenSubject != "" || cfg.DiscoveryEventSubject != "" {
		t.Errorf("config:config_test - subject overrides must default to empty")
	}
	if cfg.RequestTimeout != 25*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 25s", cfg.RequestTimeout)
	}
	if cfg.WorkerPoolSize != 64 {
		t.Errorf("config:config_test - WorkerPoolSize = %d, want 64", cfg.WorkerPoolSize)
	}
	if cfg.ProtocolVersionConstraint != "^1.0.0" {
		t.Errorf("config:config_test - ProtocolVersionConstraint = %q", cfg.ProtocolVersionConstraint)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("config:config_test - DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.RunMigrations {
		t.Error("config:config_test - expected RunMigrations=false by default")
	}
	if cfg.MigrationPath != "migrations" {
		t.Errorf("config:config_test - MigrationPath = %q, want %q", cfg.MigrationPath, "migrations")
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("config:config_test - Addr() = %q, want :8080", cfg.Addr())
	}
	if cfg.HealthCheckTimeout != 5*time.Second {
		t.Errorf("config:config_test - HealthCheckTimeout = %v, want 5s", cfg.HealthCheckTimeout)
	}
	if cfg.Node() != "component-dispatcher" {
		t.Errorf("config:config_test - Node() = %q, want the service name", cfg.Node())
	}
	if err := cfg.ValidateForServe(); err != nil {
		t.Errorf("config:config_test - defaults must be valid for serve: %v", err)
	}
	if err := cfg.ValidateForDB(); err == nil {
		t.Error("config:config_test - ValidateForDB must require DATABASE_URL")
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"COMMS_URL":                   "nats://custom:4222",
		"SERVICE_NAME":                "dispatcher-a",
		"NODE_NAME":                   "node-7",
		"INVOCATION_SUBJECT":          "custom.invoke",
		"DISCOVERY_EVENT_SUBJECT":     "custom.endpoints",
		"REQUEST_TIMEOUT":             "10s",
		"WORKER_POOL_SIZE":            "8",
		"PROTOCOL_VERSION_CONSTRAINT": ">=1.2.0, <2.0.0",
		"CLIENT_CONFIG_FILE":          "/etc/dispatcher/client.json",
		"DATABASE_URL":                "postgres://test@localhost/test",
		"RUN_MIGRATIONS":              "true",
		"DISPATCHER_HTTP_ADDR":        "127.0.0.1:9090",
		"LOG_LEVEL":                   "debug",
	}
	for k, v := range overrides {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://custom:4222" || cfg.COMMSName != "dispatcher-a" {
		t.Errorf("config:config_test - COMMS = %q/%q", cfg.COMMSURL, cfg.COMMSName)
	}
	if cfg.Node() != "node-7" {
		t.Errorf("config:config_test - Node() = %q, want node-7", cfg.Node())
	}
	if cfg.InvocationSubject != "custom.invoke" || cfg.DiscoveryEventSubject != "custom.endpoints" {
		t.Errorf("config:config_test - subjects = %q/%q", cfg.InvocationSubject, cfg.DiscoveryEventSubject)
	}
	if cfg.RequestTimeout != 10*time.Second || cfg.WorkerPoolSize != 8 {
		t.Errorf("config:config_test - timeout/pool = %v/%d", cfg.RequestTimeout, cfg.WorkerPoolSize)
	}
	if cfg.ProtocolVersionConstraint != ">=1.2.0, <2.0.0" {
		t.Errorf("config:config_test - ProtocolVersionConstraint = %q", cfg.ProtocolVersionConstraint)
	}
	if cfg.ClientConfigFile != "/etc/dispatcher/client.json" {
		t.Errorf("config:config_test - ClientConfigFile = %q", cfg.ClientConfigFile)
	}
	if !cfg.RunMigrations || cfg.DatabaseURL == "" {
		t.Errorf("config:config_test - database settings not applied")
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("config:config_test - Addr() = %q", cfg.Addr())
	}
	if err := cfg.ValidateForDB(); err != nil {
		t.Errorf("config:config_test - ValidateForDB failed: %v", err)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Error("config:config_test - expected error for invalid duration")
	}
}

func TestValidateForServe(t *testing.T) {
	valid := func() *Config {
		return &Config{COMMSURL: "nats://x", HealthCheckTimeout: time.Second, LogLevel: "info"}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero timeout disables cancellation", func(c *Config) { c.RequestTimeout = 0 }, false},
		{"missing COMMS_URL", func(c *Config) { c.COMMSURL = "" }, true},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, true},
		{"negative pool", func(c *Config) { c.WorkerPoolSize = -1 }, true},
		{"zero health timeout", func(c *Config) { c.HealthCheckTimeout = 0 }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			if err := c.ValidateForServe(); (err != nil) != tt.wantErr {
				t.Errorf("config:config_test - ValidateForServe() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("config:config_test - ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
