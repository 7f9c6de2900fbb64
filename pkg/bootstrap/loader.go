package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const logPrefix = "bootstrap:loader"

// EnvClientConfigFile names the environment variable holding the config path.
const EnvClientConfigFile = "CLIENT_CONFIG_FILE"

// LoadClientConfig loads the baseline configuration. It tries paths in order:
// first any paths passed in, then CLIENT_CONFIG_FILE, then the default
// locations. A file that is present is merged over the defaults. When no file
// is readable the defaults are returned.
func LoadClientConfig(paths ...string) (*ClientConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvClientConfigFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/client.json", "client.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg ClientConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse client config %s: %v", logPrefix, p, err))
			continue
		}
		if cfg.InvocationTimeoutMs < 0 || cfg.MaxRetries < 0 {
			return nil, fmt.Errorf("%s - %s: invocationTimeoutMs and maxRetries must not be negative", logPrefix, p)
		}

		slog.Info(fmt.Sprintf("%s - Loaded client config from %s", logPrefix, p))
		return MergeClientConfigs(GetDefaultClientConfig(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default client config", logPrefix))
	return GetDefaultClientConfig(), nil
}

// GetDefaultClientConfig returns the built-in baseline configuration.
func GetDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Name:                "morezero-client",
		Version:             "1.0.0",
		Description:         "Default client context configuration",
		InvocationTimeoutMs: 30000,
		MaxRetries:          0,
		Transports: map[string]TransportSettings{
			"local": {VersionConstraint: "^1.0.0"},
			"comms": {VersionConstraint: "^1.0.0"},
		},
	}
}

// MergeClientConfigs merges override into base. Zero values in override keep
// the base value; map entries are replaced per key.
func MergeClientConfigs(base, override *ClientConfig) *ClientConfig {
	merged := *base

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	if override.InvocationTimeoutMs != 0 {
		merged.InvocationTimeoutMs = override.InvocationTimeoutMs
	}
	if override.MaxRetries != 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if len(override.Interceptors) > 0 {
		merged.Interceptors = append([]string(nil), override.Interceptors...)
	}

	merged.Transports = make(map[string]TransportSettings, len(base.Transports)+len(override.Transports))
	for protocol, s := range base.Transports {
		merged.Transports[protocol] = s
	}
	for protocol, s := range override.Transports {
		merged.Transports[protocol] = s
	}

	merged.DiscoveryFilter = make(map[string]string, len(base.DiscoveryFilter)+len(override.DiscoveryFilter))
	for k, v := range base.DiscoveryFilter {
		merged.DiscoveryFilter[k] = v
	}
	for k, v := range override.DiscoveryFilter {
		merged.DiscoveryFilter[k] = v
	}

	return &merged
}

// CreateResolvedClientConfig builds a read-only view of cfg.
func CreateResolvedClientConfig(cfg *ClientConfig) *ResolvedClientConfig {
	transports := make(map[string]TransportSettings, len(cfg.Transports))
	for protocol, s := range cfg.Transports {
		transports[protocol] = s
	}
	filter := make(map[string]string, len(cfg.DiscoveryFilter))
	for k, v := range cfg.DiscoveryFilter {
		filter[k] = v
	}

	return &ResolvedClientConfig{
		name:              cfg.Name,
		version:           cfg.Version,
		invocationTimeout: time.Duration(cfg.InvocationTimeoutMs) * time.Millisecond,
		maxRetries:        cfg.MaxRetries,
		interceptors:      append([]string(nil), cfg.Interceptors...),
		transports:        transports,
		discoveryFilter:   filter,
	}
}
