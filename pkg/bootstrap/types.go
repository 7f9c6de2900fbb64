// Package bootstrap loads the baseline configuration applied to every
// client context built by this process.
package bootstrap

import "time"

// TransportSettings tunes one transport protocol.
type TransportSettings struct {
	// Disabled keeps providers of this protocol out of the client context.
	Disabled bool `json:"disabled,omitempty"`
	// VersionConstraint restricts accepted provider versions (semver constraint).
	VersionConstraint string `json:"versionConstraint,omitempty"`
}

// ClientConfig is the root baseline configuration.
type ClientConfig struct {
	Name                string                       `json:"name"`
	Version             string                       `json:"version"`
	Description         string                       `json:"description,omitempty"`
	InvocationTimeoutMs int                          `json:"invocationTimeoutMs"`
	MaxRetries          int                          `json:"maxRetries"`
	Interceptors        []string                     `json:"interceptors,omitempty"`
	Transports          map[string]TransportSettings `json:"transports,omitempty"`
	// DiscoveryFilter is applied to every discovery lookup made through the context.
	DiscoveryFilter map[string]string `json:"discoveryFilter,omitempty"`
}

// ResolvedClientConfig is a read-only view of a ClientConfig.
type ResolvedClientConfig struct {
	name              string
	version           string
	invocationTimeout time.Duration
	maxRetries        int
	interceptors      []string
	transports        map[string]TransportSettings
	discoveryFilter   map[string]string
}

// Name returns the configuration name.
func (rc *ResolvedClientConfig) Name() string { return rc.name }

// Version returns the configuration version.
func (rc *ResolvedClientConfig) Version() string { return rc.version }

// InvocationTimeout returns the default outbound invocation timeout; zero means none.
func (rc *ResolvedClientConfig) InvocationTimeout() time.Duration { return rc.invocationTimeout }

// MaxRetries returns the retry budget for outbound invocations.
func (rc *ResolvedClientConfig) MaxRetries() int { return rc.maxRetries }

// Interceptors returns the client interceptor names, in order.
func (rc *ResolvedClientConfig) Interceptors() []string {
	out := make([]string, len(rc.interceptors))
	copy(out, rc.interceptors)
	return out
}

// TransportEnabled reports whether providers of protocol may be used.
func (rc *ResolvedClientConfig) TransportEnabled(protocol string) bool {
	return !rc.transports[protocol].Disabled
}

// TransportConstraint returns the version constraint configured for protocol, or "".
func (rc *ResolvedClientConfig) TransportConstraint(protocol string) string {
	return rc.transports[protocol].VersionConstraint
}

// DiscoveryFilter returns a copy of the default discovery filter.
func (rc *ResolvedClientConfig) DiscoveryFilter() map[string]string {
	out := make(map[string]string, len(rc.discoveryFilter))
	for k, v := range rc.discoveryFilter {
		out[k] = v
	}
	return out
}
