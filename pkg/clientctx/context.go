// Package clientctx assembles the immutable client context used by outbound
// calls: the local discovery source, the transport providers, and the
// baseline configuration.
package clientctx

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/multierr"

	"github.com/morezero/component-dispatcher/pkg/bootstrap"
	"github.com/morezero/component-dispatcher/pkg/discovery"
)

const logPrefix = "clientctx:context"

// ErrNoDiscovery is returned by Build when no discovery source was set.
var ErrNoDiscovery = errors.New("client context requires a discovery source")

// TransportProvider is an outbound transport.
type TransportProvider interface {
	Protocol() string
	Version() string
}

// DiscoverySource finds remote endpoints.
type DiscoverySource interface {
	Lookup(f discovery.Filter) []discovery.ServiceURL
}

// Builder collects the parts of a Context. It is not safe for concurrent use.
type Builder struct {
	baseline  *bootstrap.ClientConfig
	discovery DiscoverySource
	providers []TransportProvider
}

// NewBuilder creates a Builder with the default baseline configuration.
func NewBuilder() *Builder {
	return &Builder{baseline: bootstrap.GetDefaultClientConfig()}
}

// Configure replaces the baseline configuration.
func (b *Builder) Configure(cfg *bootstrap.ClientConfig) *Builder {
	if cfg != nil {
		b.baseline = cfg
	}
	return b
}

// SetDiscovery sets the only discovery source of the context.
func (b *Builder) SetDiscovery(src DiscoverySource) *Builder {
	b.discovery = src
	return b
}

// AddTransportProvider appends a transport provider.
func (b *Builder) AddTransportProvider(p TransportProvider) *Builder {
	b.providers = append(b.providers, p)
	return b
}

// Build validates the collected parts and returns the Context. Every
// validation problem is reported.
func (b *Builder) Build() (*Context, error) {
	cfg := bootstrap.CreateResolvedClientConfig(b.baseline)

	var errs error
	if b.discovery == nil {
		errs = multierr.Append(errs, ErrNoDiscovery)
	}

	providers := make([]TransportProvider, 0, len(b.providers))
	byProtocol := make(map[string]TransportProvider, len(b.providers))
	seen := make(map[string]bool, len(b.providers))
	for i, p := range b.providers {
		if p == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s - transport provider %d is nil", logPrefix, i))
			continue
		}
		protocol := p.Protocol()
		if protocol == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s - transport provider %d has no protocol", logPrefix, i))
			continue
		}
		if seen[protocol] {
			errs = multierr.Append(errs, fmt.Errorf("%s - duplicate transport provider for %q", logPrefix, protocol))
			continue
		}
		seen[protocol] = true
		if err := checkVersion(protocol, p.Version(), cfg.TransportConstraint(protocol)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !cfg.TransportEnabled(protocol) {
			slog.Info(fmt.Sprintf("%s - Transport %s is disabled by configuration", logPrefix, protocol))
			continue
		}
		byProtocol[protocol] = p
		providers = append(providers, p)
	}
	if errs != nil {
		return nil, errs
	}

	return &Context{
		config:     cfg,
		discovery:  b.discovery,
		providers:  providers,
		byProtocol: byProtocol,
	}, nil
}

func checkVersion(protocol, version, constraint string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s - transport %s has invalid version %q: %w", logPrefix, protocol, version, err)
	}
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid version constraint %q for %s: %w", logPrefix, constraint, protocol, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%s - transport %s version %s does not satisfy %s", logPrefix, protocol, version, constraint)
	}
	return nil
}

// Context is an immutable client configuration.
type Context struct {
	config     *bootstrap.ResolvedClientConfig
	discovery  DiscoverySource
	providers  []TransportProvider
	byProtocol map[string]TransportProvider
}

// Config returns the baseline configuration.
func (c *Context) Config() *bootstrap.ResolvedClientConfig { return c.config }

// Providers returns the transport providers in registration order.
func (c *Context) Providers() []TransportProvider {
	out := make([]TransportProvider, len(c.providers))
	copy(out, c.providers)
	return out
}

// Provider returns the provider of protocol.
func (c *Context) Provider(protocol string) (TransportProvider, bool) {
	p, ok := c.byProtocol[protocol]
	return p, ok
}

// Locate returns the endpoints matching the baseline discovery filter
// combined with f. Entries in f win over the baseline.
func (c *Context) Locate(f discovery.Filter) []discovery.ServiceURL {
	combined := discovery.Filter(c.config.DiscoveryFilter())
	for k, v := range f {
		combined[k] = v
	}
	return c.discovery.Lookup(combined)
}
