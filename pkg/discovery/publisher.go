package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/events"
)

const publisherLogPrefix = "discovery:publisher"

const eventTimeout = 5 * time.Second

// PublisherOpts configures a Publisher. Nil or zero values use defaults.
type PublisherOpts struct {
	// Events receives an endpoint change event per registration and removal.
	Events events.EventPublisher
	// Node names this process in published events.
	Node string
}

// Publisher mirrors module availability into a discovery registry. It keeps
// at most one registration per module identity.
type Publisher struct {
	registry Registrar
	events   events.EventPublisher
	node     string

	mu    sync.Mutex
	slots map[deployment.Identity]*slot
}

// slot serializes register and close for one module identity.
type slot struct {
	mu      sync.Mutex
	reg     Registration
	url     ServiceURL
	removed bool
}

// NewPublisher creates a Publisher registering into registry.
func NewPublisher(registry Registrar, opts *PublisherOpts) *Publisher {
	p := &Publisher{
		registry: registry,
		events:   &events.NoOpPublisher{},
		slots:    make(map[deployment.Identity]*slot),
	}
	if opts != nil {
		if opts.Events != nil {
			p.events = opts.Events
		}
		p.node = opts.Node
	}
	return p
}

// ModuleAvailable registers every module not already registered.
func (p *Publisher) ModuleAvailable(modules []deployment.Identity) {
	for _, id := range modules {
		p.register(id)
	}
}

// ModuleUnavailable closes the registration of every registered module.
// Unknown modules are ignored.
func (p *Publisher) ModuleUnavailable(modules []deployment.Identity) {
	for _, id := range modules {
		p.deregister(id)
	}
}

func (p *Publisher) register(id deployment.Identity) {
	for {
		p.mu.Lock()
		s, ok := p.slots[id]
		if !ok {
			s = &slot{}
			p.slots[id] = s
		}
		p.mu.Unlock()

		s.mu.Lock()
		if s.removed {
			// Lost a race with deregister; the slot left the map.
			s.mu.Unlock()
			continue
		}
		if s.reg != nil {
			s.mu.Unlock()
			slog.Debug(fmt.Sprintf("%s - %s already registered", publisherLogPrefix, id))
			return
		}
		s.url = DescriptorFor(id)
		s.reg = p.registry.Register(s.url)
		url := s.url
		s.mu.Unlock()

		slog.Info(fmt.Sprintf("%s - Registered %s", publisherLogPrefix, id))
		p.publish(events.EndpointAvailable, id, url)
		return
	}
}

func (p *Publisher) deregister(id deployment.Identity) {
	p.mu.Lock()
	s, ok := p.slots[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.removed || s.reg == nil {
		s.mu.Unlock()
		return
	}
	if err := s.reg.Close(); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to close registration of %s: %v", publisherLogPrefix, id, err))
	}
	s.removed = true
	url := s.url
	p.mu.Lock()
	if p.slots[id] == s {
		delete(p.slots, id)
	}
	p.mu.Unlock()
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Deregistered %s", publisherLogPrefix, id))
	p.publish(events.EndpointUnavailable, id, url)
}

func (p *Publisher) publish(eventType string, id deployment.Identity, u ServiceURL) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	event := &events.EndpointChangedEvent{
		Type:       eventType,
		App:        id.App,
		Module:     id.Module,
		Distinct:   id.Distinct,
		ServiceURL: u.String(),
		Node:       p.node,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.events.PublishEndpointChanged(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event for %s: %v", publisherLogPrefix, eventType, id, err))
	}
}

// Registered returns the identities with an active registration, in
// string order.
func (p *Publisher) Registered() []deployment.Identity {
	p.mu.Lock()
	candidates := make([]*slot, 0, len(p.slots))
	ids := make([]deployment.Identity, 0, len(p.slots))
	for id, s := range p.slots {
		candidates = append(candidates, s)
		ids = append(ids, id)
	}
	p.mu.Unlock()

	out := make([]deployment.Identity, 0, len(ids))
	for i, s := range candidates {
		s.mu.Lock()
		if s.reg != nil && !s.removed {
			out = append(out, ids[i])
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of active registrations.
func (p *Publisher) Len() int {
	return len(p.Registered())
}

// Close removes every registration without publishing events.
func (p *Publisher) Close() error {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[deployment.Identity]*slot)
	p.mu.Unlock()

	var errs error
	for id, s := range slots {
		s.mu.Lock()
		if s.reg != nil && !s.removed {
			if err := s.reg.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s - close %s: %w", publisherLogPrefix, id, err))
			}
		}
		s.removed = true
		s.mu.Unlock()
	}
	return errs
}
