package clientctx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/component-dispatcher/pkg/bootstrap"
)

const serviceLogPrefix = "clientctx:service"

// Service lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("client context already started")
	ErrNotStarted     = errors.New("client context not started")
)

// ServiceOpts are the inputs of every context built by a Service.
type ServiceOpts struct {
	Baseline  *bootstrap.ClientConfig
	Discovery DiscoverySource
	Providers []TransportProvider
}

// Service owns the client context of the process. A new context is only
// built by a Stop and Start cycle.
type Service struct {
	opts ServiceOpts

	mu  sync.RWMutex
	ctx *Context
}

// NewService creates a stopped Service.
func NewService(opts ServiceOpts) *Service {
	return &Service{opts: opts}
}

// Start builds the context.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return ErrAlreadyStarted
	}

	b := NewBuilder().Configure(s.opts.Baseline).SetDiscovery(s.opts.Discovery)
	for _, p := range s.opts.Providers {
		b.AddTransportProvider(p)
	}
	ctx, err := b.Build()
	if err != nil {
		return fmt.Errorf("%s - failed to build client context: %w", serviceLogPrefix, err)
	}
	s.ctx = ctx

	slog.Info(fmt.Sprintf("%s - Client context %s started with %d transport(s)", serviceLogPrefix, ctx.Config().Name(), len(ctx.providers)))
	return nil
}

// Stop discards the context.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		slog.Info(fmt.Sprintf("%s - Client context stopped", serviceLogPrefix))
	}
	s.ctx = nil
}

// Context returns the current context.
func (s *Service) Context() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return nil, ErrNotStarted
	}
	return s.ctx, nil
}
