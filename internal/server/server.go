// Package server orchestrates all components: COMMS client, DB mirror, deployment index,
// discovery publisher, dispatcher, transports, client context and HTTP health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"github.com/morezero/component-dispatcher/internal/config"
	"github.com/morezero/component-dispatcher/internal/diagnostics"
	"github.com/morezero/component-dispatcher/pkg/bootstrap"
	"github.com/morezero/component-dispatcher/pkg/clientctx"
	"github.com/morezero/component-dispatcher/pkg/commsutil"
	"github.com/morezero/component-dispatcher/pkg/db"
	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/discovery"
	"github.com/morezero/component-dispatcher/pkg/events"
	"github.com/morezero/component-dispatcher/pkg/invocation"
	"github.com/morezero/component-dispatcher/pkg/transport"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// connStatus is the part of the COMMS connection the health check needs.
type connStatus interface {
	IsConnected() bool
}

// pinger is the part of the database mirror the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server is the component-dispatcher orchestrator.
type Server struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc

	nc   *comms.Conn
	conn connStatus
	pool *pgxpool.Pool
	db   pinger

	index       *deployment.Index
	registry    *discovery.LocalRegistry
	publisher   *discovery.Publisher
	unsubscribe func()
	dispatcher  *invocation.Dispatcher
	workers     *transport.WorkerPool
	comms       *transport.CommsTransport
	local       *transport.LocalTransport
	clients     *clientctx.Service

	httpServer *http.Server
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	// Setup structured logging
	logLevel, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting component-dispatcher", logPrefix))

	s, err := New(context.Background(), cfg)
	if err != nil {
		return err
	}

	addr := cfg.Addr()
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, addr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Component-dispatcher is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Error(fmt.Sprintf("%s - Shutdown finished with errors: %v", logPrefix, err))
		return err
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// New wires every component and starts listening for requests. On error
// everything already started is torn down again. ctx bounds the lifetime of
// dispatched requests until Shutdown.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.start(); err != nil {
		if cerr := s.Shutdown(context.Background()); cerr != nil {
			slog.Warn(fmt.Sprintf("%s - cleanup after failed start: %v", logPrefix, cerr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) start() error {
	cfg := s.cfg
	node := cfg.Node()

	// Step 1: Load client context baseline
	baseline, err := bootstrap.LoadClientConfig(cfg.ClientConfigFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load client config: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc
	s.conn = nc
	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Optional database mirror
	var mirror discovery.Mirror
	if cfg.DatabaseURL != "" {
		repo, err := s.openDatabase()
		if err != nil {
			return err
		}
		mirror = repo
		s.db = repo
	}

	// Step 4: Discovery registry and availability publisher
	s.index = deployment.NewIndex()
	s.registry = discovery.NewLocalRegistry(mirror)
	s.publisher = discovery.NewPublisher(s.registry, &discovery.PublisherOpts{
		Events: events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.DiscoveryEventSubject}),
		Node:   node,
	})
	s.unsubscribe = s.index.Subscribe(s.publisher)

	// Step 5: Dispatcher and transports
	s.dispatcher = invocation.NewDispatcher(s.index)
	s.workers = transport.NewWorkerPool(cfg.WorkerPoolSize)

	versions, err := transport.NewVersionChecker(cfg.ProtocolVersionConstraint)
	if err != nil {
		return err
	}
	s.comms, err = transport.NewCommsTransport(nc, s.dispatcher, &transport.CommsTransportOpts{
		InvocationSubject:  cfg.InvocationSubject,
		SessionOpenSubject: cfg.SessionOpenSubject,
		QueueGroup:         cfg.QueueGroup,
		RequestTimeout:     cfg.RequestTimeout,
		Executor:           s.workers,
		Versions:           versions,
	})
	if err != nil {
		return err
	}
	if err := s.comms.Start(s.ctx); err != nil {
		return err
	}
	s.local = transport.NewLocalTransport(s.dispatcher, s.workers)

	// Step 6: Client context
	s.clients = clientctx.NewService(clientctx.ServiceOpts{
		Baseline:  baseline,
		Discovery: s.registry,
		Providers: []clientctx.TransportProvider{s.local, s.comms},
	})
	if err := s.clients.Start(); err != nil {
		return err
	}

	// Step 7: Built-in module
	if err := diagnostics.Deploy(s.index, node); err != nil {
		return fmt.Errorf("%s - failed to deploy diagnostics module: %w", logPrefix, err)
	}
	return nil
}

func (s *Server) openDatabase() (*db.EndpointRepository, error) {
	cfg := s.cfg
	if err := db.EnsureDatabase(s.ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
	}
	pool, err := db.NewPool(s.ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(s.ctx, pool, migrations); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	repo := db.NewEndpointRepository(pool, s.cfg.Node())
	if _, err := repo.PurgeNode(s.ctx); err != nil {
		return nil, fmt.Errorf("%s - failed to purge stale endpoints: %w", logPrefix, err)
	}
	return repo, nil
}

// Local returns the same-process transport.
func (s *Server) Local() *transport.LocalTransport { return s.local }

// Index returns the deployment index modules are deployed into.
func (s *Server) Index() *deployment.Index { return s.index }

// Registry returns the discovery registry.
func (s *Server) Registry() *discovery.LocalRegistry { return s.registry }

// ClientContext returns the assembled client context.
func (s *Server) ClientContext() (*clientctx.Context, error) {
	return s.clients.Context()
}

// Shutdown stops accepting requests, lets running ones finish, withdraws all
// registrations and closes connections. Components that were never started
// are skipped.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}
	if s.comms != nil {
		err = multierr.Append(err, s.comms.Stop())
	}
	if s.workers != nil {
		s.workers.Close()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.publisher != nil {
		err = multierr.Append(err, s.publisher.Close())
	}
	if s.clients != nil {
		s.clients.Stop()
	}
	if s.nc != nil {
		err = multierr.Append(err, s.nc.Drain())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/endpoints", s.handleEndpoints())
	mux.HandleFunc("/modules", s.handleModules())
	mux.HandleFunc("/client", s.handleClient())
	return mux
}

// HealthOutput is the body of /health.
type HealthOutput struct {
	Status    string `json:"status"`
	Comms     string `json:"comms"`
	Database  string `json:"database"`
	Modules   int    `json:"modules"`
	Endpoints int    `json:"endpoints"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Comms:     "connected",
		Database:  "disabled",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.conn == nil || !s.conn.IsConnected() {
		h.Status = "unhealthy"
		h.Comms = "disconnected"
	}
	if s.db != nil {
		h.Database = "connected"
		if err := s.db.Ping(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - database health check failed: %v", logPrefix, err))
			h.Status = "unhealthy"
			h.Database = "unreachable"
		}
	}
	if s.index != nil {
		h.Modules = len(s.index.Available())
	}
	if s.registry != nil {
		h.Endpoints = s.registry.Len()
	}
	return h
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(ctx)
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// handleEndpoints lists registrations. Query parameters filter by attribute.
func (s *Server) handleEndpoints() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		filter := discovery.Filter{}
		for name, values := range r.URL.Query() {
			if len(values) > 0 {
				filter[name] = values[0]
			}
		}
		out := []discovery.Entry{}
		if s.registry != nil {
			for _, e := range s.registry.Entries() {
				if e.URL.Matches(filter) {
					out = append(out, e)
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleModules() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		out := []string{}
		if s.index != nil {
			for _, id := range s.index.Available() {
				out = append(out, id.String())
			}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"available": out})
	}
}

// ClientOutput is the body of /client.
type ClientOutput struct {
	Name              string            `json:"name"`
	Version           string            `json:"version"`
	InvocationTimeout string            `json:"invocationTimeout"`
	MaxRetries        int               `json:"maxRetries"`
	Transports        map[string]string `json:"transports"`
}

func (s *Server) handleClient() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.clients == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": clientctx.ErrNotStarted.Error()})
			return
		}
		cc, err := s.clients.Context()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		cfg := cc.Config()
		out := &ClientOutput{
			Name:              cfg.Name(),
			Version:           cfg.Version(),
			InvocationTimeout: cfg.InvocationTimeout().String(),
			MaxRetries:        cfg.MaxRetries(),
			Transports:        make(map[string]string),
		}
		for _, p := range cc.Providers() {
			out.Transports[p.Protocol()] = p.Version()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write response: %v", logPrefix, err))
	}
}
