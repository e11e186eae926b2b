// ABOUTME: Server orchestrator wiring the store, allocation engine, sweeper and listeners
// ABOUTME: Manages the HTTP API, the optional gRPC health listener and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/inbox-allocator/internal/allocation"
	"github.com/2389/inbox-allocator/internal/auth"
	"github.com/2389/inbox-allocator/internal/config"
	"github.com/2389/inbox-allocator/internal/dedupe"
	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/ingest"
	"github.com/2389/inbox-allocator/internal/priority"
	"github.com/2389/inbox-allocator/internal/store"
	"github.com/2389/inbox-allocator/internal/sweeper"
	"github.com/2389/inbox-allocator/internal/tracing"
)

// Version is reported in traces and the startup log.
var Version = "dev"

// Server is the inbox-allocator process.
// It owns the HTTP API, the grace sweeper and the optional gRPC health listener.
type Server struct {
	config    *config.Config
	store     store.Store
	engine    *allocation.Engine
	ingest    *ingest.Service
	sweeper   *sweeper.Sweeper
	publisher *events.Multi
	dedupe    *dedupe.Cache
	logger    *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	shutdownTracing func(context.Context) error
}

// pinger is implemented by stores that can check their backend connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// OpenStore creates and returns the store selected by cfg.Database.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initPublisher builds the event fan-out. Events are always logged; broker
// sinks are added for every configured address.
func initPublisher(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (*events.Multi, error) {
	sinks := []events.Publisher{events.NewLogPublisher(logger)}
	fail := func(err error) (*events.Multi, error) {
		_ = events.NewMulti(sinks...).Close()
		return nil, err
	}

	if cfg.RabbitMQ.URL != "" {
		p, err := events.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return fail(fmt.Errorf("connecting to rabbitmq: %w", err))
		}
		sinks = append(sinks, p)
		logger.Info("publishing events to rabbitmq", "exchange", cfg.RabbitMQ.Exchange)
	}
	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fail(fmt.Errorf("connecting to nats: %w", err))
		}
		sinks = append(sinks, p)
		logger.Info("publishing events to nats", "subject_prefix", cfg.NATS.SubjectPrefix)
	}
	if cfg.Redis.Addr != "" {
		p, err := events.NewRedisStreamPublisherFromAddr(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream)
		if err != nil {
			return fail(fmt.Errorf("connecting to redis: %w", err))
		}
		sinks = append(sinks, p)
		logger.Info("publishing events to redis stream", "stream", cfg.Redis.Stream)
	}
	return events.NewMulti(sinks...), nil
}

// EngineConfig maps the allocation section of the file config onto the engine.
func EngineConfig(cfg config.AllocationConfig) allocation.Config {
	ec := allocation.DefaultConfig()
	ec.CandidateWindow = cfg.CandidateWindow
	ec.GracePeriod = cfg.GracePeriod
	ec.DefaultWeights = priority.Weights{Alpha: cfg.DefaultAlpha, Beta: cfg.DefaultBeta}
	return ec
}

// New creates a Server from configuration, opening the store and any
// configured event brokers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := initPublisher(ctx, cfg.Events, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	srv, err := newServer(cfg, s, publisher, logger)
	if err != nil {
		_ = publisher.Close()
		_ = s.Close()
		return nil, err
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			OutputFile:     cfg.Tracing.OutputFile,
		})
		if err != nil {
			_ = srv.Shutdown(ctx)
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		srv.shutdownTracing = shutdown
		logger.Info("tracing enabled", "output_file", cfg.Tracing.OutputFile)
	}

	return srv, nil
}

// newServer wires components around an already opened store.
func newServer(cfg *config.Config, s store.Store, publisher *events.Multi, logger *slog.Logger) (*Server, error) {
	if publisher == nil {
		publisher = events.NewMulti(events.NewLogPublisher(logger))
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	engine := allocation.New(s, EngineConfig(cfg.Allocation), logger, allocation.WithPublisher(publisher))
	dedupeCache := dedupe.New(cfg.Ingest.DedupeTTL, cfg.Ingest.DedupeMaxEntries)

	srv := &Server{
		config:    cfg,
		store:     s,
		engine:    engine,
		ingest:    ingest.New(s, dedupeCache, publisher, logger),
		sweeper:   sweeper.New(engine, cfg.Sweeper.Interval, logger),
		publisher: publisher,
		dedupe:    dedupeCache,
		logger:    logger.With("component", "server"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /health/ready", srv.handleReady)

	// API endpoints - auth required if JWT secret is configured
	api := http.NewServeMux()
	srv.registerAPIRoutes(api)
	if verifier != nil {
		mux.Handle("/api/", auth.Middleware(s, verifier, logger)(api))
		srv.logger.Info("HTTP API authentication enabled")
	} else {
		mux.Handle("/api/", api)
		srv.logger.Warn("HTTP auth disabled - no jwt_secret configured, callers identify with operator_id")
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		srv.grpcServer, srv.health = newGRPCHealthServer()
	}

	return srv, nil
}

// Handler returns the HTTP handler serving the API and health endpoints.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Engine returns the allocation engine.
func (s *Server) Engine() *allocation.Engine {
	return s.engine
}

// setupTCPListeners creates the HTTP listener and, when configured, the gRPC one.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting inbox-allocator",
		"version", Version,
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts the listeners in goroutines, returning the error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground launches the grace sweeper and the health watcher.
func (s *Server) startBackground(ctx context.Context) {
	if s.config.Sweeper.IsEnabled() {
		go s.sweeper.Run(ctx)
	} else {
		s.logger.Warn("grace sweeper disabled - expired grace assignments are only reclaimed on demand")
	}
	if s.health != nil {
		go s.watchHealth(ctx)
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the sweeper and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupTCPListeners()
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	s.startBackground(bgCtx)

	errCh := s.startServers(grpcLn, httpLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)
	stopBackground()

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the listeners and releases the store, brokers and tracer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down inbox-allocator")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "event publishers close", s.publisher.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())
	s.dedupe.Close()

	if s.shutdownTracing != nil {
		errs = appendCloseError(errs, "tracing shutdown", s.shutdownTracing(ctx))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the sweeper is keeping up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}

	if !s.sweeperHealthy() {
		stats := s.sweeper.Stats()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "grace sweeper failing (%d consecutive failures)", stats.ConsecutiveFailures)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// sweeperHealthy reports whether the periodic sweeper is within its failure budget.
func (s *Server) sweeperHealthy() bool {
	if !s.config.Sweeper.IsEnabled() {
		return true
	}
	return s.sweeper.Healthy(s.config.Sweeper.MaxFailures)
}
