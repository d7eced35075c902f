// ABOUTME: Gateway orchestrator that wires storage, the agent webhook and resumable streams into the HTTP server
// ABOUTME: Manages server lifecycle, backend selection and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/policydesk/internal/agent"
	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/config"
	"github.com/2389/policydesk/internal/conversation"
	"github.com/2389/policydesk/internal/dedupe"
	"github.com/2389/policydesk/internal/metrics"
	"github.com/2389/policydesk/internal/resumable"
	"github.com/2389/policydesk/internal/store"
)

const (
	// redisConnectTimeout bounds the startup ping to the Redis backend
	redisConnectTimeout = 5 * time.Second

	// submissionTTL is how long a sent message id is remembered
	submissionTTL = 10 * time.Minute
	submissionMax = 100_000
)

// Dependencies are the backends a Gateway runs on
type Dependencies struct {
	Store   store.Store
	Agent   conversation.Agent
	Streams resumable.Context // nil disables resumption
}

// Gateway serves the chat API.
type Gateway struct {
	config     *config.Config
	store      store.Store
	streams    resumable.Context
	relay      *conversation.Relay
	resumer    *conversation.Resumer
	verifier   *auth.JWTVerifier
	metrics    *metrics.Metrics
	limiter    *userLimiter
	dedupe     *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// initStore creates the store selected by database.driver.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("POLICYDESK_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initStreams creates the resumable stream backend. It returns an untyped
// nil when resumption is disabled.
func initStreams(cfg *config.Config, logger *slog.Logger) (resumable.Context, error) {
	switch cfg.Resumable.Backend {
	case config.BackendMemory:
		logger.Info("resumable streams enabled", "backend", "memory", "retention", cfg.Resumable.Retention)
		return resumable.NewMemoryContext(cfg.Resumable.Retention, logger), nil
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
		defer cancel()
		rc, err := resumable.NewRedisContext(ctx, cfg.Resumable.RedisURL, cfg.Resumable.Retention, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis streams: %w", err)
		}
		logger.Info("resumable streams enabled", "backend", "redis", "retention", cfg.Resumable.Retention)
		return rc, nil
	default:
		logger.Warn("resumable streams disabled - reconnecting clients get 204")
		return nil, nil
	}
}

// New creates a Gateway with the backends named in cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	streams, err := initStreams(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	webhook := agent.NewWebhookClient(cfg.Agent.WebhookURL(), &http.Client{}, logger)
	logger.Info("agent webhook configured", "url", webhook.URL())

	gw, err := NewWithDependencies(cfg, Dependencies{Store: s, Agent: webhook, Streams: streams}, logger)
	if err != nil {
		_ = s.Close()
		if streams != nil {
			_ = streams.Close()
		}
		return nil, err
	}
	return gw, nil
}

// NewWithDependencies creates a Gateway on the given backends.
func NewWithDependencies(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	gw := &Gateway{
		config:    cfg,
		store:     deps.Store,
		streams:   deps.Streams,
		relay:     conversation.NewRelay(deps.Store, deps.Agent, deps.Streams, m, logger),
		resumer:   conversation.NewResumer(deps.Store, deps.Streams, m, logger),
		verifier:  verifier,
		metrics:   m,
		limiter:   newUserLimiter(cfg.Limits.MessagesPerMinute, cfg.Limits.Burst),
		dedupe:    dedupe.New(submissionTTL, submissionMax),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		now:       time.Now,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	optional := auth.OptionalAuthMiddleware(g.verifier, g.config.Auth.CookieName)
	required := auth.HTTPAuthMiddleware(g.verifier, g.config.Auth.CookieName)

	// Chat endpoints, plus the paths the web client already uses
	for _, prefix := range []string{"/conversations", "/api/chat"} {
		mux.Handle("POST "+prefix+"/{id}/messages", optional(http.HandlerFunc(g.handleSendMessage)))
		mux.Handle("GET "+prefix+"/{id}/stream", optional(http.HandlerFunc(g.handleResumeStream)))
		mux.Handle("GET "+prefix+"/{id}/messages", required(http.HandlerFunc(g.handleHistory)))
	}
	mux.Handle("GET /api/auth/guest", optional(http.HandlerFunc(g.handleGuest)))
	mux.Handle("POST /api/auth/guest", optional(http.HandlerFunc(g.handleGuest)))

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/health", g.handleAPIHealth) // GET patterns also match HEAD
	mux.HandleFunc("GET /ping", g.handlePing)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}

	return mux
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases backends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.streams != nil {
		errs = appendCloseError(errs, "streams close", g.streams.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
