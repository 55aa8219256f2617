// ABOUTME: Gateway orchestrator that builds all components and runs gRPC and HTTP servers
// ABOUTME: Owns the lifecycle of the store, routers, sessions, and optional frontends

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/backend"
	"github.com/2389/relay-gateway/internal/builtins"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/matrix"
	"github.com/2389/relay-gateway/internal/mcp"
	"github.com/2389/relay-gateway/internal/peer"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tools"
)

// UserHeader echoes the user id a chat request was served for.
const UserHeader = "X-Relay-User"

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	tools       *tools.Registry
	router      *correlation.Router
	peers       *peer.Registry
	backend     backend.Backend
	sessions    *session.Store
	dispatcher  *mcp.Dispatcher
	remotes     *mcp.Remotes
	matrix      *matrix.Bridge
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	started     time.Time
	logger      *slog.Logger
}

// initStore opens the SQLite store, honoring RELAY_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that peers connect to.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// newSessionStore builds the keyed session store; every session shares the
// backend, registry and recorder.
func newSessionStore(cfg *config.Config, be backend.Backend, reg *tools.Registry, rec session.Recorder, logger *slog.Logger) (*session.Store, error) {
	policy, err := session.ParseFollowupPolicy(cfg.Session.ToolFollowup)
	if err != nil {
		return nil, err
	}
	factory := func(key string) *session.Session {
		return session.New(key, session.Config{
			Backend:      be,
			Tools:        reg,
			Model:        cfg.Backend.Model,
			Followup:     policy,
			DisableTools: !cfg.Backend.ToolsEnabled(),
			SystemPrompt: cfg.Session.SystemPrompt,
			Recorder:     rec,
			Logger:       logger,
		})
	}
	return session.NewStore(session.StoreConfig{
		Mode:        cfg.Session.Mode,
		Factory:     factory,
		MaxSessions: cfg.Session.MaxSessions,
		IdleTTL:     cfg.Session.IdleTTL,
		Logger:      logger,
	}), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		started: time.Now(),
		logger:  logger.With("component", "gateway"),
	}
	if err := gw.build(logger); err != nil {
		gw.closeComponents()
		return nil, err
	}
	return gw, nil
}

// build constructs everything that depends on the store.
func (g *Gateway) build(logger *slog.Logger) error {
	cfg := g.config

	g.tools = tools.NewRegistry(logger)
	builtins.Register(g.tools,
		builtins.NotesPack(g.store),
		builtins.UsagePack(g.store),
		builtins.ClockPack(nil),
	)

	if len(cfg.MCP.Servers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MCP.ConnectTimeout)
		remotes, err := mcp.ConnectAll(ctx, cfg.MCP, g.tools, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("loading mcp servers: %w", err)
		}
		g.remotes = remotes
	}

	g.router = correlation.NewRouter(correlation.Config{
		Logger:       logger,
		TTL:          cfg.Correlation.TTL,
		ReapInterval: cfg.Correlation.ReapInterval,
	})
	g.peers = peer.NewRegistry(logger)

	be, err := backend.New(cfg.Backend, backend.Deps{
		Peers:  g.peers,
		Router: g.router,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	g.backend = be

	g.sessions, err = newSessionStore(cfg, be, g.tools, g.store, logger)
	if err != nil {
		return err
	}

	g.dispatcher, err = mcp.NewDispatcher(mcp.Config{
		Tools:   g.tools,
		Name:    cfg.MCP.Name,
		Version: cfg.MCP.Version,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	g.grpcServer = createGRPCServer()
	peer.NewService(peer.ServiceConfig{
		Peers:       g.peers,
		Router:      g.router,
		Tools:       g.tools,
		RPC:         g.dispatcher,
		ToolTimeout: cfg.Correlation.ToolTimeout,
		Logger:      logger,
	}).Register(g.grpcServer)

	if cfg.Frontends.Matrix.Enabled {
		g.matrix, err = matrix.NewBridge(cfg.Frontends.Matrix, &sessionChatter{sessions: g.sessions}, logger)
		if err != nil {
			return fmt.Errorf("creating matrix bridge: %w", err)
		}
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway configured",
		"provider", cfg.Backend.Provider,
		"model", cfg.Backend.Model,
		"session_mode", g.sessions.Mode(),
		"tool_followup", cfg.Session.ToolFollowup,
		"tools", g.tools.Len(),
		"mcp_servers", len(cfg.MCP.Servers),
	)
	return nil
}

// registerRoutes registers every HTTP route on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	prefix := "/" + g.config.Server.Endpoint
	mux.HandleFunc(prefix+"/chat/completions", g.handleChatCompletions)
	mux.HandleFunc(prefix+"/models", g.handleModels)

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/api/tools", g.handleListTools)
	mux.HandleFunc("/api/tools/calls", g.handleToolCalls)
	mux.HandleFunc("/api/stats/usage", g.handleUsageStats)

	g.dispatcher.RegisterRoutes(mux)
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC, HTTP and frontend loops in goroutines, returning
// an error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.matrix != nil {
		go func() {
			if err := g.matrix.Run(ctx); err != nil {
				errCh <- fmt.Errorf("matrix bridge: %w", err)
			}
		}()
	}

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
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops background goroutines. Components may be nil when
// construction failed part way.
func (g *Gateway) closeComponents() {
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.remotes != nil {
		if err := g.remotes.Close(); err != nil {
			g.logger.Warn("closing mcp servers", "error", err)
		}
	}
	if g.peers != nil {
		g.peers.Close()
	}
	if g.router != nil {
		g.router.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("closing store", "error", err)
		}
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Closing peer channels ends their streams so GracefulStop can return.
	g.peers.Close()
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.sessions.Close()
	if g.remotes != nil {
		errs = appendCloseError(errs, "mcp servers close", g.remotes.Close())
	}
	g.router.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
