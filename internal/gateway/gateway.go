// ABOUTME: Gateway orchestrator that wires store, runtime, scheduler, router and transports
// ABOUTME: Manages the HTTP and gRPC listeners, bootstrap agents and health endpoints lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/agents"
	"github.com/2389/coven-rpc/internal/auth"
	"github.com/2389/coven-rpc/internal/config"
	"github.com/2389/coven-rpc/internal/scheduler"
	"github.com/2389/coven-rpc/internal/store"
	"github.com/2389/coven-rpc/internal/transport"
	"github.com/2389/coven-rpc/internal/transport/grpctransport"
	"github.com/2389/coven-rpc/internal/transport/httptransport"
	"github.com/2389/coven-rpc/internal/transport/matrix"
	"github.com/2389/coven-rpc/internal/transport/messaging"
)

// Gateway hosts agents and serves them over the configured transports.
type Gateway struct {
	config    *config.Config
	store     store.Store
	runtime   *agent.Runtime
	scheduler *scheduler.Scheduler
	router    *Router
	logger    *slog.Logger

	mux         *http.ServeMux
	httpServer  *http.Server
	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server

	// messaging transports get a connection per hosted agent
	messaging []*messaging.Transport
	// closers are the outbound transports holding connections
	closers []io.Closer
	// syncInterval is how often messaging connections are reconciled with
	// the store, picking up agents created by other processes.
	syncInterval time.Duration
}

// DefaultSyncInterval is how often a running gateway connects agents that
// appeared in the store without going through its runtime.
const DefaultSyncInterval = 30 * time.Second

// New creates a Gateway from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(ctx, store.Config{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		Prefix:        cfg.Store.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	registry, err := agents.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("registering agent types: %w", err)
	}

	// The scheduler invokes through the runtime, and the runtime hands out
	// per-agent scheduling handles, so the scheduler is bound after both exist.
	var sched *scheduler.Scheduler
	rt, err := agent.NewRuntime(agent.Config{
		Store:     s,
		Registry:  registry,
		CacheSize: cfg.Agents.CacheSize,
		Logger:    logger,
		Scheduler: func(agentID string) agent.Scheduler { return sched.ForAgent(agentID) },
	})
	if err != nil {
		return nil, fmt.Errorf("creating runtime: %w", err)
	}
	sched = scheduler.New(rt, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		runtime:   rt,
		scheduler: sched,
		router:    NewRouter(rt, logger),
		logger:    logger.With("component", "gateway"),
		mux:       http.NewServeMux(),

		syncInterval: DefaultSyncInterval,
	}
	rt.SetSender(gw.router)
	rt.SetObserver(gw)

	if err := gw.registerTransports(logger); err != nil {
		gw.closeTransports()
		sched.Close()
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	handler, err := httptransport.NewHandler(httptransport.HandlerConfig{
		Invoker:           rt,
		Describer:         rt,
		Verifier:          verifier,
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Burst:             cfg.Limits.Burst,
		Logger:            logger,
	})
	if err != nil {
		gw.closeTransports()
		sched.Close()
		return nil, fmt.Errorf("creating http handler: %w", err)
	}

	// Health endpoints - no auth required
	gw.mux.HandleFunc("/health", gw.handleHealth)
	gw.mux.HandleFunc("/health/ready", gw.handleReady)
	gw.mux.Handle(httptransport.AgentsPath, handler)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.HasTransport(config.TransportGRPC) {
		gw.grpcServer = grpctransport.NewGRPCServer(grpctransport.ServerConfig{
			Invoker:  rt,
			Verifier: verifier,
			Logger:   logger,
		})
	}

	return gw, nil
}

// registerTransports builds every configured transport and registers it with
// the router in configuration order.
func (g *Gateway) registerTransports(logger *slog.Logger) error {
	for i, tc := range g.config.Transports {
		t, err := g.buildTransport(tc, logger)
		if err != nil {
			return fmt.Errorf("transports[%d] (%s): %w", i, tc.Type, err)
		}
		g.router.Register(t)
	}
	return nil
}

func (g *Gateway) buildTransport(tc config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	switch tc.Type {
	case config.TransportHTTP:
		return httptransport.New(httptransport.Config{
			BaseURL: tc.BaseURL,
			Token:   tc.Token,
			Timeout: tc.Timeout,
			Logger:  logger,
		})

	case config.TransportGRPC:
		t, err := grpctransport.New(grpctransport.Config{
			Host:    tc.Host,
			Token:   tc.Token,
			Timeout: tc.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, t)
		return t, nil

	case config.TransportMessaging:
		link, err := newLink(tc, logger)
		if err != nil {
			return nil, err
		}
		t, err := messaging.New(messaging.Config{
			Scheme:          tc.Scheme,
			Host:            tc.Host,
			Link:            link,
			Invoker:         g.runtime,
			CallbackTimeout: g.config.Callbacks.Timeout,
			DedupeTTL:       g.config.Callbacks.DedupeTTL,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		g.messaging = append(g.messaging, t)
		g.closers = append(g.closers, t)
		return t, nil

	default:
		return nil, fmt.Errorf("unknown transport type %q", tc.Type)
	}
}

func newLink(tc config.TransportConfig, logger *slog.Logger) (messaging.Link, error) {
	switch tc.Backend {
	case "", "hub":
		return messaging.NewHub(), nil
	case "matrix":
		return matrix.New(matrix.Config{
			Homeserver: tc.Homeserver,
			Tokens:     tc.Tokens,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", tc.Backend)
	}
}

// Runtime returns the agent runtime.
func (g *Gateway) Runtime() *agent.Runtime {
	return g.runtime
}

// Router returns the outbound router.
func (g *Gateway) Router() *Router {
	return g.router
}

// Handler returns the HTTP handler serving agents and health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Bootstrap creates the configured agents that do not exist yet and connects
// every hosted agent to the messaging transports.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	for _, boot := range g.config.Agents.Bootstrap {
		h, err := g.runtime.Create(ctx, boot.Type, boot.ID)
		if errors.Is(err, agent.ErrAgentExists) {
			g.logger.Debug("bootstrap agent exists", "agent_id", boot.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("bootstrapping agent %s: %w", boot.ID, err)
		}
		if err := h.Release(ctx); err != nil {
			return fmt.Errorf("releasing agent %s: %w", boot.ID, err)
		}
	}

	return g.syncConnections(ctx)
}

// syncConnections connects every stored agent that has no messaging
// connection yet.
func (g *Gateway) syncConnections(ctx context.Context) error {
	if len(g.messaging) == 0 {
		return nil
	}
	ids, err := g.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	for _, id := range ids {
		g.connect(ctx, id)
	}
	return nil
}

func (g *Gateway) connect(ctx context.Context, agentID string) {
	for _, t := range g.messaging {
		if _, ok := t.Connection(agentID); ok {
			continue
		}
		if _, err := t.Connect(ctx, agentID); err != nil {
			// Matrix links only connect agents that have a token.
			g.logger.Warn("messaging connect failed", "agent_id", agentID, "protocols", t.Protocols(), "error", err)
		}
	}
}

// AgentCreated opens the messaging inboxes of a new agent.
func (g *Gateway) AgentCreated(ctx context.Context, agentID, _ string) {
	g.connect(ctx, agentID)
}

// AgentDeleted closes the messaging inboxes of a deleted agent. Its pending
// outbound calls fail.
func (g *Gateway) AgentDeleted(_ context.Context, agentID string) {
	for _, t := range g.messaging {
		if err := t.Disconnect(agentID); err != nil {
			g.logger.Warn("messaging disconnect failed", "agent_id", agentID, "protocols", t.Protocols(), "error", err)
		}
	}
}

// runConnectionSync reconciles messaging connections until ctx is done.
func (g *Gateway) runConnectionSync(ctx context.Context) {
	if len(g.messaging) == 0 || g.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.syncConnections(ctx); err != nil {
				g.logger.Warn("syncing messaging connections", "error", err)
			}
		}
	}
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when a grpc
// transport is configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("server addresses are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
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

// Run bootstraps agents, starts the servers and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Bootstrap(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	syncCtx, stopSync := context.WithCancel(ctx)
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		g.runConnectionSync(syncCtx)
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopSync()
	<-syncDone

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-rpc", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener listens on :443 with Tailscale certs when HTTPS
// is enabled, otherwise on :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
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

func (g *Gateway) closeTransports() []error {
	var errs []error
	for _, c := range g.closers {
		errs = appendCloseError(errs, "transport close", c.Close())
	}
	g.closers = nil
	return errs
}

// Shutdown stops the servers, fails pending callbacks, stops scheduled
// tasks and flushes every cached agent before closing the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		g.tsnetServer = nil
	}

	errs = append(errs, g.closeTransports()...)
	g.scheduler.Close()
	errs = appendCloseError(errs, "runtime close", g.runtime.Close(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ids, err := g.runtime.List(r.Context())
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(ids))
}
