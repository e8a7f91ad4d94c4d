package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mau.fi/mautrix-max/internal/config"
	"go.mau.fi/mautrix-max/internal/database"
)

// Bridge is the main entry point that ties all components together.
type Bridge struct {
	Config *config.Config
	DB     *database.Database
	Log    *slog.Logger

	Puppets      *PuppetManager
	Portals      *PortalManager
	Sessions     *UserSessionManager
	Dispatcher   *Dispatcher
	ASHandler    *ASHandler
	Provisioning *ProvisioningAPI
	License      *LicenseChecker
	Metrics      *Metrics

	httpServer         *http.Server
	metricsServer      *http.Server
	provisioningServer *http.Server

	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New creates a new Bridge instance from the given configuration.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		Config: cfg,
		Log:    log,
	}

	db, err := database.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	b.DB = db

	return b, nil
}

// Start initializes all components and starts the bridge.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bridge is already running")
	}

	b.Log.Info("starting mautrix-max bridge")

	b.Metrics = NewMetrics()

	if err := b.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	b.Log.Info("database migrations complete")

	// Verify the MergeChat license before wiring up anything else; a failed
	// startup check is fatal, matching the upstream project's policy.
	b.License = NewLicenseChecker(
		b.Config.MergeChat.LicenseKey,
		b.Config.MergeChat.ServerID,
		b.Config.MergeChat.APIURL,
		b.Metrics,
		b.Log.With("component", "license"),
	)
	if err := b.License.VerifyAtStartup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.License.Run(runCtx, func(reason string) {
		b.Log.Error("license grace period expired, shutting down", "reason", reason)
		go b.Stop()
	})

	// Matrix client is nil until a real homeserver-facing intent client is
	// wired in; every component below tolerates a nil MatrixClient for the
	// parts of their API that don't get exercised without one (puppet/portal
	// registration, room creation, message relay).
	var matrixClient MatrixClient

	b.Puppets = NewPuppetManager(
		b.Config.Homeserver.Domain,
		b.Config.Bridge.UsernameTemplate,
		b.Config.Bridge.DisplaynameTemplate,
		b.DB.Puppet,
		matrixClient,
		b.Log.With("component", "puppets"),
	)

	b.Portals = NewPortalManager(
		b.DB.Portal,
		b.DB.Message,
		b.DB.Reaction,
		b.Puppets,
		matrixClient,
		b.Metrics,
		b.Log.With("component", "portals"),
	)
	b.Portals.SetMentionsEnabled(b.Config.Bridge.MessageHandling.Mentions)

	factory := &ClientFactory{
		APIURL:         b.Config.Max.APIURL,
		WSURL:          b.Config.Max.WSURL,
		PollingTimeout: b.Config.Max.PollingTimeout,
		Log:            b.Log.With("component", "max_client"),
	}

	b.Sessions = NewUserSessionManager(b.DB.User, b.Portals, b.Puppets, factory, b.Log.With("component", "sessions"))

	b.Dispatcher = NewDispatcher(b.Portals, b.Sessions, b.Puppets, matrixClient, b.Log.With("component", "dispatcher"))

	b.ASHandler = NewASHandler(
		b.Log.With("component", "as_handler"),
		b.Config.AppService.HSToken,
		b.Dispatcher,
		b.Puppets,
	)

	listenAddr := fmt.Sprintf("%s:%d", b.Config.AppService.Hostname, b.Config.AppService.Port)
	b.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      b.ASHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		b.Log.Info("AS HTTP server listening", "addr", listenAddr)
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("HTTP server error", "error", err)
		}
	}()

	if b.Config.Metrics.Enabled {
		b.startMetricsServer()
	}

	if b.Config.Bridge.Provisioning.Enabled {
		b.startProvisioningServer()
	}

	// Reconnect every Max session that was already logged in before restart.
	sessions, err := b.Sessions.AllLoggedIn(ctx)
	if err != nil {
		b.Log.Error("failed to load logged-in sessions", "error", err)
	} else {
		for _, s := range sessions {
			if err := s.Connect(ctx); err != nil {
				b.Log.Error("failed to reconnect user session on startup", "mxid", s.MXID, "error", err)
				continue
			}
			b.Log.Info("reconnected user session", "mxid", s.MXID)
		}
	}

	b.running = true
	b.Log.Info("mautrix-max bridge started successfully")

	return nil
}

// Stop gracefully shuts down all bridge components.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.Log.Info("stopping mautrix-max bridge")

	if b.cancel != nil {
		b.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.provisioningServer != nil {
		if err := b.provisioningServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("provisioning server shutdown error", "error", err)
		}
	}

	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("metrics server shutdown error", "error", err)
		}
	}

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("HTTP server shutdown error", "error", err)
		}
	}

	if b.Sessions != nil {
		b.Sessions.DisconnectAll(shutdownCtx)
	}

	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			b.Log.Error("database close error", "error", err)
		}
	}

	b.running = false
	b.Log.Info("mautrix-max bridge stopped")

	return nil
}

// Run starts the bridge and blocks until a shutdown signal is received.
func (b *Bridge) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	b.Log.Info("received shutdown signal", "signal", sig)

	return b.Stop()
}

// startMetricsServer starts a dedicated HTTP server for Prometheus metrics
// and health checks.
func (b *Bridge) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	mux.HandleFunc("/health", b.handleHealth)

	b.metricsServer = &http.Server{
		Addr:         b.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		b.Log.Info("metrics server listening", "addr", b.Config.Metrics.Listen)
		if err := b.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("metrics server error", "error", err)
		}
	}()
}

// startProvisioningServer starts the login/provisioning HTTP API (C8) on its
// own listener, separate from the AS transaction endpoint.
func (b *Bridge) startProvisioningServer() {
	b.Provisioning = NewProvisioningAPI(
		b.Config.Bridge.Provisioning.SharedSecret,
		b.Sessions,
		b.Config.Max.WSURL,
		b.Log.With("component", "provisioning"),
	)

	listenAddr := fmt.Sprintf("%s:%d", b.Config.AppService.Hostname, b.Config.AppService.Port+1)
	b.provisioningServer = &http.Server{
		Addr:         listenAddr,
		Handler:      b.Provisioning,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		b.Log.Info("provisioning server listening", "addr", listenAddr, "prefix", b.Config.Bridge.Provisioning.Prefix)
		if err := b.provisioningServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("provisioning server error", "error", err)
		}
	}()
}

// handleHealth serves a JSON health check response.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := b.Metrics.HealthStatus()

	w.Header().Set("Content-Type", "application/json")

	connected, _ := status["connected"].(bool)
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	data, err := json.Marshal(status)
	if err != nil {
		b.Log.Error("failed to marshal health status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
