// Package bootstrap wires configuration, logging, and the long-running
// services for the gateway and agent processes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/octoporty/octoporty/internal/agent"
	"github.com/octoporty/octoporty/internal/caddy"
	"github.com/octoporty/octoporty/internal/config"
	"github.com/octoporty/octoporty/internal/gateway"
	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

const shutdownTimeout = 10 * time.Second

// RunGateway starts the public-facing gateway process and blocks until
// shutdown.
func RunGateway(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, ring, capture := SetupGatewayLogger(cfg)
	logger.InfoContext(ctx, "Octoporty gateway is starting",
		"version", config.Version, "revision", config.ShortRevision())

	if cfg.GatewayAPIKey == "" {
		return errors.New("Gateway__ApiKey must be set")
	}

	appCtx, cancelApp := signalContext(ctx)
	defer cancelApp()

	controller := caddy.NewController(cfg.GatewayCaddyAdminURL, cfg.GatewayUpstreamDial(), logger)
	if !controller.Healthy(appCtx) {
		logger.WarnContext(appCtx, "Edge proxy admin API not reachable at startup",
			"admin_url", cfg.GatewayCaddyAdminURL)
	}

	updates := gateway.NewUpdateService(
		cfg.GatewayAllowRemoteUpdate, cfg.GatewayUpdateSignalPath, config.Version, logger)
	manager := gateway.NewManager(cfg, logger, controller, ring, capture, updates)
	router := gateway.NewRouter(cfg, manager, logger)

	return serveHTTP(appCtx, logger, cfg.GatewayListenAddr(), router)
}

// RunAgent starts the private-network agent process and blocks until
// shutdown.
func RunAgent(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := SetupLogger(cfg)
	logger.InfoContext(ctx, "Octoporty agent is starting",
		"version", config.Version, "revision", config.ShortRevision())

	if cfg.AgentGatewayURL == "" {
		return errors.New("Agent__GatewayUrl must be set")
	}
	if cfg.AgentAPIKey == "" {
		return errors.New("Agent__ApiKey must be set")
	}

	appCtx, cancelApp := signalContext(ctx)
	defer cancelApp()

	source := agent.NewFileSource(cfg.AgentMappingsPath, cfg.AgentLandingPagePath, logger)
	if err := source.Watch(); err != nil {
		logger.WarnContext(appCtx, "Mappings file watch unavailable, change detection disabled", "error", err)
	}
	defer func() { _ = source.Close() }()

	forwarder := agent.NewForwarder(logger)
	client := agent.NewClient(agent.ClientConfig{
		GatewayURL: cfg.AgentGatewayURL,
		APIKey:     cfg.AgentAPIKey,
		Version:    config.Version,
	}, source, forwarder, logger, func(msg *tunnel.GatewayLog) {
		logger.Info("[gateway] "+msg.Message, "gateway_level", msg.Level.String())
	})

	router := agent.NewRouter(cfg, client, logger)

	group, groupCtx := errgroup.WithContext(appCtx)
	group.Go(func() error {
		err := client.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return serveHTTP(groupCtx, logger, cfg.AgentListenAddr(), router)
	})
	return group.Wait()
}

// signalContext derives a context cancelled on SIGINT/SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// serveHTTP runs one HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "Starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server", "addr", addr)

	// The app context is already cancelled; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	logger.Info("Server stopped gracefully", "addr", addr)
	return nil
}
