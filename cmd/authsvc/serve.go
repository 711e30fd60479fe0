// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authsvc/internal/app"
	"github.com/holomush/authsvc/internal/config"
	"github.com/holomush/authsvc/internal/logging"
	"github.com/holomush/authsvc/internal/observability"
	"github.com/holomush/authsvc/pkg/errutil"
)

// readinessTimeout bounds the dependency pings behind /healthz/readiness.
const readinessTimeout = 2 * time.Second

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// App carries the constructors passed to app.Build. Metrics and Logger
	// are filled in by serve.
	App app.Deps

	// Listen creates the auth API listener.
	// Default: net.Listen
	Listen func(network, address string) (net.Listener, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker) ObservabilityServer

	// OnReady, when set, is called with the auth API address once serving.
	OnReady func(addr string)
}

func (d *ServeDeps) applyDefaults() {
	if d.Listen == nil {
		d.Listen = net.Listen
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return newServeCmd(&ServeDeps{})
}

func newServeCmd(deps *ServeDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the auth API",
		Long: `Assemble the auth service from configuration and serve it under /api/auth.
Startup aborts on the first error: an unreachable database, a malformed
trusted origin or an invalid setting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg, deps)
		},
	}
}

// runServe runs the service until ctx is cancelled or a server fails.
func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *ServeDeps) error {
	deps.applyDefaults()

	logger, err := logging.SetDefault(logging.Options{
		Service: "authsvc",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		ready       atomic.Bool
		application atomic.Pointer[app.App]
		obsServer   ObservabilityServer
	)
	if cfg.Server.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Server.MetricsAddr, func() bool {
			a := application.Load()
			if !ready.Load() || a == nil {
				return false
			}
			checkCtx, checkCancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer checkCancel()
			return a.Check(checkCtx) == nil
		})
		deps.App.Metrics = obsServer.Metrics()
	}
	deps.App.Logger = logger

	a, err := app.Build(ctx, cfg, deps.App)
	if err != nil {
		errutil.LogErrorContext(ctx, logger, "startup failed", err)
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("error closing app", "error", closeErr)
		}
	}()
	application.Store(a)

	listener, err := deps.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Server.Addr).Wrap(err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if obsServer != nil {
		obsErr, err := obsServer.Start()
		if err != nil {
			shutdown(srv, cfg.ShutdownTimeout(), logger)
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErr, "observability", logger)
	}

	go a.RunCleanup(ctx, cfg.CleanupInterval())

	ready.Store(true)
	logger.InfoContext(ctx, "auth API listening",
		"addr", listener.Addr().String(),
		"base_path", "/api/auth",
	)
	if deps.OnReady != nil {
		deps.OnReady(listener.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serveErr:
		if ok && err != nil {
			runErr = oops.Code("SERVE_FAILED").Wrap(err)
		}
	}
	ready.Store(false)

	shutdown(srv, cfg.ShutdownTimeout(), logger)
	if obsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer stopCancel()
		if err := obsServer.Stop(stopCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

func shutdown(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("error shutting down auth API", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error.
// It exits when an error arrives, the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
