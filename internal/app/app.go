// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package app assembles the auth service from configuration. The App it
// builds replaces a process-wide auth handle: it is created once at startup,
// never mutated, and passed by reference to whatever serves requests.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/internal/auth/postgres"
	"github.com/holomush/authsvc/internal/auth/redis"
	"github.com/holomush/authsvc/internal/config"
	"github.com/holomush/authsvc/internal/observability"
	"github.com/holomush/authsvc/internal/store"
	"github.com/holomush/authsvc/internal/web"
)

// Pool is the database handle the app owns. *pgxpool.Pool satisfies it.
type Pool interface {
	postgres.DB
	Ping(ctx context.Context) error
	Close()
}

// Cache is the session cache the app owns. *redis.SessionCache satisfies it.
type Cache interface {
	auth.SessionCache
	Ping(ctx context.Context) error
	Close() error
}

// Deps holds injectable constructors. Nil fields use the defaults.
type Deps struct {
	// OpenPool defaults to store.OpenPool.
	OpenPool func(ctx context.Context, url string, opts store.PoolOptions) (Pool, error)

	// OpenCache defaults to redis.New. Only called when a Redis URL is set.
	OpenCache func(ctx context.Context, url, keyPrefix string) (Cache, error)

	// ResetSender delivers password reset links. When nil, reset links are
	// logged if configured, otherwise password reset is disabled.
	ResetSender auth.ResetPasswordSender

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// App is the assembled auth service.
type App struct {
	auth    *auth.Auth
	handler http.Handler
	pool    Pool
	cache   Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Build assembles the service: trusted origins from cfg, a PostgreSQL
// adapter over a freshly opened pool, auth.New with email and password
// sign-in and auto sign-in enabled, then the HTTP handler. Any failure
// releases what was opened and is returned; callers abort startup.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	deps.applyDefaults()
	logger := deps.Logger

	origins := cfg.TrustedOrigins()
	sessionOpts, err := cfg.SessionOptions()
	if err != nil {
		return nil, err
	}

	pool, err := deps.OpenPool(ctx, cfg.Database.URL, store.PoolOptions{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, oops.With("operation", "open database").Wrap(err)
	}

	a := &App{pool: pool, metrics: deps.Metrics, logger: logger}

	opts := auth.Options{
		Database:       postgres.NewAdapter(pool),
		TrustedOrigins: origins,
		EmailAndPassword: auth.EmailAndPasswordOptions{
			Enabled:    true,
			AutoSignIn: true,
		},
		Session: sessionOpts,
		Logger:  logger,
	}

	if cfg.Redis.URL != "" {
		cache, err := deps.OpenCache(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			a.closeQuietly()
			return nil, oops.With("operation", "open session cache").Wrap(err)
		}
		a.cache = cache
		opts.SecondaryStorage = cache
	}

	switch {
	case deps.ResetSender != nil:
		opts.ResetPassword.Send = deps.ResetSender
	case cfg.Auth.LogResetLinks:
		opts.ResetPassword.Send = LogResetSender(logger)
	}

	a.auth, err = auth.New(opts)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}

	a.handler = web.NewHandler(a.auth, web.Options{
		SecureCookies: isHTTPS(origins[0]),
		Metrics:       deps.Metrics,
		Logger:        logger,
	}).Router()

	logger.InfoContext(ctx, "auth service assembled",
		"provider", a.auth.Provider(),
		"trusted_origins", a.auth.TrustedOrigins(),
		"session_cache", a.cache != nil,
		"password_reset", a.auth.PasswordResetEnabled(),
	)
	return a, nil
}

func (d *Deps) applyDefaults() {
	if d.OpenPool == nil {
		d.OpenPool = func(ctx context.Context, url string, opts store.PoolOptions) (Pool, error) {
			return store.OpenPool(ctx, url, opts)
		}
	}
	if d.OpenCache == nil {
		d.OpenCache = func(ctx context.Context, url, keyPrefix string) (Cache, error) {
			return redis.New(ctx, url, keyPrefix)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Auth returns the auth service handle.
func (a *App) Auth() *auth.Auth { return a.auth }

// Handler returns the HTTP handler serving the auth API.
func (a *App) Handler() http.Handler { return a.handler }

// Check pings the database and, when configured, the session cache.
func (a *App) Check(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return oops.Code("DATABASE_UNAVAILABLE").Wrap(err)
	}
	if a.cache != nil {
		if err := a.cache.Ping(ctx); err != nil {
			return oops.Code("CACHE_UNAVAILABLE").Wrap(err)
		}
	}
	return nil
}

// RunCleanup deletes expired sessions every interval until ctx is done.
// A non-positive interval returns immediately.
func (a *App) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanupOnce(ctx)
		}
	}
}

func (a *App) cleanupOnce(ctx context.Context) {
	n, err := a.auth.CleanupExpiredSessions(ctx)
	a.metrics.RecordSessionsCleaned(n)
	if err != nil {
		a.logger.WarnContext(ctx, "session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.DebugContext(ctx, "expired sessions removed", "count", n)
	}
}

// Close releases the session cache and the database pool.
func (a *App) Close() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, oops.With("component", "cache").Wrap(err))
		}
	}
	a.pool.Close()
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	if err := a.Close(); err != nil {
		a.logger.Warn("cleanup after failed startup", "error", err)
	}
}

// LogResetSender returns a sender that logs reset links. It is meant for
// development setups without a mail transport.
func LogResetSender(logger *slog.Logger) auth.ResetPasswordSender {
	return func(ctx context.Context, user *auth.User, resetURL, _ string) error {
		logger.InfoContext(ctx, "password reset requested",
			"user_id", user.ID.String(),
			"reset_url", resetURL,
		)
		return nil
	}
}

func isHTTPS(origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Scheme == "https"
}
