// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/internal/auth/redis"
	"github.com/holomush/authsvc/internal/config"
	"github.com/holomush/authsvc/internal/observability"
	"github.com/holomush/authsvc/internal/store"
	"github.com/holomush/authsvc/pkg/errutil"
)

func testConfig(appURL *string, host string) *config.Config {
	return &config.Config{
		AppURL:         appURL,
		DeploymentHost: host,
		Database:       config.DatabaseConfig{URL: "postgres://test/auth"},
		Auth: config.AuthConfig{
			SessionExpiresIn: "168h",
			SessionUpdateAge: "24h",
		},
	}
}

func mockDeps(t *testing.T) (Deps, pgxmock.PgxPoolIface) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, pool.ExpectationsWereMet()) })

	return Deps{
		OpenPool: func(context.Context, string, store.PoolOptions) (Pool, error) {
			return pool, nil
		},
		OpenCache: func(context.Context, string, string) (Cache, error) {
			t.Fatal("cache should not be opened")
			return nil, nil
		},
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}, pool
}

func TestBuild_DefaultOrigins(t *testing.T) {
	deps, pool := mockDeps(t)

	a, err := Build(context.Background(), testConfig(nil, ""), deps)
	require.NoError(t, err)

	assert.Equal(t, auth.ProviderPostgreSQL, a.Auth().Provider())
	assert.Equal(t, []string{"http://localhost:3000", "http://127.0.0.1:3000"}, a.Auth().TrustedOrigins())
	assert.True(t, a.Auth().EmailAndPassword().Enabled)
	assert.True(t, a.Auth().EmailAndPassword().AutoSignIn)
	assert.False(t, a.Auth().PasswordResetEnabled())

	sessions := a.Auth().SessionOptions()
	assert.Equal(t, 168*time.Hour, sessions.ExpiresIn)

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestBuild_EnvironmentOrigins(t *testing.T) {
	deps, pool := mockDeps(t)
	appURL := "https://app.example.com"

	a, err := Build(context.Background(), testConfig(&appURL, "preview123.vercel.app"), deps)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://app.example.com",
		"https://preview123.vercel.app",
		"http://127.0.0.1:3000",
	}, a.Auth().TrustedOrigins())
	assert.True(t, a.Auth().IsTrustedOrigin("https://preview123.vercel.app"))
	assert.False(t, a.Auth().IsTrustedOrigin("https://other.vercel.app"))

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestBuild_ServesAuthAPI(t *testing.T) {
	deps, pool := mockDeps(t)
	deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())

	a, err := Build(context.Background(), testConfig(nil, ""), deps)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(deps.Metrics.AuthRequestsTotal.WithLabelValues("ok", "ok")), 0)

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestBuild_MalformedOriginFailsFast(t *testing.T) {
	deps, pool := mockDeps(t)
	appURL := "not a url"
	pool.ExpectClose()

	_, err := Build(context.Background(), testConfig(&appURL, ""), deps)
	errutil.AssertErrorCode(t, err, "AUTH_CONFIG_INVALID")
}

func TestBuild_DatabaseFailure(t *testing.T) {
	deps, _ := mockDeps(t)
	deps.OpenPool = func(context.Context, string, store.PoolOptions) (Pool, error) {
		return nil, oops.Code("DATABASE_CONNECT_FAILED").Wrap(errors.New("connection refused"))
	}

	_, err := Build(context.Background(), testConfig(nil, ""), deps)
	errutil.AssertErrorCode(t, err, "DATABASE_CONNECT_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "open database")
}

func TestBuild_InvalidSessionDuration(t *testing.T) {
	deps, _ := mockDeps(t)
	cfg := testConfig(nil, "")
	cfg.Auth.SessionExpiresIn = "forever"

	_, err := Build(context.Background(), cfg, deps)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestBuild_SessionCache(t *testing.T) {
	deps, pool := mockDeps(t)
	mr := miniredis.RunT(t)
	var gotPrefix string
	deps.OpenCache = func(_ context.Context, _, keyPrefix string) (Cache, error) {
		gotPrefix = keyPrefix
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		return redis.NewWithClient(client, keyPrefix), nil
	}
	cfg := testConfig(nil, "")
	cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "test:"}

	a, err := Build(context.Background(), cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, "test:", gotPrefix)

	pool.ExpectPing()
	require.NoError(t, a.Check(context.Background()))

	mr.Close()
	pool.ExpectPing()
	errutil.AssertErrorCode(t, a.Check(context.Background()), "CACHE_UNAVAILABLE")

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestBuild_CacheFailureClosesPool(t *testing.T) {
	deps, pool := mockDeps(t)
	deps.OpenCache = func(context.Context, string, string) (Cache, error) {
		return nil, oops.Code("CACHE_CONNECT_FAILED").Errorf("no route to host")
	}
	cfg := testConfig(nil, "")
	cfg.Redis.URL = "redis://nowhere:6379"
	pool.ExpectClose()

	_, err := Build(context.Background(), cfg, deps)
	errutil.AssertErrorCode(t, err, "CACHE_CONNECT_FAILED")
}

func TestBuild_ResetSender(t *testing.T) {
	t.Run("explicit sender", func(t *testing.T) {
		deps, pool := mockDeps(t)
		deps.ResetSender = func(context.Context, *auth.User, string, string) error { return nil }

		a, err := Build(context.Background(), testConfig(nil, ""), deps)
		require.NoError(t, err)
		assert.True(t, a.Auth().PasswordResetEnabled())

		pool.ExpectClose()
		require.NoError(t, a.Close())
	})

	t.Run("log sender", func(t *testing.T) {
		deps, pool := mockDeps(t)
		cfg := testConfig(nil, "")
		cfg.Auth.LogResetLinks = true

		a, err := Build(context.Background(), cfg, deps)
		require.NoError(t, err)
		assert.True(t, a.Auth().PasswordResetEnabled())

		pool.ExpectClose()
		require.NoError(t, a.Close())
	})
}

func TestApp_CheckDatabaseDown(t *testing.T) {
	deps, pool := mockDeps(t)
	a, err := Build(context.Background(), testConfig(nil, ""), deps)
	require.NoError(t, err)

	pool.ExpectPing().WillReturnError(errors.New("connection refused"))
	errutil.AssertErrorCode(t, a.Check(context.Background()), "DATABASE_UNAVAILABLE")

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestApp_RunCleanup(t *testing.T) {
	deps, pool := mockDeps(t)
	deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	a, err := Build(context.Background(), testConfig(nil, ""), deps)
	require.NoError(t, err)

	pool.ExpectExec("DELETE FROM sessions WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	pool.ExpectExec("DELETE FROM password_resets WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	a.cleanupOnce(context.Background())
	assert.InDelta(t, 4, testutil.ToFloat64(deps.Metrics.SessionsCleanedTotal), 0)

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestApp_RunCleanupStops(t *testing.T) {
	deps, pool := mockDeps(t)
	a, err := Build(context.Background(), testConfig(nil, ""), deps)
	require.NoError(t, err)

	a.RunCleanup(context.Background(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunCleanup(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}

	pool.ExpectClose()
	require.NoError(t, a.Close())
}

func TestLogResetSender(t *testing.T) {
	var buf bytes.Buffer
	send := LogResetSender(slog.New(slog.NewJSONHandler(&buf, nil)))
	user := &auth.User{ID: ulid.Make()}

	require.NoError(t, send(context.Background(), user, "http://localhost:3000/reset-password?token=abc", "abc"))
	assert.Contains(t, buf.String(), "reset-password?token=abc")
	assert.Contains(t, buf.String(), user.ID.String())
}
