// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/internal/observability"
)

type mockService struct {
	mock.Mock
	matcher *auth.OriginMatcher
}

func (m *mockService) SignUpEmail(ctx context.Context, in auth.SignUpInput) (*auth.SignUpResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*auth.SignUpResult)
	return res, args.Error(1)
}

func (m *mockService) SignInEmail(ctx context.Context, in auth.SignInInput) (*auth.Session, string, error) {
	args := m.Called(ctx, in)
	s, _ := args.Get(0).(*auth.Session)
	return s, args.String(1), args.Error(2)
}

func (m *mockService) GetSession(ctx context.Context, token string) (*auth.SessionWithUser, error) {
	args := m.Called(ctx, token)
	s, _ := args.Get(0).(*auth.SessionWithUser)
	return s, args.Error(1)
}

func (m *mockService) SignOut(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockService) RequestPasswordReset(ctx context.Context, email, redirectURL string) error {
	return m.Called(ctx, email, redirectURL).Error(0)
}

func (m *mockService) ResetPassword(ctx context.Context, token, newPassword string) error {
	return m.Called(ctx, token, newPassword).Error(0)
}

func (m *mockService) IsTrustedOrigin(origin string) bool {
	return m.matcher.Allows(origin)
}

type fixture struct {
	svc     *mockService
	metrics *observability.Metrics
	router  http.Handler
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	matcher, err := auth.NewOriginMatcher([]string{"http://localhost:3000", "https://*.vercel.app", "http://127.0.0.1:3000"})
	require.NoError(t, err)

	svc := &mockService{matcher: matcher}
	t.Cleanup(func() { svc.AssertExpectations(t) })

	logs := &bytes.Buffer{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := NewHandler(svc, Options{
		Metrics: metrics,
		Logger:  slog.New(slog.NewJSONHandler(logs, nil)),
	})
	return &fixture{svc: svc, metrics: metrics, router: h.Router(), logs: logs}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, BasePath+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) count(route, status string) float64 {
	return testutil.ToFloat64(f.metrics.AuthRequestsTotal.WithLabelValues(route, status))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func testUser() *auth.User {
	now := time.Now().UTC()
	return &auth.User{ID: ulid.Make(), Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}
}

func testSession(userID ulid.ULID, ttl time.Duration) *auth.Session {
	now := time.Now().UTC()
	return &auth.Session{ID: ulid.Make(), UserID: userID, TokenHash: "h", ExpiresAt: now.Add(ttl), CreatedAt: now, UpdatedAt: now}
}

func TestOK(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/ok", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.InDelta(t, 1, f.count("ok", "ok"), 0)
}

func TestSignUp(t *testing.T) {
	t.Run("auto sign-in sets cookie and token", func(t *testing.T) {
		f := newFixture(t)
		user := testUser()
		session := testSession(user.ID, 7*24*time.Hour)
		f.svc.On("SignUpEmail", mock.Anything, auth.SignUpInput{
			Name: "Ada", Email: "ada@example.com", Password: "correct horse", IPAddress: "192.0.2.1",
		}).Return(&auth.SignUpResult{User: user, Session: session, Token: "tok"}, nil)

		rec := f.do(t, http.MethodPost, "/sign-up/email",
			`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`,
			map[string]string{"Origin": "http://localhost:3000"})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, "tok", body["token"])
		assert.Equal(t, "ada@example.com", body["user"].(map[string]any)["email"])

		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.Equal(t, "tok", c.Value)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.Positive(t, c.MaxAge)
		assert.InDelta(t, 1, f.count("sign-up", "ok"), 0)
	})

	t.Run("without auto sign-in token is null", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignUpEmail", mock.Anything, mock.Anything).
			Return(&auth.SignUpResult{User: testUser()}, nil)

		rec := f.do(t, http.MethodPost, "/sign-up/email", `{"name":"Ada","email":"ada@example.com","password":"pw"}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Nil(t, body["token"])
		assert.Nil(t, sessionCookie(rec))
	})

	t.Run("existing user", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignUpEmail", mock.Anything, mock.Anything).
			Return(nil, oops.Code("AUTH_USER_ALREADY_EXISTS").Errorf("user already exists"))

		rec := f.do(t, http.MethodPost, "/sign-up/email", `{"name":"Ada","email":"ada@example.com","password":"pw"}`, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "AUTH_USER_ALREADY_EXISTS", decodeBody(t, rec)["code"])
		assert.InDelta(t, 1, f.count("sign-up", "AUTH_USER_ALREADY_EXISTS"), 0)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/sign-up/email", `{"name":`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["code"])
	})

	t.Run("empty body", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/sign-up/email", "", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["code"])
	})

	t.Run("oversized body", func(t *testing.T) {
		f := newFixture(t)
		big := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`

		rec := f.do(t, http.MethodPost, "/sign-up/email", big, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("internal error is logged and hidden", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignUpEmail", mock.Anything, mock.Anything).
			Return(nil, oops.Code("AUTH_SIGN_UP_FAILED").With("operation", "create user").Wrap(errors.New("db password=hunter2")))

		rec := f.do(t, http.MethodPost, "/sign-up/email", `{"name":"Ada","email":"ada@example.com","password":"pw"}`, nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "INTERNAL_ERROR", body["code"])
		assert.NotContains(t, rec.Body.String(), "hunter2")
		assert.Contains(t, f.logs.String(), "AUTH_SIGN_UP_FAILED")
		assert.InDelta(t, 1, f.count("sign-up", "INTERNAL_ERROR"), 0)
	})
}

func TestSignIn(t *testing.T) {
	t.Run("remember me by default", func(t *testing.T) {
		f := newFixture(t)
		user := testUser()
		session := testSession(user.ID, 7*24*time.Hour)
		f.svc.On("SignInEmail", mock.Anything, auth.SignInInput{
			Email: "ada@example.com", Password: "pw", RememberMe: true, UserAgent: "test-agent", IPAddress: "192.0.2.1",
		}).Return(session, "tok", nil)
		f.svc.On("GetSession", mock.Anything, "tok").Return(&auth.SessionWithUser{Session: session, User: user}, nil)

		rec := f.do(t, http.MethodPost, "/sign-in/email", `{"email":"ada@example.com","password":"pw"}`,
			map[string]string{"User-Agent": "test-agent"})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "tok", decodeBody(t, rec)["token"])
		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.Positive(t, c.MaxAge)
	})

	t.Run("without remember me the cookie is session scoped", func(t *testing.T) {
		f := newFixture(t)
		user := testUser()
		session := testSession(user.ID, 24*time.Hour)
		f.svc.On("SignInEmail", mock.Anything, mock.MatchedBy(func(in auth.SignInInput) bool {
			return !in.RememberMe
		})).Return(session, "tok", nil)
		f.svc.On("GetSession", mock.Anything, "tok").Return(&auth.SessionWithUser{Session: session, User: user}, nil)

		rec := f.do(t, http.MethodPost, "/sign-in/email", `{"email":"ada@example.com","password":"pw","rememberMe":false}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.Zero(t, c.MaxAge)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignInEmail", mock.Anything, mock.Anything).
			Return(nil, "", oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password"))

		rec := f.do(t, http.MethodPost, "/sign-in/email", `{"email":"ada@example.com","password":"nope"}`, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "AUTH_INVALID_CREDENTIALS", decodeBody(t, rec)["code"])
		assert.Nil(t, sessionCookie(rec))
		assert.InDelta(t, 1, f.count("sign-in", "AUTH_INVALID_CREDENTIALS"), 0)
	})

	t.Run("locked account", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignInEmail", mock.Anything, mock.Anything).
			Return(nil, "", oops.Code("AUTH_ACCOUNT_LOCKED").Errorf("account is locked"))

		rec := f.do(t, http.MethodPost, "/sign-in/email", `{"email":"ada@example.com","password":"pw"}`, nil)

		assert.Equal(t, http.StatusLocked, rec.Code)
	})
}

func TestOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		allowed bool
	}{
		{"no origin headers", nil, true},
		{"trusted origin", map[string]string{"Origin": "http://localhost:3000"}, true},
		{"loopback origin", map[string]string{"Origin": "http://127.0.0.1:3000"}, true},
		{"wildcard origin", map[string]string{"Origin": "https://preview123.vercel.app"}, true},
		{"trusted referer", map[string]string{"Referer": "http://localhost:3000/login?next=/"}, true},
		{"untrusted origin", map[string]string{"Origin": "https://evil.example.com"}, false},
		{"untrusted referer", map[string]string{"Referer": "https://evil.example.com/page"}, false},
		{"null origin", map[string]string{"Origin": "null"}, false},
		{"origin wins over referer", map[string]string{"Origin": "https://evil.example.com", "Referer": "http://localhost:3000/"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.allowed {
				f.svc.On("RequestPasswordReset", mock.Anything, "ada@example.com", "").Return(nil).Once()
			}

			rec := f.do(t, http.MethodPost, "/request-password-reset", `{"email":"ada@example.com"}`, tt.headers)

			if tt.allowed {
				assert.Equal(t, http.StatusOK, rec.Code)
				return
			}
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "INVALID_ORIGIN", decodeBody(t, rec)["code"])
			assert.InDelta(t, 1, f.count("origin-check", "INVALID_ORIGIN"), 0)
		})
	}

	t.Run("safe methods are not checked", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/ok", "", map[string]string{"Origin": "https://evil.example.com"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGetSession(t *testing.T) {
	t.Run("no token answers null", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodGet, "/get-session", "", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("cookie token", func(t *testing.T) {
		f := newFixture(t)
		user := testUser()
		session := testSession(user.ID, time.Hour)
		f.svc.On("GetSession", mock.Anything, "tok").Return(&auth.SessionWithUser{Session: session, User: user}, nil)

		rec := f.do(t, http.MethodGet, "/get-session", "", map[string]string{"Cookie": SessionCookieName + "=tok"})

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, session.ID.String(), body["session"].(map[string]any)["id"])
		assert.Equal(t, user.ID.String(), body["user"].(map[string]any)["id"])
		assert.NotContains(t, rec.Body.String(), "passwordHash")
	})

	t.Run("bearer token", func(t *testing.T) {
		f := newFixture(t)
		user := testUser()
		f.svc.On("GetSession", mock.Anything, "bearer-tok").
			Return(&auth.SessionWithUser{Session: testSession(user.ID, time.Hour), User: user}, nil)

		rec := f.do(t, http.MethodGet, "/get-session", "", map[string]string{"Authorization": "Bearer bearer-tok"})

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired session clears cookie", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("GetSession", mock.Anything, "tok").Return(nil, oops.Code("SESSION_EXPIRED").Errorf("session has expired"))

		rec := f.do(t, http.MethodGet, "/get-session", "", map[string]string{"Cookie": SessionCookieName + "=tok"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.Negative(t, c.MaxAge)
	})

	t.Run("lookup failure", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("GetSession", mock.Anything, "tok").
			Return(nil, oops.Code("SESSION_VALIDATE_FAILED").Wrap(errors.New("connection reset")))

		rec := f.do(t, http.MethodGet, "/get-session", "", map[string]string{"Cookie": SessionCookieName + "=tok"})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestSignOut(t *testing.T) {
	t.Run("deletes session and clears cookie", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("SignOut", mock.Anything, "tok").Return(nil)

		rec := f.do(t, http.MethodPost, "/sign-out", "", map[string]string{"Cookie": SessionCookieName + "=tok"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.Empty(t, c.Value)
	})

	t.Run("without a token", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/sign-out", "", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestPasswordReset(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("RequestPasswordReset", mock.Anything, "ada@example.com", "http://localhost:3000/reset").Return(nil)

		rec := f.do(t, http.MethodPost, "/request-password-reset",
			`{"email":"ada@example.com","redirectTo":"http://localhost:3000/reset"}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":true}`, rec.Body.String())
	})

	t.Run("untrusted redirect", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("RequestPasswordReset", mock.Anything, mock.Anything, mock.Anything).
			Return(oops.Code("AUTH_INVALID_REDIRECT").Errorf("redirect URL is not on a trusted origin"))

		rec := f.do(t, http.MethodPost, "/request-password-reset",
			`{"email":"ada@example.com","redirectTo":"https://evil.example.com"}`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "AUTH_INVALID_REDIRECT", decodeBody(t, rec)["code"])
	})

	t.Run("reset with body token", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("ResetPassword", mock.Anything, "reset-tok", "new password").Return(nil)

		rec := f.do(t, http.MethodPost, "/reset-password", `{"token":"reset-tok","newPassword":"new password"}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("reset with query token", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("ResetPassword", mock.Anything, "query-tok", "new password").Return(nil)

		rec := f.do(t, http.MethodPost, "/reset-password?token=query-tok", `{"newPassword":"new password"}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.svc.On("ResetPassword", mock.Anything, "old", "new password").
			Return(oops.Code("RESET_TOKEN_EXPIRED").Errorf("reset token has expired"))

		rec := f.do(t, http.MethodPost, "/reset-password", `{"token":"old","newPassword":"new password"}`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "RESET_TOKEN_EXPIRED", decodeBody(t, rec)["code"])
	})
}

func TestSecureCookies(t *testing.T) {
	matcher, err := auth.NewOriginMatcher([]string{"https://app.example.com"})
	require.NoError(t, err)
	svc := &mockService{matcher: matcher}
	svc.On("SignOut", mock.Anything, "tok").Return(nil)

	router := NewHandler(svc, Options{SecureCookies: true}).Router()
	req := httptest.NewRequest(http.MethodPost, BasePath+"/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	c := sessionCookie(rec)
	require.NotNil(t, c)
	assert.True(t, c.Secure)
}
