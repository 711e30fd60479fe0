// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package web exposes the auth service over HTTP under /api/auth.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/internal/observability"
)

// BasePath is where the auth API is mounted.
const BasePath = "/api/auth"

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "authsvc.session_token"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is the subset of *auth.Auth the handlers use.
type Service interface {
	SignUpEmail(ctx context.Context, in auth.SignUpInput) (*auth.SignUpResult, error)
	SignInEmail(ctx context.Context, in auth.SignInInput) (*auth.Session, string, error)
	GetSession(ctx context.Context, token string) (*auth.SessionWithUser, error)
	SignOut(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email, redirectURL string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	IsTrustedOrigin(origin string) bool
}

// Options configures a Handler.
type Options struct {
	// SecureCookies marks the session cookie Secure. Set it when the app is
	// served over https.
	SecureCookies bool

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Handler serves the auth API.
type Handler struct {
	svc     Service
	secure  bool
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandler creates a Handler over svc.
func NewHandler(svc Service, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, secure: opts.SecureCookies, metrics: opts.Metrics, logger: logger}
}

// Router returns a router with the auth API mounted at BasePath.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)
	r.Mount(BasePath, h.Routes())
	return r
}

// Routes returns the auth API endpoints relative to BasePath.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.originCheck)

	r.Get("/ok", h.handle("ok", h.ok))
	r.Post("/sign-up/email", h.handle("sign-up", h.signUp))
	r.Post("/sign-in/email", h.handle("sign-in", h.signIn))
	r.Post("/sign-out", h.handle("sign-out", h.signOut))
	r.Get("/get-session", h.handle("get-session", h.getSession))
	r.Post("/request-password-reset", h.handle("request-password-reset", h.requestPasswordReset))
	r.Post("/reset-password", h.handle("reset-password", h.resetPassword))
	return r
}

// handlerFunc is an endpoint that reports failure by returning an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts fn to http.HandlerFunc, writing errors as JSON and counting
// the outcome under route.
func (h *Handler) handle(route string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := fn(w, r); err != nil {
			code := h.writeError(w, r, err)
			h.metrics.RecordRequest(route, code)
			return
		}
		h.metrics.RecordRequest(route, "ok")
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, persistent bool) {
	c := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if persistent {
		c.Expires = expiresAt
		c.MaxAge = max(int(time.Until(expiresAt).Seconds()), 1)
	}
	http.SetCookie(w, c)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionToken reads the token from the session cookie or a bearer
// Authorization header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// clientIP returns the request's remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
