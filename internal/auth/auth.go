// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"log/slog"
	"slices"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/holomush/authsvc/internal/auth"

// Auth is the authentication service handle. It is immutable after New and
// safe for concurrent use.
type Auth struct {
	provider      string
	users         UserRepository
	sessions      SessionRepository
	resets        PasswordResetRepository
	cache         SessionCache
	hasher        PasswordHasher
	origins       []string
	matcher       *OriginMatcher
	emailPassword EmailAndPasswordOptions
	sessionOpts   SessionOptions
	resetPassword ResetPasswordOptions
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New validates opts and builds an Auth handle. Any invalid option is an
// error; callers are expected to abort startup on failure.
func New(opts Options) (*Auth, error) {
	if opts.Database == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("database adapter is required")
	}
	if p := opts.Database.Provider(); p != ProviderPostgreSQL {
		return nil, oops.Code("AUTH_CONFIG_INVALID").
			With("provider", p).
			Errorf("unsupported database provider %q", p)
	}
	if opts.Database.Users() == nil || opts.Database.Sessions() == nil || opts.Database.Resets() == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("database adapter must provide all repositories")
	}
	if len(opts.TrustedOrigins) == 0 {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("at least one trusted origin is required")
	}

	opts.applyDefaults()

	ep := opts.EmailAndPassword
	if ep.MinPasswordLength < 1 || ep.MaxPasswordLength < ep.MinPasswordLength {
		return nil, oops.Code("AUTH_CONFIG_INVALID").
			With("min", ep.MinPasswordLength).
			With("max", ep.MaxPasswordLength).
			Errorf("invalid password length bounds")
	}
	if opts.Session.ExpiresIn < 0 || opts.Session.UpdateAge < 0 {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("session durations cannot be negative")
	}

	matcher, err := NewOriginMatcher(opts.TrustedOrigins)
	if err != nil {
		// Errorf keeps AUTH_CONFIG_INVALID as the reported code.
		return nil, oops.Code("AUTH_CONFIG_INVALID").
			With("operation", "compile trusted origins").
			Errorf("invalid trusted origins: %v", err)
	}

	return &Auth{
		provider:      opts.Database.Provider(),
		users:         opts.Database.Users(),
		sessions:      opts.Database.Sessions(),
		resets:        opts.Database.Resets(),
		cache:         opts.SecondaryStorage,
		hasher:        opts.Hasher,
		origins:       slices.Clone(opts.TrustedOrigins),
		matcher:       matcher,
		emailPassword: ep,
		sessionOpts:   opts.Session,
		resetPassword: opts.ResetPassword,
		logger:        opts.Logger,
		tracer:        otel.Tracer(tracerName),
	}, nil
}

// Provider returns the database provider name.
func (a *Auth) Provider() string { return a.provider }

// TrustedOrigins returns a copy of the configured origin allow-list.
func (a *Auth) TrustedOrigins() []string { return slices.Clone(a.origins) }

// IsTrustedOrigin reports whether origin is in the allow-list.
func (a *Auth) IsTrustedOrigin(origin string) bool { return a.matcher.Allows(origin) }

// EmailAndPassword returns the effective email/password policy.
func (a *Auth) EmailAndPassword() EmailAndPasswordOptions { return a.emailPassword }

// SessionOptions returns the effective session lifetimes.
func (a *Auth) SessionOptions() SessionOptions { return a.sessionOpts }

// PasswordResetEnabled reports whether a reset sender is configured.
func (a *Auth) PasswordResetEnabled() bool { return a.resetPassword.Send != nil }
