// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"time"
)

// ProviderPostgreSQL is the only supported database provider.
const ProviderPostgreSQL = "postgresql"

// Password length defaults.
const (
	DefaultMinPasswordLength = 8
	DefaultMaxPasswordLength = 128
)

// Session lifetime defaults.
const (
	DefaultSessionExpiresIn = 7 * 24 * time.Hour
	DefaultSessionUpdateAge = 24 * time.Hour

	// ShortSessionExpiresIn applies when a user signs in without "remember me".
	ShortSessionExpiresIn = 24 * time.Hour
)

// Adapter binds a database connection to a provider and exposes the
// repositories the auth service persists through.
type Adapter interface {
	Provider() string
	Users() UserRepository
	Sessions() SessionRepository
	Resets() PasswordResetRepository
}

// EmailAndPasswordOptions is the email/password sign-in policy.
type EmailAndPasswordOptions struct {
	// Enabled turns on the email/password sign-up and sign-in operations.
	Enabled bool

	// AutoSignIn creates a session as part of sign-up.
	AutoSignIn bool

	// MinPasswordLength and MaxPasswordLength bound new passwords.
	// Zero selects the defaults.
	MinPasswordLength int
	MaxPasswordLength int
}

// SessionOptions controls session lifetime.
type SessionOptions struct {
	// ExpiresIn is the lifetime of a new or refreshed session.
	ExpiresIn time.Duration

	// UpdateAge is how old a session may get before a lookup extends it.
	UpdateAge time.Duration
}

// ResetPasswordSender delivers a password reset link to a user.
type ResetPasswordSender func(ctx context.Context, user *User, resetURL, token string) error

// ResetPasswordOptions enables the password reset flow.
type ResetPasswordOptions struct {
	// Send delivers the reset link. Password reset is disabled when nil.
	Send ResetPasswordSender

	// TokenExpiry overrides ResetTokenExpiry when positive.
	TokenExpiry time.Duration
}

// Options configures New.
type Options struct {
	Database         Adapter
	TrustedOrigins   []string
	EmailAndPassword EmailAndPasswordOptions
	Session          SessionOptions
	ResetPassword    ResetPasswordOptions

	// SecondaryStorage caches sessions in front of the database. Optional.
	SecondaryStorage SessionCache

	// Hasher defaults to NewArgon2idHasher.
	Hasher PasswordHasher

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.EmailAndPassword.MinPasswordLength == 0 {
		o.EmailAndPassword.MinPasswordLength = DefaultMinPasswordLength
	}
	if o.EmailAndPassword.MaxPasswordLength == 0 {
		o.EmailAndPassword.MaxPasswordLength = DefaultMaxPasswordLength
	}
	if o.Session.ExpiresIn == 0 {
		o.Session.ExpiresIn = DefaultSessionExpiresIn
	}
	if o.Session.UpdateAge == 0 {
		o.Session.UpdateAge = DefaultSessionUpdateAge
	}
	if o.ResetPassword.TokenExpiry <= 0 {
		o.ResetPassword.TokenExpiry = ResetTokenExpiry
	}
	if o.Hasher == nil {
		o.Hasher = NewArgon2idHasher()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
