// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SignUpInput is the request for SignUpEmail.
type SignUpInput struct {
	Name      string
	Email     string
	Password  string
	UserAgent string
	IPAddress string
}

// SignUpResult is the outcome of SignUpEmail. Session and Token are only set
// when auto sign-in is enabled.
type SignUpResult struct {
	User    *User
	Session *Session
	Token   string
}

// SignInInput is the request for SignInEmail.
type SignInInput struct {
	Email      string
	Password   string
	RememberMe bool
	UserAgent  string
	IPAddress  string
}

// SessionWithUser is a resolved session together with its user.
type SessionWithUser struct {
	Session *Session
	User    *User
}

// dummyPasswordHash is verified when a user doesn't exist so that unknown
// emails take as long as wrong passwords. It never matches any password.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// SignUpEmail registers a user with email and password. With auto sign-in
// enabled the new user is also signed in.
func (a *Auth) SignUpEmail(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	ctx, span := a.tracer.Start(ctx, "auth.SignUpEmail")
	defer span.End()

	if !a.emailPassword.Enabled {
		return nil, oops.Code("AUTH_EMAIL_PASSWORD_DISABLED").Errorf("email and password sign-up is not enabled")
	}

	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := a.checkPasswordLength(in.Password); err != nil {
		return nil, err
	}

	_, err = a.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, oops.Code("AUTH_USER_ALREADY_EXISTS").With("email", email).Errorf("user already exists")
	case !errors.Is(err, ErrNotFound):
		return nil, oops.Code("AUTH_SIGN_UP_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code("AUTH_SIGN_UP_FAILED").With("operation", "hash password").Wrap(err)
	}

	user, err := NewUser(in.Name, email, hash)
	if err != nil {
		return nil, err
	}

	if err := a.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, oops.Code("AUTH_USER_ALREADY_EXISTS").With("email", email).Errorf("user already exists")
		}
		return nil, oops.Code("AUTH_SIGN_UP_FAILED").With("operation", "create user").Wrap(err)
	}

	a.logger.InfoContext(ctx, "user signed up", "user_id", user.ID.String())

	result := &SignUpResult{User: user}
	if !a.emailPassword.AutoSignIn {
		return result, nil
	}

	session, token, err := a.createSession(ctx, user.ID, a.sessionOpts.ExpiresIn, in.UserAgent, in.IPAddress)
	if err != nil {
		return nil, err
	}
	result.Session = session
	result.Token = token
	return result, nil
}

// SignInEmail authenticates a user and creates a session.
// Returns the session, plaintext token, and any error.
func (a *Auth) SignInEmail(ctx context.Context, in SignInInput) (*Session, string, error) {
	ctx, span := a.tracer.Start(ctx, "auth.SignInEmail")
	defer span.End()

	if !a.emailPassword.Enabled {
		return nil, "", oops.Code("AUTH_EMAIL_PASSWORD_DISABLED").Errorf("email and password sign-in is not enabled")
	}

	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, "", oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password")
	}

	user, lookupErr := a.users.GetByEmail(ctx, email)

	var targetHash string
	userExists := false
	switch {
	case lookupErr == nil:
		targetHash = user.PasswordHash
		userExists = true
	case errors.Is(lookupErr, ErrNotFound):
		targetHash = dummyPasswordHash
	default:
		return nil, "", oops.Code("AUTH_SIGN_IN_FAILED").
			With("operation", "get user by email").
			Wrap(lookupErr)
	}

	valid, verifyErr := a.hasher.Verify(in.Password, targetHash)
	if verifyErr != nil {
		if !userExists {
			return nil, "", oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password")
		}
		return nil, "", oops.Code("AUTH_SIGN_IN_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	if !userExists || !valid {
		// Failures during an active lockout do not extend it.
		if userExists && !user.IsLocked() {
			user.RecordFailure()
			if err := a.users.Update(ctx, user); err != nil {
				a.logger.WarnContext(ctx, "failed to record sign-in failure",
					"user_id", user.ID.String(), "error", err)
			}
		}
		return nil, "", oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password")
	}

	// Lockout is checked after verification so both paths cost the same.
	if user.IsLocked() {
		return nil, "", oops.Code("AUTH_ACCOUNT_LOCKED").
			With("locked_until", user.LockedUntil).
			Errorf("account is temporarily locked")
	}

	user.RecordSuccess()
	if a.hasher.NeedsUpgrade(user.PasswordHash) {
		if newHash, err := a.hasher.Hash(in.Password); err == nil {
			user.PasswordHash = newHash
		}
	}
	if err := a.users.Update(ctx, user); err != nil {
		a.logger.WarnContext(ctx, "failed to reset sign-in failures",
			"user_id", user.ID.String(), "error", err)
	}

	expiresIn := a.sessionOpts.ExpiresIn
	if !in.RememberMe {
		expiresIn = min(expiresIn, ShortSessionExpiresIn)
	}
	return a.createSession(ctx, user.ID, expiresIn, in.UserAgent, in.IPAddress)
}

// GetSession resolves a session token. Sessions older than UpdateAge get
// their expiry extended.
func (a *Auth) GetSession(ctx context.Context, token string) (*SessionWithUser, error) {
	ctx, span := a.tracer.Start(ctx, "auth.GetSession")
	defer span.End()

	if token == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}
	tokenHash := HashSessionToken(token)

	session, cached, err := a.lookupSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_INVALID").Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	now := time.Now()
	if session.IsExpiredAt(now) {
		a.dropSession(ctx, session)
		return nil, oops.Code("SESSION_EXPIRED").Errorf("session has expired")
	}

	user, err := a.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.dropSession(ctx, session)
			return nil, oops.Code("SESSION_INVALID").Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}

	if session.NeedsRefreshAt(now, a.sessionOpts.UpdateAge) {
		expiresAt := now.Add(a.sessionOpts.ExpiresIn)
		if err := a.sessions.UpdateExpiry(ctx, session.ID, expiresAt, now); err != nil {
			a.logger.WarnContext(ctx, "failed to refresh session", "session_id", session.ID.String(), "error", err)
		} else {
			session.ExpiresAt = expiresAt
			session.UpdatedAt = now
			cached = false
		}
	}
	if !cached {
		a.cacheSession(ctx, session)
	}

	return &SessionWithUser{Session: session, User: user}, nil
}

// SignOut deletes the session for token. Unknown tokens are not an error.
func (a *Auth) SignOut(ctx context.Context, token string) error {
	ctx, span := a.tracer.Start(ctx, "auth.SignOut")
	defer span.End()

	if token == "" {
		return oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}
	tokenHash := HashSessionToken(token)
	a.evictSession(ctx, tokenHash)

	session, err := a.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("AUTH_SIGN_OUT_FAILED").With("operation", "get session by token hash").Wrap(err)
	}
	if err := a.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("AUTH_SIGN_OUT_FAILED").
			With("operation", "delete session").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	return nil
}

// RevokeSessions signs a user out everywhere.
func (a *Auth) RevokeSessions(ctx context.Context, userID ulid.ULID) error {
	ctx, span := a.tracer.Start(ctx, "auth.RevokeSessions")
	defer span.End()

	if a.cache != nil {
		sessions, err := a.sessions.GetByUser(ctx, userID)
		if err != nil {
			return oops.Code("AUTH_REVOKE_FAILED").
				With("operation", "list sessions").
				With("user_id", userID.String()).
				Wrap(err)
		}
		for _, s := range sessions {
			a.evictSession(ctx, s.TokenHash)
		}
	}
	if err := a.sessions.DeleteByUser(ctx, userID); err != nil {
		return oops.Code("AUTH_REVOKE_FAILED").
			With("operation", "delete sessions").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// CleanupExpiredSessions removes expired sessions and reset tokens and
// returns the number of sessions removed.
func (a *Auth) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	ctx, span := a.tracer.Start(ctx, "auth.CleanupExpiredSessions")
	defer span.End()

	n, err := a.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("AUTH_CLEANUP_FAILED").With("operation", "delete expired sessions").Wrap(err)
	}
	if _, err := a.resets.DeleteExpired(ctx); err != nil {
		return n, oops.Code("AUTH_CLEANUP_FAILED").With("operation", "delete expired resets").Wrap(err)
	}
	return n, nil
}

func (a *Auth) checkPasswordLength(password string) error {
	n := utf8.RuneCountInString(password)
	if n < a.emailPassword.MinPasswordLength {
		return oops.Code("AUTH_PASSWORD_TOO_SHORT").
			With("min", a.emailPassword.MinPasswordLength).
			Errorf("password must be at least %d characters", a.emailPassword.MinPasswordLength)
	}
	if n > a.emailPassword.MaxPasswordLength {
		return oops.Code("AUTH_PASSWORD_TOO_LONG").
			With("max", a.emailPassword.MaxPasswordLength).
			Errorf("password must be at most %d characters", a.emailPassword.MaxPasswordLength)
	}
	return nil
}

func (a *Auth) createSession(ctx context.Context, userID ulid.ULID, expiresIn time.Duration, userAgent, ipAddress string) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("AUTH_SESSION_CREATE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	session, err := NewSession(userID, tokenHash, userAgent, ipAddress, time.Now().Add(expiresIn))
	if err != nil {
		return nil, "", oops.Code("AUTH_SESSION_CREATE_FAILED").
			With("operation", "build session").
			Wrap(err)
	}

	if err := a.sessions.Create(ctx, session); err != nil {
		return nil, "", oops.Code("AUTH_SESSION_CREATE_FAILED").
			With("operation", "persist session").
			Wrap(err)
	}
	a.cacheSession(ctx, session)

	return session, token, nil
}

// lookupSession consults the cache before the database. cached reports
// whether the session came from the cache.
func (a *Auth) lookupSession(ctx context.Context, tokenHash string) (session *Session, cached bool, err error) {
	if a.cache != nil {
		session, err = a.cache.Get(ctx, tokenHash)
		if err == nil {
			return session, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			a.logger.WarnContext(ctx, "session cache lookup failed", "error", err)
		}
	}
	session, err = a.sessions.GetByTokenHash(ctx, tokenHash)
	return session, false, err
}

func (a *Auth) cacheSession(ctx context.Context, session *Session) {
	if a.cache == nil {
		return
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := a.cache.Set(ctx, session, ttl); err != nil {
		a.logger.WarnContext(ctx, "failed to cache session", "session_id", session.ID.String(), "error", err)
	}
}

func (a *Auth) evictSession(ctx context.Context, tokenHash string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, tokenHash); err != nil {
		a.logger.WarnContext(ctx, "failed to evict cached session", "error", err)
	}
}

// dropSession removes a dead session from the cache and the database, best effort.
func (a *Auth) dropSession(ctx context.Context, session *Session) {
	a.evictSession(ctx, session.TokenHash)
	if err := a.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		a.logger.WarnContext(ctx, "failed to delete dead session", "session_id", session.ID.String(), "error", err)
	}
}
