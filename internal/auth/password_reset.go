// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/samber/oops"
)

// RequestPasswordReset issues a reset token for email and hands a reset link
// to the configured sender. Unknown emails succeed silently so callers cannot
// probe which addresses are registered. redirectURL must be on a trusted
// origin; when empty the link points at the first trusted origin.
func (a *Auth) RequestPasswordReset(ctx context.Context, email, redirectURL string) error {
	ctx, span := a.tracer.Start(ctx, "auth.RequestPasswordReset")
	defer span.End()

	if a.resetPassword.Send == nil {
		return oops.Code("AUTH_RESET_DISABLED").Errorf("password reset is not enabled")
	}

	base, err := a.resetBaseURL(redirectURL)
	if err != nil {
		return err
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}

	user, err := a.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "get user by email").Wrap(err)
	}

	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "generate reset token").Wrap(err)
	}

	reset, err := NewPasswordReset(user.ID, tokenHash, time.Now().Add(a.resetPassword.TokenExpiry))
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "build reset").Wrap(err)
	}
	if err := a.resets.Create(ctx, reset); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "persist reset").Wrap(err)
	}

	q := base.Query()
	q.Set("token", token)
	base.RawQuery = q.Encode()

	if err := a.resetPassword.Send(ctx, user, base.String(), token); err != nil {
		return oops.Code("RESET_SEND_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

// ResetPassword sets a new password using a reset token, then invalidates
// every reset token and session the user has. The token is consumed before
// the password changes, so it can be used at most once even when the
// update fails.
func (a *Auth) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := a.tracer.Start(ctx, "auth.ResetPassword")
	defer span.End()

	if token == "" {
		return oops.Code("RESET_TOKEN_EMPTY").Errorf("reset token cannot be empty")
	}
	if err := a.checkPasswordLength(newPassword); err != nil {
		return err
	}

	reset, err := a.resets.Consume(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token not found")
		}
		return oops.Code("RESET_VALIDATE_FAILED").With("operation", "consume reset token").Wrap(err)
	}
	if reset.IsExpired() {
		return oops.Code("RESET_TOKEN_EXPIRED").Errorf("reset token has expired")
	}

	hash, err := a.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}
	if err := a.users.UpdatePassword(ctx, reset.UserID, hash); err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "update password").Wrap(err)
	}

	if err := a.resets.DeleteByUser(ctx, reset.UserID); err != nil {
		a.logger.WarnContext(ctx, "failed to delete reset tokens", "user_id", reset.UserID.String(), "error", err)
	}
	if err := a.RevokeSessions(ctx, reset.UserID); err != nil {
		a.logger.WarnContext(ctx, "failed to revoke sessions after password reset",
			"user_id", reset.UserID.String(), "error", err)
	}
	return nil
}

func (a *Auth) resetBaseURL(redirectURL string) (*url.URL, error) {
	if redirectURL == "" {
		u, err := url.Parse(a.origins[0])
		if err != nil {
			return nil, oops.Code("AUTH_INVALID_REDIRECT").Wrap(err)
		}
		u.Path = "/reset-password"
		return u, nil
	}
	if !a.matcher.Allows(redirectURL) {
		return nil, oops.Code("AUTH_INVALID_REDIRECT").
			With("redirect_url", redirectURL).
			Errorf("redirect URL is not on a trusted origin")
	}
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_REDIRECT").Wrap(err)
	}
	return u, nil
}
