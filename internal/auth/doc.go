// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides email/password authentication for the web application.
//
// # Construction
//
// An Auth handle is created once at startup with New and an Options value:
//   - Database - an Adapter binding a connection to a provider ("postgresql")
//   - TrustedOrigins - the origin allow-list, see TrustedOriginsFromEnv
//   - EmailAndPassword - sign-in policy (enabled, auto sign-in after sign-up)
//
// The returned handle is read-only and safe for concurrent use. All
// persistence goes through the adapter's repositories.
//
// # Domain Types
//
// Domain types (User, Session, PasswordReset) should be created using their
// constructors (NewUser, NewSession, NewPasswordReset). Direct struct
// initialization bypasses validation and may create invalid state.
package auth
