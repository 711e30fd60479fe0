// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres provides the PostgreSQL auth adapter and its repositories.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/holomush/authsvc/internal/auth"
)

// DB is the query surface the repositories need. *pgxpool.Pool, pgx.Tx and
// pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Adapter binds the auth service to a PostgreSQL database.
type Adapter struct {
	users    *UserRepository
	sessions *SessionRepository
	resets   *PasswordResetRepository
}

// NewAdapter creates an Adapter whose repositories share db.
func NewAdapter(db DB) *Adapter {
	return &Adapter{
		users:    NewUserRepository(db),
		sessions: NewSessionRepository(db),
		resets:   NewPasswordResetRepository(db),
	}
}

// Provider returns auth.ProviderPostgreSQL.
func (a *Adapter) Provider() string { return auth.ProviderPostgreSQL }

// Users returns the user repository.
func (a *Adapter) Users() auth.UserRepository { return a.users }

// Sessions returns the session repository.
func (a *Adapter) Sessions() auth.SessionRepository { return a.sessions }

// Resets returns the password reset repository.
func (a *Adapter) Resets() auth.PasswordResetRepository { return a.resets }

var _ auth.Adapter = (*Adapter)(nil)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}
