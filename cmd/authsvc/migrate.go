// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authsvc/internal/store"
)

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Force(version int) error
	Status() (store.MigrationStatus, error)
	Close() error
}

// MigrateDeps contains injectable dependencies for the migrate command.
// All fields with nil values will use their default implementations.
type MigrateDeps struct {
	// NewMigrator creates a migrator for a database URL.
	// Default: store.NewMigrator
	NewMigrator func(databaseURL string) (Migrator, error)

	// WaitForDatabase blocks until the database accepts connections.
	// Default: store.WaitForDatabase over a pgx connection.
	WaitForDatabase func(ctx context.Context, databaseURL string, timeout time.Duration) error
}

func (d *MigrateDeps) applyDefaults() {
	if d.NewMigrator == nil {
		d.NewMigrator = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if d.WaitForDatabase == nil {
		d.WaitForDatabase = func(ctx context.Context, databaseURL string, timeout time.Duration) error {
			return store.WaitForDatabase(ctx, connPinger(databaseURL), timeout)
		}
	}
}

// connPinger pings by opening a short-lived connection.
type connPinger string

func (u connPinger) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, string(u))
	if err != nil {
		return err //nolint:wrapcheck // retried and wrapped by WaitForDatabase
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx) //nolint:wrapcheck // retried and wrapped by WaitForDatabase
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(&MigrateDeps{})
}

func newMigrateCmd(deps *MigrateDeps) *cobra.Command {
	deps.applyDefaults()
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Apply, roll back or inspect the auth schema migrations. Without a subcommand all pending migrations are applied.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, wait, migrateUp)
		},
	}
	cmd.PersistentFlags().DurationVar(&wait, "wait", 0, "wait up to this long for the database to accept connections")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, wait, migrateUp)
		},
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations, dropping every auth table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return oops.Code("CONFIRMATION_REQUIRED").Errorf("migrate down drops all auth data; pass --yes to confirm")
			}
			return withMigrator(cmd, deps, wait, func(cmd *cobra.Command, m Migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				cmd.PrintErrln("All migrations rolled back")
				return nil
			})
		},
	}
	down.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all auth tables")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:     "version",
		Aliases: []string{"status"},
		Short:   "Show the current migration version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, wait, printStatus)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the recorded version without running migrations",
		Long:  `Set the recorded migration version and clear the dirty flag. Use after repairing a failed migration by hand.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_VERSION").With("version", args[0]).Wrap(err)
			}
			return withMigrator(cmd, deps, wait, func(cmd *cobra.Command, m Migrator) error {
				if err := m.Force(version); err != nil {
					return err
				}
				cmd.PrintErrf("Forced migration version to %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

func migrateUp(cmd *cobra.Command, m Migrator) error {
	cmd.PrintErrln("Running migrations...")
	if err := m.Up(); err != nil {
		return err
	}
	cmd.PrintErrln("Migrations completed successfully")
	return printStatus(cmd, m)
}

func printStatus(cmd *cobra.Command, m Migrator) error {
	status, err := m.Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	name := status.Name
	if name == "" {
		name = "none"
	}
	fmt.Fprintf(out, "version: %d (%s)\n", status.Version, name)
	fmt.Fprintf(out, "dirty: %t\n", status.Dirty)
	fmt.Fprintf(out, "pending: %d\n", len(status.Pending))
	return nil
}

func withMigrator(cmd *cobra.Command, deps *MigrateDeps, wait time.Duration, fn func(*cobra.Command, Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return oops.Code("DATABASE_URL_MISSING").Errorf("database URL is required (set DATABASE_URL or --database-url)")
	}

	if wait > 0 {
		cmd.PrintErrln("Waiting for database...")
		if err := deps.WaitForDatabase(cmd.Context(), cfg.Database.URL, wait); err != nil {
			return err
		}
	}

	m, err := deps.NewMigrator(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			cmd.PrintErrln("warning: closing migrator:", closeErr)
		}
	}()
	return fn(cmd, m)
}
