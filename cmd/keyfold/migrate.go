// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/database"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Apply, roll back and inspect schema migrations on the PostgreSQL database.`,
	}

	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Long: `Roll back the most recent migration. With --all, roll back every
migration; this drops all tables and data.`,
		RunE: runMigrateDown,
	}
	down.Flags().Bool("all", false, "roll back all migrations instead of one")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE:  runMigrateStatus,
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the migration version without running migrations",
		Long: `Set the recorded migration version without running any migrations.
Use only to recover from a dirty state after repairing the database by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: runMigrateForce,
	}

	cmd.AddCommand(up, down, status, force)
	return cmd
}

// openMigrator resolves the database URL and creates a migrator for it.
func openMigrator(cmd *cobra.Command) (*database.Migrator, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, oops.Code("CONFIG_INVALID").
			Errorf("database.url is required (set --database-url, the config file, or DATABASE_URL)")
	}

	migrator, err := database.NewMigrator(cfg.Database.URL)
	if err != nil {
		return nil, oops.With("operation", "create migrator").Wrap(err)
	}
	return migrator, nil
}

func closeMigrator(m *database.Migrator) {
	if err := m.Close(); err != nil {
		slog.Warn("failed to close migrator", "error", err)
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	migrator, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(migrator)

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return oops.With("operation", "run migrations").Wrap(err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return oops.With("operation", "read migration version").Wrap(err)
	}
	if dirty {
		return oops.Code("MIGRATION_DIRTY").
			Errorf("database is dirty at version %d; repair it and run 'migrate force'", version)
	}

	cmd.Printf("Migrations completed successfully (version %d)\n", version)
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return oops.With("operation", "read flags").Wrap(err)
	}

	migrator, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(migrator)

	if all {
		cmd.Println("Rolling back all migrations...")
		if err := migrator.Down(); err != nil {
			return oops.With("operation", "roll back migrations").Wrap(err)
		}
		cmd.Println("All migrations rolled back")
		return nil
	}

	cmd.Println("Rolling back one migration...")
	if err := migrator.Steps(-1); err != nil {
		return oops.With("operation", "roll back migration").Wrap(err)
	}

	version, _, err := migrator.Version()
	if err != nil {
		return oops.With("operation", "read migration version").Wrap(err)
	}
	cmd.Printf("Rolled back to version %d\n", version)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	migrator, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(migrator)

	version, dirty, err := migrator.Version()
	if err != nil {
		return oops.With("operation", "read migration version").Wrap(err)
	}

	switch {
	case dirty:
		cmd.Printf("Current version: %d (dirty)\n", version)
	case version == 0:
		cmd.Println("Current version: none")
	default:
		cmd.Printf("Current version: %d\n", version)
	}

	applied, err := migrator.AppliedMigrations()
	if err != nil {
		return oops.With("operation", "list applied migrations").Wrap(err)
	}
	pending, err := migrator.PendingMigrations()
	if err != nil {
		return oops.With("operation", "list pending migrations").Wrap(err)
	}

	cmd.Printf("Applied: %d\n", len(applied))
	for _, v := range applied {
		name, err := database.MigrationName(v)
		if err != nil {
			return oops.With("operation", "resolve migration name").Wrap(err)
		}
		cmd.Printf("  %s\n", name)
	}

	cmd.Printf("Pending: %d\n", len(pending))
	for _, v := range pending {
		name, err := database.MigrationName(v)
		if err != nil {
			return oops.With("operation", "resolve migration name").Wrap(err)
		}
		cmd.Printf("  %s\n", name)
	}

	return nil
}

func runMigrateForce(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return oops.Code("INVALID_VERSION").Errorf("version must be an integer, got %q", args[0])
	}

	migrator, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(migrator)

	if err := migrator.Force(version); err != nil {
		return oops.With("operation", "force migration version").Wrap(err)
	}

	cmd.Printf("Migration version forced to %d\n", version)
	return nil
}
