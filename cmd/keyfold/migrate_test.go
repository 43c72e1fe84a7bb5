// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCommand_Properties(t *testing.T) {
	cmd := NewMigrateCmd()

	assert.Equal(t, "migrate", cmd.Use)
	assert.Contains(t, cmd.Short, "migration", "Short description should mention migrations")
	assert.Contains(t, cmd.Long, "PostgreSQL", "Long description should mention PostgreSQL")
}

func TestMigrateCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"migrate", "--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"up", "down", "status", "force"} {
		assert.Contains(t, output, sub, "Help missing %q subcommand", sub)
	}
	assert.Contains(t, output, "--database-url", "Help missing --database-url flag")
	assert.Contains(t, output, "--config", "Help missing global --config flag")
}

func TestMigrateCommand_NoDatabaseURL(t *testing.T) {
	subcommands := []string{"up", "down", "status"}

	for _, sub := range subcommands {
		t.Run(sub, func(t *testing.T) {
			// Ensure the env fallback does not supply a URL
			t.Setenv("DATABASE_URL", "")
			configFile = ""

			cmd := NewRootCmd()
			buf := new(bytes.Buffer)
			errBuf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(errBuf)
			cmd.SetArgs([]string{"migrate", sub})

			err := cmd.Execute()
			require.Error(t, err, "Expected error when no database URL is configured")
			assert.Contains(t, err.Error(), "database.url")
		})
	}
}

func TestMigrateCommand_InvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "invalid://not-a-real-db")
	configFile = ""

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"migrate", "up"})

	err := cmd.Execute()
	require.Error(t, err, "Expected error with invalid database URL")

	// golang-migrate rejects the unregistered scheme before dialing
	assert.Contains(t, err.Error(), "unknown driver", "Error should mention the unknown driver, got: %v", err)
}

func TestMigrateForce_InvalidVersion(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"migrate", "force", "abc"})

	// The argument is rejected before any database work
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version must be an integer")
}

func TestMigrateForce_RequiresArgument(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"migrate", "force"})

	err := cmd.Execute()
	require.Error(t, err, "Expected error when force is called without a version")
}

func TestMigrateDown_AllFlag(t *testing.T) {
	migrate := NewMigrateCmd()

	var down *cobra.Command
	for _, sub := range migrate.Commands() {
		if sub.Name() == "down" {
			down = sub
			break
		}
	}
	require.NotNil(t, down, "migrate should have a down subcommand")

	all, err := down.Flags().GetBool("all")
	require.NoError(t, err)
	assert.False(t, all, "down --all should default to false")
}
