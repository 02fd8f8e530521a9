// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/pkg/errutil"
)

type fakeMigrator struct {
	version   uint
	dirty     bool
	pending   []uint
	upErr     error
	downErr   error
	forceErr  error
	calls     []string
	forcedTo  int
	closeErr  error
	closeDone bool
}

func (m *fakeMigrator) Up() error {
	m.calls = append(m.calls, "up")
	return m.upErr
}

func (m *fakeMigrator) Down() error {
	m.calls = append(m.calls, "down")
	return m.downErr
}

func (m *fakeMigrator) Version() (uint, bool, error) {
	return m.version, m.dirty, nil
}

func (m *fakeMigrator) Force(version int) error {
	m.calls = append(m.calls, "force")
	m.forcedTo = version
	return m.forceErr
}

func (m *fakeMigrator) Pending() ([]uint, error) {
	return m.pending, nil
}

func (m *fakeMigrator) Close() error {
	m.closeDone = true
	return m.closeErr
}

// runMigrate executes the migrate command with args against m.
func runMigrate(t *testing.T, m *fakeMigrator, args ...string) (string, string, error) {
	t.Helper()
	isolateConfig(t)

	var gotURL string
	cmd := newMigrateCmd(func(databaseURL string) (Migrator, error) {
		gotURL = databaseURL
		return m, nil
	})
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, "--database-url", "postgres://gatekeep@localhost/gatekeep"))

	err := cmd.Execute()
	if err == nil {
		assert.Equal(t, "postgres://gatekeep@localhost/gatekeep", gotURL)
	}
	return stdout.String(), stderr.String(), err
}

func TestMigrate_Up(t *testing.T) {
	t.Run("applies pending migrations", func(t *testing.T) {
		m := &fakeMigrator{pending: []uint{1, 2}}
		out, _, err := runMigrate(t, m, "up")
		require.NoError(t, err)
		assert.Equal(t, []string{"up"}, m.calls)
		assert.Contains(t, out, "Applying 2 migration(s)")
		assert.True(t, m.closeDone)
	})

	t.Run("bare migrate runs up", func(t *testing.T) {
		m := &fakeMigrator{pending: []uint{1}}
		_, _, err := runMigrate(t, m)
		require.NoError(t, err)
		assert.Equal(t, []string{"up"}, m.calls)
	})

	t.Run("nothing pending", func(t *testing.T) {
		m := &fakeMigrator{}
		out, _, err := runMigrate(t, m, "up")
		require.NoError(t, err)
		assert.Empty(t, m.calls)
		assert.Contains(t, out, "No pending migrations")
	})

	t.Run("failure", func(t *testing.T) {
		m := &fakeMigrator{pending: []uint{1}, upErr: errors.New("syntax error")}
		_, _, err := runMigrate(t, m, "up")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
		assert.True(t, m.closeDone)
	})
}

func TestMigrate_Down(t *testing.T) {
	m := &fakeMigrator{}
	out, _, err := runMigrate(t, m, "down")
	require.NoError(t, err)
	assert.Equal(t, []string{"down"}, m.calls)
	assert.Contains(t, out, "Rollback completed successfully")
}

func TestMigrate_Version(t *testing.T) {
	m := &fakeMigrator{version: 1, dirty: true, pending: []uint{2}}
	out, _, err := runMigrate(t, m, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 1 (dirty)")
	assert.Contains(t, out, "Pending: 1")
}

func TestMigrate_Force(t *testing.T) {
	m := &fakeMigrator{}
	out, _, err := runMigrate(t, m, "force", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, m.forcedTo)
	assert.Contains(t, out, "Forced migration version to 3")

	m = &fakeMigrator{}
	_, _, err = runMigrate(t, m, "force", "abc")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_VERSION")
	assert.Empty(t, m.calls)
}

func TestMigrate_CloseErrorIsReported(t *testing.T) {
	m := &fakeMigrator{closeErr: errors.New("busy")}
	_, stderr, err := runMigrate(t, m, "down")
	require.NoError(t, err)
	assert.Contains(t, stderr, "closing migrator")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	isolateConfig(t)
	called := false
	cmd := newMigrateCmd(func(string) (Migrator, error) {
		called = true
		return &fakeMigrator{}, nil
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"up"})

	err := cmd.Execute()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	assert.False(t, called)
}

func TestMigrate_DatabaseURLFromEnvironment(t *testing.T) {
	isolateConfig(t)
	t.Setenv("DATABASE_URL", "postgres://env/gatekeep")

	var gotURL string
	cmd := newMigrateCmd(func(databaseURL string) (Migrator, error) {
		gotURL = databaseURL
		return &fakeMigrator{}, nil
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "postgres://env/gatekeep", gotURL)
}

func TestParseForceVersion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantVersion int
		wantErr     bool
	}{
		{name: "valid integer", input: "3", wantVersion: 3},
		{name: "zero is valid", input: "0", wantVersion: 0},
		{name: "leading whitespace is handled", input: "  42", wantVersion: 42},
		{name: "trailing chars are ignored", input: "3abc", wantVersion: 3},
		{name: "non-numeric", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := parseForceVersion(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "INVALID_VERSION")
				assert.Equal(t, 0, version)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}
