package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("THINGDB_ENV", "test")
	t.Setenv("THINGDB_CACHE_BACKEND", "memory")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_MigrateSyncSweep(t *testing.T) {
	dir := t.TempDir()
	flags := []string{"--db", filepath.Join(dir, "thingdb.db"), "--analytics", filepath.Join(dir, "analytics.db")}

	out, err := run(t, append([]string{"migrate"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "schemas up to date")

	out, err = run(t, append([]string{"sync", "--once"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "cycle 1")
	assert.Contains(t, out, "things")
	assert.Contains(t, out, "fetched=0")

	out, err = run(t, append([]string{"sweep"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 expired artifacts")

	out, err = run(t, append([]string{"purge", "--older-than", "1h"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 things")
}

func TestCLI_RejectsBadConfig(t *testing.T) {
	t.Setenv("THINGDB_SYNC_INTERVAL", "later")
	_, err := run(t, "migrate", "--db", filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorContains(t, err, "THINGDB_SYNC_INTERVAL")

	t.Setenv("THINGDB_SYNC_INTERVAL", "")
	_, err = run(t, "purge", "--older-than", "0s", "--db", filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorContains(t, err, "older-than")
}
