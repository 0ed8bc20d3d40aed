package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.snapshot.yaml")

	cfg := Defaults()
	cfg.DataDir = "/data/apc"
	cfg.Pool.Size = 7
	cfg.Runner.Command = []string{"my-agent", "--json"}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	require.NoError(t, WriteSnapshot(path, cfg))

	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.Listen, loaded.Listen)
	assert.Equal(t, cfg.Pool, loaded.Pool)
	assert.Equal(t, cfg.Runner.Command, loaded.Runner.Command)
	assert.Equal(t, cfg.Retry, loaded.Retry)
	assert.Equal(t, cfg.Signals, loaded.Signals)
	assert.Equal(t, cfg.Tracing, loaded.Tracing)
	assert.Equal(t, cfg.Log, loaded.Log)
}

func TestWriteSnapshot_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "config.snapshot.yaml")

	require.NoError(t, WriteSnapshot(path, Defaults()))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestWriteSnapshot_Overwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.snapshot.yaml")

	first := Defaults()
	first.Pool.Size = 2
	require.NoError(t, WriteSnapshot(path, first))

	second := Defaults()
	second.Pool.Size = 9
	require.NoError(t, WriteSnapshot(path, second))

	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Pool.Size)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadSnapshot_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSnapshot(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pool: [not: a: mapping"), 0o600))
	_, err = ReadSnapshot(bad)
	require.Error(t, err)
}
