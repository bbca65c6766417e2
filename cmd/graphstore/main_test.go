package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/graphstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the app and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defaultLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(defaultLogger) })

	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"graphstore"}, args...))
	return out.String(), err
}

func TestInfoAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--dir", dir, "list")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "--dir", dir, "info", "--name", "Spring Cup")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:          spring_cup")
	assert.Contains(t, out, "Version:       1.0")

	out, err = run(t, "--dir", dir, "list")
	require.NoError(t, err)
	assert.Equal(t, "spring_cup\n", out)
}

func TestKeys(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--dir", dir, "keys", "--name", "main")
	require.NoError(t, err)
	assert.Equal(t, core.NilID.String()+"\t"+core.StorageInfoType+"\n", out)

	out, err = run(t, "--dir", dir, "keys", "--name", "main", "--prefix", "ffff")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--dir", dir, "backup", "--name", "main")
	require.NoError(t, err)
	location := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(dir, "backups"), filepath.Dir(location))
	assert.FileExists(t, location)

	t.Run("from file", func(t *testing.T) {
		_, err := run(t, "--dir", dir, "restore", "--name", "main", "--file", location)
		require.NoError(t, err)
	})

	t.Run("by archive name", func(t *testing.T) {
		_, err := run(t, "--dir", dir, "restore", "--name", "copy", "--archive", filepath.Base(location))
		require.NoError(t, err)

		out, err := run(t, "--dir", dir, "info", "--name", "copy")
		require.NoError(t, err)
		assert.Contains(t, out, "Name:          main", "metadata comes from the archive")
	})

	t.Run("needs exactly one source", func(t *testing.T) {
		_, err := run(t, "--dir", dir, "restore", "--name", "main")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exactly one")

		_, err = run(t, "--dir", dir, "restore", "--name", "main", "--file", location, "--archive", "x")
		require.Error(t, err)
	})
}

func TestCompactAndMaintain(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "--dir", dir, "compact", "--name", "main")
	require.NoError(t, err)

	_, err = run(t, "--dir", dir, "maintain")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, "backups"), "nothing was due")
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "--dir", dir, "info", "--name", "main")
	require.NoError(t, err)

	_, err = run(t, "--dir", dir, "delete", "--name", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last storage")

	_, err = run(t, "--dir", dir, "info", "--name", "other")
	require.NoError(t, err)
	_, err = run(t, "--dir", dir, "delete", "--name", "main")
	require.NoError(t, err)

	out, err := run(t, "--dir", dir, "list")
	require.NoError(t, err)
	assert.Equal(t, "other\n", out)
}

func TestConfigFile(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "graphstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dir: ./stores\nversion: \"2.0\"\n"), 0644))

	out, err := run(t, "--config", path, "info", "--name", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:       2.0")
	assert.DirExists(t, filepath.Join(base, "stores", "main"))

	t.Run("dir flag wins", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, "--config", path, "--dir", dir, "info", "--name", "main")
		require.NoError(t, err)
		assert.DirExists(t, filepath.Join(dir, "main"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := run(t, "--config", filepath.Join(base, "absent.yaml"), "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config")
	})
}

func TestGlobalFlags(t *testing.T) {
	t.Run("directory is required", func(t *testing.T) {
		_, err := run(t, "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--dir")
	})

	t.Run("name is required", func(t *testing.T) {
		_, err := run(t, "--dir", t.TempDir(), "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name")
	})

	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"warn", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		t.Run("log level "+tt.level, func(t *testing.T) {
			_, err := run(t, "--log-level", tt.level, "--dir", t.TempDir(), "list")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
		})
	}
}
