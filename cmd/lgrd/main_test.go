package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abyssdigger/lgrd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		opts, err := parseFlags([]string{"-f", "/tmp/app.log"})
		require.NoError(t, err)
		assert.Equal(t, "/tmp/app.log", opts.cfg.LogPath)
		assert.Equal(t, lgrd.ByteSize(lgrd.DEFAULT_MAX_FILE_SIZE), opts.cfg.MaxFileSize)
		assert.Equal(t, lgrd.DEFAULT_SOCKET_PATH, opts.cfg.SocketPath)
		assert.False(t, opts.daemonize)
	})
	t.Run("all flags", func(t *testing.T) {
		opts, err := parseFlags([]string{
			"--file", "app.log", "-s", "10MiB", "-n", "0", "-b", "8KiB", "-p", "/tmp/x.sock",
			"-l", "warn", "-i", "500ms", "-m", "4", "--tag-peers", "--metrics", ":9100", "-d", "-v",
		})
		require.NoError(t, err)
		cfg := opts.cfg
		assert.Equal(t, lgrd.ByteSize(10<<20), cfg.MaxFileSize)
		assert.Equal(t, 0, cfg.MaxFileCount)
		assert.Equal(t, lgrd.ByteSize(8<<10), cfg.BufferSize)
		assert.Equal(t, "/tmp/x.sock", cfg.SocketPath)
		assert.Equal(t, lgrd.LVL_WARN, cfg.MinLogLevel)
		assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval.Duration)
		assert.Equal(t, 4, cfg.MaxClients)
		assert.True(t, cfg.TagPeers)
		assert.Equal(t, ":9100", cfg.MetricsAddr)
		assert.True(t, opts.daemonize)
		assert.True(t, opts.verbose)
	})
	t.Run("config file with flag override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lgrd.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_path: from-file.log\nmax_file_count: 9\nmin_log_level: error\n"), 0600))
		opts, err := parseFlags([]string{"-c", path, "-n", "2"})
		require.NoError(t, err)
		assert.Equal(t, "from-file.log", opts.cfg.LogPath)
		assert.Equal(t, 2, opts.cfg.MaxFileCount, "flags win over the file")
		assert.Equal(t, lgrd.LVL_ERROR, opts.cfg.MinLogLevel)
	})
	t.Run("help", func(t *testing.T) {
		opts, err := parseFlags([]string{"-h"})
		require.NoError(t, err)
		assert.True(t, opts.help)
		assert.Contains(t, opts.usage, "--file")
	})
	for name, args := range map[string][]string{
		"missing file":     {},
		"bad size":         {"-f", "a.log", "-s", "big"},
		"bad level":        {"-f", "a.log", "-l", "loud"},
		"unknown flag":     {"-f", "a.log", "--colour"},
		"stray argument":   {"-f", "a.log", "extra"},
		"zero buffer":      {"-f", "a.log", "-b", "0"},
		"huge buffer":      {"-f", "a.log", "-b", "4GiB"},
		"missing config":   {"-c", "/nonexistent/lgrd.yaml"},
		"negative count":   {"-f", "a.log", "-n", "-1"},
		"zero max clients": {"-f", "a.log", "-m", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(args)
			assert.True(t, errors.Is(err, lgrd.ErrConfig), "%v", err)
		})
	}
}

func TestRun_Usage(t *testing.T) {
	stderr := &testWriter{}
	assert.Equal(t, _EXIT_USAGE, run([]string{"-s", "1MiB"}, stderr))
	assert.Contains(t, stderr.String(), "Usage: lgrd")

	stderr = &testWriter{}
	assert.Equal(t, _EXIT_OK, run([]string{"--help"}, stderr))
	assert.Contains(t, stderr.String(), "--socket")
}

func TestRun_StartFailure(t *testing.T) {
	dir := t.TempDir()
	stderr := &testWriter{}
	code := run([]string{"-f", filepath.Join(dir, "missing", "app.log"), "-p", filepath.Join(dir, "s")}, stderr)
	assert.Equal(t, _EXIT_FAILED, code)
	assert.Contains(t, stderr.String(), "cannot start daemon")
}

func TestIsDaemonChild(t *testing.T) {
	t.Setenv(_ENV_DAEMON_CHILD, "")
	assert.False(t, isDaemonChild())
	t.Setenv(_ENV_DAEMON_CHILD, "1")
	assert.True(t, isDaemonChild())
}

type testWriter struct{ buffer []byte }

func (w *testWriter) Write(b []byte) (int, error) {
	w.buffer = append(w.buffer, b...)
	return len(b), nil
}

func (w *testWriter) String() string { return string(w.buffer) }
