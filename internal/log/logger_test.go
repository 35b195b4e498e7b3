package log

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paqetui/paqetd/internal/config"
)

// restoreDefault puts back the process-wide logger and closes any file
// output once the test ends.
func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() {
		Flush()
		mu.Lock()
		logFile = nil
		mu.Unlock()
		slog.SetDefault(prev)
	})
}

func initToFile(t *testing.T, level, format, path string) {
	t.Helper()
	require.NoError(t, Init(config.LogConfig{
		Level:  level,
		Format: format,
		File:   config.FileOutputConfig{Enabled: true, Path: path},
	}))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo,
		"warning": slog.LevelWarn, "Error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("trace")
	assert.Error(t, err)
}

func TestInitRejects(t *testing.T) {
	restoreDefault(t)
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "verbose", Format: "text"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{Level: "info", Format: "json", File: config.FileOutputConfig{Enabled: true}}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := slog.Default()
			err := Init(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Same(t, before, slog.Default(), "a failed Init keeps the current logger")
		})
	}
}

func TestReinitSwitchesFileAndLevel(t *testing.T) {
	restoreDefault(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	initToFile(t, "info", "text", first)
	slog.Debug("first-debug")
	slog.Info("first-info")

	initToFile(t, "debug", "json", second)
	slog.Debug("second-debug")

	mu.Lock()
	current := logFile.Filename
	mu.Unlock()
	assert.Equal(t, second, current)

	a := readFile(t, first)
	assert.Contains(t, a, "msg=first-info")
	assert.NotContains(t, a, "first-debug")
	assert.NotContains(t, a, "second-debug")

	b := readFile(t, second)
	assert.Contains(t, b, `"msg":"second-debug"`)
	assert.Contains(t, b, `"level":"DEBUG"`)
}

func TestFlushClosesFileAndLaterWritesReopen(t *testing.T) {
	restoreDefault(t)
	path := filepath.Join(t.TempDir(), "paqetd.log")
	initToFile(t, "info", "text", path)

	slog.Info("before-flush")
	Flush()

	// A closed file is reopened by name, so the next line lands in a fresh
	// file rather than the moved one.
	moved := path + ".1"
	require.NoError(t, os.Rename(path, moved))
	slog.Info("after-flush")

	assert.Contains(t, readFile(t, moved), "before-flush")
	assert.NotContains(t, readFile(t, moved), "after-flush")
	assert.Contains(t, readFile(t, path), "after-flush")
}

func TestComponentFollowsReinit(t *testing.T) {
	restoreDefault(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	initToFile(t, "info", "text", first)
	logger := Component("session")
	logger.Debug("early-debug")
	logger.Warn("early-warn")

	initToFile(t, "debug", "text", second)
	logger.Debug("late-debug", "session_id", "abc")
	logger.WithGroup("exit").Info("late-grouped", "code", 3)

	a := readFile(t, first)
	assert.Contains(t, a, "msg=early-warn component=session")
	assert.NotContains(t, a, "early-debug")
	assert.NotContains(t, a, "late-")

	b := readFile(t, second)
	assert.Contains(t, b, "level=DEBUG msg=late-debug component=session session_id=abc")
	assert.Contains(t, b, "msg=late-grouped component=session exit.code=3")
}

func TestComponentLevelFollowsDefault(t *testing.T) {
	restoreDefault(t)
	logger := Component("supervisor")

	require.NoError(t, Init(config.LogConfig{Level: "error", Format: "text"}))
	assert.False(t, logger.Enabled(t.Context(), slog.LevelWarn))

	require.NoError(t, Init(config.LogConfig{Level: "debug", Format: "text"}))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}
