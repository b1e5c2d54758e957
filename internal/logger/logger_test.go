package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"profile-notifier/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	log, err := logger.New(logger.Config{Level: "debug", Encoding: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"level":"DEBUG"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	log, err := logger.New(logger.Config{Level: "verbose", Encoding: "xml", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("visible")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestNew_AddsServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	log, err := logger.New(logger.Config{Level: "info", OutputPath: path, Service: "profile-notifier"})
	require.NoError(t, err)

	log.Info("started")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"profile-notifier"`)
}
