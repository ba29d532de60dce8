package bleconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.AutoUpdateRate)
	assert.Equal(t, time.Millisecond, cfg.OtaAutoUpdateRate)
	assert.Equal(t, 10, cfg.NForAverageRunningReadTime)
	assert.Equal(t, 4096, cfg.ReliableWriteBufferCap)
	assert.Equal(t, "table", cfg.OutputFormat)
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = logrus.DebugLevel

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
}

func TestLoadFile_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "auto_update_rate: 100ms\nlog_level: debug\nmanage_last_disconnect_on_disk: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.AutoUpdateRate)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.ManageLastDisconnectOnDisk)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.NForAverageRunningReadTime)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
