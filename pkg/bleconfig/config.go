// Package bleconfig holds the global scheduler configuration (spec section
// 6) and the logger construction helper, in the style of pkg/config's
// Config/NewLogger pair - generalized from a CLI-only config into the
// scheduler's full option set, with go-defaults tags for zero-value
// defaults and an optional YAML file to override them.
package bleconfig

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecore/pkg/bleclock"
)

// Config holds every tunable spec section 6 names. Durations aren't given
// `default` tags: go-defaults parses that tag with strconv, not
// time.ParseDuration, so every duration is seeded explicitly in
// DefaultConfig instead.
type Config struct {
	LogLevel logrus.Level `yaml:"-"`

	AutoUpdateRate    time.Duration `yaml:"auto_update_rate"`
	OtaAutoUpdateRate time.Duration `yaml:"ota_auto_update_rate"`

	NForAverageRunningReadTime  int `yaml:"n_for_average_running_read_time" default:"10"`
	NForAverageRunningWriteTime int `yaml:"n_for_average_running_write_time" default:"10"`

	DefaultTxPower int `yaml:"default_tx_power" default:"-59"`

	ReconnectFilterShortTermTimeout time.Duration `yaml:"reconnect_filter_short_term_timeout"`
	ReconnectFilterLongTermTimeout  time.Duration `yaml:"reconnect_filter_long_term_timeout"`

	ManageLastDisconnectOnDisk bool `yaml:"manage_last_disconnect_on_disk" default:"false"`
	SaveNameChangesToDisk      bool `yaml:"save_name_changes_to_disk" default:"false"`

	ForceReadTimeout time.Duration `yaml:"force_read_timeout"`

	ReliableWriteBufferCap int `yaml:"reliable_write_buffer_cap" default:"4096"`

	ClearGattOnOtaSuccess             bool          `yaml:"clear_gatt_on_ota_success" default:"false"`
	PostCallbacksToMainThread         bool          `yaml:"post_callbacks_to_main_thread" default:"false"`
	AutoScanDuringOta                 bool          `yaml:"auto_scan_during_ota" default:"false"`
	IncludeOtaReadWriteTimesInAverage bool          `yaml:"include_ota_read_write_times_in_average" default:"false"`
	GattWriteMTUOverhead              int           `yaml:"gatt_write_mtu_overhead" default:"3"`
	DefaultGattRefreshDelay           time.Duration `yaml:"default_gatt_refresh_delay"`

	// LogLevelName drives LogLevel: set this in YAML ("debug", "info", ...)
	// since logrus.Level itself doesn't round-trip through a default tag.
	LogLevelName string `yaml:"log_level" default:"info"`

	OutputFormat string `yaml:"output_format" default:"table"`
}

// DefaultConfig returns a Config with every field at its spec-mandated
// default.
func DefaultConfig() *Config {
	cfg := &Config{
		AutoUpdateRate:                  bleclock.DefaultTickRate,
		OtaAutoUpdateRate:               bleclock.DefaultOtaTickRate,
		ReconnectFilterShortTermTimeout: 5 * time.Second,
		ReconnectFilterLongTermTimeout:  5 * time.Minute,
		DefaultGattRefreshDelay:         500 * time.Millisecond,
	}
	defaults.SetDefaults(cfg)
	cfg.applyLogLevelName()
	return cfg
}

// LoadFile reads a YAML file and overlays it onto DefaultConfig's values.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	cfg.applyLogLevelName()
	return cfg, nil
}

func (c *Config) applyLogLevelName() {
	lvl, err := logrus.ParseLevel(c.LogLevelName)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	c.LogLevel = lvl
}

// NewLogger creates a logger configured per this Config, in the same
// structured-text style pkg/config.Config.NewLogger uses.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
