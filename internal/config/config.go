// Package config loads vkasync settings from a YAML file, the environment
// and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/metrics"
)

// EnvPrefix is prepended to every environment override, e.g.
// VKASYNC_TRANSFER_MAX_INFLIGHT_STAGING.
const EnvPrefix = "VKASYNC"

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app" yaml:"app"`
	Vulkan   VulkanConfig   `mapstructure:"vulkan" yaml:"vulkan"`
	Device   DeviceConfig   `mapstructure:"device" yaml:"device"`
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type AppConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	APIVersion string `mapstructure:"api_version" yaml:"api_version"`
}

type VulkanConfig struct {
	ValidationLayers []string `mapstructure:"validation_layers" yaml:"validation_layers"`
	DeviceExtensions []string `mapstructure:"device_extensions" yaml:"device_extensions"`
	DebugReport      bool     `mapstructure:"debug_report" yaml:"debug_report"`
	Loader           string   `mapstructure:"loader" yaml:"loader"`
}

type DeviceConfig struct {
	PreferredName  string `mapstructure:"preferred_name" yaml:"preferred_name"`
	PreferDiscrete bool   `mapstructure:"prefer_discrete" yaml:"prefer_discrete"`
}

type TransferConfig struct {
	MaxInflightStaging int64         `mapstructure:"max_inflight_staging" yaml:"max_inflight_staging"`
	WaitSlice          time.Duration `mapstructure:"wait_slice" yaml:"wait_slice"`
	PersistentMapping  bool          `mapstructure:"persistent_mapping" yaml:"persistent_mapping"`
	PollMode           string        `mapstructure:"poll_mode" yaml:"poll_mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Poll modes for driving transfers to completion.
const (
	PollWait      = "wait"
	PollScheduler = "scheduler"
)

// Loaders for the Vulkan entry points.
const (
	LoaderDefault = "default"
	LoaderGLFW    = "glfw"
)

var (
	validLoaders   = []string{LoaderDefault, LoaderGLFW}
	validPollModes = []string{PollWait, PollScheduler}
	validLevels    = []string{"debug", "info", "warn", "error"}
	validFormats   = []string{"text", "json"}
)

// Default returns configuration with default values
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:       "vkasync",
			APIVersion: "1.2.0",
		},
		Vulkan: VulkanConfig{
			ValidationLayers: []string{},
			DeviceExtensions: []string{"VK_KHR_dedicated_allocation"},
			Loader:           LoaderDefault,
		},
		Device: DeviceConfig{
			PreferDiscrete: true,
		},
		Transfer: TransferConfig{
			MaxInflightStaging: 256 << 20,
			WaitSlice:          vkasync.DefaultWaitSlice,
			PollMode:           PollWait,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
		},
	}
}

// Load reads configuration from cfgFile (or ./vkasync.yaml when empty),
// the VKASYNC_* environment and defaults, in increasing order of
// precedence for the environment. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("vkasync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.App.Name) == "" {
		return errors.New("app.name must not be empty")
	}
	if _, err := c.APIVersion(); err != nil {
		return err
	}
	if !contains(validLoaders, c.Vulkan.Loader) {
		return fmt.Errorf("vulkan.loader must be one of: %v", validLoaders)
	}
	if c.Transfer.MaxInflightStaging < 0 {
		return errors.New("transfer.max_inflight_staging must not be negative")
	}
	if c.Transfer.WaitSlice <= 0 {
		return errors.New("transfer.wait_slice must be positive")
	}
	if !contains(validPollModes, c.Transfer.PollMode) {
		return fmt.Errorf("transfer.poll_mode must be one of: %v", validPollModes)
	}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}
	if !contains(validFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format must be one of: %v", validFormats)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics.listen_address is required when metrics are enabled")
	}
	return nil
}

// APIVersion parses app.api_version ("major.minor" or
// "major.minor.patch") into a packed Vulkan version.
func (c *Config) APIVersion() (uint32, error) {
	var major, minor, patch uint32
	parts := strings.Split(c.App.APIVersion, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("app.api_version %q must be major.minor[.patch]", c.App.APIVersion)
	}
	dst := []*uint32{&major, &minor, &patch}
	for i, p := range parts {
		if _, err := fmt.Sscanf(p, "%d", dst[i]); err != nil {
			return 0, fmt.Errorf("app.api_version %q: %w", c.App.APIVersion, err)
		}
	}
	return vkasync.MakeVersion(major, minor, patch), nil
}

// Options translates the transfer section into context options. m may be
// nil when metrics are disabled.
func (c *Config) Options(m *metrics.Metrics) []vkasync.Option {
	opts := []vkasync.Option{
		vkasync.WithWaitSlice(c.Transfer.WaitSlice),
		vkasync.WithMaxInflightStaging(c.Transfer.MaxInflightStaging),
		vkasync.WithPersistentMapping(c.Transfer.PersistentMapping),
	}
	if m != nil {
		opts = append(opts, vkasync.WithMetrics(m))
	}
	return opts
}

// SelectionPolicy returns the physical device policy for the device
// section. Validate must have succeeded.
func (c *Config) SelectionPolicy() vkasync.SelectionPolicy {
	v, _ := c.APIVersion()
	return vkasync.SelectionPolicy{
		MinAPIVersion:  v,
		PreferredName:  c.Device.PreferredName,
		IgnoreDiscrete: !c.Device.PreferDiscrete,
	}
}

// Level returns logging.level as an slog level.
func (c *Config) Level() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: c.Level()}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Dump writes the configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app.name", cfg.App.Name)
	v.SetDefault("app.api_version", cfg.App.APIVersion)

	v.SetDefault("vulkan.validation_layers", cfg.Vulkan.ValidationLayers)
	v.SetDefault("vulkan.device_extensions", cfg.Vulkan.DeviceExtensions)
	v.SetDefault("vulkan.debug_report", cfg.Vulkan.DebugReport)
	v.SetDefault("vulkan.loader", cfg.Vulkan.Loader)

	v.SetDefault("device.preferred_name", cfg.Device.PreferredName)
	v.SetDefault("device.prefer_discrete", cfg.Device.PreferDiscrete)

	v.SetDefault("transfer.max_inflight_staging", cfg.Transfer.MaxInflightStaging)
	v.SetDefault("transfer.wait_slice", cfg.Transfer.WaitSlice)
	v.SetDefault("transfer.persistent_mapping", cfg.Transfer.PersistentMapping)
	v.SetDefault("transfer.poll_mode", cfg.Transfer.PollMode)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", cfg.Metrics.ListenAddress)
}
