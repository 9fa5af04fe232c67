package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/gc"
)

// Config represents the flashfs configuration.
//
// It describes the flash image the CLI operates on and how the filesystem
// mounted on it behaves:
//   - Logging configuration
//   - Device geometry and image location
//   - Garbage collection and wear leveling policy
//   - Prometheus metrics endpoint
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FLASHFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Device describes the flash image
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// GC controls reclamation and static wear leveling
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// DeviceConfig describes the flash image file and its geometry. The
// geometry is only used when the image is created; an existing image
// keeps the geometry recorded in its header.
type DeviceConfig struct {
	// Path is the image file
	// Default: flash.img
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// BlockSize is the erase block size
	// Supports human-readable formats: "4KiB", "64KiB", or plain numbers
	// Default: 4KiB
	BlockSize Size `mapstructure:"block_size" validate:"required,pow2" yaml:"block_size"`

	// BlockCount is the number of erase blocks
	// Default: 256
	BlockCount uint32 `mapstructure:"block_count" validate:"required,min=4" yaml:"block_count"`

	// ProgramAlign is the program granularity in bytes
	// Default: 8
	ProgramAlign uint32 `mapstructure:"program_align" validate:"required,pow2" yaml:"program_align"`

	// LogBlocks is the number of blocks reserved for the directory log ring
	// Default: 4
	LogBlocks uint32 `mapstructure:"log_blocks" validate:"required,min=2" yaml:"log_blocks"`
}

// GCConfig controls the collector.
type GCConfig struct {
	// LowWater is the free block count below which a background pass is
	// triggered
	// Default: 2
	LowWater int `mapstructure:"low_water" validate:"gte=0" yaml:"low_water"`

	// WearSpreadThreshold is the erase count spread that triggers relocation
	// of cold files
	// Default: 8
	WearSpreadThreshold uint32 `mapstructure:"wear_spread_threshold" yaml:"wear_spread_threshold"`

	// MaxRelocations bounds the files moved per pass. Negative disables
	// static wear leveling.
	// Default: 1
	MaxRelocations int `mapstructure:"max_relocations" validate:"gte=-1" yaml:"max_relocations"`

	// Interval is the period of background collection passes
	// Default: 30s
	Interval time.Duration `mapstructure:"interval" validate:"gte=0" yaml:"interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address of the metrics endpoint
	// Default: ":9090"
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
}

// Geometry returns the device geometry to create images with.
func (d DeviceConfig) Geometry() flash.Geometry {
	return flash.Geometry{
		BlockSize:    uint32(d.BlockSize),
		BlockCount:   d.BlockCount,
		ProgramAlign: d.ProgramAlign,
	}
}

// Options returns the collector options.
func (g GCConfig) Options() gc.Options {
	return gc.Options{
		LowWater:            g.LowWater,
		WearSpreadThreshold: g.WearSpreadThreshold,
		MaxRelocations:      g.MaxRelocations,
	}
}

// FSOptions returns the mount options described by the configuration.
// Metrics are left to the caller.
func (c *Config) FSOptions() fs.Options {
	return fs.Options{
		LogBlocks: c.Device.LogBlocks,
		GC:        c.GC.Options(),
	}
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FLASHFS_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath searches the default location; a missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration, requiring the file to exist. The error
// explains how to create one.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  flashfs config init\n\n"+
				"Or specify a custom config file:\n"+
				"  flashfs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  flashfs config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables, defaults and the
// config file location.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the FLASHFS_ prefix and underscores
	// Example: FLASHFS_DEVICE_PATH=/var/lib/flashfs/flash.img
	v.SetEnvPrefix("FLASHFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only overrides keys viper knows about.
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		sizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// sizeDecodeHook converts strings and numbers to Size, so config files can
// use sizes like "4KiB", "64 KiB" or plain numbers.
func sizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Size(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseSize(v)
		case int:
			return Size(v), nil
		case int64:
			return Size(v), nil
		case uint64:
			return Size(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return Size(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "flashfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "flashfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
