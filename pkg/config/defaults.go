package config

import (
	"strings"
	"time"

	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/gc"
)

// Default values of the device and collector sections.
const (
	DefaultDevicePath   = "flash.img"
	DefaultBlockSize    = Size(4096)
	DefaultBlockCount   = 256
	DefaultProgramAlign = 8
	DefaultGCInterval   = 30 * time.Second
	DefaultMetricsAddr  = ":9090"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDeviceDefaults(&cfg.Device)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	// stdout carries file contents for "flashfs get"
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Path == "" {
		cfg.Path = DefaultDevicePath
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.BlockCount == 0 {
		cfg.BlockCount = DefaultBlockCount
	}
	if cfg.ProgramAlign == 0 {
		cfg.ProgramAlign = DefaultProgramAlign
	}
	if cfg.LogBlocks == 0 {
		cfg.LogBlocks = fs.DefaultLogBlocks
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.LowWater == 0 {
		cfg.LowWater = gc.DefaultLowWater
	}
	if cfg.WearSpreadThreshold == 0 {
		cfg.WearSpreadThreshold = gc.DefaultWearSpreadThreshold
	}
	if cfg.MaxRelocations == 0 {
		cfg.MaxRelocations = gc.DefaultMaxRelocations
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultGCInterval
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultMetricsAddr
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// defaultValues flattens the defaults into viper keys.
func defaultValues() map[string]any {
	cfg := GetDefaultConfig()
	return map[string]any{
		"logging.level":            cfg.Logging.Level,
		"logging.format":           cfg.Logging.Format,
		"logging.output":           cfg.Logging.Output,
		"device.path":              cfg.Device.Path,
		"device.block_size":        uint64(cfg.Device.BlockSize),
		"device.block_count":       cfg.Device.BlockCount,
		"device.program_align":     cfg.Device.ProgramAlign,
		"device.log_blocks":        cfg.Device.LogBlocks,
		"gc.low_water":             cfg.GC.LowWater,
		"gc.wear_spread_threshold": cfg.GC.WearSpreadThreshold,
		"gc.max_relocations":       cfg.GC.MaxRelocations,
		"gc.interval":              cfg.GC.Interval.String(),
		"metrics.enabled":          cfg.Metrics.Enabled,
		"metrics.addr":             cfg.Metrics.Addr,
	}
}
