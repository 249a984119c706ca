// Package appconfig manages the node's application-level configuration
// using koanf/v2, layering built-in defaults, an optional YAML file, and
// environment variable overrides. This is distinct from the per-interface
// Reticulum/LXMF ini configuration written by the node's config.go.
package appconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete node application configuration.
type Config struct {
	Region   string         `koanf:"region"`
	LoRa     LoRaConfig     `koanf:"lora"`
	BLE      BLEConfig      `koanf:"ble"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Timing   TimingConfig   `koanf:"timing"`
}

// LoRaConfig holds LoRa interface enable flags and tunables.
type LoRaConfig struct {
	Enabled            bool    `koanf:"enabled"`
	DutyCyclePercent   float64 `koanf:"duty_cycle_percent"`
	CsmaRSSIThreshold  int     `koanf:"csma_rssi_threshold_dbm"`
	CsmaMaxRetries     int     `koanf:"csma_max_retries"`
	CsmaMinBackoffMS   int     `koanf:"csma_min_backoff_ms"`
	CsmaMaxBackoffMS   int     `koanf:"csma_max_backoff_ms"`
}

// BLEConfig holds BLE interface enable flags and tunables.
type BLEConfig struct {
	Enabled          bool `koanf:"enabled"`
	FragmentMTU      int  `koanf:"fragment_mtu"`
	MaxPendingPeers  int  `koanf:"max_pending_peers"`
	MaxFragments     int  `koanf:"max_fragments"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus/stats HTTP listener configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// TimingConfig holds the node's periodic-task intervals.
type TimingConfig struct {
	AnnounceInterval time.Duration `koanf:"announce_interval"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// Recognized region identifiers.
const (
	RegionEU868 = "eu868"
	RegionUS915 = "us915"
	RegionAU915 = "au915"
	RegionAS923 = "as923"
)

// DefaultConfig returns a Config populated with the node's defaults: EU868
// region, LoRa/BLE enabled with SX1262-matching tunables, a 300 s announce
// interval, and a 10 s sweep interval per the link-queue core's operation.
func DefaultConfig() *Config {
	return &Config{
		Region: RegionEU868,
		LoRa: LoRaConfig{
			Enabled:           true,
			DutyCyclePercent:  1.0,
			CsmaRSSIThreshold: -90,
			CsmaMaxRetries:    5,
			CsmaMinBackoffMS:  10,
			CsmaMaxBackoffMS:  500,
		},
		BLE: BLEConfig{
			Enabled:         true,
			FragmentMTU:     20,
			MaxPendingPeers: 16,
			MaxFragments:    64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":8080",
		},
		Timing: TimingConfig{
			AnnounceInterval: 300 * time.Second,
			SweepInterval:    10 * time.Second,
		},
	}
}

// envPrefix is the environment variable prefix for node configuration.
// Variables are named RETICULUM_NODE_<section>_<key>, e.g.
// RETICULUM_NODE_LORA_ENABLED.
const envPrefix = "RETICULUM_NODE_"

// Load reads configuration from an optional YAML file at path, overlays
// environment variable overrides, and merges on top of DefaultConfig().
// An empty path skips the file layer. Later sources take precedence:
// defaults, then file, then environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"region":                        defaults.Region,
		"lora.enabled":                  defaults.LoRa.Enabled,
		"lora.duty_cycle_percent":       defaults.LoRa.DutyCyclePercent,
		"lora.csma_rssi_threshold_dbm":  defaults.LoRa.CsmaRSSIThreshold,
		"lora.csma_max_retries":         defaults.LoRa.CsmaMaxRetries,
		"lora.csma_min_backoff_ms":      defaults.LoRa.CsmaMinBackoffMS,
		"lora.csma_max_backoff_ms":      defaults.LoRa.CsmaMaxBackoffMS,
		"ble.enabled":                   defaults.BLE.Enabled,
		"ble.fragment_mtu":              defaults.BLE.FragmentMTU,
		"ble.max_pending_peers":         defaults.BLE.MaxPendingPeers,
		"ble.max_fragments":             defaults.BLE.MaxFragments,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"metrics.addr":                  defaults.Metrics.Addr,
		"timing.announce_interval":      defaults.Timing.AnnounceInterval.String(),
		"timing.sweep_interval":         defaults.Timing.SweepInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrUnknownRegion           = errors.New("region must be one of eu868, us915, au915, as923")
	ErrInvalidDutyCyclePercent = errors.New("lora.duty_cycle_percent must be > 0")
	ErrInvalidCsmaBackoffRange = errors.New("lora.csma_min_backoff_ms must be > 0 and <= csma_max_backoff_ms")
	ErrInvalidCsmaRetries      = errors.New("lora.csma_max_retries must be between 1 and 20")
	ErrInvalidFragmentMTU      = errors.New("ble.fragment_mtu must be > 0")
	ErrInvalidAnnounceInterval = errors.New("timing.announce_interval must be > 0")
	ErrInvalidSweepInterval    = errors.New("timing.sweep_interval must be > 0")
)

var validRegions = map[string]bool{
	RegionEU868: true,
	RegionUS915: true,
	RegionAU915: true,
	RegionAS923: true,
}

// Validate checks cfg for logical errors, returning the first it finds.
// Broken budgets (non-positive intervals, inverted backoff bounds, an
// out-of-range retry count) are rejected here so the node refuses to
// start rather than run with a config that can never behave sanely.
func Validate(cfg *Config) error {
	if !validRegions[cfg.Region] {
		return ErrUnknownRegion
	}

	if cfg.LoRa.Enabled {
		if cfg.LoRa.DutyCyclePercent <= 0 {
			return ErrInvalidDutyCyclePercent
		}
		if cfg.LoRa.CsmaMinBackoffMS <= 0 || cfg.LoRa.CsmaMaxBackoffMS < cfg.LoRa.CsmaMinBackoffMS {
			return ErrInvalidCsmaBackoffRange
		}
		if cfg.LoRa.CsmaMaxRetries < 1 || cfg.LoRa.CsmaMaxRetries > 20 {
			return ErrInvalidCsmaRetries
		}
	}

	if cfg.BLE.Enabled && cfg.BLE.FragmentMTU <= 0 {
		return ErrInvalidFragmentMTU
	}

	if cfg.Timing.AnnounceInterval <= 0 {
		return ErrInvalidAnnounceInterval
	}
	if cfg.Timing.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}

	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
