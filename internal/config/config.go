// Package config loads daemon settings from APP_* environment variables and
// the optional per-GPU YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	DebugfsRoot      string
	ProcRoot         string
	DevRoot          string
	GPUConfigPath    string
	DiscoveryTimeout time.Duration
	Proc             ProcConfig
	Probe            ProbeConfig
}

// ProcConfig contains settings for the process scanner feature.
type ProcConfig struct {
	Enable       bool
	MaxPIDs      int
	MaxFDsPerPID int
}

// ProbeConfig names the external tools used for Vulkan and OpenCL probing.
type ProbeConfig struct {
	VulkaninfoBin string
	ClinfoBin     string
	Timeout       time.Duration
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		SampleInterval:   2 * time.Second,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		DebugfsRoot:      "/sys/kernel/debug",
		ProcRoot:         "/proc",
		DevRoot:          "/dev/dri",
		DiscoveryTimeout: 30 * time.Second,
		Proc: ProcConfig{
			Enable:       true,
			MaxPIDs:      5000,
			MaxFDsPerPID: 64,
		},
		Probe: ProbeConfig{
			VulkaninfoBin: "vulkaninfo",
			ClinfoBin:     "clinfo",
			Timeout:       10 * time.Second,
		},
	}
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Default()

	setString(&cfg.ListenAddr, "APP_LISTEN_ADDR")
	setString(&cfg.SysfsRoot, "APP_SYSFS_ROOT")
	setString(&cfg.DebugfsRoot, "APP_DEBUGFS_ROOT")
	setString(&cfg.ProcRoot, "APP_PROC_ROOT")
	setString(&cfg.DevRoot, "APP_DEV_ROOT")
	setString(&cfg.GPUConfigPath, "APP_GPU_CONFIG")
	setString(&cfg.Probe.VulkaninfoBin, "APP_VULKANINFO_BIN")
	setString(&cfg.Probe.ClinfoBin, "APP_CLINFO_BIN")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SAMPLE_INTERVAL", &cfg.SampleInterval},
		{"APP_DISCOVERY_TIMEOUT", &cfg.DiscoveryTimeout},
		{"APP_PROBE_TIMEOUT", &cfg.Probe.Timeout},
	}
	for _, item := range durations {
		if err := setPositiveDuration(item.dst, item.key); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus},
		{"APP_ENABLE_PPROF", &cfg.EnablePprof},
		{"APP_PROC_ENABLE", &cfg.Proc.Enable},
	}
	for _, item := range bools {
		if err := setBool(item.dst, item.key); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"APP_PROC_MAX_PIDS", &cfg.Proc.MaxPIDs},
		{"APP_PROC_MAX_FDS_PER_PID", &cfg.Proc.MaxFDsPerPID},
	}
	for _, item := range ints {
		if err := setPositiveInt(item.dst, item.key); err != nil {
			return Config{}, err
		}
	}

	if value := lookup("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if value := lookup(key); value != "" {
		*dst = value
	}
}

func setPositiveDuration(dst *time.Duration, key string) error {
	value := lookup(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func setBool(dst *bool, key string) error {
	value := lookup(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func setPositiveInt(dst *int, key string) error {
	value := lookup(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = parsed
	return nil
}

// ParseLogLevel accepts DEBUG, INFO, WARN/WARNING and ERROR in any case.
func ParseLogLevel(input string) (slog.Level, error) {
	return parseLogLevel(input)
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
