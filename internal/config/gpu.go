package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// GPUConfig is the user-requested state of one GPU. Every knob is optional;
// nil means "leave as is". Clocks are in MHz, the power cap in Watts.
type GPUConfig struct {
	MaxCoreClock *int32   `yaml:"max_core_clock,omitempty" json:"max_core_clock,omitempty"`
	MinCoreClock *int32   `yaml:"min_core_clock,omitempty" json:"min_core_clock,omitempty"`
	PowerCap     *float64 `yaml:"power_cap,omitempty" json:"power_cap,omitempty"`
}

// IsEmpty reports whether no knob is set.
func (c GPUConfig) IsEmpty() bool {
	return c.MaxCoreClock == nil && c.MinCoreClock == nil && c.PowerCap == nil
}

// Validate rejects values no driver accepts.
func (c GPUConfig) Validate() error {
	if c.MaxCoreClock != nil && *c.MaxCoreClock <= 0 {
		return fmt.Errorf("max_core_clock must be > 0, got %d", *c.MaxCoreClock)
	}
	if c.MinCoreClock != nil && *c.MinCoreClock < 0 {
		return fmt.Errorf("min_core_clock must be >= 0, got %d", *c.MinCoreClock)
	}
	if c.MaxCoreClock != nil && c.MinCoreClock != nil && *c.MinCoreClock > *c.MaxCoreClock {
		return fmt.Errorf("min_core_clock %d exceeds max_core_clock %d", *c.MinCoreClock, *c.MaxCoreClock)
	}
	if c.PowerCap != nil && (*c.PowerCap < 0 || math.IsNaN(*c.PowerCap) || math.IsInf(*c.PowerCap, 0)) {
		return fmt.Errorf("power_cap must be a non-negative number, got %v", *c.PowerCap)
	}
	return nil
}

type gpuConfigFile struct {
	GPUs map[string]GPUConfig `yaml:"gpus"`
}

// GPUConfigs maps a PCI slot ("0000:03:00.0") or card id ("card0") to the
// configuration for that GPU.
type GPUConfigs map[string]GPUConfig

// Lookup returns the configuration for a GPU, preferring the PCI slot key.
func (c GPUConfigs) Lookup(pciSlot, cardID string) (GPUConfig, bool) {
	if cfg, ok := c[pciSlot]; ok && pciSlot != "" {
		return cfg, true
	}
	cfg, ok := c[cardID]
	return cfg, ok
}

// LoadGPUConfigs reads the YAML file at path. A missing file yields an empty
// set.
func LoadGPUConfigs(path string) (GPUConfigs, error) {
	if path == "" {
		return GPUConfigs{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GPUConfigs{}, nil
		}
		return nil, fmt.Errorf("read gpu config: %w", err)
	}
	return ParseGPUConfigs(data)
}

// ParseGPUConfigs decodes and validates a GPU config document.
func ParseGPUConfigs(data []byte) (GPUConfigs, error) {
	var file gpuConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode gpu config: %w", err)
	}

	out := make(GPUConfigs, len(file.GPUs))
	for key, cfg := range file.GPUs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("gpu %s: %w", key, err)
		}
		out[key] = cfg
	}
	return out, nil
}
