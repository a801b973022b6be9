// Package controller implements the per-vendor GPU backends behind a single
// capability contract.
//
// Controllers are not safe for concurrent use. The owner serializes calls;
// see sampler.Manager.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/gpucontrold/internal/capability"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/procscan"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// ErrUnsupported is returned for operations a backend does not implement.
var ErrUnsupported = errors.New("operation not supported")

// KnobError reports which control knob failed during ApplyConfig.
type KnobError struct {
	Knob string
	Err  error
}

func (e *KnobError) Error() string {
	return fmt.Sprintf("set %s: %v", e.Knob, e.Err)
}

func (e *KnobError) Unwrap() error {
	return e.Err
}

// GPUController is the capability set every vendor backend provides.
type GPUController interface {
	Info() gpu.Info
	DeviceType() schema.DeviceType
	// GetInfo runs the vendor probe and the Vulkan/OpenCL collaborators.
	// Collaborator failures degrade to empty results.
	GetInfo(ctx context.Context) schema.DeviceInfo
	// GetStats never fails; unavailable values are nil.
	GetStats(cfg *config.GPUConfig) schema.DeviceStats
	// ApplyConfig sets max clock, min clock and power cap in that order and
	// stops at the first failure, returning a *KnobError.
	ApplyConfig(cfg config.GPUConfig) error
	GetClocksInfo(cfg *config.GPUConfig) (schema.ClocksInfo, error)
	GetPowerStates(cfg *config.GPUConfig) schema.PowerStates
	// ResetClocks restores driver defaults on a best-effort basis.
	ResetClocks() error
	ResetPMFWSettings()
	GetPowerProfileModes() (schema.PowerProfileModesTable, error)
	VBIOSDump() ([]byte, error)
	ProcessList() (schema.ProcessList, error)
	Close() error
}

// ProcessScanner finds processes holding DRM nodes open.
type ProcessScanner interface {
	Scan(nodes ...string) ([]procscan.Record, error)
	Describe(pid int) (name, command string, ok bool)
}

// Options carries the collaborators shared by all backends.
type Options struct {
	DebugfsRoot string
	Prober      capability.Prober
	Processes   ProcessScanner
	Logger      *slog.Logger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New constructs the backend matching info.Driver.
func New(info gpu.Info, opts Options) (GPUController, error) {
	switch info.Driver {
	case "i915", "xe":
		return NewIntel(info, opts)
	case "amdgpu":
		return NewAMD(info, opts)
	case "nvidia":
		return newNvidia(info, opts)
	default:
		return nil, fmt.Errorf("%w: driver %q", ErrUnsupported, info.Driver)
	}
}
