package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skobkin/gpucontrold/internal/capability"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/procscan"
)

var errNoGPUs = errors.New("no gpus discovered")

// Devices is the set of discovered GPUs and the controllers built for them.
type Devices struct {
	GPUs        []gpu.Info
	Controllers map[string]controller.GPUController

	scanner *procscan.Scanner
	logger  *slog.Logger
}

// OpenDevices discovers GPUs and constructs a controller for each one the
// daemon knows how to drive. GPUs without a controller are logged and kept in
// GPUs so they are still listed.
func OpenDevices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Devices, error) {
	gpus, err := discover(ctx, cfg, logger.With("component", "gpu_discovery"))
	if err != nil {
		return nil, err
	}

	devices := &Devices{
		GPUs:        gpus,
		Controllers: make(map[string]controller.GPUController, len(gpus)),
		logger:      logger.With("component", "devices"),
	}

	opts := controller.Options{
		DebugfsRoot: cfg.DebugfsRoot,
		Prober:      capability.NewExecProber(cfg.Probe.VulkaninfoBin, cfg.Probe.ClinfoBin, nil),
		Logger:      logger.With("component", "controller"),
	}

	if cfg.Proc.Enable {
		scanner, err := procscan.NewScanner(cfg.ProcRoot, cfg.Proc.MaxPIDs, cfg.Proc.MaxFDsPerPID, logger.With("component", "procscan"))
		if err != nil {
			devices.logger.Warn("process scanning disabled", "err", err)
		} else {
			devices.scanner = scanner
			opts.Processes = scanner
		}
	}

	for _, info := range gpus {
		ctrl, err := controller.New(info, opts)
		if err != nil {
			devices.logger.Warn("no controller for gpu", "gpu_id", info.ID, "driver", info.Driver, "err", err)
			continue
		}
		devices.Controllers[info.ID] = ctrl
	}

	return devices, nil
}

func discover(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]gpu.Info, error) {
	attempt := func() ([]gpu.Info, error) {
		gpus, err := gpu.Discover(cfg.SysfsRoot, cfg.DevRoot, logger)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("discover gpus: %w", err))
		}
		if len(gpus) == 0 {
			return nil, errNoGPUs
		}
		return gpus, nil
	}

	if cfg.DiscoveryTimeout <= 0 {
		gpus, err := attempt()
		if errors.Is(err, errNoGPUs) {
			return nil, nil
		}
		return gpus, unwrapPermanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.DiscoveryTimeout

	var gpus []gpu.Info
	operation := func() error {
		var err error
		gpus, err = attempt()
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Info("waiting for gpus", "reason", err, "retry_in", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		return gpus, nil
	case errors.Is(err, errNoGPUs):
		logger.Warn("no gpus found", "timeout", cfg.DiscoveryTimeout)
		return nil, nil
	default:
		return nil, err
	}
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Lookup finds a GPU by card id or PCI slot.
func (d *Devices) Lookup(id string) (gpu.Info, controller.GPUController, bool) {
	for _, info := range d.GPUs {
		if info.ID == id || (info.PCI != "" && info.PCI == id) {
			ctrl, ok := d.Controllers[info.ID]
			return info, ctrl, ok
		}
	}
	return gpu.Info{}, nil, false
}

// ApplyConfigs applies the configured knobs to every matching controller.
// Failures are logged and do not stop the remaining GPUs.
func (d *Devices) ApplyConfigs(configs config.GPUConfigs) map[string]*config.GPUConfig {
	applied := make(map[string]*config.GPUConfig)
	for _, info := range d.GPUs {
		ctrl, ok := d.Controllers[info.ID]
		if !ok {
			continue
		}
		gpuCfg, ok := configs.Lookup(info.PCI, info.ID)
		if !ok {
			continue
		}
		applied[info.ID] = &gpuCfg
		if gpuCfg.IsEmpty() {
			continue
		}

		logger := d.logger.With("gpu_id", info.ID)
		if err := ctrl.ApplyConfig(gpuCfg); err != nil {
			var knobErr *controller.KnobError
			if errors.As(err, &knobErr) {
				logger.Error("failed to apply gpu config", "knob", knobErr.Knob, "err", knobErr.Err)
			} else {
				logger.Error("failed to apply gpu config", "err", err)
			}
			continue
		}
		logger.Info("applied gpu config")
	}
	return applied
}

// Release closes every controller still owned by d and the process scanner.
func (d *Devices) Release() error {
	var errs []error
	for id, ctrl := range d.Controllers {
		if err := ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close controller %s: %w", id, err))
		}
	}
	d.Controllers = nil
	if err := d.CloseScanner(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CloseScanner releases the process scanner. Controllers must not be used
// for process listing afterwards.
func (d *Devices) CloseScanner() error {
	if d.scanner == nil {
		return nil
	}
	err := d.scanner.Close()
	d.scanner = nil
	if err != nil {
		return fmt.Errorf("close process scanner: %w", err)
	}
	return nil
}
