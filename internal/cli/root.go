// Package cli implements gpuctl, a one-shot command line front end to the
// GPU controllers.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skobkin/gpucontrold/internal/app"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/version"
)

type options struct {
	cfg      config.Config
	json     bool
	logLevel string
	logger   *slog.Logger
}

// NewRootCommand builds the gpuctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{cfg: config.Default()}
	opts.cfg.DiscoveryTimeout = 0
	opts.logLevel = "warn"

	root := &cobra.Command{
		Use:           "gpuctl",
		Short:         "Inspect and control Linux GPUs",
		Version:       version.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd.Flags(), cmd.ErrOrStderr())
		},
	}
	root.SetVersionTemplate("gpuctl {{.Version}}\n")

	bindGlobalFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newListCommand(opts),
		newStatsCommand(opts),
		newProcsCommand(opts),
		newInfoCommand(opts),
		newClocksCommand(opts),
		newApplyCommand(opts),
		newResetClocksCommand(opts),
		newResetPMFWCommand(opts),
		newVBIOSDumpCommand(opts),
		newProfilesCommand(opts),
	)
	return root
}

func bindGlobalFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVar(&opts.cfg.SysfsRoot, "sysfs", opts.cfg.SysfsRoot, "sysfs mount point")
	flags.StringVar(&opts.cfg.DebugfsRoot, "debugfs", opts.cfg.DebugfsRoot, "debugfs mount point")
	flags.StringVar(&opts.cfg.ProcRoot, "proc", opts.cfg.ProcRoot, "proc mount point")
	flags.StringVar(&opts.cfg.DevRoot, "dev", opts.cfg.DevRoot, "directory holding DRM device nodes")
	flags.DurationVar(&opts.cfg.DiscoveryTimeout, "discovery-timeout", opts.cfg.DiscoveryTimeout, "keep retrying discovery until a GPU shows up or this elapses")
	flags.BoolVar(&opts.json, "json", false, "print JSON instead of tables")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
}

// resolve layers APP_* variables under explicitly set flags.
func (o *options) resolve(flags *pflag.FlagSet, stderr io.Writer) error {
	env, err := config.Load()
	if err != nil {
		return err
	}

	overrides := []struct {
		flag string
		dst  *string
		env  string
	}{
		{"sysfs", &o.cfg.SysfsRoot, env.SysfsRoot},
		{"debugfs", &o.cfg.DebugfsRoot, env.DebugfsRoot},
		{"proc", &o.cfg.ProcRoot, env.ProcRoot},
		{"dev", &o.cfg.DevRoot, env.DevRoot},
	}
	for _, item := range overrides {
		if !flags.Changed(item.flag) {
			*item.dst = item.env
		}
	}
	o.cfg.Proc = env.Proc
	o.cfg.Probe = env.Probe
	o.cfg.GPUConfigPath = env.GPUConfigPath

	level, err := config.ParseLogLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("parse --log-level: %w", err)
	}
	o.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// withDevices opens every GPU for the duration of fn.
func (o *options) withDevices(ctx context.Context, fn func(*app.Devices) error) error {
	devices, err := app.OpenDevices(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := devices.Release(); err != nil {
			o.logger.Warn("failed to release devices", "err", err)
		}
	}()
	return fn(devices)
}

// withController runs fn against the controller of a single GPU, selected
// by card id or PCI slot.
func (o *options) withController(ctx context.Context, id string, fn func(gpu.Info, controller.GPUController) error) error {
	return o.withDevices(ctx, func(devices *app.Devices) error {
		info, ctrl, ok := devices.Lookup(id)
		if !ok {
			if info.ID != "" {
				return fmt.Errorf("gpu %s (driver %q) has no controller", id, info.Driver)
			}
			return fmt.Errorf("gpu %s not found", id)
		}
		return fn(info, ctrl)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
