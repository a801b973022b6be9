package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpucontrold/internal/api"
	"github.com/skobkin/gpucontrold/internal/app"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
)

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered GPUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withDevices(cmd.Context(), func(devices *app.Devices) error {
				gpus := make([]api.GPU, 0, len(devices.GPUs))
				for _, info := range devices.GPUs {
					var deviceType schema.DeviceType
					if ctrl, ok := devices.Controllers[info.ID]; ok {
						deviceType = ctrl.DeviceType()
					}
					gpus = append(gpus, api.NewGPU(info, deviceType))
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), gpus)
				}
				printGPUTable(cmd.OutOrStdout(), gpus)
				return nil
			})
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "stats <gpu>",
		Short: "Print a snapshot of GPU statistics",
		Long: "Print a snapshot of GPU statistics. Rates derived from counters, such as Intel busy " +
			"percent and energy based power, need two samples taken --interval apart.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(info gpu.Info, ctrl controller.GPUController) error {
				stats, err := sampleStats(cmd.Context(), ctrl, opts.gpuConfig(info), interval)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				printStatsTable(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "delay between the two samples; 0 takes a single sample")
	return cmd
}

// sampleStats polls twice when interval is positive so that counter based
// rates have a baseline. Only the second snapshot is returned.
func sampleStats(ctx context.Context, ctrl controller.GPUController, gpuCfg *config.GPUConfig, interval time.Duration) (schema.DeviceStats, error) {
	stats := ctrl.GetStats(gpuCfg)
	if interval <= 0 {
		return stats, nil
	}
	if err := sleepContext(ctx, interval); err != nil {
		return schema.DeviceStats{}, err
	}
	return ctrl.GetStats(gpuCfg), nil
}

func newProcsCommand(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "procs <gpu>",
		Short: "List processes using the GPU",
		Long:  "List processes using the GPU. Utilization needs two samples, taken --interval apart.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				procs, err := ctrl.ProcessList()
				if err != nil {
					return err
				}
				if interval > 0 {
					if err := sleepContext(cmd.Context(), interval); err != nil {
						return err
					}
					if procs, err = ctrl.ProcessList(); err != nil {
						return err
					}
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), procs)
				}
				printProcessTable(cmd.OutOrStdout(), procs)
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "delay between the two samples; 0 skips utilization")
	return cmd
}

func newInfoCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info <gpu>",
		Short: "Print static device information and API capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				ctx := cmd.Context()
				if opts.cfg.Probe.Timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, opts.cfg.Probe.Timeout)
					defer cancel()
				}
				return printJSON(cmd.OutOrStdout(), ctrl.GetInfo(ctx))
			})
		},
	}
}

func newClocksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clocks <gpu>",
		Short: "Print the clock table and power states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(info gpu.Info, ctrl controller.GPUController) error {
				gpuCfg := opts.gpuConfig(info)
				clocks, err := ctrl.GetClocksInfo(gpuCfg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Clocks      schema.ClocksInfo  `json:"clocks"`
					PowerStates schema.PowerStates `json:"power_states"`
				}{clocks, ctrl.GetPowerStates(gpuCfg)})
			})
		},
	}
}

func newApplyCommand(opts *options) *cobra.Command {
	var (
		maxClock int32
		minClock int32
		powerCap float64
		fromFile bool
	)
	cmd := &cobra.Command{
		Use:   "apply <gpu>",
		Short: "Set clock limits and the power cap",
		Long: "Set clock limits and the power cap. Knobs are applied as max clock, min clock, power cap " +
			"and the first failure stops the rest; knobs applied before it stay in effect.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return opts.withController(cmd.Context(), args[0], func(info gpu.Info, ctrl controller.GPUController) error {
				var gpuCfg config.GPUConfig
				if fromFile {
					if stored := opts.gpuConfig(info); stored != nil {
						gpuCfg = *stored
					}
				}
				if flags.Changed("max-core-clock") {
					gpuCfg.MaxCoreClock = &maxClock
				}
				if flags.Changed("min-core-clock") {
					gpuCfg.MinCoreClock = &minClock
				}
				if flags.Changed("power-cap") {
					gpuCfg.PowerCap = &powerCap
				}
				if gpuCfg.IsEmpty() {
					return errors.New("nothing to apply")
				}
				if err := gpuCfg.Validate(); err != nil {
					return err
				}

				result := api.ApplyResult{GPUId: info.ID}
				applyErr := ctrl.ApplyConfig(gpuCfg)
				if applyErr != nil {
					result.Error = applyErr.Error()
					var knobErr *controller.KnobError
					if errors.As(applyErr, &knobErr) {
						result.FailedKnob = knobErr.Knob
					}
				}
				if opts.json {
					if err := printJSON(cmd.OutOrStdout(), result); err != nil {
						return err
					}
				} else if applyErr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "applied configuration to %s\n", info.ID)
				}
				return applyErr
			})
		},
	}
	flags := cmd.Flags()
	flags.Int32Var(&maxClock, "max-core-clock", 0, "maximum core clock in MHz")
	flags.Int32Var(&minClock, "min-core-clock", 0, "minimum core clock in MHz")
	flags.Float64Var(&powerCap, "power-cap", 0, "power cap in Watts")
	flags.BoolVar(&fromFile, "from-config", false, "start from the GPU's entry in the APP_GPU_CONFIG file")
	return cmd
}

func newResetClocksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-clocks <gpu>",
		Short: "Restore driver default clock limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				return ctrl.ResetClocks()
			})
		},
	}
}

func newResetPMFWCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-pmfw <gpu>",
		Short: "Restore firmware fan control defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				ctrl.ResetPMFWSettings()
				return nil
			})
		},
	}
}

func newVBIOSDumpCommand(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "vbios-dump <gpu>",
		Short: "Write the video BIOS image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				image, err := ctrl.VBIOSDump()
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(image)
					return err
				}
				return os.WriteFile(output, image, 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, stdout when empty")
	return cmd
}

func newProfilesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles <gpu>",
		Short: "List firmware power profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withController(cmd.Context(), args[0], func(_ gpu.Info, ctrl controller.GPUController) error {
				table, err := ctrl.GetPowerProfileModes()
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), table)
				}
				printProfilesTable(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

// gpuConfig returns the GPU's entry in the configured YAML file, if any.
func (o *options) gpuConfig(info gpu.Info) *config.GPUConfig {
	configs, err := config.LoadGPUConfigs(o.cfg.GPUConfigPath)
	if err != nil {
		o.logger.Warn("ignoring gpu config", "path", o.cfg.GPUConfigPath, "err", err)
		return nil
	}
	gpuCfg, ok := configs.Lookup(info.PCI, info.ID)
	if !ok {
		return nil
	}
	return &gpuCfg
}
