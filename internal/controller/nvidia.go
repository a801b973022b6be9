//go:build !nonvml

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/skobkin/gpucontrold/internal/capability"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// nvmlDevice is the subset of nvml.Device the backend uses.
type nvmlDevice interface {
	GetClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetMaxClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetEnforcedPowerLimit() (uint32, nvml.Return)
	GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return)
	GetPowerManagementDefaultLimit() (uint32, nvml.Return)
	SetPowerManagementLimit(uint32) nvml.Return
	GetFanSpeed() (uint32, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetTemperatureThreshold(nvml.TemperatureThresholds) (uint32, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetCurrentClocksEventReasons() (uint64, nvml.Return)
	GetPerformanceState() (nvml.Pstates, nvml.Return)
	GetVbiosVersion() (string, nvml.Return)
	GetCurrPcieLinkWidth() (int, nvml.Return)
	GetMaxPcieLinkWidth() (int, nvml.Return)
	GetCurrPcieLinkGeneration() (int, nvml.Return)
	GetMaxPcieLinkGeneration() (int, nvml.Return)
	SetGpuLockedClocks(uint32, uint32) nvml.Return
	ResetGpuLockedClocks() nvml.Return
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetProcessUtilization(uint64) ([]nvml.ProcessUtilizationSample, nvml.Return)
}

// Bit values of nvmlClocksEventReason*.
var nvidiaThrottleReasons = []struct {
	mask uint64
	name string
}{
	{0x1, "gpu_idle"},
	{0x2, "applications_clocks_setting"},
	{0x4, "sw_power_cap"},
	{0x8, "hw_slowdown"},
	{0x10, "sync_boost"},
	{0x20, "sw_thermal_slowdown"},
	{0x40, "hw_thermal_slowdown"},
	{0x80, "hw_power_brake_slowdown"},
	{0x100, "display_clock_setting"},
}

// NvidiaController drives devices through the NVIDIA management library.
type NvidiaController struct {
	info     gpu.Info
	device   nvmlDevice
	shutdown func() error

	lockedMin uint32
	lockedMax uint32
	lastSeen  uint64

	prober    capability.Prober
	processes ProcessScanner
	logger    *slog.Logger
}

func newNvidia(info gpu.Info, opts Options) (GPUController, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init failed: %v", nvml.ErrorString(ret))
	}
	shutdown := func() error {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			return fmt.Errorf("nvml shutdown failed: %v", nvml.ErrorString(ret))
		}
		return nil
	}

	device, ret := nvml.DeviceGetHandleByPciBusId(info.PCI)
	if ret != nvml.SUCCESS {
		err := fmt.Errorf("nvml device %s: %v", info.PCI, nvml.ErrorString(ret))
		_ = shutdown()
		return nil, err
	}
	return newNvidiaController(info, device, shutdown, opts), nil
}

func newNvidiaController(info gpu.Info, device nvmlDevice, shutdown func() error, opts Options) *NvidiaController {
	opts = opts.withDefaults()
	return &NvidiaController{
		info:      info,
		device:    device,
		shutdown:  shutdown,
		prober:    opts.Prober,
		processes: opts.Processes,
		logger:    opts.Logger.With("component", "nvidia", "gpu_id", info.ID),
	}
}

func nvmlFailure(op string, ret nvml.Return) error {
	return fmt.Errorf("%s: nvml return code %d", op, int32(ret))
}

func (c *NvidiaController) Info() gpu.Info {
	return c.info
}

func (c *NvidiaController) DeviceType() schema.DeviceType {
	if memory, ret := c.device.GetMemoryInfo(); ret == nvml.SUCCESS && memory.Total > 0 {
		return schema.DeviceTypeDedicated
	}
	return schema.DeviceTypeIntegrated
}

func (c *NvidiaController) GetInfo(ctx context.Context) schema.DeviceInfo {
	info := schema.DeviceInfo{
		PCIInfo: pciInfo(c.info),
		Driver:  c.info.Driver,
		LinkInfo: schema.LinkInfo{
			CurrentWidth: formatLink(c.device.GetCurrPcieLinkWidth()),
			CurrentSpeed: formatLinkGen(c.device.GetCurrPcieLinkGeneration()),
			MaxWidth:     formatLink(c.device.GetMaxPcieLinkWidth()),
			MaxSpeed:     formatLinkGen(c.device.GetMaxPcieLinkGeneration()),
		},
	}
	if version, ret := c.device.GetVbiosVersion(); ret == nvml.SUCCESS && version != "" {
		info.VBIOSVersion = &version
	}
	info.VulkanInstances, info.OpenCLInfo = capability.Collect(ctx, c.prober, c.info, c.logger)
	return info
}

func formatLink(value int, ret nvml.Return) *string {
	if ret != nvml.SUCCESS {
		return nil
	}
	return schema.Ptr(strconv.Itoa(value))
}

func formatLinkGen(value int, ret nvml.Return) *string {
	if ret != nvml.SUCCESS {
		return nil
	}
	return schema.Ptr("Gen" + strconv.Itoa(value))
}

func (c *NvidiaController) GetStats(*config.GPUConfig) schema.DeviceStats {
	d := c.device
	var stats schema.DeviceStats

	if clock, ret := d.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		stats.Clockspeed.GPUClockspeed = schema.Ptr(uint64(clock))
	}
	if clock, ret := d.GetClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
		stats.Clockspeed.CurrentGFXClk = schema.Ptr(uint64(clock))
	}
	if clock, ret := d.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		stats.Clockspeed.VRAMClockspeed = schema.Ptr(uint64(clock))
	}

	stats.Power.Current = milliToUnit(d.GetPowerUsage())
	stats.Power.CapCurrent = milliToUnit(d.GetEnforcedPowerLimit())
	stats.Power.CapDefault = milliToUnit(d.GetPowerManagementDefaultLimit())
	if minLimit, maxLimit, ret := d.GetPowerManagementLimitConstraints(); ret == nvml.SUCCESS {
		stats.Power.CapMin = schema.Ptr(float64(minLimit) / 1000)
		stats.Power.CapMax = schema.Ptr(float64(maxLimit) / 1000)
	}

	if percent, ret := d.GetFanSpeed(); ret == nvml.SUCCESS {
		stats.Fan.PWMCurrent = schema.Ptr(uint8(min(percent, 100) * 255 / 100))
	}

	if memory, ret := d.GetMemoryInfo(); ret == nvml.SUCCESS && memory.Total > 0 {
		stats.VRAM = schema.VRAMStats{Total: schema.Ptr(memory.Total), Used: schema.Ptr(memory.Used)}
	}

	if util, ret := d.GetUtilizationRates(); ret == nvml.SUCCESS {
		stats.BusyPercent = schema.Ptr(clampPercent(float64(util.Gpu)))
		stats.MemBusyPercent = schema.Ptr(clampPercent(float64(util.Memory)))
	}

	if temp, ret := d.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		reading := schema.Temperature{Current: schema.Ptr(float32(temp))}
		if crit, ret := d.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); ret == nvml.SUCCESS {
			reading.Crit = schema.Ptr(float32(crit))
		}
		stats.Temps = map[string]schema.Temperature{"gpu": reading}
	}

	if reasons, ret := d.GetCurrentClocksEventReasons(); ret == nvml.SUCCESS {
		stats.ThrottleInfo = make(map[string][]string)
		for _, reason := range nvidiaThrottleReasons {
			if reasons&reason.mask != 0 {
				stats.ThrottleInfo[reason.name] = []string{}
			}
		}
	}

	if pstate, ret := d.GetPerformanceState(); ret == nvml.SUCCESS {
		stats.PerformanceLevel = schema.Ptr("P" + strconv.Itoa(int(pstate)))
	}

	return stats
}

func milliToUnit(value uint32, ret nvml.Return) *float64 {
	if ret != nvml.SUCCESS {
		return nil
	}
	return schema.Ptr(float64(value) / 1000)
}

// ApplyConfig locks the graphics clock range. NVML sets both bounds at once,
// so the bound not being changed keeps its last applied value.
func (c *NvidiaController) ApplyConfig(cfg config.GPUConfig) error {
	if cfg.MaxCoreClock != nil {
		maxClock := uint32(*cfg.MaxCoreClock)
		if ret := c.device.SetGpuLockedClocks(c.lockedMin, maxClock); ret != nvml.SUCCESS {
			return &KnobError{Knob: "max core clock", Err: nvmlFailure("set locked clocks", ret)}
		}
		c.lockedMax = maxClock
	}
	if cfg.MinCoreClock != nil {
		minClock := uint32(*cfg.MinCoreClock)
		maxClock := c.lockedMax
		if maxClock == 0 {
			maxClock = c.maxGraphicsClock()
		}
		if ret := c.device.SetGpuLockedClocks(minClock, maxClock); ret != nvml.SUCCESS {
			return &KnobError{Knob: "min core clock", Err: nvmlFailure("set locked clocks", ret)}
		}
		c.lockedMin = minClock
	}
	if cfg.PowerCap != nil {
		if ret := c.device.SetPowerManagementLimit(uint32(*cfg.PowerCap * 1000)); ret != nvml.SUCCESS {
			return &KnobError{Knob: "power cap", Err: nvmlFailure("set power limit", ret)}
		}
	}
	return nil
}

func (c *NvidiaController) maxGraphicsClock() uint32 {
	clock, ret := c.device.GetMaxClockInfo(nvml.CLOCK_GRAPHICS)
	if ret != nvml.SUCCESS {
		return 0
	}
	return clock
}

func (c *NvidiaController) GetClocksInfo(*config.GPUConfig) (schema.ClocksInfo, error) {
	var table schema.NvidiaClocksTable
	if clock, ret := c.device.GetMaxClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		table.GPCMax = &clock
	}
	if clock, ret := c.device.GetMaxClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		table.MemMax = &clock
	}

	var info schema.ClocksInfo
	if table.GPCMax != nil {
		info.MaxSclk = schema.Ptr(int32(*table.GPCMax))
	}
	if table.MemMax != nil {
		info.MaxMclk = schema.Ptr(int32(*table.MemMax))
	}
	if table.GPCMax != nil || table.MemMax != nil {
		info.Table = &schema.ClocksTable{Kind: schema.ClocksTableNvidia, Nvidia: &table}
	}
	return info, nil
}

func (c *NvidiaController) GetPowerStates(*config.GPUConfig) schema.PowerStates {
	return schema.PowerStates{}
}

func (c *NvidiaController) ResetClocks() error {
	if ret := c.device.ResetGpuLockedClocks(); ret != nvml.SUCCESS {
		c.logger.Warn("failed to reset locked clocks", "err", nvmlFailure("reset locked clocks", ret))
	}
	c.lockedMin, c.lockedMax = 0, 0
	return nil
}

func (c *NvidiaController) ResetPMFWSettings() {}

func (c *NvidiaController) GetPowerProfileModes() (schema.PowerProfileModesTable, error) {
	return schema.PowerProfileModesTable{}, fmt.Errorf("%w: power profile modes on NVIDIA", ErrUnsupported)
}

func (c *NvidiaController) VBIOSDump() ([]byte, error) {
	return nil, fmt.Errorf("%w: vbios dump on NVIDIA", ErrUnsupported)
}

// ProcessList merges compute and graphics contexts by PID. Utilization comes
// from the driver's samples newer than the previous call.
func (c *NvidiaController) ProcessList() (schema.ProcessList, error) {
	memory := make(map[int]uint64)
	for _, list := range []func() ([]nvml.ProcessInfo, nvml.Return){
		c.device.GetComputeRunningProcesses,
		c.device.GetGraphicsRunningProcesses,
	} {
		procs, ret := list()
		if ret != nvml.SUCCESS {
			return schema.ProcessList{}, nvmlFailure("list running processes", ret)
		}
		for _, proc := range procs {
			pid := int(proc.Pid)
			memory[pid] = max(memory[pid], proc.UsedGpuMemory)
		}
	}

	utilization := make(map[int]map[schema.UtilizationType]float64)
	samples, ret := c.device.GetProcessUtilization(c.lastSeen)
	switch ret {
	case nvml.SUCCESS:
		for _, sample := range samples {
			c.lastSeen = max(c.lastSeen, sample.TimeStamp)
			utilization[int(sample.Pid)] = map[schema.UtilizationType]float64{
				schema.UtilGraphics: float64(min(sample.SmUtil, 100)),
				schema.UtilMemory:   float64(min(sample.MemUtil, 100)),
				schema.UtilEncode:   float64(min(sample.EncUtil, 100)),
				schema.UtilDecode:   float64(min(sample.DecUtil, 100)),
			}
		}
	case nvml.ERROR_NOT_FOUND:
	default:
		c.logger.Debug("process utilization unavailable", "err", nvmlFailure("process utilization", ret))
	}

	pids := make([]int, 0, len(memory))
	for pid := range memory {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	processes := make([]schema.ProcessInfo, 0, len(pids))
	for _, pid := range pids {
		proc := schema.ProcessInfo{
			PID:         pid,
			MemoryUsed:  memory[pid],
			Utilization: utilization[pid],
		}
		if c.processes != nil {
			proc.Name, proc.Args, _ = c.processes.Describe(pid)
		}
		processes = append(processes, proc)
	}

	return schema.ProcessList{
		Processes: processes,
		SupportedUtilTypes: []schema.UtilizationType{
			schema.UtilGraphics, schema.UtilMemory, schema.UtilEncode, schema.UtilDecode,
		},
	}, nil
}

func (c *NvidiaController) Close() error {
	if c.shutdown == nil {
		return nil
	}
	err := c.shutdown()
	c.shutdown = nil
	return err
}

var _ GPUController = (*NvidiaController)(nil)
