package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/skobkin/gpucontrold/internal/capability"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/drm"
	"github.com/skobkin/gpucontrold/internal/fdinfo"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
	"github.com/skobkin/gpucontrold/internal/sysfs"
)

const (
	gpuBusyFilename         = "gpu_busy_percent"
	memBusyFilename         = "mem_busy_percent"
	ppDpmSclkFilename       = "pp_dpm_sclk"
	ppDpmMclkFilename       = "pp_dpm_mclk"
	ppODClkVoltageFilename  = "pp_od_clk_voltage"
	ppPowerProfileFilename  = "pp_power_profile_mode"
	perfLevelFilename       = "power_dpm_force_performance_level"
	fanCtrlDir              = "gpu_od/fan_ctrl"
	debugPmInfoFilename     = "amdgpu_pm_info"
	debugVBIOSFilename      = "amdgpu_vbios"
	vramTotalFilename       = "mem_info_vram_total"
	vramUsedFilename        = "mem_info_vram_used"
	visVRAMTotalFilename    = "mem_info_vis_vram_total"
	visVRAMUsedFilename     = "mem_info_vis_vram_used"
	vbiosVersionFilename    = "vbios_version"
	hwmonGFXClkFilename     = "freq1_input"
	hwmonNorthbridgeVoltage = "in1_input"
)

var (
	amdVRAMKeys = []string{"drm-total-vram", "drm-memory-vram"}

	amdEngines = []fdinfo.Engine{
		{Name: "gfx", Type: schema.UtilGraphics},
		{Name: "compute", Type: schema.UtilCompute},
		{Name: "enc", Type: schema.UtilEncode},
		{Name: "dec", Type: schema.UtilDecode},
	}
)

// AMDController drives amdgpu devices through sysfs, hwmon and debugfs.
type AMDController struct {
	info        gpu.Info
	sysfs       *sysfs.Accessor
	debugfsPath string

	renderNode   *os.File
	queryRegions regionQuery

	prober capability.Prober
	procs  *processTracker
	logger *slog.Logger
}

func NewAMD(info gpu.Info, opts Options) (*AMDController, error) {
	if info.Driver != "amdgpu" {
		return nil, fmt.Errorf("%w: %q is not amdgpu", ErrUnsupported, info.Driver)
	}
	opts = opts.withDefaults()

	logger := opts.Logger.With("component", "amdgpu", "gpu_id", info.ID)
	c := &AMDController{
		info:         info,
		sysfs:        sysfs.New(info.SysfsPath, logger),
		debugfsPath:  debugfsDir(opts.DebugfsRoot, info),
		queryRegions: drm.QueryAMDGPURegions,
		prober:       opts.Prober,
		procs:        newProcessTracker(opts.Processes, []string{info.RenderNode, info.CardNode}, amdVRAMKeys, amdEngines, opts.Now),
		logger:       logger,
	}
	c.renderNode = openRenderNode(info, logger)
	return c, nil
}

func (c *AMDController) Info() gpu.Info {
	return c.info
}

func (c *AMDController) DeviceType() schema.DeviceType {
	if c.vramInfo().Total > 0 {
		return schema.DeviceTypeDedicated
	}
	return schema.DeviceTypeIntegrated
}

// vramInfo prefers the sysfs counters and falls back to the info ioctl.
func (c *AMDController) vramInfo() drm.VRAMInfo {
	total, ok := c.sysfs.Uint64(vramTotalFilename)
	if !ok {
		return queryVRAM(c.renderNode, c.queryRegions, c.logger)
	}
	info := drm.VRAMInfo{Total: total}
	if total > 0 {
		info.Used, _ = c.sysfs.Uint64(vramUsedFilename)
	}
	info.CPUAccessibleTotal, _ = c.sysfs.Uint64(visVRAMTotalFilename)
	info.CPUAccessibleUsed, _ = c.sysfs.Uint64(visVRAMUsedFilename)
	return info
}

func (c *AMDController) GetInfo(ctx context.Context) schema.DeviceInfo {
	vram := c.vramInfo()

	memory := &schema.DRMMemoryInfo{
		CPUAccessibleUsed:  vram.CPUAccessibleUsed,
		CPUAccessibleTotal: vram.CPUAccessibleTotal,
	}
	if vram.Total > 0 && vram.CPUAccessibleTotal > 0 {
		memory.ResizeableBAR = schema.Ptr(vram.CPUAccessibleTotal == vram.Total)
	}

	info := schema.DeviceInfo{
		PCIInfo:  pciInfo(c.info),
		Driver:   c.info.Driver,
		LinkInfo: readLinkInfo(c.sysfs),
		DRMInfo: &schema.DRMInfo{
			VRAMClockRatio: 1,
			MemoryInfo:     memory,
		},
	}
	if version, ok := c.sysfs.String(vbiosVersionFilename); ok {
		info.VBIOSVersion = &version
	}

	info.VulkanInstances, info.OpenCLInfo = capability.Collect(ctx, c.prober, c.info, c.logger)
	return info
}

func (c *AMDController) GetStats(*config.GPUConfig) schema.DeviceStats {
	stats := schema.DeviceStats{
		BusyPercent:    c.readPercent(gpuBusyFilename),
		MemBusyPercent: c.readPercent(memBusyFilename),
		Temps:          hwmonTemperatures(c.sysfs, "gpu", true),
		Fan:            hwmonFan(c.sysfs),
		VRAM:           vramStats(c.vramInfo()),
	}

	if level, ok := c.currentClock(ppDpmSclkFilename); ok {
		stats.Clockspeed.GPUClockspeed = &level
	}
	if level, ok := c.currentClock(ppDpmMclkFilename); ok {
		stats.Clockspeed.VRAMClockspeed = &level
	}
	if hwmon := c.sysfs.HwmonPath(); hwmon != "" {
		if hz, ok := c.sysfs.Uint64(filepath.Join(hwmon, hwmonGFXClkFilename)); ok {
			stats.Clockspeed.CurrentGFXClk = schema.Ptr(hz / 1_000_000)
		}
		if mv, ok := c.sysfs.Uint64(filepath.Join(hwmon, hwmonNorthbridgeVoltage)); ok {
			stats.Voltage.Northbridge = &mv
		}
	}
	if mv, ok := sysfs.FirstHwmon(c.sysfs, "in", "_input", sysfs.ParseUint64); ok {
		stats.Voltage.GPU = &mv
	}

	stats.Power = schema.PowerStats{
		Average:    c.hwmonWatts("_average"),
		Current:    c.hwmonWatts("_input"),
		CapCurrent: c.hwmonWatts("_cap"),
		CapMin:     c.hwmonWatts("_cap_min"),
		CapMax:     c.hwmonWatts("_cap_max"),
		CapDefault: c.hwmonWatts("_cap_default"),
	}

	if level, ok := c.sysfs.String(perfLevelFilename); ok {
		stats.PerformanceLevel = &level
	}

	if stats.BusyPercent == nil || stats.Clockspeed.GPUClockspeed == nil ||
		stats.Clockspeed.VRAMClockspeed == nil || stats.Power.Average == nil || len(stats.Temps) == 0 {
		c.applyDebugFSFallback(&stats)
	}

	return stats
}

func (c *AMDController) applyDebugFSFallback(stats *schema.DeviceStats) {
	if c.debugfsPath == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(c.debugfsPath, debugPmInfoFilename))
	if err != nil {
		return
	}
	info := parsePMInfo(data)

	if stats.BusyPercent == nil && info.gpuLoad != nil {
		stats.BusyPercent = schema.Ptr(clampPercent(*info.gpuLoad))
	}
	if stats.Clockspeed.GPUClockspeed == nil && info.sclkMHz != nil {
		stats.Clockspeed.GPUClockspeed = schema.Ptr(uint64(*info.sclkMHz))
	}
	if stats.Clockspeed.VRAMClockspeed == nil && info.mclkMHz != nil {
		stats.Clockspeed.VRAMClockspeed = schema.Ptr(uint64(*info.mclkMHz))
	}
	if stats.Power.Average == nil && info.powerW != nil {
		stats.Power.Average = info.powerW
	}
	if len(stats.Temps) == 0 && info.tempC != nil {
		stats.Temps = map[string]schema.Temperature{
			"gpu": {Current: schema.Ptr(float32(*info.tempC))},
		}
	}
}

// readPercent accepts values scaled by 100, which some kernels report.
func (c *AMDController) readPercent(name string) *uint8 {
	value, ok := c.sysfs.Float64(name)
	if !ok || value < 0 {
		return nil
	}
	if value > 100 {
		value /= 100
	}
	return schema.Ptr(clampPercent(value))
}

func (c *AMDController) currentClock(name string) (uint64, bool) {
	data, ok := c.sysfs.Raw(name)
	if !ok {
		return 0, false
	}
	level, ok := currentDPMLevel(parseDPMLevels(data))
	return level.MHz, ok
}

func (c *AMDController) hwmonWatts(suffix string) *float64 {
	value, ok := sysfs.FirstHwmon(c.sysfs, "power", suffix, sysfs.ParseUint64)
	if !ok {
		return nil
	}
	return schema.Ptr(microToUnit(value))
}

// ApplyConfig writes overdrive clock levels and commits them before setting
// the power cap.
func (c *AMDController) ApplyConfig(cfg config.GPUConfig) error {
	if cfg.MaxCoreClock != nil {
		if err := c.sysfs.Write(ppODClkVoltageFilename, fmt.Sprintf("s 1 %d\n", *cfg.MaxCoreClock)); err != nil {
			return &KnobError{Knob: "max core clock", Err: err}
		}
	}
	if cfg.MinCoreClock != nil {
		if err := c.sysfs.Write(ppODClkVoltageFilename, fmt.Sprintf("s 0 %d\n", *cfg.MinCoreClock)); err != nil {
			return &KnobError{Knob: "min core clock", Err: err}
		}
	}
	if cfg.MaxCoreClock != nil || cfg.MinCoreClock != nil {
		if err := c.sysfs.Write(ppODClkVoltageFilename, "c\n"); err != nil {
			return &KnobError{Knob: "clock commit", Err: err}
		}
	}
	if cfg.PowerCap != nil {
		value := strconv.FormatUint(uint64(*cfg.PowerCap*1_000_000), 10)
		if err := c.sysfs.WriteFirstHwmon("power", "_cap", value); err != nil {
			return &KnobError{Knob: "power cap", Err: err}
		}
	}
	return nil
}

func (c *AMDController) GetClocksInfo(*config.GPUConfig) (schema.ClocksInfo, error) {
	var info schema.ClocksInfo

	if data, ok := c.sysfs.Raw(ppODClkVoltageFilename); ok {
		table := parseODTable(data)
		if table != (schema.AMDClocksTable{}) {
			info.Table = &schema.ClocksTable{Kind: schema.ClocksTableAMD, AMD: &table}
			info.MaxSclk = table.CurrentSclkMax
			info.MaxMclk = table.CurrentMclkMax
		}
	}

	if info.MaxSclk == nil {
		info.MaxSclk = c.maxDPMLevel(ppDpmSclkFilename)
	}
	if info.MaxMclk == nil {
		info.MaxMclk = c.maxDPMLevel(ppDpmMclkFilename)
	}
	return info, nil
}

func (c *AMDController) maxDPMLevel(name string) *int32 {
	data, ok := c.sysfs.Raw(name)
	if !ok {
		return nil
	}
	var best *int32
	for _, level := range parseDPMLevels(data) {
		if best == nil || int32(level.MHz) > *best {
			best = schema.Ptr(int32(level.MHz))
		}
	}
	return best
}

func (c *AMDController) GetPowerStates(*config.GPUConfig) schema.PowerStates {
	return schema.PowerStates{
		Core: c.powerStates(ppDpmSclkFilename),
		VRAM: c.powerStates(ppDpmMclkFilename),
	}
}

func (c *AMDController) powerStates(name string) []schema.PowerState {
	data, ok := c.sysfs.Raw(name)
	if !ok {
		return nil
	}
	levels := parseDPMLevels(data)
	if len(levels) == 0 {
		return nil
	}
	states := make([]schema.PowerState, 0, len(levels))
	for _, level := range levels {
		states = append(states, schema.PowerState{
			Enabled: true,
			Value:   level.MHz,
			Index:   schema.Ptr(level.Index),
		})
	}
	return states
}

// ResetClocks restores the default overdrive table. Devices without
// overdrive support have nothing to reset.
func (c *AMDController) ResetClocks() error {
	if !c.sysfs.Exists(ppODClkVoltageFilename) {
		c.logger.Debug("overdrive not available, nothing to reset")
		return nil
	}
	for _, command := range []string{"r\n", "c\n"} {
		if err := c.sysfs.Write(ppODClkVoltageFilename, command); err != nil {
			c.logger.Warn("failed to reset overdrive table", "command", command[:1], "err", err)
		}
	}
	return nil
}

// ResetPMFWSettings resets every firmware fan control knob.
func (c *AMDController) ResetPMFWSettings() {
	for _, name := range c.sysfs.Names(fanCtrlDir) {
		path := filepath.Join(fanCtrlDir, name)
		for _, command := range []string{"r\n", "c\n"} {
			if err := c.sysfs.Write(path, command); err != nil {
				c.logger.Warn("failed to reset pmfw setting", "knob", name, "err", err)
				break
			}
		}
	}
}

func (c *AMDController) GetPowerProfileModes() (schema.PowerProfileModesTable, error) {
	data, ok := c.sysfs.Raw(ppPowerProfileFilename)
	if !ok {
		return schema.PowerProfileModesTable{}, fmt.Errorf("%w: %s not available", ErrUnsupported, ppPowerProfileFilename)
	}
	table := parsePowerProfileModes(data)
	if len(table.Modes) == 0 {
		return schema.PowerProfileModesTable{}, errors.New("no power profile modes found")
	}
	return table, nil
}

func (c *AMDController) VBIOSDump() ([]byte, error) {
	if c.debugfsPath == "" {
		return nil, errors.New("debugfs directory not found")
	}
	data, err := os.ReadFile(filepath.Join(c.debugfsPath, debugVBIOSFilename))
	if err != nil {
		return nil, fmt.Errorf("read vbios: %w", err)
	}
	return data, nil
}

func (c *AMDController) ProcessList() (schema.ProcessList, error) {
	return c.procs.list()
}

func (c *AMDController) Close() error {
	if c.renderNode == nil {
		return nil
	}
	err := c.renderNode.Close()
	c.renderNode = nil
	if err != nil {
		return fmt.Errorf("close render node: %w", err)
	}
	return nil
}

var (
	_ GPUController = (*AMDController)(nil)
	_ GPUController = (*IntelController)(nil)
)
