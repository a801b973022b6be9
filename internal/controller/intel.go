package controller

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gpucontrold/internal/capability"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/drm"
	"github.com/skobkin/gpucontrold/internal/fdinfo"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/ratemetric"
	"github.com/skobkin/gpucontrold/internal/schema"
	"github.com/skobkin/gpucontrold/internal/sysfs"
)

var (
	intelVRAMKeys = []string{"drm-total-vram0", "drm-total-local0", "drm-total-system0"}

	i915Engines = []fdinfo.Engine{
		{Name: "render", Type: schema.UtilGraphics},
		{Name: "compute", Type: schema.UtilCompute},
		{Name: "video", Type: schema.UtilDecode},
	}
	xeEngines = []fdinfo.Engine{
		{Name: "rcs", Type: schema.UtilGraphics},
		{Name: "ccs", Type: schema.UtilCompute},
		{Name: "vcs", Type: schema.UtilDecode},
	}
)

type driverType int

const (
	driverI915 driverType = iota
	driverXe
)

// FrequencyKnob names a GT frequency attribute independent of driver generation.
type FrequencyKnob int

const (
	FreqCurrent FrequencyKnob = iota
	FreqActual
	FreqBoost
	FreqMin
	FreqMax
	FreqRatedMax       // RP0
	FreqRatedEfficient // RPe
	FreqRatedMin       // RPn
)

func (k FrequencyKnob) String() string {
	switch k {
	case FreqCurrent:
		return "current"
	case FreqActual:
		return "actual"
	case FreqBoost:
		return "boost"
	case FreqMin:
		return "min"
	case FreqMax:
		return "max"
	case FreqRatedMax:
		return "rp0"
	case FreqRatedEfficient:
		return "rpe"
	case FreqRatedMin:
		return "rpn"
	default:
		return "unknown"
	}
}

var i915FreqInfix = map[FrequencyKnob]string{
	FreqCurrent:        "cur",
	FreqActual:         "act",
	FreqBoost:          "boost",
	FreqMin:            "min",
	FreqMax:            "max",
	FreqRatedMax:       "RP0",
	FreqRatedEfficient: "RP1",
	FreqRatedMin:       "RPn",
}

var xeFreqPrefix = map[FrequencyKnob]string{
	FreqCurrent:        "cur",
	FreqActual:         "act",
	FreqMin:            "min",
	FreqMax:            "max",
	FreqRatedMax:       "rp0",
	FreqRatedEfficient: "rpe",
	FreqRatedMin:       "rpn",
}

// IntelController drives i915 and xe devices.
type IntelController struct {
	info        gpu.Info
	driver      driverType
	sysfs       *sysfs.Accessor
	debugfsPath string
	tileGTs     []string

	renderNode   *os.File
	queryRegions regionQuery
	getParam     func(fd uintptr, param int32) (int32, error)

	prober capability.Prober
	procs  *processTracker

	busy   ratemetric.Tracker
	energy ratemetric.Tracker

	initialPowerCap *float64

	now    func() time.Time
	logger *slog.Logger
}

// NewIntel opens the render node and captures the initial power cap.
func NewIntel(info gpu.Info, opts Options) (*IntelController, error) {
	opts = opts.withDefaults()

	var (
		driver  driverType
		query   regionQuery
		engines []fdinfo.Engine
	)
	switch info.Driver {
	case "i915":
		driver, query, engines = driverI915, drm.QueryI915Regions, i915Engines
	case "xe":
		driver, query, engines = driverXe, drm.QueryXeRegions, xeEngines
	default:
		return nil, fmt.Errorf("%w: %q is not an Intel driver", ErrUnsupported, info.Driver)
	}

	logger := opts.Logger.With("component", "intel", "gpu_id", info.ID)
	c := &IntelController{
		info:         info,
		driver:       driver,
		sysfs:        sysfs.New(info.SysfsPath, logger),
		debugfsPath:  debugfsDir(opts.DebugfsRoot, info),
		tileGTs:      findTileGTs(info.SysfsPath),
		queryRegions: query,
		getParam:     drm.I915GetParam,
		prober:       opts.Prober,
		procs:        newProcessTracker(opts.Processes, []string{info.RenderNode, info.CardNode}, intelVRAMKeys, engines, opts.Now),
		now:          opts.Now,
		logger:       logger,
	}
	if len(c.tileGTs) > 0 {
		logger.Info("initialized gt", "count", len(c.tileGTs), "path", info.SysfsPath)
	}

	c.renderNode = openRenderNode(info, logger)

	if limit, ok := c.powerCap(); ok && limit != 0 {
		c.initialPowerCap = schema.Ptr(limit)
	}

	return c, nil
}

// findTileGTs returns the tileN/gtM directories below the device, sorted.
func findTileGTs(devicePath string) []string {
	tiles, err := os.ReadDir(devicePath)
	if err != nil {
		return nil
	}
	var gts []string
	for _, tile := range tiles {
		if !strings.HasPrefix(tile.Name(), "tile") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(devicePath, tile.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "gt") {
				gts = append(gts, filepath.Join(tile.Name(), entry.Name()))
			}
		}
	}
	sort.Strings(gts)
	return gts
}

func (c *IntelController) Info() gpu.Info {
	return c.info
}

func (c *IntelController) DeviceType() schema.DeviceType {
	if c.vramInfo().Total > 0 {
		return schema.DeviceTypeDedicated
	}
	return schema.DeviceTypeIntegrated
}

func (c *IntelController) cardPath() string {
	return filepath.Dir(c.sysfs.Root())
}

func (c *IntelController) firstTileGT() (string, bool) {
	if len(c.tileGTs) == 0 {
		return "", false
	}
	return c.tileGTs[0], true
}

// freqPath resolves a knob to its attribute. i915 keeps GT frequencies on
// the card directory, xe on the first tile GT.
func (c *IntelController) freqPath(knob FrequencyKnob) (string, bool) {
	switch c.driver {
	case driverI915:
		infix, ok := i915FreqInfix[knob]
		if !ok {
			return "", false
		}
		return filepath.Join(c.cardPath(), "gt_"+infix+"_freq_mhz"), true
	case driverXe:
		gt, ok := c.firstTileGT()
		if !ok {
			return "", false
		}
		prefix, ok := xeFreqPrefix[knob]
		if !ok {
			return "", false
		}
		return filepath.Join(gt, "freq0", prefix+"_freq"), true
	}
	return "", false
}

func (c *IntelController) readFreq(knob FrequencyKnob) *uint64 {
	path, ok := c.freqPath(knob)
	if !ok {
		return nil
	}
	value, ok := c.sysfs.Uint64(path)
	if !ok {
		return nil
	}
	return &value
}

func (c *IntelController) writeFreq(knob FrequencyKnob, value int32) error {
	path, ok := c.freqPath(knob)
	if !ok {
		return fmt.Errorf("%w: %s frequency", sysfs.ErrNotFound, knob)
	}
	return c.sysfs.Write(path, strconv.FormatInt(int64(value), 10))
}

func (c *IntelController) powerCap() (float64, bool) {
	value, ok := sysfs.FirstHwmon(c.sysfs, "power", "_max", sysfs.ParseUint64)
	if !ok {
		return 0, false
	}
	return microToUnit(value), true
}

func (c *IntelController) vramInfo() drm.VRAMInfo {
	return queryVRAM(c.renderNode, c.queryRegions, c.logger)
}

func (c *IntelController) GetInfo(ctx context.Context) schema.DeviceInfo {
	vram := c.vramInfo()

	memory := &schema.DRMMemoryInfo{
		CPUAccessibleUsed:  vram.CPUAccessibleUsed,
		CPUAccessibleTotal: vram.CPUAccessibleTotal,
	}
	if vram.Total > 0 {
		memory.ResizeableBAR = schema.Ptr(vram.CPUAccessibleTotal == vram.Total)
	}

	drmInfo := &schema.DRMInfo{
		VRAMClockRatio: 1,
		MemoryInfo:     memory,
	}
	if c.driver == driverI915 {
		drmInfo.Intel = schema.IntelDRMInfo{
			ExecutionUnits: c.param(drm.I915ParamEUTotal),
			Subslices:      c.param(drm.I915ParamSubsliceTotal),
		}
	}

	vulkan, opencl := capability.Collect(ctx, c.prober, c.info, c.logger)

	return schema.DeviceInfo{
		PCIInfo:         pciInfo(c.info),
		Driver:          c.info.Driver,
		LinkInfo:        readLinkInfo(c.sysfs),
		DRMInfo:         drmInfo,
		VulkanInstances: vulkan,
		OpenCLInfo:      opencl,
	}
}

func (c *IntelController) param(param int32) *uint32 {
	if c.renderNode == nil || c.getParam == nil {
		return nil
	}
	value, err := c.getParam(c.renderNode.Fd(), param)
	if err != nil || value < 0 {
		c.logger.Debug("getparam failed", "param", param, "err", err)
		return nil
	}
	return schema.Ptr(uint32(value))
}

func (c *IntelController) GetStats(*config.GPUConfig) schema.DeviceStats {
	current := c.readFreq(FreqCurrent)
	gpuClock := current
	if actual := c.readFreq(FreqActual); actual != nil && *actual != 0 {
		gpuClock = actual
	}

	power := schema.PowerStats{
		Current:    c.powerUsage(),
		CapMin:     schema.Ptr(0.0),
		CapDefault: c.initialPowerCap,
	}
	if limit, ok := c.powerCap(); ok {
		power.CapCurrent = schema.Ptr(limit)
	}
	if rated, ok := sysfs.FirstHwmon(c.sysfs, "power", "_rated_max", sysfs.ParseUint64); ok && rated != 0 {
		power.CapMax = schema.Ptr(microToUnit(rated))
	} else if power.CapCurrent != nil {
		power.CapMax = schema.Ptr(*power.CapCurrent * 2)
	}

	var voltage schema.VoltageStats
	if mv, ok := sysfs.FirstHwmon(c.sysfs, "in", "_input", sysfs.ParseUint64); ok {
		voltage.GPU = &mv
	}

	var fan schema.FanStats
	if rpm, ok := sysfs.FirstHwmon(c.sysfs, "fan", "_input", sysfs.ParseUint64); ok {
		fan.SpeedCurrent = schema.Ptr(uint32(rpm))
	}

	return schema.DeviceStats{
		Clockspeed: schema.ClockspeedStats{
			GPUClockspeed: gpuClock,
			CurrentGFXClk: current,
		},
		Power:        power,
		Voltage:      voltage,
		Fan:          fan,
		VRAM:         vramStats(c.vramInfo()),
		BusyPercent:  c.busyPercent(),
		Temps:        hwmonTemperatures(c.sysfs, "gpu", false),
		ThrottleInfo: c.throttleInfo(),
	}
}

// busyPercent derives GPU load from the cumulative busy time in rps_boost.
func (c *IntelController) busyPercent() *uint8 {
	if c.debugfsPath == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(c.debugfsPath, "gt0", "rps_boost"))
	if err != nil {
		return nil
	}
	busyMs, ok := parseBusyCounter(data)
	if !ok {
		return nil
	}
	msPerSecond, ok := c.busy.Observe(c.now(), busyMs)
	if !ok {
		return nil
	}
	return schema.Ptr(clampPercent(msPerSecond / 10))
}

// parseBusyCounter extracts the millisecond counter from the "GPU busy?" line.
func parseBusyCounter(data []byte) (uint64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		rest, ok := strings.CutPrefix(scanner.Text(), "GPU busy?")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		raw, ok := strings.CutSuffix(fields[len(fields)-1], "ms")
		if !ok {
			return 0, false
		}
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, false
		}
		return value, true
	}
	return 0, false
}

// powerUsage prefers an instantaneous reading and falls back to the rate of
// the first non-zero energy counter.
func (c *IntelController) powerUsage() *float64 {
	if uw, ok := sysfs.FirstHwmon(c.sysfs, "power", "_input", sysfs.ParseUint64); ok {
		return schema.Ptr(microToUnit(uw))
	}
	for uj := range sysfs.HwmonFiles(c.sysfs, "energy", "_input", sysfs.ParseUint64) {
		if uj == 0 {
			continue
		}
		perSecond, ok := c.energy.Observe(c.now(), uj)
		if !ok {
			return nil
		}
		return schema.Ptr(perSecond / 1_000_000)
	}
	return nil
}

// throttleInfo returns nil when the driver exposes no throttle attributes.
func (c *IntelController) throttleInfo() map[string][]string {
	var dir, prefix string
	switch c.driver {
	case driverI915:
		dir, prefix = filepath.Join(c.cardPath(), "gt", "gt0"), "throttle_reason_"
	case driverXe:
		gt, ok := c.firstTileGT()
		if !ok {
			return nil
		}
		dir, prefix = c.sysfs.Path(filepath.Join(gt, "freq0", "throttle")), "reason_"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	reasons := make(map[string][]string)
	for _, entry := range entries {
		reason, ok := strings.CutPrefix(entry.Name(), prefix)
		if !ok || reason == "status" {
			continue
		}
		if value, ok := c.sysfs.Int64(filepath.Join(dir, entry.Name())); ok && value != 0 {
			reasons[reason] = []string{}
		}
	}
	return reasons
}

func (c *IntelController) ApplyConfig(cfg config.GPUConfig) error {
	if cfg.MaxCoreClock != nil {
		if err := c.writeFreq(FreqMax, *cfg.MaxCoreClock); err != nil {
			return &KnobError{Knob: "max core clock", Err: err}
		}
	}
	if cfg.MinCoreClock != nil {
		if err := c.writeFreq(FreqMin, *cfg.MinCoreClock); err != nil {
			return &KnobError{Knob: "min core clock", Err: err}
		}
	}
	if cfg.PowerCap != nil {
		value := strconv.FormatUint(uint64(*cfg.PowerCap*1_000_000), 10)
		if err := c.sysfs.WriteFirstHwmon("power", "_max", value); err != nil {
			return &KnobError{Knob: "power cap", Err: err}
		}
	}
	return nil
}

func (c *IntelController) GetClocksInfo(*config.GPUConfig) (schema.ClocksInfo, error) {
	table := schema.IntelClocksTable{
		RP0Freq: c.readFreq(FreqRatedMax),
		RPeFreq: c.readFreq(FreqRatedEfficient),
		RPnFreq: c.readFreq(FreqRatedMin),
	}
	minFreq, maxFreq := c.readFreq(FreqMin), c.readFreq(FreqMax)
	if minFreq != nil && maxFreq != nil {
		table.GTFreq = &schema.FreqRange{Min: *minFreq, Max: *maxFreq}
	}

	var info schema.ClocksInfo
	if !table.IsEmpty() {
		info.Table = &schema.ClocksTable{Kind: schema.ClocksTableIntel, Intel: &table}
	}
	return info, nil
}

func (c *IntelController) GetPowerStates(*config.GPUConfig) schema.PowerStates {
	var states schema.PowerStates
	for _, knob := range []FrequencyKnob{FreqRatedMin, FreqRatedEfficient, FreqRatedMax, FreqBoost} {
		if value := c.readFreq(knob); value != nil {
			states.Core = append(states.Core, schema.PowerState{Enabled: true, Value: *value})
		}
	}
	return states
}

// ResetClocks restores the rated range. Failures are logged, not returned.
func (c *IntelController) ResetClocks() error {
	reset := func(target, source FrequencyKnob) {
		value := c.readFreq(source)
		if value == nil {
			c.logger.Warn("cannot reset clock, rated value unknown", "knob", target.String())
			return
		}
		if err := c.writeFreq(target, int32(*value)); err != nil {
			c.logger.Warn("failed to reset clock", "knob", target.String(), "err", err)
		}
	}
	reset(FreqMax, FreqRatedMax)
	reset(FreqMin, FreqRatedMin)
	return nil
}

func (c *IntelController) ResetPMFWSettings() {}

func (c *IntelController) GetPowerProfileModes() (schema.PowerProfileModesTable, error) {
	return schema.PowerProfileModesTable{}, fmt.Errorf("%w: power profile modes on Intel", ErrUnsupported)
}

func (c *IntelController) VBIOSDump() ([]byte, error) {
	return nil, fmt.Errorf("%w: vbios dump on Intel", ErrUnsupported)
}

func (c *IntelController) ProcessList() (schema.ProcessList, error) {
	return c.procs.list()
}

func (c *IntelController) Close() error {
	if c.renderNode == nil {
		return nil
	}
	err := c.renderNode.Close()
	c.renderNode = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close render node: %w", err)
	}
	return nil
}
