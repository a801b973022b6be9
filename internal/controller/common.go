package controller

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skobkin/gpucontrold/internal/drm"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
	"github.com/skobkin/gpucontrold/internal/sysfs"
)

// regionQuery reads the memory regions of an open DRM node.
type regionQuery func(fd uintptr) ([]drm.Region, error)

func pciInfo(info gpu.Info) *schema.PCIInfo {
	if info.PCI == "" && info.PCIID == "" {
		return nil
	}
	subVendor, subDevice := info.SubsystemIDs()
	return &schema.PCIInfo{
		Slot:              info.PCI,
		VendorID:          info.VendorID(),
		DeviceID:          info.DeviceID(),
		SubsystemVendorID: subVendor,
		SubsystemDeviceID: subDevice,
		Name:              info.Name,
	}
}

func readLinkInfo(a *sysfs.Accessor) schema.LinkInfo {
	var link schema.LinkInfo
	if v, ok := a.String("current_link_width"); ok {
		link.CurrentWidth = &v
	}
	if v, ok := a.String("current_link_speed"); ok {
		link.CurrentSpeed = &v
	}
	if v, ok := a.String("max_link_width"); ok {
		link.MaxWidth = &v
	}
	if v, ok := a.String("max_link_speed"); ok {
		link.MaxSpeed = &v
	}
	return link
}

// debugfsDir locates the driver's debugfs directory. Newer kernels name it
// after the PCI slot, older ones after the DRM minor.
func debugfsDir(root string, info gpu.Info) string {
	if root == "" {
		return ""
	}
	candidates := make([]string, 0, 2)
	if info.PCI != "" {
		candidates = append(candidates, filepath.Join(root, "dri", info.PCI))
	}
	if index := strings.TrimPrefix(info.ID, "card"); index != "" && index != info.ID {
		candidates = append(candidates, filepath.Join(root, "dri", index))
	}
	for _, dir := range candidates {
		if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
			return dir
		}
	}
	return ""
}

func openRenderNode(info gpu.Info, logger *slog.Logger) *os.File {
	if info.RenderNode == "" {
		logger.Debug("no render node, memory region queries disabled")
		return nil
	}
	file, err := drm.OpenRenderNode(info.RenderNode)
	if err != nil {
		logger.Warn("failed to open render node", "path", info.RenderNode, "err", err)
		return nil
	}
	return file
}

// queryVRAM never fails; probe errors yield a zero VRAMInfo.
func queryVRAM(node *os.File, query regionQuery, logger *slog.Logger) drm.VRAMInfo {
	if node == nil || query == nil {
		return drm.VRAMInfo{}
	}
	regions, err := query(node.Fd())
	if err != nil {
		logger.Debug("memory region query failed", "err", err)
		return drm.VRAMInfo{}
	}
	return drm.Summarize(regions, drm.ClassDevice)
}

func vramStats(info drm.VRAMInfo) schema.VRAMStats {
	var stats schema.VRAMStats
	if info.Total > 0 {
		stats.Total = schema.Ptr(info.Total)
		stats.Used = schema.Ptr(info.Used)
	}
	return stats
}

// hwmonTemperatures keys readings by their temp*_label, falling back to
// fallback for unlabeled sensors. Limits are read only when withLimits is set.
func hwmonTemperatures(a *sysfs.Accessor, fallback string, withLimits bool) map[string]schema.Temperature {
	temps := make(map[string]schema.Temperature)
	for milli, path := range sysfs.HwmonFiles(a, "temp", "_input", sysfs.ParseFloat64) {
		base := strings.TrimSuffix(path, "_input")
		name, ok := a.String(base + "_label")
		if !ok {
			name = fallback
		}
		if _, seen := temps[name]; seen {
			continue
		}

		temp := schema.Temperature{Current: schema.Ptr(float32(milli / 1000))}
		if withLimits {
			if crit, ok := a.Float64(base + "_crit"); ok {
				temp.Crit = schema.Ptr(float32(crit / 1000))
			}
			if hyst, ok := a.Float64(base + "_crit_hyst"); ok {
				temp.CritHyst = schema.Ptr(float32(hyst / 1000))
			}
		}
		temps[name] = temp
	}
	if len(temps) == 0 {
		return nil
	}
	return temps
}

func hwmonFan(a *sysfs.Accessor) schema.FanStats {
	var fan schema.FanStats
	if v, ok := sysfs.FirstHwmon(a, "fan", "_input", sysfs.ParseUint64); ok {
		fan.SpeedCurrent = schema.Ptr(uint32(v))
	}
	if v, ok := sysfs.FirstHwmon(a, "fan", "_max", sysfs.ParseUint64); ok {
		fan.SpeedMax = schema.Ptr(uint32(v))
	}
	if v, ok := sysfs.FirstHwmon(a, "fan", "_min", sysfs.ParseUint64); ok {
		fan.SpeedMin = schema.Ptr(uint32(v))
	}
	if hwmon := a.HwmonPath(); hwmon != "" {
		if v, ok := a.Uint64(filepath.Join(hwmon, "pwm1")); ok && v <= 255 {
			fan.PWMCurrent = schema.Ptr(uint8(v))
		}
	}
	return fan
}

func microToUnit(v uint64) float64 {
	return float64(v) / 1_000_000
}

func clampPercent(value float64) uint8 {
	switch {
	case value <= 0:
		return 0
	case value >= 100:
		return 100
	default:
		return uint8(value + 0.5)
	}
}
