package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/gpucontrold/internal/api"
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
)

const missing = "-"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetHeader(header)
	return table
}

func printGPUTable(w io.Writer, gpus []api.GPU) {
	table := newTable(w, "ID", "Driver", "PCI", "Type", "Vendor", "Name")
	for _, g := range gpus {
		table.Append([]string{
			g.ID,
			g.Driver,
			orMissing(g.PCI),
			orMissing(string(g.DeviceType)),
			orMissing(gpu.VendorName(g.VendorID())),
			orMissing(g.Name),
		})
	}
	table.Render()
}

func printStatsTable(w io.Writer, stats schema.DeviceStats) {
	table := newTable(w, "Metric", "Value")
	rows := [][]string{
		{"busy", formatOptional(stats.BusyPercent, "%d%%")},
		{"memory busy", formatOptional(stats.MemBusyPercent, "%d%%")},
		{"core clock", formatOptional(stats.Clockspeed.GPUClockspeed, "%d MHz")},
		{"gfx clock", formatOptional(stats.Clockspeed.CurrentGFXClk, "%d MHz")},
		{"vram clock", formatOptional(stats.Clockspeed.VRAMClockspeed, "%d MHz")},
		{"power average", formatOptional(stats.Power.Average, "%.1f W")},
		{"power current", formatOptional(stats.Power.Current, "%.1f W")},
		{"power cap", formatOptional(stats.Power.CapCurrent, "%.1f W")},
		{"power cap range", formatRange(stats.Power.CapMin, stats.Power.CapMax, "W")},
		{"voltage", formatOptional(stats.Voltage.GPU, "%d mV")},
		{"fan speed", formatOptional(stats.Fan.SpeedCurrent, "%d RPM")},
		{"fan pwm", formatOptional(stats.Fan.PWMCurrent, "%d")},
		{"vram used", formatBytes(stats.VRAM.Used)},
		{"vram total", formatBytes(stats.VRAM.Total)},
		{"performance level", formatOptional(stats.PerformanceLevel, "%s")},
	}
	for _, name := range sortedKeys(stats.Temps) {
		rows = append(rows, []string{"temp " + name, formatOptional(stats.Temps[name].Current, "%.1f C")})
	}
	for _, name := range sortedKeys(stats.ThrottleInfo) {
		reasons := stats.ThrottleInfo[name]
		value := name
		if len(reasons) > 0 {
			value += ": " + strings.Join(reasons, ", ")
		}
		rows = append(rows, []string{"throttling", value})
	}
	table.AppendBulk(rows)
	table.Render()
}

func printProcessTable(w io.Writer, procs schema.ProcessList) {
	header := []string{"PID", "Name", "Memory"}
	for _, util := range procs.SupportedUtilTypes {
		header = append(header, string(util))
	}
	table := newTable(w, header...)
	for _, proc := range procs.Processes {
		row := []string{strconv.Itoa(proc.PID), orMissing(proc.Name), formatBytes(&proc.MemoryUsed)}
		for _, util := range procs.SupportedUtilTypes {
			if value, ok := proc.Utilization[util]; ok {
				row = append(row, fmt.Sprintf("%.1f%%", value))
			} else {
				row = append(row, missing)
			}
		}
		table.Append(row)
	}
	table.Render()
}

func printProfilesTable(w io.Writer, profiles schema.PowerProfileModesTable) {
	table := newTable(w, "Index", "Name", "Active")
	for _, mode := range profiles.Modes {
		active := ""
		if mode.Index == profiles.Active {
			active = "*"
		}
		table.Append([]string{strconv.Itoa(int(mode.Index)), mode.Name, active})
	}
	table.Render()
}

func formatOptional[T any](value *T, format string) string {
	if value == nil {
		return missing
	}
	return fmt.Sprintf(format, *value)
}

func formatRange(lo, hi *float64, unit string) string {
	if lo == nil || hi == nil {
		return missing
	}
	return fmt.Sprintf("%.1f-%.1f %s", *lo, *hi, unit)
}

func formatBytes(value *uint64) string {
	if value == nil {
		return missing
	}
	const unit = 1024
	v := *value
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := uint64(unit), 0
	for n := v / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(v)/float64(div), "KMGTPE"[exp])
}

func orMissing(value string) string {
	if value == "" {
		return missing
	}
	return value
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
