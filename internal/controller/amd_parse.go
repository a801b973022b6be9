package controller

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/skobkin/gpucontrold/internal/schema"
)

// dpmLevel is one line of pp_dpm_sclk / pp_dpm_mclk, e.g. "1: 1800Mhz *".
type dpmLevel struct {
	Index   uint8
	MHz     uint64
	Current bool
}

func parseDPMLevels(data []byte) []dpmLevel {
	var levels []dpmLevel
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		indexText, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		index, err := strconv.ParseUint(strings.TrimSpace(indexText), 10, 8)
		if err != nil {
			continue
		}
		mhz, ok := extractClockMHz(rest)
		if !ok {
			continue
		}
		levels = append(levels, dpmLevel{
			Index:   uint8(index),
			MHz:     uint64(mhz),
			Current: strings.Contains(rest, "*"),
		})
	}
	return levels
}

func currentDPMLevel(levels []dpmLevel) (dpmLevel, bool) {
	for _, level := range levels {
		if level.Current {
			return level, true
		}
	}
	return dpmLevel{}, false
}

func extractClockMHz(line string) (float64, bool) {
	for _, field := range strings.Fields(line) {
		field = strings.ToLower(strings.TrimSuffix(field, "*"))
		valueText, ok := strings.CutSuffix(field, "mhz")
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(valueText, 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// parseODTable reads the OD_SCLK, OD_MCLK and OD_RANGE sections of
// pp_od_clk_voltage. Index 0 of a section is the minimum, the last index
// the maximum.
func parseODTable(data []byte) schema.AMDClocksTable {
	var (
		table   schema.AMDClocksTable
		section string
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "OD_") && strings.HasSuffix(line, ":") {
			section = strings.TrimSuffix(line, ":")
			continue
		}

		switch section {
		case "OD_SCLK", "OD_MCLK":
			indexText, rest, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			index, err := strconv.Atoi(strings.TrimSpace(indexText))
			if err != nil {
				continue
			}
			mhz, ok := extractClockMHz(rest)
			if !ok {
				continue
			}
			value := schema.Ptr(int32(mhz))
			switch {
			case section == "OD_SCLK" && index == 0:
				table.CurrentSclkMin = value
			case section == "OD_SCLK":
				table.CurrentSclkMax = value
			case index == 0:
				table.CurrentMclkMin = value
			default:
				table.CurrentMclkMax = value
			}
		case "OD_RANGE":
			name, rest, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			bounds := make([]int32, 0, 2)
			for _, field := range strings.Fields(rest) {
				if mhz, ok := extractClockMHz(field); ok {
					bounds = append(bounds, int32(mhz))
				}
			}
			if len(bounds) != 2 {
				continue
			}
			clockRange := &schema.ClockRange{Min: bounds[0], Max: bounds[1]}
			switch strings.TrimSpace(name) {
			case "SCLK":
				table.SclkRange = clockRange
			case "MCLK":
				table.MclkRange = clockRange
			}
		}
	}
	return table
}

var profileModeLine = regexp.MustCompile(`^\s*(\d+)\s+([A-Za-z0-9_]+)\s*(\*)?\s*:`)

// parsePowerProfileModes extracts the numbered profile headers of
// pp_power_profile_mode. The active profile is marked with "*".
func parsePowerProfileModes(data []byte) schema.PowerProfileModesTable {
	var table schema.PowerProfileModesTable
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		match := profileModeLine.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		index, err := strconv.ParseUint(match[1], 10, 16)
		if err != nil {
			continue
		}
		table.Modes = append(table.Modes, schema.PowerProfileMode{
			Index: uint16(index),
			Name:  match[2],
		})
		if match[3] != "" {
			table.Active = uint16(index)
		}
	}
	return table
}

// pmInfo holds the subset of debugfs amdgpu_pm_info used as a fallback for
// attributes older kernels do not expose in sysfs.
type pmInfo struct {
	gpuLoad *float64
	sclkMHz *float64
	mclkMHz *float64
	tempC   *float64
	powerW  *float64
}

func parsePMInfo(data []byte) pmInfo {
	var info pmInfo
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		value, ok := extractFirstFloat(line)
		if !ok {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "gpu load"):
			info.gpuLoad = schema.Ptr(value)
		case strings.HasPrefix(lower, "sclk"), strings.HasPrefix(lower, "average gfxclk"):
			info.sclkMHz = schema.Ptr(value)
		case strings.HasPrefix(lower, "mclk"), strings.HasPrefix(lower, "average memclk"):
			info.mclkMHz = schema.Ptr(value)
		case strings.HasPrefix(lower, "gpu temperature"):
			info.tempC = schema.Ptr(value)
		case strings.HasPrefix(lower, "gpu power"), strings.HasPrefix(lower, "power:"):
			info.powerW = schema.Ptr(value)
		case strings.Contains(lower, "gpu load") && info.gpuLoad == nil:
			info.gpuLoad = schema.Ptr(value)
		}
	}
	return info
}

// extractFirstFloat returns the first number in line. Thousands separators
// are skipped.
func extractFirstFloat(line string) (float64, bool) {
	var (
		buf  strings.Builder
		seen bool
	)
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			if r == ',' {
				continue
			}
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
