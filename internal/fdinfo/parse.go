// Package fdinfo parses the DRM usage records the kernel exposes under
// /proc/<pid>/fdinfo/<fd> and turns cumulative engine counters into
// per-client utilization.
package fdinfo

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/skobkin/gpucontrold/internal/schema"
)

// Engine maps a driver engine name (render, rcs, gfx, ...) to the category
// it is reported under.
type Engine struct {
	Name string
	Type schema.UtilizationType
}

// Counter is the cumulative busy counter of one engine. When Cycles is set,
// Value is an opaque cycle count and Total the paired total-cycles counter;
// otherwise Value is in nanoseconds.
type Counter struct {
	Type   schema.UtilizationType
	Value  uint64
	Total  uint64
	Cycles bool
}

// Usage is one parsed record. Counters follow the order of the engines
// passed to Parse so snapshots can be compared positionally.
type Usage struct {
	ClientID   uint64
	MemoryUsed uint64
	Counters   []Counter
}

// Parse reads key/value lines up to the first blank line. Malformed lines are
// skipped. Memory comes from the first present key of vramKeys. ok is false
// only when the record carries no drm-client-id.
func Parse(data []byte, vramKeys []string, engines []Engine) (Usage, bool) {
	fields := make(map[string]string)
	var (
		usage     Usage
		hasClient bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}

		if key == "drm-client-id" {
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			usage.ClientID = id
			hasClient = true
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = value
		}
	}
	if !hasClient {
		return Usage{}, false
	}

	for _, key := range vramKeys {
		raw, present := fields[key]
		if !present {
			continue
		}
		if bytesValue, ok := parseBytes(raw); ok {
			usage.MemoryUsed = bytesValue
			break
		}
	}

	usage.Counters = make([]Counter, 0, len(engines))
	for _, engine := range engines {
		counter := Counter{Type: engine.Type}

		cycles, hasCycles := parseLeadingUint(fields["drm-cycles-"+engine.Name])
		total, hasTotal := parseLeadingUint(fields["drm-total-cycles-"+engine.Name])
		if hasCycles && hasTotal {
			counter.Value = cycles
			counter.Total = total
			counter.Cycles = true
		} else if ns, ok := parseLeadingUint(fields["drm-engine-"+engine.Name]); ok {
			counter.Value = ns
		}

		usage.Counters = append(usage.Counters, counter)
	}

	return usage, true
}

// parseBytes converts "21896 KiB" style values to bytes.
func parseBytes(value string) (uint64, bool) {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return 0, false
	}
	amount, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	unit := ""
	if len(parts) > 1 {
		unit = parts[1]
	}
	multiplier, ok := bytesUnitMultiplier(unit)
	if !ok {
		return 0, false
	}
	return amount * multiplier, true
}

func bytesUnitMultiplier(unit string) (uint64, bool) {
	switch strings.ToLower(unit) {
	case "", "b":
		return 1, true
	case "kib", "kb":
		return 1024, true
	case "mib", "mb":
		return 1024 * 1024, true
	case "gib", "gb":
		return 1024 * 1024 * 1024, true
	default:
		return 0, false
	}
}

func parseLeadingUint(value string) (uint64, bool) {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return 0, false
	}
	parsed, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
