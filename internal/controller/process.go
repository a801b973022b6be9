package controller

import (
	"fmt"
	"slices"
	"time"

	"github.com/skobkin/gpucontrold/internal/fdinfo"
	"github.com/skobkin/gpucontrold/internal/procscan"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// processTracker turns fdinfo records of the processes holding a device open
// into a per-process usage list.
type processTracker struct {
	scanner  ProcessScanner
	nodes    []string
	vramKeys []string
	engines  []fdinfo.Engine
	tracker  *fdinfo.Tracker
	now      func() time.Time
}

func newProcessTracker(scanner ProcessScanner, nodes []string, vramKeys []string, engines []fdinfo.Engine, now func() time.Time) *processTracker {
	filtered := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node != "" {
			filtered = append(filtered, node)
		}
	}
	return &processTracker{
		scanner:  scanner,
		nodes:    filtered,
		vramKeys: vramKeys,
		engines:  engines,
		tracker:  fdinfo.NewTracker(),
		now:      now,
	}
}

func (p *processTracker) supportedTypes() []schema.UtilizationType {
	types := make([]schema.UtilizationType, 0, len(p.engines))
	for _, engine := range p.engines {
		if !slices.Contains(types, engine.Type) {
			types = append(types, engine.Type)
		}
	}
	return types
}

func (p *processTracker) list() (schema.ProcessList, error) {
	if p == nil || p.scanner == nil {
		return schema.ProcessList{}, fmt.Errorf("%w: process scanning disabled", ErrUnsupported)
	}
	if len(p.nodes) == 0 {
		return schema.ProcessList{}, fmt.Errorf("%w: device has no DRM nodes", ErrUnsupported)
	}

	records, err := p.scanner.Scan(p.nodes...)
	if err != nil {
		return schema.ProcessList{}, fmt.Errorf("scan processes: %w", err)
	}
	return p.aggregate(records), nil
}

// aggregate attributes each DRM client to the first process seen holding it;
// a client shared through fd passing is counted once.
func (p *processTracker) aggregate(records []procscan.Record) schema.ProcessList {
	owner := make(map[uint64]int)
	var usages []fdinfo.Usage

	for i, record := range records {
		for _, data := range record.FDInfo {
			usage, ok := fdinfo.Parse(data, p.vramKeys, p.engines)
			if !ok {
				continue
			}
			if _, seen := owner[usage.ClientID]; seen {
				continue
			}
			owner[usage.ClientID] = i
			usages = append(usages, usage)
		}
	}

	results := p.tracker.Update(p.now(), usages)

	processes := make([]schema.ProcessInfo, len(records))
	for i, record := range records {
		processes[i] = schema.ProcessInfo{
			PID:  record.PID,
			Name: record.Name,
			Args: record.Command,
		}
	}

	for _, result := range results {
		proc := &processes[owner[result.ClientID]]
		proc.MemoryUsed += result.MemoryUsed
		if result.Utilization == nil {
			continue
		}
		if proc.Utilization == nil {
			proc.Utilization = make(map[schema.UtilizationType]float64, len(result.Utilization))
		}
		for kind, value := range result.Utilization {
			proc.Utilization[kind] = min(proc.Utilization[kind]+value, 100)
		}
	}

	slices.SortFunc(processes, func(a, b schema.ProcessInfo) int {
		return a.PID - b.PID
	})

	return schema.ProcessList{
		Processes:          processes,
		SupportedUtilTypes: p.supportedTypes(),
	}
}
