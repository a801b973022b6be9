package schema

// UtilizationType names an engine category in per-process accounting.
type UtilizationType string

const (
	UtilGraphics UtilizationType = "graphics"
	UtilCompute  UtilizationType = "compute"
	UtilMemory   UtilizationType = "memory"
	UtilEncode   UtilizationType = "encode"
	UtilDecode   UtilizationType = "decode"
)

// ProcessList is the per-process GPU usage of one device.
type ProcessList struct {
	Processes          []ProcessInfo     `json:"processes"`
	SupportedUtilTypes []UtilizationType `json:"supported_util_types"`
}

// ProcessInfo describes one process holding the device open. Utilization is
// in percent and is absent until a process has been seen on two polls.
type ProcessInfo struct {
	PID         int                         `json:"pid"`
	Name        string                      `json:"name"`
	Args        string                      `json:"args"`
	MemoryUsed  uint64                      `json:"memory_used"`
	Utilization map[UtilizationType]float64 `json:"utilization"`
}
