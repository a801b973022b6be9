// Package schema holds the vendor-agnostic value objects returned by GPU
// controllers. Pointer fields serialize as null when the driver exposes
// nothing; zero is a legitimate value.
package schema

// DeviceType distinguishes GPUs with their own memory from ones sharing system RAM.
type DeviceType string

const (
	DeviceTypeDedicated  DeviceType = "dedicated"
	DeviceTypeIntegrated DeviceType = "integrated"
)

// DeviceStats is a point-in-time snapshot of a GPU's dynamic state.
type DeviceStats struct {
	Clockspeed       ClockspeedStats        `json:"clockspeed"`
	Power            PowerStats             `json:"power"`
	Voltage          VoltageStats           `json:"voltage"`
	Fan              FanStats               `json:"fan"`
	VRAM             VRAMStats              `json:"vram"`
	BusyPercent      *uint8                 `json:"busy_percent"`
	MemBusyPercent   *uint8                 `json:"mem_busy_percent"`
	Temps            map[string]Temperature `json:"temps"`
	ThrottleInfo     map[string][]string    `json:"throttle_info"`
	PerformanceLevel *string                `json:"performance_level"`
}

// ClockspeedStats values are in MHz.
type ClockspeedStats struct {
	GPUClockspeed  *uint64 `json:"gpu_clockspeed"`
	CurrentGFXClk  *uint64 `json:"current_gfxclk"`
	VRAMClockspeed *uint64 `json:"vram_clockspeed"`
}

// PowerStats values are in Watts.
type PowerStats struct {
	Average    *float64 `json:"average"`
	Current    *float64 `json:"current"`
	CapCurrent *float64 `json:"cap_current"`
	CapMin     *float64 `json:"cap_min"`
	CapMax     *float64 `json:"cap_max"`
	CapDefault *float64 `json:"cap_default"`
}

// VoltageStats values are in millivolts.
type VoltageStats struct {
	GPU         *uint64 `json:"gpu"`
	Northbridge *uint64 `json:"northbridge"`
}

// FanStats describes fan readings. Speeds are RPM, PWM is 0-255.
type FanStats struct {
	SpeedCurrent *uint32 `json:"speed_current"`
	SpeedMax     *uint32 `json:"speed_max"`
	SpeedMin     *uint32 `json:"speed_min"`
	PWMCurrent   *uint8  `json:"pwm_current"`
}

// VRAMStats values are in bytes.
type VRAMStats struct {
	Total *uint64 `json:"total"`
	Used  *uint64 `json:"used"`
}

// Temperature readings are in degrees Celsius.
type Temperature struct {
	Current  *float32 `json:"current"`
	Crit     *float32 `json:"crit"`
	CritHyst *float32 `json:"crit_hyst"`
}

// Ptr returns a pointer to a copy of value.
func Ptr[T any](value T) *T {
	return &value
}
