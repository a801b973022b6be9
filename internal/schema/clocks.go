package schema

// ClocksTableKind tags which vendor table a ClocksTable carries.
type ClocksTableKind string

const (
	ClocksTableIntel  ClocksTableKind = "intel"
	ClocksTableAMD    ClocksTableKind = "amd"
	ClocksTableNvidia ClocksTableKind = "nvidia"
)

// ClocksInfo describes the configurable clock range of a GPU.
type ClocksInfo struct {
	MaxSclk *int32       `json:"max_sclk"`
	MaxMclk *int32       `json:"max_mclk"`
	Table   *ClocksTable `json:"table"`
}

// ClocksTable holds exactly one vendor table, selected by Kind.
type ClocksTable struct {
	Kind   ClocksTableKind    `json:"kind"`
	Intel  *IntelClocksTable  `json:"intel,omitempty"`
	AMD    *AMDClocksTable    `json:"amd,omitempty"`
	Nvidia *NvidiaClocksTable `json:"nvidia,omitempty"`
}

// IntelClocksTable values are in MHz.
type IntelClocksTable struct {
	GTFreq  *FreqRange `json:"gt_freq"`
	RP0Freq *uint64    `json:"rp0_freq"`
	RPeFreq *uint64    `json:"rpe_freq"`
	RPnFreq *uint64    `json:"rpn_freq"`
}

// IsEmpty reports whether the driver exposed none of the table's values.
func (t IntelClocksTable) IsEmpty() bool {
	return t.GTFreq == nil && t.RP0Freq == nil && t.RPeFreq == nil && t.RPnFreq == nil
}

// FreqRange is a configured minimum/maximum pair in MHz.
type FreqRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// AMDClocksTable is parsed from pp_od_clk_voltage. Values are in MHz.
type AMDClocksTable struct {
	CurrentSclkMin *int32      `json:"current_sclk_min"`
	CurrentSclkMax *int32      `json:"current_sclk_max"`
	CurrentMclkMin *int32      `json:"current_mclk_min"`
	CurrentMclkMax *int32      `json:"current_mclk_max"`
	SclkRange      *ClockRange `json:"sclk_range"`
	MclkRange      *ClockRange `json:"mclk_range"`
}

// ClockRange is the allowed overdrive range in MHz.
type ClockRange struct {
	Min int32 `json:"min"`
	Max int32 `json:"max"`
}

// NvidiaClocksTable values are in MHz.
type NvidiaClocksTable struct {
	GPCMax *uint32 `json:"gpc_max"`
	MemMax *uint32 `json:"mem_max"`
}

// PowerStates lists the available operating points.
type PowerStates struct {
	Core []PowerState `json:"core"`
	VRAM []PowerState `json:"vram"`
}

// PowerState is one operating point. Value is in MHz.
type PowerState struct {
	Enabled  bool    `json:"enabled"`
	MinValue *uint64 `json:"min_value"`
	Value    uint64  `json:"value"`
	Index    *uint8  `json:"index"`
}

// PowerProfileModesTable lists firmware power profiles.
type PowerProfileModesTable struct {
	Active uint16             `json:"active"`
	Modes  []PowerProfileMode `json:"modes"`
}

// PowerProfileMode is a named firmware power profile.
type PowerProfileMode struct {
	Index uint16 `json:"index"`
	Name  string `json:"name"`
}
