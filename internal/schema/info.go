package schema

// DeviceInfo combines static device facts with the results of the external
// Vulkan and OpenCL capability probes.
type DeviceInfo struct {
	PCIInfo         *PCIInfo     `json:"pci_info"`
	Driver          string       `json:"driver"`
	VBIOSVersion    *string      `json:"vbios_version"`
	LinkInfo        LinkInfo     `json:"link_info"`
	DRMInfo         *DRMInfo     `json:"drm_info"`
	VulkanInstances []VulkanInfo `json:"vulkan_instances"`
	OpenCLInfo      *OpenCLInfo  `json:"opencl_info"`
}

// PCIInfo identifies the device on the PCI bus.
type PCIInfo struct {
	Slot              string `json:"slot"`
	VendorID          string `json:"vendor_id"`
	DeviceID          string `json:"device_id"`
	SubsystemVendorID string `json:"subsystem_vendor_id"`
	SubsystemDeviceID string `json:"subsystem_device_id"`
	Name              string `json:"name"`
}

// LinkInfo describes the PCIe link state.
type LinkInfo struct {
	CurrentWidth *string `json:"current_width"`
	CurrentSpeed *string `json:"current_speed"`
	MaxWidth     *string `json:"max_width"`
	MaxSpeed     *string `json:"max_speed"`
}

// DRMInfo carries driver-reported facts. Vendor-specific values live in
// their own sub-struct.
type DRMInfo struct {
	FamilyName     *string        `json:"family_name"`
	ASICName       *string        `json:"asic_name"`
	ComputeUnits   *uint32        `json:"compute_units"`
	VRAMType       *string        `json:"vram_type"`
	VRAMClockRatio float64        `json:"vram_clock_ratio"`
	MemoryInfo     *DRMMemoryInfo `json:"memory_info"`
	Intel          IntelDRMInfo   `json:"intel"`
}

// DRMMemoryInfo reports the CPU-visible part of device memory in bytes.
type DRMMemoryInfo struct {
	CPUAccessibleUsed  uint64 `json:"cpu_accessible_used"`
	CPUAccessibleTotal uint64 `json:"cpu_accessible_total"`
	ResizeableBAR      *bool  `json:"resizeable_bar"`
}

// IntelDRMInfo holds i915-only topology counters.
type IntelDRMInfo struct {
	ExecutionUnits *uint32 `json:"execution_units"`
	Subslices      *uint32 `json:"subslices"`
}

// VulkanInfo is one Vulkan physical device reported by the loader.
type VulkanInfo struct {
	DeviceName string `json:"device_name"`
	APIVersion string `json:"api_version"`
	DriverName string `json:"driver_name"`
	DriverInfo string `json:"driver_info"`
}

// OpenCLInfo is the OpenCL device matching the GPU.
type OpenCLInfo struct {
	PlatformName  string `json:"platform_name"`
	DeviceName    string `json:"device_name"`
	Version       string `json:"version"`
	DriverVersion string `json:"driver_version"`
	ComputeUnits  uint32 `json:"compute_units"`
	GlobalMemory  uint64 `json:"global_memory"`
}
