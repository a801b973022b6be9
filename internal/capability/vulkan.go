package capability

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/skobkin/gpucontrold/internal/schema"
)

// ParseVulkanSummary extracts the GPUn blocks of `vulkaninfo --summary`
// whose vendorID/deviceID match. Empty ids match every device.
func ParseVulkanSummary(data []byte, vendorID, deviceID string) []schema.VulkanInfo {
	var (
		devices []schema.VulkanInfo
		current map[string]string
	)

	flush := func() {
		if current == nil {
			return
		}
		if matchesID(current["vendorID"], vendorID) && matchesID(current["deviceID"], deviceID) {
			devices = append(devices, schema.VulkanInfo{
				DeviceName: current["deviceName"],
				APIVersion: current["apiVersion"],
				DriverName: current["driverName"],
				DriverInfo: current["driverInfo"],
			})
		}
		current = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if isGPUHeader(line) {
			flush()
			current = make(map[string]string)
			continue
		}
		if current == nil {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		current[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	flush()

	return devices
}

func isGPUHeader(line string) bool {
	if !strings.HasPrefix(line, "GPU") || !strings.HasSuffix(line, ":") {
		return false
	}
	return allDigits(strings.TrimSuffix(strings.TrimPrefix(line, "GPU"), ":"))
}

func matchesID(reported, want string) bool {
	if want == "" {
		return true
	}
	return normalizeHex(reported) == normalizeHex(want)
}

func normalizeHex(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimLeft(value, "0")
	return value
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
