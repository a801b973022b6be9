package capability

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/skobkin/gpucontrold/internal/schema"
)

var pciBusInfoKeys = []string{"CL_DEVICE_PCI_BUS_INFO_KHR", "CL_DEVICE_TOPOLOGY_AMD"}

// ParseClinfoJSON selects the OpenCL device matching pciSlot from
// `clinfo --json` output. Devices without bus information fall back to a
// vendor id match.
func ParseClinfoJSON(data []byte, pciSlot, vendorID string) (*schema.OpenCLInfo, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("clinfo returned invalid json")
	}
	doc := gjson.ParseBytes(data)
	platforms := doc.Get("platforms").Array()

	var fallback *schema.OpenCLInfo
	var found *schema.OpenCLInfo

	doc.Get("devices").ForEach(func(index, group gjson.Result) bool {
		platformName := ""
		if i := int(index.Int()); i < len(platforms) {
			platformName = platforms[i].Get("CL_PLATFORM_NAME").String()
		}

		group.Get("online").ForEach(func(_, device gjson.Result) bool {
			info := &schema.OpenCLInfo{
				PlatformName:  platformName,
				DeviceName:    device.Get("CL_DEVICE_NAME").String(),
				Version:       device.Get("CL_DEVICE_VERSION").String(),
				DriverVersion: device.Get("CL_DRIVER_VERSION").String(),
				ComputeUnits:  uint32(device.Get("CL_DEVICE_MAX_COMPUTE_UNITS").Uint()),
				GlobalMemory:  device.Get("CL_DEVICE_GLOBAL_MEM_SIZE").Uint(),
			}

			if busInfo := deviceBusInfo(device); busInfo != "" {
				if pciSlot != "" && strings.HasSuffix(strings.ToLower(busInfo), strings.ToLower(pciSlot)) {
					found = info
					return false
				}
				return true
			}

			if fallback == nil && vendorMatches(device.Get("CL_DEVICE_VENDOR_ID"), vendorID) {
				fallback = info
			}
			return true
		})
		return found == nil
	})

	if found != nil {
		return found, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoMatch
}

func deviceBusInfo(device gjson.Result) string {
	for _, key := range pciBusInfoKeys {
		if value := device.Get(key).String(); value != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func vendorMatches(reported gjson.Result, vendorID string) bool {
	if vendorID == "" || !reported.Exists() {
		return false
	}
	want, err := strconv.ParseUint(strings.TrimPrefix(vendorID, "0x"), 16, 32)
	if err != nil {
		return false
	}
	return reported.Uint() == want
}
