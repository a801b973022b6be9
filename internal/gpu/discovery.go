// Package gpu enumerates DRM cards and the identity facts controllers are
// built from.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"

	// DefaultDevRoot is where DRM device nodes live.
	DefaultDevRoot = "/dev/dri"
)

// Info identifies a single GPU. It is built once during discovery and never
// modified.
type Info struct {
	ID          string `json:"id"`
	SysfsPath   string `json:"sysfs_path"`
	PCI         string `json:"pci"`
	Driver      string `json:"driver"`
	PCIID       string `json:"pci_id"`
	SubsystemID string `json:"subsystem_id"`
	Name        string `json:"name"`
	RenderNode  string `json:"render_node"`
	CardNode    string `json:"card_node"`
}

// VendorID returns the lower-case PCI vendor id without the 0x prefix.
func (i Info) VendorID() string {
	vendor, _ := splitPCIIdentifier(i.PCIID)
	return normalizePCIID(vendor)
}

// DeviceID returns the lower-case PCI device id without the 0x prefix.
func (i Info) DeviceID() string {
	_, device := splitPCIIdentifier(i.PCIID)
	return normalizePCIID(device)
}

// SubsystemIDs splits SubsystemID into vendor and device parts.
func (i Info) SubsystemIDs() (vendor, device string) {
	vendor, device = splitPCIIdentifier(i.SubsystemID)
	return normalizePCIID(vendor), normalizePCIID(device)
}

// Discover enumerates DRM cards exposed via sysfs under root. Device node
// paths are reported relative to devRoot.
func Discover(root, devRoot string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if devRoot == "" {
		devRoot = DefaultDevRoot
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		devicePath := filepath.Join(drmClassPath, name, "device")
		deviceRoot, err := sysRoot.OpenRoot(devicePath)
		if err != nil {
			logger.Warn("failed to open card device", "card", name, "err", err)
			continue
		}

		info := loadCardInfo(name, deviceRoot, devRoot)
		if err := deviceRoot.Close(); err != nil {
			logger.Debug("failed to close card device", "card", name, "err", err)
		}
		info.SysfsPath = filepath.Join(root, devicePath)
		info.CardNode = filepath.Join(devRoot, name)

		logger.Debug("discovered gpu", "card", name, "driver", info.Driver, "pci", info.PCI)
		infos = append(infos, info)
	}

	return infos, nil
}

func loadCardInfo(cardID string, deviceRoot *os.Root, devRoot string) Info {
	var (
		pciSlot   string
		pciID     string
		driver    string
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		driver = parseKeyValue(text, "DRIVER")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			subVendor, subDevice = splitPCIIdentifier(subsys)
		}
	}

	if driver == "" {
		if link, err := deviceRoot.Readlink("driver"); err == nil {
			driver = filepath.Base(link)
		}
	}

	if pciID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if device, err := readTrim(deviceRoot, "device"); err == nil {
				pciID = formatHexPair(vendor, device)
			}
		}
	}

	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	name, _ := readTrim(deviceRoot, "product_name")
	vendorID, deviceID := splitPCIIdentifier(pciID)
	resolved := lookupGPUName(vendorID, deviceID, subVendor, subDevice)
	if shouldUseResolvedName(name, resolved) {
		name = resolved
	}

	var subsystemID string
	if subVendor != "" && subDevice != "" {
		subsystemID = formatHexPair(subVendor, subDevice)
	}

	renderNode := ""
	if base := findRenderNode(deviceRoot); base != "" {
		renderNode = filepath.Join(devRoot, base)
	}

	return Info{
		ID:          cardID,
		PCI:         pciSlot,
		Driver:      driver,
		PCIID:       pciID,
		SubsystemID: subsystemID,
		Name:        name,
		RenderNode:  renderNode,
	}
}

func findRenderNode(deviceRoot *os.Root) string {
	entries, err := fs.ReadDir(deviceRoot.FS(), "drm")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return entry.Name()
		}
	}
	return ""
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
		return false
	}
	return allDigits(name[len("card"):])
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatHexPair(vendor, device string) string {
	return strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
