// Package capability runs the external Vulkan and OpenCL inspection tools
// and extracts the entries matching a GPU.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// ErrNoMatch is returned when a tool ran but reported no entry for the GPU.
var ErrNoMatch = errors.New("no matching device")

// Prober reports API-level capabilities of a GPU.
type Prober interface {
	Vulkan(ctx context.Context, info gpu.Info) ([]schema.VulkanInfo, error)
	OpenCL(ctx context.Context, info gpu.Info) (*schema.OpenCLInfo, error)
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecProber shells out to vulkaninfo and clinfo.
type ExecProber struct {
	vulkaninfo string
	clinfo     string
	run        Runner
}

// NewExecProber builds a prober for the given tool paths. A nil run uses
// os/exec.
func NewExecProber(vulkaninfoBin, clinfoBin string, run Runner) *ExecProber {
	if run == nil {
		run = execRunner
	}
	return &ExecProber{
		vulkaninfo: vulkaninfoBin,
		clinfo:     clinfoBin,
		run:        run,
	}
}

// Vulkan runs `vulkaninfo --summary` and returns the devices matching info.
func (p *ExecProber) Vulkan(ctx context.Context, info gpu.Info) ([]schema.VulkanInfo, error) {
	if p.vulkaninfo == "" {
		return nil, errors.New("vulkaninfo disabled")
	}
	out, err := p.run(ctx, p.vulkaninfo, "--summary")
	if err != nil {
		return nil, fmt.Errorf("run vulkaninfo: %w", err)
	}
	devices := ParseVulkanSummary(out, info.VendorID(), info.DeviceID())
	if len(devices) == 0 {
		return nil, ErrNoMatch
	}
	return devices, nil
}

// OpenCL runs `clinfo --json` and returns the device matching info.
func (p *ExecProber) OpenCL(ctx context.Context, info gpu.Info) (*schema.OpenCLInfo, error) {
	if p.clinfo == "" {
		return nil, errors.New("clinfo disabled")
	}
	out, err := p.run(ctx, p.clinfo, "--json")
	if err != nil {
		return nil, fmt.Errorf("run clinfo: %w", err)
	}
	return ParseClinfoJSON(out, info.PCI, info.VendorID())
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, firstLine(msg))
		}
		return nil, err
	}
	return out, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Collect runs both probes concurrently. A failed probe contributes an empty
// result and a warning; it never fails the whole call.
func Collect(ctx context.Context, prober Prober, info gpu.Info, logger *slog.Logger) ([]schema.VulkanInfo, *schema.OpenCLInfo) {
	if prober == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		wg     sync.WaitGroup
		vulkan []schema.VulkanInfo
		opencl *schema.OpenCLInfo
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		result, err := prober.Vulkan(ctx, info)
		if err != nil {
			logger.Warn("could not load vulkan info", "gpu_id", info.ID, "err", err)
			return
		}
		vulkan = result
	}()
	go func() {
		defer wg.Done()
		result, err := prober.OpenCL(ctx, info)
		if err != nil {
			logger.Warn("could not load opencl info", "gpu_id", info.ID, "err", err)
			return
		}
		opencl = result
	}()
	wg.Wait()

	return vulkan, opencl
}
