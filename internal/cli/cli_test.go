package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpucontrold/internal/api"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/schema"
)

func newSysfsTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"class/drm/card0/device/uevent":                  "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73DF\n",
		"class/drm/card0/device/gpu_busy_percent":        "42\n",
		"class/drm/card0/device/hwmon/hwmon0/name":       "amdgpu\n",
		"class/drm/card0/device/hwmon/hwmon0/power1_cap": "150000000\n",
		"class/drm/card1/device/uevent":                  "DRIVER=nouveau\nPCI_SLOT_NAME=0000:01:00.0\nPCI_ID=10DE:1C03\n",
	}
	for name, contents := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	}
	return root
}

func runGpuctl(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_PROC_ENABLE", "false")
	t.Setenv("APP_DEBUGFS_ROOT", filepath.Join(root, "debug"))

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--sysfs", root, "--dev", filepath.Join(root, "dev")}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestListJSON(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	out, err := runGpuctl(t, root, "--json", "list")
	require.NoError(t, err)

	var gpus []api.GPU
	require.NoError(t, json.Unmarshal([]byte(out), &gpus))
	require.Len(t, gpus, 2)

	byID := map[string]api.GPU{}
	for _, g := range gpus {
		byID[g.ID] = g
	}
	assert.Equal(t, "amdgpu", byID["card0"].Driver)
	assert.Equal(t, schema.DeviceTypeIntegrated, byID["card0"].DeviceType)
	assert.Empty(t, byID["card1"].DeviceType)
}

func TestListTable(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	out, err := runGpuctl(t, root, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "card0")
	assert.Contains(t, out, "0000:0a:00.0")
	assert.Contains(t, out, "nouveau")
}

func TestStats(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	out, err := runGpuctl(t, root, "--json", "stats", "0000:0a:00.0", "--interval", "10ms")
	require.NoError(t, err)

	var stats schema.DeviceStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.NotNil(t, stats.BusyPercent)
	assert.Equal(t, uint8(42), *stats.BusyPercent)
	require.NotNil(t, stats.Power.CapCurrent)
	assert.InDelta(t, 150.0, *stats.Power.CapCurrent, 1e-9)

	out, err = runGpuctl(t, root, "stats", "card0", "--interval", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "42%")
	assert.Contains(t, out, "150.0 W")
}

func TestApplyPowerCap(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	out, err := runGpuctl(t, root, "--json", "apply", "card0", "--power-cap", "120")
	require.NoError(t, err)

	var result api.ApplyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, api.ApplyResult{GPUId: "card0"}, result)

	data, err := os.ReadFile(filepath.Join(root, "class/drm/card0/device/hwmon/hwmon0/power1_cap"))
	require.NoError(t, err)
	assert.Equal(t, "120000000", string(data))
}

func TestApplyFromConfig(t *testing.T) {
	root := newSysfsTree(t)
	configPath := filepath.Join(t.TempDir(), "gpus.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("gpus:\n  card0:\n    power_cap: 90\n"), 0o600))
	t.Setenv("APP_GPU_CONFIG", configPath)

	_, err := runGpuctl(t, root, "apply", "card0", "--from-config")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "class/drm/card0/device/hwmon/hwmon0/power1_cap"))
	require.NoError(t, err)
	assert.Equal(t, "90000000", string(data))
}

func TestApplyRejectsEmptyAndInvalid(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	_, err := runGpuctl(t, root, "apply", "card0")
	require.EqualError(t, err, "nothing to apply")

	_, err = runGpuctl(t, root, "apply", "card0", "--max-core-clock", "500", "--min-core-clock", "900")
	require.Error(t, err)
}

func TestUnknownAndUncontrolledGPU(t *testing.T) {
	root := newSysfsTree(t)
	t.Setenv("APP_GPU_CONFIG", "")

	_, err := runGpuctl(t, root, "stats", "card7", "--interval", "0")
	require.EqualError(t, err, "gpu card7 not found")

	_, err = runGpuctl(t, root, "stats", "card1", "--interval", "0")
	require.EqualError(t, err, `gpu card1 (driver "nouveau") has no controller`)
}

// rateController reports busy percent only once it has a previous sample.
type rateController struct {
	controller.GPUController
	calls int
}

func (c *rateController) GetStats(*config.GPUConfig) schema.DeviceStats {
	c.calls++
	if c.calls < 2 {
		return schema.DeviceStats{}
	}
	return schema.DeviceStats{BusyPercent: schema.Ptr(uint8(64))}
}

func TestSampleStatsTakesSecondSample(t *testing.T) {
	ctrl := &rateController{}
	stats, err := sampleStats(context.Background(), ctrl, nil, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, ctrl.calls)
	require.NotNil(t, stats.BusyPercent)
	assert.Equal(t, uint8(64), *stats.BusyPercent)

	single := &rateController{}
	stats, err = sampleStats(context.Background(), single, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, single.calls)
	assert.Nil(t, stats.BusyPercent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sampleStats(ctx, &rateController{}, nil, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		512:             "512 B",
		2048:            "2.0 KiB",
		8 * 1024 * 1024: "8.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for value, want := range cases {
		assert.Equal(t, want, formatBytes(&value))
	}
	assert.Equal(t, missing, formatBytes(nil))
}
