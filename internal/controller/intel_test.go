package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/drm"
	"github.com/skobkin/gpucontrold/internal/procscan"
	"github.com/skobkin/gpucontrold/internal/schema"
	"github.com/skobkin/gpucontrold/internal/sysfs"
)

func newI915(t *testing.T, cardFiles, deviceFiles map[string]string, opts Options) (*IntelController, testCard) {
	t.Helper()
	card := newTestCard(t)
	writeFiles(t, card.card, cardFiles)
	writeFiles(t, card.device, deviceFiles)

	c, err := NewIntel(card.info("i915"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, card
}

func TestIntelApplyOnlyMaxClock(t *testing.T) {
	c, card := newI915(t, map[string]string{
		"gt_max_freq_mhz": "1000\n",
		"gt_min_freq_mhz": "300\n",
	}, map[string]string{
		"hwmon/hwmon2/power1_max": "0\n",
	}, Options{})

	err := c.ApplyConfig(config.GPUConfig{MaxCoreClock: schema.Ptr(int32(1500))})
	require.NoError(t, err)

	assert.Equal(t, "1500", readString(t, filepath.Join(card.card, "gt_max_freq_mhz")))
	assert.Equal(t, "300\n", readString(t, filepath.Join(card.card, "gt_min_freq_mhz")))
	assert.Equal(t, "0\n", readString(t, filepath.Join(card.device, "hwmon", "hwmon2", "power1_max")))
}

func TestIntelApplyStopsAtFirstFailure(t *testing.T) {
	c, card := newI915(t, map[string]string{
		"gt_max_freq_mhz": "1000\n",
	}, map[string]string{
		"hwmon/hwmon0/power1_max": "5000000\n",
	}, Options{})

	err := c.ApplyConfig(config.GPUConfig{
		MaxCoreClock: schema.Ptr(int32(1800)),
		MinCoreClock: schema.Ptr(int32(400)),
		PowerCap:     schema.Ptr(10.0),
	})
	require.Error(t, err)

	var knobErr *KnobError
	require.True(t, errors.As(err, &knobErr))
	assert.Equal(t, "min core clock", knobErr.Knob)
	assert.ErrorIs(t, err, sysfs.ErrNotFound)

	assert.Equal(t, "1800", readString(t, filepath.Join(card.card, "gt_max_freq_mhz")), "earlier knobs are not rolled back")
	assert.NoFileExists(t, filepath.Join(card.card, "gt_min_freq_mhz"))
	assert.Equal(t, "5000000\n", readString(t, filepath.Join(card.device, "hwmon", "hwmon0", "power1_max")))
}

func TestIntelApplyPowerCap(t *testing.T) {
	c, card := newI915(t, nil, map[string]string{
		"hwmon/hwmon0/power1_max": "0\n",
	}, Options{})

	require.NoError(t, c.ApplyConfig(config.GPUConfig{PowerCap: schema.Ptr(45.5)}))
	assert.Equal(t, "45500000", readString(t, filepath.Join(card.device, "hwmon", "hwmon0", "power1_max")))
}

func TestIntelApplyWithoutKnobsOnXe(t *testing.T) {
	card := newTestCard(t)
	c, err := NewIntel(card.info("xe"), Options{})
	require.NoError(t, err)

	err = c.ApplyConfig(config.GPUConfig{MaxCoreClock: schema.Ptr(int32(1000))})
	var knobErr *KnobError
	require.ErrorAs(t, err, &knobErr)
	assert.Equal(t, "max core clock", knobErr.Knob)
}

func TestIntelResetClocksIsBestEffort(t *testing.T) {
	c, card := newI915(t, map[string]string{
		"gt_RP0_freq_mhz": "2400\n",
		"gt_max_freq_mhz": "1000\n",
		"gt_min_freq_mhz": "300\n",
	}, nil, Options{})

	require.NoError(t, c.ResetClocks())

	assert.Equal(t, "2400", readString(t, filepath.Join(card.card, "gt_max_freq_mhz")))
	assert.Equal(t, "300\n", readString(t, filepath.Join(card.card, "gt_min_freq_mhz")), "RPn is unknown")
}

func TestIntelStats(t *testing.T) {
	c, _ := newI915(t, map[string]string{
		"gt_cur_freq_mhz":                "500\n",
		"gt_act_freq_mhz":                "0\n",
		"gt/gt0/throttle_reason_pl1":     "1\n",
		"gt/gt0/throttle_reason_prochot": "0\n",
		"gt/gt0/throttle_reason_status":  "1\n",
	}, map[string]string{
		"hwmon/hwmon1/temp1_input": "45000\n",
		"hwmon/hwmon1/temp1_label": "pkg\n",
		"hwmon/hwmon1/temp2_input": "50000\n",
		"hwmon/hwmon1/power1_max":  "0\n",
		"hwmon/hwmon1/in0_input":   "950\n",
		"hwmon/hwmon1/fan1_input":  "1200\n",
	}, Options{})

	stats := c.GetStats(nil)

	require.NotNil(t, stats.Clockspeed.GPUClockspeed)
	assert.Equal(t, uint64(500), *stats.Clockspeed.GPUClockspeed, "zero actual frequency falls back to current")
	assert.Equal(t, uint64(500), *stats.Clockspeed.CurrentGFXClk)
	assert.Nil(t, stats.Clockspeed.VRAMClockspeed)

	require.NotNil(t, stats.Power.CapCurrent)
	assert.Equal(t, 0.0, *stats.Power.CapCurrent)
	assert.Equal(t, 0.0, *stats.Power.CapMin)
	assert.Equal(t, 0.0, *stats.Power.CapMax)
	assert.Nil(t, stats.Power.CapDefault, "a zero cap is not recorded as default")
	assert.Nil(t, stats.Power.Current)

	assert.Equal(t, uint64(950), *stats.Voltage.GPU)
	assert.Equal(t, uint32(1200), *stats.Fan.SpeedCurrent)

	require.Len(t, stats.Temps, 2)
	assert.Equal(t, float32(45), *stats.Temps["pkg"].Current)
	assert.Equal(t, float32(50), *stats.Temps["gpu"].Current)

	assert.Equal(t, map[string][]string{"pl1": {}}, stats.ThrottleInfo)
	assert.Nil(t, stats.VRAM.Total)
	assert.Nil(t, stats.VRAM.Used)
	assert.Nil(t, stats.BusyPercent)
}

func TestIntelPowerCapDefaultAndRatedMax(t *testing.T) {
	c, card := newI915(t, nil, map[string]string{
		"hwmon/hwmon0/power1_max":       "120000000\n",
		"hwmon/hwmon0/power1_rated_max": "190000000\n",
		"hwmon/hwmon0/power1_input":     "35500000\n",
	}, Options{})

	writeFiles(t, card.device, map[string]string{"hwmon/hwmon0/power1_max": "100000000\n"})

	stats := c.GetStats(nil)
	assert.Equal(t, 100.0, *stats.Power.CapCurrent)
	assert.Equal(t, 120.0, *stats.Power.CapDefault, "default is captured at construction")
	assert.Equal(t, 190.0, *stats.Power.CapMax)
	assert.Equal(t, 35.5, *stats.Power.Current)
}

func TestIntelEnergyCounterPower(t *testing.T) {
	clock := newTestClock()
	c, card := newI915(t, nil, map[string]string{
		"hwmon/hwmon0/energy1_input": "0\n",
		"hwmon/hwmon0/energy2_input": "1000000\n",
	}, Options{Now: clock.Now})

	assert.Nil(t, c.GetStats(nil).Power.Current, "first reading only seeds the counter")

	clock.Advance(time.Second)
	writeFiles(t, card.device, map[string]string{"hwmon/hwmon0/energy2_input": "3000000\n"})

	power := c.GetStats(nil).Power.Current
	require.NotNil(t, power)
	assert.InDelta(t, 2.0, *power, 1e-9)
}

func TestIntelBusyPercent(t *testing.T) {
	clock := newTestClock()
	debugfs := t.TempDir()
	rps := filepath.Join("dri", testPCISlot, "gt0", "rps_boost")
	writeFiles(t, debugfs, map[string]string{
		rps: "RPS enabled? yes\nGPU busy? yes [2 requests], 1000ms\nBoosts outstanding? 0\n",
	})

	c, _ := newI915(t, nil, nil, Options{DebugfsRoot: debugfs, Now: clock.Now})

	assert.Nil(t, c.GetStats(nil).BusyPercent)

	clock.Advance(time.Second)
	writeFiles(t, debugfs, map[string]string{rps: "GPU busy? yes [1 requests], 1500ms\n"})

	busy := c.GetStats(nil).BusyPercent
	require.NotNil(t, busy)
	assert.Equal(t, uint8(50), *busy)

	clock.Advance(time.Second)
	writeFiles(t, debugfs, map[string]string{rps: "GPU busy? no, 100ms\n"})
	assert.Nil(t, c.GetStats(nil).BusyPercent, "a counter reset reseeds the baseline")
}

func TestParseBusyCounter(t *testing.T) {
	value, ok := parseBusyCounter([]byte("GPU busy? yes [3 requests], 123456ms\n"))
	require.True(t, ok)
	assert.Equal(t, uint64(123456), value)

	_, ok = parseBusyCounter([]byte("GPU busy? no\n"))
	assert.False(t, ok)

	_, ok = parseBusyCounter([]byte("nothing here\n"))
	assert.False(t, ok)
}

func newXe(t *testing.T) (*IntelController, testCard) {
	t.Helper()
	card := newTestCard(t)
	writeFiles(t, card.device, map[string]string{
		"tile0/gt1/freq0/max_freq":                "9999\n",
		"tile0/gt0/freq0/cur_freq":                "600\n",
		"tile0/gt0/freq0/act_freq":                "550\n",
		"tile0/gt0/freq0/min_freq":                "300\n",
		"tile0/gt0/freq0/max_freq":                "2000\n",
		"tile0/gt0/freq0/rp0_freq":                "2400\n",
		"tile0/gt0/freq0/rpe_freq":                "1200\n",
		"tile0/gt0/freq0/rpn_freq":                "300\n",
		"tile0/gt0/freq0/throttle/reason_pl1":     "0\n",
		"tile0/gt0/freq0/throttle/reason_thermal": "1\n",
		"tile0/gt0/freq0/throttle/status":         "1\n",
	})
	c, err := NewIntel(card.info("xe"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, card
}

func TestXeFrequencies(t *testing.T) {
	c, card := newXe(t)
	require.Equal(t, []string{filepath.Join("tile0", "gt0"), filepath.Join("tile0", "gt1")}, c.tileGTs)

	stats := c.GetStats(nil)
	assert.Equal(t, uint64(550), *stats.Clockspeed.GPUClockspeed)
	assert.Equal(t, uint64(600), *stats.Clockspeed.CurrentGFXClk)
	assert.Equal(t, map[string][]string{"thermal": {}}, stats.ThrottleInfo)

	clocks, err := c.GetClocksInfo(nil)
	require.NoError(t, err)
	require.NotNil(t, clocks.Table)
	assert.Equal(t, schema.ClocksTableIntel, clocks.Table.Kind)
	assert.Equal(t, &schema.FreqRange{Min: 300, Max: 2000}, clocks.Table.Intel.GTFreq)
	assert.Equal(t, uint64(2400), *clocks.Table.Intel.RP0Freq)
	assert.Equal(t, uint64(1200), *clocks.Table.Intel.RPeFreq)
	assert.Equal(t, uint64(300), *clocks.Table.Intel.RPnFreq)

	states := c.GetPowerStates(nil)
	values := make([]uint64, 0, len(states.Core))
	for _, state := range states.Core {
		assert.True(t, state.Enabled)
		values = append(values, state.Value)
	}
	assert.Equal(t, []uint64{300, 1200, 2400}, values, "xe has no boost frequency")
	assert.Empty(t, states.VRAM)

	require.NoError(t, c.ApplyConfig(config.GPUConfig{MaxCoreClock: schema.Ptr(int32(1800))}))
	assert.Equal(t, "1800", readString(t, filepath.Join(card.device, "tile0", "gt0", "freq0", "max_freq")))
	assert.Equal(t, "9999\n", readString(t, filepath.Join(card.device, "tile0", "gt1", "freq0", "max_freq")))
}

func TestIntelClocksInfoEmpty(t *testing.T) {
	c, _ := newI915(t, nil, nil, Options{})

	clocks, err := c.GetClocksInfo(nil)
	require.NoError(t, err)
	assert.Nil(t, clocks.Table)
	assert.Empty(t, c.GetPowerStates(nil).Core)
	assert.Nil(t, c.GetStats(nil).ThrottleInfo)
}

func TestIntelUnsupportedOperations(t *testing.T) {
	c, _ := newI915(t, nil, nil, Options{})

	_, err := c.GetPowerProfileModes()
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = c.VBIOSDump()
	assert.ErrorIs(t, err, ErrUnsupported)

	c.ResetPMFWSettings()
}

func TestIntelDeviceTypeAndInfo(t *testing.T) {
	c, card := newI915(t, nil, map[string]string{
		"current_link_width": "1\n",
		"max_link_speed":     "2.5 GT/s PCIe\n",
	}, Options{})
	assert.Equal(t, schema.DeviceTypeIntegrated, c.DeviceType(), "no render node means no VRAM")

	node, err := os.CreateTemp(card.root, "render")
	require.NoError(t, err)
	c.renderNode = node
	c.queryRegions = func(uintptr) ([]drm.Region, error) {
		return []drm.Region{
			{Class: drm.ClassSystem, ProbedSize: 32 << 30, UnallocatedSize: 16 << 30},
			{Class: drm.ClassDevice, ProbedSize: 16 << 30, UnallocatedSize: 12 << 30, CPUVisibleSize: 256 << 20, CPUVisibleUnallocated: 128 << 20},
		}, nil
	}
	c.getParam = func(_ uintptr, param int32) (int32, error) {
		switch param {
		case drm.I915ParamEUTotal:
			return 512, nil
		case drm.I915ParamSubsliceTotal:
			return 32, nil
		}
		return 0, errors.New("unknown param")
	}

	assert.Equal(t, schema.DeviceTypeDedicated, c.DeviceType())

	stats := c.GetStats(nil)
	assert.Equal(t, uint64(16<<30), *stats.VRAM.Total)
	assert.Equal(t, uint64(4<<30), *stats.VRAM.Used)

	info := c.GetInfo(context.Background())
	require.NotNil(t, info.PCIInfo)
	assert.Equal(t, "8086", info.PCIInfo.VendorID)
	assert.Equal(t, "56a0", info.PCIInfo.DeviceID)
	assert.Equal(t, "i915", info.Driver)
	assert.Equal(t, "1", *info.LinkInfo.CurrentWidth)
	assert.Equal(t, "2.5 GT/s PCIe", *info.LinkInfo.MaxSpeed)
	assert.Nil(t, info.LinkInfo.CurrentSpeed)

	require.NotNil(t, info.DRMInfo)
	assert.Equal(t, 1.0, info.DRMInfo.VRAMClockRatio)
	assert.Equal(t, uint32(512), *info.DRMInfo.Intel.ExecutionUnits)
	assert.Equal(t, uint32(32), *info.DRMInfo.Intel.Subslices)
	assert.Equal(t, uint64(256<<20), info.DRMInfo.MemoryInfo.CPUAccessibleTotal)
	assert.Equal(t, uint64(128<<20), info.DRMInfo.MemoryInfo.CPUAccessibleUsed)
	assert.False(t, *info.DRMInfo.MemoryInfo.ResizeableBAR)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestIntelVRAMQueryFailureIsZero(t *testing.T) {
	c, card := newI915(t, nil, nil, Options{})
	node, err := os.CreateTemp(card.root, "render")
	require.NoError(t, err)
	c.renderNode = node
	c.queryRegions = func(uintptr) ([]drm.Region, error) {
		return nil, errors.New("ioctl failed")
	}

	assert.Equal(t, schema.DeviceTypeIntegrated, c.DeviceType())
	assert.Nil(t, c.GetStats(nil).VRAM.Total)
}

func TestIntelProcessList(t *testing.T) {
	clock := newTestClock()
	record := func(client, render string) []byte {
		return []byte("pos:\t0\nflags:\t02100002\ndrm-driver:\ti915\ndrm-client-id:\t" + client +
			"\ndrm-pdev:\t" + testPCISlot + "\ndrm-total-local0:\t1024 KiB\ndrm-engine-render:\t" + render +
			" ns\ndrm-engine-compute:\t0 ns\ndrm-engine-video:\t0 ns\n")
	}
	scanner := &fakeScanner{}

	c, card := newI915(t, nil, nil, Options{Processes: scanner, Now: clock.Now})

	scanner.records = []procscan.Record{
		procRecord(10, "glxgears", record("7", "0")),
		procRecord(20, "blender", record("5", "0"), record("5", "0"), record("6", "0")),
	}
	list, err := c.ProcessList()
	require.NoError(t, err)
	assert.Equal(t, []string{card.info("i915").RenderNode}, scanner.nodes)
	assert.Equal(t, []schema.UtilizationType{schema.UtilGraphics, schema.UtilCompute, schema.UtilDecode}, list.SupportedUtilTypes)
	require.Len(t, list.Processes, 2)
	assert.Equal(t, 10, list.Processes[0].PID)
	assert.Equal(t, uint64(1024*1024), list.Processes[0].MemoryUsed)
	assert.Equal(t, uint64(2*1024*1024), list.Processes[1].MemoryUsed, "duplicate client ids are counted once")
	assert.Nil(t, list.Processes[1].Utilization)

	clock.Advance(time.Second)
	scanner.records = []procscan.Record{
		procRecord(10, "glxgears", record("7", "0")),
		procRecord(20, "blender", record("5", "250000000"), record("6", "500000000")),
	}
	list, err = c.ProcessList()
	require.NoError(t, err)
	assert.InDelta(t, 75.0, list.Processes[1].Utilization[schema.UtilGraphics], 1e-6)
	assert.InDelta(t, 0.0, list.Processes[0].Utilization[schema.UtilGraphics], 1e-6)

	clock.Advance(time.Second)
	scanner.records = []procscan.Record{
		procRecord(20, "blender", record("5", "1050000000"), record("6", "1200000000")),
	}
	list, err = c.ProcessList()
	require.NoError(t, err)
	require.Len(t, list.Processes, 1)
	assert.Equal(t, 100.0, list.Processes[0].Utilization[schema.UtilGraphics], "per-process sum is clamped")
}

func TestProcessListWithoutScanner(t *testing.T) {
	c, _ := newI915(t, nil, nil, Options{})

	_, err := c.ProcessList()
	assert.ErrorIs(t, err, ErrUnsupported)
}
