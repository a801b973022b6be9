package fdinfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpucontrold/internal/schema"
)

var (
	intelVRAMKeys = []string{"drm-total-vram0", "drm-total-local0", "drm-total-system0"}
	i915Engines   = []Engine{
		{Name: "render", Type: schema.UtilGraphics},
		{Name: "compute", Type: schema.UtilCompute},
		{Name: "video", Type: schema.UtilDecode},
	}
	xeEngines = []Engine{
		{Name: "rcs", Type: schema.UtilGraphics},
		{Name: "ccs", Type: schema.UtilCompute},
		{Name: "vcs", Type: schema.UtilDecode},
	}
)

const dg2Sample = `pos:    0
flags:  02100002
mnt_id: 29
ino:    446
drm-driver:     i915
drm-client-id:  1261
drm-pdev:       0000:0a:00.0
drm-total-system0:      272 KiB
drm-shared-system0:     0
drm-resident-system0:   272 KiB
drm-total-local0:       21896 KiB
drm-shared-local0:      4 MiB
drm-resident-local0:    19848 KiB
drm-total-stolen-local0:        0
drm-engine-render:      371387589 ns
drm-engine-copy:        0 ns
drm-engine-video:       0 ns
drm-engine-capacity-video:      2
drm-engine-video-enhance:       0 ns
drm-engine-compute:     0 ns
`

const xeSample = `pos:    0
flags:  0100002
drm-driver:     xe
drm-client-id:  3
drm-pdev:       0000:03:00.0
drm-total-system:       0
drm-total-gtt:  192 KiB
drm-total-vram0:        23992 KiB
drm-shared-vram0:       16 MiB
drm-cycles-rcs: 28257900
drm-total-cycles-rcs:   7655183225
drm-cycles-vcs: 0
drm-total-cycles-vcs:   7655183225
drm-engine-capacity-vcs:        2
drm-cycles-ccs: 0
drm-total-cycles-ccs:   7655183225
`

func TestParseI915Sample(t *testing.T) {
	usage, ok := Parse([]byte(dg2Sample), intelVRAMKeys, i915Engines)
	require.True(t, ok)

	assert.Equal(t, uint64(1261), usage.ClientID)
	assert.Equal(t, uint64(22421504), usage.MemoryUsed)
	require.Len(t, usage.Counters, 3)
	assert.Equal(t, Counter{Type: schema.UtilGraphics, Value: 371387589}, usage.Counters[0])
	assert.Equal(t, Counter{Type: schema.UtilCompute}, usage.Counters[1])
	assert.Equal(t, Counter{Type: schema.UtilDecode}, usage.Counters[2])
}

func TestParseXeSample(t *testing.T) {
	usage, ok := Parse([]byte(xeSample), intelVRAMKeys, xeEngines)
	require.True(t, ok)

	assert.Equal(t, uint64(3), usage.ClientID)
	assert.Equal(t, uint64(24567808), usage.MemoryUsed)
	require.Len(t, usage.Counters, 3)
	assert.Equal(t, Counter{Type: schema.UtilGraphics, Value: 28257900, Total: 7655183225, Cycles: true}, usage.Counters[0])
}

func TestParseFirstVRAMKeyWins(t *testing.T) {
	data := "drm-client-id: 7\ndrm-total-system0: 8 MiB\ndrm-total-local0: 2 MiB\n"

	usage, ok := Parse([]byte(data), intelVRAMKeys, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(2*1024*1024), usage.MemoryUsed)
	assert.Empty(t, usage.Counters)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	data := "garbage line\n: no key\ndrm-client-id: 12\ndrm-total-local0: lots KiB\ndrm-total-system0: 4 KiB\ndrm-engine-render: fast\n"

	usage, ok := Parse([]byte(data), intelVRAMKeys, i915Engines)
	require.True(t, ok)
	assert.Equal(t, uint64(12), usage.ClientID)
	assert.Equal(t, uint64(4096), usage.MemoryUsed)
	assert.Equal(t, uint64(0), usage.Counters[0].Value)
}

func TestParseStopsAtBlankLine(t *testing.T) {
	data := "drm-client-id: 5\n\ndrm-total-local0: 1 KiB\n"

	usage, ok := Parse([]byte(data), intelVRAMKeys, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0), usage.MemoryUsed)
}

func TestParseWithoutClientID(t *testing.T) {
	_, ok := Parse([]byte("pos: 0\nflags: 02\n"), intelVRAMKeys, i915Engines)
	assert.False(t, ok)
}

func TestTrackerCyclesWithConstantTotal(t *testing.T) {
	tracker := NewTracker()
	start := time.Unix(1000, 0)

	first := []Usage{{ClientID: 3, Counters: []Counter{{Type: schema.UtilGraphics, Value: 1000, Total: 5000, Cycles: true}}}}
	out := tracker.Update(start, first)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Utilization)

	second := []Usage{{ClientID: 3, Counters: []Counter{{Type: schema.UtilGraphics, Value: 6000, Total: 5000, Cycles: true}}}}
	out = tracker.Update(start.Add(time.Second), second)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Utilization)
	value, ok := out[0].Utilization[schema.UtilGraphics]
	require.True(t, ok)
	assert.Greater(t, value, 0.0)
	assert.LessOrEqual(t, value, 100.0)
}

func TestTrackerCyclesRatio(t *testing.T) {
	tracker := NewTracker()
	start := time.Unix(1000, 0)

	tracker.Update(start, []Usage{{ClientID: 1, Counters: []Counter{{Type: schema.UtilGraphics, Value: 100, Total: 1000, Cycles: true}}}})
	out := tracker.Update(start.Add(time.Second), []Usage{{ClientID: 1, Counters: []Counter{{Type: schema.UtilGraphics, Value: 350, Total: 2000, Cycles: true}}}})

	assert.InDelta(t, 25.0, out[0].Utilization[schema.UtilGraphics], 1e-9)
}

func TestTrackerNanosecondsClamped(t *testing.T) {
	tracker := NewTracker()
	start := time.Unix(1000, 0)
	engines := func(render, video uint64) []Counter {
		return []Counter{
			{Type: schema.UtilGraphics, Value: render},
			{Type: schema.UtilDecode, Value: video},
		}
	}

	tracker.Update(start, []Usage{{ClientID: 9, Counters: engines(0, 500)}})
	out := tracker.Update(start.Add(time.Second), []Usage{{ClientID: 9, Counters: engines(500_000_000, 100)}})

	util := out[0].Utilization
	assert.InDelta(t, 50.0, util[schema.UtilGraphics], 1e-9)
	assert.Equal(t, 0.0, util[schema.UtilDecode])

	out = tracker.Update(start.Add(2*time.Second), []Usage{{ClientID: 9, Counters: engines(5_000_000_000, 100)}})
	assert.Equal(t, 100.0, out[0].Utilization[schema.UtilGraphics])
}

func TestTrackerEvictsAbsentClients(t *testing.T) {
	tracker := NewTracker()
	start := time.Unix(1000, 0)
	client := Usage{ClientID: 4, Counters: []Counter{{Type: schema.UtilGraphics, Value: 10}}}

	tracker.Update(start, []Usage{client})
	tracker.Update(start.Add(time.Second), nil)
	out := tracker.Update(start.Add(2*time.Second), []Usage{client})

	require.Len(t, out, 1)
	assert.Nil(t, out[0].Utilization)
}

func TestTrackerDeduplicatesClients(t *testing.T) {
	tracker := NewTracker()
	client := Usage{ClientID: 8, MemoryUsed: 4096}

	out := tracker.Update(time.Unix(1, 0), []Usage{client, client})
	require.Len(t, out, 1)
	assert.Equal(t, uint64(4096), out[0].MemoryUsed)
}
