package controller

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/procscan"
)

const testPCISlot = "0000:03:00.0"

// testCard is a synthetic /sys tree holding one DRM card.
type testCard struct {
	root   string
	card   string
	device string
}

func newTestCard(t *testing.T) testCard {
	t.Helper()
	root := t.TempDir()
	card := filepath.Join(root, "class", "drm", "card0")
	device := filepath.Join(card, "device")
	require.NoError(t, os.MkdirAll(device, 0o750))
	return testCard{root: root, card: card, device: device}
}

func (c testCard) info(driver string) gpu.Info {
	return gpu.Info{
		ID:          "card0",
		SysfsPath:   c.device,
		PCI:         testPCISlot,
		Driver:      driver,
		PCIID:       "8086:56A0",
		SubsystemID: "1849:6004",
		Name:        "Test GPU",
		RenderNode:  filepath.Join(c.root, "dev", "renderD128"),
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	}
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeScanner struct {
	records []procscan.Record
	nodes   []string
}

func (f *fakeScanner) Scan(nodes ...string) ([]procscan.Record, error) {
	f.nodes = nodes
	return f.records, nil
}

func (f *fakeScanner) Describe(pid int) (string, string, bool) {
	return "proc" + strconv.Itoa(pid), "", true
}

func procRecord(pid int, name string, fdinfo ...[]byte) procscan.Record {
	return procscan.Record{PID: pid, Name: name, Command: name, FDInfo: fdinfo}
}
