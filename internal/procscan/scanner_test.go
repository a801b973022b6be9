package procscan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func addProcess(t *testing.T, root string, pid, comm, cmdline string, fds map[string]string) {
	t.Helper()
	procDir := filepath.Join(root, pid)
	writeFile(t, filepath.Join(procDir, "comm"), comm+"\n")
	writeFile(t, filepath.Join(procDir, "cmdline"), cmdline)
	if err := os.MkdirAll(filepath.Join(procDir, "fd"), 0o750); err != nil {
		t.Fatalf("mkdir fd: %v", err)
	}
	for fd, target := range fds {
		if err := os.Symlink(target, filepath.Join(procDir, "fd", fd)); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		writeFile(t, filepath.Join(procDir, "fdinfo", fd), "drm-client-id:\t"+fd+"\n")
	}
}

func TestScanFindsDeviceHolders(t *testing.T) {
	root := t.TempDir()
	addProcess(t, root, "1234", "glxgears", "glxgears\x00-fullscreen\x00", map[string]string{
		"5": "/dev/dri/renderD128",
		"6": "/dev/dri/card0",
		"7": "/dev/null",
	})
	addProcess(t, root, "2000", "other", "other\x00", map[string]string{
		"3": "/dev/dri/renderD129",
	})
	addProcess(t, root, "3000", "idle", "idle\x00", map[string]string{
		"0": "/dev/pts/0",
	})
	writeFile(t, filepath.Join(root, "self", "comm"), "self\n")
	writeFile(t, filepath.Join(root, "uptime"), "1.0 1.0\n")

	scanner, err := NewScanner(root, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("/dev/dri/renderD128", "/dev/dri/card0")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %+v", len(records), records)
	}

	record := records[0]
	if record.PID != 1234 || record.Name != "glxgears" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Command != "glxgears -fullscreen" {
		t.Fatalf("unexpected command %q", record.Command)
	}
	if len(record.FDInfo) != 2 {
		t.Fatalf("expected 2 fdinfo records, got %d", len(record.FDInfo))
	}
	if !strings.Contains(string(record.FDInfo[0]), "drm-client-id") {
		t.Fatalf("unexpected fdinfo %q", record.FDInfo[0])
	}
}

func TestScanMatchesRemappedDevNodes(t *testing.T) {
	root := t.TempDir()
	addProcess(t, root, "42", "container", "app\x00", map[string]string{
		"9": "/host/dev/dri/renderD128 (deleted)",
	})

	scanner, err := NewScanner(root, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("/dev/dri/renderD128")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 || records[0].PID != 42 {
		t.Fatalf("expected remapped node match, got %+v", records)
	}
}

func TestScanHonoursLimits(t *testing.T) {
	root := t.TempDir()
	addProcess(t, root, "10", "a", "a\x00", map[string]string{
		"1": "/dev/dri/renderD128",
		"2": "/dev/dri/renderD128",
		"3": "/dev/dri/renderD128",
	})
	addProcess(t, root, "11", "b", "b\x00", map[string]string{"1": "/dev/dri/renderD128"})

	scanner, err := NewScanner(root, 1, 2, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("/dev/dri/renderD128")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected pid limit to apply, got %d records", len(records))
	}
	if len(records[0].FDInfo) != 2 {
		t.Fatalf("expected fd limit to apply, got %d fds", len(records[0].FDInfo))
	}
}

func TestScanWithoutNodes(t *testing.T) {
	scanner, err := NewScanner(t.TempDir(), 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("")
	if err != nil || records != nil {
		t.Fatalf("expected no records, got %+v, %v", records, err)
	}
}

func TestFormatCmdlineTruncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	if got := formatCmdline([]byte(long)); len(got) != maxCommandLength {
		t.Fatalf("expected truncation to %d, got %d", maxCommandLength, len(got))
	}
	if got := formatCmdline(nil); got != "" {
		t.Fatalf("expected empty command, got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	root := t.TempDir()
	addProcess(t, root, "77", "blender", "blender\x00--background\x00", nil)

	scanner, err := NewScanner(root, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	name, command, ok := scanner.Describe(77)
	if !ok || name != "blender" || command != "blender --background" {
		t.Fatalf("unexpected description: %q %q %v", name, command, ok)
	}
	if _, _, ok := scanner.Describe(78); ok {
		t.Fatalf("expected missing process to be reported")
	}
}

func TestScanOrdersByNumericPID(t *testing.T) {
	root := t.TempDir()
	for _, pid := range []string{"10", "9", "100"} {
		addProcess(t, root, pid, "proc"+pid, "proc"+pid+"\x00", map[string]string{
			"4": "/dev/dri/renderD128",
		})
	}

	scanner, err := NewScanner(root, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("/dev/dri/renderD128")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var pids []int
	for _, record := range records {
		pids = append(pids, record.PID)
	}
	if len(pids) != 3 || pids[0] != 9 || pids[1] != 10 || pids[2] != 100 {
		t.Fatalf("expected pids [9 10 100], got %v", pids)
	}
}

func TestScanLimitKeepsLowestPIDs(t *testing.T) {
	root := t.TempDir()
	for _, pid := range []string{"10", "9"} {
		addProcess(t, root, pid, "proc"+pid, "proc"+pid+"\x00", map[string]string{
			"4": "/dev/dri/renderD128",
		})
	}

	scanner, err := NewScanner(root, 1, 0, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer scanner.Close()

	records, err := scanner.Scan("/dev/dri/renderD128")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 || records[0].PID != 9 {
		t.Fatalf("expected only pid 9, got %+v", records)
	}
}
