// Package procscan walks /proc to find processes holding a GPU's DRM nodes
// open and collects the fdinfo records of those descriptors.
package procscan

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const maxCommandLength = 256

// Record is one process with at least one descriptor on the device.
type Record struct {
	PID     int
	Name    string
	Command string
	// FDInfo holds the raw fdinfo contents of each matching descriptor.
	FDInfo [][]byte
}

// Scanner reads process information from a proc filesystem root.
type Scanner struct {
	procRoot *os.Root
	maxPIDs  int
	maxFDs   int
	logger   *slog.Logger
}

// NewScanner opens procRoot. Zero limits mean unbounded.
func NewScanner(procRoot string, maxPIDs, maxFDs int, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &Scanner{
		procRoot: root,
		maxPIDs:  maxPIDs,
		maxFDs:   maxFDs,
		logger:   logger,
	}, nil
}

// Close releases the proc root handle.
func (s *Scanner) Close() error {
	return s.procRoot.Close()
}

// Scan returns every process with a descriptor pointing at one of nodes
// (e.g. /dev/dri/renderD128 and /dev/dri/card0), ordered by PID.
func (s *Scanner) Scan(nodes ...string) ([]Record, error) {
	lookup := newNodeLookup(nodes)
	if lookup.empty() {
		return nil, nil
	}

	entries, err := fs.ReadDir(s.procRoot.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("read proc root: %w", err)
	}

	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	if s.maxPIDs > 0 && len(pids) > s.maxPIDs {
		s.logger.Debug("process scan limit reached", "max_pids", s.maxPIDs, "pids", len(pids))
		pids = pids[:s.maxPIDs]
	}

	var records []Record
	for _, pid := range pids {
		procDir, err := s.procRoot.OpenRoot(strconv.Itoa(pid))
		if err != nil {
			continue
		}
		record, ok := s.scanProcess(pid, procDir, lookup)
		if err := procDir.Close(); err != nil {
			s.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}
		if ok {
			records = append(records, record)
		}
	}

	return records, nil
}

func (s *Scanner) scanProcess(pid int, procDir *os.Root, lookup nodeLookup) (Record, bool) {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fd")
	if err != nil {
		return Record{}, false
	}

	record := Record{PID: pid}
	fdCount := 0
	for _, fdEntry := range fdEntries {
		if s.maxFDs > 0 && fdCount >= s.maxFDs {
			break
		}
		fdCount++

		fdName := fdEntry.Name()
		target, err := procDir.Readlink(filepath.Join("fd", fdName))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		if !lookup.match(filepath.Clean(target)) {
			continue
		}

		data, err := procDir.ReadFile(filepath.Join("fdinfo", fdName))
		if err != nil {
			continue
		}
		record.FDInfo = append(record.FDInfo, data)
	}

	if len(record.FDInfo) == 0 {
		return Record{}, false
	}

	record.Name, _ = readTrimmed(procDir, "comm")
	if cmdline, err := procDir.ReadFile("cmdline"); err == nil {
		record.Command = formatCmdline(cmdline)
	}
	return record, true
}

// Describe returns the name and command line of pid. ok is false when the
// process is gone.
func (s *Scanner) Describe(pid int) (name, command string, ok bool) {
	procDir, err := s.procRoot.OpenRoot(strconv.Itoa(pid))
	if err != nil {
		return "", "", false
	}
	defer procDir.Close()

	name, err = readTrimmed(procDir, "comm")
	if err != nil {
		return "", "", false
	}
	if cmdline, err := procDir.ReadFile("cmdline"); err == nil {
		command = formatCmdline(cmdline)
	}
	return name, command, true
}

type nodeLookup struct {
	byPath map[string]struct{}
	byBase map[string]struct{}
}

func newNodeLookup(nodes []string) nodeLookup {
	lookup := nodeLookup{
		byPath: make(map[string]struct{}, len(nodes)),
		byBase: make(map[string]struct{}, len(nodes)),
	}
	for _, node := range nodes {
		if node == "" {
			continue
		}
		lookup.byPath[filepath.Clean(node)] = struct{}{}
		lookup.byBase[filepath.Base(node)] = struct{}{}
	}
	return lookup
}

func (l nodeLookup) empty() bool {
	return len(l.byPath) == 0
}

// match accepts an exact path or, for containers with a remapped /dev, a
// DRM node with the same base name.
func (l nodeLookup) match(target string) bool {
	if _, ok := l.byPath[target]; ok {
		return true
	}
	if !strings.Contains(target, "/dri/") {
		return false
	}
	_, ok := l.byBase[filepath.Base(target)]
	return ok
}

func readTrimmed(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatCmdline(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	cmd := strings.Join(out, " ")
	if len(cmd) > maxCommandLength {
		return cmd[:maxCommandLength]
	}
	return cmd
}
