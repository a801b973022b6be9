// Package sysfs provides typed access to a GPU's sysfs attribute directory
// and to the hwmon directory the kernel attaches to it under a runtime-chosen
// name (hwmon0, hwmon3, ...).
package sysfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned by writes targeting a file that does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrNoHwmon is returned by hwmon writes when the device has no hwmon directory.
	ErrNoHwmon = errors.New("no hwmon available")
)

// Accessor reads and writes attributes relative to a device root.
//
// Reads never fail: a missing or malformed attribute yields ok=false. Writes
// never create files. An Accessor is not safe for concurrent use.
type Accessor struct {
	root      string
	hwmonPath string
	logger    *slog.Logger
}

// New constructs an Accessor rooted at the device attribute directory
// (e.g. /sys/class/drm/card0/device).
func New(root string, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Accessor{
		root:      root,
		hwmonPath: detectHwmon(root),
		logger:    logger,
	}
}

// Root returns the device attribute directory.
func (a *Accessor) Root() string {
	return a.root
}

// HwmonPath returns the current hwmon directory or "" when absent.
func (a *Accessor) HwmonPath() string {
	return a.hwmonDir()
}

// Path resolves name against the device root. Absolute paths are returned unchanged.
func (a *Accessor) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.root, name)
}

// Exists reports whether the named attribute exists.
func (a *Accessor) Exists(name string) bool {
	_, err := os.Stat(a.Path(name))
	return err == nil
}

// Names lists the entries of the named directory in sorted order. Missing or
// unreadable directories yield nil.
func (a *Accessor) Names(name string) []string {
	entries, err := os.ReadDir(a.Path(name))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

// Read parses the trimmed contents of the named attribute.
func Read[T any](a *Accessor, name string, parse func(string) (T, error)) (T, bool) {
	var zero T
	path := a.Path(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Debug("attribute absent", "path", path)
		} else {
			a.logger.Warn("failed to read attribute", "path", path, "err", err)
		}
		return zero, false
	}

	value, err := parse(strings.TrimSpace(string(data)))
	if err != nil {
		a.logger.Warn("failed to parse attribute", "path", path, "err", err)
		return zero, false
	}
	return value, true
}

// Uint64 reads an unsigned decimal attribute.
func (a *Accessor) Uint64(name string) (uint64, bool) {
	return Read(a, name, ParseUint64)
}

// Int64 reads a signed decimal attribute.
func (a *Accessor) Int64(name string) (int64, bool) {
	return Read(a, name, ParseInt64)
}

// Float64 reads a floating point attribute.
func (a *Accessor) Float64(name string) (float64, bool) {
	return Read(a, name, ParseFloat64)
}

// String reads a non-empty attribute as text.
func (a *Accessor) String(name string) (string, bool) {
	return Read(a, name, ParseString)
}

// Raw returns the untrimmed contents of the named attribute.
func (a *Accessor) Raw(name string) ([]byte, bool) {
	data, err := os.ReadFile(a.Path(name))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Write stores contents into an existing attribute.
func (a *Accessor) Write(name, contents string) error {
	path := a.Path(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}

	a.logger.Debug("writing attribute", "path", path, "value", contents)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := file.WriteString(contents); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// HwmonFiles lazily yields parsed values of hwmon files named
// prefix + N + suffix, where N contains no underscore, in filename order.
// Files that cannot be read or parsed are skipped.
func HwmonFiles[T any](a *Accessor, prefix, suffix string, parse func(string) (T, error)) iter.Seq2[T, string] {
	return func(yield func(T, string) bool) {
		paths, err := a.hwmonMatches(prefix, suffix)
		if err != nil {
			return
		}
		for _, path := range paths {
			value, ok := Read(a, path, parse)
			if !ok {
				continue
			}
			if !yield(value, path) {
				return
			}
		}
	}
}

// FirstHwmon returns the first value yielded by HwmonFiles.
func FirstHwmon[T any](a *Accessor, prefix, suffix string, parse func(string) (T, error)) (T, bool) {
	for value := range HwmonFiles(a, prefix, suffix, parse) {
		return value, true
	}
	var zero T
	return zero, false
}

// WriteFirstHwmon writes contents to the first hwmon file matching the same
// selection rule as HwmonFiles.
func (a *Accessor) WriteFirstHwmon(prefix, suffix, contents string) error {
	paths, err := a.hwmonMatches(prefix, suffix)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: %s*%s in %s", ErrNotFound, prefix, suffix, a.hwmonPath)
	}
	return a.Write(paths[0], contents)
}

func (a *Accessor) hwmonMatches(prefix, suffix string) ([]string, error) {
	dir := a.hwmonDir()
	if dir == "" {
		return nil, ErrNoHwmon
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read hwmon dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if len(name) < len(prefix)+len(suffix) {
			continue
		}
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		infix := name[len(prefix) : len(name)-len(suffix)]
		if strings.Contains(infix, "_") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// hwmonDir re-detects the hwmon directory when the cached one has vanished,
// e.g. after a driver rebind renumbered it.
func (a *Accessor) hwmonDir() string {
	if a.hwmonPath != "" {
		if _, err := os.Stat(a.hwmonPath); err == nil {
			return a.hwmonPath
		}
	}
	a.hwmonPath = detectHwmon(a.root)
	return a.hwmonPath
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

// ParseUint64 parses a base-10 unsigned integer.
func ParseUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 10, 64)
}

// ParseInt64 parses a base-10 signed integer.
func ParseInt64(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}

// ParseFloat64 parses a floating point number.
func ParseFloat64(value string) (float64, error) {
	return strconv.ParseFloat(value, 64)
}

// ParseString accepts any non-empty value.
func ParseString(value string) (string, error) {
	if value == "" {
		return "", errors.New("empty value")
	}
	return value, nil
}
