package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/controller"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// ErrUnknownGPU is returned for ids the manager does not own.
var ErrUnknownGPU = errors.New("unknown gpu")

// Sample is the latest polled state of one GPU.
type Sample struct {
	GPUId     string              `json:"gpu_id"`
	Timestamp time.Time           `json:"ts"`
	Stats     schema.DeviceStats  `json:"stats"`
	Processes *schema.ProcessList `json:"processes,omitempty"`
}

// Device is a controller handed to the manager together with its runtime
// configuration.
type Device struct {
	Controller controller.GPUController
	Config     *config.GPUConfig
	// Processes enables per-process polling.
	Processes bool
}

type device struct {
	Device

	// mu serializes every call into Controller.
	mu sync.Mutex
}

// Manager owns the controllers, polls them periodically and caches the
// latest snapshot of each.
type Manager struct {
	interval time.Duration
	devices  map[string]*device
	logger   *slog.Logger

	mu        sync.RWMutex
	latest    map[string]Sample
	closeOnce sync.Once
	closeErr  error
}

// NewManager takes ownership of devices; Close releases them.
func NewManager(interval time.Duration, devices map[string]Device, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := &Manager{
		interval: interval,
		devices:  make(map[string]*device, len(devices)),
		logger:   logger.With("component", "sampler_manager"),
		latest:   make(map[string]Sample),
	}
	for id, dev := range devices {
		if dev.Controller == nil {
			return nil, fmt.Errorf("gpu %s: nil controller", id)
		}
		manager.devices[id] = &device{Device: dev}
	}
	return manager, nil
}

// Run starts polling loops for all GPUs until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.devices) == 0 {
		<-ctx.Done()
		return m.Close()
	}

	var wg sync.WaitGroup
	for gpuID, dev := range m.devices {
		wg.Add(1)
		go func(id string, dev *device) {
			defer wg.Done()
			logger := m.logger.With("gpu_id", id)
			logger.Info("sampler started")

			m.poll(id, dev, logger)

			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					logger.Info("sampler stopping", "reason", ctx.Err())
					return
				case <-ticker.C:
					m.poll(id, dev, logger)
				}
			}
		}(gpuID, dev)
	}

	<-ctx.Done()
	wg.Wait()
	return m.Close()
}

func (m *Manager) poll(id string, dev *device, logger *slog.Logger) {
	dev.mu.Lock()
	sample := Sample{
		GPUId:     id,
		Timestamp: time.Now(),
		Stats:     dev.Controller.GetStats(dev.Config),
	}
	if dev.Processes {
		procs, err := dev.Controller.ProcessList()
		switch {
		case err == nil:
			sample.Processes = &procs
		case errors.Is(err, controller.ErrUnsupported):
			logger.Debug("process list unsupported", "err", err)
		default:
			logger.Warn("failed to list processes", "err", err)
		}
	}
	dev.mu.Unlock()

	m.mu.Lock()
	m.latest[id] = sample
	m.mu.Unlock()
}

// Latest returns the most recent sample for the given GPU.
func (m *Manager) Latest(gpuID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[gpuID]
	return sample, ok
}

// GPUIDs returns the sorted list of GPU ids managed by the sampler.
func (m *Manager) GPUIDs() []string {
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Ready reports whether every GPU has been polled at least once.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id := range m.devices {
		if _, ok := m.latest[id]; !ok {
			return false
		}
	}

	return true
}

// Config returns the runtime configuration the GPU was registered with.
func (m *Manager) Config(gpuID string) (*config.GPUConfig, bool) {
	dev, ok := m.devices[gpuID]
	if !ok {
		return nil, false
	}
	return dev.Config, true
}

// Do runs fn with exclusive access to the GPU's controller.
func (m *Manager) Do(gpuID string, fn func(controller.GPUController) error) error {
	dev, ok := m.devices[gpuID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownGPU, gpuID)
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return fn(dev.Controller)
}

// Close releases all controllers. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for id, dev := range m.devices {
			dev.mu.Lock()
			if err := dev.Controller.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close controller %s: %w", id, err))
			}
			dev.mu.Unlock()
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
