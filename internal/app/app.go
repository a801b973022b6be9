// Package app wires up and runs the daemon services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/httpserver"
	"github.com/skobkin/gpucontrold/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the daemon lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	gpuConfigs, err := config.LoadGPUConfigs(cfg.GPUConfigPath)
	if err != nil {
		return fmt.Errorf("load gpu config: %w", err)
	}

	devices, err := OpenDevices(ctx, cfg, baseLogger)
	if err != nil {
		return err
	}
	appLogger.Info("discovered GPUs", "count", len(devices.GPUs), "controllers", len(devices.Controllers))

	if len(devices.GPUs) > 0 && len(devices.Controllers) == 0 {
		appLogger.Warn("no controllers initialised", "reason", "unsupported drivers")
	}

	applied := devices.ApplyConfigs(gpuConfigs)

	samplerDevices := make(map[string]sampler.Device, len(devices.Controllers))
	for id, ctrl := range devices.Controllers {
		samplerDevices[id] = sampler.Device{
			Controller: ctrl,
			Config:     applied[id],
			Processes:  cfg.Proc.Enable,
		}
	}

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, samplerDevices, baseLogger.With("component", "sampler"))
	if err != nil {
		_ = devices.Release()
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
		if err := devices.CloseScanner(); err != nil {
			appLogger.Warn("process scanner close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), devices.GPUs, samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			samplerCancel()
			if err != nil {
				return err
			}
			return waitSampler(samplerErrCh)
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			samplerCancel()
			if err := waitSampler(samplerErrCh); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func waitSampler(errCh <-chan error) error {
	if errCh == nil {
		return nil
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
