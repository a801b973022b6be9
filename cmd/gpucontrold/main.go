package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/gpucontrold/internal/app"
	"github.com/skobkin/gpucontrold/internal/config"
	"github.com/skobkin/gpucontrold/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	flags := pflag.NewFlagSet("gpucontrold", pflag.ExitOnError)
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: gpucontrold [--version]")
		fmt.Fprintln(os.Stderr, "Settings are read from APP_* environment variables.")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	if *showVersion {
		fmt.Println("gpucontrold", version.Current().String())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting gpucontrold",
		"version", version.Current().String(),
		"listen_addr", cfg.ListenAddr,
		"sysfs_root", cfg.SysfsRoot,
		"sample_interval", cfg.SampleInterval,
		"gpu_config", cfg.GPUConfigPath,
	)
	if os.Geteuid() != 0 {
		logger.Warn("not running as root, clock and power cap writes will likely be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("daemon stopped", "err", err)
		stop()
		os.Exit(1)
	}
}
