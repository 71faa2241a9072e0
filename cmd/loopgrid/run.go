package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/e7canasta/loopgrid/internal/app"
	"github.com/e7canasta/loopgrid/internal/config"
)

func newRunCommand(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start capture, recording and the composited grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(newLogger(os.Stdout, *debug))
			return runService(cmd.Context(), *configPath, *debug)
		},
	}
}

func runService(parent context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting loopgrid",
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"debug", debug,
	)

	lock := flock.New(cfg.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another loopgrid instance holds %s", cfg.LockFile)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release instance lock", "error", err)
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(cfg, app.GStreamer)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	runErr := svc.Run(ctx)
	switch {
	case runErr != nil:
		slog.Error("service error", "error", runErr)
	case ctx.Err() != nil:
		slog.Info("received shutdown signal")
	default:
		slog.Info("service stopped via control plane")
	}

	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}

	slog.Info("loopgrid stopped")
	return runErr
}
