// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zyahav/mcp-skills-hub/pkg/config"
	"github.com/zyahav/mcp-skills-hub/pkg/hub"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
	"github.com/zyahav/mcp-skills-hub/pkg/server"
	"github.com/zyahav/mcp-skills-hub/pkg/telemetry"
)

// runServe serves MCP on stdin/stdout until the client hangs up, a signal
// arrives or the worker root turns out to be unusable.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Hub.Name, buildVersion(), telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	h := newHub(cfg, logger, os.Stderr)
	srv := server.New(hub.NewRouter(h),
		protocol.Implementation{Name: cfg.Hub.Name, Version: cfg.Hub.Version},
		server.WithLogger(logger),
	)
	h.OnIndexChange(func(ix *hub.Index) {
		logger.Info("tool list changed", "tools", ix.Len())
		srv.NotifyToolsChanged()
	})

	logger.Info("mcphub starting",
		"version", buildVersion(),
		"root", cfg.Workers.Root,
		"refresh_interval", cfg.Index.RefreshInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	g.Go(func() error {
		if err := h.Start(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		h.RunRefresher(serveCtx, cfg.Index.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		defer stopServing()
		err := srv.Serve(serveCtx, os.Stdin, os.Stdout)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	return runErr
}

// newHub maps the configuration onto a hub.
func newHub(cfg *config.Config, logger *slog.Logger, workerStderr io.Writer) *hub.Hub {
	return hub.New(hub.Config{
		Root:              cfg.Workers.Root,
		DescriptorFiles:   cfg.Workers.DescriptorFiles,
		NameEnv:           cfg.Workers.NameEnv,
		ProtocolVersion:   cfg.Workers.ProtocolVersion,
		ClientInfo:        protocol.Implementation{Name: cfg.Hub.Name, Version: cfg.Hub.Version},
		SpawnConcurrency:  cfg.Workers.SpawnConcurrency,
		CallTimeout:       cfg.Workers.CallTimeout,
		HandshakeTimeout:  cfg.Workers.HandshakeTimeout,
		HandshakeAttempts: cfg.Workers.HandshakeAttempts,
		ShutdownGrace:     cfg.Workers.ShutdownGrace,
		WorkerStderr:      workerStderr,
	}, hub.WithLogger(logger))
}

func setupLogging(cfg *config.Config) (*slog.Logger, func() error, error) {
	return telemetry.SetupLogging(telemetry.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
}

// shutdownBudget leaves room for the stdin, SIGTERM and SIGKILL steps.
func shutdownBudget(cfg *config.Config) time.Duration {
	return 2*cfg.Workers.ShutdownGrace + 5*time.Second
}
