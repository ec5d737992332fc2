// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// queryledger-service ingests a remote AdGuard Home query log into a
// local deduplicated ledger and serves queries over a Unix control
// socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/queryledger/queryledger/lib/clock"
	"github.com/queryledger/queryledger/lib/config"
	"github.com/queryledger/queryledger/lib/process"
	"github.com/queryledger/queryledger/lib/remotefile"
	"github.com/queryledger/queryledger/lib/service"
	"github.com/queryledger/queryledger/lib/version"
)

func main() {
	var (
		configPath  = pflag.String("config", "", "path to the YAML configuration file")
		fetchOnce   = pflag.Bool("fetch-once", false, "run one fetch cycle and exit")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		version.Print("queryledger-service")
		return
	}

	if err := run(*configPath, *fetchOnce); err != nil {
		process.Fatal(err)
	}
}

func run(configFlag string, fetchOnce bool) error {
	path, err := config.Path(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting", "version", version.Info(), "config", path)

	location, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		return fmt.Errorf("report timezone: %w", err)
	}

	clk := clock.Real()

	store, err := OpenStore(StoreConfig{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Clock:    clk,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := remotefile.NewSSHSource(remotefile.SSHConfig{
		Host:           cfg.Source.SSH.Host,
		Port:           cfg.Source.SSH.Port,
		User:           cfg.Source.SSH.User,
		KeyFile:        cfg.Source.SSH.KeyFile,
		KnownHostsFile: cfg.Source.SSH.KnownHostsFile,
		Timeout:        cfg.Source.SSH.Timeout.Std(),
		Logger:         logger.With("component", "ssh"),
	})
	if err != nil {
		return err
	}
	defer source.Close()

	fetchConfig := FetchConfig{
		SourceName:     cfg.Source.Name,
		QueryLogPath:   cfg.Source.QueryLog,
		LeasesPath:     cfg.Source.LeasesPath,
		ChunkSize:      cfg.Fetch.ChunkSize,
		MaxTransfer:    cfg.Fetch.MaxTransfer,
		ReportLocation: location,
	}
	if cfg.Source.RotatedCopy {
		fetchConfig.RotatedCopyPath = cfg.Source.QueryLog + ".1"
	}
	fetcher := NewFetcher(store, source, fetchConfig, clk, logger.With("component", "fetch"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if fetchOnce {
		report, err := fetcher.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("fetch complete",
			"ingested", report.Ingested,
			"rows", report.Rows,
			"malformed", report.Malformed,
			"ignored", report.Ignored,
			"offset", report.Offset,
			"rotated", report.Rotated,
		)
		return nil
	}

	socket := service.NewSocket(cfg.Socket, logger.With("component", "socket"))
	registerActions(socket, store, fetcher, cfg.Source.Name)

	if cfg.Fetch.Schedule != "" {
		sched, err := newScheduler(cfg.Fetch.Schedule, fetcher, clk, logger.With("component", "scheduler"))
		if err != nil {
			return fmt.Errorf("fetch schedule: %w", err)
		}
		go sched.run(ctx)
	}

	return socket.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
