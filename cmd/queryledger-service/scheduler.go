// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/queryledger/queryledger/lib/clock"
	"github.com/queryledger/queryledger/lib/cron"
)

// scheduler triggers fetch cycles on a cron schedule. A tick that
// lands while a manually triggered cycle is still running is skipped,
// not queued; the next tick picks up from the committed cursor.
type scheduler struct {
	schedule cron.Schedule
	fetcher  *Fetcher
	clock    clock.Clock
	log      *slog.Logger
}

func newScheduler(expression string, fetcher *Fetcher, clk clock.Clock, logger *slog.Logger) (*scheduler, error) {
	schedule, err := cron.Parse(expression)
	if err != nil {
		return nil, err
	}
	return &scheduler{schedule: schedule, fetcher: fetcher, clock: clk, log: logger}, nil
}

// run blocks until ctx is cancelled.
func (s *scheduler) run(ctx context.Context) {
	for {
		now := s.clock.Now()
		next, err := s.schedule.Next(now)
		if err != nil {
			s.log.Error("schedule has no next firing, scheduler stopping", "error", err)
			return
		}
		s.log.Debug("next scheduled fetch", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
		}

		report, err := s.fetcher.Run(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			s.log.Info("scheduled fetch skipped, cycle already running")
		case err != nil:
			s.log.Error("scheduled fetch failed", "error", err,
				"ingested", report.Ingested, "offset", report.Offset)
		}
	}
}
