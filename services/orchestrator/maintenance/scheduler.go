// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultCron runs maintenance every 30 minutes.
const DefaultCron = "*/30 * * * *"

// ErrSchedulerRunning is returned by Start when the scheduler is already
// running.
var ErrSchedulerRunning = errors.New("maintenance scheduler is already running")

// SchedulerConfig holds configuration for the maintenance scheduler.
//
// # Fields
//
//   - Cron: Five-field cron expression, evaluated in UTC. Default: DefaultCron.
//   - RunOnStart: Run once immediately when started.
type SchedulerConfig struct {
	Cron       string
	RunOnStart bool
}

// Scheduler runs a Runner on a cron schedule.
//
// # Description
//
// A single goroutine computes the next tick with gronx, sleeps until then
// and runs the Runner inline, so runs never overlap. Stop waits for an
// in-flight run to finish.
//
// # Thread Safety
//
// All public methods are thread-safe. RunNow may run concurrently with a
// scheduled run; both tasks are idempotent.
type Scheduler struct {
	runner  *Runner
	cron    string
	onStart bool

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler validates the cron expression and builds a stopped
// Scheduler.
func NewScheduler(runner *Runner, cfg SchedulerConfig) (*Scheduler, error) {
	cron := cfg.Cron
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %q", cron)
	}
	return &Scheduler{runner: runner, cron: cron, onStart: cfg.RunOnStart}, nil
}

// Start launches the schedule loop. It stops when ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.done = make(chan struct{})

	slog.Info("Maintenance scheduler starting", "cron", s.cron, "run_on_start", s.onStart)
	s.wg.Add(1)
	go s.loop(ctx, s.done)
	return nil
}

// Stop signals the loop to exit and waits for it. Safe to call multiple
// times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Maintenance scheduler stopped")
}

// RunNow runs the maintenance tasks immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Report, error) {
	return s.runner.RunOnce(ctx)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer s.wg.Done()

	if s.onStart {
		s.execute(ctx)
	}

	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			// The expression was validated up front, so this is unexpected.
			slog.Error("Failed to compute next maintenance tick", "cron", s.cron, "error", err)
			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			if s.done == done {
				s.running = false
			}
			s.mu.Unlock()
			return
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	if _, err := s.runner.RunOnce(ctx); err != nil {
		slog.Error("Scheduled maintenance run failed", "error", err)
	}
}
