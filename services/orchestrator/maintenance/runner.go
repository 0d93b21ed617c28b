// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package maintenance keeps the conversation store tidy: it titles
// conversations still holding the default title and removes conversations
// that never received a message.
//
// Both tasks are idempotent and never touch a conversation that has at
// least one message and a non-default title, so they are safe to run on a
// schedule and on demand at the same time.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/akili/services/orchestrator/observability"
)

// Task names used in logs and metrics.
const (
	TaskBackfillTitles = "backfill_titles"
	TaskCleanupEmpty   = "cleanup_empty"
)

// DefaultEmptyGrace protects conversations created moments ago (whose first
// message is still in flight) from scheduled cleanup.
const DefaultEmptyGrace = time.Hour

// Store is the subset of the conversation store maintenance needs.
type Store interface {
	BackfillTitles(ctx context.Context) (int, error)
	DeleteEmptyConversations(ctx context.Context, grace time.Duration) (int, error)
}

// Report summarizes one RunOnce.
type Report struct {
	TitlesUpdated        int
	ConversationsDeleted int
	StartTime            time.Time
	EndTime              time.Time
}

// Duration returns how long the run took.
func (r Report) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Runner executes maintenance tasks against a store.
type Runner struct {
	store      Store
	emptyGrace time.Duration
	metrics    *observability.RelayMetrics
}

// NewRunner builds a Runner. emptyGrace applies to RunOnce only; a negative
// value selects DefaultEmptyGrace. metrics may be nil.
func NewRunner(store Store, emptyGrace time.Duration, metrics *observability.RelayMetrics) *Runner {
	if emptyGrace < 0 {
		emptyGrace = DefaultEmptyGrace
	}
	return &Runner{store: store, emptyGrace: emptyGrace, metrics: metrics}
}

// BackfillTitles titles every default-titled conversation from its earliest
// user message.
func (r *Runner) BackfillTitles(ctx context.Context) (int, error) {
	n, err := r.store.BackfillTitles(ctx)
	r.metrics.RecordMaintenance(TaskBackfillTitles, n, err)
	if err != nil {
		return n, fmt.Errorf("backfill titles: %w", err)
	}
	return n, nil
}

// CleanupEmpty deletes conversations with zero messages that are older than
// grace. grace 0 deletes every empty conversation.
func (r *Runner) CleanupEmpty(ctx context.Context, grace time.Duration) (int, error) {
	n, err := r.store.DeleteEmptyConversations(ctx, grace)
	r.metrics.RecordMaintenance(TaskCleanupEmpty, n, err)
	if err != nil {
		return n, fmt.Errorf("cleanup empty conversations: %w", err)
	}
	return n, nil
}

// RunOnce backfills titles, then removes empty conversations older than the
// runner's grace period.
//
// # Description
//
// Backfill runs first so a conversation that gained its first message
// between the two steps is titled rather than deleted. A backfill failure
// stops the run; the cleanup step is not attempted.
//
// # Outputs
//
//   - Report: Counts for the steps that ran.
//   - error: The first step failure.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartTime: time.Now()}

	updated, err := r.BackfillTitles(ctx)
	report.TitlesUpdated = updated
	if err != nil {
		report.EndTime = time.Now()
		return report, err
	}

	deleted, err := r.CleanupEmpty(ctx, r.emptyGrace)
	report.ConversationsDeleted = deleted
	report.EndTime = time.Now()
	if err != nil {
		return report, err
	}

	if updated > 0 || deleted > 0 {
		slog.Info("Maintenance run completed",
			"titles_updated", updated,
			"conversations_deleted", deleted,
			"duration_ms", report.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("Maintenance run completed (nothing to do)")
	}
	return report, nil
}
