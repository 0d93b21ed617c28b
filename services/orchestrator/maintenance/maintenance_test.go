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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/akili/services/orchestrator/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

type fakeStore struct {
	mu          sync.Mutex
	calls       []string
	graces      []time.Duration
	backfillN   int
	deleteN     int
	backfillErr error
	deleteErr   error
}

func (f *fakeStore) BackfillTitles(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, TaskBackfillTitles)
	return f.backfillN, f.backfillErr
}

func (f *fakeStore) DeleteEmptyConversations(_ context.Context, grace time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, TaskCleanupEmpty)
	f.graces = append(f.graces, grace)
	return f.deleteN, f.deleteErr
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunOnce_BackfillBeforeCleanup(t *testing.T) {
	store := &fakeStore{backfillN: 2, deleteN: 3}
	r := NewRunner(store, 10*time.Minute, nil)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{TaskBackfillTitles, TaskCleanupEmpty}, store.calls)
	assert.Equal(t, []time.Duration{10 * time.Minute}, store.graces)
	assert.Equal(t, 2, report.TitlesUpdated)
	assert.Equal(t, 3, report.ConversationsDeleted)
	assert.GreaterOrEqual(t, report.Duration(), time.Duration(0))
}

func TestRunOnce_BackfillFailureSkipsCleanup(t *testing.T) {
	store := &fakeStore{backfillErr: errors.New("db down")}
	r := NewRunner(store, 0, nil)

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backfill titles")
	assert.Equal(t, []string{TaskBackfillTitles}, store.calls)
}

func TestNewRunner_NegativeGraceUsesDefault(t *testing.T) {
	store := &fakeStore{}
	_, err := NewRunner(store, -1, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultEmptyGrace}, store.graces)
}

func TestCleanupEmpty_ExplicitGrace(t *testing.T) {
	store := &fakeStore{deleteN: 1}
	n, err := NewRunner(store, time.Hour, nil).CleanupEmpty(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []time.Duration{0}, store.graces)
}

func TestRunner_RecordsMetrics(t *testing.T) {
	metrics := observability.NewRelayMetrics(prometheus.NewRegistry())
	store := &fakeStore{backfillN: 4, deleteErr: errors.New("locked")}
	r := NewRunner(store, 0, metrics)

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues(TaskBackfillTitles, "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.MaintenanceAffectedTotal.WithLabelValues(TaskBackfillTitles)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues(TaskCleanupEmpty, "error")))
}

// =============================================================================
// Scheduler Tests
// =============================================================================

func TestNewScheduler_InvalidCron(t *testing.T) {
	_, err := NewScheduler(NewRunner(&fakeStore{}, 0, nil), SchedulerConfig{Cron: "every tuesday"})
	assert.Error(t, err)
}

func TestNewScheduler_DefaultCron(t *testing.T) {
	s, err := NewScheduler(NewRunner(&fakeStore{}, 0, nil), SchedulerConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.cron)
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	store := &fakeStore{}
	s, err := NewScheduler(NewRunner(store, 0, nil), SchedulerConfig{Cron: "0 0 1 1 *", RunOnStart: true})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)

	assert.Eventually(t, func() bool { return store.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	// Restart after stop is allowed.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	s, err := NewScheduler(NewRunner(&fakeStore{}, 0, nil), SchedulerConfig{Cron: "0 0 1 1 *"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop did not exit after context cancel")
	}

	// The cancelled loop no longer counts as running.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	store := &fakeStore{backfillN: 1}
	s, err := NewScheduler(NewRunner(store, 0, nil), SchedulerConfig{})
	require.NoError(t, err)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TitlesUpdated)
	assert.Equal(t, 2, store.callCount())
}
