// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossierlabs/dossier/services/inference/cache"
)

func newTestScheduler(t *testing.T, engine *fakeEngine, workers, queueCap int) *Scheduler {
	t.Helper()

	pool, err := NewPool(context.Background(), engine, PoolConfig{
		Workers:      workers,
		ModelRef:     "test-model",
		LeaseTimeout: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	s := NewScheduler(pool, cache.New(100, time.Hour), nil, nil, SchedulerConfig{
		QueueCapacity: queueCap,
	}, testLogger())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestSubmitCompletes(t *testing.T) {
	engine := &fakeEngine{respond: func(string) (string, error) {
		return `["alpha", "beta"]`, nil
	}}
	s := newTestScheduler(t, engine, 2, 10)

	job := s.Submit(ExtractKeywordsPayload{Text: "alpha beta gamma"}, PriorityNormal, "tester")
	snap, err := s.GetResult(job.ID, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, []string{"alpha", "beta"}, snap.Result)
	assert.False(t, snap.CacheHit)
	assert.Equal(t, "tester", snap.CallerID)
}

func TestCacheHitBypassesEngine(t *testing.T) {
	engine := &fakeEngine{respond: func(string) (string, error) {
		return "a concise summary", nil
	}}
	s := newTestScheduler(t, engine, 1, 10)

	payload := SummarizePayload{Text: "the same text", MaxWords: 50}

	first := s.Submit(payload, PriorityNormal, "tester")
	snap, err := s.GetResult(first.ID, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, engine.inferCount())

	second := s.Submit(payload, PriorityNormal, "tester")
	snap = second.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.True(t, snap.CacheHit)
	assert.Equal(t, "a concise summary", snap.Result)
	assert.Equal(t, 1, engine.inferCount(), "cache hit must not reach the engine")
}

func TestQueueFullFailsSynchronously(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	engine := &fakeEngine{respond: func(string) (string, error) {
		started <- struct{}{}
		<-gate
		return "done", nil
	}}
	s := newTestScheduler(t, engine, 1, 1)
	defer close(gate)

	running := s.Submit(SummarizePayload{Text: "running"}, PriorityNormal, "tester")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never reached the engine")
	}

	queued := s.Submit(SummarizePayload{Text: "queued"}, PriorityNormal, "tester")
	assert.Equal(t, StateQueued, queued.State())

	rejected := s.Submit(SummarizePayload{Text: "rejected"}, PriorityNormal, "tester")
	snap := rejected.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "queue full", snap.Error)

	// Drain so Stop does not wait on the gate.
	_ = running
}

func TestGetResultTimeoutIsTerminal(t *testing.T) {
	gate := make(chan struct{})
	engine := &fakeEngine{respond: func(string) (string, error) {
		<-gate
		return "late but cached", nil
	}}
	s := newTestScheduler(t, engine, 1, 10)

	payload := SummarizePayload{Text: "slow job"}
	job := s.Submit(payload, PriorityNormal, "tester")

	snap, err := s.GetResult(job.ID, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "timeout after")

	// Let the worker finish; the late result must not resurrect the job
	// but must land in the cache for future submissions.
	close(gate)
	require.Eventually(t, func() bool {
		return s.Stats().Cache.Size >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateFailed, job.State())

	retry := s.Submit(payload, PriorityNormal, "tester")
	retrySnap := retry.Snapshot()
	assert.Equal(t, StateCompleted, retrySnap.State)
	assert.True(t, retrySnap.CacheHit)
	assert.Equal(t, "late but cached", retrySnap.Result)
}

func TestEmptyOutputRetriesOnceThenFails(t *testing.T) {
	engine := &fakeEngine{respond: func(string) (string, error) {
		return "", nil
	}}
	s := newTestScheduler(t, engine, 1, 10)

	job := s.Submit(SummarizePayload{Text: "text"}, PriorityNormal, "tester")
	snap, err := s.GetResult(job.ID, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "inference returned empty output", snap.Error)
	assert.Equal(t, 2, engine.inferCount(), "one retry after the empty first attempt")
}

func TestEmptyOutputRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	engine := &fakeEngine{respond: func(string) (string, error) {
		if calls.Add(1) == 1 {
			return "", nil
		}
		return "recovered", nil
	}}
	s := newTestScheduler(t, engine, 1, 10)

	job := s.Submit(SummarizePayload{Text: "text"}, PriorityNormal, "tester")
	snap, err := s.GetResult(job.ID, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, "recovered", snap.Result)
}

func TestPriorityOrderingUnderSingleWorker(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var once atomic.Bool
	engine := &fakeEngine{respond: func(string) (string, error) {
		if once.CompareAndSwap(false, true) {
			started <- struct{}{}
			<-gate
		}
		return "done", nil
	}}
	s := newTestScheduler(t, engine, 1, 10)

	// Occupy the only worker so later submissions pile up in the queue.
	blocker := s.Submit(SummarizePayload{Text: "blocker"}, PriorityNormal, "tester")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never reached the engine")
	}

	low := s.Submit(SummarizePayload{Text: "low priority text"}, PriorityLow, "tester")
	high := s.Submit(SummarizePayload{Text: "high priority text"}, PriorityHigh, "tester")
	close(gate)

	for _, job := range []*Job{blocker, low, high} {
		_, err := s.GetResult(job.ID, 2*time.Second)
		require.NoError(t, err)
	}

	prompts := engine.promptLog()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], "high priority text")
	assert.Contains(t, prompts[2], "low priority text")
}

func TestGetResultUnknownJob(t *testing.T) {
	s := newTestScheduler(t, &fakeEngine{}, 1, 10)

	_, err := s.GetResult("no-such-id", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSchedulerStats(t *testing.T) {
	engine := &fakeEngine{respond: func(string) (string, error) {
		return "ok", nil
	}}
	s := newTestScheduler(t, engine, 2, 10)

	job := s.Submit(SummarizePayload{Text: "stats probe"}, PriorityNormal, "tester")
	_, err := s.GetResult(job.ID, 2*time.Second)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 1, stats.TrackedJobs)
	assert.Equal(t, 1, stats.JobStates[StateCompleted])
	assert.Equal(t, 2, stats.Pool.Loaded)
	assert.Equal(t, 1, stats.Cache.Size)
}

func TestAnonymousCaller(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, 1, 10)

	job := s.Submit(ParseIntentPayload{Query: "who is ada"}, PriorityNormal, "")
	assert.Equal(t, "anonymous", job.CallerID)
	assert.False(t, strings.Contains(job.ID, " "))
}
