// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock makes the controller's sliding window and daily reset
// deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestController(cfg Config, budget BudgetChecker) (*Controller, *fakeClock) {
	ctrl := NewController(cfg, budget)
	clock := newFakeClock()
	ctrl.now = clock.now
	return ctrl, clock
}

func TestHourlyRateLimit(t *testing.T) {
	ctrl, clock := newTestController(Config{HourlyPerCaller: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := ctrl.Check(ctx, "1.2.3.4")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		ctrl.Release()
	}

	d := ctrl.Check(ctx, "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Hour)

	// Another caller is unaffected.
	other := ctrl.Check(ctx, "5.6.7.8")
	require.True(t, other.Allowed)
	ctrl.Release()

	// The window slides: an hour later the caller is admitted again.
	clock.advance(61 * time.Minute)
	d = ctrl.Check(ctx, "1.2.3.4")
	assert.True(t, d.Allowed)
	ctrl.Release()
}

func TestRetryAfterMatchesOldestRequest(t *testing.T) {
	ctrl, clock := newTestController(Config{HourlyPerCaller: 1}, nil)
	ctx := context.Background()

	require.True(t, ctrl.Check(ctx, "caller").Allowed)
	ctrl.Release()

	clock.advance(40 * time.Minute)
	d := ctrl.Check(ctx, "caller")
	require.False(t, d.Allowed)
	// The admitting request leaves the window in 20 minutes.
	assert.Equal(t, 20*time.Minute, d.RetryAfter)
}

func TestDailyGlobalCap(t *testing.T) {
	ctrl, clock := newTestController(Config{DailyGlobal: 2}, nil)
	ctx := context.Background()

	// Spread across callers so the hourly limit never triggers.
	require.True(t, ctrl.Check(ctx, "a").Allowed)
	ctrl.Release()
	require.True(t, ctrl.Check(ctx, "b").Allowed)
	ctrl.Release()

	d := ctrl.Check(ctx, "c")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// The counter resets lazily when the local date changes.
	clock.advance(13 * time.Hour)
	d = ctrl.Check(ctx, "c")
	assert.True(t, d.Allowed)
	ctrl.Release()
}

type fakeBudget struct {
	allowed bool
	detail  string
}

func (b fakeBudget) CheckBudget(context.Context) (bool, string) {
	return b.allowed, b.detail
}

func TestBudgetDenial(t *testing.T) {
	ctrl, _ := newTestController(Config{}, fakeBudget{allowed: false, detail: "budget exhausted"})

	d := ctrl.Check(context.Background(), "caller")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBudget, d.Reason)
	assert.Equal(t, "budget exhausted", d.Detail)
}

func TestBudgetRunsAfterRateLimit(t *testing.T) {
	// A rate-limited caller is reported as rate limited, not over budget.
	ctrl, _ := newTestController(Config{HourlyPerCaller: 1}, fakeBudget{allowed: false})
	ctx := context.Background()

	// First request passes the rate limit and hits the budget check.
	d := ctrl.Check(ctx, "caller")
	require.Equal(t, ReasonBudget, d.Reason)

	// The denied request was never admitted, so the rate limit is intact.
	d = ctrl.Check(ctx, "caller")
	assert.Equal(t, ReasonBudget, d.Reason)
}

func TestConcurrencyBoundWithWaitQueue(t *testing.T) {
	ctrl, _ := newTestController(Config{
		MaxConcurrent:  2,
		MaxQueueDepth:  1,
		AcquireTimeout: 80 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	require.True(t, ctrl.Check(ctx, "a").Allowed)
	require.True(t, ctrl.Check(ctx, "b").Allowed)
	assert.Equal(t, 2, ctrl.InFlight())

	// Third request occupies the single wait slot.
	waiterDone := make(chan Decision, 1)
	go func() {
		waiterDone <- ctrl.Check(ctx, "c")
	}()
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.waiting == 1
	}, time.Second, 5*time.Millisecond)

	// Fourth request finds the wait queue full and is refused immediately.
	d := ctrl.Check(ctx, "d")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonServerBusy, d.Reason)

	// Nobody releases, so the waiter times out.
	select {
	case wd := <-waiterDone:
		assert.False(t, wd.Allowed)
		assert.Equal(t, ReasonTimeout, wd.Reason)
	case <-time.After(time.Second):
		t.Fatal("waiter never timed out")
	}

	// Releasing a slot lets a new request through.
	ctrl.Release()
	d = ctrl.Check(ctx, "e")
	assert.True(t, d.Allowed)
	ctrl.Release()
	ctrl.Release()
}

func TestWaiterAdmittedOnRelease(t *testing.T) {
	ctrl, _ := newTestController(Config{
		MaxConcurrent:  1,
		MaxQueueDepth:  1,
		AcquireTimeout: time.Second,
	}, nil)
	ctx := context.Background()

	require.True(t, ctrl.Check(ctx, "a").Allowed)

	waiterDone := make(chan Decision, 1)
	go func() {
		waiterDone <- ctrl.Check(ctx, "b")
	}()
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.waiting == 1
	}, time.Second, 5*time.Millisecond)

	ctrl.Release()

	select {
	case d := <-waiterDone:
		assert.True(t, d.Allowed)
		ctrl.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after release")
	}
}

func TestRemainingCounts(t *testing.T) {
	ctrl, _ := newTestController(Config{HourlyPerCaller: 10, DailyGlobal: 100}, nil)

	d := ctrl.Check(context.Background(), "caller")
	require.True(t, d.Allowed)
	assert.Equal(t, 9, d.RemainingHourly)
	assert.Equal(t, 99, d.RemainingDaily)
	ctrl.Release()
}
