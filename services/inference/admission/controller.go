// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package admission gates job submissions before they reach the
// scheduler. A request passes three checks in order: a sliding one-hour
// per-caller rate limit, a global daily cap, and a concurrency bound
// with a bounded wait queue. An optional budget check runs after the
// daily cap. Each check yields a typed decision with a retry hint, so
// the HTTP layer can answer 429/503 with accurate Retry-After headers.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Denial reasons. The middleware maps these onto HTTP status codes.
const (
	ReasonRateLimited = "rate_limited"
	ReasonDailyLimit  = "daily_limit"
	ReasonBudget      = "budget"
	ReasonServerBusy  = "server_busy"
	ReasonTimeout     = "timeout"
)

// BudgetChecker is consulted after the daily cap. The budget ledger
// implements it; nil disables the check.
type BudgetChecker interface {
	// CheckBudget reports whether spend is under budget, with a
	// human-readable detail when it is not.
	CheckBudget(ctx context.Context) (bool, string)
}

// Config bounds admission. Zero values take the listed defaults.
type Config struct {
	// HourlyPerCaller caps admissions per caller over a sliding hour.
	// Default: 100.
	HourlyPerCaller int

	// DailyGlobal caps total admissions per local calendar day.
	// Default: 1000.
	DailyGlobal int

	// MaxConcurrent bounds requests concurrently holding a slot.
	// Default: 8.
	MaxConcurrent int

	// MaxQueueDepth bounds callers waiting for a slot; arrivals past
	// the bound are refused immediately. Default: 16.
	MaxQueueDepth int

	// AcquireTimeout bounds how long a waiting caller blocks for a
	// slot. Default: 30s.
	AcquireTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HourlyPerCaller <= 0 {
		c.HourlyPerCaller = 100
	}
	if c.DailyGlobal <= 0 {
		c.DailyGlobal = 1000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 16
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// Reason is set on denial (one of the Reason constants).
	Reason string

	// Detail is a human-readable explanation for denial responses.
	Detail string

	// RetryAfter hints when the caller may try again. Zero when
	// retrying immediately is reasonable.
	RetryAfter time.Duration

	// Remaining counts after this decision.
	RemainingHourly int
	RemainingDaily  int
}

// Controller enforces the admission policy. Construct with NewController;
// every allowed Check must be paired with exactly one Release.
type Controller struct {
	cfg    Config
	sem    *Semaphore
	budget BudgetChecker

	mu        sync.Mutex
	perCaller map[string][]time.Time // admission timestamps inside the sliding window
	dailyDate string                 // local date the daily counter belongs to
	dailyUsed int
	waiting   int

	// now is injectable for window and daily-reset tests.
	now func() time.Time
}

// NewController creates a controller. budget may be nil.
func NewController(cfg Config, budget BudgetChecker) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:       cfg,
		sem:       NewSemaphore(cfg.MaxConcurrent),
		budget:    budget,
		perCaller: make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Check runs the admission checks for callerKey in order: hourly rate
// limit, daily cap, budget, concurrency. It blocks up to AcquireTimeout
// waiting for a slot when the pool is saturated but the wait queue has
// room. On Allowed the caller holds a slot and must call Release.
func (c *Controller) Check(ctx context.Context, callerKey string) Decision {
	c.mu.Lock()

	now := c.now()
	window := c.pruneWindowLocked(callerKey, now)

	if len(window) >= c.cfg.HourlyPerCaller {
		retryAfter := window[0].Add(time.Hour).Sub(now)
		remaining := c.remainingDailyLocked(now)
		c.mu.Unlock()
		return Decision{
			Reason:         ReasonRateLimited,
			Detail:         fmt.Sprintf("hourly limit of %d requests reached", c.cfg.HourlyPerCaller),
			RetryAfter:     retryAfter,
			RemainingDaily: remaining,
		}
	}

	c.resetDailyLocked(now)
	if c.dailyUsed >= c.cfg.DailyGlobal {
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		remaining := c.cfg.HourlyPerCaller - len(window)
		c.mu.Unlock()
		return Decision{
			Reason:          ReasonDailyLimit,
			Detail:          fmt.Sprintf("daily limit of %d requests reached", c.cfg.DailyGlobal),
			RetryAfter:      midnight.Sub(now),
			RemainingHourly: remaining,
		}
	}
	c.mu.Unlock()

	if c.budget != nil {
		if ok, detail := c.budget.CheckBudget(ctx); !ok {
			return Decision{Reason: ReasonBudget, Detail: detail}
		}
	}

	if !c.sem.TryAcquire() {
		c.mu.Lock()
		if c.waiting >= c.cfg.MaxQueueDepth {
			c.mu.Unlock()
			return Decision{
				Reason: ReasonServerBusy,
				Detail: fmt.Sprintf("server busy: %d in flight, %d waiting", c.cfg.MaxConcurrent, c.cfg.MaxQueueDepth),
			}
		}
		c.waiting++
		c.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		err := c.sem.Acquire(waitCtx)
		cancel()

		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()

		if err != nil {
			return Decision{
				Reason: ReasonTimeout,
				Detail: fmt.Sprintf("no slot freed within %s", c.cfg.AcquireTimeout),
			}
		}
	}

	// Slot held. Record the admission against both limits.
	c.mu.Lock()
	now = c.now()
	c.resetDailyLocked(now)
	c.perCaller[callerKey] = append(c.pruneWindowLocked(callerKey, now), now)
	c.dailyUsed++
	remHourly := c.cfg.HourlyPerCaller - len(c.perCaller[callerKey])
	remDaily := c.cfg.DailyGlobal - c.dailyUsed
	c.mu.Unlock()

	return Decision{
		Allowed:         true,
		RemainingHourly: remHourly,
		RemainingDaily:  remDaily,
	}
}

// Release frees the concurrency slot taken by an allowed Check.
func (c *Controller) Release() {
	c.sem.Release()
}

// InFlight returns the number of held slots. Used by stats handlers.
func (c *Controller) InFlight() int {
	return c.sem.InUse()
}

// pruneWindowLocked drops timestamps older than one hour and stores the
// trimmed window. Caller must hold mu.
func (c *Controller) pruneWindowLocked(callerKey string, now time.Time) []time.Time {
	window := c.perCaller[callerKey]
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		window = append([]time.Time(nil), window[i:]...)
		if len(window) == 0 {
			delete(c.perCaller, callerKey)
		} else {
			c.perCaller[callerKey] = window
		}
	}
	return window
}

// resetDailyLocked zeroes the daily counter when the local date changes.
// Caller must hold mu.
func (c *Controller) resetDailyLocked(now time.Time) {
	date := now.Format("2006-01-02")
	if date != c.dailyDate {
		c.dailyDate = date
		c.dailyUsed = 0
	}
}

func (c *Controller) remainingDailyLocked(now time.Time) int {
	c.resetDailyLocked(now)
	return c.cfg.DailyGlobal - c.dailyUsed
}
