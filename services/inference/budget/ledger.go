// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package budget tracks daily inference spend. The ledger converts token
// counts into USD using per-million-token pricing, accumulates usage per
// local calendar day in a persistent store, and answers whether the
// daily budget allows another call.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pricing is the per-model cost table, expressed in USD per million
// tokens to keep the small per-call numbers exact enough for budgeting.
type Pricing struct {
	InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok"`
}

// Usage is one day's accumulated spend.
type Usage struct {
	Calls   int64   `json:"calls"`
	CostUSD float64 `json:"cost_usd"`
}

// Store persists per-day usage. Increment must be atomic under
// concurrent writers: parallel calls for the same date all land.
type Store interface {
	Increment(ctx context.Context, date string, calls int64, costUSD float64) (Usage, error)
	Get(ctx context.Context, date string) (Usage, error)
}

// Ledger accounts inference cost against a daily USD budget.
//
// Thread Safety:
//
//	Safe for concurrent use; state lives in the Store, whose Increment
//	is atomic.
type Ledger struct {
	store          Store
	pricing        Pricing
	dailyBudgetUSD float64
	logger         *slog.Logger

	// now is injectable for daily-rollover tests.
	now func() time.Time
}

// NewLedger creates a ledger. A non-positive budget disables the budget
// check (CheckBudget always passes) while cost accounting continues.
func NewLedger(store Store, pricing Pricing, dailyBudgetUSD float64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:          store,
		pricing:        pricing,
		dailyBudgetUSD: dailyBudgetUSD,
		logger:         logger,
		now:            time.Now,
	}
}

// Cost converts a token count pair into USD.
func (l *Ledger) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*l.pricing.InputUSDPerMTok/1e6 +
		float64(tokensOut)*l.pricing.OutputUSDPerMTok/1e6
}

// RecordCall accounts one inference call against today's usage and
// returns its cost. Persistence failures are logged and swallowed:
// losing a ledger write must not fail the inference that produced it.
func (l *Ledger) RecordCall(ctx context.Context, tokensIn, tokensOut int) float64 {
	cost := l.Cost(tokensIn, tokensOut)
	date := l.today()
	if _, err := l.store.Increment(ctx, date, 1, cost); err != nil {
		l.logger.Error("budget ledger write failed",
			"date", date,
			"cost_usd", cost,
			"error", err,
		)
	}
	return cost
}

// CheckBudget reports whether today's spend is under the daily budget.
// Implements admission.BudgetChecker. A store read failure fails open:
// admission should not hard-stop on ledger unavailability.
func (l *Ledger) CheckBudget(ctx context.Context) (bool, string) {
	if l.dailyBudgetUSD <= 0 {
		return true, ""
	}
	usage, err := l.store.Get(ctx, l.today())
	if err != nil {
		l.logger.Warn("budget check degraded, allowing request", "error", err)
		return true, ""
	}
	if usage.CostUSD >= l.dailyBudgetUSD {
		return false, fmt.Sprintf("daily budget of $%.2f exhausted ($%.4f spent)",
			l.dailyBudgetUSD, usage.CostUSD)
	}
	return true, ""
}

// Today returns today's usage snapshot.
func (l *Ledger) Today(ctx context.Context) (Usage, error) {
	return l.store.Get(ctx, l.today())
}

func (l *Ledger) today() string {
	return l.now().Format("2006-01-02")
}
