// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dossierlabs/dossier/services/llm"
)

// ErrNoWorkers is returned when no worker becomes idle within the lease
// window.
var ErrNoWorkers = errors.New("no workers available")

// PoolConfig configures worker pool construction.
type PoolConfig struct {
	// Workers is the number of worker slots to load. Default: 2.
	Workers int

	// ModelRef is the model each worker loads.
	ModelRef string

	// LeaseTimeout bounds how long Lease waits for an idle worker.
	// Default: 5s. Unbounded waits are a correctness bug in this design.
	LeaseTimeout time.Duration
}

// Pool is a fixed-size set of inference workers. Leasing is notification
// based: a released worker pings the idle channel instead of lessees
// polling the busy flags in a sleep loop.
type Pool struct {
	workers      []*Worker
	loaded       int
	leaseTimeout time.Duration
	idle         chan struct{}
	logger       *slog.Logger
}

// PoolStats aggregates per-worker stats for the operational surface.
type PoolStats struct {
	Workers []WorkerStats `json:"workers"`
	Loaded  int           `json:"loaded"`
	Busy    int           `json:"busy"`
}

// NewPool constructs the pool and loads all worker slots concurrently.
// Individual load failures shrink the pool; zero loaded workers aborts
// construction, since a pool with no capacity can only time out callers.
func NewPool(ctx context.Context, engine llm.Engine, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := &Pool{
		workers:      make([]*Worker, cfg.Workers),
		leaseTimeout: cfg.LeaseTimeout,
		idle:         make(chan struct{}, 1),
		logger:       logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(i, engine, logger)
		pool.workers[i] = w
		g.Go(func() error {
			w.Load(gctx, cfg.ModelRef) // failure is non-fatal per slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, w := range pool.workers {
		if w.Stats().Loaded {
			pool.loaded++
		}
	}
	if pool.loaded == 0 {
		return nil, fmt.Errorf("pool startup failed: zero of %d workers loaded model %q",
			cfg.Workers, cfg.ModelRef)
	}
	if pool.loaded < cfg.Workers {
		logger.Warn("pool running degraded",
			"loaded", pool.loaded,
			"requested", cfg.Workers,
		)
	}

	logger.Info("worker pool ready", "workers", pool.loaded, "model", cfg.ModelRef)
	return pool, nil
}

// Lease acquires an idle worker, waiting up to the configured lease
// timeout for one to free up. Returns ErrNoWorkers on timeout and the
// context error on cancellation.
func (p *Pool) Lease(ctx context.Context) (*Worker, error) {
	timer := time.NewTimer(p.leaseTimeout)
	defer timer.Stop()

	for {
		for _, w := range p.workers {
			if w.TryAcquire() {
				return w, nil
			}
		}
		select {
		case <-p.idle:
		case <-timer.C:
			return nil, ErrNoWorkers
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a worker to the pool and wakes one waiting lessee.
func (p *Pool) Release(w *Worker) {
	w.Release()
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// LoadedCount is the number of workers that loaded successfully; it bounds
// how many jobs may be in flight at once.
func (p *Pool) LoadedCount() int {
	return p.loaded
}

// Stats returns a snapshot of every worker slot.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{Workers: make([]WorkerStats, 0, len(p.workers))}
	for _, w := range p.workers {
		ws := w.Stats()
		stats.Workers = append(stats.Workers, ws)
		if ws.Loaded {
			stats.Loaded++
		}
		if ws.Busy {
			stats.Busy++
		}
	}
	return stats
}
