// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dossierlabs/dossier/services/llm"
)

// Worker wraps one loaded model instance. A worker executes at most one
// generation at a time; its busy flag is guarded by the worker's own mutex
// so inspecting one worker never blocks inspection of another.
type Worker struct {
	id     int
	engine llm.Engine
	logger *slog.Logger

	mu     sync.Mutex
	busy   bool
	loaded bool
	model  llm.Model

	jobsProcessed int64
	totalLatency  time.Duration
}

// WorkerStats is the external view of one worker.
type WorkerStats struct {
	ID            int     `json:"id"`
	Busy          bool    `json:"busy"`
	Loaded        bool    `json:"loaded"`
	JobsProcessed int64   `json:"jobs_processed"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// newWorker creates an unloaded worker slot.
func newWorker(id int, engine llm.Engine, logger *slog.Logger) *Worker {
	return &Worker{id: id, engine: engine, logger: logger}
}

// Load materializes the model for this slot. A false return is non-fatal:
// the pool proceeds with fewer workers and this slot stays out of rotation
// until the pool is rebuilt. Load-time failure is the only condition that
// removes a worker; generation failures do not evict it.
func (w *Worker) Load(ctx context.Context, modelRef string) bool {
	model, err := w.engine.LoadModel(ctx, modelRef)
	if err != nil {
		w.logger.Error("worker failed to load model",
			"worker_id", w.id,
			"model", modelRef,
			"error", err,
		)
		return false
	}

	w.mu.Lock()
	w.model = model
	w.loaded = true
	w.mu.Unlock()

	w.logger.Info("worker loaded", "worker_id", w.id, "model", modelRef)
	return true
}

// TryAcquire atomically checks and sets the busy flag under the worker's
// lock. Returns false if the worker is unloaded or already busy. The
// check and the set are a single critical section so two dispatchers can
// never both lease the same worker.
func (w *Worker) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded || w.busy {
		return false
	}
	w.busy = true
	return true
}

// Release marks the worker idle. Must follow a successful TryAcquire.
func (w *Worker) Release() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}

// Generate runs one inference call. It must only be invoked while the
// worker is held (between TryAcquire and Release). Engine errors are
// swallowed into an empty result; the scheduler treats an empty string as
// a soft failure. The worker always stays in rotation afterwards.
func (w *Worker) Generate(ctx context.Context, prompt string, params llm.GenerationParams) string {
	w.mu.Lock()
	model := w.model
	w.mu.Unlock()

	start := time.Now()
	text, err := w.engine.Infer(ctx, model, prompt, params)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.jobsProcessed++
	w.totalLatency += elapsed
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("generation failed",
			"worker_id", w.id,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return ""
	}
	return text
}

// Stats returns the worker's lifetime counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var avgMs float64
	if w.jobsProcessed > 0 {
		avgMs = float64(w.totalLatency.Milliseconds()) / float64(w.jobsProcessed)
	}
	return WorkerStats{
		ID:            w.id,
		Busy:          w.busy,
		Loaded:        w.loaded,
		JobsProcessed: w.jobsProcessed,
		AvgLatencyMs:  avgMs,
	}
}
