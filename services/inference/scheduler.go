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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dossierlabs/dossier/services/inference/cache"
	"github.com/dossierlabs/dossier/services/inference/observability"
)

var (
	// ErrJobNotFound is returned by GetResult for unknown or purged job IDs.
	ErrJobNotFound = errors.New("job not found")
)

// Failure reasons surfaced on job handles. These are typed rejections,
// not exceptions: callers read them off the snapshot.
const (
	reasonQueueFull   = "queue full"
	reasonNoWorkers   = "no workers available"
	reasonEmptyOutput = "inference returned empty output"
)

// CostRecorder records the estimated cost of one inference call. The
// budget ledger implements it; a nil recorder disables cost accounting.
type CostRecorder interface {
	RecordCall(ctx context.Context, tokensIn, tokensOut int) float64
}

// SchedulerConfig configures queue bounds and retention.
type SchedulerConfig struct {
	// QueueCapacity bounds the number of queued jobs. Submissions past
	// the bound fail synchronously. Default: 100.
	QueueCapacity int

	// EmptyOutputRetries is how many times a job is re-generated after
	// the worker swallows an engine error into an empty result.
	// Default: 1.
	EmptyOutputRetries int

	// ResultGracePeriod is how long terminal jobs stay retrievable
	// before the purge loop drops them. Default: 10m.
	ResultGracePeriod time.Duration

	// PurgeInterval is how often the purge loop runs. Default: 1m.
	PurgeInterval time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.EmptyOutputRetries < 0 {
		c.EmptyOutputRetries = 0
	} else if c.EmptyOutputRetries == 0 {
		c.EmptyOutputRetries = 1
	}
	if c.ResultGracePeriod <= 0 {
		c.ResultGracePeriod = 10 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Minute
	}
}

// Scheduler matches queued jobs to idle workers. One dispatcher goroutine
// runs per loaded worker, so in-flight jobs never exceed pool capacity
// (no oversubscription). Dispatchers sleep on a wake channel rather than
// polling the queue.
type Scheduler struct {
	pool    *Pool
	cache   *cache.Cache
	costs   CostRecorder
	metrics *observability.PoolMetrics
	logger  *slog.Logger
	cfg     SchedulerConfig

	mu      sync.Mutex
	queue   *jobQueue
	jobs    map[string]*Job
	nextSeq uint64
	started bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// SchedulerStats is the operational snapshot served by the stats endpoint.
type SchedulerStats struct {
	QueueDepth  int           `json:"queue_depth"`
	TrackedJobs int           `json:"tracked_jobs"`
	JobStates   map[State]int `json:"job_states"`
	Pool        PoolStats     `json:"pool"`
	Cache       cache.Stats   `json:"cache"`
}

// NewScheduler wires the scheduler to its collaborators. costs and
// metrics may be nil. Call Start before submitting work and Stop on
// shutdown.
func NewScheduler(pool *Pool, resultCache *cache.Cache, costs CostRecorder,
	metrics *observability.PoolMetrics, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pool:    pool,
		cache:   resultCache,
		costs:   costs,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		queue:   newJobQueue(cfg.QueueCapacity),
		jobs:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches one dispatcher per loaded worker plus the purge loop.
// Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.pool.LoadedCount(); i++ {
		s.wg.Add(1)
		go s.dispatchLoop()
	}
	s.wg.Add(1)
	go s.purgeLoop()

	s.logger.Info("scheduler started",
		"dispatchers", s.pool.LoadedCount(),
		"queue_capacity", s.cfg.QueueCapacity,
	)
}

// Stop signals the dispatchers and purge loop and waits for them to exit.
// In-flight generations run to completion; workers cannot be preempted.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit creates a job for the payload and either satisfies it from the
// result cache, enqueues it, or fails it synchronously when the queue is
// full. The returned Job is the caller's handle; completion is observed
// via GetResult or the job's Done channel.
func (s *Scheduler) Submit(payload Payload, priority Priority, callerID string) *Job {
	if callerID == "" {
		callerID = "anonymous"
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      payload.JobKind(),
		Payload:   payload,
		Priority:  priority,
		CallerID:  callerID,
		CreatedAt: time.Now(),
		state:     StateQueued,
		done:      make(chan struct{}),
	}

	key, keyErr := cache.Key(string(job.Kind), payload)
	if keyErr == nil {
		if value, ok := s.cache.Get(key); ok {
			job.cacheHit = true
			s.track(job)
			job.complete(value)
			s.metrics.RecordJob(string(job.Kind), "cached", 0)
			s.logger.Debug("cache hit", "job_id", job.ID, "kind", job.Kind)
			return job
		}
	}

	s.mu.Lock()
	job.seq = s.nextSeq
	s.nextSeq++
	accepted := s.queue.push(job)
	s.jobs[job.ID] = job
	depth := s.queue.len()
	s.mu.Unlock()

	if !accepted {
		job.fail(reasonQueueFull)
		s.metrics.RecordJob(string(job.Kind), "failed", 0)
		s.logger.Warn("job rejected", "job_id", job.ID, "kind", job.Kind, "reason", reasonQueueFull)
		return job
	}

	s.metrics.SetQueueDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job
}

// GetResult waits up to timeout for the job to reach a terminal state.
// A deadline expiry fails the job with a timeout reason — terminal for
// this handle even if the worker finishes later (the late result still
// lands in the cache, benefiting future submissions).
func (s *Scheduler) GetResult(jobID string, timeout time.Duration) (JobSnapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}

	if job.State().Terminal() {
		return job.Snapshot(), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-job.Done():
	case <-timer.C:
		if job.fail(fmt.Sprintf("timeout after %s", timeout)) {
			s.metrics.RecordJob(string(job.Kind), "failed", 0)
			s.logger.Warn("job timed out",
				"job_id", job.ID,
				"kind", job.Kind,
				"timeout", timeout,
			)
		}
	}
	return job.Snapshot(), nil
}

// Stats reports queue, job-state, pool and cache state.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	depth := s.queue.len()
	tracked := len(s.jobs)
	states := make(map[State]int, 4)
	for _, job := range s.jobs {
		states[job.State()]++
	}
	s.mu.Unlock()

	return SchedulerStats{
		QueueDepth:  depth,
		TrackedJobs: tracked,
		JobStates:   states,
		Pool:        s.pool.Stats(),
		Cache:       s.cache.Stats(),
	}
}

// track registers a job for retrieval without queueing it.
func (s *Scheduler) track(job *Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
}

// dispatchLoop pops and processes jobs until Stop.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		job := s.nextJob()
		if job == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		s.process(job)
	}
}

// nextJob pops the highest-priority, oldest-eligible job, or nil.
func (s *Scheduler) nextJob() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.queue.pop()
	s.metrics.SetQueueDepth(s.queue.len())
	return job
}

// process runs one job end to end: lease a worker, generate, parse,
// cache, account cost, complete. The worker is released on every path.
func (s *Scheduler) process(job *Job) {
	if !job.markRunning() {
		// Failed while queued (caller timeout); nothing to do.
		return
	}

	start := time.Now()
	ctx := context.Background()

	worker, err := s.pool.Lease(ctx)
	if err != nil {
		job.fail(reasonNoWorkers)
		s.metrics.RecordJob(string(job.Kind), "failed", time.Since(start).Seconds())
		s.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "reason", reasonNoWorkers)
		return
	}
	s.metrics.WorkerLeased()
	defer func() {
		s.pool.Release(worker)
		s.metrics.WorkerReleased()
	}()

	prompt, params := buildPrompt(job.Payload)

	var raw string
	for attempt := 0; attempt <= s.cfg.EmptyOutputRetries; attempt++ {
		raw = worker.Generate(ctx, prompt, params)
		if raw != "" {
			break
		}
		s.logger.Warn("empty generation",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", attempt+1,
			"max_attempts", s.cfg.EmptyOutputRetries+1,
		)
	}
	if raw == "" {
		job.fail(reasonEmptyOutput)
		s.metrics.RecordJob(string(job.Kind), "failed", time.Since(start).Seconds())
		return
	}

	result := parseResponse(job.Payload, raw)

	if key, err := cache.Key(string(job.Kind), job.Payload); err == nil {
		s.cache.Set(key, result)
	}

	if s.costs != nil {
		cost := s.costs.RecordCall(ctx, estimateTokens(prompt), estimateTokens(raw))
		s.metrics.RecordSpend(cost)
	}

	if job.complete(result) {
		s.metrics.RecordJob(string(job.Kind), "completed", time.Since(start).Seconds())
	} else {
		// Caller already observed a timeout; the cached result is the
		// only surviving artifact of this generation.
		s.logger.Debug("late result discarded", "job_id", job.ID, "kind", job.Kind)
	}
}

// purgeLoop drops terminal jobs after the retrieval grace period.
func (s *Scheduler) purgeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) purgeExpired() {
	cutoff := time.Now().Add(-s.cfg.ResultGracePeriod)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if finished, terminal := job.terminalSince(); terminal && finished.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
