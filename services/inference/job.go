// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package inference implements the parallel LLM worker pool at the heart
// of the Dossier research pipeline: a bounded pool of inference workers,
// a priority job queue, content-hash result caching, and the per-kind
// prompt/parse handlers that turn raw model output into structured data.
package inference

import (
	"sync"
	"time"
)

// =============================================================================
// Job Kinds
// =============================================================================

// Kind identifies which prompt/parse handler a job runs through.
type Kind string

const (
	KindExtractEntities      Kind = "extract-entities"
	KindExtractRelationships Kind = "extract-relationships"
	KindFilterRelevance      Kind = "filter-relevance"
	KindSummarize            Kind = "summarize"
	KindSynthesize           Kind = "synthesize"
	KindParseIntent          Kind = "parse-intent"
	KindGenerateSubqueries   Kind = "generate-subqueries"
	KindExtractKeywords      Kind = "extract-keywords"
	KindScoreResults         Kind = "score-results"
)

// =============================================================================
// Priorities and States
// =============================================================================

// Priority orders jobs in the queue. Lower values dequeue first; within a
// priority class jobs run in submission order (FIFO). A continuous stream
// of high-priority work can starve lower classes — callers needing fairness
// must use the high class sparingly.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns "high", "normal" or "low".
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// State is the job lifecycle: queued -> running -> completed | failed.
// Terminal states are immutable.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is completed or failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// =============================================================================
// Payloads (tagged union, one variant per kind)
// =============================================================================

// Payload is the typed input for a job. Each kind has exactly one variant
// so handler dispatch is exhaustive and payload shape is checked at compile
// time instead of by runtime map lookups.
type Payload interface {
	JobKind() Kind
}

// ExtractEntitiesPayload asks for named entities in a text chunk.
type ExtractEntitiesPayload struct {
	Text string `json:"text"`
}

func (ExtractEntitiesPayload) JobKind() Kind { return KindExtractEntities }

// ExtractRelationshipsPayload asks for relationships between known entities.
type ExtractRelationshipsPayload struct {
	Text     string   `json:"text"`
	Entities []string `json:"entities"`
}

func (ExtractRelationshipsPayload) JobKind() Kind { return KindExtractRelationships }

// FilterRelevancePayload asks which candidates are relevant to a query.
type FilterRelevancePayload struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

func (FilterRelevancePayload) JobKind() Kind { return KindFilterRelevance }

// SummarizePayload asks for a bounded-length summary of a text.
type SummarizePayload struct {
	Text     string `json:"text"`
	MaxWords int    `json:"max_words"`
}

func (SummarizePayload) JobKind() Kind { return KindSummarize }

// SynthesizePayload asks for an answer grounded in the given passages.
type SynthesizePayload struct {
	Question string   `json:"question"`
	Passages []string `json:"passages"`
}

func (SynthesizePayload) JobKind() Kind { return KindSynthesize }

// ParseIntentPayload asks for the structured intent behind a user query.
type ParseIntentPayload struct {
	Query string `json:"query"`
}

func (ParseIntentPayload) JobKind() Kind { return KindParseIntent }

// GenerateSubqueriesPayload asks for sub-questions decomposing a question.
type GenerateSubqueriesPayload struct {
	Question string `json:"question"`
	Count    int    `json:"count"`
}

func (GenerateSubqueriesPayload) JobKind() Kind { return KindGenerateSubqueries }

// ExtractKeywordsPayload asks for search keywords from a text.
type ExtractKeywordsPayload struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

func (ExtractKeywordsPayload) JobKind() Kind { return KindExtractKeywords }

// ScoreResultsPayload asks for a relevance score per result.
type ScoreResultsPayload struct {
	Query   string   `json:"query"`
	Results []string `json:"results"`
}

func (ScoreResultsPayload) JobKind() Kind { return KindScoreResults }

// =============================================================================
// Structured results
// =============================================================================

// Entity is one extracted named entity.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relationship links two entities with a verb phrase.
type Relationship struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Intent is the parsed structure of a natural-language query.
type Intent struct {
	Name     string   `json:"intent"`
	Entities []string `json:"entities"`
}

// ScoredResult pairs an input result with its relevance score.
type ScoredResult struct {
	Result string  `json:"result"`
	Score  float64 `json:"score"`
}

// =============================================================================
// Job
// =============================================================================

// Job is one unit of inference work moving through the scheduler.
//
// Terminal transitions are first-wins: once a job is completed or failed
// it never changes again. A caller-side timeout fails the job even if the
// worker later finishes; the late result still lands in the cache but the
// job handle stays failed.
type Job struct {
	ID        string
	Kind      Kind
	Payload   Payload
	Priority  Priority
	CallerID  string
	CreatedAt time.Time

	// seq breaks priority ties: strictly increasing per scheduler,
	// assigned at submission.
	seq uint64

	mu         sync.Mutex
	state      State
	result     any
	errReason  string
	finishedAt time.Time
	done       chan struct{}
	cacheHit   bool
}

// JobSnapshot is the immutable external view of a job.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Priority  Priority  `json:"priority"`
	CallerID  string    `json:"caller_id"`
	State     State     `json:"state"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CacheHit  bool      `json:"cache_hit"`
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot copies the job's externally visible fields.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		ID:        j.ID,
		Kind:      j.Kind,
		Priority:  j.Priority,
		CallerID:  j.CallerID,
		State:     j.state,
		Result:    j.result,
		Error:     j.errReason,
		CreatedAt: j.CreatedAt,
		CacheHit:  j.cacheHit,
	}
}

// markRunning moves queued -> running. Returns false if the job already
// reached a terminal state (e.g. failed by a caller timeout while queued).
func (j *Job) markRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued {
		return false
	}
	j.state = StateRunning
	return true
}

// complete records a successful result. No-op if already terminal.
func (j *Job) complete(result any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateCompleted
	j.result = result
	j.finishedAt = time.Now()
	close(j.done)
	return true
}

// fail records a failure reason. No-op if already terminal.
func (j *Job) fail(reason string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateFailed
	j.errReason = reason
	j.finishedAt = time.Now()
	close(j.done)
	return true
}

// terminalSince returns the time the job became terminal, and whether it is.
func (j *Job) terminalSince() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() {
		return time.Time{}, false
	}
	return j.finishedAt, true
}
