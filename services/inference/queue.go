// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import "container/heap"

// jobHeap orders jobs by (priority, submission sequence). Priority is a
// strict total order: every high-priority job dequeues before any normal
// one, ties resolve FIFO by sequence number.
//
// Not safe for concurrent use; the scheduler guards it with its own mutex.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// jobQueue is a bounded priority queue over jobHeap.
type jobQueue struct {
	heap     jobHeap
	capacity int
}

func newJobQueue(capacity int) *jobQueue {
	if capacity <= 0 {
		capacity = 100
	}
	q := &jobQueue{capacity: capacity}
	heap.Init(&q.heap)
	return q
}

// push adds a job, returning false when the queue is at capacity.
func (q *jobQueue) push(job *Job) bool {
	if len(q.heap) >= q.capacity {
		return false
	}
	heap.Push(&q.heap, job)
	return true
}

// pop removes and returns the head job, or nil when empty.
func (q *jobQueue) pop() *Job {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Job)
}

func (q *jobQueue) len() int { return len(q.heap) }
