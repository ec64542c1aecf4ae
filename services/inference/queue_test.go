// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import "testing"

func queuedJob(id string, priority Priority, seq uint64) *Job {
	return &Job{
		ID:       id,
		Kind:     KindSummarize,
		Priority: priority,
		seq:      seq,
		state:    StateQueued,
		done:     make(chan struct{}),
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newJobQueue(10)
	q.push(queuedJob("low", PriorityLow, 1))
	q.push(queuedJob("high", PriorityHigh, 2))
	q.push(queuedJob("normal", PriorityNormal, 3))

	want := []string{"high", "normal", "low"}
	for _, id := range want {
		job := q.pop()
		if job == nil || job.ID != id {
			t.Fatalf("pop = %v, want %s", job, id)
		}
	}
	if q.pop() != nil {
		t.Error("empty queue should pop nil")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newJobQueue(10)
	q.push(queuedJob("first", PriorityNormal, 1))
	q.push(queuedJob("second", PriorityNormal, 2))
	q.push(queuedJob("third", PriorityNormal, 3))

	for _, id := range []string{"first", "second", "third"} {
		if got := q.pop().ID; got != id {
			t.Fatalf("pop = %s, want %s", got, id)
		}
	}
}

func TestQueueCapacity(t *testing.T) {
	q := newJobQueue(2)
	if !q.push(queuedJob("a", PriorityNormal, 1)) {
		t.Fatal("push within capacity should succeed")
	}
	if !q.push(queuedJob("b", PriorityNormal, 2)) {
		t.Fatal("push within capacity should succeed")
	}
	if q.push(queuedJob("c", PriorityNormal, 3)) {
		t.Error("push past capacity should fail")
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}

	q.pop()
	if !q.push(queuedJob("d", PriorityNormal, 4)) {
		t.Error("push after pop should succeed")
	}
}
