// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import "context"

// Semaphore is a counting semaphore built on a buffered channel.
//
// Description:
//
//	Bounds the number of requests concurrently holding an inference slot.
//	Acquire blocks until a slot frees or the context ends; TryAcquire
//	never blocks.
//
// Thread Safety:
//
//	Safe for concurrent use. Channel operations provide the ordering.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
// Capacity below one is raised to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. Returns false when full.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing more than acquired is a programming
// error and panics rather than silently widening the bound.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		panic("admission: semaphore released more times than acquired")
	}
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}
