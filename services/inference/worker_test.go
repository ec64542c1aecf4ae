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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossierlabs/dossier/services/llm"
)

func TestTryAcquireRequiresLoaded(t *testing.T) {
	w := newWorker(0, &fakeEngine{}, testLogger())
	assert.False(t, w.TryAcquire(), "unloaded worker must not be leasable")

	require.True(t, w.Load(context.Background(), "test-model"))
	assert.True(t, w.TryAcquire())
}

func TestTryAcquireIsExclusive(t *testing.T) {
	w := newWorker(0, &fakeEngine{}, testLogger())
	require.True(t, w.Load(context.Background(), "test-model"))

	// Hammer the flag from many goroutines: at most one holder at a time.
	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !w.TryAcquire() {
					continue
				}
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				holders--
				mu.Unlock()
				w.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxHolders, "two goroutines held the same worker")
}

func TestLoadFailureKeepsWorkerOut(t *testing.T) {
	w := newWorker(0, &fakeEngine{loadFailures: 1}, testLogger())
	assert.False(t, w.Load(context.Background(), "test-model"))
	assert.False(t, w.TryAcquire())
	assert.False(t, w.Stats().Loaded)
}

func TestGenerateSwallowsEngineErrors(t *testing.T) {
	engine := &fakeEngine{respond: func(string) (string, error) {
		return "", errors.New("backend down")
	}}
	w := newWorker(0, engine, testLogger())
	require.True(t, w.Load(context.Background(), "test-model"))
	require.True(t, w.TryAcquire())
	defer w.Release()

	out := w.Generate(context.Background(), "prompt", llm.GenerationParams{})
	assert.Empty(t, out, "engine errors surface as empty output")

	// The failure still counts toward lifetime stats and the worker
	// stays loaded.
	stats := w.Stats()
	assert.Equal(t, int64(1), stats.JobsProcessed)
	assert.True(t, stats.Loaded)
}

func TestWorkerStatsAverageLatency(t *testing.T) {
	w := newWorker(3, &fakeEngine{}, testLogger())
	require.True(t, w.Load(context.Background(), "test-model"))
	require.True(t, w.TryAcquire())

	w.Generate(context.Background(), "p1", llm.GenerationParams{})
	w.Generate(context.Background(), "p2", llm.GenerationParams{})
	w.Release()

	stats := w.Stats()
	assert.Equal(t, 3, stats.ID)
	assert.Equal(t, int64(2), stats.JobsProcessed)
	assert.GreaterOrEqual(t, stats.AvgLatencyMs, 0.0)
	assert.False(t, stats.Busy)
}
