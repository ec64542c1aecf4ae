// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for cache operations.
var meter = otel.Meter("dossier.inference.cache")

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the meter instruments. Safe to call repeatedly.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"inference_cache_hits_total",
			metric.WithDescription("Total number of result cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"inference_cache_misses_total",
			metric.WithDescription("Total number of result cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"inference_cache_evictions_total",
			metric.WithDescription("Total number of result cache evictions (TTL or capacity)"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit() {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(context.Background(), 1)
}

func recordMiss() {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(context.Background(), 1)
}

func recordEviction() {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(context.Background(), 1)
}
