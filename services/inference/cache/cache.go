// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the inference result cache: a bounded LRU with
// TTL expiry, keyed by a content hash of (job kind, payload).
//
// Inference calls take seconds and many callers request semantically
// identical work (same text chunk, same kind); the cache turns repeat work
// into O(1) lookups instead of consuming a worker slot. Workers are
// interchangeable, so entries never record which worker produced them.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a thread-safe LRU cache with TTL-based expiry.
//
// A single mutex guards lookup, TTL check, move-to-front and eviction;
// operation cost is dominated by inference latency, not this lock.
// Expired entries are evicted lazily at lookup time.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // Front = most recent, Back = least recent

	// now is injectable for TTL tests.
	now func() time.Time

	// Monotonic for the process lifetime (atomic for lock-free reads).
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key        string
	value      any
	insertedAt time.Time
}

// Stats is the cache's observable state.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// New creates a cache with the given capacity and TTL. Non-positive
// capacity defaults to 100; non-positive TTL defaults to one hour.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Key derives the deterministic cache key for (kind, payload). The payload
// is round-tripped through a generic value so map keys serialize sorted;
// the result is a pure function of content, stable across process restarts.
func Key(kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for cache key: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize payload for cache key: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload for cache key: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get looks up the value for a key. An entry past its TTL counts as a miss
// and is evicted in place; a live hit moves the entry to the front.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		recordMiss()
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.removeElement(elem)
		c.evictions.Add(1)
		c.misses.Add(1)
		recordEviction()
		recordMiss()
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	recordHit()
	return e.value, true
}

// Set stores a value, evicting the least-recently-used entry when at
// capacity. Updating an existing key refreshes its insertion time and
// recency without evicting.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*entry)
		e.value = value
		e.insertedAt = c.now()
		return
	}

	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.removeElement(back)
			c.evictions.Add(1)
			recordEviction()
		}
	}

	elem := c.order.PushFront(&entry{key: key, value: value, insertedAt: c.now()})
	c.items[key] = elem
}

// Len returns the number of live entries (including any not yet lazily
// expired).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Size:      size,
		Capacity:  c.capacity,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// setNow overrides the clock. Test hook.
func (c *Cache) setNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// removeElement removes an element from both the list and the map.
// Caller must hold the lock.
func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
