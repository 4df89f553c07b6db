// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package cache

import (
	"sync"
	"time"
)

// SlidingWindowCounter counts occurrences over a trailing window using a
// circular buffer of time buckets. The engine uses it to report inbound
// event and reconnect rates on the status API.
//
// Complexity:
//   - Increment: O(1)
//   - Count: O(k) where k = number of buckets
type SlidingWindowCounter struct {
	mu         sync.Mutex
	buckets    []int64       // circular buffer of bucket counts
	bucketSize time.Duration // duration of each bucket
	current    int           // current bucket index
	lastUpdate time.Time     // start of the current bucket
	now        Clock
}

// NewSlidingWindowCounter creates a counter over windowSize split into
// numBuckets buckets. A nil clock uses time.Now.
func NewSlidingWindowCounter(windowSize time.Duration, numBuckets int, clock Clock) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindowCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		lastUpdate: clock(),
		now:        clock,
	}
}

// Increment adds one occurrence.
func (sw *SlidingWindowCounter) Increment() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	sw.buckets[sw.current]++
}

// Count returns the occurrences within the window.
func (sw *SlidingWindowCounter) Count() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	var total int64
	for _, c := range sw.buckets {
		total += c
	}
	return total
}

// advance rotates the buffer past buckets that have fully elapsed.
// Must be called with lock held.
func (sw *SlidingWindowCounter) advance() {
	elapsed := int(sw.now().Sub(sw.lastUpdate) / sw.bucketSize)
	if elapsed <= 0 {
		return
	}

	if elapsed >= len(sw.buckets) {
		for i := range sw.buckets {
			sw.buckets[i] = 0
		}
		sw.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			sw.current = (sw.current + 1) % len(sw.buckets)
			sw.buckets[sw.current] = 0
		}
	}
	sw.lastUpdate = sw.lastUpdate.Add(time.Duration(elapsed) * sw.bucketSize)
}
