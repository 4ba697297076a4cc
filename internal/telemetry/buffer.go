// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"math"
	"sync"
)

// NormTolerance is how far a quaternion norm may drift from 1 before Push
// renormalizes it.
const NormTolerance = 1e-3

// Buffer is a fixed-capacity ring of the most recent samples. It is written
// from the telemetry delivery callback and read by the control loop. When
// full, Push overwrites the oldest sample; the producer never waits for the
// consumer.
type Buffer struct {
	mu         sync.Mutex
	ring       []Sample
	head       int // index of the oldest sample
	n          int
	generation uint64
	dropped    uint64
}

// NewBuffer returns an empty buffer holding at most capacity samples.
// Capacities below 1 are raised to 1.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ring: make([]Sample, capacity)}
}

// Push stores s, evicting the oldest sample when the buffer is full.
// Quaternion attitudes are renormalized if they drifted; samples that
// cannot represent an attitude or carry a non-finite timestamp are dropped.
func (b *Buffer) Push(s Sample) {
	s, ok := sanitize(s)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok {
		b.dropped++
		return
	}

	tail := (b.head + b.n) % len(b.ring)
	b.ring[tail] = s
	if b.n == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.n++
	}
	b.generation++
}

// Latest returns up to n of the most recent samples, oldest first. The
// returned slice is a copy and may be iterated any number of times. It is
// empty when no samples have arrived.
func (b *Buffer) Latest(n int) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.n {
		n = b.n
	}
	if n <= 0 {
		return nil
	}

	out := make([]Sample, n)
	start := b.head + b.n - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// Newest returns the most recent sample, or false if none has arrived yet.
func (b *Buffer) Newest() (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n == 0 {
		return Sample{}, false
	}
	return b.ring[(b.head+b.n-1)%len(b.ring)], true
}

// Generation counts accepted pushes. It changes exactly when new data is
// available.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Dropped counts samples rejected by Push.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.ring) }

func sanitize(s Sample) (Sample, bool) {
	if !finite(s.Timestamp) {
		return s, false
	}
	switch s.kind {
	case QuaternionAttitude:
		norm := s.quat.Norm()
		if !finite(norm) || norm == 0 {
			return s, false
		}
		if math.Abs(norm-1) > NormTolerance {
			q, ok := s.quat.Normalize()
			if !ok {
				return s, false
			}
			s.quat = q
		}
	case EulerAttitude:
		if !finite(s.euler.Roll) || !finite(s.euler.Pitch) || !finite(s.euler.Yaw) {
			return s, false
		}
	}
	return s, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
