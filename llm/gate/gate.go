// Package gate bounds the number of in-flight HTTP attempts with a counting
// semaphore. A nil gate is valid and performs no gating.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is a bounded-concurrency admission gate.
type Gate struct {
	sem *semaphore.Weighted
	max int
}

// New creates a gate admitting at most maxConcurrent holders. A
// non-positive maxConcurrent returns nil, meaning unbounded.
func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		return nil
	}
	return &Gate{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
		max: maxConcurrent,
	}
}

// Acquire blocks until a slot is free or ctx is done. Acquire on a nil gate
// succeeds immediately.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot. It must be called exactly once per successful
// Acquire, typically via defer so failed attempts still release.
func (g *Gate) Release() {
	if g == nil {
		return
	}
	g.sem.Release(1)
}

// Max returns the gate capacity, or 0 for an unbounded (nil) gate.
func (g *Gate) Max() int {
	if g == nil {
		return 0
	}
	return g.max
}
