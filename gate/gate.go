// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package gate provides the soft/hard counting semaphore that bounds
// concurrent in-flight calls on a single session.
package gate

import (
	"context"
	"sync"

	"github.com/modryn/go-dispatch/errors"
)

// Gate admits up to soft calls immediately, queues calls between the
// soft and hard limits, and rejects calls at or beyond the hard limit
// with errors.TooManyCallsError.
type Gate struct {
	soft int
	hard int

	mu       sync.Mutex
	admitted int
	slots    chan struct{}
}

// New creates a Gate.  soft must be at least 1 and hard at least
// soft.
func New(soft, hard int) *Gate {
	if soft < 1 {
		soft = 1
	}
	if hard < soft {
		hard = soft
	}
	return &Gate{
		soft:  soft,
		hard:  hard,
		slots: make(chan struct{}, soft),
	}
}

// Acquire admits one call.  It returns immediately while fewer than
// soft calls are running, blocks while between soft and hard calls
// are in flight, and fails with TooManyCallsError once hard calls are
// already admitted.  A nil return must be paired with exactly one
// Release on every exit path.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.admitted >= g.hard {
		g.mu.Unlock()
		return &errors.TooManyCallsError{Limit: g.hard}
	}
	g.admitted++
	g.mu.Unlock()

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		g.admitted--
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot acquired by a successful Acquire.
func (g *Gate) Release() {
	<-g.slots
	g.mu.Lock()
	g.admitted--
	g.mu.Unlock()
}

// InFlight reports how many calls are currently admitted, including
// ones waiting for a running slot.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitted
}
