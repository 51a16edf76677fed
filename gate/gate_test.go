// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package gate

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modryn/go-dispatch/errors"
)

func TestAcquireBelowSoftLimit(t *testing.T) {
	g := New(2, 4)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InFlight())

	g.Release()
	g.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestAcquireBetweenLimitsBlocks(t *testing.T) {
	g := New(1, 2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))

	acquired := make(chan error, 1)
	go func() {
		acquired <- g.Acquire(ctx)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second acquire should have blocked, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never woke up")
	}
	g.Release()
}

func TestAcquireAtHardLimitRejects(t *testing.T) {
	g := New(1, 2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	go func() {
		// Occupies the waiting slot between soft and hard.
		_ = g.Acquire(ctx)
	}()

	// Wait for the waiter to be admitted.
	for i := 0; i < 100 && g.InFlight() < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 2, g.InFlight())

	err := g.Acquire(ctx)
	var tooMany *errors.TooManyCallsError
	require.True(t, stderrors.As(err, &tooMany))
	assert.Equal(t, 2, tooMany.Limit)
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	g := New(1, 2)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	// The cancelled waiter must not leak an admission.
	assert.Equal(t, 1, g.InFlight())
	g.Release()
}

func TestConcurrentChurn(t *testing.T) {
	g := New(3, 10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err == nil {
				g.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, g.InFlight())
}
