// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package event

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Source produces a lazy, typically unbounded stream of events for
// one subscription, e.g. periodic health snapshots.  Run must return
// promptly once ctx is cancelled; cancellation is the only stop
// signal a source receives.
type Source interface {
	Run(ctx context.Context, emit func(Type, Event)) error
}

// SourceFactory builds a Source for one subscription.  arg is the
// optional suffix of a "name:arg" subscription, or empty.
type SourceFactory struct {
	Description string
	New         func(arg string) Source
}

// RegisterSource records a source factory under an event name.
// Duplicate names are rejected eagerly.
func (b *Bus) RegisterSource(name string, factory SourceFactory) error {
	if factory.New == nil {
		return fmt.Errorf("event source %q has no constructor", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sources[name]; ok {
		return fmt.Errorf("event source %q already registered", name)
	}
	b.sources[name] = factory
	return nil
}

// Source looks up a registered source factory.
func (b *Bus) Source(name string) (SourceFactory, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	factory, ok := b.sources[name]
	return factory, ok
}

// RunSource drives one source worker until its context is cancelled
// or its Run returns.  fullName is the subscription's fully-qualified
// event name ("name" or "name:arg"); every emitted event is stamped
// with it.  onFinish always runs exactly once, after the source has
// stopped, so the owner can tear down the subscription.
func RunSource(ctx context.Context, logger *logrus.Entry, src Source, fullName string, deliver func(Event), onFinish func()) {
	defer onFinish()
	defer func() {
		if oops := recover(); oops != nil {
			logger.Warnf("EventSource %q run() panicked: %v", fullName, oops)
		}
	}()

	emit := func(typ Type, ev Event) {
		ev.Name = fullName
		ev.Type = typ
		deliver(ev)
	}
	if err := src.Run(ctx, emit); err != nil && ctx.Err() == nil {
		logger.Warnf("EventSource %q run() failed: %v", fullName, err)
	}
}
