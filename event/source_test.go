// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package event

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickerSource emits one Added event per tick until cancelled.
type tickerSource struct {
	interval time.Duration
}

func (s *tickerSource) Run(ctx context.Context, emit func(Type, Event)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n++
			emit(Added, Event{Fields: map[string]interface{}{"seq": n}})
		}
	}
}

func TestRunSourceEmitsAndStops(t *testing.T) {
	logger := logrus.New().WithField("test", t.Name())
	got := make(chan Event, 16)
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go RunSource(ctx, logger, &tickerSource{interval: 5 * time.Millisecond}, "reporting.realtime:cpu",
		func(ev Event) { got <- ev },
		func() { close(finished) })

	var first Event
	select {
	case first = <-got:
	case <-time.After(time.Second):
		t.Fatal("source never emitted")
	}
	assert.Equal(t, "reporting.realtime:cpu", first.Name)
	assert.Equal(t, Added, first.Type)

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("source did not stop after cancellation")
	}
}

func TestRunSourcePanicContained(t *testing.T) {
	logger := logrus.New().WithField("test", t.Name())
	finished := make(chan struct{})
	go RunSource(context.Background(), logger, panicSource{}, "reporting.realtime",
		func(Event) {}, func() { close(finished) })
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("onFinish never ran after panic")
	}
}

type panicSource struct{}

func (panicSource) Run(ctx context.Context, emit func(Type, Event)) error {
	panic("source bug")
}

func TestRegisterSourceDuplicate(t *testing.T) {
	b := NewBus(logrus.New())
	factory := SourceFactory{Description: "x", New: func(arg string) Source { return panicSource{} }}
	require.NoError(t, b.RegisterSource("reporting.realtime", factory))
	assert.Error(t, b.RegisterSource("reporting.realtime", factory))

	_, ok := b.Source("reporting.realtime")
	assert.True(t, ok)
	_, ok = b.Source("nope")
	assert.False(t, ok)
}
