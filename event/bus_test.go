// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package event

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	id     string
	wants  map[string]bool
	mu     sync.Mutex
	events []Event
}

func (r *recordingSubscriber) SessionID() string { return r.id }

func (r *recordingSubscriber) WantsEvent(name string) bool {
	return r.wants[name] || r.wants["*"]
}

func (r *recordingSubscriber) SendEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSubscriber) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	b := NewBus(logrus.New())
	require.NoError(t, b.Register("disk.query", "Disk changes.", false))
	assert.Error(t, b.Register("disk.query", "Disk changes.", false))
}

func TestSendDeliversToSubscribed(t *testing.T) {
	b := NewBus(logrus.New())
	require.NoError(t, b.Register("disk.query", "Disk changes.", false))

	interested := &recordingSubscriber{id: "a", wants: map[string]bool{"disk.query": true}}
	wildcard := &recordingSubscriber{id: "b", wants: map[string]bool{"*": true}}
	bystander := &recordingSubscriber{id: "c", wants: map[string]bool{}}
	b.AddSubscriber(interested)
	b.AddSubscriber(wildcard)
	b.AddSubscriber(bystander)

	b.Send(Event{Name: "disk.query", Type: Changed, ID: 1})

	assert.Len(t, interested.received(), 1)
	assert.Len(t, wildcard.received(), 1)
	assert.Empty(t, bystander.received())
}

func TestSendUnregisteredIsTolerated(t *testing.T) {
	b := NewBus(logrus.New())
	sub := &recordingSubscriber{id: "a", wants: map[string]bool{"*": true}}
	b.AddSubscriber(sub)

	// Logged, not fatal: the event still goes out.
	b.Send(Event{Name: "legacy.event", Type: Added})
	assert.Len(t, sub.received(), 1)
}

func TestInternalSubscriber(t *testing.T) {
	b := NewBus(logrus.New())
	require.NoError(t, b.Register("vm.status", "VM status.", false))

	got := make(chan Event, 1)
	b.SubscribeInternal("vm.status", func(ctx context.Context, ev Event) {
		got <- ev
	})

	b.Send(Event{Name: "vm.status", Type: Added, ID: 9})
	select {
	case ev := <-got:
		assert.Equal(t, 9, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("internal handler never ran")
	}
}

func TestHookOrderAndIsolation(t *testing.T) {
	b := NewBus(logrus.New())
	var order []string
	require.NoError(t, b.RegisterHook("pool.post_import", func(ctx context.Context, args ...interface{}) error {
		order = append(order, "first")
		return fmt.Errorf("broken plugin")
	}, true, false))
	require.NoError(t, b.RegisterHook("pool.post_import", func(ctx context.Context, args ...interface{}) error {
		order = append(order, "second")
		return nil
	}, true, false))

	b.CallHook(context.Background(), "pool.post_import", "tank")
	// The first hook's failure does not abort the second.
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestHookPanicIsContained(t *testing.T) {
	b := NewBus(logrus.New())
	ran := false
	require.NoError(t, b.RegisterHook("sys.ready", func(ctx context.Context, args ...interface{}) error {
		panic("hook bug")
	}, true, false))
	require.NoError(t, b.RegisterHook("sys.ready", func(ctx context.Context, args ...interface{}) error {
		ran = true
		return nil
	}, true, false))

	b.CallHook(context.Background(), "sys.ready")
	assert.True(t, ran)
}

func TestInlineHookRegistrationValidation(t *testing.T) {
	b := NewBus(logrus.New())
	err := b.RegisterHook("sys.ready", func(ctx context.Context, args ...interface{}) error {
		return nil
	}, false, true)
	assert.Error(t, err)
}

func TestCallHookInlineOnlyRunsInline(t *testing.T) {
	b := NewBus(logrus.New())
	var ran []string
	require.NoError(t, b.RegisterHook("etc.generate", func(ctx context.Context, args ...interface{}) error {
		ran = append(ran, "inline")
		return nil
	}, true, true))
	require.NoError(t, b.RegisterHook("etc.generate", func(ctx context.Context, args ...interface{}) error {
		ran = append(ran, "plain")
		return nil
	}, true, false))

	b.CallHookInline("etc.generate")
	assert.Equal(t, []string{"inline"}, ran)

	// And CallHook skips the inline one.
	ran = nil
	b.CallHook(context.Background(), "etc.generate")
	assert.Equal(t, []string{"plain"}, ran)
}

func TestListIncludesSources(t *testing.T) {
	b := NewBus(logrus.New())
	require.NoError(t, b.Register("core.get_jobs", "Updates on job changes.", false))
	require.NoError(t, b.RegisterSource("reporting.realtime", SourceFactory{
		Description: "Periodic system snapshots.",
		New:         func(arg string) Source { return nil },
	}))

	list := b.List()
	require.Len(t, list, 2)
	assert.Equal(t, "core.get_jobs", list[0].Name)
	assert.Equal(t, "reporting.realtime", list[1].Name)
}
