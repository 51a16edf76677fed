// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package event implements the event and hook bus.
//
// Events are named, typed notifications (ADDED/CHANGED/REMOVED)
// broadcast to every subscribed client session and every internally
// registered handler.  Hooks are named callback chains invoked by the
// dispatcher at lifecycle points; one broken hook never prevents the
// rest of its chain from running.
package event

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Type classifies an event.
type Type int

const (
	// Added signals a new entity in a collection.
	Added Type = iota
	// Changed signals a mutated entity.
	Changed
	// Removed signals a deleted entity.
	Removed
)

func (t Type) String() string {
	switch t {
	case Added:
		return "ADDED"
	case Changed:
		return "CHANGED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// MessageName returns the lower-case wire message name for the type.
func (t Type) MessageName() string {
	return strings.ToLower(t.String())
}

// Event is a single notification.
type Event struct {
	Name    string
	Type    Type
	ID      interface{}
	Fields  map[string]interface{}
	Cleared []string
	Extra   map[string]interface{}
}

// Description is the registration record of an event name.
type Description struct {
	Name        string
	Description string
	Private     bool
}

// Subscriber is one delivery target for broadcast events, normally a
// live client session.
type Subscriber interface {
	// SessionID identifies the subscriber for logging.
	SessionID() string
	// WantsEvent reports whether the subscriber is currently
	// subscribed to the named event (or the wildcard).
	WantsEvent(name string) bool
	// SendEvent delivers one event.  It must not block
	// indefinitely.
	SendEvent(Event)
}

// Handler is an internally registered asynchronous event consumer.
type Handler func(ctx context.Context, ev Event)

// HookFunc is one hook callback.  Arguments are whatever the firing
// site passes.
type HookFunc func(ctx context.Context, args ...interface{}) error

type hook struct {
	fn     HookFunc
	sync   bool
	inline bool
}

// Bus owns event registration, subscriber fan-out, internal
// subscriptions, hooks, and event-source factories.  All maps are
// guarded by one mutex; delivery happens outside it.
type Bus struct {
	logger *logrus.Entry

	mu          sync.Mutex
	registered  map[string]Description
	subscribers map[string]Subscriber
	internal    map[string][]Handler
	hooks       map[string][]hook
	sources     map[string]SourceFactory
}

// NewBus creates an empty Bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		logger:      logger.WithField("component", "eventbus"),
		registered:  make(map[string]Description),
		subscribers: make(map[string]Subscriber),
		internal:    make(map[string][]Handler),
		hooks:       make(map[string][]hook),
		sources:     make(map[string]SourceFactory),
	}
}

// Register records an event name so it can be enumerated and
// documented.  Registering the same name twice is an error.
func (b *Bus) Register(name, description string, private bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.registered[name]; ok {
		return fmt.Errorf("event %q already registered", name)
	}
	b.registered[name] = Description{Name: name, Description: description, Private: private}
	return nil
}

// Registered reports whether an event name has been registered.
func (b *Bus) Registered(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.registered[name]
	return ok
}

// List enumerates all registered events plus all event sources,
// sorted by name.
func (b *Bus) List() []Description {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Description, 0, len(b.registered)+len(b.sources))
	for _, desc := range b.registered {
		out = append(out, desc)
	}
	for name, factory := range b.sources {
		out = append(out, Description{Name: name, Description: factory.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSubscriber registers a delivery target, keyed by session id.
func (b *Bus) AddSubscriber(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.SessionID()] = sub
}

// RemoveSubscriber drops a delivery target.  Removing an unknown id
// is a no-op.
func (b *Bus) RemoveSubscriber(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sessionID)
}

// Subscribers returns the session ids of all registered delivery
// targets.
func (b *Bus) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscribeInternal attaches an in-process handler for an event name.
// Handlers run on their own goroutine per delivery.
func (b *Bus) SubscribeInternal(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.internal[name] = append(b.internal[name], handler)
}

// Send broadcasts one event.  Sending an unregistered name is
// tolerated for backward compatibility but logged, so stray senders
// can be found and registered.
func (b *Bus) Send(ev Event) {
	b.mu.Lock()
	if _, ok := b.registered[ev.Name]; !ok {
		if _, ok := b.sources[ev.Name]; !ok {
			b.logger.Warnf("Event %q not registered.", ev.Name)
		}
	}
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	handlers := append([]Handler(nil), b.internal[ev.Name]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.WantsEvent(ev.Name) {
			continue
		}
		b.deliver(sub, ev)
	}
	for _, handler := range handlers {
		h := handler
		go h(context.Background(), ev)
	}
}

func (b *Bus) deliver(sub Subscriber, ev Event) {
	defer func() {
		if oops := recover(); oops != nil {
			b.logger.Warnf("Failed to send event %s to %s: %v", ev.Name, sub.SessionID(), oops)
		}
	}()
	sub.SendEvent(ev)
}

// RegisterHook attaches a callback to a hook name.  Callbacks for one
// name run in registration order.  Inline hooks must be synchronous;
// registering an asynchronous inline hook fails fast.
func (b *Bus) RegisterHook(name string, fn HookFunc, sync, inline bool) error {
	if inline && !sync {
		return fmt.Errorf("inline hooks are always called in a sync way")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[name] = append(b.hooks[name], hook{fn: fn, sync: sync, inline: inline})
	return nil
}

// CallHook invokes every non-inline callback registered under name in
// registration order.  Synchronous callbacks run before CallHook
// returns; asynchronous ones are started on their own goroutine.  A
// callback's failure is logged and does not stop delivery to the
// rest of the chain.
func (b *Bus) CallHook(ctx context.Context, name string, args ...interface{}) {
	for _, h := range b.hooksFor(name) {
		if h.inline {
			b.logger.Errorf("Failed to run hook %s: inline hooks should be called with CallHookInline", name)
			continue
		}
		if h.sync {
			b.runHook(ctx, name, h, args)
		} else {
			h := h
			go b.runHook(ctx, name, h, args)
		}
	}
}

// CallHookInline invokes only the inline callbacks for name, in the
// caller's goroutine.  This exists for scenarios that need
// deterministic in-thread execution.
func (b *Bus) CallHookInline(name string, args ...interface{}) {
	for _, h := range b.hooksFor(name) {
		if !h.inline {
			continue
		}
		b.runHook(context.Background(), name, h, args)
	}
}

func (b *Bus) hooksFor(name string) []hook {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hook(nil), b.hooks[name]...)
}

func (b *Bus) runHook(ctx context.Context, name string, h hook, args []interface{}) {
	defer func() {
		if oops := recover(); oops != nil {
			b.logger.Errorf("Failed to run hook %s(%v): panic: %v", name, args, oops)
		}
	}()
	if err := h.fn(ctx, args...); err != nil {
		b.logger.Errorf("Failed to run hook %s(%v): %v", name, args, err)
	}
}
