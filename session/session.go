// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package session implements the websocket control channel: one
// Session per connected client, with the handshake state machine,
// the per-session call gate, event subscriptions, and a single
// ordered outbound writer.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/event"
	"github.com/modryn/go-dispatch/gate"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/wire"
)

// Soft and hard bounds on concurrent calls per session.
const (
	CallSoftLimit = 10
	CallHardLimit = 20
)

// MaxUnauthenticatedPayload is the largest message an unauthenticated
// client may send.  One byte over closes the connection.
const MaxUnauthenticatedPayload = 8192

// outboundBuffer is the depth of the ordered outbound queue.
const outboundBuffer = 256

// OnConnectHook fires on the event bus after a successful handshake.
const OnConnectHook = "core.on_connect"

// Session is the server side of one websocket connection.
type Session struct {
	id         string
	middleware *dispatch.Middleware
	conn       *websocket.Conn
	logger     *logrus.Entry
	gate       *gate.Gate

	mu             sync.Mutex
	handshakeDone  bool
	authenticated  bool
	fullTracebacks bool
	// subscribed maps subscription id to event name for simple
	// broadcast subscriptions; names tracks every subscribed
	// fully-qualified name so duplicates are refused.
	subscribed map[string]string
	names      map[string]bool
	// sources maps subscription id to the cancel func of its
	// worker goroutine.
	sources   map[string]*sourceSub
	onMessage []func(msg []byte)
	onClose   []func()

	outbound chan []byte
	closed   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

type sourceSub struct {
	name   string
	cancel context.CancelFunc
}

// New wraps an accepted websocket connection in a Session.
func New(m *dispatch.Middleware, logger *logrus.Logger, conn *websocket.Conn) *Session {
	id := uuid.NewV4().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		middleware: m,
		conn:       conn,
		logger:     logger.WithField("session", id),
		gate:       gate.New(CallSoftLimit, CallHardLimit),
		subscribed: make(map[string]string),
		names:      make(map[string]bool),
		sources:    make(map[string]*sourceSub),
		outbound:   make(chan []byte, outboundBuffer),
		closed:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SessionID implements dispatch.Session.
func (s *Session) SessionID() string { return s.id }

// Authenticated implements dispatch.Session.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SetAuthenticated implements dispatch.Session; the auth service
// flips it on a successful login.
func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = v
}

// WantsEvent implements event.Subscriber.
func (s *Session) WantsEvent(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names["*"] || s.names[name]
}

// SendEvent implements event.Subscriber: events go out through the
// ordered writer like every other message.
func (s *Session) SendEvent(ev event.Event) {
	s.send(wire.EventMessage{
		Msg:        ev.Type.MessageName(),
		Collection: ev.Name,
		ID:         ev.ID,
		Fields:     ev.Fields,
		Cleared:    ev.Cleared,
		Extra:      ev.Extra,
	})
}

// OnMessage registers a callback observing every inbound frame.
func (s *Session) OnMessage(fn func(msg []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, fn)
}

// OnClose registers a callback run when the connection ends.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Run services the connection until it closes, then tears the
// session down: every source worker is cancelled and the session
// leaves the connected-clients table.
func (s *Session) Run() {
	s.middleware.RegisterSession(s)
	s.wg.Add(1)
	go s.writeLoop()

	s.readLoop()

	s.cancel()
	s.mu.Lock()
	onClose := append([]func(){}, s.onClose...)
	s.mu.Unlock()
	for _, fn := range onClose {
		fn()
	}
	s.middleware.UnregisterSession(s)
	close(s.closed)
	s.wg.Wait()
	s.conn.Close()
}

// writeLoop is the single outbound path: messages are delivered in
// the order they were queued.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.closed:
			// Drain what was queued before the close.
			for {
				select {
				case msg := <-s.outbound:
					s.conn.WriteMessage(websocket.TextMessage, msg)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode outbound message")
		return
	}
	select {
	case s.outbound <- data:
	case <-s.closed:
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.Authenticated() && len(data) > MaxUnauthenticatedPayload {
			s.logger.Warnf("Unauthenticated client sent %d bytes, closing", len(data))
			return
		}

		s.mu.Lock()
		observers := append([]func([]byte){}, s.onMessage...)
		s.mu.Unlock()
		for _, fn := range observers {
			fn(data)
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Warn("Dropping undecodable message")
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *Session) handleMessage(msg *wire.ClientMessage) {
	switch msg.Msg {
	case "connect":
		s.handleConnect(msg)
	case "ping":
		s.send(wire.Pong{Msg: "pong", ID: msg.ID})
	case "method":
		if !s.handshaken() {
			s.send(wire.Failed{Msg: "failed", Version: wire.ProtocolVersion})
			return
		}
		s.handleMethod(msg)
	case "sub":
		s.handleSub(msg)
	case "unsub":
		s.handleUnsub(msg)
	default:
		s.logger.Warnf("Unknown message type %q", msg.Msg)
	}
}

func (s *Session) handshaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeDone
}

func (s *Session) handleConnect(msg *wire.ClientMessage) {
	if msg.Version != wire.ProtocolVersion {
		// The session stays open; the client may retry with a
		// supported version.
		s.send(wire.Failed{Msg: "failed", Version: wire.ProtocolVersion})
		return
	}
	s.mu.Lock()
	s.handshakeDone = true
	for _, feature := range msg.Features {
		if feature == wire.FeatureFullTracebacks {
			s.fullTracebacks = true
		}
	}
	s.mu.Unlock()

	s.send(wire.Connected{Msg: "connected", Session: s.id})
	s.middleware.Events().CallHook(s.ctx, OnConnectHook, s.id)
}

func (s *Session) handleMethod(msg *wire.ClientMessage) {
	method, err := s.middleware.Registry().Resolve(msg.Method)
	if err != nil {
		s.sendError(msg.ID, err)
		return
	}
	if !dispatch.Authorized(s, method) {
		s.sendError(msg.ID, errors.NewCallError(errors.EACCES, "Not authenticated"))
		return
	}
	go func() {
		// Admission happens off the read loop so a call waiting
		// between the soft and hard limits does not stall the
		// connection.
		if err := s.gate.Acquire(s.ctx); err != nil {
			s.sendError(msg.ID, err)
			return
		}
		defer s.gate.Release()
		result, err := s.middleware.Call(s.ctx, msg.Method, msg.Params, dispatch.CallOptions{Session: s})
		if err != nil {
			s.sendError(msg.ID, err)
			return
		}
		// Job-mode methods answer with the job id; the value
		// arrives later via core.get_jobs or core.job_wait.
		if j, ok := result.(*job.Job); ok {
			result = j.ID()
		}
		s.send(wire.Result{Msg: "result", ID: msg.ID, Result: result})
	}()
}

func (s *Session) sendError(id interface{}, err error) {
	s.mu.Lock()
	fullTrace := s.fullTracebacks
	s.mu.Unlock()
	s.send(wire.ErrorResult{Msg: "result", ID: id, Error: wire.FromError(err, fullTrace)})
}

func (s *Session) handleSub(msg *wire.ClientMessage) {
	subID, _ := msg.ID.(string)
	if !s.Authenticated() {
		s.sendNoSub(subID, "Not authenticated")
		return
	}
	if subID == "" {
		s.sendNoSub(subID, "Invalid subscription id")
		return
	}

	s.mu.Lock()
	if s.names[msg.Name] {
		s.mu.Unlock()
		s.sendNoSub(subID, "Already subscribed")
		return
	}
	s.mu.Unlock()

	if base, arg, hasArg := splitSourceName(msg.Name); hasArg || s.isSource(base) {
		s.subscribeSource(subID, msg.Name, base, arg)
		return
	}

	s.mu.Lock()
	s.subscribed[subID] = msg.Name
	s.names[msg.Name] = true
	s.mu.Unlock()
	s.send(wire.Ready{Msg: "ready", Subs: []string{subID}})
}

func (s *Session) isSource(name string) bool {
	_, ok := s.middleware.Events().Source(name)
	return ok
}

// splitSourceName splits "name:arg" subscriptions.
func splitSourceName(name string) (base, arg string, ok bool) {
	i := strings.Index(name, ":")
	if i < 0 {
		return name, "", false
	}
	return name[:i], name[i+1:], true
}

func (s *Session) subscribeSource(subID, fullName, base, arg string) {
	factory, ok := s.middleware.Events().Source(base)
	if !ok {
		s.sendNoSub(subID, "Event source "+base+" not found")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.sources[subID] = &sourceSub{name: fullName, cancel: cancel}
	s.names[fullName] = true
	s.mu.Unlock()
	s.send(wire.Ready{Msg: "ready", Subs: []string{subID}})

	src := factory.New(arg)
	go event.RunSource(ctx, s.logger, src, fullName,
		func(ev event.Event) { s.SendEvent(ev) },
		func() {
			s.mu.Lock()
			if sub, ok := s.sources[subID]; ok && sub.name == fullName {
				delete(s.sources, subID)
				delete(s.names, fullName)
			}
			s.mu.Unlock()
		})
}

func (s *Session) sendNoSub(id string, reason string) {
	s.send(wire.NoSub{Msg: "nosub", ID: id, Error: &wire.SubError{Reason: reason}})
}

// handleUnsub cancels a subscription.  Unknown or already-cancelled
// ids are ignored, so unsubscribing twice is harmless.
func (s *Session) handleUnsub(msg *wire.ClientMessage) {
	if !s.Authenticated() {
		return
	}
	subID, ok := msg.ID.(string)
	if !ok {
		return
	}
	s.mu.Lock()
	if name, ok := s.subscribed[subID]; ok {
		delete(s.subscribed, subID)
		delete(s.names, name)
		s.mu.Unlock()
		return
	}
	sub, ok := s.sources[subID]
	s.mu.Unlock()
	if ok {
		// The RunSource finish callback removes the maps
		// entries once the worker actually stops.
		sub.cancel()
	}
}
