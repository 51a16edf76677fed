// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package client is a Go client for the dispatch wire protocol:
// websocket dial and handshake, method calls, job waiting, event
// subscriptions, and download URL construction.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jtacoma/uritemplates"

	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/wire"
)

// Options adjusts a connection.
type Options struct {
	// Features are the connect-time feature flags, e.g.
	// wire.FeatureFullTracebacks.
	Features []string
}

// Event is one broadcast collection change as seen by a client.
type Event struct {
	Type       string
	Collection string
	ID         interface{}
	Fields     map[string]interface{}
	Cleared    []string
}

// serverMessage is the decoded union of every server-to-client
// message.  The error payload differs by message kind ("result"
// carries a full wire.Error, "nosub" a bare reason), so it is kept
// raw here and decoded once the kind is known.
type serverMessage struct {
	Msg        string                 `json:"msg"`
	ID         interface{}            `json:"id,omitempty"`
	Session    string                 `json:"session,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      json.RawMessage        `json:"error,omitempty"`
	Subs       []string               `json:"subs,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Cleared    []string               `json:"cleared,omitempty"`
}

type pendingCall struct {
	done   chan struct{}
	result interface{}
	err    error
}

type subscription struct {
	names  map[string]bool
	events chan Event
}

// Client is one live connection to a dispatch daemon.
type Client struct {
	conn    *websocket.Conn
	session string

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingCall
	subs    map[string]*subscription
	closed  bool
	readErr error

	done chan struct{}
}

// Dial connects to a daemon's websocket endpoint and completes the
// protocol handshake.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}

	if err := conn.WriteJSON(wire.ClientMessage{
		Msg:      "connect",
		Version:  wire.ProtocolVersion,
		Features: opts.Features,
	}); err != nil {
		conn.Close()
		return nil, err
	}
	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Msg != "connected" {
		conn.Close()
		return nil, fmt.Errorf("handshake refused, server speaks version %q", reply.Version)
	}
	c.session = reply.Session

	go c.readLoop()
	return c, nil
}

// Session returns the server-assigned session id.
func (c *Client) Session() string { return c.session }

// Close tears the connection down.  Outstanding calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		// A frame the client cannot decode is dropped; only a dead
		// socket takes the connection down.
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Msg {
		case "result", "ready", "nosub", "pong":
			c.settle(&msg)
		case "added", "changed", "removed":
			c.deliver(&msg)
		}
	}
}

// failAll settles every outstanding call with the read error.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	for id, p := range c.pending {
		p.err = err
		close(p.done)
		delete(c.pending, id)
	}
}

func (c *Client) settle(msg *serverMessage) {
	var id string
	switch msg.Msg {
	case "ready":
		if len(msg.Subs) == 0 {
			return
		}
		id = msg.Subs[0]
	default:
		id = fmt.Sprint(msg.ID)
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if len(msg.Error) > 0 {
		p.err = decodeError(msg)
	} else {
		p.result = msg.Result
	}
	close(p.done)
}

// decodeError rebuilds the error carried by a reply.  A nosub reply
// wraps a bare reason string; everything else carries a full error
// payload.
func decodeError(msg *serverMessage) error {
	if msg.Msg == "nosub" {
		var subErr wire.SubError
		if err := json.Unmarshal(msg.Error, &subErr); err == nil && subErr.Reason != "" {
			return fmt.Errorf("subscription refused: %s", subErr.Reason)
		}
		return fmt.Errorf("subscription refused")
	}
	var wireErr wire.Error
	if err := json.Unmarshal(msg.Error, &wireErr); err != nil {
		return fmt.Errorf("undecodable error payload: %s", msg.Error)
	}
	return callError(&wireErr)
}

func (c *Client) deliver(msg *serverMessage) {
	ev := Event{
		Type:       msg.Msg,
		Collection: msg.Collection,
		ID:         msg.ID,
		Fields:     msg.Fields,
		Cleared:    msg.Cleared,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.names[msg.Collection] || sub.names["*"] {
			select {
			case sub.events <- ev:
			default:
				// A slow consumer drops events rather than
				// stalling the read loop.
			}
		}
	}
}

// callError rebuilds a client-side error from the wire payload.
func callError(e *wire.Error) error {
	switch e.Type {
	case "VALIDATION":
		verrs := errors.ValidationErrors{}
		if rows, ok := e.Extra.([]interface{}); ok {
			for _, row := range rows {
				fields, ok := row.([]interface{})
				if !ok || len(fields) < 3 {
					continue
				}
				attr, _ := fields[0].(string)
				message, _ := fields[1].(string)
				code, _ := fields[2].(float64)
				verrs.Add(attr, message, int(code))
			}
		}
		if len(verrs) > 0 {
			return verrs
		}
	}
	return &errors.CallError{Code: e.Errno, Reason: e.Reason, Extra: e.Extra}
}

func (c *Client) register(id string) (*pendingCall, error) {
	p := &pendingCall{done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if c.readErr != nil {
		return nil, c.readErr
	}
	c.pending[id] = p
	return p, nil
}

func (c *Client) correlationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return strconv.FormatUint(c.nextID, 10)
}

func (c *Client) await(ctx context.Context, id string, p *pendingCall) (interface{}, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Call invokes a method and blocks for its reply.  For job-mode
// methods the reply is the job id; see CallJob.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	id := c.correlationID()
	p, err := c.register(id)
	if err != nil {
		return nil, err
	}
	if err := c.writeJSON(wire.ClientMessage{
		Msg:    "method",
		ID:     id,
		Method: method,
		Params: params,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	return c.await(ctx, id, p)
}

// CallJob invokes a job-mode method and blocks until the job
// settles, returning its final result or error.
func (c *Client) CallJob(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	jobID, ok := result.(float64)
	if !ok {
		return nil, fmt.Errorf("method %s did not return a job id", method)
	}
	return c.Call(ctx, "core.job_wait", jobID)
}

// Ping round-trips a correlation id through the server.
func (c *Client) Ping(ctx context.Context) error {
	id := c.correlationID()
	p, err := c.register(id)
	if err != nil {
		return err
	}
	if err := c.writeJSON(wire.ClientMessage{Msg: "ping", ID: id}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	_, err = c.await(ctx, id, p)
	return err
}

// Subscribe starts receiving events for a collection name ("name",
// "name:arg" or "*").  Cancel stops delivery and is idempotent.
func (c *Client) Subscribe(ctx context.Context, name string) (events <-chan Event, cancel func(), err error) {
	id := c.correlationID()
	p, err := c.register(id)
	if err != nil {
		return nil, nil, err
	}

	// The subscription is live before the ack so no event delivered
	// right behind the "ready" is lost.
	sub := &subscription{
		names:  map[string]bool{name: true},
		events: make(chan Event, 64),
	}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	unregister := func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.subs, id)
		c.mu.Unlock()
	}

	if err := c.writeJSON(wire.ClientMessage{Msg: "sub", ID: id, Name: name}); err != nil {
		unregister()
		return nil, nil, err
	}
	if _, err := c.await(ctx, id, p); err != nil {
		unregister()
		return nil, nil, err
	}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.writeJSON(wire.ClientMessage{Msg: "unsub", ID: id})
			}
		})
	}
	return sub.events, cancel, nil
}

// downloadTemplate matches the URL shape core.download returns.
const downloadTemplate = "/_download/{job_id}{?auth_token,filename}"

// DownloadURL builds an absolute download URL for a registered job
// download.
func DownloadURL(base string, jobID int64, authToken, filename string) (string, error) {
	tmpl, err := uritemplates.Parse(downloadTemplate)
	if err != nil {
		return "", err
	}
	expanded, err := tmpl.Expand(map[string]interface{}{
		"job_id":     strconv.FormatInt(jobID, 10),
		"auth_token": authToken,
		"filename":   filename,
	})
	if err != nil {
		return "", err
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(expanded)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(rel).String(), nil
}
