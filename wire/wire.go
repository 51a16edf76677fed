// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package wire defines the JSON message format spoken between the
// dispatch daemon and its clients over the persistent websocket
// connection.
//
// Client-to-server messages all decode into ClientMessage; the "msg"
// field discriminates.  Server-to-client messages are distinct struct
// types so that optional fields are only emitted when the message
// kind allows them.
package wire

import (
	stderrors "errors"

	"github.com/modryn/go-dispatch/errors"
)

// ProtocolVersion is the only handshake version this server accepts.
const ProtocolVersion = "1"

// FeatureFullTracebacks is the connect-time feature flag by which a
// client opts into receiving captured server-side stacks inside error
// payloads.  This leaks internal detail and is off by default.
const FeatureFullTracebacks = "FULL_TRACEBACKS"

// ClientMessage is the decoded form of every client-to-server
// message.  Correlation ids are opaque JSON values (string or number)
// and are echoed back verbatim.
type ClientMessage struct {
	Msg      string        `json:"msg"`
	ID       interface{}   `json:"id,omitempty"`
	Version  string        `json:"version,omitempty"`
	Features []string      `json:"features,omitempty"`
	Method   string        `json:"method,omitempty"`
	Params   []interface{} `json:"params,omitempty"`
	Name     string        `json:"name,omitempty"`
}

// Connected acknowledges a successful handshake.
type Connected struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

// Failed rejects a handshake (or any message sent before one),
// advertising the version the server speaks.
type Failed struct {
	Msg     string `json:"msg"`
	Version string `json:"version"`
}

// Pong answers a ping, echoing its correlation id if one was sent.
type Pong struct {
	Msg string      `json:"msg"`
	ID  interface{} `json:"id,omitempty"`
}

// Result carries a successful method return value.  The result field
// is always present, even when the value is null.
type Result struct {
	Msg    string      `json:"msg"`
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
}

// ErrorResult carries a failed method return.
type ErrorResult struct {
	Msg   string      `json:"msg"`
	ID    interface{} `json:"id"`
	Error *Error      `json:"error"`
}

// Ready acknowledges a subscription.
type Ready struct {
	Msg  string   `json:"msg"`
	Subs []string `json:"subs"`
}

// NoSub rejects a subscription.
type NoSub struct {
	Msg   string    `json:"msg"`
	ID    string    `json:"id"`
	Error *SubError `json:"error"`
}

// SubError is the payload of a NoSub message.
type SubError struct {
	Reason string `json:"error"`
}

// EventMessage is a broadcast collection change.  Msg is the
// lower-cased event type: "added", "changed" or "removed".
type EventMessage struct {
	Msg        string                 `json:"msg"`
	Collection string                 `json:"collection"`
	ID         interface{}            `json:"id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Cleared    []string               `json:"cleared,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Error is the client-visible form of any dispatch failure.  Errno is
// always set; Trace is only populated for clients that requested full
// tracebacks at connect time.
type Error struct {
	Errno  int         `json:"error"`
	Type   string      `json:"type,omitempty"`
	Reason string      `json:"reason"`
	Trace  *Trace      `json:"trace,omitempty"`
	Extra  interface{} `json:"extra,omitempty"`
}

// Trace describes a captured server-side failure for clients that
// opted in.
type Trace struct {
	Class     string `json:"class"`
	Formatted string `json:"formatted"`
}

// FromError converts any dispatch error into its wire form.
// fullTrace controls whether captured stacks are attached.
func FromError(err error, fullTrace bool) *Error {
	out := &Error{Errno: errors.Errno(err), Reason: err.Error()}

	var validation *errors.ValidationError
	var validations errors.ValidationErrors
	var callErr *errors.CallError
	var internal *errors.InternalError
	switch {
	case stderrors.As(err, &validation):
		out.Type = "VALIDATION"
		out.Extra = [][]interface{}{{validation.Attribute, validation.Message, validation.Code}}
	case stderrors.As(err, &validations):
		out.Type = "VALIDATION"
		extra := make([][]interface{}, len(validations))
		for i, v := range validations {
			extra[i] = []interface{}{v.Attribute, v.Message, v.Code}
		}
		out.Extra = extra
	case stderrors.As(err, &callErr):
		out.Type = "CallError"
		out.Extra = callErr.Extra
	case stderrors.As(err, &internal):
		out.Type = "InternalError"
		if fullTrace {
			out.Trace = &Trace{Class: "InternalError", Formatted: internal.Stack}
		}
	}
	return out
}
