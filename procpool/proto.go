// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package procpool runs method bodies in pooled worker subprocesses.
//
// The supervisor and each worker speak length-free CBOR frames over
// the worker's stdin/stdout.  One call is in flight per worker at a
// time; progress frames stream back before the final result or error
// frame.  A worker that dies or garbles the stream poisons the whole
// pool, which is torn down and respawned before one retry.
package procpool

import (
	"io"
	"sync"

	"github.com/ugorji/go/codec"
)

// Frame kinds exchanged between supervisor and worker.
const (
	kindCall     = "call"
	kindResult   = "result"
	kindError    = "error"
	kindProgress = "progress"
)

// Frame is one supervisor/worker message.  Kind selects which of the
// remaining fields are meaningful.
type Frame struct {
	ID     uint64        `codec:"id"`
	Kind   string        `codec:"kind"`
	Method string        `codec:"method,omitempty"`
	Args   []interface{} `codec:"args,omitempty"`

	Result interface{} `codec:"result,omitempty"`

	Errno  int         `codec:"errno,omitempty"`
	Error  string      `codec:"error,omitempty"`
	Stack  string      `codec:"stack,omitempty"`
	Extra  interface{} `codec:"extra,omitempty"`
	EType  string      `codec:"etype,omitempty"`

	Percent     float64 `codec:"percent,omitempty"`
	Description string  `codec:"description,omitempty"`
}

// conn frames CBOR messages over a byte stream.  Encode and Decode
// are each single-caller; the mutexes only guard against a close
// racing a write.
type conn struct {
	rwc io.ReadWriteCloser

	encMu sync.Mutex
	enc   *codec.Encoder
	dec   *codec.Decoder
}

func newConn(rwc io.ReadWriteCloser) *conn {
	handle := &codec.CborHandle{}
	return &conn{
		rwc: rwc,
		enc: codec.NewEncoder(rwc, handle),
		dec: codec.NewDecoder(rwc, handle),
	}
}

func (c *conn) Send(f *Frame) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(f)
}

func (c *conn) Recv() (*Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *conn) Close() error {
	return c.rwc.Close()
}
