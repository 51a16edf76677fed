// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package procpool

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/modryn/go-dispatch/errors"
)

// Handler executes one pooled method call inside a worker process.
// progress may be called at any point while the handler runs.
type Handler func(ctx context.Context, method string, args []interface{}, progress func(percent float64, description string)) (interface{}, error)

// RunWorker is the worker-process main loop.  It decodes call frames
// from rwc, runs them through handler one at a time, and writes back
// progress and result frames.  It returns when the stream closes,
// which is how the supervisor retires a worker.
func RunWorker(rwc io.ReadWriteCloser, handler Handler) error {
	c := newConn(rwc)
	defer c.Close()

	for {
		frame, err := c.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if frame.Kind != kindCall {
			continue
		}
		serveCall(c, frame, handler)
	}
}

func serveCall(c *conn, call *Frame, handler Handler) {
	progress := func(percent float64, description string) {
		c.Send(&Frame{
			ID:          call.ID,
			Kind:        kindProgress,
			Percent:     percent,
			Description: description,
		})
	}

	result, err := invokeHandler(call, handler, progress)
	if err != nil {
		c.Send(errorFrame(call.ID, err))
		return
	}
	c.Send(&Frame{ID: call.ID, Kind: kindResult, Result: result})
}

func invokeHandler(call *Frame, handler Handler, progress func(float64, string)) (result interface{}, err error) {
	defer func() {
		if oops := recover(); oops != nil {
			err = &errors.InternalError{
				Err:   fmt.Errorf("panic in pooled method %s: %v", call.Method, oops),
				Stack: string(debug.Stack()),
			}
		}
	}()
	return handler(context.Background(), call.Method, call.Args, progress)
}

// errorFrame flattens the error taxonomy into wire fields so the
// supervisor can rebuild an equivalent error on its side.
func errorFrame(id uint64, err error) *Frame {
	f := &Frame{
		ID:    id,
		Kind:  kindError,
		Errno: errors.Errno(err),
		Error: err.Error(),
	}
	var callErr *errors.CallError
	var internal *errors.InternalError
	switch {
	case asError(err, &internal):
		f.EType = "InternalError"
		f.Stack = internal.Stack
	case asError(err, &callErr):
		f.EType = "CallError"
		f.Extra = callErr.Extra
	default:
		f.EType = "Error"
	}
	return f
}

// frameError rebuilds a supervisor-side error from an error frame.
func frameError(f *Frame) error {
	switch f.EType {
	case "InternalError":
		return &errors.InternalError{Err: fmt.Errorf("%s", f.Error), Stack: f.Stack}
	case "CallError":
		return &errors.CallError{Code: f.Errno, Reason: f.Error, Extra: f.Extra}
	default:
		return errors.NewCallError(f.Errno, "%s", f.Error)
	}
}
