// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"context"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/core"
	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/procpool"
	"github.com/modryn/go-dispatch/transfer"
)

// stdio joins the worker's stdin and stdout into the single stream
// the pool protocol runs over.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdout.Close() }

var _ io.ReadWriteCloser = stdio{}

// runWorker is the -worker entry point: it registers the same service
// set as the daemon and serves pooled calls over stdin/stdout until
// the supervisor closes the stream.
func runWorker(logger *logrus.Logger) error {
	m := dispatch.New(dispatch.Options{
		Logger:     logger,
		JobLogsDir: os.TempDir(),
	})
	if err := registerWorkerServices(m, logger); err != nil {
		return err
	}
	return procpool.RunWorker(stdio{}, workerHandler(m))
}

// registerWorkerServices mirrors the daemon's service set so every
// pooled method name resolves identically on both sides.  The auth
// service runs without credentials here; authentication happens in
// the supervisor before a call ever reaches a worker.
func registerWorkerServices(m *dispatch.Middleware, logger *logrus.Logger) error {
	clk := clock.New()
	for _, svc := range []dispatch.Service{
		core.NewService(m, logger, transfer.NewRegistry(logger, clk)),
		core.NewAuthService(logger, clk, nil),
	} {
		if err := m.RegisterService(svc); err != nil {
			return err
		}
	}
	return nil
}

// workerHandler adapts the method registry to the pool protocol.
// Job-mode methods run under a transient stand-in job so handlers
// still see a Job for progress reporting; the supervisor owns the
// real job record and replays the progress stream onto it.
func workerHandler(m *dispatch.Middleware) procpool.Handler {
	return func(ctx context.Context, name string, args []interface{}, progress func(percent float64, description string)) (interface{}, error) {
		method, err := m.Registry().Resolve(name)
		if err != nil {
			return nil, err
		}
		if method.Mode != dispatch.ModeJob {
			return method.Handler(ctx, &dispatch.Call{
				Method: method.FullName,
				Args:   args,
			})
		}

		opts := *method.Job
		opts.Transient = true
		opts.SkipPipeCheck = true
		j, err := job.New(method.FullName, args, opts, nil, func(jctx context.Context, j *job.Job) (interface{}, error) {
			return method.Handler(jctx, &dispatch.Call{
				Method: method.FullName,
				Args:   args,
				Job:    j,
			})
		})
		if err != nil {
			return nil, err
		}
		j.OnProgress(func(snapshot map[string]interface{}) {
			if p, ok := snapshot["progress"].(job.Progress); ok {
				progress(p.Percent, p.Description)
			}
		})
		m.Jobs().Add(j)
		return j.Wait(ctx)
	}
}
