// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/event"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/procpool"
)

// ConnCallLimit bounds how many inline calls from live connections
// run at once across the whole daemon.
const ConnCallLimit = 10

// crashReportLimit bounds concurrent crash-report assembly.
const crashReportLimit = 2

// defaultTerminateTimeout bounds a service's teardown hook when its
// config does not say otherwise.
const defaultTerminateTimeout = 10 * time.Second

// Session is the dispatcher's view of one connected client.  The
// session package implements it over a websocket.
type Session interface {
	event.Subscriber
	Authenticated() bool
	SetAuthenticated(v bool)
}

// CrashReporter receives unexpected errors as an operator side
// channel.  It never changes what the caller sees.
type CrashReporter func(ctx context.Context, method string, err error)

// CallOptions adjusts one dispatch.
type CallOptions struct {
	// Session is the calling connection, nil for internal calls.
	Session Session
	// Pipes carries pre-opened job pipes, e.g. from the transfer
	// endpoints.
	Pipes *job.Pipes
	// OnProgress receives job snapshots on every progress update.
	OnProgress func(snapshot map[string]interface{})
}

// Options configures a Middleware.
type Options struct {
	Logger        *logrus.Logger
	Clock         clock.Clock
	JobLogsDir    string
	Pool          *procpool.Pool
	CrashReporter CrashReporter
}

// Middleware is the long-lived server object: one per process.  It
// owns the registry, the job queue, the event bus, the process pool,
// and the connected-session table.
type Middleware struct {
	logger   *logrus.Logger
	registry *Registry
	events   *event.Bus
	jobs     *job.Queue
	pool     *procpool.Pool
	reporter CrashReporter

	connSem  *semaphore.Weighted
	crashSem *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]Session
}

// New creates a Middleware.  The process pool may be nil, in which
// case process-pool methods fail with ESERVICESTARTFAILURE.
func New(opts Options) *Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	events := event.NewBus(logger)
	m := &Middleware{
		logger:   logger,
		registry: NewRegistry(),
		events:   events,
		jobs:     job.NewQueue(logger, events, clk, opts.JobLogsDir),
		pool:     opts.Pool,
		reporter: opts.CrashReporter,
		connSem:  semaphore.NewWeighted(ConnCallLimit),
		crashSem: semaphore.NewWeighted(crashReportLimit),
		sessions: make(map[string]Session),
	}
	m.events.Register("core.get_jobs", "Job lifecycle updates.", false)
	m.events.Register("core.environ", "Runtime environment changes.", true)
	return m
}

// Events returns the event/hook bus.
func (m *Middleware) Events() *event.Bus { return m.events }

// Jobs returns the job queue.
func (m *Middleware) Jobs() *job.Queue { return m.jobs }

// Registry returns the method registry.
func (m *Middleware) Registry() *Registry { return m.registry }

// RegisterService adds a service to the registry.
func (m *Middleware) RegisterService(svc Service) error {
	return m.registry.Register(svc)
}

// RegisterSession adds a connected client to the session table and
// the event fan-out.
func (m *Middleware) RegisterSession(s Session) {
	m.mu.Lock()
	m.sessions[s.SessionID()] = s
	m.mu.Unlock()
	m.events.AddSubscriber(s)
}

// UnregisterSession removes a closed client.  Idempotent.
func (m *Middleware) UnregisterSession(s Session) {
	m.mu.Lock()
	delete(m.sessions, s.SessionID())
	m.mu.Unlock()
	m.events.RemoveSubscriber(s.SessionID())
}

// Sessions returns the ids of connected clients, sorted.
func (m *Middleware) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns how many clients are connected.
func (m *Middleware) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Authorized reports whether the session may call the method.
// Internal calls (nil session) are always authorized.
func Authorized(s Session, method *Registered) bool {
	if s == nil || method.NoAuth {
		return true
	}
	return s.Authenticated()
}

// Call dispatches a method.  Job-mode methods return the *job.Job
// immediately; the wire layer turns it into the job id.  Other modes
// return the handler's result.
func (m *Middleware) Call(ctx context.Context, name string, params []interface{}, opts CallOptions) (interface{}, error) {
	method, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	switch method.Mode {
	case ModeJob:
		return m.callJob(ctx, method, params, opts)
	case ModeProcessPool:
		return m.callProc(ctx, method, params, nil)
	default:
		return m.callInline(ctx, method, params, opts)
	}
}

// ErrSyncFromJob is returned when a synchronous call would wait on
// the very job issuing it.
var ErrSyncFromJob = job.ErrWaitDeadlock

// CallSync dispatches a method and blocks for its final value: for a
// job-mode method it waits for the job to settle and returns its
// result or error.  Waiting on the calling job itself fails fast
// with ErrSyncFromJob instead of deadlocking.
func (m *Middleware) CallSync(ctx context.Context, name string, params []interface{}, opts CallOptions) (interface{}, error) {
	result, err := m.Call(ctx, name, params, opts)
	if err != nil {
		return nil, err
	}
	if j, ok := result.(*job.Job); ok {
		return j.Wait(ctx)
	}
	return result, nil
}

func (m *Middleware) callJob(ctx context.Context, method *Registered, params []interface{}, opts CallOptions) (interface{}, error) {
	body := func(jctx context.Context, j *job.Job) (interface{}, error) {
		if method.Conf.ProcessPool {
			return m.procJobBody(jctx, method, params, j)
		}
		return m.invoke(jctx, method, &Call{
			Method:  method.FullName,
			Args:    params,
			Session: opts.Session,
			Job:     j,
		})
	}

	j, err := job.New(method.FullName, params, *method.Job, opts.Pipes, body)
	if err != nil {
		return nil, err
	}
	if opts.OnProgress != nil {
		j.OnProgress(opts.OnProgress)
	}
	return m.jobs.Add(j), nil
}

// procJobBody runs a job's body in the worker pool, relaying its
// progress stream back onto the Job as if it ran locally.
func (m *Middleware) procJobBody(ctx context.Context, method *Registered, params []interface{}, j *job.Job) (interface{}, error) {
	return m.callProc(ctx, method, params, func(percent float64, description string) {
		j.SetProgress(percent, description)
	})
}

func (m *Middleware) callProc(ctx context.Context, method *Registered, params []interface{}, onProgress func(float64, string)) (interface{}, error) {
	if m.pool == nil {
		return nil, errors.NewCallError(errors.ESERVICESTARTFAILURE,
			"service %q requires the process pool, which is not running", method.Conf.Name)
	}
	result, err := m.pool.Call(ctx, method.FullName, params, onProgress)
	if err != nil {
		m.observeFailure(ctx, method.FullName, err)
	}
	return result, err
}

func (m *Middleware) callInline(ctx context.Context, method *Registered, params []interface{}, opts CallOptions) (interface{}, error) {
	// Connection-issued calls share a bounded slot pool so one
	// client burst cannot monopolize the daemon.  Internal calls
	// bypass it, which also spares a call issued from inside a
	// pooled call from waiting on its own slot.
	if opts.Session != nil {
		if err := m.connSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer m.connSem.Release(1)
	}
	result, err := m.invoke(ctx, method, &Call{
		Method:  method.FullName,
		Args:    params,
		Session: opts.Session,
	})
	if err != nil {
		m.observeFailure(ctx, method.FullName, err)
	}
	return result, err
}

// invoke runs a handler with a panic barrier.
func (m *Middleware) invoke(ctx context.Context, method *Registered, call *Call) (result interface{}, err error) {
	defer func() {
		if oops := recover(); oops != nil {
			err = &errors.InternalError{
				Err:   fmt.Errorf("panic in %s: %v", method.FullName, oops),
				Stack: string(debug.Stack()),
			}
		}
	}()
	return method.Handler(ctx, call)
}

// observeFailure logs unexpected errors with their stack and hands
// them to the crash-report side channel.  Expected application and
// validation errors pass through quietly.
func (m *Middleware) observeFailure(ctx context.Context, method string, err error) {
	var internal *errors.InternalError
	if !asError(err, &internal) {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"method": method,
		"stack":  internal.Stack,
	}).Errorf("Unhandled error in %s: %v", method, err)
	m.reportCrash(ctx, method, err)
}

// reportCrash forwards an error to the crash reporter unless the
// side channel is saturated, in which case the report is dropped.
func (m *Middleware) reportCrash(ctx context.Context, method string, err error) {
	if m.reporter == nil {
		return
	}
	if !m.crashSem.TryAcquire(1) {
		m.logger.Debugf("Crash reporting is saturated, dropping report for %s", method)
		return
	}
	go func() {
		defer m.crashSem.Release(1)
		defer func() {
			if oops := recover(); oops != nil {
				m.logger.Warnf("Crash reporter panicked: %v", oops)
			}
		}()
		m.reporter(ctx, method, err)
	}()
}

// Terminate runs the shutdown sequence: per-service teardown hooks
// under their timeouts, then the job queue, then an abrupt process
// pool stop.  Workers stuck in native code would hang a graceful
// pool shutdown forever.
func (m *Middleware) Terminate(ctx context.Context) {
	for name, svc := range m.registry.Services() {
		term, ok := svc.(Terminator)
		if !ok {
			continue
		}
		timeout := svc.Config().TerminateTimeout
		if timeout <= 0 {
			timeout = defaultTerminateTimeout
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() { done <- term.Terminate(tctx) }()
		select {
		case err := <-done:
			if err != nil {
				m.logger.WithError(err).Errorf("Failed to terminate service %s", name)
			}
		case <-tctx.Done():
			m.logger.Errorf("Timed out terminating service %s", name)
		}
		cancel()
	}

	if err := m.jobs.Shutdown(ctx); err != nil {
		m.logger.WithError(err).Warn("Job queue did not settle before shutdown deadline")
	}
	if m.pool != nil {
		m.pool.Close()
	}
}
