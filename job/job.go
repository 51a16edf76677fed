// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package job tracks long-running asynchronous operations.
//
// A Job is one stateful unit of work: it moves WAITING -> RUNNING ->
// SUCCESS | FAILED | ABORTED, reports progress, may hold piped I/O,
// and stores its result or error for later retrieval by id.  The
// Queue owns every job, assigns ids, and enforces mutual exclusion
// between jobs that share a lock name.
package job

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/event"
)

// EventName is the collection on which the queue broadcasts job
// lifecycle changes.
const EventName = "core.get_jobs"

// State is the lifecycle phase of a job.
type State int

const (
	// Waiting jobs are queued, possibly behind a lock holder.
	Waiting State = iota
	// Running jobs have a live body.
	Running
	// Success is terminal; the result field is valid.
	Success
	// Failed is terminal; the error field is valid.
	Failed
	// Aborted is terminal; the body was cancelled.
	Aborted
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Aborted
}

// Progress is the current progress report of a job.
type Progress struct {
	Percent     float64     `json:"percent"`
	Description string      `json:"description"`
	Extra       interface{} `json:"extra"`
}

// Options controls how a job is queued and executed.
type Options struct {
	// Lock serializes this job against every other job carrying
	// the same lock name.  Empty means no mutual exclusion.
	Lock string

	// LockFor derives the lock name from the call arguments.  It
	// takes precedence over Lock.
	LockFor func(args []interface{}) string

	// LockQueueSize bounds how many jobs may wait on this job's
	// lock.  Adding a job to a full lock queue returns the last
	// queued job instead of a new one.  Zero means unbounded.
	LockQueueSize int

	// Transient jobs emit no queue events and are removed from
	// the job table as soon as they finish.
	Transient bool

	// Logs gives the job a private log file; an excerpt is
	// captured when the job finishes.
	Logs bool

	// Pipes names the pipes ("input", "output") the body needs
	// open before it starts.
	Pipes []string

	// SkipPipeCheck suppresses the open-pipe validation for
	// methods that only sometimes use their pipes.
	SkipPipeCheck bool
}

func (o Options) lockName(args []interface{}) string {
	if o.LockFor != nil {
		return o.LockFor(args)
	}
	return o.Lock
}

// Body is the executable part of a job.  The context is cancelled on
// abort and on queue shutdown; bodies must poll it across blocking
// boundaries.
type Body func(ctx context.Context, j *Job) (interface{}, error)

type ctxKey int

const ctxKeyJobID ctxKey = 0

// ContextJobID returns the id of the job whose body owns this
// context, if any.
func ContextJobID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKeyJobID).(int64)
	return id, ok
}

// ErrWaitDeadlock is returned when a job body waits on its own job,
// which could never complete.
var ErrWaitDeadlock = errors.NewCallError(errors.EINVAL, "a job cannot wait on itself")

// Job is one tracked asynchronous operation.
type Job struct {
	queue *Queue
	body  Body

	method   string
	args     []interface{}
	opts     Options
	lockName string
	pipes    *Pipes

	onProgress func(map[string]interface{})

	mu           sync.Mutex
	id           int64
	state        State
	progress     Progress
	result       interface{}
	err          error
	trace        string
	timeStarted  time.Time
	timeFinished time.Time
	runCtx       context.Context
	cancel       context.CancelFunc

	logsPath    string
	logsFile    *os.File
	logsExcerpt string

	finished chan struct{}
}

// New creates a job in WAITING state.  It fails if the options
// require pipes that were not provided.
func New(method string, args []interface{}, opts Options, pipes *Pipes, body Body) (*Job, error) {
	if pipes == nil {
		pipes = &Pipes{}
	}
	if !opts.SkipPipeCheck {
		for _, name := range opts.Pipes {
			switch name {
			case "input":
				if pipes.Input == nil {
					return nil, errors.NewCallError(errors.EINVAL, "pipe %q is not open", name)
				}
			case "output":
				if pipes.Output == nil {
					return nil, errors.NewCallError(errors.EINVAL, "pipe %q is not open", name)
				}
			default:
				return nil, errors.NewCallError(errors.EINVAL, "unknown pipe %q", name)
			}
		}
	}
	return &Job{
		method:   method,
		args:     args,
		opts:     opts,
		lockName: opts.lockName(args),
		pipes:    pipes,
		body:     body,
		state:    Waiting,
		finished: make(chan struct{}),
	}, nil
}

// ID returns the queue-assigned id, zero before Add.
func (j *Job) ID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Method returns the dotted method name this job runs.
func (j *Job) Method() string { return j.method }

// Args returns the call arguments.
func (j *Job) Args() []interface{} { return j.args }

// Pipes returns the job's piped I/O endpoints.
func (j *Job) Pipes() *Pipes { return j.pipes }

// State returns the current lifecycle phase.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the latest progress report.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Result returns the stored return value; only meaningful once the
// state is SUCCESS.
func (j *Job) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Err returns the stored failure; only meaningful once the state is
// FAILED.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// LogsExcerpt returns the head/tail excerpt of the job's log file,
// captured at completion.
func (j *Job) LogsExcerpt() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logsExcerpt
}

// Logf appends one line to the job's log file, if it has one.  Safe
// from any goroutine.
func (j *Job) Logf(format string, args ...interface{}) {
	j.mu.Lock()
	f := j.logsFile
	j.mu.Unlock()
	if f != nil {
		fmt.Fprintf(f, format+"\n", args...)
	}
}

// setState advances the lifecycle.  Transitions are monotonic and
// terminal states are final; an invalid transition is refused.
func (j *Job) setState(state State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStateLocked(state)
}

func (j *Job) setStateLocked(state State) bool {
	switch {
	case j.state.Terminal():
		return false
	case j.state == Waiting && state == Success:
		return false
	case j.state == Running && state == Running:
		return false
	case state == Waiting:
		return false
	}
	j.state = state
	if state == Running {
		j.timeStarted = j.now()
	}
	if state.Terminal() {
		j.timeFinished = j.now()
	}
	return true
}

func (j *Job) now() time.Time {
	if j.queue != nil {
		return j.queue.clock.Now()
	}
	return time.Now()
}

// SetProgress updates the progress report and notifies both the
// per-call progress callback and queue event subscribers.  percent
// below zero leaves the percentage unchanged.  Safe to call from any
// goroutine, including process-pool relays.
func (j *Job) SetProgress(percent float64, description string) {
	j.SetProgressExtra(percent, description, nil)
}

// SetProgressExtra is SetProgress with an arbitrary extra payload.
func (j *Job) SetProgressExtra(percent float64, description string, extra interface{}) {
	j.mu.Lock()
	if percent >= 0 {
		j.progress.Percent = percent
	}
	if description != "" {
		j.progress.Description = description
	}
	if extra != nil {
		j.progress.Extra = extra
	}
	snapshot := j.snapshotLocked()
	onProgress := j.onProgress
	j.mu.Unlock()

	if onProgress != nil {
		func() {
			defer func() {
				if oops := recover(); oops != nil && j.queue != nil {
					j.queue.logger.Warnf("Failed to run on progress callback: %v", oops)
				}
			}()
			onProgress(snapshot)
		}()
	}
	j.sendChanged(snapshot)
}

// OnProgress installs a callback invoked after every progress update
// with the job snapshot.  Used by callers relaying progress, e.g. a
// session or a wrapping job.
func (j *Job) OnProgress(fn func(map[string]interface{})) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onProgress = fn
}

func (j *Job) sendChanged(snapshot map[string]interface{}) {
	if j.queue == nil || j.opts.Transient {
		return
	}
	j.queue.events.Send(event.Event{
		Name:   EventName,
		Type:   event.Changed,
		ID:     snapshot["id"],
		Fields: snapshot,
	})
}

// Wait blocks until the job reaches a terminal state, then returns
// the stored result or re-raises the stored error.  Waiting on the
// job from inside its own body fails fast instead of deadlocking.
func (j *Job) Wait(ctx context.Context) (interface{}, error) {
	if id, ok := ContextJobID(ctx); ok && id == j.ID() {
		return nil, ErrWaitDeadlock
	}
	select {
	case <-j.finished:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	return j.result, nil
}

// Done returns a channel closed when the job reaches a terminal
// state.
func (j *Job) Done() <-chan struct{} {
	return j.finished
}

// Abort cancels a running job's context.  The body runs to its next
// cancellation point; a job that never polls its context runs to
// completion.  Aborting a waiting or finished job is a no-op.
func (j *Job) Abort() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wrap runs sub as a nested job, proxying its progress onto j and
// returning its result or error.  Useful for methods that are
// implemented in terms of another job.
func (j *Job) Wrap(ctx context.Context, sub *Job) (interface{}, error) {
	if sub == j {
		return nil, ErrWaitDeadlock
	}
	relay := func(snapshot map[string]interface{}) {
		if progress, ok := snapshot["progress"].(Progress); ok {
			j.SetProgressExtra(progress.Percent, progress.Description, progress.Extra)
		}
	}
	sub.OnProgress(relay)
	defer sub.OnProgress(nil)

	select {
	case <-sub.finished:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	relay(sub.Snapshot())
	if err := sub.Err(); err != nil {
		return nil, err
	}
	return sub.Result(), nil
}

// run executes the body and settles the job.  It always releases the
// job's lock, closes its log file and job-side pipe ends, and closes
// the finished channel, no matter how the body exits.
func (j *Job) run(ctx context.Context) {
	if j.opts.Logs {
		j.openLogs()
	}
	j.setState(Running)
	if !j.opts.Transient {
		j.sendChanged(j.Snapshot())
	}

	result, err := j.invoke(ctx)

	j.mu.Lock()
	if err != nil {
		if ctx.Err() != nil {
			j.setStateLocked(Aborted)
		} else {
			j.setStateLocked(Failed)
		}
		j.err = err
		j.trace = formatTrace(err)
	} else {
		j.result = result
		j.setStateLocked(Success)
	}
	finishedOK := err == nil && j.progress.Percent != 100
	j.mu.Unlock()

	if finishedOK {
		j.SetProgress(100, "")
	}

	j.closeLogs()
	j.pipes.closeJobEnds()
	j.queue.release(j)
	close(j.finished)

	if !j.opts.Transient {
		j.sendChanged(j.Snapshot())
	} else if err != nil && ctx.Err() == nil {
		j.queue.logger.Errorf("Transient job %s failed: %v", j.method, err)
	}
}

// invoke runs the body with a panic barrier.  Panics become
// InternalError with the captured stack.
func (j *Job) invoke(ctx context.Context) (result interface{}, err error) {
	defer func() {
		if oops := recover(); oops != nil {
			err = &errors.InternalError{
				Err:   fmt.Errorf("panic in job body: %v", oops),
				Stack: string(debug.Stack()),
			}
		}
	}()
	return j.body(context.WithValue(ctx, ctxKeyJobID, j.ID()), j)
}

func formatTrace(err error) string {
	var internal *errors.InternalError
	if ok := asError(err, &internal); ok {
		return internal.Stack
	}
	return err.Error()
}

func (j *Job) openLogs() {
	dir := j.queue.logsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		j.queue.logger.Warnf("Failed to create job logs dir %s: %v", dir, err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.log", j.ID()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		j.queue.logger.Warnf("Failed to open job log %s: %v", path, err)
		return
	}
	j.mu.Lock()
	j.logsPath = path
	j.logsFile = f
	j.mu.Unlock()
}

func (j *Job) closeLogs() {
	j.mu.Lock()
	f := j.logsFile
	path := j.logsPath
	j.logsFile = nil
	j.mu.Unlock()
	if f == nil {
		return
	}
	f.Close()
	excerpt, err := logsExcerpt(path)
	if err != nil {
		j.queue.logger.Warnf("Failed to read job log %s: %v", path, err)
		return
	}
	j.mu.Lock()
	j.logsExcerpt = excerpt
	j.mu.Unlock()
}

// logsExcerpt keeps the first and last ten lines of a log file,
// eliding the middle.
func logsExcerpt(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var head, tail []string
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if len(head) < 10 {
			head = append(head, line)
		} else {
			tail = append(tail, line)
			if len(tail) > 10 {
				tail = tail[1:]
			}
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if lines > 20 {
		return fmt.Sprintf("%s... %d more lines ...\n%s",
			strings.Join(head, ""), lines-20, strings.Join(tail, "")), nil
	}
	return strings.Join(append(head, tail...), ""), nil
}

// Snapshot returns the client-visible representation of the job, as
// broadcast on the core.get_jobs collection.
func (j *Job) Snapshot() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() map[string]interface{} {
	snapshot := map[string]interface{}{
		"id":            j.id,
		"method":        j.method,
		"arguments":     j.args,
		"progress":      j.progress,
		"result":        j.result,
		"error":         nil,
		"exception":     nil,
		"exc_info":      nil,
		"state":         j.state.String(),
		"time_started":  nil,
		"time_finished": nil,
		"logs_path":     j.logsPath,
		"logs_excerpt":  j.logsExcerpt,
	}
	if j.err != nil {
		snapshot["error"] = j.err.Error()
		snapshot["exception"] = j.trace
		snapshot["exc_info"] = excInfo(j.err)
	}
	if !j.timeStarted.IsZero() {
		snapshot["time_started"] = j.timeStarted
	}
	if !j.timeFinished.IsZero() {
		snapshot["time_finished"] = j.timeFinished
	}
	return snapshot
}

func excInfo(err error) map[string]interface{} {
	var validation *errors.ValidationError
	if asError(err, &validation) {
		return map[string]interface{}{
			"type":  "VALIDATION",
			"extra": [][]interface{}{{validation.Attribute, validation.Message, validation.Code}},
		}
	}
	var validations errors.ValidationErrors
	if asError(err, &validations) {
		extra := make([][]interface{}, len(validations))
		for i, v := range validations {
			extra[i] = []interface{}{v.Attribute, v.Message, v.Code}
		}
		return map[string]interface{}{"type": "VALIDATION", "extra": extra}
	}
	var callErr *errors.CallError
	if asError(err, &callErr) {
		return map[string]interface{}{"type": "CallError", "extra": callErr.Extra}
	}
	return map[string]interface{}{"type": "InternalError", "extra": nil}
}
