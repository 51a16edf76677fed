// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package procpool

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/errors"
)

// DefaultSize is how many workers a pool keeps alive.
const DefaultSize = 5

// maxAttempts bounds how many times one call may run: the original
// attempt plus one retry after a pool recycle.
const maxAttempts = 2

// Spawner starts one worker process and returns a stream connected
// to its stdin/stdout.  Closing the stream must make the worker's
// RunWorker loop exit.
type Spawner interface {
	Spawn() (io.ReadWriteCloser, error)
}

// ExecSpawner runs the daemon's own binary in worker mode.
type ExecSpawner struct {
	// Path of the binary to execute; defaults to os.Executable.
	Path string
	// Args passed to the worker process, e.g. ["--worker"].
	Args []string
}

type execStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *execStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *execStream) Close() error {
	s.stdin.Close()
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// Spawn launches the worker process.
func (e *ExecSpawner) Spawn() (io.ReadWriteCloser, error) {
	path := e.Path
	if path == "" {
		var err error
		path, err = os.Executable()
		if err != nil {
			return nil, err
		}
	}
	cmd := exec.Command(path, e.Args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	return &execStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// worker is one supervisor-side handle on a live worker process.
type worker struct {
	conn   *conn
	broken bool
}

// Pool supervises a fixed set of worker processes.  Calls check a
// worker out, run exclusively on it, and check it back in.  Any I/O
// failure marks the pool broken; the next call tears every worker
// down, spawns a fresh set, and the failed call is retried once.
type Pool struct {
	logger  *logrus.Logger
	spawner Spawner
	size    int

	mu         sync.Mutex
	generation uint64
	broken     bool
	closed     bool
	idle       chan *worker
	workers    []*worker
	nextID     uint64
}

// NewPool creates and starts a pool of size workers.
func NewPool(logger *logrus.Logger, spawner Spawner, size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		logger:  logger,
		spawner: spawner,
		size:    size,
	}
	if err := p.respawnLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// respawnLocked tears down any existing workers and starts a fresh
// generation.  Caller holds p.mu or is the constructor.
func (p *Pool) respawnLocked() error {
	for _, w := range p.workers {
		w.conn.Close()
	}
	p.workers = nil
	p.idle = make(chan *worker, p.size)
	for i := 0; i < p.size; i++ {
		stream, err := p.spawner.Spawn()
		if err != nil {
			for _, w := range p.workers {
				w.conn.Close()
			}
			p.workers = nil
			return err
		}
		w := &worker{conn: newConn(stream)}
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	p.generation++
	p.broken = false
	return nil
}

// checkout takes an idle worker, recycling the pool first if a prior
// call broke it.
func (p *Pool) checkout(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewCallError(errors.ESERVICESTARTFAILURE, "process pool is shut down")
	}
	if p.broken {
		p.logger.Warn("Process pool is broken, recycling workers")
		if err := p.respawnLocked(); err != nil {
			p.mu.Unlock()
			return nil, &errors.InternalError{Err: err}
		}
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case w := <-idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) checkin(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.broken {
		p.broken = true
		return
	}
	// A worker from a recycled generation is already closed.
	for _, live := range p.workers {
		if live == w {
			p.idle <- w
			return
		}
	}
}

// Call runs a method on a pooled worker and blocks for its result.
// onProgress, if non-nil, receives streamed progress reports.  A
// worker failure recycles the pool and retries the call once.
func (p *Pool) Call(ctx context.Context, method string, args []interface{}, onProgress func(percent float64, description string)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err, broken := p.callOnce(ctx, method, args, onProgress)
		if !broken {
			return result, err
		}
		lastErr = err
		p.logger.WithError(err).Warnf("Worker failed running %s (attempt %d of %d)", method, attempt+1, maxAttempts)
	}
	return nil, &errors.InternalError{Err: lastErr}
}

func (p *Pool) callOnce(ctx context.Context, method string, args []interface{}, onProgress func(float64, string)) (interface{}, error, bool) {
	w, err := p.checkout(ctx)
	if err != nil {
		return nil, err, false
	}
	defer p.checkin(w)

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	if err := w.conn.Send(&Frame{ID: id, Kind: kindCall, Method: method, Args: args}); err != nil {
		w.broken = true
		return nil, err, true
	}

	for {
		select {
		case <-ctx.Done():
			// The worker may still be mid-call; it cannot be
			// reused with a stale response in flight.
			w.broken = true
			return nil, ctx.Err(), false
		default:
		}
		frame, err := w.conn.Recv()
		if err != nil {
			w.broken = true
			return nil, err, true
		}
		if frame.ID != id {
			continue
		}
		switch frame.Kind {
		case kindProgress:
			if onProgress != nil {
				onProgress(frame.Percent, frame.Description)
			}
		case kindResult:
			return frame.Result, nil, false
		case kindError:
			return nil, frameError(frame), false
		}
	}
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.size }

// Close shuts every worker down.  In-flight calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.workers {
		w.conn.Close()
	}
	p.workers = nil
}
