// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package job

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/event"
)

// maxJobs bounds how many finished jobs the queue remembers.  Once
// the table is full the oldest terminal job is evicted to make room.
const maxJobs = 1000

// EventSink receives job lifecycle events; satisfied by *event.Bus.
type EventSink interface {
	Send(ev event.Event)
}

// jobLock serializes jobs sharing a lock name.  The holder runs;
// waiters start in FIFO order as the lock is handed off.
type jobLock struct {
	holder  *Job
	waiters []*Job
}

// Queue owns every job: it assigns ids, schedules bodies, enforces
// lock exclusion, retains finished jobs, and broadcasts lifecycle
// events on the core.get_jobs collection.
type Queue struct {
	logger  *logrus.Logger
	events  EventSink
	clock   clock.Clock
	logsDir string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
	order  []int64
	locks  map[string]*jobLock
}

// NewQueue creates an empty queue.  Job log files land under
// logsDir.  The clock is injectable for tests.
func NewQueue(logger *logrus.Logger, events EventSink, clk clock.Clock, logsDir string) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:  logger,
		events:  events,
		clock:   clk,
		logsDir: logsDir,
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(map[int64]*Job),
		locks:   make(map[string]*jobLock),
	}
}

// Add admits a job: it assigns an id, registers it in the table, and
// either starts it immediately or queues it behind its lock holder.
// If the job's lock queue is bounded and full, the newest queued job
// on that lock is returned instead and the candidate is discarded.
func (q *Queue) Add(j *Job) *Job {
	q.mu.Lock()

	if j.lockName != "" {
		if lock, ok := q.locks[j.lockName]; ok {
			if max := j.opts.LockQueueSize; max > 0 && len(lock.waiters) >= max {
				last := lock.waiters[len(lock.waiters)-1]
				q.mu.Unlock()
				// The discarded candidate will never run, so its
				// ends of any pre-opened pipes are closed here to
				// unblock whoever holds the other ends.
				j.pipes.closeJobEnds()
				return last
			}
		}
	}

	q.nextID++
	id := q.nextID
	ctx, cancel := context.WithCancel(q.baseCtx)
	j.mu.Lock()
	j.id = id
	j.queue = q
	j.runCtx = ctx
	j.cancel = cancel
	j.mu.Unlock()

	q.jobs[id] = j
	q.order = append(q.order, id)
	q.evictLocked()

	start := true
	if j.lockName != "" {
		lock, ok := q.locks[j.lockName]
		if !ok {
			q.locks[j.lockName] = &jobLock{holder: j}
		} else {
			lock.waiters = append(lock.waiters, j)
			start = false
		}
	}
	q.mu.Unlock()

	if !j.opts.Transient {
		q.events.Send(event.Event{
			Name:   EventName,
			Type:   event.Added,
			ID:     id,
			Fields: j.Snapshot(),
		})
	}
	if start {
		go j.run(j.runCtx)
	}
	return j
}

// evictLocked drops the oldest terminal job once the table exceeds
// its retention bound.  Live jobs are never evicted.
func (q *Queue) evictLocked() {
	if len(q.order) <= maxJobs {
		return
	}
	for i, id := range q.order {
		j, ok := q.jobs[id]
		if !ok || j.State().Terminal() {
			delete(q.jobs, id)
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// release hands the finished job's lock to the next waiter, in FIFO
// order, and drops transient jobs from the table.
func (q *Queue) release(j *Job) {
	q.mu.Lock()
	if j.lockName != "" {
		if lock, ok := q.locks[j.lockName]; ok && lock.holder == j {
			if len(lock.waiters) > 0 {
				next := lock.waiters[0]
				lock.waiters = lock.waiters[1:]
				lock.holder = next
				go next.run(next.runCtx)
			} else {
				delete(q.locks, j.lockName)
			}
		}
	}
	if j.opts.Transient {
		q.removeLocked(j.ID())
	}
	q.mu.Unlock()
}

// Get returns the job with the given id.
func (q *Queue) Get(id int64) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, errors.NewCallError(errors.ENOENT, "job %d not found", id)
	}
	return j, nil
}

// All returns every tracked job, oldest first.
func (q *Queue) All() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, id := range q.order {
		if j, ok := q.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Remove forgets a finished job and tells subscribers it is gone.
// Removing a live job is refused.
func (q *Queue) Remove(id int64) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errors.NewCallError(errors.ENOENT, "job %d not found", id)
	}
	if !j.State().Terminal() {
		q.mu.Unlock()
		return errors.NewCallError(errors.EINVAL, "job %d is still %s", id, j.State())
	}
	q.removeLocked(id)
	q.mu.Unlock()

	q.events.Send(event.Event{
		Name: EventName,
		Type: event.Removed,
		ID:   id,
	})
	return nil
}

func (q *Queue) removeLocked(id int64) {
	delete(q.jobs, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Shutdown cancels every running job's context and waits for the
// running set to settle, bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()

	q.mu.Lock()
	running := make([]*Job, 0)
	for _, j := range q.jobs {
		if j.State() == Running {
			running = append(running, j)
		}
	}
	q.mu.Unlock()

	for _, j := range running {
		select {
		case <-j.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
