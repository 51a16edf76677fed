// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package procpool

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/modryn/go-dispatch/errors"
)

// duplex glues two in-process pipes into a bidirectional stream.
type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplex) Close() error {
	d.r.Close()
	return d.w.Close()
}

func duplexPair() (*duplex, *duplex) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &duplex{r: ar, w: aw}, &duplex{r: br, w: bw}
}

// inprocSpawner runs RunWorker in a goroutine instead of a process.
type inprocSpawner struct {
	crashed int32
	spawned int32
}

func (s *inprocSpawner) Spawn() (io.ReadWriteCloser, error) {
	atomic.AddInt32(&s.spawned, 1)
	supervisor, workerEnd := duplexPair()
	go RunWorker(workerEnd, s.handler(workerEnd))
	return supervisor, nil
}

func (s *inprocSpawner) handler(workerEnd io.Closer) Handler {
	return func(ctx context.Context, method string, args []interface{}, progress func(float64, string)) (interface{}, error) {
		switch method {
		case "test.echo":
			return args[0], nil
		case "test.progress":
			progress(30, "warming up")
			progress(90, "almost there")
			return "done", nil
		case "test.fail":
			return nil, errors.NewCallError(errors.EINVAL, "no good")
		case "test.panic":
			panic("worker went sideways")
		case "test.crash":
			// Simulate the process dying mid-call: close the
			// stream so the answer never arrives.  The first
			// crash is remembered so the retry succeeds.
			if atomic.CompareAndSwapInt32(&s.crashed, 0, 1) {
				workerEnd.Close()
				return nil, nil
			}
			return "recovered", nil
		}
		return nil, errors.NewCallError(errors.ENOMETHOD, "unknown method %s", method)
	}
}

func testPool(t *testing.T, size int) (*Pool, *inprocSpawner) {
	t.Helper()
	spawner := &inprocSpawner{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p, err := NewPool(logger, spawner, size)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Close)
	return p, spawner
}

func TestPoolCall(t *testing.T) {
	p, _ := testPool(t, 2)
	result, err := p.Call(context.Background(), "test.echo", []interface{}{"hello"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestPoolProgressRelay(t *testing.T) {
	p, _ := testPool(t, 1)
	var mu sync.Mutex
	var reports []string
	result, err := p.Call(context.Background(), "test.progress", nil, func(percent float64, description string) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, description)
	})
	assert.NoError(t, err)
	assert.Equal(t, "done", result)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"warming up", "almost there"}, reports)
}

func TestPoolErrorRoundTrip(t *testing.T) {
	p, _ := testPool(t, 1)
	_, err := p.Call(context.Background(), "test.fail", nil, nil)
	var callErr *errors.CallError
	assert.True(t, stderrors.As(err, &callErr))
	assert.Equal(t, errors.EINVAL, callErr.Code)
	assert.Equal(t, "no good", callErr.Reason)
}

func TestPoolPanicBecomesInternalError(t *testing.T) {
	p, _ := testPool(t, 1)
	_, err := p.Call(context.Background(), "test.panic", nil, nil)
	var internal *errors.InternalError
	assert.True(t, stderrors.As(err, &internal))
	assert.Contains(t, internal.Error(), "worker went sideways")
	assert.NotEmpty(t, internal.Stack)
}

func TestPoolConcurrentCalls(t *testing.T) {
	p, _ := testPool(t, 3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := p.Call(context.Background(), "test.echo", []interface{}{int64(n)}, nil)
			assert.NoError(t, err)
			assert.EqualValues(t, n, result)
		}(i)
	}
	wg.Wait()
}

func TestPoolRecyclesAndRetriesAfterCrash(t *testing.T) {
	p, spawner := testPool(t, 2)

	result, err := p.Call(context.Background(), "test.crash", nil, nil)
	assert.NoError(t, err, "crashed call is retried on a fresh pool")
	assert.Equal(t, "recovered", result)
	assert.EqualValues(t, 4, atomic.LoadInt32(&spawner.spawned),
		"crash replaces the whole worker set")

	// The recycled pool keeps serving normally.
	result, err = p.Call(context.Background(), "test.echo", []interface{}{"still here"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "still here", result)
}

func TestPoolClosedRejectsCalls(t *testing.T) {
	p, _ := testPool(t, 1)
	p.Close()
	_, err := p.Call(context.Background(), "test.echo", []interface{}{1}, nil)
	assert.Error(t, err)
	assert.Equal(t, errors.ESERVICESTARTFAILURE, errors.Errno(err))
}

func TestPoolCheckoutHonorsContext(t *testing.T) {
	p, _ := testPool(t, 1)

	hold, err := p.checkout(context.Background())
	assert.NoError(t, err)
	defer p.checkin(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.checkout(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}
