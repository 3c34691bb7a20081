package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrWorkerClosed  = errors.New("digest worker closed")
	ErrWorkerTimeout = errors.New("digest worker did not reply in time")
)

type request struct {
	id   uint64
	data []byte
}

type reply struct {
	id     uint64
	result Result
	err    error
}

// Worker hashes inputs on its own goroutine. Callers submit a request tagged
// with an id and wait for the reply carrying the same id.
type Worker struct {
	compute  func([]byte) (Result, error)
	requests chan request

	mu      sync.Mutex
	pending map[uint64]chan reply
	nextID  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewWorker(compute func([]byte) (Result, error)) *Worker {
	w := &Worker{
		compute:  compute,
		requests: make(chan request),
		pending:  make(map[uint64]chan reply),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Sum submits data and waits for the matching reply, ctx cancellation or
// timeout, whichever comes first.
func (w *Worker) Sum(ctx context.Context, data []byte, timeout time.Duration) (Result, error) {
	id := w.nextID.Add(1)
	replies := make(chan reply, 1)

	w.mu.Lock()
	w.pending[id] = replies
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w.requests <- request{id: id, data: data}:
	case <-w.done:
		return Result{}, ErrWorkerClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{}, ErrWorkerTimeout
	}

	select {
	case rep := <-replies:
		if rep.id != id {
			return Result{}, fmt.Errorf("digest worker replied to request %d, want %d", rep.id, id)
		}
		return rep.result, rep.err
	case <-w.done:
		return Result{}, ErrWorkerClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{}, ErrWorkerTimeout
	}
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			select {
			case <-w.done:
				return
			default:
			}
			w.deliver(w.handle(req))
		}
	}
}

func (w *Worker) handle(req request) (rep reply) {
	rep.id = req.id
	defer func() {
		if r := recover(); r != nil {
			rep.err = fmt.Errorf("digest worker panic: %v", r)
		}
	}()
	rep.result, rep.err = w.compute(req.data)
	return rep
}

func (w *Worker) deliver(rep reply) {
	w.mu.Lock()
	replies, ok := w.pending[rep.id]
	w.mu.Unlock()
	if !ok {
		// Caller gave up already.
		return
	}
	select {
	case replies <- rep:
	default:
	}
}

func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
