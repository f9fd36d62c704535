package session

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("execution queue closed")

// Job is one unit of work run by an ExecQueue.
type Job func(ctx context.Context)

// ExecQueue runs jobs one at a time in submission order on a single worker
// goroutine.
type ExecQueue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecQueue starts a queue whose jobs receive a context derived from
// parent.
func NewExecQueue(parent context.Context) *ExecQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &ExecQueue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.run()
	return q
}

// Submit enqueues job.
func (q *ExecQueue) Submit(job Job) error {
	q.mu.Lock()
	if q.closed || q.ctx.Err() != nil {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of jobs waiting to run.
func (q *ExecQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *ExecQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed || q.ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.ctx.Done():
			}
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job(q.ctx)
	}
}

// Close drops queued jobs, cancels the running one and waits for the
// worker to exit.
func (q *ExecQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.jobs = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
}
