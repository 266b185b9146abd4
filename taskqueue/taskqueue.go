// Package taskqueue provides a cooperative work queue. Tasks schedule
// themselves for one-shot execution; a task that needs future attention
// re-schedules itself from inside PerformTask.
package taskqueue

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/pkg/xlog"
)

var logger = xlog.NewLogger("taskqueue", xlog.INFO)

// Task is a unit of deferred work. PerformTask runs to completion without
// preemption on the queue's worker; it must never block.
type Task interface {
	PerformTask()
}

// Queue runs scheduled tasks in FIFO order, one at a time. Production
// drives it with Start on a dedicated goroutine; tests step it
// deterministically with PerformTask.
type Queue struct {
	mu        sync.Mutex
	resume    chan struct{}
	pendings  []Task
	scheduled map[Task]struct{}
	stopped   bool
	started   bool
	donec     chan struct{}
}

// New returns an empty, halted Queue. Schedule and PerformTask may be used
// immediately; Start spins up the worker.
func New() *Queue {
	return &Queue{
		resume:    make(chan struct{}, 1),
		scheduled: make(map[Task]struct{}),
		donec:     make(chan struct{}),
	}
}

// Schedule enqueues t unless it is already enqueued. A task re-scheduling
// itself while it runs is the normal way to continue work later.
func (q *Queue) Schedule(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.scheduled[t]; ok {
		return
	}
	q.scheduled[t] = struct{}{}
	q.pendings = append(q.pendings, t)

	select {
	case q.resume <- struct{}{}:
	default:
	}
}

// IsScheduled reports whether t is currently enqueued.
func (q *Queue) IsScheduled(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.scheduled[t]
	return ok
}

// Outstanding returns the number of enqueued tasks.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendings)
}

// PerformTask dequeues and runs exactly one task. It returns false when the
// queue was empty. Test harnesses call this to step the queue
// deterministically.
func (q *Queue) PerformTask() bool {
	q.mu.Lock()
	if len(q.pendings) == 0 {
		q.mu.Unlock()
		return false
	}
	t := q.pendings[0]
	q.pendings = q.pendings[1:]
	delete(q.scheduled, t)
	q.mu.Unlock()

	// The task may call Schedule on itself or on others.
	t.PerformTask()
	return true
}

// Start runs tasks on a dedicated goroutine until Halt.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		logger.Panicf("queue started twice")
	}
	q.started = true
	q.mu.Unlock()

	go func() {
		defer close(q.donec)
		for {
			q.mu.Lock()
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			if q.PerformTask() {
				continue
			}
			<-q.resume
		}
	}()
}

// Halt stops the worker goroutine after the running task, if any, returns.
// Pending tasks stay enqueued and can still be stepped with PerformTask.
func (q *Queue) Halt() {
	q.mu.Lock()
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	select {
	case q.resume <- struct{}{}:
	default:
	}
	if started {
		<-q.donec
	}
}
