package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
)

// Task is one unit of work run by a Dispatcher.
type Task func(ctx context.Context)

// Dispatcher runs tasks one at a time in the order they were enqueued.
// Enqueue never blocks; the queue grows as needed.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds task to the queue. It returns false if the dispatcher is
// closed.
func (d *Dispatcher) Enqueue(task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, task)
	d.signal()
	return true
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) next() (Task, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) > 0 {
		task := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		return task, true, d.closed
	}
	return nil, false, d.closed
}

// Run drains the queue until Close is called or ctx is cancelled. Tasks
// queued before Close still run.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.Errorf("dispatcher already running")
	}
	d.started = true
	d.mu.Unlock()
	defer close(d.done)

	for {
		task, found, closed := d.next()
		if found {
			task(ctx)
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-d.wake:
		case <-ctx.Done():
			return mudscape.WithStack(ctx.Err())
		}
	}
}

// Sync waits until every task enqueued before the call has run.
func (d *Dispatcher) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if !d.Enqueue(func(context.Context) { close(reached) }) {
		return errors.Errorf("dispatcher is closed")
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return mudscape.WithStack(ctx.Err())
	}
}

// Close stops accepting tasks and waits for the queue to drain.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()
	d.signal()
	if started {
		<-d.done
	}
	return nil
}
