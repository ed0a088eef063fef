package rules

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/heap"
)

type scheduled struct {
	id  string
	at  time.Time
	seq uint64
	fn  func()
}

// Scheduler runs callbacks at their due time from a single goroutine, in due
// order. Callbacks must not block; they usually hand work to a dispatcher.
//
// Coordination uses a wake channel so new entries, cancellations and Close
// share one select loop with the timer.
type Scheduler struct {
	mu      sync.Mutex
	queue   *heap.Heap[*scheduled]
	seq     uint64
	wake    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		queue: heap.New(func(a, b *scheduled) bool {
			if a.at.Equal(b.at) {
				return a.seq < b.seq
			}
			return a.at.Before(b.at)
		}),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule runs fn after delay. An existing entry with the same id is
// replaced.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("scheduler is closed")
	}
	s.queue.RemoveFunc(func(e *scheduled) bool { return e.id == id })
	s.seq++
	s.queue.Push(&scheduled{
		id:  id,
		at:  time.Now().Add(delay),
		seq: s.seq,
		fn:  fn,
	})
	s.signal()
	return nil
}

// Cancel removes the entry with id. It reports whether one was pending.
// A callback that has already been handed out still runs.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.queue.RemoveFunc(func(e *scheduled) bool { return e.id == id })
	if removed > 0 {
		s.signal()
	}
	return removed > 0
}

// Due returns when id is due.
func (s *Scheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.queue.All() {
		if e.id == id {
			return e.at, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Size()
}

// popDue removes and returns the first entry if it is due, else the time
// until the first entry (or -1 if empty).
func (s *Scheduler) popDue() (*scheduled, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, found := s.queue.Peek()
	if !found {
		return nil, -1
	}
	if wait := time.Until(next.at); wait > 0 {
		return nil, wait
	}
	s.queue.Pop()
	return next, 0
}

// Start runs the loop until Close is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.Errorf("scheduler already started or closed")
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}

		next, wait := s.popDue()
		if next != nil {
			next.fn()
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-timerC:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return mudscape.WithStack(ctx.Err())
		}
	}
}

// Close stops the loop and waits for it to exit. Pending entries are
// dropped.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()
	s.signal()
	if started {
		<-s.done
	}
	return nil
}
