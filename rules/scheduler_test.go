package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSchedulerOrder(t *testing.T) {
	sched := NewScheduler()
	var mu sync.Mutex
	got := []string{}
	done := make(chan struct{})
	record := func(id string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, id)
			if len(got) == 3 {
				close(done)
			}
		}
	}
	sched.Schedule("c", 60*time.Millisecond, record("c"))
	sched.Schedule("a", 20*time.Millisecond, record("a"))
	sched.Schedule("b", 40*time.Millisecond, record("b"))
	go sched.Start(context.Background())
	defer sched.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSchedulerCancelAndReplace(t *testing.T) {
	sched := NewScheduler()
	go sched.Start(context.Background())
	defer sched.Close()

	fired := make(chan string, 4)
	sched.Schedule("x", 30*time.Millisecond, func() { fired <- "x1" })
	sched.Schedule("x", 30*time.Millisecond, func() { fired <- "x2" })
	sched.Schedule("y", 30*time.Millisecond, func() { fired <- "y" })
	if _, found := sched.Due("y"); !found {
		t.Error("Due(y) not found")
	}
	if !sched.Cancel("y") {
		t.Error("Cancel(y) = false")
	}
	if sched.Cancel("y") {
		t.Error("second Cancel(y) = true")
	}
	select {
	case got := <-fired:
		if got != "x2" {
			t.Errorf("fired %q, want x2", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	time.Sleep(60 * time.Millisecond)
	if len(fired) != 0 {
		t.Errorf("unexpected extra fire: %q", <-fired)
	}
	if n := sched.Len(); n != 0 {
		t.Errorf("Len() = %d", n)
	}
}

func TestSchedulerClose(t *testing.T) {
	sched := NewScheduler()
	if err := sched.Close(); err != nil {
		t.Errorf("Close() before Start() = %v", err)
	}
	if err := sched.Schedule("x", time.Millisecond, func() {}); err == nil {
		t.Error("Schedule() after Close() succeeded")
	}
}
